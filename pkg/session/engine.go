// Package session drives every live case through its stage machine.
//
// One loop observes all cases that are filed and not yet terminal. Each
// tick performs at most one transition per case, executed inside a
// single store transaction together with the transcript event that
// records it, so the audit trail can never diverge from state. Deadline
// comparisons happen in Go on parsed timestamps; the wall clock is
// injected so tests drive time explicitly.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opencawt/opencawt/pkg/config"
	"github.com/opencawt/opencawt/pkg/contracts"
	"github.com/opencawt/opencawt/pkg/drand"
	"github.com/opencawt/opencawt/pkg/store"
)

// Engine is the session loop. Start launches it; Stop waits for the
// current tick to finish. RunTick is exported so tests can drive the
// machine without real time.
type Engine struct {
	store   *store.Store
	rules   *config.RulesetRegistry
	beacon  drand.Beacon
	logger  *slog.Logger
	baseURL string
	now     func() time.Time
	tick    time.Duration

	mu       sync.Mutex
	closing  map[string]bool
	failures map[string]*CaseFailure
	stats    Stats

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTick overrides the loop cadence.
func WithTick(d time.Duration) Option {
	return func(e *Engine) { e.tick = d }
}

// NewEngine builds the session engine. baseURL is the public site base
// used for seal receipt links.
func NewEngine(st *store.Store, rules *config.RulesetRegistry, beacon drand.Beacon, baseURL string, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		rules:    rules,
		beacon:   beacon,
		logger:   logger.With("component", "session"),
		baseURL:  baseURL,
		now:      time.Now,
		tick:     time.Second,
		closing:  make(map[string]bool),
		failures: make(map[string]*CaseFailure),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the tick loop. Calling Start twice panics via the
// closed channel; callers own the lifecycle.
func (e *Engine) Start() {
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.mu.Lock()
	e.stats.StartedAt = e.now().UTC()
	e.mu.Unlock()
	go e.loop()
	e.logger.Info("session engine started", "tick", e.tick.String())
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (e *Engine) Stop() {
	if e.stopCh == nil {
		return
	}
	close(e.stopCh)
	<-e.doneCh
	e.logger.Info("session engine stopped")
}

func (e *Engine) loop() {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := e.RunTick(ctx); err != nil {
				e.logger.Error("tick failed", "error", err)
			}
			cancel()
		}
	}
}

// RunTick observes every live case once and performs at most one
// transition each. It returns the number of transitions made. A
// per-case error is recorded for diagnostics and does not stop the
// sweep; the case is retried on the next tick.
func (e *Engine) RunTick(ctx context.Context) (int, error) {
	now := e.now().UTC()
	cases, err := e.store.ListEngineCases(ctx)
	if err != nil {
		return 0, fmt.Errorf("list engine cases: %w", err)
	}

	transitions := 0
	for _, c := range cases {
		did, err := e.step(ctx, c, now)
		if err != nil {
			e.recordFailure(c.CaseID, now, err)
			e.logger.Error("case transition failed",
				"caseId", c.CaseID, "status", string(c.Status), "stage", string(c.SessionStage), "error", err)
			continue
		}
		e.clearFailure(c.CaseID)
		if did {
			transitions++
		}
	}

	e.mu.Lock()
	e.stats.Ticks++
	e.stats.Transitions += int64(transitions)
	e.stats.LastTickAt = now
	e.stats.ObservedCases = len(cases)
	e.mu.Unlock()
	return transitions, nil
}

// step routes one case to its stage handler. The routing read is
// outside the transaction; every handler reloads and re-checks its
// trigger inside the transaction before mutating.
func (e *Engine) step(ctx context.Context, c *contracts.Case, now time.Time) (bool, error) {
	rules, err := e.rules.Resolve(c.RulesetVersion)
	if err != nil {
		return false, err
	}

	// A case stuck in filed lost its selection transaction (beacon
	// outage, crash). Selection is deterministic, so redoing it here
	// converges on the same panel the filing would have seated.
	if c.Status == contracts.CaseFiled {
		return e.recoverSelection(ctx, c.CaseID, rules, now)
	}

	rt, err := e.store.GetRuntime(ctx, c.CaseID)
	if err != nil {
		return false, fmt.Errorf("load runtime for %s: %w", c.CaseID, err)
	}

	switch rt.CurrentStage {
	case contracts.StagePreSession:
		return e.stepPreSession(ctx, c.CaseID, rules, now)
	case contracts.StageJuryReadiness:
		return e.stepReadiness(ctx, c.CaseID, rules, now)
	case contracts.StageOpeningAddresses, contracts.StageEvidence, contracts.StageClosingAddresses, contracts.StageSummingUp:
		return e.stepSubmissionStage(ctx, c.CaseID, rules, now)
	case contracts.StageVoting:
		did, wantClose, err := e.stepVoting(ctx, c.CaseID, rules, now)
		if err != nil || did {
			return did, err
		}
		if wantClose {
			return e.closeCase(ctx, c.CaseID, rules, now)
		}
		return false, nil
	}
	return false, nil
}

// Stats is a snapshot of engine activity for the diagnostics surface.
type Stats struct {
	StartedAt     time.Time     `json:"startedAt"`
	LastTickAt    time.Time     `json:"lastTickAt"`
	Ticks         int64         `json:"ticks"`
	Transitions   int64         `json:"transitions"`
	ObservedCases int           `json:"observedCases"`
	Failing       []CaseFailure `json:"failingCases,omitempty"`
}

// CaseFailure is a case whose transitions keep erroring. The engine
// retries it every tick; operators see it here instead of losing it to
// the logs.
type CaseFailure struct {
	CaseID  string    `json:"caseId"`
	Error   string    `json:"error"`
	Count   int       `json:"count"`
	FirstAt time.Time `json:"firstAt"`
	LastAt  time.Time `json:"lastAt"`
}

// Snapshot returns the current engine stats with failing cases ordered
// by id.
func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.stats
	out.Failing = make([]CaseFailure, 0, len(e.failures))
	for _, f := range e.failures {
		out.Failing = append(out.Failing, *f)
	}
	sort.Slice(out.Failing, func(i, j int) bool { return out.Failing[i].CaseID < out.Failing[j].CaseID })
	return out
}

func (e *Engine) recordFailure(caseID string, now time.Time, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.failures[caseID]
	if !ok {
		f = &CaseFailure{CaseID: caseID, FirstAt: now}
		e.failures[caseID] = f
	}
	f.Error = err.Error()
	f.Count++
	f.LastAt = now
}

func (e *Engine) clearFailure(caseID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.failures, caseID)
}

// beginClose claims the closure lock for a case. The lock is process
// local; across processes the transaction's terminal-status re-check
// keeps closure idempotent.
func (e *Engine) beginClose(caseID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing[caseID] {
		return false
	}
	e.closing[caseID] = true
	return true
}

func (e *Engine) endClose(caseID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.closing, caseID)
}
