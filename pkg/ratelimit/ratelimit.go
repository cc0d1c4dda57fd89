// Package ratelimit enforces the per-agent action quotas and the
// service-wide soft daily cap. Quotas are sliding windows counted from
// the durable action log, so they survive restarts and hold across
// processes; an optional token-bucket front line absorbs bursts before
// the log is consulted.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencawt/opencawt/pkg/contracts"
	"github.com/opencawt/opencawt/pkg/store"
)

// Window lengths for the action-log quotas.
const (
	FilingWindow = 24 * time.Hour
	HourlyWindow = time.Hour
)

// Soft-cap modes.
const (
	SoftCapWarn    = "warn"
	SoftCapEnforce = "enforce"
)

// Quotas are the configured limits.
type Quotas struct {
	FilingPer24h       int
	EvidencePerHour    int
	SubmissionsPerHour int
	BallotsPerHour     int

	SoftDailyCaseCap int
	SoftCapMode      string // warn | enforce
}

// Limiter answers whether an agent may perform an action right now.
type Limiter struct {
	quotas      Quotas
	burst       LimiterStore
	burstPolicy Policy
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithBurstStore adds a token-bucket front line keyed by agent id.
func WithBurstStore(s LimiterStore, policy Policy) Option {
	return func(l *Limiter) {
		l.burst = s
		l.burstPolicy = policy
	}
}

func New(quotas Quotas, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		quotas: quotas,
		now:    time.Now,
		logger: logger.With("component", "ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAction runs the quota checks for one action. Callers invoke it
// with the transaction-bound queries at the top of their handler, so a
// rejected request rolls back with everything else.
func (l *Limiter) CheckAction(ctx context.Context, q *store.Queries, agentID string, action contracts.ActionType) error {
	if l.burst != nil {
		ok, err := l.burst.Allow(ctx, "agent:"+agentID, l.burstPolicy, 1)
		if err != nil {
			// The action-log quotas below stay authoritative.
			l.logger.Warn("burst limiter unavailable", "agent", agentID, "error", err)
		} else if !ok {
			return contracts.Coded(contracts.CodeRateLimited, "too many requests").WithRetryAfter(1)
		}
	}

	switch action {
	case contracts.ActionFileCase:
		if err := l.checkWindow(ctx, q, agentID, action, FilingWindow, l.quotas.FilingPer24h, "filing"); err != nil {
			return err
		}
		return l.checkSoftCap(ctx, q)
	case contracts.ActionEvidence:
		return l.checkWindow(ctx, q, agentID, action, HourlyWindow, l.quotas.EvidencePerHour, "evidence")
	case contracts.ActionSubmission:
		return l.checkWindow(ctx, q, agentID, action, HourlyWindow, l.quotas.SubmissionsPerHour, "submission")
	case contracts.ActionBallot:
		return l.checkWindow(ctx, q, agentID, action, HourlyWindow, l.quotas.BallotsPerHour, "ballot")
	default:
		return nil
	}
}

func (l *Limiter) checkWindow(ctx context.Context, q *store.Queries, agentID string, action contracts.ActionType, window time.Duration, limit int, what string) error {
	if limit <= 0 {
		return nil
	}
	now := l.now().UTC()
	since := tsString(now.Add(-window))
	n, err := q.CountActions(ctx, agentID, action, since)
	if err != nil {
		return fmt.Errorf("count %s actions: %w", what, err)
	}
	if n < limit {
		return nil
	}
	return contracts.Codedf(contracts.CodeRateLimited, "%s limit of %d per %s reached", what, limit, windowLabel(window)).
		WithDetails(map[string]interface{}{
			"limit":         limit,
			"windowSeconds": int(window.Seconds()),
		}).
		WithRetryAfter(l.retryAfter(ctx, q, agentID, action, since, window, now))
}

// retryAfter reports when the oldest in-window action ages out. Falls
// back to the full window if the log cannot be read.
func (l *Limiter) retryAfter(ctx context.Context, q *store.Queries, agentID string, action contracts.ActionType, since string, window time.Duration, now time.Time) int {
	oldest, err := q.OldestActionSince(ctx, agentID, action, since)
	if err != nil || oldest == "" {
		return int(window.Seconds())
	}
	t, err := time.Parse(time.RFC3339Nano, oldest)
	if err != nil {
		return int(window.Seconds())
	}
	wait := t.Add(window).Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return int(wait.Seconds())
}

// checkSoftCap applies the service-wide daily filing cap. Warn mode
// logs and passes; enforce mode rejects with the cap number.
func (l *Limiter) checkSoftCap(ctx context.Context, q *store.Queries) error {
	if l.quotas.SoftDailyCaseCap <= 0 {
		return nil
	}
	now := l.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	total, err := q.CountActionsAllAgents(ctx, contracts.ActionFileCase, tsString(dayStart))
	if err != nil {
		return fmt.Errorf("count filings today: %w", err)
	}
	if total < l.quotas.SoftDailyCaseCap {
		return nil
	}
	if l.quotas.SoftCapMode != SoftCapEnforce {
		l.logger.Warn("soft daily case cap reached",
			"cap", l.quotas.SoftDailyCaseCap, "filedToday", total)
		return nil
	}
	untilMidnight := dayStart.Add(24 * time.Hour).Sub(now)
	return contracts.Codedf(contracts.CodeSoftCapExceeded,
		"daily case cap of %d reached", l.quotas.SoftDailyCaseCap).
		WithDetails(map[string]interface{}{"cap": l.quotas.SoftDailyCaseCap}).
		WithRetryAfter(int(untilMidnight.Seconds()))
}

func windowLabel(w time.Duration) string {
	if w == FilingWindow {
		return "24h"
	}
	return "hour"
}

func tsString(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
