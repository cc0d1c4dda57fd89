package seal

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencawt/opencawt/pkg/contracts"
	"github.com/opencawt/opencawt/pkg/store"
)

// SweeperConfig tunes the retry driver. Zero values fall back to
// defaults suitable for production.
type SweeperConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Interval    time.Duration
	BatchSize   int
	Now         func() time.Time
}

func (c *SweeperConfig) withDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Minute
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Minute
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Sweeper drives queued jobs to the minter and retries retryable
// failures on a deterministic backoff schedule.
type Sweeper struct {
	store  *store.Store
	minter Minter
	rec    *Reconciler
	logger *slog.Logger
	cfg    SweeperConfig
}

// NewSweeper builds the driver.
func NewSweeper(st *store.Store, minter Minter, rec *Reconciler, logger *slog.Logger, cfg SweeperConfig) *Sweeper {
	cfg.withDefaults()
	return &Sweeper{
		store:  st,
		minter: minter,
		rec:    rec,
		logger: logger.With("component", "sealsweep"),
		cfg:    cfg,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.Info("seal sweeper started", "interval", s.cfg.Interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("seal sweeper stopped")
			return
		case <-ticker.C:
			if n, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("seal sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Debug("seal sweep", "processed", n)
			}
		}
	}
}

// RunOnce drives every due job once and reports how many it processed.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	now := s.cfg.Now().UTC()
	jobs, err := s.store.ListRetryableSealJobs(ctx, now.Format(time.RFC3339Nano), s.cfg.MaxAttempts, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, job := range jobs {
		if !s.due(job, now) {
			continue
		}
		driven, err := s.drive(ctx, job, now)
		if err != nil {
			s.logger.Warn("seal job attempt failed", "jobId", job.JobID, "attempts", job.Attempts, "error", err)
			continue
		}
		if driven {
			processed++
		}
	}
	return processed, nil
}

// due applies the deterministic backoff: a fresh job runs immediately,
// a retried one waits out its per-attempt delay.
func (s *Sweeper) due(job *contracts.SealJob, now time.Time) bool {
	if job.Attempts == 0 {
		return true
	}
	wait := retryDelay(job.JobID, job.Attempts, s.cfg.BaseDelay, s.cfg.MaxDelay)
	return !now.Before(job.UpdatedAt.Add(wait))
}

func (s *Sweeper) drive(ctx context.Context, job *contracts.SealJob, now time.Time) (bool, error) {
	ts := now.Format(time.RFC3339Nano)

	if job.Status == contracts.SealJobFailed {
		if err := s.store.RequeueSealJob(ctx, job.JobID, ts); err != nil {
			return false, err
		}
	}
	claimed, err := s.store.ClaimSealJob(ctx, job.JobID, ts)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	var req contracts.SealRequest
	if err := json.Unmarshal(job.RequestJSON, &req); err != nil {
		poison := contracts.NonRetryablePrefix + " malformed request json"
		if cerr := s.store.CompleteSealJob(ctx, job.JobID, contracts.SealJobFailed, poison, nil, ts); cerr != nil {
			return false, cerr
		}
		return false, fmt.Errorf("seal: job %s request: %w", job.JobID, err)
	}

	resp, err := s.minter.Mint(ctx, &req)
	if err != nil {
		// Transport failure. Recorded as retryable so the next sweep
		// picks the job up after its backoff.
		if cerr := s.store.CompleteSealJob(ctx, job.JobID, contracts.SealJobFailed, "mint: "+err.Error(), nil, ts); cerr != nil {
			return false, cerr
		}
		return false, err
	}

	if _, err := s.rec.Apply(ctx, job.JobID, resp); err != nil {
		return false, err
	}
	return true, nil
}

// retryDelay is the wait before a job's next attempt: exponential from
// base, capped at max, plus a jitter computed from the job id and
// attempt number. The same inputs always produce the same delay.
func retryDelay(jobID string, attempt int, base, max time.Duration) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	delay := base << shift
	if delay > max || delay < 0 {
		delay = max
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", jobID, attempt)))
	jitter := time.Duration(binary.BigEndian.Uint64(sum[:8]) % uint64(base))
	return delay + jitter
}
