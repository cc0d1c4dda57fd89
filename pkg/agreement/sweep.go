package agreement

import (
	"context"
	"log/slog"
	"time"

	"github.com/opencawt/opencawt/pkg/contracts"
	"github.com/opencawt/opencawt/pkg/store"
)

// SweepConfig tunes the expiry sweeper. Zero values fall back to
// defaults suitable for production.
type SweepConfig struct {
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time
}

func (c *SweepConfig) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Sweeper retires pending proposals whose acceptance window closed.
// Expiry is the only agreement transition not driven by a signed
// request, so it runs on its own background cadence. Accept refuses
// overdue proposals on its own; the sweeper just makes the stored
// status catch up.
type Sweeper struct {
	store  *store.Store
	logger *slog.Logger
	cfg    SweepConfig
}

// NewSweeper builds the expiry sweeper.
func NewSweeper(st *store.Store, logger *slog.Logger, cfg SweepConfig) *Sweeper {
	cfg.withDefaults()
	return &Sweeper{
		store:  st,
		logger: logger.With("component", "agreementsweep"),
		cfg:    cfg,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.Info("agreement sweeper started", "interval", s.cfg.Interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("agreement sweeper stopped")
			return
		case <-ticker.C:
			if n, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("agreement sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Debug("agreement sweep", "expired", n)
			}
		}
	}
}

// RunOnce expires every overdue pending proposal once and reports how
// many it retired. The scan comes back earliest expiry first; the
// parsed deadline decides, so an expiry at the current instant is not
// yet overdue.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	now := s.cfg.Now().UTC()
	open, err := s.store.ListPendingAgreements(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, a := range open {
		if !now.After(a.ExpiresAt) {
			continue
		}
		err := s.store.WithTx(ctx, func(q *store.Queries) error {
			cur, err := q.GetAgreement(ctx, a.ProposalID)
			if err != nil {
				return err
			}
			if cur.Status != contracts.AgreementPending {
				return nil
			}
			cur.Status = contracts.AgreementExpiredSt
			return q.UpdateAgreement(ctx, cur)
		})
		if err != nil {
			s.logger.Warn("agreement expiry failed", "proposalId", a.ProposalID, "error", err)
			continue
		}
		expired++
		s.logger.Info("agreement expired", "proposalId", a.ProposalID, "code", a.AgreementCode)
	}
	return expired, nil
}
