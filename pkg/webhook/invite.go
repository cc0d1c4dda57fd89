package webhook

import (
	"context"
	"log/slog"
	"time"

	"github.com/opencawt/opencawt/pkg/contracts"
	"github.com/opencawt/opencawt/pkg/store"
)

// InviteTracker lands defence-invite delivery state on the case row, so
// operators can read queued/delivered/failed with the attempt count and
// last error straight off the case.
type InviteTracker struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// TrackerOption configures an InviteTracker.
type TrackerOption func(*InviteTracker)

// WithTrackerClock injects a deterministic clock.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *InviteTracker) { t.now = now }
}

// NewInviteTracker builds the tracker.
func NewInviteTracker(st *store.Store, logger *slog.Logger, opts ...TrackerOption) *InviteTracker {
	t := &InviteTracker{
		store:  st,
		logger: logger.With("component", "invitetrack"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Queued marks the invite as handed to the dispatcher.
func (t *InviteTracker) Queued(ctx context.Context, caseID string) error {
	return t.update(ctx, caseID, func(c *contracts.Case) {
		c.DefenceInviteStatus = contracts.InviteQueued
		c.DefenceInviteLastError = ""
	})
}

// Dropped marks the invite as failed before any attempt was made, for a
// full queue or a defendant with no notify URL.
func (t *InviteTracker) Dropped(ctx context.Context, caseID, reason string) error {
	return t.update(ctx, caseID, func(c *contracts.Case) {
		c.DefenceInviteStatus = contracts.InviteFailed
		c.DefenceInviteLastError = reason
	})
}

// Done returns the dispatcher callback for one case's invite. The
// callback runs on a worker goroutine; failures to record the outcome
// are logged, never propagated back into the delivery path.
func (t *InviteTracker) Done(caseID string) func(Result) {
	return func(res Result) {
		err := t.update(context.Background(), caseID, func(c *contracts.Case) {
			c.DefenceInviteAttempts += res.Attempts
			if res.Delivered {
				c.DefenceInviteStatus = contracts.InviteDelivered
				c.DefenceInviteLastError = ""
			} else {
				c.DefenceInviteStatus = contracts.InviteFailed
				c.DefenceInviteLastError = res.LastError
			}
		})
		if err != nil {
			t.logger.Error("invite state update failed", "caseId", caseID, "error", err)
		}
	}
}

func (t *InviteTracker) update(ctx context.Context, caseID string, mut func(*contracts.Case)) error {
	return t.store.WithTx(ctx, func(q *store.Queries) error {
		c, err := q.GetCase(ctx, caseID)
		if err != nil {
			return err
		}
		mut(c)
		c.UpdatedAt = t.now().UTC()
		return q.UpdateCase(ctx, c)
	})
}
