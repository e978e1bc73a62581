// Package scheduler runs the periodic escrow sweeps: auto-release of delivered escrows
// and alerts for disputes left open past the resolution window.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/escrow-service/internal/escrow"
	"github.com/richardliu001/escrow-service/internal/metrics"
	"github.com/richardliu001/escrow-service/internal/model"
	"github.com/richardliu001/escrow-service/internal/repo"
)

type Releaser interface {
	AutoRelease(ctx context.Context, id string, holdWindow time.Duration) (*model.EscrowTransaction, error)
}

// Alerter is told about disputes that outlived the resolution window.
type Alerter interface {
	DisputeOverdue(ctx context.Context, esc model.EscrowTransaction) (bool, error)
}

type Config struct {
	Interval      time.Duration
	Batch         int
	AutoRelease   time.Duration
	DisputeWindow time.Duration
}

// Summary counts per-escrow results of one sweep.
type Summary struct {
	Released int
	Flagged  int
	Skipped  int
	Failed   int
}

type Sweeper struct {
	repo    repo.RepositoryInterface
	engine  Releaser
	alerter Alerter
	cfg     Config
	log     *zap.SugaredLogger
	running atomic.Bool
}

func NewSweeper(r repo.RepositoryInterface, engine Releaser, alerter Alerter, cfg Config, logger *zap.SugaredLogger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Sweeper{repo: r, engine: engine, alerter: alerter, cfg: cfg, log: logger}
}

// Running reports whether Run is looping.
func (s *Sweeper) Running() bool { return s.running.Load() }

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs both sweeps once. A panic is logged and does not stop the loop.
func (s *Sweeper) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("panic in escrow sweeper", "panic", fmt.Sprint(r))
		}
	}()
	if sum, err := s.ReleaseDue(ctx); err != nil {
		s.log.Warnw("auto-release sweep failed", "error", err)
	} else if sum.Released+sum.Failed > 0 {
		s.log.Infow("auto-release sweep complete", "released", sum.Released, "skipped", sum.Skipped, "failed", sum.Failed)
	}
	if sum, err := s.FlagOverdueDisputes(ctx); err != nil {
		s.log.Warnw("dispute sweep failed", "error", err)
	} else if sum.Flagged > 0 {
		s.log.Infow("overdue disputes flagged", "flagged", sum.Flagged)
	}
}

// ReleaseDue confirms delivered escrows the buyer left untouched for the hold window.
// Each escrow is released independently; one failure does not stop the batch. Pages are
// walked with a keyset cursor so rows that keep failing never hide later ones.
func (s *Sweeper) ReleaseDue(ctx context.Context) (Summary, error) {
	var (
		sum    Summary
		after  repo.Cursor
		cutoff = time.Now().Add(-s.cfg.AutoRelease)
	)
	for {
		due, err := s.repo.ListDeliveredBefore(ctx, cutoff, after, s.cfg.Batch)
		if err != nil {
			return sum, err
		}
		for _, esc := range due {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			_, err := s.engine.AutoRelease(ctx, esc.ID, s.cfg.AutoRelease)
			switch {
			case err == nil:
				sum.Released++
				metrics.SweepResults.WithLabelValues("auto_release", "released").Inc()
				s.log.Infow("escrow auto-released", "escrow_id", esc.ID, "seller_id", esc.SellerID, "amount", esc.Amount)
			case errors.Is(err, escrow.ErrInvalidTransition):
				sum.Skipped++
				metrics.SweepResults.WithLabelValues("auto_release", "skipped").Inc()
			default:
				sum.Failed++
				metrics.SweepResults.WithLabelValues("auto_release", "failed").Inc()
				s.log.Warnw("escrow auto-release failed", "escrow_id", esc.ID, "error", err)
			}
		}
		if len(due) < s.cfg.Batch {
			return sum, nil
		}
		last := due[len(due)-1]
		after = repo.Cursor{At: last.UpdatedAt, ID: last.ID}
	}
}

// FlagOverdueDisputes alerts once per dispute open longer than the window. Escrows are
// not modified.
func (s *Sweeper) FlagOverdueDisputes(ctx context.Context) (Summary, error) {
	var (
		sum    Summary
		after  repo.Cursor
		cutoff = time.Now().Add(-s.cfg.DisputeWindow)
	)
	for {
		overdue, err := s.repo.ListDisputedBefore(ctx, cutoff, after, s.cfg.Batch)
		if err != nil {
			return sum, err
		}
		for _, esc := range overdue {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			first, err := s.alerter.DisputeOverdue(ctx, esc)
			switch {
			case err != nil:
				sum.Failed++
				metrics.SweepResults.WithLabelValues("dispute_overdue", "failed").Inc()
				s.log.Warnw("dispute alert failed", "escrow_id", esc.ID, "error", err)
			case first:
				sum.Flagged++
				metrics.SweepResults.WithLabelValues("dispute_overdue", "flagged").Inc()
				s.log.Warnw("dispute past resolution window", "escrow_id", esc.ID, "buyer_id", esc.BuyerID,
					"seller_id", esc.SellerID, "opened_at", esc.DisputeOpenedAt)
			default:
				sum.Skipped++
			}
		}
		if len(overdue) < s.cfg.Batch {
			return sum, nil
		}
		last := overdue[len(overdue)-1]
		after = repo.Cursor{At: *last.DisputeOpenedAt, ID: last.ID}
	}
}

// OutboxAlerter publishes escrow.dispute_overdue through the outbox, at most once per
// escrow per window.
type OutboxAlerter struct {
	repo   repo.RepositoryInterface
	window time.Duration
}

func NewOutboxAlerter(r repo.RepositoryInterface, window time.Duration) *OutboxAlerter {
	return &OutboxAlerter{repo: r, window: window}
}

func (a *OutboxAlerter) DisputeOverdue(ctx context.Context, esc model.EscrowTransaction) (bool, error) {
	key := "alert:dispute_overdue:" + esc.ID
	first, err := a.repo.MarkOnce(ctx, key, a.window)
	if err != nil || !first {
		return false, err
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"id":                esc.ID,
		"buyer_id":          esc.BuyerID,
		"seller_id":         esc.SellerID,
		"amount":            esc.Amount,
		"dispute_reason":    esc.DisputeReason,
		"dispute_opened_at": esc.DisputeOpenedAt,
	})
	err = a.repo.InTx(ctx, func(tx *gorm.DB) error {
		return a.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
			Aggregate:   "escrow",
			AggregateID: esc.ID,
			EventType:   "escrow.dispute_overdue",
			Payload:     string(payload),
		})
	})
	if err != nil {
		// let the next sweep retry the alert
		if uerr := a.repo.Unmark(ctx, key); uerr != nil {
			return false, fmt.Errorf("%w (unmark: %v)", err, uerr)
		}
		return false, err
	}
	return true, nil
}
