package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/richardliu001/escrow-service/internal/escrow"
	"github.com/richardliu001/escrow-service/internal/ledger"
	"github.com/richardliu001/escrow-service/internal/model"
	"github.com/richardliu001/escrow-service/internal/repo"
	"github.com/richardliu001/escrow-service/internal/testutil"
)

const (
	holdWindow    = 72 * time.Hour
	disputeWindow = 168 * time.Hour
)

type fixture struct {
	ctx    context.Context
	db     *gorm.DB
	repo   *repo.Repository
	ledger *ledger.Ledger
	engine *escrow.Engine
}

func newFixture(t *testing.T) *fixture {
	db := testutil.NewDB(t)
	r := repo.NewRepository(db, nil, nil, testutil.Logger())
	l := ledger.New(r, testutil.Logger())
	e := escrow.NewEngine(r, l, testutil.Logger())
	l.WithEscrow(e)
	return &fixture{ctx: context.Background(), db: db, repo: r, ledger: l, engine: e}
}

func (f *fixture) seed(t *testing.T, id string, status model.EscrowStatus, age time.Duration) {
	t.Helper()
	now := time.Now()
	esc := &model.EscrowTransaction{
		ID: id, BuyerID: "buyer", SellerID: "seller", ListingID: "l", Currency: "UZS",
		Amount: decimal.NewFromInt(500000), Commission: decimal.NewFromInt(50000),
		CommissionRate: decimal.RequireFromString("0.10"), Status: status,
	}
	if status == model.EscrowDisputed {
		opened := now.Add(-age)
		reason := "damaged"
		esc.DisputeOpenedAt, esc.DisputeReason = &opened, &reason
	}
	require.NoError(t, f.repo.CreateEscrow(f.ctx, f.db, esc))
	require.NoError(t, f.db.Model(&model.EscrowTransaction{}).Where("id = ?", id).
		UpdateColumn("updated_at", now.Add(-age)).Error)
}

func (f *fixture) sweeper(releaser Releaser, alerter Alerter) *Sweeper {
	return f.sweeperBatch(releaser, alerter, 10)
}

func (f *fixture) sweeperBatch(releaser Releaser, alerter Alerter, batch int) *Sweeper {
	if releaser == nil {
		releaser = f.engine
	}
	if alerter == nil {
		alerter = NewOutboxAlerter(f.repo, disputeWindow)
	}
	return NewSweeper(f.repo, releaser, alerter, Config{
		Interval: 10 * time.Millisecond, Batch: batch, AutoRelease: holdWindow, DisputeWindow: disputeWindow,
	}, testutil.Logger())
}

func TestReleaseDue(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "due", model.EscrowDelivered, 100*time.Hour)
	f.seed(t, "fresh", model.EscrowDelivered, time.Hour)
	f.seed(t, "paid", model.EscrowPaid, 200*time.Hour)

	s := f.sweeper(nil, nil)
	sum, err := s.ReleaseDue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Released)

	due, err := f.engine.Get(f.ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, model.EscrowConfirmed, due.Status)
	assert.Equal(t, escrow.ResolutionAutoReleased, due.Resolution)

	bal, err := f.ledger.Balance(f.ctx, "seller")
	require.NoError(t, err)
	assert.Equal(t, "450000.00", bal.StringFixed(2))

	for _, id := range []string{"fresh", "paid"} {
		esc, err := f.engine.Get(f.ctx, id)
		require.NoError(t, err)
		assert.NotEqual(t, model.EscrowConfirmed, esc.Status, id)
	}

	sum, err = s.ReleaseDue(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Released)
}

type scriptedReleaser struct {
	errs  map[string]error
	calls []string
}

func (r *scriptedReleaser) AutoRelease(_ context.Context, id string, _ time.Duration) (*model.EscrowTransaction, error) {
	r.calls = append(r.calls, id)
	if err := r.errs[id]; err != nil {
		return nil, err
	}
	return &model.EscrowTransaction{ID: id, Status: model.EscrowConfirmed}, nil
}

func TestReleaseDueIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", model.EscrowDelivered, 300*time.Hour)
	f.seed(t, "b", model.EscrowDelivered, 200*time.Hour)
	f.seed(t, "c", model.EscrowDelivered, 100*time.Hour)

	rel := &scriptedReleaser{errs: map[string]error{
		"a": errors.New("deadlock"),
		"b": escrow.ErrInvalidTransition,
	}}
	sum, err := f.sweeper(rel, nil).ReleaseDue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, rel.calls)
	assert.Equal(t, Summary{Released: 1, Skipped: 1, Failed: 1}, sum)
}

func TestFlagOverdueDisputesOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "old", model.EscrowDisputed, 200*time.Hour)
	f.seed(t, "recent", model.EscrowDisputed, time.Hour)

	rdb, mock := redismock.NewClientMock()
	mock.ExpectSetNX("alert:dispute_overdue:old", 1, disputeWindow).SetVal(true)
	mock.ExpectSetNX("alert:dispute_overdue:old", 1, disputeWindow).SetVal(false)
	cached := repo.NewRepository(f.db, rdb, nil, testutil.Logger())

	s := f.sweeper(nil, NewOutboxAlerter(cached, disputeWindow))
	sum, err := s.FlagOverdueDisputes(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Flagged)

	sum, err = s.FlagOverdueDisputes(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Flagged)
	assert.Equal(t, 1, sum.Skipped)
	assert.NoError(t, mock.ExpectationsWereMet())

	var events int64
	require.NoError(t, f.db.Model(&model.OutboxEvent{}).Where("event_type = ?", "escrow.dispute_overdue").Count(&events).Error)
	assert.EqualValues(t, 1, events)

	esc, err := f.engine.Get(f.ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, model.EscrowDisputed, esc.Status)
}

func TestReleaseDueWalksPastFailingPage(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", model.EscrowDelivered, 300*time.Hour)
	f.seed(t, "b", model.EscrowDelivered, 200*time.Hour)
	f.seed(t, "c", model.EscrowDelivered, 100*time.Hour)

	rel := &scriptedReleaser{errs: map[string]error{
		"a": errors.New("deadlock"),
		"b": errors.New("deadlock"),
	}}
	s := f.sweeperBatch(rel, nil, 2)
	for i := 0; i < 2; i++ {
		rel.calls = nil
		sum, err := s.ReleaseDue(f.ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, rel.calls)
		assert.Equal(t, 2, sum.Failed)
		assert.Equal(t, 1, sum.Released)
	}
}

type memoryAlerter struct {
	seen map[string]bool
}

func (a *memoryAlerter) DisputeOverdue(_ context.Context, esc model.EscrowTransaction) (bool, error) {
	if a.seen[esc.ID] {
		return false, nil
	}
	a.seen[esc.ID] = true
	return true, nil
}

func TestFlagOverdueDisputesBeyondBatch(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "d1", model.EscrowDisputed, 300*time.Hour)
	f.seed(t, "d2", model.EscrowDisputed, 250*time.Hour)
	f.seed(t, "d3", model.EscrowDisputed, 200*time.Hour)

	alerter := &memoryAlerter{seen: map[string]bool{}}
	s := f.sweeperBatch(nil, alerter, 2)

	sum, err := s.FlagOverdueDisputes(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Flagged)
	assert.Equal(t, map[string]bool{"d1": true, "d2": true, "d3": true}, alerter.seen)

	sum, err = s.FlagOverdueDisputes(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Skipped: 3}, sum)
}

func TestOutboxAlerterUnmarksWhenEventNotWritten(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "old", model.EscrowDisputed, 200*time.Hour)
	require.NoError(t, f.db.Migrator().DropTable(&model.OutboxEvent{}))

	rdb, mock := redismock.NewClientMock()
	mock.ExpectSetNX("alert:dispute_overdue:old", 1, disputeWindow).SetVal(true)
	mock.ExpectDel("alert:dispute_overdue:old").SetVal(1)
	cached := repo.NewRepository(f.db, rdb, nil, testutil.Logger())

	esc, err := f.engine.Get(f.ctx, "old")
	require.NoError(t, err)
	first, err := NewOutboxAlerter(cached, disputeWindow).DisputeOverdue(f.ctx, *esc)
	assert.Error(t, err)
	assert.False(t, first)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type panickyReleaser struct{}

func (panickyReleaser) AutoRelease(context.Context, string, time.Duration) (*model.EscrowTransaction, error) {
	panic("boom")
}

func TestTickRecoversFromPanic(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "due", model.EscrowDelivered, 100*time.Hour)
	s := f.sweeper(panickyReleaser{}, nil)
	assert.NotPanics(t, func() { s.Tick(f.ctx) })
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t)
	s := f.sweeper(nil, nil)
	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	assert.Eventually(t, s.Running, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	assert.False(t, s.Running())
}
