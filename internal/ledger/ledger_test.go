package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/richardliu001/escrow-service/internal/model"
	"github.com/richardliu001/escrow-service/internal/payment"
	"github.com/richardliu001/escrow-service/internal/repo"
	"github.com/richardliu001/escrow-service/internal/testutil"
)

type fakeCascade struct {
	paid, cancelled []string
	err             error
}

func (f *fakeCascade) MarkPaid(_ context.Context, _ *gorm.DB, id string) error {
	if f.err != nil {
		return f.err
	}
	f.paid = append(f.paid, id)
	return nil
}

func (f *fakeCascade) CancelUnpaid(_ context.Context, _ *gorm.DB, id string) error {
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fakeActivator struct{ activated []string }

func (f *fakeActivator) Activate(_ context.Context, _ *gorm.DB, t *model.Transaction) error {
	f.activated = append(f.activated, t.ID)
	return nil
}

func newTestLedger(t *testing.T) (*Ledger, *repo.Repository, context.Context) {
	r := repo.NewRepository(testutil.NewDB(t), nil, nil, testutil.Logger())
	return New(r, testutil.Logger()), r, context.Background()
}

func success(amount string) payment.Result {
	return payment.Result{Status: payment.StatusSuccess, ProviderTxnID: "ext-1", Amount: decimal.RequireFromString(amount)}
}

func balanceOf(t *testing.T, l *Ledger, userID string) string {
	t.Helper()
	bal, err := l.Balance(context.Background(), userID)
	require.NoError(t, err)
	return bal.StringFixed(2)
}

func TestDepositCreditsOnce(t *testing.T) {
	l, _, ctx := newTestLedger(t)

	txn, created, err := l.OpenDeposit(ctx, OpenRequest{UserID: "u1", Amount: decimal.NewFromInt(100), Currency: "UZS", Provider: "payme", OrderID: "dep-1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.TxPending, txn.Status)

	got, err := l.ApplyPaymentResult(ctx, txn.ID, success("100"))
	require.NoError(t, err)
	assert.Equal(t, model.TxCompleted, got.Status)
	assert.Equal(t, "ext-1", *got.ProviderTxnID)
	assert.NotNil(t, got.ProcessedAt)
	assert.Equal(t, "100.00", balanceOf(t, l, "u1"))

	// replay
	_, err = l.ApplyPaymentResult(ctx, txn.ID, success("100"))
	assert.ErrorIs(t, err, ErrAlreadyFinal)
	assert.Equal(t, "100.00", balanceOf(t, l, "u1"))

	again, created, err := l.OpenDeposit(ctx, OpenRequest{UserID: "u1", Amount: decimal.NewFromInt(100), Currency: "UZS", OrderID: "dep-1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, txn.ID, again.ID)
}

func TestConcurrentDuplicateResults(t *testing.T) {
	l, _, ctx := newTestLedger(t)
	txn, _, err := l.OpenDeposit(ctx, OpenRequest{UserID: "u1", Amount: decimal.NewFromInt(40), Currency: "UZS"})
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ok    int
		final int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.ApplyPaymentResult(ctx, txn.ID, success("40"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadyFinal):
				final++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, final)
	assert.Equal(t, "40.00", balanceOf(t, l, "u1"))
}

func TestPendingThenSuccess(t *testing.T) {
	l, _, ctx := newTestLedger(t)
	txn, _, err := l.OpenDeposit(ctx, OpenRequest{UserID: "u1", Amount: decimal.NewFromInt(5), Currency: "UZS"})
	require.NoError(t, err)

	got, err := l.ApplyPaymentResult(ctx, txn.ID, payment.Result{Status: payment.StatusPending, ProviderTxnID: "prep-1", Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	assert.Equal(t, model.TxProcessing, got.Status)
	assert.Nil(t, got.ProcessedAt)
	assert.Equal(t, "0.00", balanceOf(t, l, "u1"))

	got, err = l.ApplyPaymentResult(ctx, txn.ID, success("5"))
	require.NoError(t, err)
	assert.Equal(t, model.TxCompleted, got.Status)
	assert.Equal(t, "5.00", balanceOf(t, l, "u1"))
}

func TestRepeatedPendingWritesOneEvent(t *testing.T) {
	l, r, ctx := newTestLedger(t)
	txn, _, err := l.OpenDeposit(ctx, OpenRequest{UserID: "u1", Amount: decimal.NewFromInt(5), Currency: "UZS"})
	require.NoError(t, err)

	pending := payment.Result{Status: payment.StatusPending, ProviderTxnID: "prep-1", Amount: decimal.NewFromInt(5)}
	for i := 0; i < 3; i++ {
		got, err := l.ApplyPaymentResult(ctx, txn.ID, pending)
		require.NoError(t, err)
		assert.Equal(t, model.TxProcessing, got.Status)
	}

	var events int64
	require.NoError(t, r.DB(ctx).Model(&model.OutboxEvent{}).
		Where("event_type = ?", "transaction.processing").Count(&events).Error)
	assert.EqualValues(t, 1, events)

	// a new provider reference is still recorded
	pending.ProviderTxnID = "prep-2"
	got, err := l.ApplyPaymentResult(ctx, txn.ID, pending)
	require.NoError(t, err)
	assert.Equal(t, "prep-2", *got.ProviderTxnID)
	require.NoError(t, r.DB(ctx).Model(&model.OutboxEvent{}).
		Where("event_type = ?", "transaction.processing").Count(&events).Error)
	assert.EqualValues(t, 2, events)
}

func TestAmountMismatchFailsTransaction(t *testing.T) {
	l, _, ctx := newTestLedger(t)
	txn, _, err := l.OpenDeposit(ctx, OpenRequest{UserID: "u1", Amount: decimal.NewFromInt(100), Currency: "UZS"})
	require.NoError(t, err)

	got, err := l.ApplyPaymentResult(ctx, txn.ID, success("90"))
	require.NoError(t, err)
	assert.Equal(t, model.TxFailed, got.Status)
	assert.Contains(t, got.Metadata, "amount_mismatch")
	assert.Equal(t, "0.00", balanceOf(t, l, "u1"))
}

func TestWithdrawalReserveAndRestore(t *testing.T) {
	l, r, ctx := newTestLedger(t)
	require.NoError(t, r.InTx(ctx, func(tx *gorm.DB) error {
		_, err := l.Credit(ctx, tx, "u1", decimal.NewFromInt(50))
		return err
	}))

	_, _, err := l.OpenWithdrawal(ctx, OpenRequest{UserID: "u1", Amount: decimal.NewFromInt(80), Currency: "UZS", OrderID: "w-big"})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	_, err = r.GetTransactionByOrder(ctx, "w-big")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	w, _, err := l.OpenWithdrawal(ctx, OpenRequest{UserID: "u1", Amount: decimal.NewFromInt(30), Currency: "UZS", OrderID: "w-1"})
	require.NoError(t, err)
	assert.Equal(t, "20.00", balanceOf(t, l, "u1"))

	// replay does not reserve twice
	_, created, err := l.OpenWithdrawal(ctx, OpenRequest{UserID: "u1", Amount: decimal.NewFromInt(30), Currency: "UZS", OrderID: "w-1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "20.00", balanceOf(t, l, "u1"))

	_, err = l.ApplyPaymentResult(ctx, w.ID, payment.Result{Status: payment.StatusFailed, Amount: decimal.NewFromInt(30)})
	require.NoError(t, err)
	assert.Equal(t, "50.00", balanceOf(t, l, "u1"))

	w2, _, err := l.OpenWithdrawal(ctx, OpenRequest{UserID: "u1", Amount: decimal.NewFromInt(50), Currency: "UZS"})
	require.NoError(t, err)
	_, err = l.ApplyPaymentResult(ctx, w2.ID, success("50"))
	require.NoError(t, err)
	assert.Equal(t, "0.00", balanceOf(t, l, "u1"))
}

func TestPurchaseCascade(t *testing.T) {
	l, r, ctx := newTestLedger(t)
	cascade := &fakeCascade{}
	l.WithEscrow(cascade)

	open := func(order string) *model.Transaction {
		escrowID := "esc-" + order
		var txn *model.Transaction
		require.NoError(t, r.InTx(ctx, func(tx *gorm.DB) error {
			var err error
			txn, _, err = l.Open(ctx, tx, OpenRequest{
				UserID: "buyer", Kind: model.KindPurchase, Amount: decimal.NewFromInt(10),
				Currency: "UZS", OrderID: order, EscrowID: &escrowID,
			})
			return err
		}))
		return txn
	}

	paid := open("p1")
	_, err := l.ApplyPaymentResult(ctx, paid.ID, success("10"))
	require.NoError(t, err)
	assert.Equal(t, []string{"esc-p1"}, cascade.paid)

	failed := open("p2")
	_, err = l.ApplyPaymentResult(ctx, failed.ID, payment.Result{Status: payment.StatusCancelled})
	require.NoError(t, err)
	assert.Equal(t, []string{"esc-p2"}, cascade.cancelled)

	// a cascade error rolls the status change back
	cascade.err = errors.New("escrow row gone")
	broken := open("p3")
	_, err = l.ApplyPaymentResult(ctx, broken.ID, success("10"))
	require.Error(t, err)
	reloaded, err := r.GetTransaction(ctx, broken.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TxPending, reloaded.Status)
}

func TestSubscriptionActivation(t *testing.T) {
	l, _, ctx := newTestLedger(t)
	act := &fakeActivator{}
	l.WithSubscriptions(act)

	txn, _, err := l.OpenSubscription(ctx, OpenRequest{UserID: "u1", Amount: decimal.NewFromInt(99), Currency: "USD",
		Metadata: map[string]interface{}{"plan_slug": "pro"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"plan_slug":"pro"}`, txn.Metadata)

	_, err = l.ApplyPaymentResult(ctx, txn.ID, success("99"))
	require.NoError(t, err)
	assert.Equal(t, []string{txn.ID}, act.activated)
}

func TestOpenRejectsBadAmounts(t *testing.T) {
	l, _, ctx := newTestLedger(t)
	for _, amt := range []string{"0", "-1", "1.001"} {
		_, _, err := l.OpenDeposit(ctx, OpenRequest{UserID: "u1", Amount: decimal.RequireFromString(amt), Currency: "UZS"})
		assert.ErrorIs(t, err, ErrInvalidAmount, amt)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	l, _, ctx := newTestLedger(t)
	for _, order := range []string{"a", "b"} {
		_, _, err := l.OpenDeposit(ctx, OpenRequest{UserID: "u1", Amount: decimal.NewFromInt(1), Currency: "UZS", OrderID: order})
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}
	txs, err := l.History(ctx, "u1", 10, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "b", txs[0].OrderID)
}
