package repo

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/richardliu001/escrow-service/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrVersionConflict is returned when a wallet row changed between read and write.
	ErrVersionConflict = errors.New("optimistic lock conflict")
	// ErrNotFound wraps gorm.ErrRecordNotFound for callers that should not import gorm.
	ErrNotFound = errors.New("record not found")
	// ErrOrderConflict means an order id is already used by another user or kind.
	ErrOrderConflict = errors.New("order id already in use")
)

// RepositoryInterface restricts Repo methods so services can be tested against sqlite.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error

	GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error)
	CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error
	UpdateWallet(ctx context.Context, tx *gorm.DB, userID string, newBalance decimal.Decimal, oldVersion uint64) error
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)

	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	GetTransactionForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error)
	GetTransactionByOrder(ctx context.Context, orderID string) (*model.Transaction, error)
	TxExists(ctx context.Context, tx *gorm.DB, userID, orderID string, kind model.TxKind) (bool, *model.Transaction, error)
	SaveTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	ListTransactions(ctx context.Context, userID string, limit int, since time.Time) ([]model.Transaction, error)

	CreateEscrow(ctx context.Context, tx *gorm.DB, e *model.EscrowTransaction) error
	GetEscrow(ctx context.Context, id string) (*model.EscrowTransaction, error)
	GetEscrowForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.EscrowTransaction, error)
	SaveEscrow(ctx context.Context, tx *gorm.DB, e *model.EscrowTransaction) error
	ListDeliveredBefore(ctx context.Context, cutoff time.Time, after Cursor, limit int) ([]model.EscrowTransaction, error)
	ListDisputedBefore(ctx context.Context, cutoff time.Time, after Cursor, limit int) ([]model.EscrowTransaction, error)
	ListEscrowsForUser(ctx context.Context, userID string, limit int) ([]model.EscrowTransaction, error)

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheBalance(ctx context.Context, userID string, bal decimal.Decimal) error
	GetCachedBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unmark(ctx context.Context, key string) error
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo. rdb and w may be nil: caching and publishing are then disabled.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

const maxTxAttempts = 5

// InTx runs fn in one database transaction, retrying serialization failures and deadlocks.
// fn must not call the network; it can run more than once.
func (r *Repository) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = r.db.WithContext(ctx).Transaction(fn)
		if err == nil || !retryable(err) || attempt == maxTxAttempts {
			return err
		}
		r.log.Debugw("retrying transaction", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return err
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func backoff(attempt int) time.Duration {
	base := 20 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(10 * time.Millisecond)))
	return time.Duration(attempt*attempt)*base + jitter
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// GetWalletForUpdate locks wallet row.
func (r *Repository) GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// CreateWallet inserts an empty wallet. A concurrent insert for the same user is ignored.
func (r *Repository) CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error {
	return tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(w).Error
}

// UpdateWallet with optimistic lock.
func (r *Repository) UpdateWallet(ctx context.Context, tx *gorm.DB, userID string, newBalance decimal.Decimal, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("user_id = ? AND version = ?", userID, oldVersion).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    oldVersion + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// GetWallet reads a wallet without locking.
func (r *Repository) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// CreateTransaction inserts record.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

func (r *Repository) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// GetTransactionForUpdate locks the transaction row for a status change.
func (r *Repository) GetTransactionForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error) {
	var t model.Transaction
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r *Repository) GetTransactionByOrder(ctx context.Context, orderID string) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// TxExists checks duplicate by order id.
func (r *Repository) TxExists(ctx context.Context, tx *gorm.DB, userID, orderID string, kind model.TxKind) (bool, *model.Transaction, error) {
	if orderID == "" {
		return false, nil, nil
	}
	var t model.Transaction
	err := tx.WithContext(ctx).Where("order_id = ?", orderID).First(&t).Error
	if err == nil {
		if t.UserID != userID || t.Kind != kind {
			return true, nil, fmt.Errorf("%w: %s belongs to another %s request", ErrOrderConflict, orderID, t.Kind)
		}
		return true, &t, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil, nil
	}
	return false, nil, err
}

// SaveTransaction writes every column of t.
func (r *Repository) SaveTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Save(t).Error
}

func (r *Repository) ListTransactions(ctx context.Context, userID string, limit int, since time.Time) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Order("created_at desc").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

func (r *Repository) CreateEscrow(ctx context.Context, tx *gorm.DB, e *model.EscrowTransaction) error {
	return tx.WithContext(ctx).Create(e).Error
}

func (r *Repository) GetEscrow(ctx context.Context, id string) (*model.EscrowTransaction, error) {
	var e model.EscrowTransaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// GetEscrowForUpdate locks the escrow row; every status transition goes through it.
func (r *Repository) GetEscrowForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.EscrowTransaction, error) {
	var e model.EscrowTransaction
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&e).Error; err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (r *Repository) SaveEscrow(ctx context.Context, tx *gorm.DB, e *model.EscrowTransaction) error {
	return tx.WithContext(ctx).Save(e).Error
}

// Cursor is a keyset position in a sweep: the next page starts strictly after (At, ID).
// The zero Cursor starts from the beginning.
type Cursor struct {
	At time.Time
	ID string
}

func (c Cursor) IsZero() bool { return c.ID == "" }

func afterCursor(q *gorm.DB, column string, c Cursor) *gorm.DB {
	if c.IsZero() {
		return q
	}
	return q.Where("("+column+" > ? OR ("+column+" = ? AND id > ?))", c.At, c.At, c.ID)
}

// ListDeliveredBefore returns delivered escrows untouched since cutoff, oldest first.
func (r *Repository) ListDeliveredBefore(ctx context.Context, cutoff time.Time, after Cursor, limit int) ([]model.EscrowTransaction, error) {
	var out []model.EscrowTransaction
	q := r.db.WithContext(ctx).Where("status = ? AND updated_at < ?", model.EscrowDelivered, cutoff)
	err := afterCursor(q, "updated_at", after).
		Order("updated_at asc, id asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListDisputedBefore returns disputes opened before cutoff, oldest first.
func (r *Repository) ListDisputedBefore(ctx context.Context, cutoff time.Time, after Cursor, limit int) ([]model.EscrowTransaction, error) {
	var out []model.EscrowTransaction
	q := r.db.WithContext(ctx).Where("status = ? AND dispute_opened_at < ?", model.EscrowDisputed, cutoff)
	err := afterCursor(q, "dispute_opened_at", after).
		Order("dispute_opened_at asc, id asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *Repository) ListEscrowsForUser(ctx context.Context, userID string, limit int) ([]model.EscrowTransaction, error) {
	var out []model.EscrowTransaction
	err := r.db.WithContext(ctx).
		Where("buyer_id = ? OR seller_id = ?", userID, userID).
		Order("created_at desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = ?", false).Order("id").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka, keyed by aggregate so one escrow's events stay ordered.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	if r.writer == nil {
		return errors.New("kafka writer not configured")
	}
	msg := kafka.Message{
		Key:   []byte(evt.Aggregate + ":" + evt.AggregateID),
		Value: []byte(evt.Payload),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.EventType)},
			{Key: "outbox_id", Value: []byte(fmt.Sprintf("%d", evt.ID))},
		},
		Time: time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

func balanceKey(userID string) string { return "balance:" + userID }

// CacheBalance writes Redis.
func (r *Repository) CacheBalance(ctx context.Context, userID string, bal decimal.Decimal) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Set(ctx, balanceKey(userID), bal.String(), 5*time.Minute).Err()
}

// GetCachedBalance reads Redis.
func (r *Repository) GetCachedBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if r.rdb == nil {
		return decimal.Zero, redis.Nil
	}
	str, err := r.rdb.Get(ctx, balanceKey(userID)).Result()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(str)
}

// MarkOnce reports true the first time key is seen within ttl. Without Redis every call is a first.
func (r *Repository) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if r.rdb == nil {
		return true, nil
	}
	return r.rdb.SetNX(ctx, key, 1, ttl).Result()
}

// Unmark forgets a MarkOnce key so the next call reports a first again.
func (r *Repository) Unmark(ctx context.Context, key string) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Del(ctx, key).Err()
}
