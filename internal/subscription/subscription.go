// Package subscription keeps the seller plan records that commission rates and
// subscription checkout depend on.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/richardliu001/escrow-service/internal/config"
	"github.com/richardliu001/escrow-service/internal/model"
)

const (
	StatusActive    = "active"
	StatusCancelled = "cancelled"
)

var ErrUnknownPlan = errors.New("unknown subscription plan")

// Plan is a purchasable subscription tier.
type Plan struct {
	Slug     string
	Name     string
	Amount   decimal.Decimal
	Currency string
	Days     int
}

type Plans struct {
	bySlug map[string]Plan
}

func NewPlans(cfg map[string]config.PlanPrice) (*Plans, error) {
	p := &Plans{bySlug: make(map[string]Plan, len(cfg))}
	for slug, raw := range cfg {
		amt, err := decimal.NewFromString(raw.Amount)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", slug, err)
		}
		if raw.Days <= 0 {
			return nil, fmt.Errorf("plan %s: days must be positive", slug)
		}
		p.bySlug[slug] = Plan{Slug: slug, Name: raw.Name, Amount: amt, Currency: raw.Currency, Days: raw.Days}
	}
	return p, nil
}

func (p *Plans) Get(slug string) (Plan, error) {
	plan, ok := p.bySlug[slug]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, slug)
	}
	return plan, nil
}

// Directory answers which plan a seller is on.
type Directory struct {
	db *gorm.DB
}

func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// ActivePlan returns the slug of the user's current plan, or "" when there is none.
func (d *Directory) ActivePlan(ctx context.Context, userID string) (string, error) {
	var sub model.UserSubscription
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND end_date > ?", userID, StatusActive, time.Now()).
		Order("end_date desc").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return sub.PlanSlug, nil
}

// Activator starts a subscription when its payment completes.
type Activator struct {
	plans *Plans
}

func NewActivator(plans *Plans) *Activator {
	return &Activator{plans: plans}
}

// Activate replaces the user's active subscription with the plan recorded on t. It runs
// in the ledger's database transaction.
func (a *Activator) Activate(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	var meta struct {
		PlanSlug string `json:"plan_slug"`
	}
	if err := json.Unmarshal([]byte(t.Metadata), &meta); err != nil {
		return fmt.Errorf("subscription metadata: %w", err)
	}
	plan, err := a.plans.Get(meta.PlanSlug)
	if err != nil {
		return err
	}

	now := time.Now()
	if err := tx.WithContext(ctx).Model(&model.UserSubscription{}).
		Where("user_id = ? AND status = ?", t.UserID, StatusActive).
		Updates(map[string]interface{}{"status": StatusCancelled, "cancelled_at": now}).Error; err != nil {
		return err
	}
	return tx.WithContext(ctx).Create(&model.UserSubscription{
		ID:            uuid.NewString(),
		UserID:        t.UserID,
		PlanSlug:      plan.Slug,
		Status:        StatusActive,
		StartDate:     now,
		EndDate:       now.AddDate(0, 0, plan.Days),
		TransactionID: t.ID,
	}).Error
}
