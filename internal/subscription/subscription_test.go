package subscription

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardliu001/escrow-service/internal/config"
	"github.com/richardliu001/escrow-service/internal/model"
	"github.com/richardliu001/escrow-service/internal/testutil"
)

func testPlans(t *testing.T) *Plans {
	p, err := NewPlans(map[string]config.PlanPrice{
		"pro":   {Name: "Pro", Amount: "9.99", Currency: "USD", Days: 30},
		"elite": {Name: "Elite", Amount: "29.99", Currency: "USD", Days: 30},
	})
	require.NoError(t, err)
	return p
}

func TestPlans(t *testing.T) {
	p := testPlans(t)
	pro, err := p.Get("pro")
	require.NoError(t, err)
	assert.Equal(t, "9.99", pro.Amount.StringFixed(2))

	_, err = p.Get("free")
	assert.ErrorIs(t, err, ErrUnknownPlan)

	_, err = NewPlans(map[string]config.PlanPrice{"x": {Amount: "abc", Days: 1}})
	assert.Error(t, err)
}

func TestActivateReplacesActivePlan(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	act := NewActivator(testPlans(t))
	dir := NewDirectory(db)

	plan, err := dir.ActivePlan(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, plan)

	require.NoError(t, act.Activate(ctx, db, &model.Transaction{ID: "t1", UserID: "u1", Metadata: `{"plan_slug":"pro"}`}))
	plan, err = dir.ActivePlan(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "pro", plan)

	require.NoError(t, act.Activate(ctx, db, &model.Transaction{ID: "t2", UserID: "u1", Metadata: `{"plan_slug":"elite"}`}))
	plan, err = dir.ActivePlan(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "elite", plan)

	var active int64
	require.NoError(t, db.Model(&model.UserSubscription{}).Where("user_id = ? AND status = ?", "u1", StatusActive).Count(&active).Error)
	assert.EqualValues(t, 1, active)

	err = act.Activate(ctx, db, &model.Transaction{ID: "t3", UserID: "u1", Metadata: `{"plan_slug":"gold"}`})
	assert.ErrorIs(t, err, ErrUnknownPlan)
}
