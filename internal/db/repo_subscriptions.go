package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// SubscriptionRepo answers subscription-gating queries.
type SubscriptionRepo struct {
	db *gorm.DB
}

func NewSubscriptionRepo(database *gorm.DB) *SubscriptionRepo {
	return &SubscriptionRepo{db: database}
}

// ActiveSubscription returns the user's current active subscription, or
// nil when none exists. A subscription past its period end does not
// count even if its status was never updated.
func (r *SubscriptionRepo) ActiveSubscription(ctx context.Context, userID string) (*Subscription, error) {
	var sub Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = 'active'", userID).
		Order("created_at DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.Before(time.Now()) {
		return nil, nil
	}
	return &sub, nil
}

// HasActiveSubscription reports whether content access is allowed.
func (r *SubscriptionRepo) HasActiveSubscription(ctx context.Context, userID string) (bool, error) {
	sub, err := r.ActiveSubscription(ctx, userID)
	if err != nil {
		return false, err
	}
	return sub != nil, nil
}

// GetPlan returns a plan by ID.
func (r *SubscriptionRepo) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	var plan Plan
	if err := r.db.WithContext(ctx).Where("id = ?", planID).First(&plan).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}
