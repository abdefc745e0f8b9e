package model

import (
	"time"

	"spiko-billing/internal/domain"
)

const TierFree = "free"

// Subscription is the entitlement embedded on the user record.
type Subscription struct {
	Tier                   string
	ExpiresAt              *time.Time
	ProviderSubscriptionID string
}

// Active reports whether a paid tier is in force at now.
func (s Subscription) Active(now time.Time) bool {
	return s.Tier != "" && s.Tier != TierFree && s.ExpiresAt != nil && s.ExpiresAt.After(now)
}

// User is the billing view of an account. Profile data lives elsewhere.
type User struct {
	ID           string
	Subscription Subscription
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func NewUser(id string) (*User, error) {
	if id == "" {
		return nil, domain.ErrInvalidArgument
	}
	now := time.Now()
	return &User{
		ID:           id,
		Subscription: Subscription{Tier: TierFree},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (u *User) IsZero() bool { return u == nil || u.ID == "" }

// ExtendSubscription adds one plan period on top of max(current expiry, anchor)
// and returns the new expiry. providerSubID is applied only for recurring plans.
func (u *User) ExtendSubscription(plan *Plan, anchor time.Time, providerSubID string) time.Time {
	start := anchor
	if u.Subscription.ExpiresAt != nil && u.Subscription.ExpiresAt.After(start) {
		start = *u.Subscription.ExpiresAt
	}
	expires := start.Add(plan.Duration())
	u.Subscription.Tier = plan.Tier
	u.Subscription.ExpiresAt = &expires
	if plan.Recurring && providerSubID != "" {
		u.Subscription.ProviderSubscriptionID = providerSubID
	}
	u.UpdatedAt = time.Now()
	return expires
}

// ExpireIfDue reverts a lapsed paid subscription to the free tier.
func (u *User) ExpireIfDue(now time.Time) bool {
	s := u.Subscription
	if s.Tier == "" || s.Tier == TierFree || s.ExpiresAt == nil || s.ExpiresAt.After(now) {
		return false
	}
	u.Subscription = Subscription{Tier: TierFree, ExpiresAt: s.ExpiresAt}
	u.UpdatedAt = now
	return true
}
