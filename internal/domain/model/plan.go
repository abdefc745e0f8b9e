package model

import (
	"time"

	"spiko-billing/internal/domain"
)

// Plan is a purchasable subscription plan with a fixed duration and a price per provider.
type Plan struct {
	ID           string
	Tier         string
	DurationDays int
	Recurring    bool
	Prices       map[string]int64  // provider -> minor units
	ProviderRefs map[string]string // provider -> provider-side product / service id
	CreatedAt    time.Time
}

func (p *Plan) IsZero() bool { return p == nil || p.ID == "" }

// PriceFor returns the configured price for provider.
func (p *Plan) PriceFor(provider string) (int64, bool) {
	v, ok := p.Prices[provider]
	return v, ok && v > 0
}

// Duration is the subscription time one purchase adds.
func (p *Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}

// NewPlan validates and constructs a plan.
func NewPlan(id, tier string, durationDays int, recurring bool, prices map[string]int64, refs map[string]string) (*Plan, error) {
	if id == "" || tier == "" || tier == TierFree || durationDays <= 0 {
		return nil, domain.ErrInvalidArgument
	}
	for _, v := range prices {
		if v <= 0 {
			return nil, domain.ErrInvalidArgument
		}
	}
	if prices == nil {
		prices = map[string]int64{}
	}
	if refs == nil {
		refs = map[string]string{}
	}
	return &Plan{
		ID:           id,
		Tier:         tier,
		DurationDays: durationDays,
		Recurring:    recurring,
		Prices:       prices,
		ProviderRefs: refs,
		CreatedAt:    time.Now(),
	}, nil
}
