package config

import (
	"fmt"

	"spiko-billing/internal/domain/model"
)

// BuildPlans converts the configured catalogue into domain plans.
func (c *Config) BuildPlans() ([]*model.Plan, error) {
	out := make([]*model.Plan, 0, len(c.Plans))
	for _, p := range c.Plans {
		plan, err := model.NewPlan(p.ID, p.Tier, p.DurationDays, p.Recurring, p.Prices, p.ProviderRefs)
		if err != nil {
			return nil, fmt.Errorf("plan %q: %w", p.ID, err)
		}
		out = append(out, plan)
	}
	return out, nil
}
