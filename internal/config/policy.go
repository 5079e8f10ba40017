package config

import "github.com/SirClappington/boostd/internal/domain"

// Ratios maps each service type to the units one agent can absorb.
func (c Config) Ratios() map[domain.ServiceType]int {
	return map[domain.ServiceType]int{
		domain.ServiceFollowers:  c.RatioFollowers,
		domain.ServiceLikes:      c.RatioLikes,
		domain.ServiceComments:   c.RatioComments,
		domain.ServiceViews:      c.RatioViews,
		domain.ServiceStoryViews: c.RatioStoryViews,
	}
}

// InternalCaps maps each service type to its internal-handling ceiling.
func (c Config) InternalCaps() map[domain.ServiceType]int {
	return map[domain.ServiceType]int{
		domain.ServiceFollowers:  c.CapFollowers,
		domain.ServiceLikes:      c.CapLikes,
		domain.ServiceComments:   c.CapComments,
		domain.ServiceViews:      c.CapViews,
		domain.ServiceStoryViews: c.CapStoryViews,
	}
}
