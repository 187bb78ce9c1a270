package model

import "time"

// Entitlement is the snapshot of what a user's current subscription allows:
// how many concurrent sessions and which server tiers. It is derived from
// the subscription row at read time, never stored on its own.
type Entitlement struct {
	Plan         string
	Limit        int
	AllowedTiers []ServerTier
	ExpiresAt    time.Time
}

type planGrant struct {
	limit   int
	topTier ServerTier
}

var planGrants = map[string]planGrant{
	"free_trial": {limit: 1, topTier: TierStandard},
	"basic":      {limit: 3, topTier: TierStandard},
	"premium":    {limit: 5, topTier: TierPremium},
	"business":   {limit: 10, topTier: TierBusiness},
}

// EntitlementForPlan derives the entitlement conferred by a subscription
// plan. Unknown plans get the minimal grant. A plan's tier grant is
// cumulative: premium includes standard, business includes both.
func EntitlementForPlan(plan string, expiresAt time.Time) Entitlement {
	grant, ok := planGrants[plan]
	if !ok {
		grant = planGrant{limit: 1, topTier: TierStandard}
	}
	tiers := make([]ServerTier, 0, 3)
	for _, t := range []ServerTier{TierStandard, TierPremium, TierBusiness} {
		if tierRank[t] <= tierRank[grant.topTier] {
			tiers = append(tiers, t)
		}
	}
	return Entitlement{
		Plan:         plan,
		Limit:        grant.limit,
		AllowedTiers: tiers,
		ExpiresAt:    expiresAt,
	}
}

// Expired reports whether the entitlement's subscription period has lapsed.
func (e Entitlement) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// AllowsTier reports whether the entitlement grants access to servers of
// the given tier.
func (e Entitlement) AllowsTier(tier ServerTier) bool {
	for _, t := range e.AllowedTiers {
		if t == tier {
			return true
		}
	}
	return false
}
