package billing

import "github.com/mbd888/chatgate/internal/profile"

// Plan ties a checkout amount to a tier and its credit allotment.
type Plan struct {
	Tier        profile.Tier
	AmountMinor int64 // charged amount in minor units (cents)
	Credits     int64
}

// Plans is the hardcoded plan catalogue. Checkout events are mapped to a plan
// by the amount charged, since simple checkout flows do not carry metadata.
var Plans = []Plan{
	{Tier: profile.TierStarter, AmountMinor: 900, Credits: 100},
	{Tier: profile.TierPro, AmountMinor: 2900, Credits: 500},
	{Tier: profile.TierEnterprise, AmountMinor: 9900, Credits: 2500},
}

// FreeGrantCredits is what a profile keeps after its subscription is deleted.
const FreeGrantCredits int64 = 10

// PlanForAmount returns the plan charged at amount, if any.
func PlanForAmount(amount int64) (Plan, bool) {
	for _, p := range Plans {
		if p.AmountMinor == amount {
			return p, true
		}
	}
	return Plan{}, false
}

// PlanForTier returns the plan for a paid tier.
func PlanForTier(t profile.Tier) (Plan, bool) {
	for _, p := range Plans {
		if p.Tier == t {
			return p, true
		}
	}
	return Plan{}, false
}

// Allotments returns tier → credits for every paid plan.
func Allotments() map[profile.Tier]int64 {
	m := make(map[profile.Tier]int64, len(Plans))
	for _, p := range Plans {
		m[p.Tier] = p.Credits
	}
	return m
}
