package fees

// FeeSchedule is the effective rate set applied to one order: percentages
// over the discounted base plus a fixed amount per product. The campaign
// rate only applies to orders flagged as campaign sales, and the
// free-shipping rate replaces the base commission for orders sold under
// the platform's free-shipping program.
type FeeSchedule struct {
	CommissionPercent             float64
	FreeShippingCommissionPercent float64
	CampaignFeePercent            float64
	FixedFeePerProduct            float64
}

// defaultSchedules are the fallback rates used when no configured fee
// period covers the order date. Values reflect the platforms' published
// seller plans.
var defaultSchedules = map[string]FeeSchedule{
	"shopee": {
		CommissionPercent:             14,
		FreeShippingCommissionPercent: 20,
		CampaignFeePercent:            2.5,
		FixedFeePerProduct:            4,
	},
	"magalu": {
		CommissionPercent:  14.5,
		FixedFeePerProduct: 4,
	},
	"mercado_livre": {
		CommissionPercent: 16.5,
		// Fixed cost is tiered on the order gross, see meliFixedFee.
	},
}

// meliFixedFee returns Mercado Livre's fixed cost for an order, picked by
// the order's gross value and charged once. Orders under R$12.50 pay half
// the tier fee.
func meliFixedFee(gross float64) float64 {
	if gross <= 0 {
		return 0
	}
	var cost float64
	switch {
	case gross < 79:
		cost = 5
	case gross < 140:
		cost = 9
	default:
		cost = 13
	}
	if gross < 12.50 {
		cost /= 2
	}
	return cost
}

// normalizePercent lifts fractional rates to percent form: a stored 0.16
// means 16%, not 0.16%.
func normalizePercent(rate float64) float64 {
	if rate > 0 && rate < 1 {
		return rate * 100
	}
	return rate
}
