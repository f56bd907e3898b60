package domain

// CreditPolicy describes how a plan grants and accumulates credits.
type CreditPolicy struct {
	Monthly  int  `json:"monthly"`  // credits granted per billing period
	Rollover bool `json:"rollover"` // do unused credits carry over?
	Maximum  int  `json:"maximum"`  // rollover ceiling
}

// Plan is a billing tier. Plans are static configuration, never persisted,
// and looked up by id or by the payment provider's price reference.
type Plan struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Price           float64         `json:"price"`
	Currency        string          `json:"currency"`
	BillingInterval BillingInterval `json:"billing_interval"`
	StripePriceID   string          `json:"stripe_price_id"`
	Credits         CreditPolicy    `json:"credits"`
}

// The plan catalog.
var (
	PlanFree = Plan{
		ID:              "free",
		Name:            "Free Tier",
		Price:           0,
		Currency:        "USD",
		BillingInterval: BillingIntervalMonthly,
		Credits:         CreditPolicy{Monthly: 0, Rollover: false, Maximum: 0},
	}

	PlanStandard = Plan{
		ID:              "standard",
		Name:            "Standard Tier",
		Price:           15,
		Currency:        "USD",
		BillingInterval: BillingIntervalMonthly,
		StripePriceID:   "price_1QSAcoK0eQ0Y39horWvdPMdy",
		Credits:         CreditPolicy{Monthly: 1000, Rollover: true, Maximum: 3000},
	}

	PlanEnterprise = Plan{
		ID:              "enterprise",
		Name:            "Enterprise Tier",
		Price:           60,
		Currency:        "USD",
		BillingInterval: BillingIntervalMonthly,
		StripePriceID:   "price_1QVT99K0eQ0Y39holLxNEwGu",
		Credits:         CreditPolicy{Monthly: 5000, Rollover: true, Maximum: 15000},
	}

	// AllPlans is the ordered list of available plans.
	AllPlans = []Plan{PlanFree, PlanStandard, PlanEnterprise}
)

// PlanByID looks up a plan by its identifier. Returns nil if not found.
func PlanByID(id string) *Plan {
	for i := range AllPlans {
		if AllPlans[i].ID == id {
			p := AllPlans[i]
			return &p
		}
	}
	return nil
}

// PlanByPriceID looks up a plan by its Stripe price reference.
// Returns nil if not found; the free tier has no price reference.
func PlanByPriceID(priceID string) *Plan {
	if priceID == "" {
		return nil
	}
	for i := range AllPlans {
		if AllPlans[i].StripePriceID == priceID {
			p := AllPlans[i]
			return &p
		}
	}
	return nil
}
