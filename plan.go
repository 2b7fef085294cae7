package usagemeter

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PlanID identifies a plan tier.
type PlanID string

const (
	PlanFree  PlanID = "free"
	PlanBasic PlanID = "basic"
	PlanPro   PlanID = "pro"
)

// PlanTier is an immutable entry of the plan catalog.
type PlanTier struct {
	ID             PlanID
	Name           string
	MonthlyMinutes int64
	Price          decimal.Decimal
}

// Catalog maps plan identifiers to their tiers.
type Catalog map[PlanID]PlanTier

// DefaultCatalog returns the built-in plans.
func DefaultCatalog() Catalog {
	return Catalog{
		PlanFree:  {ID: PlanFree, Name: "Free", MonthlyMinutes: 10, Price: decimal.Zero},
		PlanBasic: {ID: PlanBasic, Name: "Basic", MonthlyMinutes: 120, Price: decimal.RequireFromString("9.99")},
		PlanPro:   {ID: PlanPro, Name: "Pro", MonthlyMinutes: 600, Price: decimal.RequireFromString("29.99")},
	}
}

// Lookup returns the tier for id, or ErrUnknownPlan.
func (c Catalog) Lookup(id PlanID) (PlanTier, error) {
	tier, ok := c[id]
	if !ok {
		return PlanTier{}, fmt.Errorf("%w: %q", ErrUnknownPlan, id)
	}
	return tier, nil
}
