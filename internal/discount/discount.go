// Package discount implements the rule-based discount resolver: eligibility
// filtering, best-of non-stackable selection and sequential stacking over a
// base net price.
package discount

import (
	"fmt"
	"time"
)

// Scope governs who may use a discount.
type Scope string

const (
	ScopeAccount    Scope = "account"     // assigned to specific users
	ScopeGlobal     Scope = "global"      // applies to everyone
	ScopeCode       Scope = "code"        // requires a promo code
	ScopeFirstOrder Scope = "first_order" // first order only
)

// Type tags the calculation variant of a discount rule.
type Type string

const (
	TypePercentage  Type = "percentage"
	TypeFixedAmount Type = "fixed_amount"
	TypeFreeKM      Type = "free_km"
	TypePriceCap    Type = "price_cap"
	TypeCustomRate  Type = "custom_rate"
	TypeTiered      Type = "tiered"
)

// RuleContext carries the order context a rule needs beyond the base price.
type RuleContext struct {
	DistanceKM float64
	MinimumNet float64
	// Reprice returns the floored net price for a reduced distance.
	Reprice func(km float64) float64
}

// Rule is one of the six calculation variants. Each variant carries only
// the fields its calculation needs, so invalid field combinations cannot
// be represented.
type Rule interface {
	Type() Type
	// Amount returns the euros taken off the given base net price.
	// Always >= 0 and <= base.
	Amount(base float64, ctx RuleContext) float64
}

// Percentage takes a flat percentage off the base.
type Percentage struct {
	Percent float64
}

func (p Percentage) Type() Type { return TypePercentage }

func (p Percentage) Amount(base float64, _ RuleContext) float64 {
	return roundCents(base * p.Percent / 100)
}

// FixedAmount takes a fixed euro amount off, never more than the base.
type FixedAmount struct {
	Euros float64
}

func (f FixedAmount) Type() Type { return TypeFixedAmount }

func (f FixedAmount) Amount(base float64, _ RuleContext) float64 {
	if f.Euros > base {
		return base
	}
	return f.Euros
}

// FreeKilometers makes the first KM kilometres free by repricing the
// remaining distance.
type FreeKilometers struct {
	KM float64
}

func (f FreeKilometers) Type() Type { return TypeFreeKM }

func (f FreeKilometers) Amount(base float64, ctx RuleContext) float64 {
	if ctx.DistanceKM <= f.KM {
		// Every kilometre is free; the price drops to the floor.
		return clampNonNegative(roundCents(base - ctx.MinimumNet))
	}
	if ctx.Reprice == nil {
		return 0
	}
	reduced := ctx.Reprice(ctx.DistanceKM - f.KM)
	return clampNonNegative(roundCents(base - reduced))
}

// PriceCap limits the net price to Cap.
type PriceCap struct {
	Cap float64
}

func (p PriceCap) Type() Type { return TypePriceCap }

func (p PriceCap) Amount(base float64, _ RuleContext) float64 {
	if base <= p.Cap {
		return 0
	}
	return roundCents(base - p.Cap)
}

// CustomRate replaces the tariff with a flat per-kilometre rate, floored
// at the minimum net.
type CustomRate struct {
	PerKM float64
}

func (c CustomRate) Type() Type { return TypeCustomRate }

func (c CustomRate) Amount(base float64, ctx RuleContext) float64 {
	custom := ctx.DistanceKM * c.PerKM
	if custom < ctx.MinimumNet {
		custom = ctx.MinimumNet
	}
	return clampNonNegative(roundCents(base - custom))
}

// TierStep is one threshold of a tiered percentage rule.
type TierStep struct {
	MinKM   float64 `bson:"min_km" json:"min_km"`
	Percent float64 `bson:"percentage" json:"percentage"`
}

// Tiered applies the percentage of the highest threshold the distance
// reaches; below every threshold it applies nothing.
type Tiered struct {
	Steps []TierStep
}

func (t Tiered) Type() Type { return TypeTiered }

func (t Tiered) Amount(base float64, ctx RuleContext) float64 {
	var (
		bestMin float64 = -1
		percent float64
	)
	for _, step := range t.Steps {
		if ctx.DistanceKM >= step.MinKM && step.MinKM > bestMin {
			bestMin = step.MinKM
			percent = step.Percent
		}
	}
	if bestMin < 0 {
		return 0
	}
	return roundCents(base * percent / 100)
}

// NewRule builds the rule variant for a stored (type, value, tiers) triple.
func NewRule(t Type, value float64, tiers []TierStep) (Rule, error) {
	switch t {
	case TypePercentage:
		return Percentage{Percent: value}, nil
	case TypeFixedAmount:
		return FixedAmount{Euros: value}, nil
	case TypeFreeKM:
		return FreeKilometers{KM: value}, nil
	case TypePriceCap:
		return PriceCap{Cap: value}, nil
	case TypeCustomRate:
		return CustomRate{PerKM: value}, nil
	case TypeTiered:
		return Tiered{Steps: tiers}, nil
	default:
		return nil, fmt.Errorf("discount: unknown type %q", t)
	}
}

// RuleSpec flattens a rule back into the stored (type, value, tiers) triple.
func RuleSpec(r Rule) (t Type, value float64, tiers []TierStep) {
	switch v := r.(type) {
	case Percentage:
		return TypePercentage, v.Percent, nil
	case FixedAmount:
		return TypeFixedAmount, v.Euros, nil
	case FreeKilometers:
		return TypeFreeKM, v.KM, nil
	case PriceCap:
		return TypePriceCap, v.Cap, nil
	case CustomRate:
		return TypeCustomRate, v.PerKM, nil
	case Tiered:
		return TypeTiered, 0, v.Steps
	default:
		return "", 0, nil
	}
}

// Discount is one pricing rule with its eligibility predicates and
// stacking metadata. Discounts are soft-deactivated, never deleted.
type Discount struct {
	ID          int64
	Name        string
	Description string
	Scope       Scope
	Rule        Rule

	// Promo code, stored upper-case; only meaningful for ScopeCode.
	Code string

	// Eligibility bounds, inclusive; nil means unbounded.
	MinDistanceKM *float64
	MaxDistanceKM *float64
	MinOrderValue *float64
	MaxOrderValue *float64

	// City restrictions; empty lists mean unrestricted.
	AllowedPickupCities  []string
	AllowedDropoffCities []string
	ExcludedCities       []string

	// Validity window; either bound may be open.
	ValidFrom  *time.Time
	ValidUntil *time.Time

	// Usage caps; nil means uncapped. CurrentUses is incremented
	// atomically by the store on every successful application.
	MaxUsesTotal   *int
	MaxUsesPerUser *int
	CurrentUses    int

	// Users this discount is assigned to (ScopeAccount).
	AssignedUsers []int64

	Stackable        bool
	Priority         int // lower sorts first
	HideFromCustomer bool

	Active    bool
	CreatedBy *int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AssignedTo reports whether the discount is assigned to the user.
func (d *Discount) AssignedTo(userID int64) bool {
	for _, id := range d.AssignedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

func clampNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
