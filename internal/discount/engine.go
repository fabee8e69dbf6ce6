package discount

import (
	"sort"
	"strings"
	"time"

	"github.com/example/transport-broker/internal/pricing"
)

// ValidationError is a user-facing promo-code rejection. It is not a
// system fault and is never logged as one.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "discount: " + e.Reason }

// Input is the order context discounts are resolved against.
type Input struct {
	UserID       *int64
	BaseNet      float64
	DistanceKM   float64
	PickupCity   string
	DropoffCity  string
	PromoCode    string
	IsFirstOrder bool

	// Prior uses per discount id for this user, supplied by the caller
	// from the usage ledger. Nil skips per-user cap checks.
	UserUses map[int64]int
}

// Applied is one discount after application, with its computed amount.
type Applied struct {
	ID               int64   `json:"id"`
	Name             string  `json:"name"`
	Type             Type    `json:"type"`
	Amount           float64 `json:"amount"`
	HideFromCustomer bool    `json:"hide_from_customer,omitempty"`
}

// Breakdown is the full pricing result of a discount resolution.
type Breakdown struct {
	OriginalNet   float64   `json:"original_net"`
	TotalDiscount float64   `json:"total_discount"`
	FinalNet      float64   `json:"final_net"`
	FinalVAT      float64   `json:"final_vat"`
	FinalGross    float64   `json:"final_gross"`
	Applied       []Applied `json:"applied_discounts"`
	Best          *Applied  `json:"best_discount,omitempty"`
}

// Engine resolves and applies discounts. It is a pure function of its
// inputs; usage recording happens elsewhere, after the order persists.
type Engine struct {
	vatRate float64
	floor   float64
	reprice func(km float64) float64
	now     func() time.Time
}

// NewEngine wires the resolver to the pricing engine it reprices reduced
// distances through.
func NewEngine(pricer *pricing.Engine) *Engine {
	cfg := pricer.Config()
	return &Engine{
		vatRate: cfg.VATRate,
		floor:   cfg.MinimumNet,
		reprice: pricer.NetForDistance,
		now:     time.Now,
	}
}

// WithClock replaces the engine's clock, for deterministic tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Apply filters candidates for eligibility and resolves them against the
// base price:
//
//  1. Non-stackable candidates are each computed against the original base
//     and only the single highest-amount one applies.
//  2. Every stackable candidate then applies in (priority asc, id asc)
//     order, each computed against the running net, so stacked discounts
//     compound sequentially.
//  3. The final net is clamped to the minimum floor and the reported total
//     discount is recomputed from the clamped figure.
func (e *Engine) Apply(in Input, candidates []Discount) Breakdown {
	out := Breakdown{
		OriginalNet: roundCents(in.BaseNet),
		FinalNet:    roundCents(in.BaseNet),
	}

	now := e.now()
	eligible := make([]Discount, 0, len(candidates))
	for i := range candidates {
		if e.Eligible(&candidates[i], in, now) {
			eligible = append(eligible, candidates[i])
		}
	}
	SortCandidates(eligible)

	if len(eligible) == 0 {
		out.FinalVAT = roundCents(in.BaseNet * e.vatRate)
		out.FinalGross = roundCents(in.BaseNet * (1 + e.vatRate))
		return out
	}

	ctx := RuleContext{
		DistanceKM: in.DistanceKM,
		MinimumNet: e.floor,
		Reprice:    e.reprice,
	}

	var (
		stackable    []Discount
		nonStackable []Discount
	)
	for _, d := range eligible {
		if d.Stackable {
			stackable = append(stackable, d)
		} else {
			nonStackable = append(nonStackable, d)
		}
	}

	current := in.BaseNet
	var applied []Applied

	// Best of non-stackable, computed on the original base. Strict
	// comparison keeps the earlier (lower priority value) candidate on
	// equal amounts.
	var (
		best       *Discount
		bestAmount float64
	)
	for i := range nonStackable {
		amount := nonStackable[i].Rule.Amount(in.BaseNet, ctx)
		if amount > bestAmount {
			bestAmount = amount
			best = &nonStackable[i]
		}
	}
	if best != nil {
		current -= bestAmount
		line := Applied{
			ID:               best.ID,
			Name:             best.Name,
			Type:             best.Rule.Type(),
			Amount:           bestAmount,
			HideFromCustomer: best.HideFromCustomer,
		}
		applied = append(applied, line)
		out.Best = &line
	}

	// Stackables compound on the running net, in fetch order.
	for i := range stackable {
		amount := stackable[i].Rule.Amount(current, ctx)
		if amount <= 0 {
			continue
		}
		current -= amount
		applied = append(applied, Applied{
			ID:               stackable[i].ID,
			Name:             stackable[i].Name,
			Type:             stackable[i].Rule.Type(),
			Amount:           amount,
			HideFromCustomer: stackable[i].HideFromCustomer,
		})
	}

	if current < e.floor {
		current = e.floor
	}
	// Recompute from the clamped net: the floor shrinks the reported
	// discount rather than breaking the floor.
	totalDiscount := in.BaseNet - current

	out.TotalDiscount = roundCents(totalDiscount)
	out.FinalNet = roundCents(current)
	out.FinalVAT = roundCents(current * e.vatRate)
	out.FinalGross = roundCents(current * (1 + e.vatRate))
	out.Applied = applied
	return out
}

// Eligible reports whether a discount may be applied in the given context.
// Every predicate must hold.
func (e *Engine) Eligible(d *Discount, in Input, now time.Time) bool {
	if !d.Active {
		return false
	}
	if d.ValidFrom != nil && now.Before(*d.ValidFrom) {
		return false
	}
	if d.ValidUntil != nil && now.After(*d.ValidUntil) {
		return false
	}
	if d.MaxUsesTotal != nil && d.CurrentUses >= *d.MaxUsesTotal {
		return false
	}
	if d.MaxUsesPerUser != nil && in.UserUses != nil {
		if in.UserUses[d.ID] >= *d.MaxUsesPerUser {
			return false
		}
	}

	switch d.Scope {
	case ScopeAccount:
		if in.UserID == nil || !d.AssignedTo(*in.UserID) {
			return false
		}
	case ScopeCode:
		if in.PromoCode == "" || d.Code != NormalizeCode(in.PromoCode) {
			return false
		}
	case ScopeFirstOrder:
		if !in.IsFirstOrder {
			return false
		}
	case ScopeGlobal:
		// applies to everyone
	default:
		return false
	}

	if d.MinDistanceKM != nil && in.DistanceKM < *d.MinDistanceKM {
		return false
	}
	if d.MaxDistanceKM != nil && in.DistanceKM > *d.MaxDistanceKM {
		return false
	}
	if d.MinOrderValue != nil && in.BaseNet < *d.MinOrderValue {
		return false
	}
	if d.MaxOrderValue != nil && in.BaseNet > *d.MaxOrderValue {
		return false
	}

	pickup := normalizeCity(in.PickupCity)
	dropoff := normalizeCity(in.DropoffCity)
	if len(d.AllowedPickupCities) > 0 && !containsCity(d.AllowedPickupCities, pickup) {
		return false
	}
	if len(d.AllowedDropoffCities) > 0 && !containsCity(d.AllowedDropoffCities, dropoff) {
		return false
	}
	if containsCity(d.ExcludedCities, pickup) || containsCity(d.ExcludedCities, dropoff) {
		return false
	}

	return true
}

// ValidateCode checks a customer-entered promo code against its discount.
// A nil discount means the code did not match anything.
func (e *Engine) ValidateCode(d *Discount) error {
	if d == nil || !d.Active {
		return &ValidationError{Reason: "invalid promo code"}
	}
	now := e.now()
	if d.ValidFrom != nil && now.Before(*d.ValidFrom) {
		return &ValidationError{Reason: "promo code is not active yet"}
	}
	if d.ValidUntil != nil && now.After(*d.ValidUntil) {
		return &ValidationError{Reason: "promo code has expired"}
	}
	if d.MaxUsesTotal != nil && d.CurrentUses >= *d.MaxUsesTotal {
		return &ValidationError{Reason: "promo code has been used up"}
	}
	return nil
}

// SortCandidates orders discounts by priority ascending, breaking ties on
// id ascending. The id tiebreak keeps stacking order deterministic when
// priorities collide.
func SortCandidates(ds []Discount) {
	sort.SliceStable(ds, func(i, j int) bool {
		if ds[i].Priority != ds[j].Priority {
			return ds[i].Priority < ds[j].Priority
		}
		return ds[i].ID < ds[j].ID
	})
}

// NormalizeCode canonicalizes a promo code for comparison and storage.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func normalizeCity(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}

func containsCity(cities []string, city string) bool {
	if city == "" {
		return false
	}
	for _, c := range cities {
		if normalizeCity(c) == city {
			return true
		}
	}
	return false
}

func roundCents(v float64) float64 { return pricing.RoundHalfUp(v, 2) }
