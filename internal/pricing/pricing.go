// Package pricing turns a resolved route distance into a net/VAT/gross
// price using tiered anchor interpolation and metro-area flat rates.
package pricing

import (
	"errors"
	"strings"
)

// ErrInvalidDistance is returned for a zero or negative distance.
var ErrInvalidDistance = errors.New("pricing: distance must be positive")

// Tier names the pricing band a quote landed in, as reported to callers.
type Tier string

const (
	TierMetro Tier = "metro"
	TierMid   Tier = "mid"
	TierLong  Tier = "long"
)

// Config holds every pricing constant. It is immutable after construction;
// tests inject their own tiers instead of mutating package state.
type Config struct {
	// Flat short-hop rate for trips at or under ShortKM, regardless of cities.
	ShortKM  float64
	ShortNet float64

	// Flat rate when both endpoints are in the capital-region metro set.
	MetroCities []string
	MetroNet    float64

	// Interpolation anchors: (ShortKM, ShortNet) -> (MidKM, MidNet) ->
	// (LongKM, LongNet), then a constant per-km rate beyond LongKM.
	MidKM   float64
	MidNet  float64
	LongKM  float64
	LongNet float64

	// Return legs get this fraction off the net price. The short-hop floor
	// is discounted by the same fraction, deliberately allowing a return
	// short hop below the normal flat rate.
	ReturnLegDiscount float64

	// No order nets below this after all discounts.
	MinimumNet float64

	VATRate float64
}

// DefaultConfig returns the production tariff.
func DefaultConfig() Config {
	return Config{
		ShortKM:           30,
		ShortNet:          27,
		MetroCities:       []string{"helsinki", "espoo", "vantaa", "kauniainen"},
		MetroNet:          27,
		MidKM:             170,
		MidNet:            81,
		LongKM:            600,
		LongNet:           207,
		ReturnLegDiscount: 0.30,
		MinimumNet:        20,
		VATRate:           0.255,
	}
}

// Quote is a priced distance: gross carries the VAT, net and VAT are the
// inverse split of the rounded gross.
type Quote struct {
	KM    float64 `json:"km"`
	Net   float64 `json:"net"`
	VAT   float64 `json:"vat"`
	Gross float64 `json:"gross"`
	Tier  Tier    `json:"details"`
}

// Engine computes prices from distances. It is a pure function of its
// config and inputs and safe for concurrent use.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Config returns the engine's tariff.
func (e *Engine) Config() Config { return e.cfg }

// Quote prices a trip. Tiers are evaluated in order, first match wins:
// short flat, both-metro flat, mid interpolation, long interpolation,
// constant per-km beyond the long anchor.
func (e *Engine) Quote(km float64, pickupAddr, dropoffAddr string, returnLeg bool) (Quote, error) {
	if km <= 0 {
		return Quote{}, ErrInvalidDistance
	}

	net, short := e.netBeforeFloor(km, pickupAddr, dropoffAddr)

	floor := e.cfg.MinimumNet
	if short {
		floor = e.cfg.ShortNet
	}
	if returnLeg {
		net *= 1 - e.cfg.ReturnLegDiscount
		if short {
			// The short-hop floor is discounted too; it may end up
			// below the general minimum.
			floor *= 1 - e.cfg.ReturnLegDiscount
		}
	}
	if net < floor {
		net = floor
	}

	gross := RoundHalfUp(net*(1+e.cfg.VATRate), 2)
	splitNet, splitVAT := e.SplitGross(gross)

	return Quote{
		KM:    km,
		Net:   splitNet,
		VAT:   splitVAT,
		Gross: gross,
		Tier:  e.tierLabel(km, pickupAddr, dropoffAddr),
	}, nil
}

// NetForDistance prices a bare distance with no address or return-leg
// context and returns the floored net. The discount engine uses this to
// reprice reduced distances (free-kilometre rules).
func (e *Engine) NetForDistance(km float64) float64 {
	if km <= 0 {
		return e.cfg.MinimumNet
	}
	net, short := e.netBeforeFloor(km, "", "")
	floor := e.cfg.MinimumNet
	if short {
		floor = e.cfg.ShortNet
	}
	if net < floor {
		net = floor
	}
	// Round-trip through the gross so the repriced figure matches what a
	// real quote for that distance would net out to.
	gross := RoundHalfUp(net*(1+e.cfg.VATRate), 2)
	return gross / (1 + e.cfg.VATRate)
}

// SplitGross derives (net, vat) from a known gross by inverse split, both
// rounded half-up to cents.
func (e *Engine) SplitGross(gross float64) (net, vat float64) {
	net = gross / (1 + e.cfg.VATRate)
	vat = gross - net
	return RoundHalfUp(net, 2), RoundHalfUp(vat, 2)
}

func (e *Engine) netBeforeFloor(km float64, pickupAddr, dropoffAddr string) (net float64, short bool) {
	cfg := &e.cfg
	switch {
	case km <= cfg.ShortKM:
		return cfg.ShortNet, true
	case e.BothInMetro(pickupAddr, dropoffAddr):
		return cfg.MetroNet, false
	case km <= cfg.MidKM:
		return interpolate(km, cfg.ShortKM, cfg.ShortNet, cfg.MidKM, cfg.MidNet), false
	case km <= cfg.LongKM:
		return interpolate(km, cfg.MidKM, cfg.MidNet, cfg.LongKM, cfg.LongNet), false
	default:
		return km * (cfg.LongNet / cfg.LongKM), false
	}
}

func (e *Engine) tierLabel(km float64, pickupAddr, dropoffAddr string) Tier {
	switch {
	case pickupAddr != "" && dropoffAddr != "" && e.BothInMetro(pickupAddr, dropoffAddr):
		return TierMetro
	case km <= e.cfg.MidKM:
		return TierMid
	default:
		return TierLong
	}
}

// BothInMetro reports whether both addresses mention a metro-set city,
// matched as a case-insensitive substring.
func (e *Engine) BothInMetro(pickupAddr, dropoffAddr string) bool {
	return e.MetroCity(pickupAddr) != "" && e.MetroCity(dropoffAddr) != ""
}

// MetroCity returns the metro-set city mentioned in the address, or "".
func (e *Engine) MetroCity(addr string) string {
	if addr == "" {
		return ""
	}
	lower := strings.ToLower(addr)
	for _, city := range e.cfg.MetroCities {
		if strings.Contains(lower, city) {
			return city
		}
	}
	return ""
}

// interpolate is linear interpolation between (x1,y1) and (x2,y2), with a
// degenerate guard when the anchors collapse.
func interpolate(x, x1, y1, x2, y2 float64) float64 {
	if x2 == x1 {
		return y1
	}
	return y1 + (y2-y1)*(x-x1)/(x2-x1)
}
