package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/example/transport-broker/internal/discount"
)

// discountPayload is the JSON shape of a discount on the admin surface,
// with the rule flattened to (type, value, tiers) like the stored form.
type discountPayload struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Scope       discount.Scope `json:"scope"`

	Type  discount.Type       `json:"type"`
	Value float64             `json:"value,omitempty"`
	Tiers []discount.TierStep `json:"tiers,omitempty"`

	Code string `json:"code,omitempty"`

	MinDistanceKM *float64 `json:"min_distance_km,omitempty"`
	MaxDistanceKM *float64 `json:"max_distance_km,omitempty"`
	MinOrderValue *float64 `json:"min_order_value,omitempty"`
	MaxOrderValue *float64 `json:"max_order_value,omitempty"`

	AllowedPickupCities  []string `json:"allowed_pickup_cities,omitempty"`
	AllowedDropoffCities []string `json:"allowed_dropoff_cities,omitempty"`
	ExcludedCities       []string `json:"excluded_cities,omitempty"`

	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`

	MaxUsesTotal   *int `json:"max_uses_total,omitempty"`
	MaxUsesPerUser *int `json:"max_uses_per_user,omitempty"`
	CurrentUses    int  `json:"current_uses"`

	AssignedUsers []int64 `json:"assigned_users,omitempty"`

	Stackable        bool `json:"stackable"`
	Priority         int  `json:"priority"`
	HideFromCustomer bool `json:"hide_from_customer"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toDiscountPayload(d *discount.Discount) discountPayload {
	t, value, tiers := discount.RuleSpec(d.Rule)
	return discountPayload{
		ID: d.ID, Name: d.Name, Description: d.Description, Scope: d.Scope,
		Type: t, Value: value, Tiers: tiers,
		Code:          d.Code,
		MinDistanceKM: d.MinDistanceKM, MaxDistanceKM: d.MaxDistanceKM,
		MinOrderValue: d.MinOrderValue, MaxOrderValue: d.MaxOrderValue,
		AllowedPickupCities:  d.AllowedPickupCities,
		AllowedDropoffCities: d.AllowedDropoffCities,
		ExcludedCities:       d.ExcludedCities,
		ValidFrom:            d.ValidFrom, ValidUntil: d.ValidUntil,
		MaxUsesTotal: d.MaxUsesTotal, MaxUsesPerUser: d.MaxUsesPerUser,
		CurrentUses:  d.CurrentUses,
		AssignedUsers: d.AssignedUsers,
		Stackable:     d.Stackable, Priority: d.Priority,
		HideFromCustomer: d.HideFromCustomer,
		Active:           d.Active,
		CreatedAt:        d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}
}

func (p *discountPayload) toDiscount() (*discount.Discount, error) {
	rule, err := discount.NewRule(p.Type, p.Value, p.Tiers)
	if err != nil {
		return nil, err
	}
	return &discount.Discount{
		ID: p.ID, Name: p.Name, Description: p.Description, Scope: p.Scope,
		Rule: rule,
		Code: p.Code,
		MinDistanceKM: p.MinDistanceKM, MaxDistanceKM: p.MaxDistanceKM,
		MinOrderValue: p.MinOrderValue, MaxOrderValue: p.MaxOrderValue,
		AllowedPickupCities:  p.AllowedPickupCities,
		AllowedDropoffCities: p.AllowedDropoffCities,
		ExcludedCities:       p.ExcludedCities,
		ValidFrom:            p.ValidFrom, ValidUntil: p.ValidUntil,
		MaxUsesTotal: p.MaxUsesTotal, MaxUsesPerUser: p.MaxUsesPerUser,
		CurrentUses:  p.CurrentUses,
		AssignedUsers: p.AssignedUsers,
		Stackable:     p.Stackable, Priority: p.Priority,
		HideFromCustomer: p.HideFromCustomer,
		Active:           p.Active,
	}, nil
}

func (s *Server) handleCreateDiscount(w http.ResponseWriter, r *http.Request) {
	var p discountPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d, err := p.toDiscount()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Service.CreateDiscount(r.Context(), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDiscountPayload(d))
}

func (s *Server) handleUpdateDiscount(w http.ResponseWriter, r *http.Request) {
	var p discountPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.ID = pathID(r, "id")
	d, err := p.toDiscount()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Service.UpdateDiscount(r.Context(), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDiscountPayload(d))
}

func (s *Server) handleDeactivateDiscount(w http.ResponseWriter, r *http.Request) {
	d, err := s.Service.DeactivateDiscount(r.Context(), pathID(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDiscountPayload(d))
}

func (s *Server) handleListDiscounts(w http.ResponseWriter, r *http.Request) {
	list, err := s.Service.ListDiscounts(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]discountPayload, 0, len(list))
	for i := range list {
		out = append(out, toDiscountPayload(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDiscountStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Service.DiscountStats(r.Context(), pathID(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
