// Package orders orchestrates quoting, order creation and the driver
// workflow. It is the only package that talks to pricing, discounts,
// lifecycle and storage together.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/transport-broker/internal/discount"
	"github.com/example/transport-broker/internal/dispatch"
	"github.com/example/transport-broker/internal/ingest"
	"github.com/example/transport-broker/internal/lifecycle"
	"github.com/example/transport-broker/internal/models"
	"github.com/example/transport-broker/internal/observability"
	"github.com/example/transport-broker/internal/payments"
	"github.com/example/transport-broker/internal/pricing"
	"github.com/example/transport-broker/internal/routing"
	"github.com/example/transport-broker/internal/storage"
)

// InputError marks a request the caller got wrong: bad addresses, missing
// fields, image caps. Maps to a 400.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return e.Msg }

func inputErrf(format string, args ...any) error {
	return &InputError{Msg: fmt.Sprintf(format, args...)}
}

// ErrNotOwner is returned when a driver acts on an order assigned to
// someone else.
var ErrNotOwner = errors.New("orders: not assigned to this driver")

// Service wires the domain engines to storage and the side channels.
// Events, Notifier, Payments and Ledger are optional; a nil value simply
// disables that channel.
type Service struct {
	Store     storage.OrderStore
	Discounts storage.DiscountStore
	Ledger    storage.UsageLedger
	Resolver  routing.Resolver
	Pricer    *pricing.Engine
	Engine    *discount.Engine
	Events    ingest.EventProducer
	Notifier  dispatch.Notifier
	Payments  payments.Provider
	Logger    *slog.Logger
	Now       func() time.Time
}

func NewService(store storage.OrderStore, discounts storage.DiscountStore, resolver routing.Resolver, pricer *pricing.Engine, engine *discount.Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store:     store,
		Discounts: discounts,
		Resolver:  resolver,
		Pricer:    pricer,
		Engine:    engine,
		Logger:    logger,
		Now:       time.Now,
	}
}

// QuoteRequest is the input for both plain and discounted quotes.
type QuoteRequest struct {
	PickupAddress  string
	DropoffAddress string
	ReturnLeg      bool
	UserID         *int64
	PromoCode      string
}

// QuoteResult is a priced (and possibly discounted) leg. Both parts
// embed so the result serializes flat: km/net/vat/gross next to
// original_net/final_net when discounts resolved.
type QuoteResult struct {
	pricing.Quote
	*discount.Breakdown
}

// Quote resolves the distance between two addresses and prices it.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (*QuoteResult, error) {
	if req.PickupAddress == "" || req.DropoffAddress == "" {
		return nil, inputErrf("pickup and dropoff addresses are required")
	}
	km, err := s.Resolver.DistanceKM(ctx, req.PickupAddress, req.DropoffAddress)
	if err != nil {
		return nil, err
	}
	q, err := s.Pricer.Quote(km, req.PickupAddress, req.DropoffAddress, req.ReturnLeg)
	if err != nil {
		return nil, &InputError{Msg: err.Error()}
	}
	observability.QuotesTotal.WithLabelValues(string(q.Tier)).Inc()
	return &QuoteResult{Quote: q}, nil
}

// QuoteKM prices a known distance without address resolution. Metro
// pricing never applies because there are no addresses to match.
func (s *Service) QuoteKM(km float64, returnLeg bool) (*pricing.Quote, error) {
	q, err := s.Pricer.Quote(km, "", "", returnLeg)
	if err != nil {
		return nil, &InputError{Msg: err.Error()}
	}
	observability.QuotesTotal.WithLabelValues(string(q.Tier)).Inc()
	return &q, nil
}

// QuoteWithDiscounts prices the leg and resolves every applicable
// discount against it.
func (s *Service) QuoteWithDiscounts(ctx context.Context, req QuoteRequest) (*QuoteResult, error) {
	res, err := s.Quote(ctx, req)
	if err != nil {
		return nil, err
	}
	breakdown, err := s.resolveDiscounts(ctx, req, &res.Quote)
	if err != nil {
		return nil, err
	}
	res.Breakdown = breakdown
	return res, nil
}

func (s *Service) resolveDiscounts(ctx context.Context, req QuoteRequest, q *pricing.Quote) (*discount.Breakdown, error) {
	candidates, err := s.Discounts.ListActiveDiscounts(ctx)
	if err != nil {
		return nil, err
	}

	in := discount.Input{
		UserID:      req.UserID,
		BaseNet:     q.Net,
		DistanceKM:  q.KM,
		PickupCity:  discount.ExtractCity(req.PickupAddress),
		DropoffCity: discount.ExtractCity(req.DropoffAddress),
		PromoCode:   discount.NormalizeCode(req.PromoCode),
	}
	if req.UserID != nil {
		n, err := s.Store.CountOrdersByUser(ctx, *req.UserID)
		if err != nil {
			return nil, err
		}
		in.IsFirstOrder = n == 0
		if s.Ledger != nil {
			uses, err := s.Ledger.UserUses(ctx, *req.UserID)
			if err != nil {
				return nil, err
			}
			in.UserUses = uses
		}
	}

	b := s.Engine.Apply(in, candidates)
	return &b, nil
}

// ValidatePromoCode checks a customer-entered code and returns its
// discount when usable.
func (s *Service) ValidatePromoCode(ctx context.Context, code string) (*discount.Discount, error) {
	d, err := s.Discounts.GetDiscountByCode(ctx, discount.NormalizeCode(code))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, s.Engine.ValidateCode(nil)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Engine.ValidateCode(d); err != nil {
		return nil, err
	}
	return d, nil
}

// CreateDiscount registers a new discount definition.
func (s *Service) CreateDiscount(ctx context.Context, d *discount.Discount) error {
	if d.Name == "" || d.Rule == nil {
		return inputErrf("discount name and rule are required")
	}
	if d.Scope == discount.ScopeCode && d.Code == "" {
		return inputErrf("code-scoped discounts need a promo code")
	}
	d.Code = discount.NormalizeCode(d.Code)
	now := s.Now()
	d.CreatedAt, d.UpdatedAt = now, now
	return s.Discounts.CreateDiscount(ctx, d)
}

// UpdateDiscount replaces an existing discount definition. Usage count
// and creation metadata are owned by the server and survive whatever
// the caller sent.
func (s *Service) UpdateDiscount(ctx context.Context, d *discount.Discount) error {
	stored, err := s.Discounts.GetDiscount(ctx, d.ID)
	if err != nil {
		return err
	}
	d.CurrentUses = stored.CurrentUses
	d.CreatedAt = stored.CreatedAt
	d.CreatedBy = stored.CreatedBy
	d.Code = discount.NormalizeCode(d.Code)
	d.UpdatedAt = s.Now()
	return s.Discounts.UpdateDiscount(ctx, d)
}

// DeactivateDiscount soft-deletes a discount. Definitions are never
// removed, so old orders keep resolvable discount lines.
func (s *Service) DeactivateDiscount(ctx context.Context, id int64) (*discount.Discount, error) {
	d, err := s.Discounts.GetDiscount(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Active = false
	d.UpdatedAt = s.Now()
	if err := s.Discounts.UpdateDiscount(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// ListDiscounts returns every discount, active or not.
func (s *Service) ListDiscounts(ctx context.Context) ([]discount.Discount, error) {
	return s.Discounts.ListDiscounts(ctx)
}

// DiscountStats reports a discount's usage aggregates from the ledger.
func (s *Service) DiscountStats(ctx context.Context, id int64) (*storage.DiscountStats, error) {
	if s.Ledger == nil {
		return nil, inputErrf("usage ledger is not configured")
	}
	if _, err := s.Discounts.GetDiscount(ctx, id); err != nil {
		return nil, err
	}
	stats, err := s.Ledger.DiscountStats(ctx, id)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// CreateOrderRequest carries everything needed to book a transport.
type CreateOrderRequest struct {
	UserID         int64
	PickupAddress  string
	DropoffAddress string
	RegNumber      string
	WinterTires    bool
	AdditionalInfo string
	PickupDate     string
	PromoCode      string

	// WithReturn books a linked second leg in the opposite direction at
	// the return-leg rate.
	WithReturn bool
}

// CreateOrder prices, discounts and persists a new order (plus its linked
// return order when requested). Discount usage is recorded only after the
// order insert succeeds, so a failed booking never burns a use.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*models.Order, error) {
	if req.UserID == 0 {
		return nil, inputErrf("user_id is required")
	}
	quoteReq := QuoteRequest{
		PickupAddress:  req.PickupAddress,
		DropoffAddress: req.DropoffAddress,
		UserID:         &req.UserID,
		PromoCode:      req.PromoCode,
	}
	res, err := s.QuoteWithDiscounts(ctx, quoteReq)
	if err != nil {
		return nil, err
	}

	now := s.Now()
	id, err := s.Store.NextOrderID(ctx)
	if err != nil {
		return nil, err
	}

	o := &models.Order{
		ID:             id,
		UserID:         req.UserID,
		Status:         models.StatusNew,
		PickupAddress:  req.PickupAddress,
		DropoffAddress: req.DropoffAddress,
		DistanceKM:     res.Quote.KM,
		RegNumber:      req.RegNumber,
		WinterTires:    req.WinterTires,
		AdditionalInfo: req.AdditionalInfo,
		PickupDate:     req.PickupDate,
		TripType:       models.TripOutbound,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	applyBreakdown(o, res)

	if err := s.Store.CreateOrder(ctx, o); err != nil {
		return nil, err
	}
	s.recordDiscountUses(ctx, o, res.Breakdown)

	if req.WithReturn {
		ret, err := s.createReturnOrder(ctx, req, o, now)
		if err != nil {
			// The outbound order stands; the return leg can be booked
			// again separately.
			s.Logger.Error("return leg creation failed", "order_id", o.ID, "err", err)
		} else {
			o.ReturnOrderID = &ret.ID
			if err := s.Store.UpdateOrder(ctx, o); err != nil {
				s.Logger.Error("linking return order failed", "order_id", o.ID, "err", err)
			}
		}
	}

	observability.OrdersCreatedTotal.Inc()
	for _, line := range o.AppliedDiscounts {
		observability.DiscountsAppliedTotal.WithLabelValues(line.Type).Inc()
	}
	s.publishEvent(o)
	s.Logger.Info("order created",
		"order_id", o.ID, "user_id", o.UserID, "km", o.DistanceKM, "gross", o.PriceGross)
	return o, nil
}

func (s *Service) createReturnOrder(ctx context.Context, req CreateOrderRequest, parent *models.Order, now time.Time) (*models.Order, error) {
	q, err := s.Pricer.Quote(parent.DistanceKM, req.DropoffAddress, req.PickupAddress, true)
	if err != nil {
		return nil, err
	}
	id, err := s.Store.NextOrderID(ctx)
	if err != nil {
		return nil, err
	}
	ret := &models.Order{
		ID:             id,
		UserID:         req.UserID,
		Status:         models.StatusNew,
		PickupAddress:  req.DropoffAddress,
		DropoffAddress: req.PickupAddress,
		DistanceKM:     q.KM,
		PriceNet:       q.Net,
		PriceVAT:       q.VAT,
		PriceGross:     q.Gross,
		DriverReward:   pricing.RoundHalfUp(q.Net*driverRewardShare, 2),
		RegNumber:      req.RegNumber,
		WinterTires:    req.WinterTires,
		PickupDate:     req.PickupDate,
		ReturnLeg:      true,
		TripType:       models.TripReturn,
		ParentOrderID:  &parent.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Store.CreateOrder(ctx, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// driverRewardShare is the fraction of the final net paid out to the
// driver. Shown on the driver surface instead of the customer price.
const driverRewardShare = 0.70

func applyBreakdown(o *models.Order, res *QuoteResult) {
	o.PriceNet = res.Quote.Net
	o.PriceVAT = res.Quote.VAT
	o.PriceGross = res.Quote.Gross
	b := res.Breakdown
	if b != nil && len(b.Applied) > 0 {
		o.PriceNet = b.FinalNet
		o.PriceVAT = b.FinalVAT
		o.PriceGross = b.FinalGross
		o.DiscountAmount = b.TotalDiscount
		for _, a := range b.Applied {
			o.AppliedDiscounts = append(o.AppliedDiscounts, models.DiscountLine{
				DiscountID:       a.ID,
				Name:             a.Name,
				Type:             string(a.Type),
				Amount:           a.Amount,
				HideFromCustomer: a.HideFromCustomer,
			})
		}
	}
	o.DriverReward = pricing.RoundHalfUp(o.PriceNet*driverRewardShare, 2)
}

// recordDiscountUses bumps global counters and the per-user ledger for
// every discount on a persisted order. Failures are logged, not returned:
// the order already exists and the customer keeps their price.
func (s *Service) recordDiscountUses(ctx context.Context, o *models.Order, b *discount.Breakdown) {
	if b == nil || len(b.Applied) == 0 {
		return
	}
	ids := make([]int64, 0, len(b.Applied))
	uses := make([]storage.DiscountUse, 0, len(b.Applied))
	for _, a := range b.Applied {
		ids = append(ids, a.ID)
		uses = append(uses, storage.DiscountUse{DiscountID: a.ID, Amount: a.Amount})
	}
	if err := s.Discounts.IncrementUses(ctx, ids); err != nil {
		s.Logger.Error("discount use increment failed", "order_id", o.ID, "err", err)
	}
	if s.Ledger != nil {
		if err := s.Ledger.RecordUses(ctx, o.UserID, o.ID, uses, s.Now()); err != nil {
			s.Logger.Error("usage ledger write failed", "order_id", o.ID, "err", err)
		}
	}
}

// GetOrder fetches one order.
func (s *Service) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return s.Store.GetOrder(ctx, id)
}

// ListUserOrders lists the customer's orders, oldest first.
func (s *Service) ListUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	return s.Store.ListOrdersByUser(ctx, userID)
}

// ListDriverOrders lists the driver's assigned orders with customer
// pricing stripped.
func (s *Service) ListDriverOrders(ctx context.Context, driverID int64) ([]models.Order, error) {
	out, err := s.Store.ListOrdersByDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].StripPricing()
	}
	return out, nil
}

// ListAvailableOrders lists confirmed, unassigned orders for drivers to
// pick from, pricing stripped.
func (s *Service) ListAvailableOrders(ctx context.Context) ([]models.Order, error) {
	confirmed, err := s.Store.ListOrdersByStatus(ctx, models.StatusConfirmed)
	if err != nil {
		return nil, err
	}
	out := confirmed[:0]
	for _, o := range confirmed {
		if o.DriverID == nil {
			o.StripPricing()
			out = append(out, o)
		}
	}
	return out, nil
}

// UpdateStatus moves an order to the named target status. Admin callers
// name the destination; the transition table decides whether the move is
// legal from where the order is.
func (s *Service) UpdateStatus(ctx context.Context, orderID int64, target models.Status) (*models.Order, error) {
	if !target.Valid() {
		return nil, inputErrf("unknown status %q", target)
	}
	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	action, err := lifecycle.ActionForStatus(o.Status, target)
	if err != nil {
		return nil, err
	}
	return s.applyTransition(ctx, o, action)
}

// Confirm moves a new order to CONFIRMED and places the payment hold.
func (s *Service) Confirm(ctx context.Context, orderID int64) (*models.Order, error) {
	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, err := lifecycle.Next(o.Status, lifecycle.ActionConfirm); err != nil {
		return nil, err
	}
	if s.Payments != nil {
		ref, err := s.Payments.HoldForOrder(ctx, o)
		if err != nil {
			return nil, fmt.Errorf("payment hold: %w", err)
		}
		o.PaymentRef = ref
	}
	return s.applyTransition(ctx, o, lifecycle.ActionConfirm)
}

// Cancel cancels the order from any non-terminal status and releases any
// payment hold.
func (s *Service) Cancel(ctx context.Context, orderID int64) (*models.Order, error) {
	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	updated, err := s.applyTransition(ctx, o, lifecycle.ActionCancel)
	if err != nil {
		return nil, err
	}
	if s.Payments != nil && updated.PaymentRef != "" {
		if err := s.Payments.Cancel(ctx, updated.PaymentRef); err != nil {
			s.Logger.Error("payment release failed", "order_id", updated.ID, "err", err)
		}
	}
	return updated, nil
}

// AssignDriver attaches an active driver to a confirmed order.
func (s *Service) AssignDriver(ctx context.Context, orderID, driverID int64) (*models.Order, error) {
	driver, err := s.Store.GetUser(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if driver.Role != models.RoleDriver {
		return nil, inputErrf("user %d is not a driver", driverID)
	}
	if !driver.ActiveAccount() {
		return nil, inputErrf("driver %d is not active", driverID)
	}

	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.DriverID != nil {
		return nil, inputErrf("order %d already has a driver", orderID)
	}
	o.DriverID = &driverID
	return s.applyTransition(ctx, o, lifecycle.ActionAssignDriver)
}

// DriverAction is a lifecycle move performed by the assigned driver.
func (s *Service) DriverAction(ctx context.Context, orderID, driverID int64, action lifecycle.Action) (*models.Order, error) {
	o, err := s.ownedOrder(ctx, orderID, driverID)
	if err != nil {
		return nil, err
	}
	updated, err := s.applyTransition(ctx, o, action)
	if err != nil {
		return nil, err
	}
	if updated.Status == models.StatusDelivered && s.Payments != nil && updated.PaymentRef != "" {
		if err := s.Payments.Capture(ctx, updated.PaymentRef); err != nil {
			s.Logger.Error("payment capture failed", "order_id", updated.ID, "err", err)
		}
	}
	return updated, nil
}

func (s *Service) ownedOrder(ctx context.Context, orderID, driverID int64) (*models.Order, error) {
	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.DriverID == nil || *o.DriverID != driverID {
		return nil, ErrNotOwner
	}
	return o, nil
}

// applyTransition runs the state machine, persists the order, and fans
// out to the event stream and the driver channel.
func (s *Service) applyTransition(ctx context.Context, o *models.Order, action lifecycle.Action) (*models.Order, error) {
	prev := o.Status
	if err := lifecycle.Apply(o, action, s.Now()); err != nil {
		return nil, err
	}
	if err := s.Store.UpdateOrder(ctx, o); err != nil {
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(string(o.Status)).Inc()
	s.Logger.Info("order transition",
		"order_id", o.ID, "from", prev, "to", o.Status, "action", action)
	s.publishEvent(o)
	s.notifyDriver(o)
	return o, nil
}

func (s *Service) publishEvent(o *models.Order) {
	if s.Events == nil {
		return
	}
	ev := models.OrderEvent{
		OrderID:  o.ID,
		Status:   o.Status,
		DriverID: o.DriverID,
		At:       s.Now(),
	}
	if err := s.Events.PublishOrderEvent(ev); err != nil {
		s.Logger.Error("event publish failed", "order_id", o.ID, "err", err)
	}
}

func (s *Service) notifyDriver(o *models.Order) {
	if s.Notifier == nil || o.DriverID == nil {
		return
	}
	update := dispatch.JobUpdate{
		OrderID:        o.ID,
		Status:         o.Status,
		PickupAddress:  o.PickupAddress,
		DropoffAddress: o.DropoffAddress,
		DriverReward:   o.DriverReward,
	}
	if err := s.Notifier.NotifyDriver(*o.DriverID, update); err != nil && !errors.Is(err, dispatch.ErrNoSession) {
		s.Logger.Warn("driver notify failed", "order_id", o.ID, "err", err)
	}
}

// AddImage attaches a photo to the order's pickup or delivery slot. The
// first image into a slot advances the order; later ones land without a
// status change.
func (s *Service) AddImage(ctx context.Context, orderID, driverID int64, slot models.ImageSlot, path string) (*models.Order, error) {
	if !slot.Valid() {
		return nil, inputErrf("unknown image slot %q", slot)
	}
	if path == "" {
		return nil, inputErrf("image path is required")
	}
	o, err := s.ownedOrder(ctx, orderID, driverID)
	if err != nil {
		return nil, err
	}
	if !lifecycle.CanUploadImage(o.Status, slot) {
		return nil, &lifecycle.TransitionError{
			Current:  o.Status,
			Action:   lifecycle.ImageAction(slot),
			Required: lifecycle.RequiredFor(lifecycle.ImageAction(slot)),
		}
	}
	existing := o.Images.Slot(slot)
	if len(existing) >= models.MaxImagesPerSlot {
		return nil, inputErrf("%s slot already has %d images", slot, models.MaxImagesPerSlot)
	}

	img := models.Image{
		ID:         uuid.NewString(),
		Path:       path,
		Order:      len(existing) + 1,
		UploadedAt: s.Now(),
	}
	o.Images.SetSlot(slot, append(existing, img))
	if err := s.Store.AddImage(ctx, orderID, slot, img); err != nil {
		// The store rechecks the cap atomically; a concurrent upload may
		// have filled the slot since the order was loaded.
		if errors.Is(err, storage.ErrSlotFull) {
			return nil, inputErrf("%s slot already has %d images", slot, models.MaxImagesPerSlot)
		}
		return nil, err
	}
	return s.applyTransition(ctx, o, lifecycle.ImageAction(slot))
}

// RemoveImage deletes one photo and renumbers the rest of the slot so
// the sequence stays dense.
func (s *Service) RemoveImage(ctx context.Context, orderID, driverID int64, slot models.ImageSlot, imageID string) (*models.Order, error) {
	if !slot.Valid() {
		return nil, inputErrf("unknown image slot %q", slot)
	}
	o, err := s.ownedOrder(ctx, orderID, driverID)
	if err != nil {
		return nil, err
	}
	existing := o.Images.Slot(slot)
	kept := make([]models.Image, 0, len(existing))
	found := false
	for _, img := range existing {
		if img.ID == imageID {
			found = true
			continue
		}
		img.Order = len(kept) + 1
		kept = append(kept, img)
	}
	if !found {
		return nil, storage.ErrNotFound
	}
	o.Images.SetSlot(slot, kept)
	o.UpdatedAt = s.Now()
	if err := s.Store.SetImages(ctx, orderID, slot, kept); err != nil {
		return nil, err
	}
	return o, nil
}
