package orders

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/example/transport-broker/internal/discount"
	"github.com/example/transport-broker/internal/dispatch"
	"github.com/example/transport-broker/internal/lifecycle"
	"github.com/example/transport-broker/internal/models"
	"github.com/example/transport-broker/internal/pricing"
	"github.com/example/transport-broker/internal/storage"
)

type fakeResolver struct {
	km  float64
	err error
}

func (f *fakeResolver) DistanceKM(ctx context.Context, pickup, dropoff string) (float64, error) {
	return f.km, f.err
}

type capturedEvents struct {
	events []models.OrderEvent
}

func (c *capturedEvents) PublishOrderEvent(ev models.OrderEvent) error {
	c.events = append(c.events, ev)
	return nil
}

type capturedNotifies struct {
	updates map[int64][]dispatch.JobUpdate
}

func (c *capturedNotifies) NotifyDriver(driverID int64, u dispatch.JobUpdate) error {
	if c.updates == nil {
		c.updates = make(map[int64][]dispatch.JobUpdate)
	}
	c.updates[driverID] = append(c.updates[driverID], u)
	return nil
}

type fakePayments struct {
	holds, captures, cancels int
	failHold                 bool
}

func (f *fakePayments) HoldForOrder(ctx context.Context, o *models.Order) (string, error) {
	if f.failHold {
		return "", errors.New("card declined")
	}
	f.holds++
	return "pi_test", nil
}

func (f *fakePayments) Capture(ctx context.Context, ref string) error {
	f.captures++
	return nil
}

func (f *fakePayments) Cancel(ctx context.Context, ref string) error {
	f.cancels++
	return nil
}

func newTestService(km float64) (*Service, *storage.MemoryStore, *storage.MemoryDiscounts) {
	store := storage.NewMemoryStore()
	discounts := storage.NewMemoryDiscounts()
	pricer := pricing.NewEngine(pricing.DefaultConfig())
	engine := discount.NewEngine(pricer)
	logger := slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := NewService(store, discounts, &fakeResolver{km: km}, pricer, engine, logger)
	svc.Ledger = storage.NewMemoryLedger()
	return svc, store, discounts
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func seedDriver(store *storage.MemoryStore, id int64) {
	store.PutUser(&models.User{ID: id, Name: "driver", Role: models.RoleDriver, Status: "active"})
}

func TestQuote(t *testing.T) {
	svc, _, _ := newTestService(100)
	res, err := svc.Quote(context.Background(), QuoteRequest{PickupAddress: "Oulu", DropoffAddress: "Kuopio"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Quote.Net != 54.00 || res.Quote.Gross != 67.77 {
		t.Fatalf("got net=%v gross=%v", res.Quote.Net, res.Quote.Gross)
	}
}

func TestQuoteRequiresAddresses(t *testing.T) {
	svc, _, _ := newTestService(100)
	_, err := svc.Quote(context.Background(), QuoteRequest{PickupAddress: "Oulu"})
	var ie *InputError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InputError, got %v", err)
	}
}

func TestCreateOrderWithDiscount(t *testing.T) {
	svc, _, discounts := newTestService(100)
	d := discount.Discount{
		Name: "ten off", Scope: discount.ScopeGlobal,
		Rule: discount.Percentage{Percent: 10}, Active: true,
	}
	if err := discounts.CreateDiscount(context.Background(), &d); err != nil {
		t.Fatal(err)
	}

	o, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: 1, PickupAddress: "Oulu", DropoffAddress: "Kuopio",
	})
	if err != nil {
		t.Fatal(err)
	}
	if o.ID == 0 || o.Status != models.StatusNew {
		t.Fatalf("order = %+v", o)
	}
	if o.PriceNet != 48.60 || o.DiscountAmount != 5.40 {
		t.Fatalf("got net=%v discount=%v", o.PriceNet, o.DiscountAmount)
	}
	if len(o.AppliedDiscounts) != 1 || o.AppliedDiscounts[0].DiscountID != d.ID {
		t.Fatalf("applied = %+v", o.AppliedDiscounts)
	}

	stored, err := discounts.GetDiscount(context.Background(), d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.CurrentUses != 1 {
		t.Fatalf("current_uses = %d, want 1", stored.CurrentUses)
	}
	uses, _ := svc.Ledger.UserUses(context.Background(), 1)
	if uses[d.ID] != 1 {
		t.Fatalf("ledger uses = %v", uses)
	}
}

func TestCreateOrderWithReturnLeg(t *testing.T) {
	svc, store, _ := newTestService(100)
	o, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: 1, PickupAddress: "Oulu", DropoffAddress: "Kuopio", WithReturn: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if o.ReturnOrderID == nil {
		t.Fatal("return order not linked")
	}
	ret, err := store.GetOrder(context.Background(), *o.ReturnOrderID)
	if err != nil {
		t.Fatal(err)
	}
	if !ret.ReturnLeg || ret.ParentOrderID == nil || *ret.ParentOrderID != o.ID {
		t.Fatalf("return order = %+v", ret)
	}
	if ret.PickupAddress != o.DropoffAddress || ret.DropoffAddress != o.PickupAddress {
		t.Fatal("return order addresses not reversed")
	}
	// Return leg is priced 30% off: 54 * 0.7 = 37.80 net.
	if ret.PriceNet != 37.80 {
		t.Fatalf("return net = %v, want 37.80", ret.PriceNet)
	}
}

func TestFirstOrderDiscountOnlyOnce(t *testing.T) {
	svc, _, discounts := newTestService(100)
	d := discount.Discount{
		Name: "welcome", Scope: discount.ScopeFirstOrder,
		Rule: discount.Percentage{Percent: 20}, Active: true,
	}
	if err := discounts.CreateDiscount(context.Background(), &d); err != nil {
		t.Fatal(err)
	}

	first, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: 1, PickupAddress: "Oulu", DropoffAddress: "Kuopio",
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.DiscountAmount == 0 {
		t.Fatal("first order did not get the welcome discount")
	}

	second, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: 1, PickupAddress: "Oulu", DropoffAddress: "Kuopio",
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.DiscountAmount != 0 {
		t.Fatal("second order still got the first-order discount")
	}
}

func TestFullLifecycleWithSideChannels(t *testing.T) {
	svc, store, _ := newTestService(100)
	events := &capturedEvents{}
	notifies := &capturedNotifies{}
	pay := &fakePayments{}
	svc.Events = events
	svc.Notifier = notifies
	svc.Payments = pay
	seedDriver(store, 42)

	ctx := context.Background()
	o, err := svc.CreateOrder(ctx, CreateOrderRequest{UserID: 1, PickupAddress: "Oulu", DropoffAddress: "Kuopio"})
	if err != nil {
		t.Fatal(err)
	}
	if o, err = svc.Confirm(ctx, o.ID); err != nil {
		t.Fatal(err)
	}
	if pay.holds != 1 || o.PaymentRef == "" {
		t.Fatalf("expected payment hold, got holds=%d ref=%q", pay.holds, o.PaymentRef)
	}
	if o, err = svc.AssignDriver(ctx, o.ID, 42); err != nil {
		t.Fatal(err)
	}
	if _, err = svc.DriverAction(ctx, o.ID, 42, lifecycle.ActionDriverArrived); err != nil {
		t.Fatal(err)
	}
	if o, err = svc.AddImage(ctx, o.ID, 42, models.SlotPickup, "/img/p1.jpg"); err != nil {
		t.Fatal(err)
	}
	if o.Status != models.StatusPickupImagesAdded {
		t.Fatalf("first image did not advance status: %s", o.Status)
	}
	if _, err = svc.DriverAction(ctx, o.ID, 42, lifecycle.ActionStartTransit); err != nil {
		t.Fatal(err)
	}
	if _, err = svc.DriverAction(ctx, o.ID, 42, lifecycle.ActionArriveDelivery); err != nil {
		t.Fatal(err)
	}
	if _, err = svc.AddImage(ctx, o.ID, 42, models.SlotDelivery, "/img/d1.jpg"); err != nil {
		t.Fatal(err)
	}
	if o, err = svc.DriverAction(ctx, o.ID, 42, lifecycle.ActionComplete); err != nil {
		t.Fatal(err)
	}
	if o.Status != models.StatusDelivered {
		t.Fatalf("status = %s", o.Status)
	}
	if pay.captures != 1 {
		t.Fatalf("expected capture on delivery, got %d", pay.captures)
	}
	if len(events.events) == 0 || events.events[len(events.events)-1].Status != models.StatusDelivered {
		t.Fatalf("events = %+v", events.events)
	}
	if len(notifies.updates[42]) == 0 {
		t.Fatal("driver was never notified")
	}
}

func TestConfirmFailsWhenHoldFails(t *testing.T) {
	svc, _, _ := newTestService(100)
	svc.Payments = &fakePayments{failHold: true}
	o, err := svc.CreateOrder(context.Background(), CreateOrderRequest{UserID: 1, PickupAddress: "a", DropoffAddress: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Confirm(context.Background(), o.ID); err == nil {
		t.Fatal("expected confirm to fail when the hold fails")
	}
	// The order must still be NEW.
	got, _ := svc.GetOrder(context.Background(), o.ID)
	if got.Status != models.StatusNew {
		t.Fatalf("status = %s, want NEW", got.Status)
	}
}

func TestCancelReleasesHold(t *testing.T) {
	svc, _, _ := newTestService(100)
	pay := &fakePayments{}
	svc.Payments = pay
	ctx := context.Background()
	o, _ := svc.CreateOrder(ctx, CreateOrderRequest{UserID: 1, PickupAddress: "a", DropoffAddress: "b"})
	o, _ = svc.Confirm(ctx, o.ID)
	if _, err := svc.Cancel(ctx, o.ID); err != nil {
		t.Fatal(err)
	}
	if pay.cancels != 1 {
		t.Fatalf("cancels = %d, want 1", pay.cancels)
	}
}

func TestAssignDriverChecks(t *testing.T) {
	svc, store, _ := newTestService(100)
	ctx := context.Background()
	o, _ := svc.CreateOrder(ctx, CreateOrderRequest{UserID: 1, PickupAddress: "a", DropoffAddress: "b"})
	o, _ = svc.Confirm(ctx, o.ID)

	// Unknown user.
	if _, err := svc.AssignDriver(ctx, o.ID, 99); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// Not a driver.
	store.PutUser(&models.User{ID: 5, Role: models.RoleCustomer, Status: "active"})
	if _, err := svc.AssignDriver(ctx, o.ID, 5); err == nil {
		t.Fatal("customer accepted as driver")
	}
	// Pending driver account.
	store.PutUser(&models.User{ID: 6, Role: models.RoleDriver, Status: "pending"})
	if _, err := svc.AssignDriver(ctx, o.ID, 6); err == nil {
		t.Fatal("pending driver accepted")
	}
	// A second assignment must be rejected.
	seedDriver(store, 42)
	if _, err := svc.AssignDriver(ctx, o.ID, 42); err != nil {
		t.Fatal(err)
	}
	seedDriver(store, 43)
	if _, err := svc.AssignDriver(ctx, o.ID, 43); err == nil {
		t.Fatal("reassignment accepted")
	}
}

func TestDriverActionOwnership(t *testing.T) {
	svc, store, _ := newTestService(100)
	ctx := context.Background()
	seedDriver(store, 42)
	seedDriver(store, 43)
	o, _ := svc.CreateOrder(ctx, CreateOrderRequest{UserID: 1, PickupAddress: "a", DropoffAddress: "b"})
	o, _ = svc.Confirm(ctx, o.ID)
	o, _ = svc.AssignDriver(ctx, o.ID, 42)

	if _, err := svc.DriverAction(ctx, o.ID, 43, lifecycle.ActionDriverArrived); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestImageCapAndRemoval(t *testing.T) {
	svc, store, _ := newTestService(100)
	ctx := context.Background()
	seedDriver(store, 42)
	o, _ := svc.CreateOrder(ctx, CreateOrderRequest{UserID: 1, PickupAddress: "a", DropoffAddress: "b"})
	o, _ = svc.Confirm(ctx, o.ID)
	o, _ = svc.AssignDriver(ctx, o.ID, 42)
	o, _ = svc.DriverAction(ctx, o.ID, 42, lifecycle.ActionDriverArrived)

	for i := 0; i < models.MaxImagesPerSlot; i++ {
		if o, _ = svc.AddImage(ctx, o.ID, 42, models.SlotPickup, "/img/p.jpg"); o == nil {
			t.Fatal("upload failed")
		}
	}
	if _, err := svc.AddImage(ctx, o.ID, 42, models.SlotPickup, "/img/p16.jpg"); err == nil {
		t.Fatal("16th image accepted")
	}

	victim := o.Images.Pickup[4]
	o, err := svc.RemoveImage(ctx, o.ID, 42, models.SlotPickup, victim.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(o.Images.Pickup) != models.MaxImagesPerSlot-1 {
		t.Fatalf("len = %d", len(o.Images.Pickup))
	}
	for i, img := range o.Images.Pickup {
		if img.Order != i+1 {
			t.Fatalf("image %d has order %d, want %d", i, img.Order, i+1)
		}
	}
}

func TestUpdateStatusByTarget(t *testing.T) {
	svc, _, _ := newTestService(100)
	ctx := context.Background()
	o, _ := svc.CreateOrder(ctx, CreateOrderRequest{UserID: 1, PickupAddress: "a", DropoffAddress: "b"})

	got, err := svc.UpdateStatus(ctx, o.ID, models.StatusConfirmed)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusConfirmed {
		t.Fatalf("status = %s", got.Status)
	}
	var terr *lifecycle.TransitionError
	if _, err := svc.UpdateStatus(ctx, o.ID, models.StatusDelivered); !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	var ie *InputError
	if _, err := svc.UpdateStatus(ctx, o.ID, "BOGUS"); !errors.As(err, &ie) {
		t.Fatalf("expected InputError for unknown status, got %v", err)
	}
}

func TestDriverViewsStripPricing(t *testing.T) {
	svc, store, _ := newTestService(100)
	ctx := context.Background()
	seedDriver(store, 42)
	o, _ := svc.CreateOrder(ctx, CreateOrderRequest{UserID: 1, PickupAddress: "a", DropoffAddress: "b"})
	o, _ = svc.Confirm(ctx, o.ID)
	if _, err := svc.AssignDriver(ctx, o.ID, 42); err != nil {
		t.Fatal(err)
	}

	list, err := svc.ListDriverOrders(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("len = %d", len(list))
	}
	if list[0].PriceGross != 0 || list[0].PriceNet != 0 || list[0].AppliedDiscounts != nil {
		t.Fatalf("driver view leaks pricing: %+v", list[0])
	}
	// 70% of the 54.00 net.
	if list[0].DriverReward != 37.80 {
		t.Fatalf("driver reward = %v", list[0].DriverReward)
	}

	// Customer view keeps pricing.
	mine, _ := svc.ListUserOrders(ctx, 1)
	if mine[0].PriceGross == 0 {
		t.Fatal("customer view lost pricing")
	}
}

func TestAvailableOrdersListsUnassignedConfirmed(t *testing.T) {
	svc, store, _ := newTestService(100)
	ctx := context.Background()
	seedDriver(store, 42)

	a, _ := svc.CreateOrder(ctx, CreateOrderRequest{UserID: 1, PickupAddress: "a", DropoffAddress: "b"})
	b, _ := svc.CreateOrder(ctx, CreateOrderRequest{UserID: 1, PickupAddress: "a", DropoffAddress: "b"})
	a, _ = svc.Confirm(ctx, a.ID)
	b, _ = svc.Confirm(ctx, b.ID)
	if _, err := svc.AssignDriver(ctx, b.ID, 42); err != nil {
		t.Fatal(err)
	}

	avail, err := svc.ListAvailableOrders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(avail) != 1 || avail[0].ID != a.ID {
		t.Fatalf("available = %+v", avail)
	}
	if avail[0].PriceGross != 0 {
		t.Fatal("available list leaks pricing")
	}
}

func TestQuoteUnavailableRouting(t *testing.T) {
	svc, _, _ := newTestService(0)
	svc.Resolver = &fakeResolver{err: errors.New("geocoder down")}
	_, err := svc.Quote(context.Background(), QuoteRequest{PickupAddress: "a", DropoffAddress: "b"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestPromoCodeValidation(t *testing.T) {
	svc, _, discounts := newTestService(100)
	ctx := context.Background()
	d := discount.Discount{
		Name: "summer", Scope: discount.ScopeCode, Code: "SUMMER",
		Rule: discount.Percentage{Percent: 10}, Active: true,
	}
	if err := discounts.CreateDiscount(ctx, &d); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.ValidatePromoCode(ctx, " summer "); err != nil {
		t.Fatalf("normalized code rejected: %v", err)
	}
	var verr *discount.ValidationError
	if _, err := svc.ValidatePromoCode(ctx, "NOPE"); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	// The code discount applies through a discounted quote.
	uid := int64(1)
	res, err := svc.QuoteWithDiscounts(ctx, QuoteRequest{
		PickupAddress: "Oulu", DropoffAddress: "Kuopio", UserID: &uid, PromoCode: "summer",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Breakdown == nil || len(res.Applied) != 1 {
		t.Fatalf("discounts = %+v", res.Breakdown)
	}
}

func TestDiscountStatsAndDeactivation(t *testing.T) {
	svc, _, _ := newTestService(100)
	ctx := context.Background()
	d := &discount.Discount{
		Name: "ten off", Scope: discount.ScopeGlobal,
		Rule: discount.Percentage{Percent: 10}, Active: true,
	}
	if err := svc.CreateDiscount(ctx, d); err != nil {
		t.Fatal(err)
	}

	for userID := int64(1); userID <= 2; userID++ {
		if _, err := svc.CreateOrder(ctx, CreateOrderRequest{
			UserID: userID, PickupAddress: "a", DropoffAddress: "b",
		}); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := svc.DiscountStats(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Uses != 2 || stats.UniqueUsers != 2 || stats.TotalSaved != 10.80 {
		t.Fatalf("stats = %+v", stats)
	}

	if _, err := svc.DeactivateDiscount(ctx, d.ID); err != nil {
		t.Fatal(err)
	}
	o, err := svc.CreateOrder(ctx, CreateOrderRequest{
		UserID: 3, PickupAddress: "a", DropoffAddress: "b",
	})
	if err != nil {
		t.Fatal(err)
	}
	if o.DiscountAmount != 0 {
		t.Fatal("deactivated discount still applied")
	}
}

func TestCreateDiscountValidation(t *testing.T) {
	svc, _, _ := newTestService(100)
	ctx := context.Background()

	var ie *InputError
	err := svc.CreateDiscount(ctx, &discount.Discount{Scope: discount.ScopeGlobal, Rule: discount.Percentage{Percent: 5}})
	if !errors.As(err, &ie) {
		t.Fatalf("nameless discount accepted: %v", err)
	}
	err = svc.CreateDiscount(ctx, &discount.Discount{Name: "x", Scope: discount.ScopeCode, Rule: discount.Percentage{Percent: 5}})
	if !errors.As(err, &ie) {
		t.Fatalf("codeless code discount accepted: %v", err)
	}

	d := &discount.Discount{Name: "x", Scope: discount.ScopeCode, Code: " summer ", Rule: discount.Percentage{Percent: 5}, Active: true}
	if err := svc.CreateDiscount(ctx, d); err != nil {
		t.Fatal(err)
	}
	if d.Code != "SUMMER" {
		t.Fatalf("code = %q", d.Code)
	}
}

func TestUpdateDiscountKeepsUsageAndCreation(t *testing.T) {
	svc, _, discounts := newTestService(100)
	ctx := context.Background()
	created := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time { return created }

	adminID := int64(7)
	d := &discount.Discount{
		Name: "ten off", Scope: discount.ScopeGlobal,
		Rule: discount.Percentage{Percent: 10}, Active: true,
		CreatedBy: &adminID,
	}
	if err := svc.CreateDiscount(ctx, d); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateOrder(ctx, CreateOrderRequest{
		UserID: 1, PickupAddress: "a", DropoffAddress: "b",
	}); err != nil {
		t.Fatal(err)
	}

	// An admin edit carries no usage count or creation metadata; the
	// replace must not wipe what the server tracks.
	svc.Now = func() time.Time { return created.Add(24 * time.Hour) }
	edit := &discount.Discount{
		ID: d.ID, Name: "fifteen off", Scope: discount.ScopeGlobal,
		Rule: discount.Percentage{Percent: 15}, Active: true,
	}
	if err := svc.UpdateDiscount(ctx, edit); err != nil {
		t.Fatal(err)
	}

	stored, err := discounts.GetDiscount(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Name != "fifteen off" {
		t.Fatalf("name = %q", stored.Name)
	}
	if stored.CurrentUses != 1 {
		t.Fatalf("current_uses = %d, want 1", stored.CurrentUses)
	}
	if !stored.CreatedAt.Equal(created) || stored.CreatedBy == nil || *stored.CreatedBy != adminID {
		t.Fatalf("creation metadata lost: %v / %v", stored.CreatedAt, stored.CreatedBy)
	}
	if !stored.UpdatedAt.After(created) {
		t.Fatalf("updated_at = %v", stored.UpdatedAt)
	}
}

func TestCreateOrderTimestamps(t *testing.T) {
	svc, _, _ := newTestService(100)
	fixed := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time { return fixed }
	o, err := svc.CreateOrder(context.Background(), CreateOrderRequest{UserID: 1, PickupAddress: "a", DropoffAddress: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if !o.CreatedAt.Equal(fixed) || !o.UpdatedAt.Equal(fixed) {
		t.Fatalf("timestamps = %v / %v", o.CreatedAt, o.UpdatedAt)
	}
}
