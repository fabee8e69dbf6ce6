package models

import "time"

// Status is the customer-visible lifecycle state of an order.
// Transitions between statuses are governed by the lifecycle package.
type Status string

const (
	StatusNew                 Status = "NEW"
	StatusConfirmed           Status = "CONFIRMED"
	StatusAssignedToDriver    Status = "ASSIGNED_TO_DRIVER"
	StatusDriverArrived       Status = "DRIVER_ARRIVED"
	StatusPickupImagesAdded   Status = "PICKUP_IMAGES_ADDED"
	StatusInTransit           Status = "IN_TRANSIT"
	StatusDeliveryArrived     Status = "DELIVERY_ARRIVED"
	StatusDeliveryImagesAdded Status = "DELIVERY_IMAGES_ADDED"
	StatusDelivered           Status = "DELIVERED"
	StatusCancelled           Status = "CANCELLED"
)

// AllStatuses lists every valid status in lifecycle order.
var AllStatuses = []Status{
	StatusNew, StatusConfirmed, StatusAssignedToDriver, StatusDriverArrived,
	StatusPickupImagesAdded, StatusInTransit, StatusDeliveryArrived,
	StatusDeliveryImagesAdded, StatusDelivered, StatusCancelled,
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// ImageSlot names one of the two photo-documentation stages of an order.
type ImageSlot string

const (
	SlotPickup   ImageSlot = "pickup"
	SlotDelivery ImageSlot = "delivery"
)

// Valid reports whether the slot is pickup or delivery.
func (s ImageSlot) Valid() bool { return s == SlotPickup || s == SlotDelivery }

// MaxImagesPerSlot caps how many photos each slot may hold.
const MaxImagesPerSlot = 15

// Image is one uploaded photo attached to an order. Order is a dense 1..N
// sequence within its slot, renumbered when an image is removed.
type Image struct {
	ID         string    `bson:"id" json:"id"`
	Path       string    `bson:"path" json:"path"`
	Order      int       `bson:"order" json:"order"`
	UploadedAt time.Time `bson:"uploaded_at" json:"uploaded_at"`
}

// ImageSet holds the two ordered image lists of an order.
type ImageSet struct {
	Pickup   []Image `bson:"pickup" json:"pickup"`
	Delivery []Image `bson:"delivery" json:"delivery"`
}

// Slot returns the list for the given slot.
func (is *ImageSet) Slot(slot ImageSlot) []Image {
	if slot == SlotDelivery {
		return is.Delivery
	}
	return is.Pickup
}

// SetSlot replaces the list for the given slot.
func (is *ImageSet) SetSlot(slot ImageSlot, imgs []Image) {
	if slot == SlotDelivery {
		is.Delivery = imgs
		return
	}
	is.Pickup = imgs
}

// DiscountLine is one discount as recorded on an order after application.
type DiscountLine struct {
	DiscountID       int64   `bson:"discount_id" json:"discount_id"`
	Name             string  `bson:"name" json:"name"`
	Type             string  `bson:"type" json:"type"`
	Amount           float64 `bson:"amount" json:"amount"`
	HideFromCustomer bool    `bson:"hide_from_customer" json:"hide_from_customer,omitempty"`
}

// Trip types for linked outbound/return order pairs.
const (
	TripOutbound = "outbound"
	TripReturn   = "return"
)

// Order is one transport job: a vehicle moved from pickup to dropoff.
type Order struct {
	ID     int64  `bson:"id" json:"id"`
	UserID int64  `bson:"user_id" json:"user_id"`
	Status Status `bson:"status" json:"status"`

	PickupAddress  string  `bson:"pickup_address" json:"pickup_address"`
	DropoffAddress string  `bson:"dropoff_address" json:"dropoff_address"`
	DistanceKM     float64 `bson:"distance_km" json:"distance_km"`

	PriceNet   float64 `bson:"price_net,omitempty" json:"price_net,omitempty"`
	PriceVAT   float64 `bson:"price_vat,omitempty" json:"price_vat,omitempty"`
	PriceGross float64 `bson:"price_gross,omitempty" json:"price_gross,omitempty"`

	DiscountAmount   float64        `bson:"discount_amount,omitempty" json:"discount_amount,omitempty"`
	AppliedDiscounts []DiscountLine `bson:"applied_discounts,omitempty" json:"applied_discounts,omitempty"`

	DriverID     *int64  `bson:"driver_id,omitempty" json:"driver_id,omitempty"`
	DriverReward float64 `bson:"driver_reward,omitempty" json:"driver_reward,omitempty"`

	Images ImageSet `bson:"images" json:"images"`

	RegNumber      string `bson:"reg_number,omitempty" json:"reg_number,omitempty"`
	WinterTires    bool   `bson:"winter_tires" json:"winter_tires"`
	AdditionalInfo string `bson:"additional_info,omitempty" json:"additional_info,omitempty"`
	PickupDate     string `bson:"pickup_date,omitempty" json:"pickup_date,omitempty"`

	// Linked return-leg orders: a return order points at its outbound
	// parent and is priced with the return-leg discount.
	ReturnLeg     bool   `bson:"return_leg,omitempty" json:"return_leg,omitempty"`
	TripType      string `bson:"trip_type,omitempty" json:"trip_type,omitempty"`
	ParentOrderID *int64 `bson:"parent_order_id,omitempty" json:"parent_order_id,omitempty"`
	ReturnOrderID *int64 `bson:"return_order_id,omitempty" json:"return_order_id,omitempty"`

	PaymentRef string `bson:"payment_ref,omitempty" json:"-"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`

	// Stage timestamps, set once by the matching transition and never
	// overwritten afterwards.
	AssignedAt          *time.Time `bson:"assigned_at,omitempty" json:"assigned_at,omitempty"`
	ArrivalTime         *time.Time `bson:"arrival_time,omitempty" json:"arrival_time,omitempty"`
	PickupStarted       *time.Time `bson:"pickup_started,omitempty" json:"pickup_started,omitempty"`
	DeliveryArrivalTime *time.Time `bson:"delivery_arrival_time,omitempty" json:"delivery_arrival_time,omitempty"`
	DeliveryCompleted   *time.Time `bson:"delivery_completed,omitempty" json:"delivery_completed,omitempty"`
	CancelledAt         *time.Time `bson:"cancelled_at,omitempty" json:"cancelled_at,omitempty"`
}

// StripPricing zeroes the customer pricing fields. Driver-facing reads go
// through this so drivers never see what the customer pays.
func (o *Order) StripPricing() {
	o.PriceNet = 0
	o.PriceVAT = 0
	o.PriceGross = 0
	o.DiscountAmount = 0
	o.AppliedDiscounts = nil
}

// User roles.
const (
	RoleCustomer = "customer"
	RoleDriver   = "driver"
	RoleAdmin    = "admin"
)

// User is a customer, driver or admin account. Only the fields relevant to
// pricing and lifecycle decisions are modelled here.
type User struct {
	ID     int64  `bson:"id" json:"id"`
	Name   string `bson:"name" json:"name"`
	Email  string `bson:"email" json:"email"`
	Phone  string `bson:"phone,omitempty" json:"phone,omitempty"`
	Role   string `bson:"role" json:"role"`
	Status string `bson:"status" json:"status"` // pending or active
}

// ActiveAccount reports whether the account has been activated.
func (u *User) ActiveAccount() bool { return u.Status == "active" }

// OrderEvent is published to the event stream on creation and on every
// status transition.
type OrderEvent struct {
	OrderID  int64     `json:"order_id"`
	Status   Status    `json:"status"`
	DriverID *int64    `json:"driver_id,omitempty"`
	At       time.Time `json:"at"`
}
