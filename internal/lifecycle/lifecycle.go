// Package lifecycle holds the order state machine. Every status change in
// the system goes through Apply so the transition table is the single
// source of truth for what moves are legal.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/example/transport-broker/internal/models"
)

// Action is a lifecycle event requested by a customer, driver or admin.
type Action string

const (
	ActionConfirm          Action = "confirm"
	ActionAssignDriver     Action = "assign_driver"
	ActionDriverArrived    Action = "driver_arrived"
	ActionAddPickupImage   Action = "add_pickup_image"
	ActionStartTransit     Action = "start_transit"
	ActionArriveDelivery   Action = "arrive_delivery"
	ActionAddDeliveryImage Action = "add_delivery_image"
	ActionComplete         Action = "complete"
	ActionCancel           Action = "cancel"
)

// TransitionError reports an action attempted from the wrong status.
type TransitionError struct {
	Current  models.Status
	Action   Action
	Required []models.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("lifecycle: cannot %s from %s (requires %v)", e.Action, e.Current, e.Required)
}

// transitions is the full state x action table. Self-loops on the image
// statuses let repeat uploads land without a status change.
var transitions = map[models.Status]map[Action]models.Status{
	models.StatusNew: {
		ActionConfirm: models.StatusConfirmed,
		ActionCancel:  models.StatusCancelled,
	},
	models.StatusConfirmed: {
		ActionAssignDriver: models.StatusAssignedToDriver,
		ActionCancel:       models.StatusCancelled,
	},
	models.StatusAssignedToDriver: {
		ActionDriverArrived: models.StatusDriverArrived,
		ActionCancel:        models.StatusCancelled,
	},
	models.StatusDriverArrived: {
		ActionAddPickupImage: models.StatusPickupImagesAdded,
		ActionCancel:         models.StatusCancelled,
	},
	models.StatusPickupImagesAdded: {
		ActionAddPickupImage: models.StatusPickupImagesAdded,
		ActionStartTransit:   models.StatusInTransit,
		ActionCancel:         models.StatusCancelled,
	},
	models.StatusInTransit: {
		ActionArriveDelivery: models.StatusDeliveryArrived,
		ActionCancel:         models.StatusCancelled,
	},
	models.StatusDeliveryArrived: {
		ActionAddDeliveryImage: models.StatusDeliveryImagesAdded,
		ActionCancel:           models.StatusCancelled,
	},
	models.StatusDeliveryImagesAdded: {
		ActionAddDeliveryImage: models.StatusDeliveryImagesAdded,
		ActionComplete:         models.StatusDelivered,
		ActionCancel:           models.StatusCancelled,
	},
}

// Next returns the status an action leads to from the current one.
func Next(current models.Status, action Action) (models.Status, error) {
	if row, ok := transitions[current]; ok {
		if next, ok := row[action]; ok {
			return next, nil
		}
	}
	return "", &TransitionError{
		Current:  current,
		Action:   action,
		Required: RequiredFor(action),
	}
}

// RequiredFor lists the statuses an action is legal from, in lifecycle
// order. Used to build actionable error messages.
func RequiredFor(action Action) []models.Status {
	var out []models.Status
	for _, s := range models.AllStatuses {
		if row, ok := transitions[s]; ok {
			if _, ok := row[action]; ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// Apply advances the order and stamps the stage timestamp for the new
// status. Timestamps are append-only: a stamp already set is never
// overwritten, so the first transition into a stage wins.
func Apply(o *models.Order, action Action, now time.Time) error {
	next, err := Next(o.Status, action)
	if err != nil {
		return err
	}
	o.Status = next
	o.UpdatedAt = now
	stamp(o, next, now)
	return nil
}

func stamp(o *models.Order, status models.Status, now time.Time) {
	set := func(field **time.Time) {
		if *field == nil {
			t := now
			*field = &t
		}
	}
	switch status {
	case models.StatusAssignedToDriver:
		set(&o.AssignedAt)
	case models.StatusDriverArrived:
		set(&o.ArrivalTime)
	case models.StatusInTransit:
		set(&o.PickupStarted)
	case models.StatusDeliveryArrived:
		set(&o.DeliveryArrivalTime)
	case models.StatusDelivered:
		set(&o.DeliveryCompleted)
	case models.StatusCancelled:
		set(&o.CancelledAt)
	}
}

// CanUploadImage reports whether an image may be added to the given slot
// at the order's current status. Uploading the first image into a slot is
// itself a transition, so the pre-image status is also allowed.
func CanUploadImage(status models.Status, slot models.ImageSlot) bool {
	switch slot {
	case models.SlotPickup:
		return status == models.StatusDriverArrived || status == models.StatusPickupImagesAdded
	case models.SlotDelivery:
		return status == models.StatusDeliveryArrived || status == models.StatusDeliveryImagesAdded
	}
	return false
}

// ImageAction maps an image slot to its upload action.
func ImageAction(slot models.ImageSlot) Action {
	if slot == models.SlotDelivery {
		return ActionAddDeliveryImage
	}
	return ActionAddPickupImage
}

// ActionForStatus resolves which action moves an order into the target
// status from where it is now. Admin status updates name the target, not
// the action.
func ActionForStatus(current, target models.Status) (Action, error) {
	if row, ok := transitions[current]; ok {
		for action, next := range row {
			if next == target && next != current {
				return action, nil
			}
		}
	}
	return "", &TransitionError{
		Current:  current,
		Action:   Action("set " + string(target)),
		Required: statusesLeadingTo(target),
	}
}

func statusesLeadingTo(target models.Status) []models.Status {
	var out []models.Status
	for _, s := range models.AllStatuses {
		if s == target {
			continue
		}
		if row, ok := transitions[s]; ok {
			for _, next := range row {
				if next == target {
					out = append(out, s)
					break
				}
			}
		}
	}
	return out
}
