package model

import (
	"strings"
	"time"
)

type OrderStatus string

const (
	OrderStatusCart                 OrderStatus = "cart"
	OrderStatusIntentCreated        OrderStatus = "intent_created"
	OrderStatusAwaitingConfirmation OrderStatus = "awaiting_confirmation"
	OrderStatusPaid                 OrderStatus = "paid"
	OrderStatusFailed               OrderStatus = "failed"
	OrderStatusExpired              OrderStatus = "expired"
)

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusPaid, OrderStatusFailed, OrderStatusExpired:
		return true
	}
	return false
}

type ItemKind string

const (
	ItemKindCamp     ItemKind = "camp"
	ItemKindTraining ItemKind = "training"
)

// Order is the single checkout aggregate. Camp registrations and training
// sessions are both line items of one order with one status.
type Order struct {
	ID                string      `db:"id" json:"id"`
	CustomerID        int64       `db:"customer_id" json:"customer_id"`
	Status            OrderStatus `db:"status" json:"status"`
	Currency          string      `db:"currency" json:"currency"`
	Subtotal          int64       `db:"subtotal" json:"subtotal"`
	SiblingDiscount   int64       `db:"sibling_discount" json:"sibling_discount"`
	TeamDiscount      int64       `db:"team_discount" json:"team_discount"`
	MultiweekDiscount int64       `db:"multiweek_discount" json:"multiweek_discount"`
	ReferralDiscount  int64       `db:"referral_discount" json:"referral_discount"`
	BundleDiscount    int64       `db:"bundle_discount" json:"bundle_discount"`
	DiscountTotal     int64       `db:"discount_total" json:"discount_total"`
	ProcessingFee     int64       `db:"processing_fee" json:"processing_fee"`
	Total             int64       `db:"total" json:"total"`
	ReferralCode      string      `db:"referral_code" json:"referral_code,omitempty"`
	BundleID          string      `db:"bundle_id" json:"bundle_id,omitempty"`
	PaymentProvider   string      `db:"payment_provider" json:"payment_provider"`
	PaymentIntentID   string      `db:"payment_intent_id" json:"payment_intent_id,omitempty"`
	ClientSecret      string      `db:"client_secret" json:"client_secret,omitempty"`
	LastPaymentError  string      `db:"last_payment_error" json:"last_payment_error,omitempty"`
	ExpiresAt         *time.Time  `db:"expires_at" json:"expires_at,omitempty"`
	PaidAt            *time.Time  `db:"paid_at" json:"paid_at,omitempty"`
	CreatedAt         time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time   `db:"updated_at" json:"updated_at"`

	Items []OrderItem `db:"-" json:"items"`
}

// HasKind reports whether any item of the given kind is present.
func (o *Order) HasKind(kind ItemKind) bool {
	for i := range o.Items {
		if o.Items[i].Kind == kind {
			return true
		}
	}
	return false
}

// CampSeats counts seats per camp across camp items.
func (o *Order) CampSeats() map[int64]int {
	seats := make(map[int64]int)
	for _, it := range o.Items {
		if it.Kind == ItemKindCamp && it.CampID != nil {
			seats[*it.CampID]++
		}
	}
	return seats
}

type OrderItem struct {
	ID          int64    `db:"id" json:"id"`
	OrderID     string   `db:"order_id" json:"order_id"`
	Kind        ItemKind `db:"kind" json:"kind"`
	CamperKey   string   `db:"camper_key" json:"camper_key"`
	CamperName  string   `db:"camper_name" json:"camper_name"`
	CampID      *int64   `db:"camp_id" json:"camp_id,omitempty"`
	TrainerID   *int64   `db:"trainer_id" json:"trainer_id,omitempty"`
	SessionDate string   `db:"session_date" json:"session_date,omitempty"`
	StartTime   string   `db:"start_time" json:"start_time,omitempty"`
	EndTime     string   `db:"end_time" json:"end_time,omitempty"`
	BasePrice   int64    `db:"base_price" json:"base_price"`
	AddOns      string   `db:"add_ons" json:"add_ons,omitempty"` // comma separated
	AddOnTotal  int64    `db:"add_on_total" json:"add_on_total"`
	Discount    int64    `db:"discount" json:"discount"`
	LineTotal   int64    `db:"line_total" json:"line_total"`
	BookingID   *int64   `db:"booking_id" json:"booking_id,omitempty"`
}

// AddOnList splits the stored add-on names.
func (it *OrderItem) AddOnList() []string {
	if it.AddOns == "" {
		return nil
	}
	return strings.Split(it.AddOns, ",")
}
