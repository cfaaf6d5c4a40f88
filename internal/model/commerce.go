package model

import "time"

type Camp struct {
	ID         int64     `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	WeekStart  string    `db:"week_start" json:"week_start"`
	Price      int64     `db:"price" json:"price"`
	Capacity   int       `db:"capacity" json:"capacity"`
	SeatsTaken int       `db:"seats_taken" json:"seats_taken"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// SeatsLeft returns remaining capacity, never negative.
func (c *Camp) SeatsLeft() int {
	if left := c.Capacity - c.SeatsTaken; left > 0 {
		return left
	}
	return 0
}

// ReferralCode is issued once per paid order.
type ReferralCode struct {
	ID             int64      `db:"id" json:"id"`
	Code           string     `db:"code" json:"code"`
	OrderID        string     `db:"order_id" json:"order_id"`
	CustomerID     int64      `db:"customer_id" json:"customer_id"`
	DiscountAmount int64      `db:"discount_amount" json:"discount_amount"`
	Uses           int        `db:"uses" json:"uses"`
	MaxUses        int        `db:"max_uses" json:"max_uses"`
	DiscountGiven  int64      `db:"discount_given" json:"discount_given"`
	ExpiresAt      *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// IsUsable reports whether the code is unexpired and under its use cap.
// MaxUses of zero means unlimited.
func (r *ReferralCode) IsUsable(now time.Time) bool {
	if r == nil || r.Code == "" {
		return false
	}
	if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
		return false
	}
	return r.MaxUses <= 0 || r.Uses < r.MaxUses
}

const (
	BundleStatusActive    = "active"
	BundleStatusPartial   = "partial"
	BundleStatusCompleted = "completed"
	BundleStatusAbandoned = "abandoned"
	BundleStatusCancelled = "cancelled"
)

// Bundle links a pending training selection to a checkout session so the
// cross-product discount can be applied before payment.
type Bundle struct {
	ID          string    `db:"id" json:"id"`
	SessionID   string    `db:"session_id" json:"session_id"`
	CustomerID  int64     `db:"customer_id" json:"customer_id"`
	TrainerID   int64     `db:"trainer_id" json:"trainer_id"`
	SessionDate string    `db:"session_date" json:"session_date"`
	StartTime   string    `db:"start_time" json:"start_time"`
	Duration    int       `db:"duration" json:"duration"` // minutes
	Package     string    `db:"package" json:"package"`
	Amount      int64     `db:"amount" json:"amount"`
	OrderID     string    `db:"order_id" json:"order_id,omitempty"`
	Status      string    `db:"status" json:"status"`
	ExpiresAt   time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// IsOpen reports whether the bundle can still join a checkout.
func (b *Bundle) IsOpen(now time.Time) bool {
	if b.Status != BundleStatusActive && b.Status != BundleStatusPartial {
		return false
	}
	return now.Before(b.ExpiresAt)
}

const (
	ReconKindFinalize        = "finalize"
	ReconKindPaidAfterExpiry = "paid_after_expiry"
	ReconKindSideEffect      = "side_effect:"

	ReconStatusOpen     = "open"
	ReconStatusResolved = "resolved"
	ReconStatusGaveUp   = "gave_up"
)

// ReconciliationItem records money that moved without the order catching up.
type ReconciliationItem struct {
	ID            int64     `db:"id" json:"id"`
	OrderID       string    `db:"order_id" json:"order_id"`
	Kind          string    `db:"kind" json:"kind"`
	LastError     string    `db:"last_error" json:"last_error"`
	Attempts      int       `db:"attempts" json:"attempts"`
	Status        string    `db:"status" json:"status"`
	NextAttemptAt time.Time `db:"next_attempt_at" json:"next_attempt_at"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}
