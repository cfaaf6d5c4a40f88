package model

import "time"

const (
	BookingStatusPending   = "pending"
	BookingStatusConfirmed = "confirmed"
	BookingStatusCompleted = "completed"
	BookingStatusCancelled = "cancelled"
	BookingStatusNoShow    = "no_show"

	PaymentStatusUnpaid   = "unpaid"
	PaymentStatusPaid     = "paid"
	PaymentStatusRefunded = "refunded"
)

// Booking is the unit that consumes a trainer slot.
type Booking struct {
	ID             int64      `db:"id" json:"id"`
	OrderID        string     `db:"order_id" json:"order_id"`
	CustomerID     int64      `db:"customer_id" json:"customer_id"`
	TrainerID      int64      `db:"trainer_id" json:"trainer_id"`
	PlayerName     string     `db:"player_name" json:"player_name"`
	SessionDate    string     `db:"session_date" json:"session_date"` // YYYY-MM-DD
	StartTime      string     `db:"start_time" json:"start_time"`     // HH:MM
	EndTime        string     `db:"end_time" json:"end_time"`         // HH:MM
	Amount         int64      `db:"amount" json:"amount"`
	TrainerPayout  int64      `db:"trainer_payout" json:"trainer_payout"`
	PlatformFee    int64      `db:"platform_fee" json:"platform_fee"`
	Status         string     `db:"status" json:"status"`
	PaymentStatus  string     `db:"payment_status" json:"payment_status"`
	ReminderSentAt *time.Time `db:"reminder_sent_at" json:"reminder_sent_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Interval returns the booking as minutes since midnight, [start, end).
func (b *Booking) Interval() (start, end int, err error) {
	if start, err = ParseClock(b.StartTime); err != nil {
		return 0, 0, err
	}
	if end, err = ParseClock(b.EndTime); err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// Duration returns the full length of the booked lesson.
func (b *Booking) Duration() time.Duration {
	start, end, err := b.Interval()
	if err != nil || end <= start {
		return 0
	}
	return time.Duration(end-start) * time.Minute
}

// OverlapsWith reports whether [start, end) minutes intersect the booking.
// Half-open: a lesson ending at 10:00 does not overlap one starting at 10:00.
func (b *Booking) OverlapsWith(start, end int) bool {
	bs, be, err := b.Interval()
	if err != nil {
		return false
	}
	return start < be && bs < end
}

// IsActive reports whether the booking still holds its slot.
func (b *Booking) IsActive() bool {
	return b.Status != BookingStatusCancelled
}

// StartsAt resolves the session start in loc.
func (b *Booking) StartsAt(loc *time.Location) (time.Time, error) {
	date, err := ParseDate(b.SessionDate, loc)
	if err != nil {
		return time.Time{}, err
	}
	start, err := ParseClock(b.StartTime)
	if err != nil {
		return time.Time{}, err
	}
	return OnDate(date, start), nil
}
