package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"ptp/internal/model"
)

// ActiveBookings lists non-cancelled bookings for a trainer on one date.
func (db *DB) ActiveBookings(ctx context.Context, trainerID int64, date string) ([]model.Booking, error) {
	var list []model.Booking
	err := db.SelectContext(ctx, &list, db.Rebind(`SELECT * FROM bookings
		WHERE trainer_id = ? AND session_date = ? AND status <> 'cancelled'
		ORDER BY start_time`), trainerID, date)
	if err != nil {
		return nil, fmt.Errorf("list active bookings: %w", err)
	}
	return list, nil
}

func (db *DB) GetBooking(ctx context.Context, id int64) (*model.Booking, error) {
	var b model.Booking
	err := db.GetContext(ctx, &b, db.Rebind("SELECT * FROM bookings WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (db *DB) BookingsByOrder(ctx context.Context, orderID string) ([]model.Booking, error) {
	var list []model.Booking
	err := db.SelectContext(ctx, &list,
		db.Rebind("SELECT * FROM bookings WHERE order_id = ? ORDER BY session_date, start_time"), orderID)
	return list, err
}

// BookingsBetween returns bookings with session dates in [from, to] and the given status.
func (db *DB) BookingsBetween(ctx context.Context, from, to, status string) ([]model.Booking, error) {
	var list []model.Booking
	err := db.SelectContext(ctx, &list, db.Rebind(`SELECT * FROM bookings
		WHERE session_date >= ? AND session_date <= ? AND status = ?
		ORDER BY session_date, start_time, trainer_id`), from, to, status)
	return list, err
}

// UpcomingUnreminded lists confirmed bookings on the given dates that have
// not had a reminder yet.
func (db *DB) UpcomingUnreminded(ctx context.Context, dates []string) ([]model.Booking, error) {
	if len(dates) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM bookings
		WHERE status = 'confirmed' AND reminder_sent_at IS NULL AND session_date IN (?)
		ORDER BY session_date, start_time`, dates)
	if err != nil {
		return nil, err
	}
	var list []model.Booking
	if err := db.SelectContext(ctx, &list, db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return list, nil
}

func (db *DB) MarkReminderSent(ctx context.Context, bookingID int64, at time.Time) error {
	_, err := db.ExecContext(ctx, db.Rebind(`UPDATE bookings SET reminder_sent_at = ?, updated_at = ?
		WHERE id = ? AND reminder_sent_at IS NULL`), at.UTC(), at.UTC(), bookingID)
	return err
}

// UpdateBookingStatus moves a booking between post-payment states
// (confirmed, completed, no_show, cancelled).
func (db *DB) UpdateBookingStatus(ctx context.Context, bookingID int64, from []string, to string) error {
	query, args, err := sqlx.In("UPDATE bookings SET status = ?, updated_at = ? WHERE id = ? AND status IN (?)",
		to, time.Now().UTC(), bookingID, from)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := db.GetBooking(ctx, bookingID); err != nil {
			return err
		}
		return ErrStatusChanged
	}
	return nil
}

// insertBooking reserves the slot inside tx. The caller must hold the
// trainer lock. Overlaps with any live booking, and the unique slot index,
// both surface as ErrSlotTaken.
func insertBooking(ctx context.Context, tx *sqlx.Tx, b *model.Booking) error {
	start, end, err := b.Interval()
	if err != nil {
		return fmt.Errorf("booking interval: %w", err)
	}

	var existing []model.Booking
	if err := tx.SelectContext(ctx, &existing, tx.Rebind(`SELECT * FROM bookings
		WHERE trainer_id = ? AND session_date = ? AND status <> 'cancelled'`),
		b.TrainerID, b.SessionDate); err != nil {
		return fmt.Errorf("check overlap: %w", err)
	}
	for i := range existing {
		if existing[i].OverlapsWith(start, end) {
			return ErrSlotTaken
		}
	}

	err = tx.QueryRowxContext(ctx, tx.Rebind(`INSERT INTO bookings
		(order_id, customer_id, trainer_id, player_name, session_date, start_time, end_time,
		 amount, trainer_payout, platform_fee, status, payment_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		b.OrderID, b.CustomerID, b.TrainerID, b.PlayerName, b.SessionDate, b.StartTime, b.EndTime,
		b.Amount, b.TrainerPayout, b.PlatformFee, b.Status, b.PaymentStatus, b.CreatedAt, b.UpdatedAt).Scan(&b.ID)
	if isUniqueViolation(err) {
		return ErrSlotTaken
	}
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}
