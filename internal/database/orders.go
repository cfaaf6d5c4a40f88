package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"ptp/internal/model"
)

var ErrBundleUnavailable = errors.New("bundle is no longer open")

// openStatuses are the order states a payment can still complete from.
var openStatuses = []model.OrderStatus{
	model.OrderStatusCart,
	model.OrderStatusIntentCreated,
	model.OrderStatusAwaitingConfirmation,
}

// CreateOrder persists the order, its items and one pending booking per
// training item in a single transaction. bookings is keyed by item index.
func (db *DB) CreateOrder(ctx context.Context, o *model.Order, bookings map[int]*model.Booking) error {
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now

	return db.WithTx(ctx, func(tx *sqlx.Tx) error {
		trainers := make([]int64, 0, len(bookings))
		seen := make(map[int64]bool)
		for _, b := range bookings {
			if !seen[b.TrainerID] {
				seen[b.TrainerID] = true
				trainers = append(trainers, b.TrainerID)
			}
		}
		sort.Slice(trainers, func(i, j int) bool { return trainers[i] < trainers[j] })
		for _, id := range trainers {
			if err := db.lockTrainer(ctx, tx, id); err != nil {
				return fmt.Errorf("lock trainer %d: %w", id, err)
			}
		}

		_, err := tx.NamedExecContext(ctx, `INSERT INTO orders
			(id, customer_id, status, currency, subtotal, sibling_discount, team_discount, multiweek_discount,
			 referral_discount, bundle_discount, discount_total, processing_fee, total, referral_code, bundle_id,
			 payment_provider, payment_intent_id, client_secret, last_payment_error, expires_at, paid_at,
			 created_at, updated_at)
			VALUES
			(:id, :customer_id, :status, :currency, :subtotal, :sibling_discount, :team_discount, :multiweek_discount,
			 :referral_discount, :bundle_discount, :discount_total, :processing_fee, :total, :referral_code, :bundle_id,
			 :payment_provider, :payment_intent_id, :client_secret, :last_payment_error, :expires_at, :paid_at,
			 :created_at, :updated_at)`, o)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		if o.BundleID != "" {
			res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE bundles SET status = ?, order_id = ?, updated_at = ?
				WHERE id = ? AND status = ? AND expires_at > ?`),
				model.BundleStatusPartial, o.ID, now, o.BundleID, model.BundleStatusActive, now)
			if err != nil {
				return fmt.Errorf("attach bundle: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrBundleUnavailable
			}
		}

		for i := range o.Items {
			it := &o.Items[i]
			it.OrderID = o.ID
			if b, ok := bookings[i]; ok {
				b.OrderID = o.ID
				b.CustomerID = o.CustomerID
				b.CreatedAt, b.UpdatedAt = now, now
				if err := insertBooking(ctx, tx, b); err != nil {
					return err
				}
				id := b.ID
				it.BookingID = &id
			}
			err := tx.QueryRowxContext(ctx, tx.Rebind(`INSERT INTO order_items
				(order_id, kind, camper_key, camper_name, camp_id, trainer_id, session_date, start_time, end_time,
				 base_price, add_ons, add_on_total, discount, line_total, booking_id)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
				it.OrderID, it.Kind, it.CamperKey, it.CamperName, it.CampID, it.TrainerID, it.SessionDate,
				it.StartTime, it.EndTime, it.BasePrice, it.AddOns, it.AddOnTotal, it.Discount, it.LineTotal,
				it.BookingID).Scan(&it.ID)
			if err != nil {
				return fmt.Errorf("insert order item %d: %w", i, err)
			}
		}
		return nil
	})
}

// GetOrder loads an order with its items.
func (db *DB) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	err := db.GetContext(ctx, &o, db.Rebind("SELECT * FROM orders WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if err := db.SelectContext(ctx, &o.Items,
		db.Rebind("SELECT * FROM order_items WHERE order_id = ? ORDER BY id"), id); err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	return &o, nil
}

func (db *DB) GetOrderByIntent(ctx context.Context, intentID string) (*model.Order, error) {
	var id string
	err := db.GetContext(ctx, &id, db.Rebind("SELECT id FROM orders WHERE payment_intent_id = ?"), intentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return db.GetOrder(ctx, id)
}

// AttachPaymentIntent records the provider intent and moves cart to intent_created.
func (db *DB) AttachPaymentIntent(ctx context.Context, orderID, provider, intentID, clientSecret string, expiresAt time.Time) error {
	now := time.Now().UTC()
	res, err := db.ExecContext(ctx, db.Rebind(`UPDATE orders SET status = ?, payment_provider = ?, payment_intent_id = ?,
		client_secret = ?, expires_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		model.OrderStatusIntentCreated, provider, intentID, clientSecret, expiresAt.UTC(), now,
		orderID, model.OrderStatusCart)
	if err != nil {
		return fmt.Errorf("attach intent: %w", err)
	}
	return db.checkTransition(ctx, res, orderID)
}

// TransitionOrder moves the order to `to` only if it is currently in one of
// `from`. paymentErr, when set, is stored as the last payment error.
func (db *DB) TransitionOrder(ctx context.Context, orderID string, from []model.OrderStatus, to model.OrderStatus, paymentErr string) error {
	query, args, err := sqlx.In(`UPDATE orders SET status = ?, last_payment_error = ?, updated_at = ?
		WHERE id = ? AND status IN (?)`, to, paymentErr, time.Now().UTC(), orderID, from)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("transition order: %w", err)
	}
	return db.checkTransition(ctx, res, orderID)
}

// CloseOrder moves an unpaid order to failed or expired and frees its slots
// and bundle in the same transaction. A paid order is never touched.
func (db *DB) CloseOrder(ctx context.Context, orderID string, from []model.OrderStatus, to model.OrderStatus, reason string) error {
	now := time.Now().UTC()
	return db.WithTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sqlx.In(`UPDATE orders SET status = ?, last_payment_error = ?, updated_at = ?
			WHERE id = ? AND status IN (?)`, to, reason, now, orderID, from)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return fmt.Errorf("close order: %w", err)
		}
		if err := db.checkTransition(ctx, res, orderID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE bookings SET status = ?, updated_at = ?
			WHERE order_id = ? AND status = ?`),
			model.BookingStatusCancelled, now, orderID, model.BookingStatusPending); err != nil {
			return fmt.Errorf("release bookings: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE bundles SET status = ?, order_id = '', updated_at = ?
			WHERE order_id = ? AND status = ?`),
			model.BundleStatusActive, now, orderID, model.BundleStatusPartial); err != nil {
			return fmt.Errorf("release bundle: %w", err)
		}
		return nil
	})
}

// ExpirableOrders lists unpaid orders whose deadline has passed.
func (db *DB) ExpirableOrders(ctx context.Context, now time.Time, limit int) ([]model.Order, error) {
	query, args, err := sqlx.In(`SELECT * FROM orders
		WHERE status IN (?) AND expires_at IS NOT NULL AND expires_at < ?
		ORDER BY expires_at LIMIT ?`, openStatuses, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	var list []model.Order
	if err := db.SelectContext(ctx, &list, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list expirable orders: %w", err)
	}
	return list, nil
}

// FinalizeResult tells the caller whether this call performed the transition.
type FinalizeResult struct {
	AlreadyPaid bool
	Status      model.OrderStatus
}

// FinalizePaidOrder marks the order paid and commits everything payment
// unlocks: bookings confirmed, camp seats taken, referral usage and bundle
// completion. It runs once per order; later calls report AlreadyPaid.
func (db *DB) FinalizePaidOrder(ctx context.Context, orderID string, paidAt time.Time) (FinalizeResult, error) {
	var result FinalizeResult
	paidAt = paidAt.UTC()

	err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var o model.Order
		if err := tx.GetContext(ctx, &o, tx.Rebind("SELECT * FROM orders WHERE id = ?"), orderID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		result.Status = o.Status
		if o.Status == model.OrderStatusPaid {
			result.AlreadyPaid = true
			return nil
		}
		if o.Status.IsTerminal() {
			return ErrStatusChanged
		}

		var items []model.OrderItem
		if err := tx.SelectContext(ctx, &items, tx.Rebind("SELECT * FROM order_items WHERE order_id = ?"), orderID); err != nil {
			return err
		}
		o.Items = items

		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE orders SET status = ?, paid_at = ?, last_payment_error = '', updated_at = ?
			WHERE id = ? AND status = ?`), model.OrderStatusPaid, paidAt, paidAt, orderID, o.Status)
		if err != nil {
			return fmt.Errorf("mark paid: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrStatusChanged
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE bookings SET status = ?, payment_status = ?, updated_at = ?
			WHERE order_id = ? AND status = ?`),
			model.BookingStatusConfirmed, model.PaymentStatusPaid, paidAt, orderID, model.BookingStatusPending); err != nil {
			return fmt.Errorf("confirm bookings: %w", err)
		}

		for campID, seats := range o.CampSeats() {
			res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE camps SET seats_taken = seats_taken + ?
				WHERE id = ? AND seats_taken + ? <= capacity`), seats, campID, seats)
			if err != nil {
				return fmt.Errorf("reserve camp seats: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrCampFull
			}
		}

		if o.ReferralCode != "" {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE referral_codes
				SET uses = uses + 1, discount_given = discount_given + ? WHERE code = ?`),
				o.ReferralDiscount, o.ReferralCode); err != nil {
				return fmt.Errorf("record referral use: %w", err)
			}
		}

		if o.BundleID != "" {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE bundles SET status = ?, updated_at = ? WHERE id = ?`),
				model.BundleStatusCompleted, paidAt, o.BundleID); err != nil {
				return fmt.Errorf("complete bundle: %w", err)
			}
		}

		result.Status = model.OrderStatusPaid
		return nil
	})
	return result, err
}

func (db *DB) checkTransition(ctx context.Context, res sql.Result, orderID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := db.GetContext(ctx, &exists, db.Rebind("SELECT COUNT(*) FROM orders WHERE id = ?"), orderID); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrStatusChanged
}
