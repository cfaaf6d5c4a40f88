package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ptp/internal/model"
)

var ErrCodeTaken = errors.New("referral code already exists")

func (db *DB) CreateCamp(ctx context.Context, c *model.Camp) error {
	c.CreatedAt = time.Now().UTC()
	err := db.QueryRowxContext(ctx, db.Rebind(`INSERT INTO camps (name, week_start, price, capacity, seats_taken, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		c.Name, c.WeekStart, c.Price, c.Capacity, c.SeatsTaken, c.IsActive, c.CreatedAt).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert camp: %w", err)
	}
	return nil
}

func (db *DB) GetCamp(ctx context.Context, id int64) (*model.Camp, error) {
	var c model.Camp
	err := db.GetContext(ctx, &c, db.Rebind("SELECT * FROM camps WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetReferralCode returns nil without error when the code does not exist.
func (db *DB) GetReferralCode(ctx context.Context, code string) (*model.ReferralCode, error) {
	var rc model.ReferralCode
	err := db.GetContext(ctx, &rc, db.Rebind("SELECT * FROM referral_codes WHERE code = ?"), code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get referral code: %w", err)
	}
	return &rc, nil
}

// CreateReferralCode issues the code for an order. An order gets at most one
// code; a repeated call loads the existing one into rc and reports false.
func (db *DB) CreateReferralCode(ctx context.Context, rc *model.ReferralCode) (bool, error) {
	rc.CreatedAt = time.Now().UTC()
	res, err := db.ExecContext(ctx, db.Rebind(`INSERT INTO referral_codes
		(code, order_id, customer_id, discount_amount, uses, max_uses, discount_given, expires_at, created_at)
		VALUES (?, ?, ?, ?, 0, ?, 0, ?, ?)
		ON CONFLICT (order_id) DO NOTHING`),
		rc.Code, rc.OrderID, rc.CustomerID, rc.DiscountAmount, rc.MaxUses, rc.ExpiresAt, rc.CreatedAt)
	if isUniqueViolation(err) {
		return false, ErrCodeTaken
	}
	if err != nil {
		return false, fmt.Errorf("insert referral code: %w", err)
	}
	created, _ := res.RowsAffected()
	if err := db.GetContext(ctx, rc, db.Rebind("SELECT * FROM referral_codes WHERE order_id = ?"), rc.OrderID); err != nil {
		return false, err
	}
	return created > 0, nil
}

func (db *DB) ReferralCodesByOrder(ctx context.Context, orderID string) ([]model.ReferralCode, error) {
	var list []model.ReferralCode
	err := db.SelectContext(ctx, &list, db.Rebind("SELECT * FROM referral_codes WHERE order_id = ?"), orderID)
	return list, err
}

func (db *DB) CreateBundle(ctx context.Context, b *model.Bundle) error {
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	if b.Status == "" {
		b.Status = model.BundleStatusActive
	}
	b.ExpiresAt = b.ExpiresAt.UTC()
	_, err := db.NamedExecContext(ctx, `INSERT INTO bundles
		(id, session_id, customer_id, trainer_id, session_date, start_time, duration, package, amount, order_id, status,
		 expires_at, created_at, updated_at)
		VALUES (:id, :session_id, :customer_id, :trainer_id, :session_date, :start_time, :duration, :package, :amount,
		 :order_id, :status, :expires_at, :created_at, :updated_at)`, b)
	if err != nil {
		return fmt.Errorf("insert bundle: %w", err)
	}
	return nil
}

func (db *DB) GetBundle(ctx context.Context, id string) (*model.Bundle, error) {
	var b model.Bundle
	err := db.GetContext(ctx, &b, db.Rebind("SELECT * FROM bundles WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CancelBundle withdraws an open bundle before it joins a paid order.
func (db *DB) CancelBundle(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, db.Rebind(`UPDATE bundles SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		model.BundleStatusCancelled, time.Now().UTC(), id, model.BundleStatusActive)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := db.GetBundle(ctx, id); err != nil {
			return err
		}
		return ErrStatusChanged
	}
	return nil
}

// AbandonExpiredBundles marks active bundles past their deadline as abandoned.
func (db *DB) AbandonExpiredBundles(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, db.Rebind(`UPDATE bundles SET status = ?, updated_at = ?
		WHERE status = ? AND expires_at < ?`),
		model.BundleStatusAbandoned, now.UTC(), model.BundleStatusActive, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
