package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"ptp/internal/model"
)

// ClaimSideEffect reserves the right to perform kind for orderID. Only one
// caller gets true. A pending claim older than staleAfter is taken over, so a
// crash between claim and completion does not lose the effect.
func (db *DB) ClaimSideEffect(ctx context.Context, orderID, kind string, now time.Time, staleAfter time.Duration) (bool, error) {
	now = now.UTC()
	claimed := false
	err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO side_effects (order_id, kind, status, claimed_at)
			VALUES (?, ?, 'pending', ?) ON CONFLICT (order_id, kind) DO NOTHING`), orderID, kind, now)
		if err != nil {
			return fmt.Errorf("claim side effect: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			claimed = true
			return nil
		}
		res, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE side_effects SET claimed_at = ?
			WHERE order_id = ? AND kind = ? AND status = 'pending' AND claimed_at < ?`),
			now, orderID, kind, now.Add(-staleAfter))
		if err != nil {
			return fmt.Errorf("reclaim side effect: %w", err)
		}
		n, _ := res.RowsAffected()
		claimed = n > 0
		return nil
	})
	return claimed, err
}

func (db *DB) CompleteSideEffect(ctx context.Context, orderID, kind string, now time.Time) error {
	_, err := db.ExecContext(ctx, db.Rebind(`UPDATE side_effects SET status = 'done', completed_at = ?
		WHERE order_id = ? AND kind = ?`), now.UTC(), orderID, kind)
	return err
}

// ReleaseSideEffect drops a pending claim so a later retry can take it.
func (db *DB) ReleaseSideEffect(ctx context.Context, orderID, kind string) error {
	_, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM side_effects
		WHERE order_id = ? AND kind = ? AND status = 'pending'`), orderID, kind)
	return err
}

func (db *DB) SideEffectDone(ctx context.Context, orderID, kind string) (bool, error) {
	var n int
	err := db.GetContext(ctx, &n, db.Rebind(`SELECT COUNT(*) FROM side_effects
		WHERE order_id = ? AND kind = ? AND status = 'done'`), orderID, kind)
	return n > 0, err
}

// RecordReconciliation opens an item for (orderID, kind) or, when one is
// already open, refreshes its error and schedule.
func (db *DB) RecordReconciliation(ctx context.Context, orderID, kind, lastErr string, next time.Time) error {
	now := time.Now().UTC()
	return db.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE reconciliation_items
			SET last_error = ?, next_attempt_at = ?, updated_at = ?
			WHERE order_id = ? AND kind = ? AND status = ?`),
			lastErr, next.UTC(), now, orderID, kind, model.ReconStatusOpen)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO reconciliation_items
			(order_id, kind, last_error, attempts, status, next_attempt_at, created_at, updated_at)
			VALUES (?, ?, ?, 0, ?, ?, ?, ?)`),
			orderID, kind, lastErr, model.ReconStatusOpen, next.UTC(), now, now)
		if err != nil {
			return fmt.Errorf("insert reconciliation item: %w", err)
		}
		return nil
	})
}

// DueReconciliation lists open items whose next attempt is due.
func (db *DB) DueReconciliation(ctx context.Context, now time.Time, limit int) ([]model.ReconciliationItem, error) {
	var list []model.ReconciliationItem
	err := db.SelectContext(ctx, &list, db.Rebind(`SELECT * FROM reconciliation_items
		WHERE status = ? AND next_attempt_at <= ? ORDER BY next_attempt_at LIMIT ?`),
		model.ReconStatusOpen, now.UTC(), limit)
	return list, err
}

func (db *DB) ListReconciliation(ctx context.Context, status string) ([]model.ReconciliationItem, error) {
	var list []model.ReconciliationItem
	var err error
	if status == "" {
		err = db.SelectContext(ctx, &list, "SELECT * FROM reconciliation_items ORDER BY id")
	} else {
		err = db.SelectContext(ctx, &list,
			db.Rebind("SELECT * FROM reconciliation_items WHERE status = ? ORDER BY id"), status)
	}
	return list, err
}

func (db *DB) ResolveReconciliation(ctx context.Context, id int64) error {
	_, err := db.ExecContext(ctx, db.Rebind(`UPDATE reconciliation_items
		SET status = ?, attempts = attempts + 1, last_error = '', updated_at = ? WHERE id = ?`),
		model.ReconStatusResolved, time.Now().UTC(), id)
	return err
}

// FailReconciliation counts a failed attempt; giveUp closes the item for
// manual handling.
func (db *DB) FailReconciliation(ctx context.Context, id int64, lastErr string, next time.Time, giveUp bool) error {
	status := model.ReconStatusOpen
	if giveUp {
		status = model.ReconStatusGaveUp
	}
	_, err := db.ExecContext(ctx, db.Rebind(`UPDATE reconciliation_items
		SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?, updated_at = ? WHERE id = ?`),
		status, lastErr, next.UTC(), time.Now().UTC(), id)
	return err
}

// ReopenReconciliation puts a given-up item back in the queue, due now.
func (db *DB) ReopenReconciliation(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	res, err := db.ExecContext(ctx, db.Rebind(`UPDATE reconciliation_items
		SET status = ?, next_attempt_at = ?, updated_at = ? WHERE id = ? AND status <> ?`),
		model.ReconStatusOpen, now, now, id, model.ReconStatusResolved)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
