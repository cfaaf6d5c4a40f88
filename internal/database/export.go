package database

import (
	"context"
	"fmt"
	"time"

	"ptp/internal/model"
)

var exportTables = []string{
	"orders", "order_items", "bookings", "camps", "referral_codes", "bundles", "reconciliation_items",
}

// TableNames lists the tables included in the monthly audit export.
func (db *DB) TableNames(_ context.Context) ([]string, error) {
	return append([]string(nil), exportTables...), nil
}

// TableData returns every row of an exported table as column maps.
func (db *DB) TableData(ctx context.Context, table string) ([]map[string]interface{}, []string, error) {
	allowed := false
	for _, t := range exportTables {
		if t == table {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, nil, fmt.Errorf("table %q is not exportable", table)
	}

	rows, err := db.QueryxContext(ctx, "SELECT * FROM "+table+" ORDER BY 1")
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out []map[string]interface{}
	for rows.Next() {
		row := make(map[string]interface{}, len(columns))
		if err := rows.MapScan(row); err != nil {
			return nil, nil, err
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, row)
	}
	return out, columns, rows.Err()
}

// PurgeStale deletes bookkeeping rows that have been closed for longer than
// olderThan: finished bundles, completed side-effect claims and resolved
// reconciliation items. Orders and bookings are kept.
func (db *DB) PurgeStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var total int64

	stmts := []struct {
		query string
		args  []interface{}
	}{
		{
			"DELETE FROM bundles WHERE status IN (?, ?) AND updated_at < ?",
			[]interface{}{model.BundleStatusAbandoned, model.BundleStatusCancelled, cutoff},
		},
		{
			"DELETE FROM side_effects WHERE status = 'done' AND completed_at < ?",
			[]interface{}{cutoff},
		},
		{
			"DELETE FROM reconciliation_items WHERE status = ? AND updated_at < ?",
			[]interface{}{model.ReconStatusResolved, cutoff},
		},
	}
	for _, s := range stmts {
		res, err := db.ExecContext(ctx, db.Rebind(s.query), s.args...)
		if err != nil {
			return total, fmt.Errorf("purge: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
