package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS trainers (
				id {{pk}},
				name TEXT NOT NULL,
				email TEXT NOT NULL DEFAULT '',
				telegram_chat_id BIGINT NOT NULL DEFAULT 0,
				hourly_rate BIGINT NOT NULL DEFAULT 0,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at {{ts}} NOT NULL,
				updated_at {{ts}} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS customers (
				id {{pk}},
				name TEXT NOT NULL,
				email TEXT NOT NULL DEFAULT '',
				phone TEXT NOT NULL DEFAULT '',
				telegram_chat_id BIGINT NOT NULL DEFAULT 0,
				created_at {{ts}} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS weekly_availability (
				id {{pk}},
				trainer_id BIGINT NOT NULL REFERENCES trainers(id),
				day_of_week INTEGER NOT NULL CHECK (day_of_week BETWEEN 0 AND 6),
				start_time TEXT NOT NULL,
				end_time TEXT NOT NULL,
				slot_duration INTEGER NOT NULL DEFAULT 60,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at {{ts}} NOT NULL,
				updated_at {{ts}} NOT NULL,
				UNIQUE (trainer_id, day_of_week)
			)`,
			`CREATE TABLE IF NOT EXISTS availability_exceptions (
				id {{pk}},
				trainer_id BIGINT NOT NULL REFERENCES trainers(id),
				exception_date TEXT NOT NULL,
				type TEXT NOT NULL,
				is_available BOOLEAN NOT NULL DEFAULT FALSE,
				start_time TEXT NOT NULL DEFAULT '',
				end_time TEXT NOT NULL DEFAULT '',
				reason TEXT NOT NULL DEFAULT '',
				created_at {{ts}} NOT NULL,
				UNIQUE (trainer_id, exception_date)
			)`,
			`CREATE TABLE IF NOT EXISTS open_dates (
				id {{pk}},
				trainer_id BIGINT NOT NULL REFERENCES trainers(id),
				open_date TEXT NOT NULL,
				start_time TEXT NOT NULL,
				end_time TEXT NOT NULL,
				location TEXT NOT NULL DEFAULT '',
				created_at {{ts}} NOT NULL,
				UNIQUE (trainer_id, open_date, start_time)
			)`,
			`CREATE TABLE IF NOT EXISTS camps (
				id {{pk}},
				name TEXT NOT NULL,
				week_start TEXT NOT NULL,
				price BIGINT NOT NULL,
				capacity INTEGER NOT NULL,
				seats_taken INTEGER NOT NULL DEFAULT 0,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at {{ts}} NOT NULL,
				CHECK (seats_taken <= capacity)
			)`,
			`CREATE TABLE IF NOT EXISTS orders (
				id TEXT PRIMARY KEY,
				customer_id BIGINT NOT NULL REFERENCES customers(id),
				status TEXT NOT NULL,
				currency TEXT NOT NULL,
				subtotal BIGINT NOT NULL DEFAULT 0,
				sibling_discount BIGINT NOT NULL DEFAULT 0,
				team_discount BIGINT NOT NULL DEFAULT 0,
				multiweek_discount BIGINT NOT NULL DEFAULT 0,
				referral_discount BIGINT NOT NULL DEFAULT 0,
				bundle_discount BIGINT NOT NULL DEFAULT 0,
				discount_total BIGINT NOT NULL DEFAULT 0,
				processing_fee BIGINT NOT NULL DEFAULT 0,
				total BIGINT NOT NULL DEFAULT 0,
				referral_code TEXT NOT NULL DEFAULT '',
				bundle_id TEXT NOT NULL DEFAULT '',
				payment_provider TEXT NOT NULL DEFAULT '',
				payment_intent_id TEXT NOT NULL DEFAULT '',
				client_secret TEXT NOT NULL DEFAULT '',
				last_payment_error TEXT NOT NULL DEFAULT '',
				expires_at {{ts}},
				paid_at {{ts}},
				created_at {{ts}} NOT NULL,
				updated_at {{ts}} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_orders_intent ON orders(payment_intent_id)`,
			`CREATE INDEX IF NOT EXISTS idx_orders_status_expiry ON orders(status, expires_at)`,
			`CREATE TABLE IF NOT EXISTS bookings (
				id {{pk}},
				order_id TEXT NOT NULL REFERENCES orders(id),
				customer_id BIGINT NOT NULL,
				trainer_id BIGINT NOT NULL REFERENCES trainers(id),
				player_name TEXT NOT NULL DEFAULT '',
				session_date TEXT NOT NULL,
				start_time TEXT NOT NULL,
				end_time TEXT NOT NULL,
				amount BIGINT NOT NULL DEFAULT 0,
				trainer_payout BIGINT NOT NULL DEFAULT 0,
				platform_fee BIGINT NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'pending',
				payment_status TEXT NOT NULL DEFAULT 'unpaid',
				reminder_sent_at {{ts}},
				created_at {{ts}} NOT NULL,
				updated_at {{ts}} NOT NULL
			)`,
			// One live booking per trainer slot; cancelled rows free the slot.
			`CREATE UNIQUE INDEX IF NOT EXISTS uq_bookings_slot ON bookings(trainer_id, session_date, start_time) WHERE status <> 'cancelled'`,
			`CREATE INDEX IF NOT EXISTS idx_bookings_order ON bookings(order_id)`,
			`CREATE INDEX IF NOT EXISTS idx_bookings_date ON bookings(session_date, status)`,
			`CREATE TABLE IF NOT EXISTS order_items (
				id {{pk}},
				order_id TEXT NOT NULL REFERENCES orders(id),
				kind TEXT NOT NULL,
				camper_key TEXT NOT NULL DEFAULT '',
				camper_name TEXT NOT NULL DEFAULT '',
				camp_id BIGINT REFERENCES camps(id),
				trainer_id BIGINT REFERENCES trainers(id),
				session_date TEXT NOT NULL DEFAULT '',
				start_time TEXT NOT NULL DEFAULT '',
				end_time TEXT NOT NULL DEFAULT '',
				base_price BIGINT NOT NULL DEFAULT 0,
				add_ons TEXT NOT NULL DEFAULT '',
				add_on_total BIGINT NOT NULL DEFAULT 0,
				discount BIGINT NOT NULL DEFAULT 0,
				line_total BIGINT NOT NULL DEFAULT 0,
				booking_id BIGINT REFERENCES bookings(id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items(order_id)`,
			`CREATE TABLE IF NOT EXISTS referral_codes (
				id {{pk}},
				code TEXT NOT NULL UNIQUE,
				order_id TEXT NOT NULL UNIQUE,
				customer_id BIGINT NOT NULL,
				discount_amount BIGINT NOT NULL DEFAULT 0,
				uses INTEGER NOT NULL DEFAULT 0,
				max_uses INTEGER NOT NULL DEFAULT 0,
				discount_given BIGINT NOT NULL DEFAULT 0,
				expires_at {{ts}},
				created_at {{ts}} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS bundles (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				customer_id BIGINT NOT NULL DEFAULT 0,
				trainer_id BIGINT NOT NULL,
				session_date TEXT NOT NULL,
				start_time TEXT NOT NULL,
				duration INTEGER NOT NULL DEFAULT 60,
				package TEXT NOT NULL DEFAULT '',
				amount BIGINT NOT NULL DEFAULT 0,
				order_id TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				expires_at {{ts}} NOT NULL,
				created_at {{ts}} NOT NULL,
				updated_at {{ts}} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_bundles_session ON bundles(session_id, status)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS side_effects (
				id {{pk}},
				order_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				claimed_at {{ts}} NOT NULL,
				completed_at {{ts}},
				UNIQUE (order_id, kind)
			)`,
			`CREATE TABLE IF NOT EXISTS reconciliation_items (
				id {{pk}},
				order_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				last_error TEXT NOT NULL DEFAULT '',
				attempts INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'open',
				next_attempt_at {{ts}} NOT NULL,
				created_at {{ts}} NOT NULL,
				updated_at {{ts}} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_reconciliation_due ON reconciliation_items(status, next_attempt_at)`,
		},
	},
}

// Migrate applies pending schema migrations. It is the only place schema is
// created; nothing checks tables lazily at request time.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, db.ddl(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at {{ts}} NOT NULL
	)`)); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var applied []int
	if err := db.SelectContext(ctx, &applied, "SELECT version FROM schema_migrations"); err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	for _, m := range migrations {
		if done[m.version] {
			continue
		}
		err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
			for _, q := range m.statements {
				if _, err := tx.ExecContext(ctx, db.ddl(q)); err != nil {
					return fmt.Errorf("exec migration %d %s: %w", m.version, trimSQL(q), err)
				}
			}
			_, err := tx.ExecContext(ctx, tx.Rebind("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"), m.version, time.Now().UTC())
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion returns the latest applied migration.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := db.GetContext(ctx, &v, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	return v, err
}

func (db *DB) ddl(q string) string {
	pk, ts := "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP"
	if db.dialect == DialectPostgres {
		pk, ts = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	return strings.NewReplacer("{{pk}}", pk, "{{ts}}", ts).Replace(q)
}
