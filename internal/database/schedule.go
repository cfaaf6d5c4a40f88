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

// WeeklyRule returns the trainer's rule for a weekday, or nil when none is set.
func (db *DB) WeeklyRule(ctx context.Context, trainerID int64, dayOfWeek int) (*model.WeeklyAvailability, error) {
	var rule model.WeeklyAvailability
	err := db.GetContext(ctx, &rule,
		db.Rebind("SELECT * FROM weekly_availability WHERE trainer_id = ? AND day_of_week = ?"),
		trainerID, dayOfWeek)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get weekly rule: %w", err)
	}
	return &rule, nil
}

func (db *DB) ListWeeklyRules(ctx context.Context, trainerID int64) ([]model.WeeklyAvailability, error) {
	var rules []model.WeeklyAvailability
	err := db.SelectContext(ctx, &rules,
		db.Rebind("SELECT * FROM weekly_availability WHERE trainer_id = ? ORDER BY day_of_week"), trainerID)
	return rules, err
}

// ReplaceWeeklySchedule swaps the trainer's whole weekly template atomically.
func (db *DB) ReplaceWeeklySchedule(ctx context.Context, trainerID int64, rules []model.WeeklyAvailability) error {
	return db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM weekly_availability WHERE trainer_id = ?"), trainerID); err != nil {
			return fmt.Errorf("clear weekly schedule: %w", err)
		}
		now := time.Now().UTC()
		for i := range rules {
			r := &rules[i]
			r.TrainerID = trainerID
			r.CreatedAt, r.UpdatedAt = now, now
			err := tx.QueryRowxContext(ctx, tx.Rebind(`INSERT INTO weekly_availability
				(trainer_id, day_of_week, start_time, end_time, slot_duration, is_active, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
				r.TrainerID, r.DayOfWeek, r.StartTime, r.EndTime, r.SlotDuration, r.IsActive, now, now).Scan(&r.ID)
			if err != nil {
				return fmt.Errorf("insert weekly rule day %d: %w", r.DayOfWeek, err)
			}
		}
		return nil
	})
}

// Exception returns the override for one date, or nil.
func (db *DB) Exception(ctx context.Context, trainerID int64, date string) (*model.AvailabilityException, error) {
	var ex model.AvailabilityException
	err := db.GetContext(ctx, &ex,
		db.Rebind("SELECT * FROM availability_exceptions WHERE trainer_id = ? AND exception_date = ?"),
		trainerID, date)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get exception: %w", err)
	}
	return &ex, nil
}

// UpsertException stores an override; a second call for the same date replaces it.
func (db *DB) UpsertException(ctx context.Context, ex *model.AvailabilityException) error {
	ex.CreatedAt = time.Now().UTC()
	err := db.QueryRowxContext(ctx, db.Rebind(`INSERT INTO availability_exceptions
		(trainer_id, exception_date, type, is_available, start_time, end_time, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trainer_id, exception_date) DO UPDATE SET
			type = excluded.type,
			is_available = excluded.is_available,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			reason = excluded.reason
		RETURNING id`),
		ex.TrainerID, ex.Date, ex.Type, ex.IsAvailable, ex.StartTime, ex.EndTime, ex.Reason, ex.CreatedAt).Scan(&ex.ID)
	if err != nil {
		return fmt.Errorf("upsert exception: %w", err)
	}
	return nil
}

func (db *DB) DeleteException(ctx context.Context, trainerID int64, date string) error {
	res, err := db.ExecContext(ctx,
		db.Rebind("DELETE FROM availability_exceptions WHERE trainer_id = ? AND exception_date = ?"), trainerID, date)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) ListExceptions(ctx context.Context, trainerID int64, from, to string) ([]model.AvailabilityException, error) {
	var list []model.AvailabilityException
	err := db.SelectContext(ctx, &list, db.Rebind(`SELECT * FROM availability_exceptions
		WHERE trainer_id = ? AND exception_date >= ? AND exception_date <= ? ORDER BY exception_date`),
		trainerID, from, to)
	return list, err
}

func (db *DB) OpenDates(ctx context.Context, trainerID int64, date string) ([]model.OpenDate, error) {
	var list []model.OpenDate
	err := db.SelectContext(ctx, &list,
		db.Rebind("SELECT * FROM open_dates WHERE trainer_id = ? AND open_date = ? ORDER BY start_time"),
		trainerID, date)
	if err != nil {
		return nil, fmt.Errorf("list open dates: %w", err)
	}
	return list, nil
}

func (db *DB) AddOpenDate(ctx context.Context, od *model.OpenDate) error {
	od.CreatedAt = time.Now().UTC()
	err := db.QueryRowxContext(ctx, db.Rebind(`INSERT INTO open_dates
		(trainer_id, open_date, start_time, end_time, location, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (trainer_id, open_date, start_time) DO UPDATE SET
			end_time = excluded.end_time,
			location = excluded.location
		RETURNING id`),
		od.TrainerID, od.Date, od.StartTime, od.EndTime, od.Location, od.CreatedAt).Scan(&od.ID)
	if err != nil {
		return fmt.Errorf("insert open date: %w", err)
	}
	return nil
}

func (db *DB) DeleteOpenDate(ctx context.Context, trainerID, id int64) error {
	res, err := db.ExecContext(ctx, db.Rebind("DELETE FROM open_dates WHERE id = ? AND trainer_id = ?"), id, trainerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
