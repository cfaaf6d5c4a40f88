package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ptp/internal/model"
)

func (db *DB) CreateTrainer(ctx context.Context, t *model.Trainer) error {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	err := db.QueryRowxContext(ctx, db.Rebind(`INSERT INTO trainers (name, email, telegram_chat_id, hourly_rate, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		t.Name, t.Email, t.TelegramChatID, t.HourlyRate, t.IsActive, t.CreatedAt, t.UpdatedAt).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("insert trainer: %w", err)
	}
	return nil
}

func (db *DB) GetTrainer(ctx context.Context, id int64) (*model.Trainer, error) {
	var t model.Trainer
	err := db.GetContext(ctx, &t, db.Rebind("SELECT * FROM trainers WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (db *DB) CreateCustomer(ctx context.Context, c *model.Customer) error {
	c.CreatedAt = time.Now().UTC()
	err := db.QueryRowxContext(ctx, db.Rebind(`INSERT INTO customers (name, email, phone, telegram_chat_id, created_at)
		VALUES (?, ?, ?, ?, ?) RETURNING id`),
		c.Name, c.Email, c.Phone, c.TelegramChatID, c.CreatedAt).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

func (db *DB) GetCustomer(ctx context.Context, id int64) (*model.Customer, error) {
	var c model.Customer
	err := db.GetContext(ctx, &c, db.Rebind("SELECT * FROM customers WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
