package model

import "time"

type Trainer struct {
	ID             int64     `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	Email          string    `db:"email" json:"email"`
	TelegramChatID int64     `db:"telegram_chat_id" json:"telegram_chat_id,omitempty"`
	HourlyRate     int64     `db:"hourly_rate" json:"hourly_rate"` // cents
	IsActive       bool      `db:"is_active" json:"is_active"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

type Customer struct {
	ID             int64     `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	Email          string    `db:"email" json:"email"`
	Phone          string    `db:"phone" json:"phone"`
	TelegramChatID int64     `db:"telegram_chat_id" json:"telegram_chat_id,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

type WeeklyAvailability struct {
	ID           int64     `db:"id" json:"id"`
	TrainerID    int64     `db:"trainer_id" json:"trainer_id"`
	DayOfWeek    int       `db:"day_of_week" json:"day_of_week"`     // 0-6 (Sunday-Saturday)
	StartTime    string    `db:"start_time" json:"start_time"`       // "09:00"
	EndTime      string    `db:"end_time" json:"end_time"`           // "18:00"
	SlotDuration int       `db:"slot_duration" json:"slot_duration"` // minutes
	IsActive     bool      `db:"is_active" json:"is_active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

const (
	ExceptionBlocked  = "blocked"
	ExceptionModified = "modified"
	ExceptionExtra    = "extra"
)

type AvailabilityException struct {
	ID          int64     `db:"id" json:"id"`
	TrainerID   int64     `db:"trainer_id" json:"trainer_id"`
	Date        string    `db:"exception_date" json:"date"`
	Type        string    `db:"type" json:"type"`
	IsAvailable bool      `db:"is_available" json:"is_available"`
	StartTime   string    `db:"start_time" json:"start_time,omitempty"`
	EndTime     string    `db:"end_time" json:"end_time,omitempty"`
	Reason      string    `db:"reason" json:"reason,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Blocks reports whether the exception removes the whole day.
func (e *AvailabilityException) Blocks() bool {
	return e.Type == ExceptionBlocked || !e.IsAvailable
}

type OpenDate struct {
	ID        int64     `db:"id" json:"id"`
	TrainerID int64     `db:"trainer_id" json:"trainer_id"`
	Date      string    `db:"open_date" json:"date"`
	StartTime string    `db:"start_time" json:"start_time"`
	EndTime   string    `db:"end_time" json:"end_time"`
	Location  string    `db:"location" json:"location,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
