package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ptp/internal/model"
)

// ReminderStore is the booking access the reminder loop needs.
type ReminderStore interface {
	UpcomingUnreminded(ctx context.Context, dates []string) ([]model.Booking, error)
	MarkReminderSent(ctx context.Context, bookingID int64, at time.Time) error
	GetCustomer(ctx context.Context, id int64) (*model.Customer, error)
	GetTrainer(ctx context.Context, id int64) (*model.Trainer, error)
}

type ReminderSender interface {
	BookingReminder(ctx context.Context, customer *model.Customer, booking *model.Booking, trainer *model.Trainer) error
}

type ReminderConfig struct {
	// CheckInterval is how often to look for upcoming sessions.
	CheckInterval time.Duration
	// HoursBefore is how far ahead of a session the reminder goes out.
	HoursBefore int
	Location    *time.Location
}

// Reminders sends one reminder per confirmed booking shortly before the
// session starts.
type Reminders struct {
	cfg     ReminderConfig
	store   ReminderStore
	sender  ReminderSender
	logger  *zerolog.Logger
	now     func() time.Time
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewReminders(cfg ReminderConfig, store ReminderStore, sender ReminderSender, logger *zerolog.Logger) *Reminders {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 15 * time.Minute
	}
	if cfg.HoursBefore <= 0 {
		cfg.HoursBefore = 24
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Reminders{
		cfg:    cfg,
		store:  store,
		sender: sender,
		logger: logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start begins the reminder check loop.
func (r *Reminders) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop()

	r.logger.Info().
		Dur("check_interval", r.cfg.CheckInterval).
		Int("hours_before", r.cfg.HoursBefore).
		Msg("Reminder service started")
}

// Stop gracefully stops the reminder loop.
func (r *Reminders) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()

	r.logger.Info().Msg("Reminder service stopped")
}

func (r *Reminders) loop() {
	defer r.wg.Done()

	r.runOnce()

	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runOnce()
		}
	}
}

func (r *Reminders) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if _, err := r.SendDue(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Reminder check failed")
	}
}

// SendDue sends reminders for sessions starting within the reminder window
// and returns how many went out.
func (r *Reminders) SendDue(ctx context.Context) (int, error) {
	now := r.now().In(r.cfg.Location)
	until := now.Add(time.Duration(r.cfg.HoursBefore) * time.Hour)

	var dates []string
	for d := model.DateOnly(now); !d.After(until); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(model.DateLayout))
	}

	bookings, err := r.store.UpcomingUnreminded(ctx, dates)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range bookings {
		b := &bookings[i]
		log := r.logger.With().Int64("booking_id", b.ID).Logger()

		start, err := b.StartsAt(r.cfg.Location)
		if err != nil {
			log.Warn().Err(err).Msg("Skipping booking with invalid start")
			continue
		}
		if start.Before(now) || start.After(until) {
			continue
		}

		customer, err := r.store.GetCustomer(ctx, b.CustomerID)
		if err != nil {
			log.Error().Err(err).Msg("Failed to load customer for reminder")
			continue
		}
		trainer, err := r.store.GetTrainer(ctx, b.TrainerID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load trainer for reminder")
		}

		if err := r.sender.BookingReminder(ctx, customer, b, trainer); err != nil {
			log.Error().Err(err).Msg("Failed to send reminder")
			continue
		}
		if err := r.store.MarkReminderSent(ctx, b.ID, r.now()); err != nil {
			log.Error().Err(err).Msg("Failed to mark reminder sent")
			continue
		}
		sent++
	}
	return sent, nil
}
