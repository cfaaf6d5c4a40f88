package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"ptp/internal/metrics"
	"ptp/internal/model"
)

type DispatcherConfig struct {
	RatePerSecond float64
	Burst         int
	RetryDelays   []time.Duration
	// AdminChatIDs receive a Telegram summary of every paid order.
	AdminChatIDs []int64
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		RatePerSecond: 20,
		Burst:         30,
		RetryDelays:   []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
	}
}

// Dispatcher fans messages out to every channel with rate limiting and
// retries. A message counts as delivered when at least one channel took it.
type Dispatcher struct {
	channels []Channel
	limiter  *rate.Limiter
	cfg      DispatcherConfig
	logger   *zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(cfg DispatcherConfig, logger *zerolog.Logger, channels ...Channel) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.RetryDelays == nil {
		cfg.RetryDelays = def.RetryDelays
	}
	return &Dispatcher{
		channels: channels,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

func (d *Dispatcher) OrderPaid(ctx context.Context, customer *model.Customer, order *model.Order, bookings []model.Booking) error {
	err := d.Send(ctx, customerRecipient(customer), orderPaidMessage(order, bookings))
	for _, chatID := range d.cfg.AdminChatIDs {
		if aerr := d.Send(ctx, Recipient{ChatID: chatID}, adminPaidMessage(order, customer)); aerr != nil {
			d.logger.Warn().Err(aerr).Int64("chat_id", chatID).Msg("Failed to notify admin")
		}
	}
	return err
}

func (d *Dispatcher) ReferralIssued(ctx context.Context, customer *model.Customer, order *model.Order, code *model.ReferralCode) error {
	return d.Send(ctx, customerRecipient(customer), referralMessage(code, order.Currency))
}

func (d *Dispatcher) BookingReminder(ctx context.Context, customer *model.Customer, booking *model.Booking, trainer *model.Trainer) error {
	return d.Send(ctx, customerRecipient(customer), reminderMessage(booking, trainer))
}

// Send delivers msg on every channel that has an address for to. It fails
// only when no channel delivered it.
func (d *Dispatcher) Send(ctx context.Context, to Recipient, msg Message) error {
	var (
		errs      []error
		delivered bool
	)
	for _, ch := range d.channels {
		err := d.sendWithRetry(ctx, ch, to, msg)
		if err != nil {
			metrics.IncNotification(ch.Name(), "failed")
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		metrics.IncNotification(ch.Name(), "sent")
		delivered = true
	}
	if delivered || len(errs) == 0 {
		for _, err := range errs {
			d.logger.Warn().Err(err).Msg("Notification channel failed")
		}
		return nil
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, ch Channel, to Recipient, msg Message) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(d.cfg.RetryDelays); attempt++ {
		err := ch.Send(ctx, to, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrPermanent) || attempt == len(d.cfg.RetryDelays) {
			break
		}

		wait := d.cfg.RetryDelays[attempt]
		var ra *RetryAfterError
		if errors.As(err, &ra) && ra.After > 0 {
			wait = ra.After
		}
		d.logger.Info().
			Str("channel", ch.Name()).
			Int("attempt", attempt+1).
			Dur("delay", wait).
			Err(err).
			Msg("Retrying notification")
		if err := d.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
