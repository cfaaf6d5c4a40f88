package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ptp/internal/database"
	"ptp/internal/metrics"
	"ptp/internal/model"
	"ptp/internal/payments"
	"ptp/internal/pricing"
)

// Store is the persistence the checkout needs.
type Store interface {
	GetTrainer(ctx context.Context, id int64) (*model.Trainer, error)
	GetCustomer(ctx context.Context, id int64) (*model.Customer, error)
	GetCamp(ctx context.Context, id int64) (*model.Camp, error)
	GetReferralCode(ctx context.Context, code string) (*model.ReferralCode, error)
	CreateReferralCode(ctx context.Context, rc *model.ReferralCode) (bool, error)
	ReferralCodesByOrder(ctx context.Context, orderID string) ([]model.ReferralCode, error)

	CreateBundle(ctx context.Context, b *model.Bundle) error
	GetBundle(ctx context.Context, id string) (*model.Bundle, error)
	CancelBundle(ctx context.Context, id string) error
	AbandonExpiredBundles(ctx context.Context, now time.Time) (int64, error)

	CreateOrder(ctx context.Context, o *model.Order, bookings map[int]*model.Booking) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetOrderByIntent(ctx context.Context, intentID string) (*model.Order, error)
	AttachPaymentIntent(ctx context.Context, orderID, provider, intentID, clientSecret string, expiresAt time.Time) error
	TransitionOrder(ctx context.Context, orderID string, from []model.OrderStatus, to model.OrderStatus, paymentErr string) error
	CloseOrder(ctx context.Context, orderID string, from []model.OrderStatus, to model.OrderStatus, reason string) error
	ExpirableOrders(ctx context.Context, now time.Time, limit int) ([]model.Order, error)
	FinalizePaidOrder(ctx context.Context, orderID string, paidAt time.Time) (database.FinalizeResult, error)
	BookingsByOrder(ctx context.Context, orderID string) ([]model.Booking, error)

	ClaimSideEffect(ctx context.Context, orderID, kind string, now time.Time, staleAfter time.Duration) (bool, error)
	CompleteSideEffect(ctx context.Context, orderID, kind string, now time.Time) error
	ReleaseSideEffect(ctx context.Context, orderID, kind string) error
	SideEffectDone(ctx context.Context, orderID, kind string) (bool, error)

	RecordReconciliation(ctx context.Context, orderID, kind, lastErr string, next time.Time) error
	DueReconciliation(ctx context.Context, now time.Time, limit int) ([]model.ReconciliationItem, error)
	ResolveReconciliation(ctx context.Context, id int64) error
	FailReconciliation(ctx context.Context, id int64, lastErr string, next time.Time, giveUp bool) error
	ReopenReconciliation(ctx context.Context, id int64) error
	ListReconciliation(ctx context.Context, status string) ([]model.ReconciliationItem, error)
}

// SlotChecker re-checks availability at order time.
type SlotChecker interface {
	IsReservable(ctx context.Context, trainerID int64, date time.Time, start string, duration int) (bool, error)
	Invalidate(ctx context.Context, trainerID int64, date string)
	Location() *time.Location
}

// HoldGuard exposes the soft reservations taken before checkout.
type HoldGuard interface {
	HeldByOther(ctx context.Context, trainerID int64, date, start, owner string) (bool, error)
	Release(ctx context.Context, trainerID int64, date, start, owner string) error
}

// Notifier delivers the post-payment messages.
type Notifier interface {
	OrderPaid(ctx context.Context, customer *model.Customer, order *model.Order, bookings []model.Booking) error
	ReferralIssued(ctx context.Context, customer *model.Customer, order *model.Order, code *model.ReferralCode) error
}

// BookingSync mirrors confirmed bookings to an external sheet.
type BookingSync interface {
	SyncBookings(ctx context.Context, bookings []model.Booking) error
}

type Options struct {
	Currency             string
	IntentTTL            time.Duration
	BundleTTL            time.Duration
	ReconcileMaxAttempts int
	ReconcileBackoff     time.Duration
	// SideEffectStaleAfter is how long a claimed side effect may stay
	// unfinished before another run takes it over.
	SideEffectStaleAfter time.Duration
}

type Service struct {
	store    Store
	provider payments.Provider
	slots    SlotChecker
	holds    HoldGuard
	notifier Notifier
	sheets   BookingSync
	logger   *zerolog.Logger
	fsm      *FSM
	opts     Options
	settings atomic.Pointer[pricing.Settings]
	now      func() time.Time
}

func NewService(store Store, provider payments.Provider, slots SlotChecker, notifier Notifier,
	settings *pricing.Settings, opts Options, logger *zerolog.Logger) *Service {
	if opts.IntentTTL <= 0 {
		opts.IntentTTL = 30 * time.Minute
	}
	if opts.BundleTTL <= 0 {
		opts.BundleTTL = time.Hour
	}
	if opts.ReconcileMaxAttempts <= 0 {
		opts.ReconcileMaxAttempts = 10
	}
	if opts.ReconcileBackoff <= 0 {
		opts.ReconcileBackoff = 30 * time.Second
	}
	if opts.SideEffectStaleAfter <= 0 {
		opts.SideEffectStaleAfter = 5 * time.Minute
	}
	if settings == nil {
		settings = pricing.DefaultSettings()
	}
	if opts.Currency == "" {
		opts.Currency = settings.Currency
	}

	s := &Service{
		store:    store,
		provider: provider,
		slots:    slots,
		notifier: notifier,
		logger:   logger,
		fsm:      NewFSM(),
		opts:     opts,
		now:      time.Now,
	}
	s.settings.Store(settings)
	return s
}

// UseHolds makes PlaceOrder honour slot holds taken by other sessions.
func (s *Service) UseHolds(h HoldGuard) { s.holds = h }

// UseSheets adds the booking sheet sync to the post-payment side effects.
func (s *Service) UseSheets(b BookingSync) { s.sheets = b }

// UseClock replaces the wall clock, for tests.
func (s *Service) UseClock(now func() time.Time) { s.now = now }

// UpdateSettings swaps pricing settings; in-flight calculations keep the
// snapshot they started with.
func (s *Service) UpdateSettings(settings *pricing.Settings) {
	if settings != nil {
		s.settings.Store(settings)
	}
}

func (s *Service) Settings() *pricing.Settings {
	return s.settings.Load()
}

// Quote prices a cart without persisting anything.
func (s *Service) Quote(ctx context.Context, cart pricing.Cart, referralCode string) (pricing.Totals, error) {
	ref, err := s.lookupReferral(ctx, referralCode)
	if err != nil {
		return pricing.Totals{}, err
	}
	totals, err := pricing.Calculate(s.Settings(), cart, ref, s.now())
	if err != nil {
		return pricing.Totals{}, &ValidationError{Field: "items", Message: err.Error()}
	}
	return totals, nil
}

// ItemRequest is one line of a checkout request.
type ItemRequest struct {
	Kind       model.ItemKind
	CamperKey  string
	CamperName string
	CampID     int64
	TrainerID  int64
	Date       string
	StartTime  string
	Duration   int
	AddOns     []string
}

type OrderRequest struct {
	CustomerID int64
	// SessionID owns any holds taken for the selected slots.
	SessionID    string
	ReferralCode string
	BundleID     string
	Items        []ItemRequest
}

// PlaceOrder validates the request, reserves training slots and creates the
// payment intent. A slot conflict returns ErrSlotTaken without charging.
func (s *Service) PlaceOrder(ctx context.Context, req OrderRequest) (*model.Order, error) {
	settings := s.Settings()
	now := s.now()

	customer, err := s.store.GetCustomer(ctx, req.CustomerID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, invalid("customer_id", "unknown customer %d", req.CustomerID)
	}
	if err != nil {
		return nil, err
	}

	items := req.Items
	var bundle *model.Bundle
	if req.BundleID != "" {
		bundle, err = s.store.GetBundle(ctx, req.BundleID)
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrBundleUnavailable
		}
		if err != nil {
			return nil, err
		}
		if !bundle.IsOpen(now) || (req.SessionID != "" && bundle.SessionID != req.SessionID) {
			return nil, ErrBundleUnavailable
		}
		items = append(append([]ItemRequest(nil), items...), ItemRequest{
			Kind:      model.ItemKindTraining,
			CamperKey: "bundle",
			TrainerID: bundle.TrainerID,
			Date:      bundle.SessionDate,
			StartTime: bundle.StartTime,
			Duration:  bundle.Duration,
		})
	}
	if len(items) == 0 {
		return nil, invalid("items", "at least one item is required")
	}

	order := &model.Order{
		ID:         uuid.NewString(),
		CustomerID: customer.ID,
		Status:     model.OrderStatusCart,
		Currency:   s.opts.Currency,
		BundleID:   req.BundleID,
	}
	bookings := make(map[int]*model.Booking)
	cart := pricing.Cart{}
	campSeats := make(map[int64]int)

	for i, it := range items {
		line := model.OrderItem{
			Kind:       it.Kind,
			CamperKey:  it.CamperKey,
			CamperName: it.CamperName,
			AddOns:     strings.Join(it.AddOns, ","),
		}

		switch it.Kind {
		case model.ItemKindCamp:
			camp, err := s.store.GetCamp(ctx, it.CampID)
			if errors.Is(err, database.ErrNotFound) || (err == nil && !camp.IsActive) {
				return nil, invalid(fmt.Sprintf("items[%d].camp_id", i), "unknown camp %d", it.CampID)
			}
			if err != nil {
				return nil, err
			}
			campSeats[camp.ID]++
			if campSeats[camp.ID] > camp.SeatsLeft() {
				return nil, ErrCampFull
			}
			id := camp.ID
			line.CampID = &id
			line.BasePrice = camp.Price

		case model.ItemKindTraining:
			b, err := s.trainingBooking(ctx, i, it, req.SessionID, settings)
			if err != nil {
				return nil, err
			}
			if bundle != nil && i == len(items)-1 {
				b.Amount = bundle.Amount
				b.TrainerPayout, b.PlatformFee = pricing.Split(b.Amount, settings.PlatformFeePercent)
			}
			trainerID := b.TrainerID
			line.TrainerID = &trainerID
			line.SessionDate = b.SessionDate
			line.StartTime = b.StartTime
			line.EndTime = b.EndTime
			line.BasePrice = b.Amount
			if line.CamperName == "" {
				line.CamperName = b.PlayerName
			}
			b.PlayerName = line.CamperName
			bookings[i] = b

		default:
			return nil, invalid(fmt.Sprintf("items[%d].kind", i), "unknown item kind %q", it.Kind)
		}

		order.Items = append(order.Items, line)
		cart.Items = append(cart.Items, pricing.LineItem{
			Kind:      it.Kind,
			CamperKey: it.CamperKey,
			BasePrice: line.BasePrice,
			AddOns:    it.AddOns,
		})
	}

	ref, err := s.lookupReferral(ctx, req.ReferralCode)
	if err != nil {
		return nil, err
	}
	totals, err := pricing.Calculate(settings, cart, ref, now)
	if err != nil {
		return nil, &ValidationError{Field: "items", Message: err.Error()}
	}
	applyTotals(order, totals)
	if totals.ReferralApplied {
		order.ReferralCode = ref.Code
	}
	expires := now.Add(s.opts.IntentTTL).UTC()
	order.ExpiresAt = &expires

	if err := s.store.CreateOrder(ctx, order, bookings); err != nil {
		switch {
		case errors.Is(err, database.ErrSlotTaken):
			metrics.IncSlotConflict()
			return nil, ErrSlotTaken
		case errors.Is(err, database.ErrBundleUnavailable):
			return nil, ErrBundleUnavailable
		}
		return nil, fmt.Errorf("create order: %w", err)
	}
	metrics.IncOrderTransition(string(model.OrderStatusCart))
	s.afterReserve(ctx, req.SessionID, bookings)

	log := s.logger.With().Str("order_id", order.ID).Int64("total", order.Total).Logger()

	if order.Total == 0 {
		if err := s.finalize(ctx, order.ID); err != nil {
			return nil, err
		}
		log.Info().Msg("Zero-total order completed without payment")
		return s.store.GetOrder(ctx, order.ID)
	}

	intent, err := s.provider.CreateIntent(ctx, order.ID, order.Total, order.Currency, map[string]string{
		"customer_id": fmt.Sprint(customer.ID),
		"email":       customer.Email,
		"name":        customer.Name,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to create payment intent")
		if cerr := s.store.CloseOrder(ctx, order.ID, []model.OrderStatus{model.OrderStatusCart},
			model.OrderStatusFailed, "intent creation failed"); cerr != nil {
			log.Error().Err(cerr).Msg("Failed to close order after intent error")
		}
		s.invalidateSlots(ctx, bookings)
		return nil, &PaymentError{Kind: PaymentProvider, Message: "could not start payment", Err: err}
	}

	if err := s.store.AttachPaymentIntent(ctx, order.ID, s.provider.Name(), intent.ID, intent.ClientSecret, expires); err != nil {
		return nil, fmt.Errorf("attach intent: %w", err)
	}
	metrics.IncOrderTransition(string(model.OrderStatusIntentCreated))
	log.Info().Str("intent_id", intent.ID).Msg("Payment intent created")

	out, err := s.store.GetOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if out.ClientSecret == "" {
		out.ClientSecret = intent.ClientSecret
	}
	return out, nil
}

func (s *Service) trainingBooking(ctx context.Context, i int, it ItemRequest, owner string, settings *pricing.Settings) (*model.Booking, error) {
	field := func(name string) string { return fmt.Sprintf("items[%d].%s", i, name) }

	trainer, err := s.store.GetTrainer(ctx, it.TrainerID)
	if errors.Is(err, database.ErrNotFound) || (err == nil && !trainer.IsActive) {
		return nil, invalid(field("trainer_id"), "unknown trainer %d", it.TrainerID)
	}
	if err != nil {
		return nil, err
	}
	date, err := model.ParseDate(it.Date, s.slots.Location())
	if err != nil {
		return nil, invalid(field("date"), "expected YYYY-MM-DD")
	}
	start, err := model.ParseClock(it.StartTime)
	if err != nil {
		return nil, invalid(field("start_time"), "expected HH:MM")
	}
	duration := it.Duration
	if duration <= 0 {
		duration = 60
	}
	end := start + duration
	if end > 24*60 {
		return nil, invalid(field("duration"), "session must end the same day")
	}

	if s.holds != nil {
		held, err := s.holds.HeldByOther(ctx, trainer.ID, it.Date, it.StartTime, owner)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Hold lookup failed, relying on booking constraint")
		} else if held {
			metrics.IncSlotConflict()
			return nil, ErrSlotTaken
		}
	}
	ok, err := s.slots.IsReservable(ctx, trainer.ID, date, model.FormatClock(start), duration)
	if err != nil {
		return nil, fmt.Errorf("check slot: %w", err)
	}
	if !ok {
		metrics.IncSlotConflict()
		return nil, ErrSlotTaken
	}

	amount := trainer.HourlyRate * int64(duration) / 60
	payout, fee := pricing.Split(amount, settings.PlatformFeePercent)
	return &model.Booking{
		TrainerID:     trainer.ID,
		SessionDate:   date.Format(model.DateLayout),
		StartTime:     model.FormatClock(start),
		EndTime:       model.FormatClock(end),
		Amount:        amount,
		TrainerPayout: payout,
		PlatformFee:   fee,
		Status:        model.BookingStatusPending,
		PaymentStatus: model.PaymentStatusUnpaid,
	}, nil
}

// lookupReferral returns nil for an empty, unknown or exhausted code; the
// order is then priced without the referral discount.
func (s *Service) lookupReferral(ctx context.Context, code string) (*model.ReferralCode, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, nil
	}
	ref, err := s.store.GetReferralCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("lookup referral: %w", err)
	}
	if !ref.IsUsable(s.now()) {
		return nil, nil
	}
	return ref, nil
}

func (s *Service) afterReserve(ctx context.Context, owner string, bookings map[int]*model.Booking) {
	for _, b := range bookings {
		if s.holds != nil && owner != "" {
			if err := s.holds.Release(ctx, b.TrainerID, b.SessionDate, b.StartTime, owner); err != nil {
				s.logger.Warn().Err(err).Int64("trainer_id", b.TrainerID).Msg("Failed to release hold")
			}
		}
		s.slots.Invalidate(ctx, b.TrainerID, b.SessionDate)
	}
}

func (s *Service) invalidateSlots(ctx context.Context, bookings map[int]*model.Booking) {
	for _, b := range bookings {
		s.slots.Invalidate(ctx, b.TrainerID, b.SessionDate)
	}
}

func applyTotals(o *model.Order, t pricing.Totals) {
	o.Subtotal = t.Subtotal
	o.SiblingDiscount = t.SiblingDiscount
	o.TeamDiscount = t.TeamDiscount
	o.MultiweekDiscount = t.MultiweekDiscount
	o.ReferralDiscount = t.ReferralDiscount
	o.BundleDiscount = t.BundleDiscount
	o.DiscountTotal = t.DiscountTotal
	o.ProcessingFee = t.ProcessingFee
	o.Total = t.Total
	if t.Currency != "" && o.Currency == "" {
		o.Currency = t.Currency
	}
	for i := range o.Items {
		if i >= len(t.Lines) {
			break
		}
		o.Items[i].AddOnTotal = t.Lines[i].AddOnTotal
		o.Items[i].Discount = t.Lines[i].Discount
		o.Items[i].LineTotal = t.Lines[i].Total
	}
}

// GetOrder returns the order with its items.
func (s *Service) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNotFound
	}
	return o, err
}
