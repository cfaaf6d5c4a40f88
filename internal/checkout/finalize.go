package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ptp/internal/database"
	"ptp/internal/metrics"
	"ptp/internal/model"
	"ptp/internal/payments"
)

const (
	effectNotifyPaid   = "notify_paid"
	effectReferralCode = "referral_code"
	effectReferralNote = "referral_notice"
	effectSheetsSync   = "sheets_sync"
)

// Confirm reconciles the order with the provider after the customer
// finishes the payment step. Calling it again on a paid order returns the
// order unchanged.
func (s *Service) Confirm(ctx context.Context, orderID string) (*model.Order, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case model.OrderStatusPaid:
		return order, nil
	case model.OrderStatusIntentCreated:
		err := s.store.TransitionOrder(ctx, order.ID, []model.OrderStatus{model.OrderStatusIntentCreated},
			model.OrderStatusAwaitingConfirmation, "")
		if err != nil && !errors.Is(err, database.ErrStatusChanged) {
			return nil, err
		}
		if err == nil {
			metrics.IncOrderTransition(string(model.OrderStatusAwaitingConfirmation))
		}
	case model.OrderStatusAwaitingConfirmation:
	default:
		return nil, fmt.Errorf("%w: order is %s", ErrInvalidTransition, order.Status)
	}

	intent, err := s.provider.GetIntent(ctx, order.PaymentIntentID)
	if err != nil {
		metrics.IncPayment(s.provider.Name(), "lookup_error")
		return nil, &PaymentError{Kind: PaymentProvider, Message: "could not check payment", Err: err}
	}
	if err := s.applyStatus(ctx, order, intent.Status, intent.LastError); err != nil {
		return nil, err
	}
	return s.store.GetOrder(ctx, order.ID)
}

// HandleWebhook applies a provider notification. Duplicate and out-of-order
// deliveries are safe: a paid order is never moved again.
func (s *Service) HandleWebhook(ctx context.Context, ev payments.Event) error {
	var (
		order *model.Order
		err   error
	)
	if ev.IntentID != "" {
		order, err = s.store.GetOrderByIntent(ctx, ev.IntentID)
	}
	if (order == nil || errors.Is(err, database.ErrNotFound)) && ev.OrderID != "" {
		order, err = s.store.GetOrder(ctx, ev.OrderID)
	}
	if errors.Is(err, database.ErrNotFound) || (err == nil && order == nil) {
		s.logger.Warn().Str("event_id", ev.ID).Str("intent_id", ev.IntentID).Msg("Webhook for unknown order")
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	log := s.logger.With().Str("order_id", order.ID).Str("event_type", ev.Type).Str("status", string(ev.Status)).Logger()
	log.Info().Msg("Payment webhook received")

	if order.Status.IsTerminal() {
		if ev.Status == payments.StatusSucceeded && order.Status != model.OrderStatusPaid {
			return s.paidAfterClose(ctx, order, ev.Status)
		}
		if order.Status == model.OrderStatusPaid {
			// Retry anything a previous delivery left behind.
			s.runSideEffects(ctx, order.ID)
		}
		return nil
	}

	err = s.applyStatus(ctx, order, ev.Status, ev.LastError)
	var perr *PaymentError
	if errors.As(err, &perr) {
		// The failure is recorded on the order; the webhook itself succeeded.
		return nil
	}
	return err
}

// applyStatus moves an open order according to a provider status.
func (s *Service) applyStatus(ctx context.Context, order *model.Order, status payments.Status, lastError string) error {
	provider := s.provider.Name()
	metrics.IncPayment(provider, string(status))

	switch status {
	case payments.StatusSucceeded:
		return s.finalize(ctx, order.ID)

	case payments.StatusRequiresPaymentMethod:
		err := s.store.TransitionOrder(ctx, order.ID,
			[]model.OrderStatus{model.OrderStatusIntentCreated, model.OrderStatusAwaitingConfirmation},
			model.OrderStatusAwaitingConfirmation, lastError)
		if err != nil && !errors.Is(err, database.ErrStatusChanged) {
			return err
		}
		return &PaymentError{Kind: PaymentDeclined, Message: orDefault(lastError, "payment was declined")}

	case payments.StatusRequiresAction, payments.StatusPending:
		return &PaymentError{Kind: PaymentRequiresAction, Message: "customer action required"}

	case payments.StatusProcessing:
		return &PaymentError{Kind: PaymentProcessing, Message: "payment is processing"}

	case payments.StatusCanceled:
		if err := s.close(ctx, order.ID, model.OrderStatusFailed, orDefault(lastError, "payment canceled")); err != nil {
			return err
		}
		return &PaymentError{Kind: PaymentCanceled, Message: "payment was canceled"}

	case payments.StatusExpired:
		if err := s.close(ctx, order.ID, model.OrderStatusExpired, "payment expired"); err != nil {
			return err
		}
		return &PaymentError{Kind: PaymentCanceled, Message: "payment expired"}
	}

	s.logger.Warn().Str("order_id", order.ID).Str("status", string(status)).Msg("Unhandled payment status")
	return nil
}

// close moves an open order to a terminal failure status and frees its
// slots. A concurrent change to paid wins.
func (s *Service) close(ctx context.Context, orderID string, to model.OrderStatus, reason string) error {
	err := s.store.CloseOrder(ctx, orderID, s.fsm.Sources(to), to, reason)
	if errors.Is(err, database.ErrStatusChanged) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.IncOrderTransition(string(to))
	s.invalidateOrderSlots(ctx, orderID)
	return nil
}

// finalize marks the order paid and runs the post-payment side effects. A
// failure after the money moved is queued for reconciliation.
func (s *Service) finalize(ctx context.Context, orderID string) error {
	log := s.logger.With().Str("order_id", orderID).Logger()

	res, err := s.store.FinalizePaidOrder(ctx, orderID, s.now())
	switch {
	case err == nil:
	case errors.Is(err, database.ErrStatusChanged):
		order, gerr := s.store.GetOrder(ctx, orderID)
		if gerr != nil {
			return gerr
		}
		return s.paidAfterClose(ctx, order, payments.StatusSucceeded)
	default:
		log.Error().Err(err).Msg("Failed to finalize paid order")
		if rerr := s.store.RecordReconciliation(ctx, orderID, model.ReconKindFinalize, err.Error(),
			s.now().Add(s.opts.ReconcileBackoff)); rerr != nil {
			log.Error().Err(rerr).Msg("Failed to record reconciliation item")
		}
		metrics.IncReconciliation(model.ReconKindFinalize, "recorded")
		return fmt.Errorf("%w: %v", ErrReconciliation, err)
	}

	if !res.AlreadyPaid {
		metrics.IncOrderTransition(string(model.OrderStatusPaid))
		log.Info().Msg("Order paid")
		s.invalidateOrderSlots(ctx, orderID)
	}
	s.runSideEffects(ctx, orderID)
	return nil
}

// paidAfterClose records money received for an order that already expired
// or failed. The order is not reopened.
func (s *Service) paidAfterClose(ctx context.Context, order *model.Order, status payments.Status) error {
	s.logger.Error().
		Str("order_id", order.ID).
		Str("order_status", string(order.Status)).
		Str("payment_status", string(status)).
		Msg("Payment succeeded for a closed order")
	err := s.store.RecordReconciliation(ctx, order.ID, model.ReconKindPaidAfterExpiry,
		fmt.Sprintf("payment %s after order %s", status, order.Status), s.now())
	if err != nil {
		return err
	}
	metrics.IncReconciliation(model.ReconKindPaidAfterExpiry, "recorded")
	return ErrReconciliation
}

type sideEffect struct {
	name string
	run  func(ctx context.Context, order *model.Order, customer *model.Customer, bookings []model.Booking) error
}

func (s *Service) sideEffects(order *model.Order) []sideEffect {
	effects := []sideEffect{{name: effectNotifyPaid, run: s.notifyPaid}}
	if order.HasKind(model.ItemKindCamp) {
		effects = append(effects,
			sideEffect{name: effectReferralCode, run: s.issueReferral},
			sideEffect{name: effectReferralNote, run: s.notifyReferral})
	}
	if s.sheets != nil && order.HasKind(model.ItemKindTraining) {
		effects = append(effects, sideEffect{name: effectSheetsSync, run: s.syncSheets})
	}
	return effects
}

// runSideEffects executes each post-payment effect at most once per order.
// Failures are released and queued so a later run can retry them.
func (s *Service) runSideEffects(ctx context.Context, orderID string) {
	log := s.logger.With().Str("order_id", orderID).Logger()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load order for side effects")
		return
	}
	for _, eff := range s.sideEffects(order) {
		if err := s.runSideEffect(ctx, order, eff); err != nil {
			log.Error().Err(err).Str("effect", eff.name).Msg("Side effect failed")
			kind := model.ReconKindSideEffect + eff.name
			if rerr := s.store.RecordReconciliation(ctx, orderID, kind, err.Error(),
				s.now().Add(s.opts.ReconcileBackoff)); rerr != nil {
				log.Error().Err(rerr).Msg("Failed to record reconciliation item")
			}
			metrics.IncReconciliation(kind, "recorded")
		}
	}
}

func (s *Service) runSideEffect(ctx context.Context, order *model.Order, eff sideEffect) error {
	claimed, err := s.store.ClaimSideEffect(ctx, order.ID, eff.name, s.now(), s.opts.SideEffectStaleAfter)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if !claimed {
		return nil
	}

	customer, err := s.store.GetCustomer(ctx, order.CustomerID)
	if err == nil {
		var bookings []model.Booking
		if bookings, err = s.store.BookingsByOrder(ctx, order.ID); err == nil {
			err = eff.run(ctx, order, customer, bookings)
		}
	}
	if err != nil {
		if rerr := s.store.ReleaseSideEffect(ctx, order.ID, eff.name); rerr != nil {
			s.logger.Error().Err(rerr).Str("order_id", order.ID).Msg("Failed to release side effect")
		}
		return err
	}
	return s.store.CompleteSideEffect(ctx, order.ID, eff.name, s.now())
}

func (s *Service) notifyPaid(ctx context.Context, order *model.Order, customer *model.Customer, bookings []model.Booking) error {
	if s.notifier == nil {
		return nil
	}
	return s.notifier.OrderPaid(ctx, customer, order, bookings)
}

func (s *Service) syncSheets(ctx context.Context, _ *model.Order, _ *model.Customer, bookings []model.Booking) error {
	return s.sheets.SyncBookings(ctx, bookings)
}

// issueReferral creates the order's referral code. The unique index on
// order_id keeps a retried run from issuing a second one.
func (s *Service) issueReferral(ctx context.Context, order *model.Order, customer *model.Customer, _ []model.Booking) error {
	settings := s.Settings()
	now := s.now().UTC()

	rc := &model.ReferralCode{
		OrderID:        order.ID,
		CustomerID:     customer.ID,
		DiscountAmount: settings.ReferralAmount,
		MaxUses:        settings.Referral.MaxUses,
		CreatedAt:      now,
	}
	if settings.Referral.ValidDays > 0 {
		exp := now.AddDate(0, 0, settings.Referral.ValidDays)
		rc.ExpiresAt = &exp
	}

	for attempt := 0; attempt < 5; attempt++ {
		rc.Code = newReferralCode()
		_, err := s.store.CreateReferralCode(ctx, rc)
		if errors.Is(err, database.ErrCodeTaken) {
			continue
		}
		if err != nil {
			return err
		}
		break
	}
	if rc.ID == 0 {
		return errors.New("could not allocate a unique referral code")
	}
	return nil
}

// notifyReferral sends the issued code to the customer. It is a separate
// effect so a failed delivery is retried even though the code exists.
func (s *Service) notifyReferral(ctx context.Context, order *model.Order, customer *model.Customer, _ []model.Booking) error {
	issued, err := s.store.SideEffectDone(ctx, order.ID, effectReferralCode)
	if err != nil {
		return err
	}
	if !issued {
		return errors.New("referral code not issued yet")
	}
	codes, err := s.store.ReferralCodesByOrder(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("load referral code: %w", err)
	}
	if len(codes) == 0 {
		return errors.New("referral code missing")
	}
	if s.notifier == nil {
		return nil
	}
	return s.notifier.ReferralIssued(ctx, customer, order, &codes[0])
}

func newReferralCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func (s *Service) invalidateOrderSlots(ctx context.Context, orderID string) {
	bookings, err := s.store.BookingsByOrder(ctx, orderID)
	if err != nil {
		s.logger.Warn().Err(err).Str("order_id", orderID).Msg("Failed to load bookings for cache invalidation")
		return
	}
	for _, b := range bookings {
		s.slots.Invalidate(ctx, b.TrainerID, b.SessionDate)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// nextAttempt is exponential backoff from the base delay, capped at an hour.
func nextAttempt(now time.Time, base time.Duration, attempts int) time.Time {
	d := base
	for i := 0; i < attempts && d < time.Hour; i++ {
		d *= 2
	}
	if d > time.Hour {
		d = time.Hour
	}
	return now.Add(d)
}
