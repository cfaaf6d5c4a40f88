package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ptp/internal/database"
	"ptp/internal/metrics"
	"ptp/internal/model"
	"ptp/internal/payments"
)

const sweepBatch = 100

// RetryReconciliation works through due reconciliation items and returns how
// many were resolved.
func (s *Service) RetryReconciliation(ctx context.Context) (int, error) {
	items, err := s.store.DueReconciliation(ctx, s.now(), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("load reconciliation items: %w", err)
	}
	resolved := 0
	for i := range items {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		if s.retryOne(ctx, &items[i]) {
			resolved++
		}
	}
	return resolved, nil
}

// RetryItem puts one item back in the queue and retries it immediately.
func (s *Service) RetryItem(ctx context.Context, id int64) (*model.ReconciliationItem, error) {
	if err := s.store.ReopenReconciliation(ctx, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	item, err := s.findItem(ctx, id)
	if err != nil {
		return nil, err
	}
	s.retryOne(ctx, item)
	return s.findItem(ctx, id)
}

// Reconciliation lists items by status; empty status lists all.
func (s *Service) Reconciliation(ctx context.Context, status string) ([]model.ReconciliationItem, error) {
	return s.store.ListReconciliation(ctx, status)
}

func (s *Service) findItem(ctx context.Context, id int64) (*model.ReconciliationItem, error) {
	items, err := s.store.ListReconciliation(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].ID == id {
			return &items[i], nil
		}
	}
	return nil, ErrNotFound
}

func (s *Service) retryOne(ctx context.Context, item *model.ReconciliationItem) bool {
	log := s.logger.With().Int64("item_id", item.ID).Str("order_id", item.OrderID).Str("kind", item.Kind).Logger()

	err := s.attempt(ctx, item)
	if err == nil {
		if rerr := s.store.ResolveReconciliation(ctx, item.ID); rerr != nil {
			log.Error().Err(rerr).Msg("Failed to resolve reconciliation item")
			return false
		}
		metrics.IncReconciliation(item.Kind, "resolved")
		log.Info().Msg("Reconciliation item resolved")
		return true
	}

	giveUp := item.Attempts+1 >= s.opts.ReconcileMaxAttempts || errors.Is(err, errManual)
	next := nextAttempt(s.now(), s.opts.ReconcileBackoff, item.Attempts+1)
	if ferr := s.store.FailReconciliation(ctx, item.ID, err.Error(), next, giveUp); ferr != nil {
		log.Error().Err(ferr).Msg("Failed to update reconciliation item")
		return false
	}
	if giveUp {
		metrics.IncReconciliation(item.Kind, "gave_up")
		log.Error().Err(err).Int("attempts", item.Attempts+1).Msg("Reconciliation gave up, manual action required")
	} else {
		metrics.IncReconciliation(item.Kind, "retry")
		log.Warn().Err(err).Time("next_attempt_at", next).Msg("Reconciliation attempt failed")
	}
	return false
}

var errManual = errors.New("needs manual refund")

func (s *Service) attempt(ctx context.Context, item *model.ReconciliationItem) error {
	switch {
	case item.Kind == model.ReconKindFinalize:
		res, err := s.store.FinalizePaidOrder(ctx, item.OrderID, s.now())
		if err != nil {
			return err
		}
		if !res.AlreadyPaid {
			metrics.IncOrderTransition(string(model.OrderStatusPaid))
			s.invalidateOrderSlots(ctx, item.OrderID)
		}
		s.runSideEffects(ctx, item.OrderID)
		return nil

	case item.Kind == model.ReconKindPaidAfterExpiry:
		order, err := s.store.GetOrder(ctx, item.OrderID)
		if err != nil {
			return err
		}
		if order.Status == model.OrderStatusPaid {
			return nil
		}
		return errManual

	case strings.HasPrefix(item.Kind, model.ReconKindSideEffect):
		name := strings.TrimPrefix(item.Kind, model.ReconKindSideEffect)
		order, err := s.store.GetOrder(ctx, item.OrderID)
		if err != nil {
			return err
		}
		for _, eff := range s.sideEffects(order) {
			if eff.name == name {
				return s.runSideEffect(ctx, order, eff)
			}
		}
		// Effect no longer configured.
		return nil
	}
	return fmt.Errorf("unknown reconciliation kind %q", item.Kind)
}

// ExpireStale closes orders whose payment window passed. The provider is
// asked first so a late success is finalized instead of expired.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	orders, err := s.store.ExpirableOrders(ctx, s.now(), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("load expirable orders: %w", err)
	}

	expired := 0
	for i := range orders {
		o := &orders[i]
		log := s.logger.With().Str("order_id", o.ID).Str("status", string(o.Status)).Logger()

		if o.PaymentIntentID != "" {
			intent, err := s.provider.GetIntent(ctx, o.PaymentIntentID)
			if err != nil {
				log.Warn().Err(err).Msg("Skipping expiry, payment status unknown")
				continue
			}
			switch intent.Status {
			case payments.StatusSucceeded:
				if err := s.finalize(ctx, o.ID); err != nil {
					log.Error().Err(err).Msg("Failed to finalize late payment")
				}
				continue
			case payments.StatusProcessing:
				continue
			}
			if err := s.provider.CancelIntent(ctx, o.PaymentIntentID); err != nil {
				log.Warn().Err(err).Msg("Failed to cancel payment intent")
			}
		}

		err := s.store.CloseOrder(ctx, o.ID, s.fsm.Sources(model.OrderStatusExpired), model.OrderStatusExpired, "payment window expired")
		if errors.Is(err, database.ErrStatusChanged) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Msg("Failed to expire order")
			continue
		}
		metrics.IncOrderTransition(string(model.OrderStatusExpired))
		s.invalidateOrderSlots(ctx, o.ID)
		log.Info().Msg("Order expired")
		expired++
	}

	if n, err := s.store.AbandonExpiredBundles(ctx, s.now()); err != nil {
		s.logger.Error().Err(err).Msg("Failed to abandon expired bundles")
	} else if n > 0 {
		s.logger.Info().Int64("count", n).Msg("Abandoned expired bundles")
	}
	return expired, nil
}
