package checkout

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"ptp/internal/database"
	"ptp/internal/model"
	"ptp/internal/pricing"
)

// BundleRequest selects a training session to be paid together with a camp
// registration in the same checkout session.
type BundleRequest struct {
	SessionID  string
	CustomerID int64
	TrainerID  int64
	Date       string
	StartTime  string
	Duration   int
	Package    string
}

// CreateBundle records a pending training selection. The bundle discount is
// applied when an order referencing it also contains a camp item.
func (s *Service) CreateBundle(ctx context.Context, req BundleRequest) (*model.Bundle, error) {
	if req.SessionID == "" {
		return nil, invalid("session_id", "is required")
	}
	b, err := s.trainingBooking(ctx, 0, ItemRequest{
		Kind:      model.ItemKindTraining,
		TrainerID: req.TrainerID,
		Date:      req.Date,
		StartTime: req.StartTime,
		Duration:  req.Duration,
	}, req.SessionID, s.Settings())
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			verr.Field = trimItemPrefix(verr.Field)
		}
		return nil, err
	}

	duration := req.Duration
	if duration <= 0 {
		duration = 60
	}
	bundle := &model.Bundle{
		ID:          uuid.NewString(),
		SessionID:   req.SessionID,
		CustomerID:  req.CustomerID,
		TrainerID:   b.TrainerID,
		SessionDate: b.SessionDate,
		StartTime:   b.StartTime,
		Duration:    duration,
		Package:     req.Package,
		Amount:      b.Amount,
		Status:      model.BundleStatusActive,
		ExpiresAt:   s.now().Add(s.opts.BundleTTL),
	}
	if err := s.store.CreateBundle(ctx, bundle); err != nil {
		return nil, err
	}
	s.logger.Info().Str("bundle_id", bundle.ID).Int64("trainer_id", bundle.TrainerID).Msg("Bundle created")
	return bundle, nil
}

// BundleQuote prices the bundle against a camp cart without persisting. It
// applies the same referral rules as PlaceOrder.
func (s *Service) BundleQuote(ctx context.Context, bundleID string, cart pricing.Cart, referralCode string) (pricing.Totals, error) {
	b, err := s.store.GetBundle(ctx, bundleID)
	if errors.Is(err, database.ErrNotFound) {
		return pricing.Totals{}, ErrBundleUnavailable
	}
	if err != nil {
		return pricing.Totals{}, err
	}
	if !b.IsOpen(s.now()) {
		return pricing.Totals{}, ErrBundleUnavailable
	}
	cart.Items = append(cart.Items, pricing.LineItem{
		Kind:      model.ItemKindTraining,
		CamperKey: "bundle",
		BasePrice: b.Amount,
	})
	return s.Quote(ctx, cart, referralCode)
}

func (s *Service) CancelBundle(ctx context.Context, id string) error {
	err := s.store.CancelBundle(ctx, id)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, database.ErrStatusChanged):
		return ErrBundleUnavailable
	}
	return err
}

func trimItemPrefix(field string) string {
	const prefix = "items[0]."
	if len(field) > len(prefix) && field[:len(prefix)] == prefix {
		return field[len(prefix):]
	}
	return field
}
