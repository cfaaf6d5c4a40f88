package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"ptp/internal/checkout"
	"ptp/internal/model"
	"ptp/internal/payments"
	"ptp/internal/pricing"
)

type cartItem struct {
	Kind      string   `json:"kind" validate:"required,oneof=camp training"`
	CamperKey string   `json:"camper_key" validate:"max=64"`
	BasePrice int64    `json:"base_price" validate:"min=0"`
	AddOns    []string `json:"add_ons"`
}

type cartRequest struct {
	Items        []cartItem `json:"items" validate:"dive"`
	ReferralCode string     `json:"referral_code" validate:"max=32"`
	BundleID     string     `json:"bundle_id" validate:"omitempty,uuid"`
}

// handleCartTotals prices a cart without creating anything.
// POST /api/cart/totals
func (s *HTTPServer) handleCartTotals(w http.ResponseWriter, r *http.Request) {
	var req cartRequest
	if !s.decode(w, r, &req) {
		return
	}

	var cart pricing.Cart
	for _, it := range req.Items {
		kind := model.ItemKind(it.Kind)
		cart.Items = append(cart.Items, pricing.LineItem{
			Kind:      kind,
			CamperKey: it.CamperKey,
			BasePrice: it.BasePrice,
			AddOns:    it.AddOns,
		})
		cart.HasCampProducts = cart.HasCampProducts || kind == model.ItemKindCamp
		cart.HasTrainingProducts = cart.HasTrainingProducts || kind == model.ItemKindTraining
	}

	var (
		totals pricing.Totals
		err    error
	)
	if req.BundleID != "" {
		cart.HasTrainingProducts = true
		totals, err = s.checkout.BundleQuote(r.Context(), req.BundleID, cart, req.ReferralCode)
	} else {
		totals, err = s.checkout.Quote(r.Context(), cart, req.ReferralCode)
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

type checkoutItem struct {
	Kind       string   `json:"kind" validate:"required,oneof=camp training"`
	CamperKey  string   `json:"camper_key" validate:"max=64"`
	CamperName string   `json:"camper_name" validate:"max=128"`
	CampID     int64    `json:"camp_id" validate:"required_if=Kind camp"`
	TrainerID  int64    `json:"trainer_id" validate:"required_if=Kind training"`
	Date       string   `json:"date" validate:"required_if=Kind training,omitempty,datetime=2006-01-02"`
	StartTime  string   `json:"start_time" validate:"required_if=Kind training,omitempty,datetime=15:04"`
	Duration   int      `json:"duration" validate:"omitempty,min=15,max=480"`
	AddOns     []string `json:"add_ons"`
}

type checkoutRequest struct {
	CustomerID   int64          `json:"customer_id" validate:"required,gt=0"`
	SessionID    string         `json:"session_id" validate:"max=128"`
	ReferralCode string         `json:"referral_code" validate:"max=32"`
	BundleID     string         `json:"bundle_id" validate:"omitempty,uuid"`
	Items        []checkoutItem `json:"items" validate:"max=20,dive"`
}

type orderResponse struct {
	Order        *model.Order `json:"order"`
	ClientSecret string       `json:"client_secret,omitempty"`
}

// handleCheckout places the order and returns the payment client secret.
// A taken slot answers 409 with retryable=true.
// POST /api/checkout
func (s *HTTPServer) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !s.decode(w, r, &req) {
		return
	}

	orderReq := checkout.OrderRequest{
		CustomerID:   req.CustomerID,
		SessionID:    req.SessionID,
		ReferralCode: req.ReferralCode,
		BundleID:     req.BundleID,
	}
	for _, it := range req.Items {
		orderReq.Items = append(orderReq.Items, checkout.ItemRequest{
			Kind:       model.ItemKind(it.Kind),
			CamperKey:  it.CamperKey,
			CamperName: it.CamperName,
			CampID:     it.CampID,
			TrainerID:  it.TrainerID,
			Date:       it.Date,
			StartTime:  it.StartTime,
			Duration:   it.Duration,
			AddOns:     it.AddOns,
		})
	}

	order, err := s.checkout.PlaceOrder(r.Context(), orderReq)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderResponse{Order: order, ClientSecret: order.ClientSecret})
}

// handleConfirm answers 200 when paid, 402 when declined and 202 while the
// payment is processing or waits for a customer action.
// POST /api/checkout/{id}/confirm
func (s *HTTPServer) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	order, err := s.checkout.Confirm(r.Context(), id)
	if err != nil {
		var perr *checkout.PaymentError
		if errors.As(err, &perr) && (perr.Kind == checkout.PaymentProcessing || perr.Kind == checkout.PaymentRequiresAction) {
			current, gerr := s.checkout.GetOrder(r.Context(), id)
			if gerr == nil {
				writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": perr.Kind, "order": current})
				return
			}
		}
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{Order: order})
}

// GET /api/orders/{id}
func (s *HTTPServer) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.checkout.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{Order: order})
}

type bundleRequest struct {
	SessionID  string `json:"session_id" validate:"required,max=128"`
	CustomerID int64  `json:"customer_id" validate:"omitempty,gt=0"`
	TrainerID  int64  `json:"trainer_id" validate:"required,gt=0"`
	Date       string `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime  string `json:"start_time" validate:"required,datetime=15:04"`
	Duration   int    `json:"duration" validate:"omitempty,min=15,max=480"`
	Package    string `json:"package" validate:"max=64"`
}

// POST /api/bundles
func (s *HTTPServer) handleCreateBundle(w http.ResponseWriter, r *http.Request) {
	var req bundleRequest
	if !s.decode(w, r, &req) {
		return
	}
	bundle, err := s.checkout.CreateBundle(r.Context(), checkout.BundleRequest{
		SessionID:  req.SessionID,
		CustomerID: req.CustomerID,
		TrainerID:  req.TrainerID,
		Date:       req.Date,
		StartTime:  req.StartTime,
		Duration:   req.Duration,
		Package:    req.Package,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bundle)
}

// DELETE /api/bundles/{id}
func (s *HTTPServer) handleCancelBundle(w http.ResponseWriter, r *http.Request) {
	if err := s.checkout.CancelBundle(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebhook verifies and applies a provider notification. Errors other
// than a bad signature answer 5xx so the provider retries delivery.
// POST /api/webhooks/{provider}
func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider, ok := s.providers[r.PathValue("provider")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}

	ev, err := provider.ParseWebhook(payload, r.Header)
	switch {
	case errors.Is(err, payments.ErrIgnoredEvent):
		writeJSON(w, http.StatusOK, map[string]interface{}{"received": true, "ignored": true})
		return
	case errors.Is(err, payments.ErrInvalidSignature):
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	err = s.checkout.HandleWebhook(r.Context(), ev)
	if err != nil && !errors.Is(err, checkout.ErrReconciliation) && !errors.Is(err, checkout.ErrNotFound) {
		s.logger.Error().Err(err).Str("provider", provider.Name()).Str("event_id", ev.ID).Msg("Webhook handling failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"received": true})
}

// GET /api/admin/reconciliation?status=open
func (s *HTTPServer) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", string(model.ReconStatusOpen), string(model.ReconStatusResolved), string(model.ReconStatusGaveUp):
	default:
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	items, err := s.checkout.Reconciliation(r.Context(), status)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

type retryRequest struct {
	ID int64 `json:"id" validate:"omitempty,gt=0"`
}

// handleReconciliationRetry retries one item, or every due item when no id
// is given.
// POST /api/admin/reconciliation/retry
func (s *HTTPServer) handleReconciliationRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if r.ContentLength != 0 {
		if !s.decode(w, r, &req) {
			return
		}
	} else if v := r.URL.Query().Get("id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		req.ID = id
	}

	if req.ID > 0 {
		item, err := s.checkout.RetryItem(r.Context(), req.ID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"item": item})
		return
	}

	n, err := s.checkout.RetryReconciliation(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"retried": n})
}
