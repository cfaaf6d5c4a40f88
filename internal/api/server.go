// Package api exposes slots, checkout and trainer schedule management over
// HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"ptp/internal/checkout"
	"ptp/internal/metrics"
	"ptp/internal/model"
	"ptp/internal/payments"
	"ptp/internal/slots"
)

const maxBodyBytes = 1 << 20

// ScheduleStore persists trainer availability edits and session outcomes.
type ScheduleStore interface {
	ReplaceWeeklySchedule(ctx context.Context, trainerID int64, rules []model.WeeklyAvailability) error
	UpsertException(ctx context.Context, ex *model.AvailabilityException) error
	DeleteException(ctx context.Context, trainerID int64, date string) error
	AddOpenDate(ctx context.Context, od *model.OpenDate) error
	DeleteOpenDate(ctx context.Context, trainerID, id int64) error
	ListWeeklyRules(ctx context.Context, trainerID int64) ([]model.WeeklyAvailability, error)
	ListExceptions(ctx context.Context, trainerID int64, from, to string) ([]model.AvailabilityException, error)
	GetBooking(ctx context.Context, id int64) (*model.Booking, error)
	UpdateBookingStatus(ctx context.Context, bookingID int64, from []string, to string) error
}

// SlotHolder places reservation holds.
type SlotHolder interface {
	Hold(ctx context.Context, trainerID int64, date, start, owner string) error
	TTL() time.Duration
}

type Config struct {
	APIKey    string
	JWTSecret string
	// HoldRatePerMinute limits hold requests per client IP.
	HoldRatePerMinute int
	HoldBurst         int
}

// Deps are the services the HTTP layer calls into.
type Deps struct {
	Checkout  *checkout.Service
	Slots     *slots.Generator
	Schedule  ScheduleStore
	Holds     SlotHolder
	Providers []payments.Provider
}

type HTTPServer struct {
	cfg       Config
	checkout  *checkout.Service
	slots     *slots.Generator
	schedule  ScheduleStore
	holds     SlotHolder
	providers map[string]payments.Provider
	validate  *validator.Validate
	limiter   *ipLimiter
	logger    *zerolog.Logger
	mux       *http.ServeMux
	now       func() time.Time
}

func NewHTTPServer(cfg Config, deps Deps, logger *zerolog.Logger) *HTTPServer {
	if cfg.HoldRatePerMinute <= 0 {
		cfg.HoldRatePerMinute = 30
	}
	if cfg.HoldBurst <= 0 {
		cfg.HoldBurst = 10
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	s := &HTTPServer{
		cfg:       cfg,
		checkout:  deps.Checkout,
		slots:     deps.Slots,
		schedule:  deps.Schedule,
		holds:     deps.Holds,
		providers: make(map[string]payments.Provider),
		validate:  v,
		limiter:   newIPLimiter(cfg.HoldRatePerMinute, cfg.HoldBurst),
		logger:    logger,
		mux:       http.NewServeMux(),
		now:       time.Now,
	}
	for _, p := range deps.Providers {
		if p != nil {
			s.providers[p.Name()] = p
		}
	}
	s.routes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.mux
}

func (s *HTTPServer) routes() {
	s.handle("GET /api/trainers/{id}/slots", "slots", s.handleSlots)
	s.handle("GET /api/trainers/{id}/calendar", "calendar", s.handleCalendar)

	s.handle("GET /api/trainer/schedule", "trainer_schedule_get", s.trainerOnly(s.handleGetSchedule))
	s.handle("PUT /api/trainer/schedule", "trainer_schedule", s.trainerOnly(s.handleSchedule))
	s.handle("POST /api/trainer/exceptions", "trainer_exception", s.trainerOnly(s.handleAddException))
	s.handle("DELETE /api/trainer/exceptions/{date}", "trainer_exception_delete", s.trainerOnly(s.handleDeleteException))
	s.handle("POST /api/trainer/open-dates", "trainer_open_date", s.trainerOnly(s.handleOpenDate))
	s.handle("DELETE /api/trainer/open-dates/{id}", "trainer_open_date_delete", s.trainerOnly(s.handleDeleteOpenDate))
	s.handle("POST /api/trainer/bookings/{id}/status", "trainer_session_status", s.trainerOnly(s.handleSessionStatus))

	s.handle("POST /api/slots/hold", "hold", s.rateLimited(s.handleHold))
	s.handle("POST /api/cart/totals", "cart_totals", s.handleCartTotals)
	s.handle("POST /api/checkout", "checkout", s.handleCheckout)
	s.handle("POST /api/checkout/{id}/confirm", "confirm", s.handleConfirm)
	s.handle("GET /api/orders/{id}", "order", s.handleGetOrder)
	s.handle("POST /api/bundles", "bundle_create", s.handleCreateBundle)
	s.handle("DELETE /api/bundles/{id}", "bundle_cancel", s.handleCancelBundle)

	s.handle("POST /api/webhooks/{provider}", "webhook", s.handleWebhook)

	s.handle("GET /api/admin/reconciliation", "admin_reconciliation", s.adminOnly(s.handleReconciliation))
	s.handle("POST /api/admin/reconciliation/retry", "admin_reconciliation_retry", s.adminOnly(s.handleReconciliationRetry))
}

// handle registers h and counts responses by route and status code.
func (s *HTTPServer) handle(pattern, route string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.IncHTTP(route, rec.status)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}

// decode reads a JSON body into dst and runs struct validation.
func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required", "required_if":
		return field + " is required"
	case "oneof":
		return field + " must be one of: " + fe.Param()
	case "datetime":
		return field + " must match " + fe.Param()
	default:
		if fe.Param() != "" {
			return field + " failed " + fe.Tag() + "=" + fe.Param()
		}
		return field + " failed " + fe.Tag()
	}
}

// writeServiceError maps checkout errors to HTTP responses. Slot conflicts
// are retryable and never reported as payment failures.
func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	var verr *checkout.ValidationError
	var perr *checkout.PaymentError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": verr.Message, "field": verr.Field})
	case errors.Is(err, checkout.ErrSlotTaken), errors.Is(err, checkout.ErrCampFull),
		errors.Is(err, checkout.ErrBundleUnavailable), errors.Is(err, checkout.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]interface{}{"error": err.Error(), "retryable": checkout.IsRetryable(err)})
	case errors.Is(err, checkout.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, checkout.ErrReconciliation):
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "pending_reconciliation", "error": err.Error()})
	case errors.As(err, &perr):
		switch perr.Kind {
		case checkout.PaymentDeclined, checkout.PaymentCanceled:
			writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{"error": perr.Error(), "kind": perr.Kind})
		case checkout.PaymentProcessing, checkout.PaymentRequiresAction:
			writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": perr.Kind})
		default:
			s.logger.Error().Err(err).Msg("Payment provider error")
			writeJSON(w, http.StatusBadGateway, map[string]interface{}{"error": perr.Error(), "kind": perr.Kind})
		}
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
