package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"ptp/internal/database"
	"ptp/internal/model"
)

type scheduleDay struct {
	DayOfWeek    *int   `json:"day_of_week" validate:"required,min=0,max=6"`
	Enabled      bool   `json:"enabled"`
	Start        string `json:"start" validate:"required_if=Enabled true,omitempty,datetime=15:04"`
	End          string `json:"end" validate:"required_if=Enabled true,omitempty,datetime=15:04"`
	SlotDuration int    `json:"slot_duration" validate:"omitempty,min=15,max=240"`
}

type scheduleRequest struct {
	Days []scheduleDay `json:"days" validate:"required,min=1,max=7,dive"`
}

// handleSchedule replaces the weekly template of the authenticated trainer.
// PUT /api/trainer/schedule
func (s *HTTPServer) handleSchedule(w http.ResponseWriter, r *http.Request) {
	trainerID := trainerFromContext(r.Context())
	var req scheduleRequest
	if !s.decode(w, r, &req) {
		return
	}

	seen := make(map[int]bool)
	rules := make([]model.WeeklyAvailability, 0, len(req.Days))
	for _, d := range req.Days {
		day := *d.DayOfWeek
		if seen[day] {
			writeError(w, http.StatusBadRequest, "day_of_week listed twice")
			return
		}
		seen[day] = true
		if !d.Enabled {
			continue
		}
		if msg := checkWindow(d.Start, d.End); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		rules = append(rules, model.WeeklyAvailability{
			DayOfWeek:    day,
			StartTime:    d.Start,
			EndTime:      d.End,
			SlotDuration: d.SlotDuration,
			IsActive:     true,
		})
	}

	if err := s.schedule.ReplaceWeeklySchedule(r.Context(), trainerID, rules); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.slots.Invalidate(r.Context(), trainerID, "")
	writeJSON(w, http.StatusOK, map[string]interface{}{"trainer_id": trainerID, "days": rules})
}

// handleGetSchedule returns the weekly template and the exceptions of the
// coming days.
// GET /api/trainer/schedule[?days=30]
func (s *HTTPServer) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	trainerID := trainerFromContext(r.Context())
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxCalendarDays {
			writeError(w, http.StatusBadRequest, "days must be between 1 and 90")
			return
		}
		days = n
	}

	rules, err := s.schedule.ListWeeklyRules(r.Context(), trainerID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	from := model.DateOnly(s.now().In(s.slots.Location()))
	exceptions, err := s.schedule.ListExceptions(r.Context(), trainerID,
		from.Format(model.DateLayout), from.AddDate(0, 0, days).Format(model.DateLayout))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trainer_id": trainerID,
		"days":       rules,
		"exceptions": exceptions,
	})
}

type exceptionRequest struct {
	Date   string `json:"date" validate:"required,datetime=2006-01-02"`
	Type   string `json:"type" validate:"required,oneof=blocked modified extra"`
	Start  string `json:"start" validate:"required_unless=Type blocked,omitempty,datetime=15:04"`
	End    string `json:"end" validate:"required_unless=Type blocked,omitempty,datetime=15:04"`
	Reason string `json:"reason" validate:"max=255"`
}

// POST /api/trainer/exceptions
func (s *HTTPServer) handleAddException(w http.ResponseWriter, r *http.Request) {
	trainerID := trainerFromContext(r.Context())
	var req exceptionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Type != model.ExceptionBlocked {
		if msg := checkWindow(req.Start, req.End); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}

	ex := &model.AvailabilityException{
		TrainerID:   trainerID,
		Date:        req.Date,
		Type:        req.Type,
		IsAvailable: req.Type != model.ExceptionBlocked,
		StartTime:   req.Start,
		EndTime:     req.End,
		Reason:      req.Reason,
	}
	if err := s.schedule.UpsertException(r.Context(), ex); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.slots.Invalidate(r.Context(), trainerID, req.Date)
	writeJSON(w, http.StatusCreated, ex)
}

// DELETE /api/trainer/exceptions/{date}
func (s *HTTPServer) handleDeleteException(w http.ResponseWriter, r *http.Request) {
	trainerID := trainerFromContext(r.Context())
	date := r.PathValue("date")
	if _, err := model.ParseDate(date, s.slots.Location()); err != nil {
		writeError(w, http.StatusBadRequest, "invalid date format; expected YYYY-MM-DD")
		return
	}
	err := s.schedule.DeleteException(r.Context(), trainerID, date)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.slots.Invalidate(r.Context(), trainerID, date)
	w.WriteHeader(http.StatusNoContent)
}

type openDateRequest struct {
	Date     string `json:"date" validate:"required,datetime=2006-01-02"`
	Start    string `json:"start" validate:"required,datetime=15:04"`
	End      string `json:"end" validate:"required,datetime=15:04"`
	Location string `json:"location" validate:"max=255"`
}

// POST /api/trainer/open-dates
func (s *HTTPServer) handleOpenDate(w http.ResponseWriter, r *http.Request) {
	trainerID := trainerFromContext(r.Context())
	var req openDateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if msg := checkWindow(req.Start, req.End); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	od := &model.OpenDate{
		TrainerID: trainerID,
		Date:      req.Date,
		StartTime: req.Start,
		EndTime:   req.End,
		Location:  req.Location,
	}
	if err := s.schedule.AddOpenDate(r.Context(), od); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.slots.Invalidate(r.Context(), trainerID, req.Date)
	writeJSON(w, http.StatusCreated, od)
}

type sessionStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=completed no_show"`
}

// handleSessionStatus records the outcome of a confirmed session once it
// has started.
// POST /api/trainer/bookings/{id}/status
func (s *HTTPServer) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	trainerID := trainerFromContext(r.Context())
	bookingID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid booking id")
		return
	}
	var req sessionStatusRequest
	if !s.decode(w, r, &req) {
		return
	}

	b, err := s.schedule.GetBooking(r.Context(), bookingID)
	if errors.Is(err, database.ErrNotFound) || (err == nil && b.TrainerID != trainerID) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	start, err := sessionStart(b, s.slots.Location())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if s.now().Before(start) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{"error": "session has not started yet", "retryable": false})
		return
	}

	err = s.schedule.UpdateBookingStatus(r.Context(), b.ID, []string{model.BookingStatusConfirmed}, req.Status)
	if errors.Is(err, database.ErrStatusChanged) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{"error": "booking is " + b.Status, "retryable": false})
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	b.Status = req.Status
	writeJSON(w, http.StatusOK, b)
}

func sessionStart(b *model.Booking, loc *time.Location) (time.Time, error) {
	date, err := model.ParseDate(b.SessionDate, loc)
	if err != nil {
		return time.Time{}, err
	}
	minutes, err := model.ParseClock(b.StartTime)
	if err != nil {
		return time.Time{}, err
	}
	return model.OnDate(date, minutes), nil
}

// DELETE /api/trainer/open-dates/{id}
func (s *HTTPServer) handleDeleteOpenDate(w http.ResponseWriter, r *http.Request) {
	trainerID := trainerFromContext(r.Context())
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid open date id")
		return
	}
	err := s.schedule.DeleteOpenDate(r.Context(), trainerID, id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.slots.Invalidate(r.Context(), trainerID, "")
	w.WriteHeader(http.StatusNoContent)
}

func checkWindow(start, end string) string {
	s, err := model.ParseClock(start)
	if err != nil {
		return "invalid start"
	}
	e, err := model.ParseClock(end)
	if err != nil {
		return "invalid end"
	}
	if e <= s {
		return "end must be after start"
	}
	return ""
}
