package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ptp/internal/checkout"
	"ptp/internal/holds"
	"ptp/internal/metrics"
	"ptp/internal/model"
	"ptp/internal/slots"
)

const maxCalendarDays = 90

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	return id, err == nil && id > 0
}

// handleSlots returns the slots of one trainer on one date.
// GET /api/trainers/{id}/slots?date=YYYY-MM-DD[&duration=60]
func (s *HTTPServer) handleSlots(w http.ResponseWriter, r *http.Request) {
	trainerID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid trainer id")
		return
	}
	q := r.URL.Query()
	date, err := model.ParseDate(q.Get("date"), s.slots.Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date format; expected YYYY-MM-DD")
		return
	}
	duration := 0
	if d := q.Get("duration"); d != "" {
		duration, err = strconv.Atoi(d)
		if err != nil || duration <= 0 || duration > 8*60 {
			writeError(w, http.StatusBadRequest, "invalid duration")
			return
		}
	}

	list, err := s.slots.Generate(r.Context(), slots.Query{TrainerID: trainerID, Date: date, Duration: duration})
	if err != nil {
		metrics.IncSlotQuery("error")
		s.logger.Error().Err(err).Int64("trainer_id", trainerID).Msg("Slot generation failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if len(list) == 0 {
		metrics.IncSlotQuery("empty")
	} else {
		metrics.IncSlotQuery("ok")
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trainer_id": trainerID,
		"date":       date.Format(model.DateLayout),
		"slots":      slots.ToSlotInfo(list),
	})
}

// handleCalendar summarizes availability for a range of days.
// GET /api/trainers/{id}/calendar?from=YYYY-MM-DD&days=14
func (s *HTTPServer) handleCalendar(w http.ResponseWriter, r *http.Request) {
	trainerID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid trainer id")
		return
	}
	q := r.URL.Query()
	from := time.Now().In(s.slots.Location())
	if v := q.Get("from"); v != "" {
		d, err := model.ParseDate(v, s.slots.Location())
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from format; expected YYYY-MM-DD")
			return
		}
		from = d
	}
	days := 14
	if v := q.Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxCalendarDays {
			writeError(w, http.StatusBadRequest, "days must be between 1 and 90")
			return
		}
		days = n
	}

	summary, err := s.slots.Calendar(r.Context(), trainerID, from, days)
	if err != nil {
		s.logger.Error().Err(err).Int64("trainer_id", trainerID).Msg("Calendar failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trainer_id": trainerID, "days": summary})
}

type holdRequest struct {
	TrainerID int64  `json:"trainer_id" validate:"required,gt=0"`
	Date      string `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime string `json:"start_time" validate:"required,datetime=15:04"`
	Duration  int    `json:"duration" validate:"omitempty,min=15,max=480"`
	SessionID string `json:"session_id" validate:"omitempty,max=128"`
}

// handleHold places a short reservation on a slot while the customer is in
// checkout. The returned token is passed as session_id to /api/checkout.
// POST /api/slots/hold
func (s *HTTPServer) handleHold(w http.ResponseWriter, r *http.Request) {
	if s.holds == nil {
		writeError(w, http.StatusServiceUnavailable, "holds are not enabled")
		return
	}
	var req holdRequest
	if !s.decode(w, r, &req) {
		return
	}
	date, err := model.ParseDate(req.Date, s.slots.Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date format; expected YYYY-MM-DD")
		return
	}

	free, err := s.slots.IsReservable(r.Context(), req.TrainerID, date, req.StartTime, req.Duration)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if !free {
		s.writeServiceError(w, checkout.ErrSlotTaken)
		return
	}

	token := req.SessionID
	if token == "" {
		token = uuid.NewString()
	}
	if err := s.holds.Hold(r.Context(), req.TrainerID, req.Date, req.StartTime, token); err != nil {
		if errors.Is(err, holds.ErrHeld) {
			s.writeServiceError(w, checkout.ErrSlotTaken)
			return
		}
		s.writeServiceError(w, err)
		return
	}
	s.slots.Invalidate(r.Context(), req.TrainerID, req.Date)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token":      token,
		"expires_in": int(s.holds.TTL().Seconds()),
	})
}
