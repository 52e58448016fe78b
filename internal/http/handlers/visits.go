package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/turismo/server/internal/auth"
	"github.com/turismo/server/internal/middleware"
	"github.com/turismo/server/internal/visit"
)

const dateLayout = "2006-01-02"

// VisitHandler handles visit check-in, confirmation and ranking endpoints
type VisitHandler struct {
	svc   *visit.Service
	users auth.UserDirectory
}

// NewVisitHandler creates a new visit handler
func NewVisitHandler(svc *visit.Service, users auth.UserDirectory) *VisitHandler {
	return &VisitHandler{svc: svc, users: users}
}

// checkinRequest is the request body for POST /api/places/{id}/checkin
type checkinRequest struct {
	Lat       float64         `json:"lat"`
	Lng       float64         `json:"lng"`
	AccuracyM float64         `json:"accuracy_m"`
	DeviceID  string          `json:"device_id"`
	Meta      json.RawMessage `json:"meta"`
}

// checkinData is the payload returned on check-in
type checkinData struct {
	VisitID        string  `json:"visit_id"`
	Status         string  `json:"status"`
	MinStaySeconds int     `json:"min_stay_seconds"`
	DistanceM      float64 `json:"distance_m"`
}

// confirmRequest is the request body for PATCH /api/visits/{id}/confirm
type confirmRequest struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	AccuracyM float64 `json:"accuracy_m"`
}

// confirmData is the payload returned on confirmation
type confirmData struct {
	Status      string    `json:"status"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// topPlaceData is one entry of the ranking payload
type topPlaceData struct {
	PlaceID     string `json:"place_id"`
	Name        string `json:"name"`
	TotalVisits int64  `json:"total_visits"`
}

// HandleCheckin handles POST /api/places/{id}/checkin. Anonymous check-ins
// are allowed; when a valid session is attached, the visit is linked to the
// user.
func (h *VisitHandler) HandleCheckin(w http.ResponseWriter, r *http.Request) {
	placeID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondValidation(w, "invalid place id")
		return
	}

	var req checkinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondValidation(w, "invalid request body")
		return
	}
	if req.DeviceID == "" {
		respondValidation(w, "device_id is required")
		return
	}

	var userID *uuid.UUID
	if email, ok := middleware.GetEmail(r.Context()); ok {
		if u, err := h.users.FindByEmail(r.Context(), email); err == nil {
			userID = &u.ID
		}
	}

	res, err := h.svc.Checkin(r.Context(), visit.CheckinInput{
		PlaceID:   placeID,
		Lat:       req.Lat,
		Lng:       req.Lng,
		AccuracyM: req.AccuracyM,
		DeviceID:  req.DeviceID,
		Meta:      string(req.Meta),
		UserID:    userID,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	respond(w, http.StatusOK, "checked_in", checkinData{
		VisitID:        res.VisitID.String(),
		Status:         string(res.Status),
		MinStaySeconds: res.MinStaySeconds,
		DistanceM:      res.DistanceM,
	})
}

// HandleConfirm handles PATCH /api/visits/{id}/confirm
func (h *VisitHandler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	visitID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondValidation(w, "invalid visit id")
		return
	}

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondValidation(w, "invalid request body")
		return
	}

	res, err := h.svc.Confirm(r.Context(), visitID, req.Lat, req.Lng, req.AccuracyM)
	if err != nil {
		respondError(w, err)
		return
	}

	respond(w, http.StatusOK, "confirmed", confirmData{
		Status:      string(res.Status),
		ConfirmedAt: res.ConfirmedAt,
	})
}

// HandleTop handles GET /api/places/top?from=YYYY-MM-DD&to=YYYY-MM-DD&limit=N
func (h *VisitHandler) HandleTop(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -30)
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse(dateLayout, s)
		if err != nil {
			respondValidation(w, "from must be YYYY-MM-DD")
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse(dateLayout, s)
		if err != nil {
			respondValidation(w, "to must be YYYY-MM-DD")
			return
		}
		to = t
	}

	limit := 10
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			respondValidation(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	places, err := h.svc.Top(r.Context(), from, to, limit)
	if err != nil {
		respondError(w, err)
		return
	}

	out := make([]topPlaceData, 0, len(places))
	for _, p := range places {
		out = append(out, topPlaceData{
			PlaceID:     p.PlaceID.String(),
			Name:        p.Name,
			TotalVisits: p.TotalVisits,
		})
	}
	respond(w, http.StatusOK, "ok", map[string][]topPlaceData{"places": out})
}
