package visit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/turismo/server/internal/apperr"
	"github.com/turismo/server/internal/model"
)

const (
	// RadiusM is the geofence radius around a place, applied both at
	// check-in and again at confirmation time.
	RadiusM = 80.0

	// MinStaySeconds is the minimum dwell between check-in and confirm.
	MinStaySeconds = 180

	// MaxAccuracyM rejects fixes too imprecise to trust.
	MaxAccuracyM = 75.0
)

// GeofenceOracle answers whether coordinates fall within radiusM of a place
// and, when they do, at what distance. Out-of-range is reported as
// within=false, not an error.
type GeofenceOracle interface {
	DistanceWithin(ctx context.Context, placeID uuid.UUID, lat, lng, radiusM float64) (distanceM float64, within bool, err error)
}

// Repo is the visit persistence collaborator. ConfirmIfPending must check
// the pending status in the same atomic update as the transition so that of
// two concurrent confirms exactly one wins.
type Repo interface {
	InsertPending(ctx context.Context, v model.PlaceVisit) (model.PlaceVisit, error)
	FindByID(ctx context.Context, id uuid.UUID) (model.PlaceVisit, error)
	ConfirmIfPending(ctx context.Context, id uuid.UUID, at time.Time) (model.PlaceVisit, bool, error)
	ExistsConfirmedToday(ctx context.Context, placeID uuid.UUID, deviceID string, dayStart time.Time) (bool, error)
	IncrementDailyCounter(ctx context.Context, placeID uuid.UUID, day time.Time) error
	TopByVisits(ctx context.Context, from, to time.Time, limit int) ([]model.TopPlace, error)
}

// Service implements the two-phase geofenced visit workflow: check-in near a
// place, dwell, then confirm while still near it. The dwell minimum and the
// per-device-per-day dedup make drive-by and replayed visits worthless;
// anonymous visits are allowed and deduplicated by device identity.
type Service struct {
	geo  GeofenceOracle
	repo Repo
	now  func() time.Time
}

// NewService creates a new visit service
func NewService(geo GeofenceOracle, repo Repo) *Service {
	return &Service{geo: geo, repo: repo, now: time.Now}
}

// CheckinInput is the data for a check-in attempt
type CheckinInput struct {
	PlaceID   uuid.UUID
	Lat       float64
	Lng       float64
	AccuracyM float64
	DeviceID  string
	Meta      string
	UserID    *uuid.UUID
}

// CheckinResult reports the opened visit
type CheckinResult struct {
	VisitID        uuid.UUID
	Status         model.VisitStatus
	MinStaySeconds int
	DistanceM      float64
}

// ConfirmResult reports the confirmed visit
type ConfirmResult struct {
	Status      model.VisitStatus
	ConfirmedAt time.Time
}

// Checkin opens a pending visit for a device standing within the geofence
func (s *Service) Checkin(ctx context.Context, in CheckinInput) (CheckinResult, error) {
	if in.DeviceID == "" {
		return CheckinResult{}, apperr.Validation("device_required", "device_id is required")
	}
	if in.AccuracyM > MaxAccuracyM {
		return CheckinResult{}, apperr.Validation("poor_accuracy", "location accuracy is too low")
	}

	dist, within, err := s.geo.DistanceWithin(ctx, in.PlaceID, in.Lat, in.Lng, RadiusM)
	if err != nil {
		return CheckinResult{}, fmt.Errorf("geofence check: %w", err)
	}
	if !within {
		return CheckinResult{}, apperr.Validation("out_of_range", "you are too far from the place")
	}

	meta := in.Meta
	if meta == "" {
		meta = "{}"
	}

	saved, err := s.repo.InsertPending(ctx, model.PlaceVisit{
		PlaceID:   in.PlaceID,
		UserID:    in.UserID,
		DeviceID:  in.DeviceID,
		StartedAt: s.now().UTC(),
		Status:    model.VisitPending,
		DistanceM: dist,
		AccuracyM: in.AccuracyM,
		Meta:      meta,
	})
	if err != nil {
		return CheckinResult{}, fmt.Errorf("insert visit: %w", err)
	}

	return CheckinResult{
		VisitID:        saved.ID,
		Status:         saved.Status,
		MinStaySeconds: MinStaySeconds,
		DistanceM:      dist,
	}, nil
}

// Confirm completes a pending visit after the minimum dwell, re-verifying
// proximity with the confirm-time coordinates. The pending→confirmed
// transition is serialized by the persistence layer; of two racing confirms
// the loser gets already_handled.
func (s *Service) Confirm(ctx context.Context, visitID uuid.UUID, lat, lng, accuracyM float64) (ConfirmResult, error) {
	v, err := s.repo.FindByID(ctx, visitID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if v.Status != model.VisitPending {
		return ConfirmResult{}, apperr.Conflict("already_handled", "visit was already handled")
	}

	now := s.now()
	if now.Sub(v.StartedAt) < MinStaySeconds*time.Second {
		return ConfirmResult{}, apperr.Conflict("dwell_too_short", "minimum stay not reached yet")
	}

	_, within, err := s.geo.DistanceWithin(ctx, v.PlaceID, lat, lng, RadiusM)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("geofence recheck: %w", err)
	}
	if !within {
		return ConfirmResult{}, apperr.Validation("out_of_range", "you are too far from the place")
	}

	dup, err := s.repo.ExistsConfirmedToday(ctx, v.PlaceID, v.DeviceID, dayStart(now))
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("dedup check: %w", err)
	}
	if dup {
		return ConfirmResult{}, apperr.Conflict("duplicate_today", "this device already confirmed a visit here today")
	}

	confirmed, ok, err := s.repo.ConfirmIfPending(ctx, visitID, now.UTC())
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("confirm visit: %w", err)
	}
	if !ok {
		return ConfirmResult{}, apperr.Conflict("already_handled", "visit was already handled")
	}

	// The visit is confirmed at this point; a counter failure must not make
	// the client retry (it would only see already_handled).
	if err := s.repo.IncrementDailyCounter(ctx, v.PlaceID, dayStart(now)); err != nil {
		log.Printf("visit: increment daily counter for place %s: %v", v.PlaceID, err)
	}

	return ConfirmResult{Status: confirmed.Status, ConfirmedAt: *confirmed.ConfirmedAt}, nil
}

// Top ranks places by confirmed visits over the inclusive date range
func (s *Service) Top(ctx context.Context, from, to time.Time, limit int) ([]model.TopPlace, error) {
	if to.Before(from) {
		return nil, apperr.Validation("bad_range", "to must not be before from")
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	places, err := s.repo.TopByVisits(ctx, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("top places: %w", err)
	}
	return places, nil
}

// dayStart truncates t to the start of its UTC calendar day
func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
