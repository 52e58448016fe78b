package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/turismo/server/internal/apperr"
	"github.com/turismo/server/internal/model"
)

const visitColumns = `id, place_id, user_id, device_id, started_at, confirmed_at, status, distance_m, accuracy_m, meta`

// VisitRepo is the Postgres-backed visit persistence
type VisitRepo struct {
	db *sql.DB
}

// NewVisitRepo creates a new VisitRepo instance
func NewVisitRepo(db *sql.DB) *VisitRepo {
	return &VisitRepo{db: db}
}

// InsertPending inserts a new pending visit and returns it with its id
func (r *VisitRepo) InsertPending(ctx context.Context, v model.PlaceVisit) (model.PlaceVisit, error) {
	var userID interface{}
	if v.UserID != nil {
		userID = v.UserID.String()
	}

	var idStr string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO place_visits (place_id, user_id, device_id, started_at, status, distance_m, accuracy_m, meta)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7)
		RETURNING id
	`, v.PlaceID.String(), userID, v.DeviceID, v.StartedAt, v.DistanceM, v.AccuracyM, v.Meta).Scan(&idStr)
	if err != nil {
		return model.PlaceVisit{}, fmt.Errorf("insert visit: %w", err)
	}

	v.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.PlaceVisit{}, fmt.Errorf("parse visit ID: %w", err)
	}
	return v, nil
}

// FindByID retrieves a visit by id
func (r *VisitRepo) FindByID(ctx context.Context, id uuid.UUID) (model.PlaceVisit, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+visitColumns+` FROM place_visits WHERE id = $1
	`, id.String())

	v, err := scanVisit(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.PlaceVisit{}, apperr.NotFound("visit_not_found", "visit not found")
		}
		return model.PlaceVisit{}, fmt.Errorf("query visit: %w", err)
	}
	return v, nil
}

// ConfirmIfPending transitions the visit to confirmed only when it is still
// pending. The status guard and the transition share one UPDATE, so the
// database serializes racing confirms: the first writer wins, later ones
// see ok=false.
func (r *VisitRepo) ConfirmIfPending(ctx context.Context, id uuid.UUID, at time.Time) (model.PlaceVisit, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE place_visits
		SET status = 'confirmed', confirmed_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+visitColumns+`
	`, id.String(), at)

	v, err := scanVisit(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.PlaceVisit{}, false, nil
		}
		return model.PlaceVisit{}, false, fmt.Errorf("confirm visit: %w", err)
	}
	return v, true, nil
}

// ExistsConfirmedToday reports whether the device already has a confirmed
// visit at the place on the calendar day starting at dayStart.
func (r *VisitRepo) ExistsConfirmedToday(ctx context.Context, placeID uuid.UUID, deviceID string, dayStart time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM place_visits
			WHERE place_id = $1
			  AND device_id = $2
			  AND status = 'confirmed'
			  AND confirmed_at >= $3
			  AND confirmed_at < $3::timestamptz + interval '1 day'
		)
	`, placeID.String(), deviceID, dayStart).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query confirmed today: %w", err)
	}
	return exists, nil
}

// IncrementDailyCounter upserts the per-day visit counter for the place
func (r *VisitRepo) IncrementDailyCounter(ctx context.Context, placeID uuid.UUID, day time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO place_visit_daily (day, place_id, visit_count)
		VALUES ($1, $2, 1)
		ON CONFLICT (day, place_id)
		DO UPDATE SET visit_count = place_visit_daily.visit_count + 1
	`, day, placeID.String())
	if err != nil {
		return fmt.Errorf("increment daily counter: %w", err)
	}
	return nil
}

// TopByVisits sums daily counters per place over the inclusive range and
// returns the top places by total, descending.
func (r *VisitRepo) TopByVisits(ctx context.Context, from, to time.Time, limit int) ([]model.TopPlace, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT p.id, p.name, SUM(d.visit_count) AS total
		FROM place_visit_daily d
		JOIN places p ON p.id = d.place_id
		WHERE d.day >= $1 AND d.day <= $2
		GROUP BY p.id, p.name
		ORDER BY total DESC, p.name ASC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("query top places: %w", err)
	}
	defer rows.Close()

	var out []model.TopPlace
	for rows.Next() {
		var tp model.TopPlace
		var idStr string
		if err := rows.Scan(&idStr, &tp.Name, &tp.TotalVisits); err != nil {
			return nil, fmt.Errorf("scan top place: %w", err)
		}
		tp.PlaceID, err = uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("parse place ID: %w", err)
		}
		out = append(out, tp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate top places: %w", err)
	}
	return out, nil
}

// scanner covers both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanVisit(row scanner) (model.PlaceVisit, error) {
	var v model.PlaceVisit
	var idStr, placeIDStr string
	var userIDStr sql.NullString
	err := row.Scan(
		&idStr,
		&placeIDStr,
		&userIDStr,
		&v.DeviceID,
		&v.StartedAt,
		&v.ConfirmedAt,
		&v.Status,
		&v.DistanceM,
		&v.AccuracyM,
		&v.Meta,
	)
	if err != nil {
		return model.PlaceVisit{}, err
	}

	v.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.PlaceVisit{}, fmt.Errorf("parse visit ID: %w", err)
	}
	v.PlaceID, err = uuid.Parse(placeIDStr)
	if err != nil {
		return model.PlaceVisit{}, fmt.Errorf("parse place ID: %w", err)
	}
	if userIDStr.Valid && userIDStr.String != "" {
		u, err := uuid.Parse(userIDStr.String)
		if err != nil {
			return model.PlaceVisit{}, fmt.Errorf("parse user ID: %w", err)
		}
		v.UserID = &u
	}
	return v, nil
}
