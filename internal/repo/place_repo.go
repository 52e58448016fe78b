package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/turismo/server/internal/apperr"
)

// PlaceRepo answers geofence queries against the places table. Distance is
// computed with the haversine formula directly in SQL so the coordinates
// never need to leave the database.
type PlaceRepo struct {
	db *sql.DB
}

// NewPlaceRepo creates a new PlaceRepo instance
func NewPlaceRepo(db *sql.DB) *PlaceRepo {
	return &PlaceRepo{db: db}
}

// DistanceWithin returns the distance in meters from (lat,lng) to the place
// and whether it falls inside radiusM. An unknown or inactive place is an
// error; a known place outside the radius is within=false.
func (r *PlaceRepo) DistanceWithin(ctx context.Context, placeID uuid.UUID, lat, lng, radiusM float64) (float64, bool, error) {
	// Haversine on a 6371 km sphere; $2=lat, $3=lng.
	query := `
		SELECT 2 * 6371000 * asin(sqrt(
			power(sin(radians($2 - lat) / 2), 2) +
			cos(radians(lat)) * cos(radians($2)) * power(sin(radians($3 - lng) / 2), 2)
		))
		FROM places
		WHERE id = $1 AND active
	`
	var dist float64
	err := r.db.QueryRowContext(ctx, query, placeID.String(), lat, lng).Scan(&dist)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, apperr.NotFound("place_not_found", "place not found")
		}
		return 0, false, fmt.Errorf("query place distance: %w", err)
	}

	if dist > radiusM {
		return 0, false, nil
	}
	return dist, true, nil
}
