package model

import (
	"time"

	"github.com/google/uuid"
)

// User represents a platform user
type User struct {
	ID             uuid.UUID
	Email          string
	FullName       string
	Active         bool
	TOTPSecret     string
	TOTPEnabled    bool
	OtpAttempts    int
	OtpMaxAttempts int
	LockedUntil    *time.Time
	CreatedAt      time.Time
}

// VisitStatus is the lifecycle state of a place visit
type VisitStatus string

const (
	VisitPending   VisitStatus = "pending"
	VisitConfirmed VisitStatus = "confirmed"
	VisitRejected  VisitStatus = "rejected"
)

// PlaceVisit represents one check-in at a place. A visit starts pending and
// transitions to confirmed exactly once; ConfirmedAt is set iff status is
// confirmed.
type PlaceVisit struct {
	ID          uuid.UUID
	PlaceID     uuid.UUID
	UserID      *uuid.UUID
	DeviceID    string
	StartedAt   time.Time
	ConfirmedAt *time.Time
	Status      VisitStatus
	DistanceM   float64
	AccuracyM   float64
	Meta        string
}

// TopPlace is one row of the visit ranking
type TopPlace struct {
	PlaceID     uuid.UUID
	Name        string
	TotalVisits int64
}
