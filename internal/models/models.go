package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RideStatus is the lifecycle state of a ride request and its assignment.
// Transitions are monotonic: pending -> assigned -> completed, or
// pending -> cancelled. Expiry is implicit (the record disappears).
type RideStatus string

const (
	StatusPending   RideStatus = "pending"
	StatusAssigned  RideStatus = "assigned"
	StatusCompleted RideStatus = "completed"
	StatusCancelled RideStatus = "cancelled"
)

// WorkerStatus is the availability a worker reports with its location.
type WorkerStatus string

const (
	WorkerAvailable WorkerStatus = "available"
	WorkerBusy      WorkerStatus = "busy"
	WorkerOffline   WorkerStatus = "offline"
)

// Valid reports whether s is one of the known worker statuses.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerAvailable, WorkerBusy, WorkerOffline:
		return true
	}
	return false
}

type WorkerLocation struct {
	WorkerID  string       `json:"driver_id"`
	Loc       Coord        `json:"loc"`
	Status    WorkerStatus `json:"status"`
	Available bool         `json:"available"`
	Updated   time.Time    `json:"updated"`
}

// Candidate is a geo-indexed worker returned by a radius query.
type Candidate struct {
	WorkerID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
}

type RideRequest struct {
	ID          string     `json:"request_id"`
	RequesterID string     `json:"passenger_id"`
	WorkerID    string     `json:"driver_id,omitempty"`
	Pickup      Coord      `json:"pickup"`
	Status      RideStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
}

// RideAssignment is one side of the bound worker/requester pair. The
// worker-side record has CounterpartID set to the requester and vice versa.
type RideAssignment struct {
	RequestID     string     `json:"request_id"`
	CounterpartID string     `json:"counterpart_id"`
	Pickup        Coord      `json:"pickup"`
	Status        RideStatus `json:"status"`
}

// LocationUpdate is a worker position report, either from a live session or
// from the location stream.
type LocationUpdate struct {
	WorkerID string       `json:"id"`
	Loc      Coord        `json:"loc"`
	Status   WorkerStatus `json:"status,omitempty"`
	SentAt   time.Time    `json:"sent_at"`
}
