package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Outbound event kinds pushed over sessions.
const (
	EventRideRequest          = "ride_request"
	EventRideConfirmed        = "ride_confirmed"
	EventRideTaken            = "ride_taken"
	EventRideError            = "ride_error"
	EventOngoingRide          = "ongoing_ride"
	EventDriverAssigned       = "driver_assigned"
	EventDriverLocationUpdate = "driver_location_update"
	EventRideCompleted        = "ride_completed"
	EventRideCompletedAck     = "ride_completed_ack"
	EventRideCancelled        = "ride_cancelled"
)

// Inbound worker message kinds. A frame without a type is a location update.
const (
	MsgAcceptRide    = "accept_ride"
	MsgCompletedRide = "completed_ride"
)

type RideRequestEvent struct {
	Type        string  `json:"type"`
	RequestID   string  `json:"request_id"`
	RequesterID string  `json:"passenger_id"`
	PickupLat   float64 `json:"pickup_lat"`
	PickupLon   float64 `json:"pickup_lon"`
	DistanceKm  float64 `json:"distance_km"`
	ETASeconds  float64 `json:"eta_seconds"`
}

type RideConfirmedEvent struct {
	Type        string  `json:"type"`
	RequestID   string  `json:"request_id"`
	RequesterID string  `json:"passenger_id"`
	PickupLat   float64 `json:"pickup_lat"`
	PickupLon   float64 `json:"pickup_lon"`
}

type DriverAssignedEvent struct {
	Type      string  `json:"type"`
	RequestID string  `json:"request_id"`
	WorkerID  string  `json:"driver_id"`
	PickupLat float64 `json:"pickup_lat"`
	PickupLon float64 `json:"pickup_lon"`
}

// RideTakenEvent is sent to a losing acceptor, and broadcast as a
// withdrawal notice to every other connected worker.
type RideTakenEvent struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

type RideErrorEvent struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Message   string `json:"message"`
}

// OngoingRideEvent restores assignment state on reconnect. Exactly one of
// RequesterID (worker side) or WorkerID (requester side) is set.
type OngoingRideEvent struct {
	Type        string     `json:"type"`
	RequestID   string     `json:"request_id"`
	RequesterID string     `json:"passenger_id,omitempty"`
	WorkerID    string     `json:"driver_id,omitempty"`
	PickupLat   float64    `json:"pickup_lat"`
	PickupLon   float64    `json:"pickup_lon"`
	Status      RideStatus `json:"status"`
}

type DriverLocationEvent struct {
	Type     string  `json:"type"`
	WorkerID string  `json:"driver_id"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

// RideClosedEvent covers ride_completed, ride_completed_ack and
// ride_cancelled, which all carry only the request id.
type RideClosedEvent struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

// WorkerMessage is a client-to-server frame on a worker session. Lat and Lon
// are kept raw so that numeric strings are accepted as well as numbers.
type WorkerMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Lat       json.RawMessage `json:"lat"`
	Lon       json.RawMessage `json:"lon"`
	Status    WorkerStatus    `json:"status"`
}

// Coord parses the location fields of a location-update frame.
func (m WorkerMessage) Coord() (Coord, error) {
	if len(m.Lat) == 0 || len(m.Lon) == 0 {
		return Coord{}, fmt.Errorf("missing lat/lon")
	}
	lat, err := parseFlexFloat(m.Lat)
	if err != nil {
		return Coord{}, fmt.Errorf("lat: %w", err)
	}
	lon, err := parseFlexFloat(m.Lon)
	if err != nil {
		return Coord{}, fmt.Errorf("lon: %w", err)
	}
	return Coord{Lat: lat, Lon: lon}, nil
}

func parseFlexFloat(raw json.RawMessage) (float64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "null" {
		return 0, fmt.Errorf("null value")
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number: %s", s)
	}
	return f, nil
}

// Channel event kinds exchanged between instances over pub/sub.
const (
	ChannelRideRequested = "ride_requested"
	ChannelRideAssigned  = "ride_assigned"
	ChannelRideCompleted = "ride_completed"
	ChannelRideCancelled = "ride_cancelled"
)

// ChannelEvent is the envelope published on the shared pub/sub channel.
type ChannelEvent struct {
	Type        string `json:"type"`
	Origin      string `json:"origin"`
	RequestID   string `json:"request_id"`
	RequesterID string `json:"passenger_id,omitempty"`
	WorkerID    string `json:"driver_id,omitempty"`
	At          int64  `json:"at"`
}
