package rides

import (
	"strconv"
	"time"

	"github.com/thimpu-create/cab-microservice-api/internal/models"
)

// Record is a ride request as stored. Decoding is deferred so callers can
// act on a record whose coordinates turn out to be unparsable.
type Record struct {
	ID     string
	Fields map[string]string
}

func (r Record) RequesterID() string { return r.Fields["requester_id"] }

func (r Record) WorkerID() string { return r.Fields["worker_id"] }

func (r Record) Status() models.RideStatus { return models.RideStatus(r.Fields["status"]) }

// Pickup parses the stored pickup coordinates; failures wrap ErrMalformed.
func (r Record) Pickup() (models.Coord, error) {
	return parseCoord(r.Fields["pickup_lat"], r.Fields["pickup_lon"])
}

// CreatedAt is zero when the record predates the field or it is unparsable.
func (r Record) CreatedAt() time.Time {
	ms, err := strconv.ParseInt(r.Fields["created_at"], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Request decodes the full record.
func (r Record) Request() (*models.RideRequest, error) {
	pickup, err := r.Pickup()
	if err != nil {
		return nil, err
	}
	return &models.RideRequest{
		ID:          r.ID,
		RequesterID: r.RequesterID(),
		WorkerID:    r.WorkerID(),
		Pickup:      pickup,
		Status:      r.Status(),
		CreatedAt:   r.CreatedAt(),
	}, nil
}
