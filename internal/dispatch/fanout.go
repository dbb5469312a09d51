package dispatch

import (
	"math"

	"github.com/thimpu-create/cab-microservice-api/internal/models"
)

// Fanout builds the outbound events and hands them to the registry. It holds
// no state of its own and never waits on the receiving peer.
type Fanout struct {
	reg *Registry
}

func NewFanout(reg *Registry) *Fanout { return &Fanout{reg: reg} }

func (f *Fanout) Registry() *Registry { return f.reg }

func (f *Fanout) RideRequest(workerID string, req *models.RideRequest, c models.Candidate, etaSeconds float64) bool {
	return f.reg.Send(KindWorker, workerID, models.RideRequestEvent{
		Type:        models.EventRideRequest,
		RequestID:   req.ID,
		RequesterID: req.RequesterID,
		PickupLat:   req.Pickup.Lat,
		PickupLon:   req.Pickup.Lon,
		DistanceKm:  round2(c.DistanceKm),
		ETASeconds:  math.Round(etaSeconds),
	})
}

func (f *Fanout) RideConfirmed(workerID, requestID, requesterID string, pickup models.Coord) bool {
	return f.reg.Send(KindWorker, workerID, models.RideConfirmedEvent{
		Type:        models.EventRideConfirmed,
		RequestID:   requestID,
		RequesterID: requesterID,
		PickupLat:   pickup.Lat,
		PickupLon:   pickup.Lon,
	})
}

func (f *Fanout) DriverAssigned(requesterID, requestID, workerID string, pickup models.Coord) bool {
	return f.reg.Send(KindRequester, requesterID, models.DriverAssignedEvent{
		Type:      models.EventDriverAssigned,
		RequestID: requestID,
		WorkerID:  workerID,
		PickupLat: pickup.Lat,
		PickupLon: pickup.Lon,
	})
}

func (f *Fanout) RideTaken(workerID, requestID string) bool {
	return f.reg.Send(KindWorker, workerID, models.RideTakenEvent{Type: models.EventRideTaken, RequestID: requestID})
}

// WithdrawRide tells every connected worker except the winner that the
// request is no longer open.
func (f *Fanout) WithdrawRide(requestID, winnerID string) int {
	return f.reg.Broadcast(KindWorker, models.RideTakenEvent{Type: models.EventRideTaken, RequestID: requestID}, winnerID)
}

func (f *Fanout) RideError(workerID, requestID, message string) bool {
	return f.reg.Send(KindWorker, workerID, models.RideErrorEvent{Type: models.EventRideError, RequestID: requestID, Message: message})
}

func (f *Fanout) WorkerOngoingRide(workerID string, a *models.RideAssignment) bool {
	return f.reg.Send(KindWorker, workerID, models.OngoingRideEvent{
		Type:        models.EventOngoingRide,
		RequestID:   a.RequestID,
		RequesterID: a.CounterpartID,
		PickupLat:   a.Pickup.Lat,
		PickupLon:   a.Pickup.Lon,
		Status:      a.Status,
	})
}

func (f *Fanout) RequesterOngoingRide(requesterID string, a *models.RideAssignment) bool {
	return f.reg.Send(KindRequester, requesterID, models.OngoingRideEvent{
		Type:      models.EventOngoingRide,
		RequestID: a.RequestID,
		WorkerID:  a.CounterpartID,
		PickupLat: a.Pickup.Lat,
		PickupLon: a.Pickup.Lon,
		Status:    a.Status,
	})
}

// DriverLocation relays a worker's position to its assigned requester.
func (f *Fanout) DriverLocation(requesterID, workerID string, loc models.Coord) bool {
	return f.reg.Send(KindRequester, requesterID, models.DriverLocationEvent{
		Type:     models.EventDriverLocationUpdate,
		WorkerID: workerID,
		Lat:      loc.Lat,
		Lon:      loc.Lon,
	})
}

func (f *Fanout) RideCompleted(requesterID, requestID string) bool {
	return f.reg.Send(KindRequester, requesterID, models.RideClosedEvent{Type: models.EventRideCompleted, RequestID: requestID})
}

func (f *Fanout) RideCompletedAck(workerID, requestID string) bool {
	return f.reg.Send(KindWorker, workerID, models.RideClosedEvent{Type: models.EventRideCompletedAck, RequestID: requestID})
}

func (f *Fanout) RideCancelled(workerID, requestID string) bool {
	return f.reg.Send(KindWorker, workerID, models.RideClosedEvent{Type: models.EventRideCancelled, RequestID: requestID})
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
