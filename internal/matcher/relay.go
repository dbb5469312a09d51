package matcher

import (
	"context"
	"time"

	"github.com/thimpu-create/cab-microservice-api/internal/dispatch"
	"github.com/thimpu-create/cab-microservice-api/internal/models"
)

const relayTimeout = 5 * time.Second

// HandleChannelEvent delivers a lifecycle event published by another
// instance to the sessions held by this one. The publishing instance has
// already notified its own sessions.
func (s *Service) HandleChannelEvent(ev models.ChannelEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
	defer cancel()

	switch ev.Type {
	case models.ChannelRideRequested:
		s.relayRequested(ctx, ev)
	case models.ChannelRideAssigned:
		s.fanout.WithdrawRide(ev.RequestID, ev.WorkerID)
		a, err := s.rides.RequesterAssignment(ctx, ev.RequesterID)
		if err != nil {
			s.logger.Error("assignment lookup failed", "passenger_id", ev.RequesterID, "error", err)
			return
		}
		if a != nil && a.RequestID == ev.RequestID {
			s.fanout.DriverAssigned(ev.RequesterID, ev.RequestID, ev.WorkerID, a.Pickup)
		}
	case models.ChannelRideCompleted:
		s.fanout.RideCompleted(ev.RequesterID, ev.RequestID)
	case models.ChannelRideCancelled:
		if ev.WorkerID == "" {
			s.fanout.WithdrawRide(ev.RequestID, "")
			return
		}
		if !s.fanout.RideCancelled(ev.WorkerID, ev.RequestID) {
			return
		}
		if err := s.geo.MarkAvailable(ctx, ev.WorkerID); err != nil {
			s.logger.Error("mark available failed", "driver_id", ev.WorkerID, "error", err)
		}
	default:
		s.logger.Debug("ignoring channel event", "type", ev.Type, "request_id", ev.RequestID)
	}
}

func (s *Service) relayRequested(ctx context.Context, ev models.ChannelEvent) {
	rec, err := s.rides.Get(ctx, ev.RequestID)
	if err != nil {
		s.logger.Debug("relayed request unavailable", "request_id", ev.RequestID, "error", err)
		return
	}
	if rec.Status() != models.StatusPending {
		return
	}
	req, err := rec.Request()
	if err != nil {
		s.logger.Error("relayed request unreadable", "request_id", ev.RequestID, "error", err)
		return
	}
	if s.fanout.Registry().Count(dispatch.KindWorker) == 0 {
		return
	}
	cands, err := s.geo.FindAvailableNearby(ctx, req.Pickup.Lat, req.Pickup.Lon, s.cfg.RadiusKm)
	if err != nil {
		s.logger.Error("nearby lookup failed", "request_id", ev.RequestID, "error", err)
		return
	}
	if n := s.offer(req, cands); n > 0 {
		s.logger.Info("relayed ride request", "request_id", ev.RequestID, "origin", ev.Origin, "drivers_notified", n)
	}
}
