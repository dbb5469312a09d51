package matcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/thimpu-create/cab-microservice-api/internal/dispatch"
	"github.com/thimpu-create/cab-microservice-api/internal/models"
	"github.com/thimpu-create/cab-microservice-api/internal/observability"
)

const cleanupTimeout = 5 * time.Second

// WorkerConnected registers a worker session, restores any ongoing ride and
// otherwise makes the worker matchable.
func (s *Service) WorkerConnected(ctx context.Context, workerID string, conn dispatch.Conn) *dispatch.Session {
	sess := s.fanout.Registry().Register(dispatch.KindWorker, workerID, conn)

	if _, err := s.geo.Reindex(ctx, workerID); err != nil {
		s.logger.Error("reindex on connect failed", "driver_id", workerID, "error", err)
	}

	a, err := s.rides.WorkerAssignment(ctx, workerID)
	if err != nil {
		s.logger.Error("assignment lookup failed", "driver_id", workerID, "error", err)
	}
	if a != nil {
		// stays out of available_workers: a mid-ride worker must not be
		// offered new requests until the current one is completed
		s.fanout.WorkerOngoingRide(workerID, a)
		s.logger.Info("driver reconnected mid-ride", "driver_id", workerID, "request_id", a.RequestID)
		return sess
	}
	if err := s.geo.MarkAvailable(ctx, workerID); err != nil {
		s.logger.Error("mark available failed", "driver_id", workerID, "error", err)
	}
	s.logger.Info("driver connected", "driver_id", workerID)
	return sess
}

// RequesterConnected registers a requester session and restores any ongoing
// ride.
func (s *Service) RequesterConnected(ctx context.Context, requesterID string, conn dispatch.Conn) *dispatch.Session {
	sess := s.fanout.Registry().Register(dispatch.KindRequester, requesterID, conn)

	a, err := s.rides.RequesterAssignment(ctx, requesterID)
	if err != nil {
		s.logger.Error("assignment lookup failed", "passenger_id", requesterID, "error", err)
	}
	if a != nil {
		s.fanout.RequesterOngoingRide(requesterID, a)
	}
	s.logger.Info("passenger connected", "passenger_id", requesterID)
	return sess
}

// Disconnect runs the shared cleanup path for sess. It is a no-op when a
// newer session has already replaced it.
func (s *Service) Disconnect(sess *dispatch.Session) {
	s.fanout.Registry().Unregister(sess)
}

// sessionRemoved is the registry hook. Workers leave the availability set;
// any ride they hold stays assigned.
func (s *Service) sessionRemoved(sess *dispatch.Session) {
	if sess.Kind != dispatch.KindWorker {
		s.logger.Info("passenger disconnected", "passenger_id", sess.ID)
		return
	}
	if s.fanout.Registry().Connected(dispatch.KindWorker, sess.ID) {
		// a newer session took over and owns availability now
		s.logger.Info("driver session replaced", "driver_id", sess.ID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.geo.MarkUnavailable(ctx, sess.ID); err != nil {
		s.logger.Error("mark unavailable on disconnect failed", "driver_id", sess.ID, "error", err)
	}
	s.logger.Info("driver disconnected", "driver_id", sess.ID)
}

// HandleWorkerMessage dispatches one inbound frame from a worker session.
// Malformed frames are logged and dropped; the returned error is reserved
// for store failures.
func (s *Service) HandleWorkerMessage(ctx context.Context, workerID string, raw []byte) error {
	var msg models.WorkerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		observability.LocationDropped.Inc()
		s.logger.Warn("invalid driver message", "driver_id", workerID, "error", err)
		return nil
	}

	switch msg.Type {
	case models.MsgAcceptRide:
		if msg.RequestID == "" {
			s.fanout.RideError(workerID, "", "request_id is required")
			return nil
		}
		return s.Accept(ctx, msg.RequestID, workerID)
	case models.MsgCompletedRide:
		if msg.RequestID == "" {
			s.fanout.RideError(workerID, "", "request_id is required")
			return nil
		}
		return s.Complete(ctx, msg.RequestID, workerID)
	case "", "location", "location_update":
		loc, err := msg.Coord()
		if err != nil {
			observability.LocationDropped.Inc()
			s.logger.Warn("dropping malformed location", "driver_id", workerID, "error", err)
			return nil
		}
		return s.ApplyLocation(ctx, models.LocationUpdate{WorkerID: workerID, Loc: loc, Status: msg.Status, SentAt: s.now()})
	default:
		s.logger.Warn("unknown driver message type", "driver_id", workerID, "type", msg.Type)
		return nil
	}
}

// ApplyLocation records a worker position, adjusts availability from the
// reported status and relays the position to the worker's requester when a
// ride is in progress. Live sessions and the location stream both land here.
func (s *Service) ApplyLocation(ctx context.Context, u models.LocationUpdate) error {
	if u.WorkerID == "" {
		observability.LocationDropped.Inc()
		return nil
	}
	if u.Status != "" && !u.Status.Valid() {
		s.logger.Warn("unknown driver status, ignoring it", "driver_id", u.WorkerID, "status", string(u.Status))
		u.Status = ""
	}
	if err := s.geo.UpdateLocation(ctx, u.WorkerID, u.Loc, u.Status); err != nil {
		return err
	}

	a, err := s.rides.WorkerAssignment(ctx, u.WorkerID)
	if err != nil {
		s.logger.Error("assignment lookup failed", "driver_id", u.WorkerID, "error", err)
	}

	switch u.Status {
	case models.WorkerBusy, models.WorkerOffline:
		if err := s.geo.MarkUnavailable(ctx, u.WorkerID); err != nil {
			return err
		}
	case models.WorkerAvailable:
		if a == nil {
			if err := s.geo.MarkAvailable(ctx, u.WorkerID); err != nil {
				return err
			}
		}
	}

	if a == nil {
		return nil
	}
	s.fanout.DriverLocation(a.CounterpartID, u.WorkerID, u.Loc)
	if err := s.rides.Touch(ctx, a.RequestID, u.WorkerID, a.CounterpartID); err != nil {
		s.logger.Warn("assignment refresh failed", "driver_id", u.WorkerID, "request_id", a.RequestID, "error", err)
	}
	return nil
}
