package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/thimpu-create/cab-microservice-api/internal/dispatch"
	"github.com/thimpu-create/cab-microservice-api/internal/eta"
	"github.com/thimpu-create/cab-microservice-api/internal/geo"
	"github.com/thimpu-create/cab-microservice-api/internal/models"
	"github.com/thimpu-create/cab-microservice-api/internal/observability"
	"github.com/thimpu-create/cab-microservice-api/internal/rides"
	"github.com/thimpu-create/cab-microservice-api/internal/storage"
)

// Request outcomes returned to the requester.
const (
	StatusAlreadyInRide    = "already_in_ride"
	StatusAlreadyRequested = "already_requested"
	StatusNoDrivers        = "no_drivers_available"
	StatusRequestSent      = "request_sent"
)

// Publisher sends lifecycle events to other instances sharing the store.
type Publisher interface {
	Publish(ctx context.Context, ev models.ChannelEvent) error
}

type Config struct {
	RadiusKm float64
	SpeedMps float64
}

// RequestResult is the answer to a ride request submission.
type RequestResult struct {
	Status          string
	RideID          string
	RequestID       string
	DriversNotified int
}

// Service drives a ride from request through assignment to completion. All
// cross-session coordination goes through the store; the only in-process
// state it touches is the session registry behind fanout.
type Service struct {
	geo    *geo.Service
	rides  *rides.Lifecycle
	fanout *dispatch.Fanout
	pub    Publisher
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New wires the service. pub may be nil, in which case lifecycle events stay
// local to this process.
func New(g *geo.Service, l *rides.Lifecycle, f *dispatch.Fanout, pub Publisher, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SpeedMps <= 0 {
		cfg.SpeedMps = eta.DefaultSpeedMps
	}
	s := &Service{geo: g, rides: l, fanout: f, pub: pub, cfg: cfg, logger: logger, now: time.Now}
	f.Registry().OnRemove(s.sessionRemoved)
	return s
}

// RequestRide registers a ride request for requesterID at pickup and pushes
// it to every connected available worker within the match radius.
func (s *Service) RequestRide(ctx context.Context, requesterID string, pickup models.Coord) (RequestResult, error) {
	existing, err := s.rides.CheckExisting(ctx, requesterID)
	if err != nil {
		return RequestResult{}, err
	}
	if res, dup := duplicate(existing); dup {
		observability.RideRequests.WithLabelValues(res.Status).Inc()
		return res, nil
	}

	if err := s.rides.SaveRequesterLocation(ctx, requesterID, pickup); err != nil {
		return RequestResult{}, err
	}

	cands, err := s.geo.FindAvailableNearby(ctx, pickup.Lat, pickup.Lon, s.cfg.RadiusKm)
	if err != nil {
		return RequestResult{}, err
	}
	if len(cands) == 0 {
		observability.RideRequests.WithLabelValues(StatusNoDrivers).Inc()
		s.logger.Info("no drivers available", "passenger_id", requesterID, "lat", pickup.Lat, "lon", pickup.Lon)
		return RequestResult{Status: StatusNoDrivers}, nil
	}

	created, err := s.rides.Create(ctx, requesterID, pickup)
	if err != nil {
		return RequestResult{}, err
	}
	if res, dup := duplicate(created); dup {
		observability.RideRequests.WithLabelValues(res.Status).Inc()
		return res, nil
	}

	notified := s.offer(created.Request, cands)

	s.publish(ctx, models.ChannelEvent{Type: models.ChannelRideRequested, RequestID: created.RequestID, RequesterID: requesterID})
	observability.RideRequests.WithLabelValues(StatusRequestSent).Inc()
	s.logger.Info("ride requested", "request_id", created.RequestID, "passenger_id", requesterID,
		"candidates", len(cands), "drivers_notified", notified)
	return RequestResult{Status: StatusRequestSent, RequestID: created.RequestID, DriversNotified: notified}, nil
}

// offer pushes req to the candidates with a session on this instance.
func (s *Service) offer(req *models.RideRequest, cands []models.Candidate) int {
	notified := 0
	for _, c := range cands {
		if !s.fanout.Registry().Connected(dispatch.KindWorker, c.WorkerID) {
			continue
		}
		if s.fanout.RideRequest(c.WorkerID, req, c, eta.EstimateSeconds(c.DistanceKm, s.cfg.SpeedMps)) {
			notified++
		}
	}
	return notified
}

func duplicate(r rides.CreateResult) (RequestResult, bool) {
	switch r.Outcome {
	case rides.OutcomeAlreadyInRide:
		return RequestResult{Status: StatusAlreadyInRide, RideID: r.RequestID}, true
	case rides.OutcomeAlreadyRequested:
		return RequestResult{Status: StatusAlreadyRequested, RequestID: r.RequestID}, true
	}
	return RequestResult{}, false
}

// Accept resolves a worker's acceptance of requestID. Exactly one of any set
// of concurrent acceptors wins the compare-and-swap; the rest get ride_taken.
// A worker already holding a ride is refused with ride_error.
// The returned error covers store failures only, protocol outcomes are
// delivered to the sessions.
func (s *Service) Accept(ctx context.Context, requestID, workerID string) error {
	rec, err := s.rides.Get(ctx, requestID)
	if errors.Is(err, rides.ErrNotFound) {
		observability.AcceptAttempts.WithLabelValues("gone").Inc()
		s.fanout.RideTaken(workerID, requestID)
		return nil
	}
	if err != nil {
		return err
	}

	// one ride per worker: a second binding would overwrite ride:worker:<id>
	held, err := s.rides.WorkerAssignment(ctx, workerID)
	if err != nil {
		return err
	}
	if held != nil {
		observability.AcceptAttempts.WithLabelValues("busy").Inc()
		s.fanout.RideError(workerID, requestID, "you already have an active ride")
		return nil
	}

	res, err := s.rides.Assign(ctx, requestID, workerID)
	if err != nil {
		return fmt.Errorf("assign %s: %w", requestID, err)
	}
	if res == storage.CASNoRecord {
		observability.AcceptAttempts.WithLabelValues(res.String()).Inc()
		s.logger.Warn("request vanished before assignment", "request_id", requestID, "driver_id", workerID)
		s.fanout.RideError(workerID, requestID, "ride not found")
		return nil
	}
	if res != storage.CASApplied {
		observability.AcceptAttempts.WithLabelValues(res.String()).Inc()
		s.logger.Debug("accept lost", "request_id", requestID, "driver_id", workerID, "result", res.String())
		s.fanout.RideTaken(workerID, requestID)
		return nil
	}

	requesterID := rec.RequesterID()
	pickup, err := rec.Pickup()
	if err != nil {
		// The request stays assigned with no assignment records; it ages out
		// with the request TTL.
		observability.AcceptAttempts.WithLabelValues("malformed").Inc()
		s.logger.Error("accepted request has bad pickup", "request_id", requestID, "driver_id", workerID, "error", err)
		s.fanout.RideError(workerID, requestID, "invalid ride request data")
		return nil
	}

	if err := s.rides.Bind(ctx, requestID, workerID, requesterID, pickup); err != nil {
		if errors.Is(err, rides.ErrNotFound) {
			// cancelled between the swap and the binding
			observability.AcceptAttempts.WithLabelValues("gone").Inc()
			s.logger.Info("request withdrawn before binding", "request_id", requestID, "driver_id", workerID)
			s.fanout.RideError(workerID, requestID, "ride not found")
			return nil
		}
		s.fanout.RideError(workerID, requestID, "could not record assignment")
		return err
	}
	if err := s.geo.MarkUnavailable(ctx, workerID); err != nil {
		s.logger.Error("mark unavailable failed", "driver_id", workerID, "error", err)
	}

	s.fanout.DriverAssigned(requesterID, requestID, workerID, pickup)
	s.fanout.RideConfirmed(workerID, requestID, requesterID, pickup)
	withdrawn := s.fanout.WithdrawRide(requestID, workerID)

	s.publish(ctx, models.ChannelEvent{Type: models.ChannelRideAssigned, RequestID: requestID, RequesterID: requesterID, WorkerID: workerID})
	observability.AcceptAttempts.WithLabelValues("applied").Inc()
	observability.MatchesTotal.Inc()
	if created := rec.CreatedAt(); !created.IsZero() {
		observability.MatchLatency.Observe(s.now().Sub(created).Seconds())
	}
	s.logger.Info("ride assigned", "request_id", requestID, "driver_id", workerID, "passenger_id", requesterID, "withdrawn", withdrawn)
	return nil
}

// Complete closes the ride on behalf of its assigned worker. A repeat call,
// or one for an unknown request, is answered with ride_error.
func (s *Service) Complete(ctx context.Context, requestID, workerID string) error {
	rec, err := s.rides.Get(ctx, requestID)
	if errors.Is(err, rides.ErrNotFound) {
		s.fanout.RideError(workerID, requestID, "ride not found")
		return nil
	}
	if err != nil {
		return err
	}
	if rec.WorkerID() != workerID {
		s.logger.Warn("completion from non-owner", "request_id", requestID, "driver_id", workerID, "owner", rec.WorkerID())
		s.fanout.RideError(workerID, requestID, "ride is not assigned to you")
		return nil
	}

	rec, err = s.rides.Complete(ctx, requestID)
	if errors.Is(err, rides.ErrNotFound) {
		s.fanout.RideError(workerID, requestID, "ride not found")
		return nil
	}
	if err != nil {
		return err
	}

	requesterID := rec.RequesterID()
	s.fanout.RideCompleted(requesterID, requestID)
	if err := s.geo.MarkAvailable(ctx, workerID); err != nil {
		s.logger.Error("mark available failed", "driver_id", workerID, "error", err)
	}
	s.fanout.RideCompletedAck(workerID, requestID)

	s.publish(ctx, models.ChannelEvent{Type: models.ChannelRideCompleted, RequestID: requestID, RequesterID: requesterID, WorkerID: workerID})
	observability.RidesClosed.WithLabelValues("completed").Inc()
	s.logger.Info("ride completed", "request_id", requestID, "driver_id", workerID, "passenger_id", requesterID)
	return nil
}

// Cancel withdraws requestID for its requester. Errors are rides.ErrNotFound
// and rides.ErrNotOwner for business rejections, anything else is a store
// failure.
func (s *Service) Cancel(ctx context.Context, requestID, requesterID string) (rides.Record, error) {
	rec, err := s.rides.Cancel(ctx, requestID, requesterID)
	if err != nil {
		return rides.Record{}, err
	}

	if rec.Status() == models.StatusAssigned {
		if w := rec.WorkerID(); w != "" {
			s.fanout.RideCancelled(w, requestID)
			if s.fanout.Registry().Connected(dispatch.KindWorker, w) {
				if err := s.geo.MarkAvailable(ctx, w); err != nil {
					s.logger.Error("mark available failed", "driver_id", w, "error", err)
				}
			}
		}
	} else {
		s.fanout.WithdrawRide(requestID, "")
	}

	s.publish(ctx, models.ChannelEvent{Type: models.ChannelRideCancelled, RequestID: requestID, RequesterID: requesterID, WorkerID: rec.WorkerID()})
	observability.RidesClosed.WithLabelValues("cancelled").Inc()
	s.logger.Info("ride cancelled", "request_id", requestID, "passenger_id", requesterID, "prior_status", string(rec.Status()))
	return rec, nil
}

// Ride reads a request record for status lookups.
func (s *Service) Ride(ctx context.Context, requestID string) (*models.RideRequest, error) {
	rec, err := s.rides.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return rec.Request()
}

func (s *Service) publish(ctx context.Context, ev models.ChannelEvent) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.logger.Warn("channel publish failed", "type", ev.Type, "request_id", ev.RequestID, "error", err)
	}
}
