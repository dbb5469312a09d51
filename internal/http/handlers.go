package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/thimpu-create/cab-microservice-api/internal/apperrors"
	"github.com/thimpu-create/cab-microservice-api/internal/dispatch"
	"github.com/thimpu-create/cab-microservice-api/internal/matcher"
	"github.com/thimpu-create/cab-microservice-api/internal/models"
	"github.com/thimpu-create/cab-microservice-api/internal/rides"
)

const maxBodyBytes = 1 << 16

type rideRequestResponse struct {
	Status          string `json:"status"`
	RideID          string `json:"ride_id,omitempty"`
	RequestID       string `json:"request_id,omitempty"`
	DriversNotified *int   `json:"drivers_notified,omitempty"`
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var body rideRequestBody
	if err := decodeJSON(w, r, &body); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	if err := s.validate.Struct(body); err != nil {
		apperrors.WriteError(w, err)
		return
	}

	pickup := models.Coord{Lat: *body.Lat, Lon: *body.Lon}
	res, err := s.matcher.RequestRide(r.Context(), body.requester(), pickup)
	if err != nil {
		s.logger.Error("ride request failed", "passenger_id", body.requester(), "error", err)
		apperrors.WriteError(w, storeError(err))
		return
	}

	resp := rideRequestResponse{Status: res.Status, RideID: res.RideID, RequestID: res.RequestID}
	if res.Status == matcher.StatusRequestSent {
		n := res.DriversNotified
		resp.DriversNotified = &n
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["request_id"]
	ride, err := s.matcher.Ride(r.Context(), id)
	if err != nil {
		apperrors.WriteError(w, rideError(err, id))
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["request_id"]
	var body cancelBody
	if err := decodeJSON(w, r, &body); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	if err := s.validate.Struct(body); err != nil {
		apperrors.WriteError(w, err)
		return
	}

	rec, err := s.matcher.Cancel(r.Context(), id, body.requester())
	if err != nil {
		apperrors.WriteError(w, rideError(err, id))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":       string(models.StatusCancelled),
		"request_id":   id,
		"prior_status": string(rec.Status()),
	})
}

// handleDriverLocation takes location reports from drivers without a live
// session. With a location stream configured the update goes through it,
// otherwise it is applied here.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := decodeJSON(w, r, &body); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	if err := s.validate.Struct(body); err != nil {
		apperrors.WriteError(w, err)
		return
	}

	u := models.LocationUpdate{
		WorkerID: body.driver(),
		Loc:      models.Coord{Lat: *body.Lat, Lon: *body.Lon},
		Status:   models.WorkerStatus(body.Status),
		SentAt:   time.Now().UTC(),
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), u); err != nil {
			s.logger.Error("location publish failed", "driver_id", u.WorkerID, "error", err)
			apperrors.WriteError(w, apperrors.Unavailable("location stream", err))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := s.matcher.ApplyLocation(r.Context(), u); err != nil {
		s.logger.Error("location update failed", "driver_id", u.WorkerID, "error", err)
		apperrors.WriteError(w, storeError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": s.service})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		apperrors.WriteError(w, apperrors.Unavailable("coordination store", err))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service":              s.service,
		"instance":             s.instance,
		"uptime_seconds":       int64(time.Since(s.started).Seconds()),
		"drivers_connected":    s.registry.Count(dispatch.KindWorker),
		"passengers_connected": s.registry.Count(dispatch.KindRequester),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	if err := apperrors.WriteJSON(w, status, v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperrors.InvalidInput("malformed JSON body: " + err.Error())
	}
	return nil
}

// rideError maps lifecycle outcomes to API errors. Anything unrecognized is
// a store failure.
func rideError(err error, id string) error {
	switch {
	case errors.Is(err, rides.ErrNotFound):
		return apperrors.NotFound("ride request", id)
	case errors.Is(err, rides.ErrNotOwner):
		return apperrors.Forbidden("ride belongs to another passenger")
	case errors.Is(err, rides.ErrMalformed):
		return apperrors.Internal("stored ride is unreadable", err)
	}
	return storeError(err)
}

func storeError(err error) error {
	return apperrors.Unavailable("coordination store", err)
}
