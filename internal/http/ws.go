package httpapi

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/thimpu-create/cab-microservice-api/internal/dispatch"
)

const (
	maxFrameBytes  = 1 << 14
	messageTimeout = 10 * time.Second
)

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "driver_id", id, "error", err)
		return
	}
	sess := s.matcher.WorkerConnected(r.Context(), id, conn)
	s.readLoop(sess, conn, func(ctx context.Context, raw []byte) error {
		return s.matcher.HandleWorkerMessage(ctx, id, raw)
	})
}

// handlePassengerWS keeps the requester's push channel open. Requesters
// send nothing the server acts on; frames are read only to notice closes.
func (s *Server) handlePassengerWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["passenger_id"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "passenger_id", id, "error", err)
		return
	}
	sess := s.matcher.RequesterConnected(r.Context(), id, conn)
	s.readLoop(sess, conn, func(_ context.Context, raw []byte) error {
		s.logger.Debug("passenger frame ignored", "passenger_id", id, "bytes", len(raw))
		return nil
	})
}

// readLoop processes frames in arrival order until the connection fails.
// However the loop ends, including a panic in handle, the session goes
// through the registry's cleanup path.
func (s *Server) readLoop(sess *dispatch.Session, conn *websocket.Conn, handle func(context.Context, []byte) error) {
	defer s.matcher.Disconnect(sess)
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("session panic recovered", "kind", sess.Kind, "id", sess.ID, "error", rec, "stack", string(debug.Stack()))
		}
	}()

	conn.SetReadLimit(maxFrameBytes)
	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && sess.Alive() {
				s.logger.Warn("session read failed", "kind", sess.Kind, "id", sess.ID, "error", err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
		err = handle(ctx, raw)
		cancel()
		if err != nil {
			s.logger.Error("session message failed", "kind", sess.Kind, "id", sess.ID, "error", err)
		}
	}
}
