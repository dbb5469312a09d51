package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/thimpu-create/cab-microservice-api/internal/models"
	"github.com/thimpu-create/cab-microservice-api/internal/storage"
)

var (
	// ErrNotFound means the request record is gone: completed, cancelled,
	// expired or never created.
	ErrNotFound = errors.New("rides: request not found")
	// ErrMalformed means a stored record could not be decoded.
	ErrMalformed = errors.New("rides: malformed record")
	// ErrNotOwner means the caller is not a party to the ride.
	ErrNotOwner = errors.New("rides: caller does not own this ride")
)

// Outcome of a create attempt.
type Outcome string

const (
	OutcomeCreated          Outcome = "created"
	OutcomeAlreadyInRide    Outcome = "already_in_ride"
	OutcomeAlreadyRequested Outcome = "already_requested"
)

// CreateResult reports either the duplicate that short-circuited creation
// or the newly created request.
type CreateResult struct {
	Outcome   Outcome
	RequestID string
	Request   *models.RideRequest
}

// Lifecycle creates, reads, transitions and deletes ride request records.
// Expiry of unassigned requests is left to the store's key TTL.
type Lifecycle struct {
	store         storage.Store
	requestTTL    time.Duration
	assignmentTTL time.Duration
	logger        *slog.Logger
	now           func() time.Time
	newID         func() string
}

func NewLifecycle(store storage.Store, requestTTL, assignmentTTL time.Duration, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		store:         store,
		requestTTL:    requestTTL,
		assignmentTTL: assignmentTTL,
		logger:        logger,
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// CheckExisting looks for an active assignment, then for a pending request,
// belonging to requesterID. A zero Outcome means neither exists. The check
// is not atomic with Create.
func (l *Lifecycle) CheckExisting(ctx context.Context, requesterID string) (CreateResult, error) {
	ride, err := l.store.HGetAll(ctx, storage.RequesterRideKey(requesterID))
	if err != nil {
		return CreateResult{}, fmt.Errorf("requester ride %s: %w", requesterID, err)
	}
	if id := ride["request_id"]; id != "" {
		return CreateResult{Outcome: OutcomeAlreadyInRide, RequestID: id}, nil
	}

	pendingID, err := l.store.HGet(ctx, storage.PendingRequestKey(requesterID), "request_id")
	if errors.Is(err, storage.ErrNotFound) {
		return CreateResult{}, nil
	}
	if err != nil {
		return CreateResult{}, fmt.Errorf("pending pointer %s: %w", requesterID, err)
	}
	rec, err := l.Get(ctx, pendingID)
	if errors.Is(err, ErrNotFound) {
		return CreateResult{}, nil
	}
	if err != nil {
		return CreateResult{}, err
	}
	if rec.RequesterID() == requesterID && rec.Status() == models.StatusPending {
		return CreateResult{Outcome: OutcomeAlreadyRequested, RequestID: pendingID}, nil
	}
	return CreateResult{}, nil
}

// Create persists a new pending request unless the requester already has an
// active ride or pending request.
func (l *Lifecycle) Create(ctx context.Context, requesterID string, pickup models.Coord) (CreateResult, error) {
	existing, err := l.CheckExisting(ctx, requesterID)
	if err != nil {
		return CreateResult{}, err
	}
	if existing.Outcome != "" {
		return existing, nil
	}

	req := &models.RideRequest{
		ID:          l.newID(),
		RequesterID: requesterID,
		Pickup:      pickup,
		Status:      models.StatusPending,
		CreatedAt:   l.now().UTC(),
	}
	err = l.store.WriteHashes(ctx,
		storage.HashWrite{
			Key: storage.RideRequestKey(req.ID),
			Fields: map[string]string{
				"requester_id": requesterID,
				"pickup_lat":   formatFloat(pickup.Lat),
				"pickup_lon":   formatFloat(pickup.Lon),
				"status":       string(models.StatusPending),
				"created_at":   strconv.FormatInt(req.CreatedAt.UnixMilli(), 10),
			},
			TTL: l.requestTTL,
		},
		storage.HashWrite{
			Key:    storage.PendingRequestKey(requesterID),
			Fields: map[string]string{"request_id": req.ID},
			TTL:    l.requestTTL,
		},
	)
	if err != nil {
		return CreateResult{}, fmt.Errorf("persist request: %w", err)
	}
	l.logger.Debug("ride request created", "request_id", req.ID, "requester_id", requesterID)
	return CreateResult{Outcome: OutcomeCreated, RequestID: req.ID, Request: req}, nil
}

// SaveRequesterLocation records the requester's last known pickup point.
func (l *Lifecycle) SaveRequesterLocation(ctx context.Context, requesterID string, loc models.Coord) error {
	err := l.store.HSet(ctx, storage.RequesterKey(requesterID), map[string]string{
		"lat":       formatFloat(loc.Lat),
		"lon":       formatFloat(loc.Lon),
		"timestamp": strconv.FormatInt(l.now().Unix(), 10),
	})
	if err != nil {
		return fmt.Errorf("requester location %s: %w", requesterID, err)
	}
	return nil
}

// Get reads the raw request record.
func (l *Lifecycle) Get(ctx context.Context, requestID string) (Record, error) {
	fields, err := l.store.HGetAll(ctx, storage.RideRequestKey(requestID))
	if err != nil {
		return Record{}, fmt.Errorf("read request %s: %w", requestID, err)
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}
	return Record{ID: requestID, Fields: fields}, nil
}

// Assign atomically moves the request from pending to assigned and attaches
// workerID. Exactly one concurrent caller can observe CASApplied.
func (l *Lifecycle) Assign(ctx context.Context, requestID, workerID string) (storage.CASResult, error) {
	return l.store.CompareAndSwap(ctx, storage.RideRequestKey(requestID), "status",
		string(models.StatusPending), string(models.StatusAssigned),
		map[string]string{
			"worker_id":   workerID,
			"assigned_at": strconv.FormatInt(l.now().UnixMilli(), 10),
		})
}

// Bind materializes the worker-side and requester-side assignment records,
// both with the assignment TTL, and moves the request itself onto that TTL.
// The writes only happen while the request is still assigned to workerID;
// otherwise nothing is written and ErrNotFound is returned.
func (l *Lifecycle) Bind(ctx context.Context, requestID, workerID, requesterID string, pickup models.Coord) error {
	side := func(counterpart string) map[string]string {
		return map[string]string{
			"request_id":     requestID,
			"counterpart_id": counterpart,
			"pickup_lat":     formatFloat(pickup.Lat),
			"pickup_lon":     formatFloat(pickup.Lon),
			"status":         string(models.StatusAssigned),
		}
	}
	ok, err := l.store.WriteHashesIf(ctx,
		storage.Guard{
			Key:   storage.RideRequestKey(requestID),
			Match: map[string]string{"status": string(models.StatusAssigned), "worker_id": workerID},
			TTL:   l.assignmentTTL,
		},
		storage.HashWrite{Key: storage.WorkerRideKey(workerID), Fields: side(requesterID), TTL: l.assignmentTTL},
		storage.HashWrite{Key: storage.RequesterRideKey(requesterID), Fields: side(workerID), TTL: l.assignmentTTL},
	)
	if err != nil {
		return fmt.Errorf("bind %s: %w", requestID, err)
	}
	if !ok {
		return fmt.Errorf("bind %s: no longer assigned to %s: %w", requestID, workerID, ErrNotFound)
	}
	if err := l.store.Del(ctx, storage.PendingRequestKey(requesterID)); err != nil {
		l.logger.Warn("pending pointer cleanup failed", "requester_id", requesterID, "error", err)
	}
	return nil
}

// Touch pushes the expiry of the request and both assignment records out by
// the assignment TTL.
func (l *Lifecycle) Touch(ctx context.Context, requestID, workerID, requesterID string) error {
	for _, key := range []string{
		storage.RideRequestKey(requestID),
		storage.WorkerRideKey(workerID),
		storage.RequesterRideKey(requesterID),
	} {
		if err := l.store.Expire(ctx, key, l.assignmentTTL); err != nil {
			return err
		}
	}
	return nil
}

func (l *Lifecycle) WorkerAssignment(ctx context.Context, workerID string) (*models.RideAssignment, error) {
	return l.assignment(ctx, storage.WorkerRideKey(workerID))
}

func (l *Lifecycle) RequesterAssignment(ctx context.Context, requesterID string) (*models.RideAssignment, error) {
	return l.assignment(ctx, storage.RequesterRideKey(requesterID))
}

// assignment returns (nil, nil) when no record exists.
func (l *Lifecycle) assignment(ctx context.Context, key string) (*models.RideAssignment, error) {
	f, err := l.store.HGetAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if len(f) == 0 {
		return nil, nil
	}
	a := &models.RideAssignment{
		RequestID:     f["request_id"],
		CounterpartID: f["counterpart_id"],
		Status:        models.RideStatus(f["status"]),
	}
	if a.Status == "" {
		a.Status = models.StatusAssigned
	}
	if a.CounterpartID == "" {
		return nil, fmt.Errorf("%s: missing counterpart: %w", key, ErrMalformed)
	}
	pickup, err := parseCoord(f["pickup_lat"], f["pickup_lon"])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	a.Pickup = pickup
	return a, nil
}

// Complete marks the request completed and deletes it together with both
// sides of its assignment. A second call reports ErrNotFound.
func (l *Lifecycle) Complete(ctx context.Context, requestID string) (Record, error) {
	rec, err := l.Get(ctx, requestID)
	if err != nil {
		return Record{}, err
	}
	res, err := l.store.CompareAndSwap(ctx, storage.RideRequestKey(requestID), "status",
		string(rec.Status()), string(models.StatusCompleted), nil)
	if err != nil {
		return Record{}, fmt.Errorf("complete %s: %w", requestID, err)
	}
	if res != storage.CASApplied {
		// cancelled, completed or expired since the read
		return Record{}, ErrNotFound
	}
	rec.Fields["status"] = string(models.StatusCompleted)
	if err := l.store.Del(ctx, l.keysFor(rec)...); err != nil {
		return Record{}, fmt.Errorf("cleanup %s: %w", requestID, err)
	}
	return rec, nil
}

// Cancel withdraws a request on behalf of its requester. A pending request
// is moved to cancelled through the same compare-and-swap used for
// assignment, so a cancel racing an accept resolves to exactly one winner;
// if the accept won, the assigned ride is torn down instead. The returned
// record carries the status the ride had when it was cancelled.
func (l *Lifecycle) Cancel(ctx context.Context, requestID, requesterID string) (Record, error) {
	rec, err := l.Get(ctx, requestID)
	if err != nil {
		return Record{}, err
	}
	if rec.RequesterID() != requesterID {
		return Record{}, ErrNotOwner
	}
	if rec.Status() == models.StatusPending {
		res, err := l.store.CompareAndSwap(ctx, storage.RideRequestKey(requestID), "status",
			string(models.StatusPending), string(models.StatusCancelled), nil)
		if err != nil {
			return Record{}, fmt.Errorf("cancel %s: %w", requestID, err)
		}
		switch res {
		case storage.CASNoRecord:
			return Record{}, ErrNotFound
		case storage.CASConflict:
			if rec, err = l.Get(ctx, requestID); err != nil {
				return Record{}, err
			}
		}
	}
	if err := l.store.Del(ctx, l.keysFor(rec)...); err != nil {
		return Record{}, fmt.Errorf("cleanup %s: %w", requestID, err)
	}
	return rec, nil
}

func (l *Lifecycle) keysFor(rec Record) []string {
	keys := []string{storage.RideRequestKey(rec.ID)}
	if w := rec.WorkerID(); w != "" {
		keys = append(keys, storage.WorkerRideKey(w))
	}
	if r := rec.RequesterID(); r != "" {
		keys = append(keys, storage.RequesterRideKey(r), storage.PendingRequestKey(r))
	}
	return keys
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func parseCoord(lat, lon string) (models.Coord, error) {
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return models.Coord{}, fmt.Errorf("pickup_lat %q: %w", lat, ErrMalformed)
	}
	lo, err := strconv.ParseFloat(lon, 64)
	if err != nil {
		return models.Coord{}, fmt.Errorf("pickup_lon %q: %w", lon, ErrMalformed)
	}
	return models.Coord{Lat: la, Lon: lo}, nil
}
