package geo

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/thimpu-create/cab-microservice-api/internal/models"
	"github.com/thimpu-create/cab-microservice-api/internal/observability"
	"github.com/thimpu-create/cab-microservice-api/internal/storage"
)

// Service records worker positions in the shared geo index and answers
// radius queries. Availability is tracked in a separate set so a worker can
// stay indexed for a while after it stops being matchable.
type Service struct {
	store  storage.Store
	key    string
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store storage.Store, geoKey string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, key: geoKey, logger: logger, now: time.Now}
}

// UpdateLocation upserts the worker's position into the geo index and its
// descriptive record. The write is unconditional.
func (s *Service) UpdateLocation(ctx context.Context, workerID string, loc models.Coord, status models.WorkerStatus) error {
	if status == "" {
		status = models.WorkerAvailable
	}
	if err := s.store.GeoAdd(ctx, s.key, workerID, loc.Lat, loc.Lon); err != nil {
		return fmt.Errorf("geo add %s: %w", workerID, err)
	}
	err := s.store.HSet(ctx, storage.WorkerKey(workerID), map[string]string{
		"lat":     formatFloat(loc.Lat),
		"lon":     formatFloat(loc.Lon),
		"status":  string(status),
		"updated": s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("worker record %s: %w", workerID, err)
	}
	observability.LocationUpdates.Inc()
	return nil
}

// FindNearby returns indexed workers within radiusKm of (lat, lon), nearest
// first. Callers filter by availability.
func (s *Service) FindNearby(ctx context.Context, lat, lon, radiusKm float64) ([]models.Candidate, error) {
	hits, err := s.store.GeoRadius(ctx, s.key, lat, lon, radiusKm)
	if err != nil {
		return nil, fmt.Errorf("geo radius: %w", err)
	}
	out := make([]models.Candidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, models.Candidate{WorkerID: h.Member, DistanceKm: h.DistanceKm})
	}
	return out, nil
}

// FindAvailableNearby is FindNearby filtered by the availability set.
func (s *Service) FindAvailableNearby(ctx context.Context, lat, lon, radiusKm float64) ([]models.Candidate, error) {
	cands, err := s.FindNearby(ctx, lat, lon, radiusKm)
	if err != nil {
		return nil, err
	}
	out := cands[:0]
	for _, c := range cands {
		ok, err := s.IsAvailable(ctx, c.WorkerID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Service) MarkAvailable(ctx context.Context, workerID string) error {
	if err := s.store.SAdd(ctx, storage.AvailableWorkersKey, workerID); err != nil {
		return fmt.Errorf("mark available %s: %w", workerID, err)
	}
	return nil
}

func (s *Service) MarkUnavailable(ctx context.Context, workerID string) error {
	if err := s.store.SRem(ctx, storage.AvailableWorkersKey, workerID); err != nil {
		return fmt.Errorf("mark unavailable %s: %w", workerID, err)
	}
	return nil
}

func (s *Service) IsAvailable(ctx context.Context, workerID string) (bool, error) {
	ok, err := s.store.SIsMember(ctx, storage.AvailableWorkersKey, workerID)
	if err != nil {
		return false, fmt.Errorf("availability %s: %w", workerID, err)
	}
	return ok, nil
}

// Location reads the worker's last recorded position and whether the worker
// is currently matchable. ok is false when no usable record exists.
func (s *Service) Location(ctx context.Context, workerID string) (models.WorkerLocation, bool, error) {
	rec, err := s.store.HGetAll(ctx, storage.WorkerKey(workerID))
	if err != nil {
		return models.WorkerLocation{}, false, fmt.Errorf("worker record %s: %w", workerID, err)
	}
	lat, errLat := strconv.ParseFloat(rec["lat"], 64)
	lon, errLon := strconv.ParseFloat(rec["lon"], 64)
	if errLat != nil || errLon != nil {
		return models.WorkerLocation{}, false, nil
	}
	wl := models.WorkerLocation{
		WorkerID: workerID,
		Loc:      models.Coord{Lat: lat, Lon: lon},
		Status:   models.WorkerStatus(rec["status"]),
	}
	if ts, err := time.Parse(time.RFC3339, rec["updated"]); err == nil {
		wl.Updated = ts
	}
	avail, err := s.IsAvailable(ctx, workerID)
	if err != nil {
		return models.WorkerLocation{}, false, err
	}
	wl.Available = avail
	return wl, true, nil
}

// Reindex puts the worker's last recorded position back into the geo index.
// It reports false when there is nothing to restore.
func (s *Service) Reindex(ctx context.Context, workerID string) (bool, error) {
	wl, ok, err := s.Location(ctx, workerID)
	if err != nil || !ok {
		return false, err
	}
	if err := s.store.GeoAdd(ctx, s.key, workerID, wl.Loc.Lat, wl.Loc.Lon); err != nil {
		return false, fmt.Errorf("geo add %s: %w", workerID, err)
	}
	return true, nil
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
