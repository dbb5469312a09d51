package storage

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a single-process Store. It backs local runs without Redis
// and the test suites; every operation, CompareAndSwap included, runs under
// one mutex so it is atomic with respect to all others.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
	geo    map[string]map[string]geoPoint
	expiry map[string]time.Time
	subs   map[string][]*memorySubscription
	closed bool
}

type geoPoint struct{ lat, lon float64 }

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock lets tests drive key expiry.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		now:    now,
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
		geo:    make(map[string]map[string]geoPoint),
		expiry: make(map[string]time.Time),
		subs:   make(map[string][]*memorySubscription),
	}
}

// evict drops key if its TTL has passed. Caller holds m.mu.
func (m *MemoryStore) evict(key string) {
	exp, ok := m.expiry[key]
	if !ok || m.now().Before(exp) {
		return
	}
	m.deleteLocked(key)
}

func (m *MemoryStore) deleteLocked(key string) {
	delete(m.hashes, key)
	delete(m.sets, key)
	delete(m.geo, key)
	delete(m.expiry, key)
}

func (m *MemoryStore) existsLocked(key string) bool {
	if _, ok := m.hashes[key]; ok {
		return true
	}
	if _, ok := m.sets[key]; ok {
		return true
	}
	_, ok := m.geo[key]
	return ok
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	return ctx.Err()
}

func (m *MemoryStore) GeoAdd(ctx context.Context, key, member string, lat, lon float64) error {
	if lat < -85.05112878 || lat > 85.05112878 || lon < -180 || lon > 180 {
		return errInvalidCoord
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	idx, ok := m.geo[key]
	if !ok {
		idx = make(map[string]geoPoint)
		m.geo[key] = idx
	}
	idx[member] = geoPoint{lat: lat, lon: lon}
	return nil
}

func (m *MemoryStore) GeoRadius(ctx context.Context, key string, lat, lon, radiusKm float64) ([]GeoHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	var out []GeoHit
	for member, p := range m.geo[key] {
		d := haversineKm(lat, lon, p.lat, p.lon)
		if d <= radiusKm {
			out = append(out, GeoHit{Member: member, DistanceKm: d})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm == out[j].DistanceKm {
			return out[i].Member < out[j].Member
		}
		return out[i].DistanceKm < out[j].DistanceKm
	})
	return out, nil
}

func (m *MemoryStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hsetLocked(key, fields)
	return nil
}

func (m *MemoryStore) hsetLocked(key string, fields map[string]string) {
	m.evict(key)
	if len(fields) == 0 {
		return
	}
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
}

func (m *MemoryStore) HGet(ctx context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	v, ok := m.hashes[key][field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) WriteHashes(ctx context.Context, writes ...HashWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range writes {
		m.hsetLocked(w.Key, w.Fields)
		if w.TTL > 0 {
			m.expireLocked(w.Key, w.TTL)
		}
	}
	return nil
}

func (m *MemoryStore) WriteHashesIf(ctx context.Context, g Guard, writes ...HashWrite) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(g.Key)
	h := m.hashes[g.Key]
	for k, want := range g.Match {
		if v, ok := h[k]; !ok || v != want {
			return false, nil
		}
	}
	for _, w := range writes {
		m.hsetLocked(w.Key, w.Fields)
		if w.TTL > 0 {
			m.expireLocked(w.Key, w.TTL)
		}
	}
	if g.TTL > 0 {
		m.expireLocked(g.Key, g.TTL)
	}
	return true, nil
}

func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	m.expireLocked(key, ttl)
	return nil
}

func (m *MemoryStore) expireLocked(key string, ttl time.Duration) {
	if !m.existsLocked(key) {
		return
	}
	if ttl <= 0 {
		m.deleteLocked(key)
		return
	}
	m.expiry[key] = m.now().Add(ttl)
}

func (m *MemoryStore) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.deleteLocked(k)
	}
	return nil
}

func (m *MemoryStore) SAdd(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	s[member] = struct{}{}
	return nil
}

func (m *MemoryStore) SRem(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	if s, ok := m.sets[key]; ok {
		delete(s, member)
		if len(s) == 0 {
			m.deleteLocked(key)
		}
	}
	return nil
}

func (m *MemoryStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, key, field, expected, next string, extra map[string]string) (CASResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	h, ok := m.hashes[key]
	if !ok {
		return CASNoRecord, nil
	}
	cur, ok := h[field]
	if !ok {
		return CASNoRecord, nil
	}
	if cur != expected {
		return CASConflict, nil
	}
	h[field] = next
	for k, v := range extra {
		h[k] = v
	}
	return CASApplied, nil
}

func (m *MemoryStore) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case s.out <- msg:
		default:
			// slow subscriber; pub/sub delivery is best-effort
		}
	}
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosed
	}
	s := &memorySubscription{store: m, channel: channel, out: make(chan []byte, 64)}
	m.subs[channel] = append(m.subs[channel], s)
	return s, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string][]*memorySubscription)
	m.closed = true
	m.mu.Unlock()
	for _, list := range subs {
		for _, s := range list {
			s.closeOut()
		}
	}
	return nil
}

type memorySubscription struct {
	store   *MemoryStore
	channel string
	out     chan []byte
	once    sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte { return s.out }

func (s *memorySubscription) Close() error {
	m := s.store
	m.mu.Lock()
	list := m.subs[s.channel]
	for i, other := range list {
		if other == s {
			m.subs[s.channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	s.closeOut()
	return nil
}

func (s *memorySubscription) closeOut() { s.once.Do(func() { close(s.out) }) }

// haversineKm is kept local so storage stays free of domain imports.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
