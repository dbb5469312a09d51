package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/thimpu-create/cab-microservice-api/internal/dispatch"
	"github.com/thimpu-create/cab-microservice-api/internal/geo"
	"github.com/thimpu-create/cab-microservice-api/internal/models"
	"github.com/thimpu-create/cab-microservice-api/internal/rides"
	"github.com/thimpu-create/cab-microservice-api/internal/storage"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []map[string]any
	closed bool
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	c.frames = append(c.frames, m)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// ofType returns the frames of the given event type.
func (c *fakeConn) ofType(typ string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, f := range c.frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.ChannelEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev models.ChannelEvent) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	store storage.Store
	geo   *geo.Service
	rides *rides.Lifecycle
	reg   *dispatch.Registry
	pub   *recordingPublisher
	svc   *Service
}

func newFixture(t *testing.T, now func() time.Time) *fixture {
	t.Helper()
	if now != nil {
		return newFixtureOn(t, storage.NewMemoryStoreWithClock(now))
	}
	return newFixtureOn(t, storage.NewMemoryStore())
}

func newFixtureOn(t *testing.T, st storage.Store) *fixture {
	t.Helper()
	f := &fixture{store: st, pub: &recordingPublisher{}}
	f.geo = geo.NewService(st, "drivers_geo", nil)
	f.rides = rides.NewLifecycle(st, 5*time.Minute, time.Hour, nil)
	f.reg = dispatch.NewRegistry(time.Second, nil)
	f.svc = New(f.geo, f.rides, dispatch.NewFanout(f.reg), f.pub, Config{RadiusKm: 10, SpeedMps: 8}, nil)
	return f
}

// worker connects a worker session positioned at loc.
func (f *fixture) worker(t *testing.T, id string, loc models.Coord) (*fakeConn, *dispatch.Session) {
	t.Helper()
	ctx := context.Background()
	conn := &fakeConn{}
	sess := f.svc.WorkerConnected(ctx, id, conn)
	if err := f.svc.ApplyLocation(ctx, models.LocationUpdate{WorkerID: id, Loc: loc, Status: models.WorkerAvailable}); err != nil {
		t.Fatalf("location %s: %v", id, err)
	}
	return conn, sess
}

func (f *fixture) available(t *testing.T, id string) bool {
	t.Helper()
	ok, err := f.geo.IsAvailable(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

// swapHookStore runs onSwap once, right around the first compare-and-swap
// that would move a record to status next.
type swapHookStore struct {
	*storage.MemoryStore
	next string

	mu     sync.Mutex
	before func(key string)
	after  func(key string)
}

func (s *swapHookStore) take(next string) (before, after func(string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next != s.next {
		return nil, nil
	}
	before, after = s.before, s.after
	s.before, s.after = nil, nil
	return before, after
}

func (s *swapHookStore) CompareAndSwap(ctx context.Context, key, field, expected, next string, extra map[string]string) (storage.CASResult, error) {
	before, after := s.take(next)
	if before != nil {
		before(key)
	}
	res, err := s.MemoryStore.CompareAndSwap(ctx, key, field, expected, next, extra)
	if after != nil && res == storage.CASApplied {
		after(key)
	}
	return res, err
}

var (
	pickup  = models.Coord{Lat: 40.0, Lon: -73.0}
	oneKm   = models.Coord{Lat: 40.008993, Lon: -73.0}
	twoKm   = models.Coord{Lat: 40.017986, Lon: -73.0}
	farAway = models.Coord{Lat: 41.0, Lon: -73.0}
)

func TestTwoWorkersRaceForOneRequest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c1, _ := f.worker(t, "w1", oneKm)
	c2, _ := f.worker(t, "w2", twoKm)
	rider := &fakeConn{}
	f.svc.RequesterConnected(ctx, "r1", rider)

	res, err := f.svc.RequestRide(ctx, "r1", pickup)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusRequestSent || res.DriversNotified != 2 || res.RequestID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	offer := c1.ofType(models.EventRideRequest)
	if len(offer) != 1 {
		t.Fatalf("w1 should get one ride_request, got %d", len(offer))
	}
	if d := offer[0]["distance_km"].(float64); d < 0.99 || d > 1.01 {
		t.Fatalf("distance_km = %v", d)
	}
	if eta := offer[0]["eta_seconds"].(float64); eta < 120 || eta > 130 {
		t.Fatalf("eta_seconds = %v", eta)
	}

	var wg sync.WaitGroup
	for _, id := range []string{"w1", "w2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := f.svc.Accept(ctx, res.RequestID, id); err != nil {
				t.Errorf("accept %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	won1 := len(c1.ofType(models.EventRideConfirmed)) == 1
	won2 := len(c2.ofType(models.EventRideConfirmed)) == 1
	if won1 == won2 {
		t.Fatalf("exactly one worker must be confirmed: w1=%v w2=%v", won1, won2)
	}
	winner, loser, winnerID := c1, c2, "w1"
	if won2 {
		winner, loser, winnerID = c2, c1, "w2"
	}
	if len(winner.ofType(models.EventRideTaken)) != 0 {
		t.Fatal("winner must not see ride_taken")
	}
	if len(loser.ofType(models.EventRideTaken)) == 0 {
		t.Fatal("loser must see ride_taken")
	}
	assigned := rider.ofType(models.EventDriverAssigned)
	if len(assigned) != 1 || assigned[0]["driver_id"] != winnerID {
		t.Fatalf("requester should be told about %s, got %v", winnerID, assigned)
	}
	if f.available(t, winnerID) {
		t.Fatal("winner should leave the available set")
	}
}

func TestConcurrentAcceptHasOneWinner(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	const n = 24
	conns := make([]*fakeConn, n)
	for i := range conns {
		conns[i], _ = f.worker(t, fmt.Sprintf("w%d", i), oneKm)
	}
	res, err := f.svc.RequestRide(ctx, "r1", pickup)
	if err != nil || res.Status != StatusRequestSent {
		t.Fatalf("request: %+v %v", res, err)
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_ = f.svc.Accept(ctx, res.RequestID, fmt.Sprintf("w%d", i))
		}(i)
	}
	close(start)
	wg.Wait()

	confirmed := 0
	for _, c := range conns {
		confirmed += len(c.ofType(models.EventRideConfirmed))
	}
	if confirmed != 1 {
		t.Fatalf("expected one confirmation, got %d", confirmed)
	}
	rec, err := f.rides.Get(ctx, res.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status() != models.StatusAssigned || rec.WorkerID() == "" {
		t.Fatalf("unexpected record %v", rec.Fields)
	}
}

func TestNoDriversPersistsOnlyRequesterLocation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.worker(t, "far", farAway)

	res, err := f.svc.RequestRide(ctx, "r1", pickup)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusNoDrivers {
		t.Fatalf("expected no_drivers_available, got %+v", res)
	}
	loc, _ := f.store.HGetAll(ctx, storage.RequesterKey("r1"))
	if loc["lat"] != "40" || loc["lon"] != "-73" {
		t.Fatalf("requester location not saved: %v", loc)
	}
	if _, err := f.store.HGet(ctx, storage.PendingRequestKey("r1"), "request_id"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("no request should be pending, got %v", err)
	}
	if len(f.pub.types()) != 0 {
		t.Fatalf("nothing should be published, got %v", f.pub.types())
	}
}

func TestUnavailableWorkersAreNotOffered(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c1, _ := f.worker(t, "w1", oneKm)
	if err := f.svc.HandleWorkerMessage(ctx, "w1", []byte(`{"lat":40.008993,"lon":-73.0,"status":"busy"}`)); err != nil {
		t.Fatal(err)
	}
	if f.available(t, "w1") {
		t.Fatal("busy worker should not be available")
	}
	res, _ := f.svc.RequestRide(ctx, "r1", pickup)
	if res.Status != StatusNoDrivers || len(c1.ofType(models.EventRideRequest)) != 0 {
		t.Fatalf("busy worker was offered a ride: %+v", res)
	}
}

func TestDuplicateRequests(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.worker(t, "w1", oneKm)

	first, _ := f.svc.RequestRide(ctx, "r1", pickup)
	again, err := f.svc.RequestRide(ctx, "r1", pickup)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != StatusAlreadyRequested || again.RequestID != first.RequestID {
		t.Fatalf("expected already_requested %s, got %+v", first.RequestID, again)
	}

	if err := f.svc.Accept(ctx, first.RequestID, "w1"); err != nil {
		t.Fatal(err)
	}
	inRide, _ := f.svc.RequestRide(ctx, "r1", pickup)
	if inRide.Status != StatusAlreadyInRide || inRide.RideID != first.RequestID {
		t.Fatalf("expected already_in_ride %s, got %+v", first.RequestID, inRide)
	}
}

func TestExpiredRequestCannotBeAccepted(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	f := newFixture(t, clock)
	ctx := context.Background()
	c1, _ := f.worker(t, "w1", oneKm)

	res, _ := f.svc.RequestRide(ctx, "r1", pickup)
	mu.Lock()
	now = now.Add(5*time.Minute + time.Second)
	mu.Unlock()

	if err := f.svc.Accept(ctx, res.RequestID, "w1"); err != nil {
		t.Fatal(err)
	}
	if len(c1.ofType(models.EventRideTaken)) != 1 || len(c1.ofType(models.EventRideConfirmed)) != 0 {
		t.Fatal("accepting an expired request should report ride_taken")
	}
	if err := f.svc.Complete(ctx, res.RequestID, "w1"); err != nil {
		t.Fatal(err)
	}
	if len(c1.ofType(models.EventRideError)) != 1 {
		t.Fatal("completing an expired request should report ride_error")
	}
}

func TestWorkerDisconnectMidRide(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, sess := f.worker(t, "w1", oneKm)
	res, _ := f.svc.RequestRide(ctx, "r1", pickup)
	if err := f.svc.Accept(ctx, res.RequestID, "w1"); err != nil {
		t.Fatal(err)
	}
	// back in the set to check the disconnect removes it
	_ = f.geo.MarkAvailable(ctx, "w1")

	f.svc.Disconnect(sess)

	if f.reg.Connected(dispatch.KindWorker, "w1") {
		t.Fatal("worker session should be gone")
	}
	if f.available(t, "w1") {
		t.Fatal("worker should leave the available set on disconnect")
	}
	a, err := f.rides.RequesterAssignment(ctx, "r1")
	if err != nil || a == nil || a.RequestID != res.RequestID || a.CounterpartID != "w1" {
		t.Fatalf("requester assignment must survive: %+v %v", a, err)
	}

	// reconnect restores the ride and keeps the worker out of matching
	conn := &fakeConn{}
	f.svc.WorkerConnected(ctx, "w1", conn)
	ongoing := conn.ofType(models.EventOngoingRide)
	if len(ongoing) != 1 || ongoing[0]["request_id"] != res.RequestID || ongoing[0]["passenger_id"] != "r1" {
		t.Fatalf("expected ongoing_ride on reconnect, got %v", ongoing)
	}
	if f.available(t, "w1") {
		t.Fatal("worker in a ride must not become available on reconnect")
	}

	rider := &fakeConn{}
	f.svc.RequesterConnected(ctx, "r1", rider)
	if got := rider.ofType(models.EventOngoingRide); len(got) != 1 || got[0]["driver_id"] != "w1" {
		t.Fatalf("expected requester ongoing_ride, got %v", got)
	}
}

func TestCompleteRide(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c1, _ := f.worker(t, "w1", oneKm)
	c2, _ := f.worker(t, "w2", twoKm)
	rider := &fakeConn{}
	f.svc.RequesterConnected(ctx, "r1", rider)
	res, _ := f.svc.RequestRide(ctx, "r1", pickup)
	_ = f.svc.Accept(ctx, res.RequestID, "w1")

	t.Run("non-owner is rejected", func(t *testing.T) {
		if err := f.svc.HandleWorkerMessage(ctx, "w2", []byte(`{"type":"completed_ride","request_id":"`+res.RequestID+`"}`)); err != nil {
			t.Fatal(err)
		}
		if len(c2.ofType(models.EventRideError)) != 1 {
			t.Fatal("expected ride_error for non-owner")
		}
		if _, err := f.rides.Get(ctx, res.RequestID); err != nil {
			t.Fatalf("ride must be untouched: %v", err)
		}
	})

	t.Run("owner completes", func(t *testing.T) {
		if err := f.svc.HandleWorkerMessage(ctx, "w1", []byte(`{"type":"completed_ride","request_id":"`+res.RequestID+`"}`)); err != nil {
			t.Fatal(err)
		}
		if len(rider.ofType(models.EventRideCompleted)) != 1 {
			t.Fatal("requester should get ride_completed")
		}
		if len(c1.ofType(models.EventRideCompletedAck)) != 1 {
			t.Fatal("worker should get ride_completed_ack")
		}
		if !f.available(t, "w1") {
			t.Fatal("worker should be available again")
		}
		if a, _ := f.rides.WorkerAssignment(ctx, "w1"); a != nil {
			t.Fatalf("worker assignment left behind: %+v", a)
		}
	})

	t.Run("second completion is not found", func(t *testing.T) {
		if err := f.svc.Complete(ctx, res.RequestID, "w1"); err != nil {
			t.Fatal(err)
		}
		if len(c1.ofType(models.EventRideError)) != 1 {
			t.Fatal("expected ride_error on repeat completion")
		}
	})

	want := []string{models.ChannelRideRequested, models.ChannelRideAssigned, models.ChannelRideCompleted}
	if got := f.pub.types(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
}

func TestLocationRelayDuringRide(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.worker(t, "w1", oneKm)
	rider := &fakeConn{}
	f.svc.RequesterConnected(ctx, "r1", rider)
	res, _ := f.svc.RequestRide(ctx, "r1", pickup)
	_ = f.svc.Accept(ctx, res.RequestID, "w1")

	if err := f.svc.HandleWorkerMessage(ctx, "w1", []byte(`{"lat":"40.004","lon":"-73.0"}`)); err != nil {
		t.Fatal(err)
	}
	relayed := rider.ofType(models.EventDriverLocationUpdate)
	if len(relayed) != 1 || relayed[0]["driver_id"] != "w1" || relayed[0]["lat"].(float64) != 40.004 {
		t.Fatalf("unexpected relay %v", relayed)
	}

	// reporting available mid-ride does not put the worker back in matching
	_ = f.svc.HandleWorkerMessage(ctx, "w1", []byte(`{"lat":40.004,"lon":-73.0,"status":"available"}`))
	if f.available(t, "w1") {
		t.Fatal("worker in a ride must stay unavailable")
	}

	for _, bad := range []string{`{"lat":"north","lon":1}`, `{"lat":null,"lon":1}`, `{"lon":1}`, `not json`} {
		if err := f.svc.HandleWorkerMessage(ctx, "w1", []byte(bad)); err != nil {
			t.Fatalf("%s: malformed input must be dropped, got %v", bad, err)
		}
	}
	if n := len(rider.ofType(models.EventDriverLocationUpdate)); n != 2 {
		t.Fatalf("malformed frames must not be relayed, relays=%d", n)
	}
	wl, ok, _ := f.geo.Location(ctx, "w1")
	if !ok || wl.Loc.Lat != 40.004 {
		t.Fatalf("last good location should stand, got %+v", wl)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("pending", func(t *testing.T) {
		f := newFixture(t, nil)
		c1, _ := f.worker(t, "w1", oneKm)
		res, _ := f.svc.RequestRide(ctx, "r1", pickup)
		if _, err := f.svc.Cancel(ctx, res.RequestID, "someone-else"); !errors.Is(err, rides.ErrNotOwner) {
			t.Fatalf("expected ErrNotOwner, got %v", err)
		}
		rec, err := f.svc.Cancel(ctx, res.RequestID, "r1")
		if err != nil || rec.Status() != models.StatusPending {
			t.Fatalf("cancel: %v %v", rec.Fields, err)
		}
		_ = f.svc.Accept(ctx, res.RequestID, "w1")
		if len(c1.ofType(models.EventRideConfirmed)) != 0 {
			t.Fatal("cancelled request must not be assignable")
		}
	})

	t.Run("assigned", func(t *testing.T) {
		f := newFixture(t, nil)
		c1, _ := f.worker(t, "w1", oneKm)
		res, _ := f.svc.RequestRide(ctx, "r1", pickup)
		_ = f.svc.Accept(ctx, res.RequestID, "w1")
		if _, err := f.svc.Cancel(ctx, res.RequestID, "r1"); err != nil {
			t.Fatal(err)
		}
		if len(c1.ofType(models.EventRideCancelled)) != 1 {
			t.Fatal("assigned worker should get ride_cancelled")
		}
		if !f.available(t, "w1") {
			t.Fatal("worker should be matchable again")
		}
		if a, _ := f.rides.RequesterAssignment(ctx, "r1"); a != nil {
			t.Fatal("assignment should be gone")
		}
		if _, err := f.svc.Ride(ctx, res.RequestID); !errors.Is(err, rides.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestRideOutlivesRequestTTL(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	advance := func(d time.Duration) { mu.Lock(); now = now.Add(d); mu.Unlock() }
	f := newFixture(t, clock)
	ctx := context.Background()
	c1, _ := f.worker(t, "w1", oneKm)
	rider := &fakeConn{}
	f.svc.RequesterConnected(ctx, "r1", rider)

	res, _ := f.svc.RequestRide(ctx, "r1", pickup)
	if err := f.svc.Accept(ctx, res.RequestID, "w1"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 6; i++ {
		advance(time.Minute)
		if err := f.svc.HandleWorkerMessage(ctx, "w1", []byte(`{"lat":40.004,"lon":-73.0}`)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.svc.Ride(ctx, res.RequestID); err != nil {
		t.Fatalf("assigned ride should still be readable: %v", err)
	}

	if err := f.svc.Complete(ctx, res.RequestID, "w1"); err != nil {
		t.Fatal(err)
	}
	if errs := c1.ofType(models.EventRideError); len(errs) != 0 {
		t.Fatalf("unexpected ride_error %v", errs)
	}
	if len(c1.ofType(models.EventRideCompletedAck)) != 1 || len(rider.ofType(models.EventRideCompleted)) != 1 {
		t.Fatal("both sides should hear about the completion")
	}
	if a, _ := f.rides.WorkerAssignment(ctx, "w1"); a != nil {
		t.Fatalf("worker assignment left behind: %+v", a)
	}
	if !f.available(t, "w1") {
		t.Fatal("worker should be matchable again")
	}
	again, err := f.svc.RequestRide(ctx, "r1", pickup)
	if err != nil || again.Status != StatusRequestSent {
		t.Fatalf("requester should be able to ride again, got %+v %v", again, err)
	}
}

func TestCancelBetweenAssignAndBind(t *testing.T) {
	st := &swapHookStore{MemoryStore: storage.NewMemoryStore(), next: string(models.StatusAssigned)}
	f := newFixtureOn(t, st)
	ctx := context.Background()
	c1, _ := f.worker(t, "w1", oneKm)
	res, _ := f.svc.RequestRide(ctx, "r1", pickup)

	st.after = func(string) {
		if _, err := f.svc.Cancel(ctx, res.RequestID, "r1"); err != nil {
			t.Errorf("cancel: %v", err)
		}
	}
	if err := f.svc.Accept(ctx, res.RequestID, "w1"); err != nil {
		t.Fatal(err)
	}

	if len(c1.ofType(models.EventRideCancelled)) != 1 {
		t.Fatal("worker should be told the ride was cancelled")
	}
	if len(c1.ofType(models.EventRideConfirmed)) != 0 {
		t.Fatal("a cancelled ride must not be confirmed")
	}
	if a, _ := f.rides.WorkerAssignment(ctx, "w1"); a != nil {
		t.Fatalf("worker assignment written for a cancelled ride: %+v", a)
	}
	if a, _ := f.rides.RequesterAssignment(ctx, "r1"); a != nil {
		t.Fatalf("requester assignment written for a cancelled ride: %+v", a)
	}
	if !f.available(t, "w1") {
		t.Fatal("worker should stay matchable")
	}
	again, err := f.svc.RequestRide(ctx, "r1", pickup)
	if err != nil || again.Status != StatusRequestSent {
		t.Fatalf("requester should be able to request again, got %+v %v", again, err)
	}
}

func TestRequestVanishedBeforeSwap(t *testing.T) {
	st := &swapHookStore{MemoryStore: storage.NewMemoryStore(), next: string(models.StatusAssigned)}
	f := newFixtureOn(t, st)
	ctx := context.Background()
	c1, _ := f.worker(t, "w1", oneKm)
	res, _ := f.svc.RequestRide(ctx, "r1", pickup)

	st.before = func(key string) { _ = st.Del(ctx, key) }
	if err := f.svc.Accept(ctx, res.RequestID, "w1"); err != nil {
		t.Fatal(err)
	}
	if len(c1.ofType(models.EventRideTaken)) != 0 {
		t.Fatal("a vanished record is not a lost race")
	}
	errs := c1.ofType(models.EventRideError)
	if len(errs) != 1 || errs[0]["message"] != "ride not found" {
		t.Fatalf("expected ride_error not found, got %v", errs)
	}
}

func TestBusyWorkerCannotAcceptSecondRide(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c1, _ := f.worker(t, "w1", oneKm)
	first, _ := f.svc.RequestRide(ctx, "r1", pickup)
	if err := f.svc.Accept(ctx, first.RequestID, "w1"); err != nil {
		t.Fatal(err)
	}

	c2, _ := f.worker(t, "w2", twoKm)
	second, _ := f.svc.RequestRide(ctx, "r2", pickup)
	if second.Status != StatusRequestSent {
		t.Fatalf("second request: %+v", second)
	}
	if err := f.svc.Accept(ctx, second.RequestID, "w1"); err != nil {
		t.Fatal(err)
	}
	if n := len(c1.ofType(models.EventRideConfirmed)); n != 1 {
		t.Fatalf("busy worker must not win a second ride, confirmations=%d", n)
	}
	if len(c1.ofType(models.EventRideError)) != 1 {
		t.Fatal("busy worker should get ride_error")
	}
	rec, _ := f.rides.Get(ctx, second.RequestID)
	if rec.Status() != models.StatusPending {
		t.Fatalf("second request should stay pending, got %s", rec.Status())
	}

	if err := f.svc.Accept(ctx, second.RequestID, "w2"); err != nil {
		t.Fatal(err)
	}
	if len(c2.ofType(models.EventRideConfirmed)) != 1 {
		t.Fatal("w2 should win the second ride")
	}
	if err := f.svc.Complete(ctx, first.RequestID, "w1"); err != nil {
		t.Fatal(err)
	}
	wa, _ := f.rides.WorkerAssignment(ctx, "w2")
	ra, _ := f.rides.RequesterAssignment(ctx, "r2")
	if wa == nil || ra == nil || wa.RequestID != second.RequestID || ra.CounterpartID != "w2" {
		t.Fatalf("second ride's sides should agree: %+v %+v", wa, ra)
	}
}

func TestReplacedSessionKeepsAvailability(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, old := f.worker(t, "w1", oneKm)
	f.svc.WorkerConnected(ctx, "w1", &fakeConn{})

	// the hook for the old session lands after the new one registered
	f.svc.sessionRemoved(old)
	if !f.available(t, "w1") {
		t.Fatal("cleanup for a replaced session must not touch availability")
	}
}

func TestForeignEventsReachLocalSessions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c1, _ := f.worker(t, "w1", oneKm)
	rider := &fakeConn{}
	f.svc.RequesterConnected(ctx, "r1", rider)

	// created by another instance, so nothing was pushed here yet
	created, err := f.rides.Create(ctx, "r1", pickup)
	if err != nil {
		t.Fatal(err)
	}
	f.svc.HandleChannelEvent(models.ChannelEvent{Type: models.ChannelRideRequested, Origin: "other", RequestID: created.RequestID, RequesterID: "r1"})
	offers := c1.ofType(models.EventRideRequest)
	if len(offers) != 1 || offers[0]["request_id"] != created.RequestID {
		t.Fatalf("expected the offer on the local worker, got %v", offers)
	}

	// a worker on the other instance wins
	if r, _ := f.rides.Assign(ctx, created.RequestID, "w9"); r != storage.CASApplied {
		t.Fatalf("assign: %v", r)
	}
	if err := f.rides.Bind(ctx, created.RequestID, "w9", "r1", pickup); err != nil {
		t.Fatal(err)
	}
	f.svc.HandleChannelEvent(models.ChannelEvent{Type: models.ChannelRideAssigned, Origin: "other", RequestID: created.RequestID, RequesterID: "r1", WorkerID: "w9"})
	if len(c1.ofType(models.EventRideTaken)) != 1 {
		t.Fatal("local worker should see the offer withdrawn")
	}
	assigned := rider.ofType(models.EventDriverAssigned)
	if len(assigned) != 1 || assigned[0]["driver_id"] != "w9" {
		t.Fatalf("local requester should learn the driver, got %v", assigned)
	}

	f.svc.HandleChannelEvent(models.ChannelEvent{Type: models.ChannelRideCompleted, Origin: "other", RequestID: created.RequestID, RequesterID: "r1", WorkerID: "w9"})
	if len(rider.ofType(models.EventRideCompleted)) != 1 {
		t.Fatal("local requester should get ride_completed")
	}

	t.Run("cancel reaches a local worker", func(t *testing.T) {
		_ = f.geo.MarkUnavailable(ctx, "w1")
		f.svc.HandleChannelEvent(models.ChannelEvent{Type: models.ChannelRideCancelled, Origin: "other", RequestID: "req-x", RequesterID: "r5", WorkerID: "w1"})
		if len(c1.ofType(models.EventRideCancelled)) != 1 {
			t.Fatal("expected ride_cancelled")
		}
		if !f.available(t, "w1") {
			t.Fatal("worker should be matchable again")
		}
	})
}
