package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/thimpu-create/cab-microservice-api/internal/models"
)

// fakeApplier fails the first failures calls, then succeeds.
type fakeApplier struct {
	mu       sync.Mutex
	failures int
	calls    int
	applied  []models.LocationUpdate
}

func (f *fakeApplier) ApplyLocation(_ context.Context, u models.LocationUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("store unavailable")
	}
	f.applied = append(f.applied, u)
	return nil
}

// scriptedReader returns its messages in order, then blocks until ctx ends.
type scriptedReader struct {
	msgs []kafka.Message
	errs []error
}

func (r *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return kafka.Message{}, err
	}
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		return m, nil
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeApplier{failures: 2}
	u := models.LocationUpdate{WorkerID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}}
	start := time.Now()
	if err := applyWithRetry(context.Background(), f, u, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected two backoffs (10ms + 20ms)")
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeApplier{failures: 5}
	if err := applyWithRetry(context.Background(), f, models.LocationUpdate{WorkerID: "d1"}, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}

func TestApplyWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeApplier{failures: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := applyWithRetry(ctx, f, models.LocationUpdate{WorkerID: "d1"}, 3, time.Hour); err == nil {
		t.Fatal("expected the last error back")
	}
	if f.calls != 1 {
		t.Fatalf("cancelled context should stop retries, got %d calls", f.calls)
	}
}

func TestConsumeSkipsInvalidMessages(t *testing.T) {
	r := &scriptedReader{msgs: []kafka.Message{
		{Value: []byte(`not json`)},
		{Value: []byte(`{"loc":{"lat":1,"lon":2}}`)},
		{Value: []byte(`{"id":"d1","loc":{"lat":40.1,"lon":-73.2},"status":"busy"}`)},
	}}
	f := &fakeApplier{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		consume(ctx, r, f, slog.New(slog.NewTextHandler(io.Discard, nil)))
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		f.mu.Lock()
		n := len(f.applied)
		f.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the valid message")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	got := f.applied[0]
	if got.WorkerID != "d1" || got.Loc.Lat != 40.1 || got.Status != models.WorkerBusy {
		t.Fatalf("unexpected update %+v", got)
	}
}
