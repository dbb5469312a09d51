package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by HGet when the key or field does not exist.
var ErrNotFound = errors.New("storage: not found")

// CASResult is the outcome of a CompareAndSwap call.
type CASResult int

const (
	CASNoRecord CASResult = -1
	CASConflict CASResult = 0
	CASApplied  CASResult = 1
)

func (r CASResult) String() string {
	switch r {
	case CASNoRecord:
		return "no_record"
	case CASConflict:
		return "conflict"
	case CASApplied:
		return "applied"
	}
	return "unknown"
}

// GeoHit is one member returned by a radius query.
type GeoHit struct {
	Member     string
	DistanceKm float64
}

// HashWrite describes one hash to be written by WriteHashes. A zero TTL
// leaves the key without expiry.
type HashWrite struct {
	Key    string
	Fields map[string]string
	TTL    time.Duration
}

// Guard is the precondition of WriteHashesIf: every field in Match must
// currently hold the given value on Key. On success Key's expiry is reset
// to TTL (zero leaves it alone).
type Guard struct {
	Key   string
	Match map[string]string
	TTL   time.Duration
}

// Subscription delivers raw payloads published on one channel. The
// Messages channel is closed after Close or when the underlying connection
// goes away.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Store is the shared coordination store every core component talks to.
// Implementations must be safe for concurrent use and CompareAndSwap must
// be a single indivisible step with respect to every other operation,
// including operations issued by other processes sharing the same backend.
type Store interface {
	Ping(ctx context.Context) error

	GeoAdd(ctx context.Context, key, member string, lat, lon float64) error
	// GeoRadius returns members within radiusKm of (lat, lon), nearest first.
	GeoRadius(ctx context.Context, key string, lat, lon, radiusKm float64) ([]GeoHit, error)

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	// HGetAll returns an empty map when the key does not exist.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// WriteHashes writes every hash and sets its TTL in one transaction.
	WriteHashes(ctx context.Context, writes ...HashWrite) error
	// WriteHashesIf performs WriteHashes only while g holds, checking and
	// writing in one indivisible step. It reports whether the writes ran.
	WriteHashesIf(ctx context.Context, g Guard, writes ...HashWrite) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// CompareAndSwap sets field to next (plus any extra fields) only if its
	// current value equals expected.
	CompareAndSwap(ctx context.Context, key, field, expected, next string, extra map[string]string) (CASResult, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Close() error
}

var (
	errClosed       = errors.New("storage: store closed")
	errInvalidCoord = errors.New("storage: invalid longitude/latitude pair")
)
