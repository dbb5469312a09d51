package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/thimpu-create/cab-microservice-api/internal/models"
	"github.com/thimpu-create/cab-microservice-api/internal/observability"
	"github.com/thimpu-create/cab-microservice-api/internal/storage"
)

// Notifier publishes lifecycle events on the shared channel and drains the
// events other instances publish there, handing them to Handle so they reach
// sessions held by this process. Delivery is best-effort with no ordering
// across processes.
type Notifier struct {
	store    storage.Store
	channel  string
	instance string
	logger   *slog.Logger
	now      func() time.Time

	// Handle, when set, receives every decoded foreign event.
	Handle func(models.ChannelEvent)
}

func New(store storage.Store, channel string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		store:    store,
		channel:  channel,
		instance: uuid.NewString(),
		logger:   logger,
		now:      time.Now,
	}
}

// Instance is the origin id stamped on events this process publishes.
func (n *Notifier) Instance() string { return n.instance }

// Publish stamps ev with this instance's origin and publishes it. Failures
// are returned to the caller, which treats them as non-fatal.
func (n *Notifier) Publish(ctx context.Context, ev models.ChannelEvent) error {
	ev.Origin = n.instance
	if ev.At == 0 {
		ev.At = n.now().UnixMilli()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode channel event: %w", err)
	}
	if err := n.store.Publish(ctx, n.channel, b); err != nil {
		observability.ChannelMessages.WithLabelValues("out", "error").Inc()
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	observability.ChannelMessages.WithLabelValues("out", "ok").Inc()
	return nil
}

// Run subscribes to the channel and processes messages until ctx is done.
// If the subscription drops it resubscribes with exponential backoff.
func (n *Notifier) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		sub, err := n.store.Subscribe(ctx, n.channel)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			n.logger.Error("channel subscribe failed", "channel", n.channel, "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		n.logger.Info("subscribed to channel", "channel", n.channel, "instance", n.instance)

		done := n.drain(ctx, sub)
		_ = sub.Close()
		if done {
			return nil
		}
		n.logger.Warn("channel subscription closed, resubscribing", "channel", n.channel)
	}
}

// drain reports true when ctx ended, false when the subscription closed.
func (n *Notifier) drain(ctx context.Context, sub storage.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case raw, ok := <-sub.Messages():
			if !ok {
				return ctx.Err() != nil
			}
			n.process(raw)
		}
	}
}

func (n *Notifier) process(raw []byte) {
	var ev models.ChannelEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		observability.ChannelMessages.WithLabelValues("in", "invalid").Inc()
		n.logger.Warn("invalid channel message", "error", err, "payload", string(raw))
		return
	}
	if ev.Origin == n.instance {
		observability.ChannelMessages.WithLabelValues("in", "own").Inc()
		return
	}
	observability.ChannelMessages.WithLabelValues("in", "ok").Inc()
	n.logger.Info("channel event", "type", ev.Type, "request_id", ev.RequestID, "origin", ev.Origin,
		"passenger_id", ev.RequesterID, "driver_id", ev.WorkerID)
	if n.Handle != nil {
		n.Handle(ev)
	}
}
