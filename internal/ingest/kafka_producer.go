package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/thimpu-create/cab-microservice-api/internal/models"
)

const publishTimeout = 2 * time.Second

// KafkaProducer writes worker location updates to the location topic. The
// worker id is the message key, so one worker's updates stay ordered within
// a partition.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string, logger *slog.Logger) *KafkaProducer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Error("kafka writer", "error", fmt.Sprintf(msg, args...))
		}),
	}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	msg, err := encodeLocation(u)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish location %s: %w", u.WorkerID, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func encodeLocation(u models.LocationUpdate) (kafka.Message, error) {
	if u.WorkerID == "" {
		return kafka.Message{}, fmt.Errorf("location update without driver id")
	}
	b, err := json.Marshal(u)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode location: %w", err)
	}
	return kafka.Message{Key: []byte(u.WorkerID), Value: b, Time: u.SentAt}, nil
}

// DecodeLocation parses a message written by PublishLocation.
func DecodeLocation(value []byte) (models.LocationUpdate, error) {
	var u models.LocationUpdate
	if err := json.Unmarshal(value, &u); err != nil {
		return models.LocationUpdate{}, fmt.Errorf("decode location: %w", err)
	}
	if u.WorkerID == "" {
		return models.LocationUpdate{}, fmt.Errorf("location update without driver id")
	}
	return u, nil
}
