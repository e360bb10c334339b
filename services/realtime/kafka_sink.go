package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"stock_tracker_backend/models"
)

// KafkaConfig contains configuration for the broadcast topic producer
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	BatchTimeout time.Duration
	RequiredAcks int
}

// DefaultKafkaConfig returns defaults for a local broker
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "price-broadcasts",
		WriteTimeout: 5 * time.Second,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: 1,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// BroadcastRecord is the value written to the broadcast topic
type BroadcastRecord struct {
	UserIDs []string               `json:"user_ids"`
	Action  models.WebsocketAction `json:"action"`
	Payload models.PricePayload    `json:"payload"`
}

// KafkaSink publishes every broadcast to a Kafka topic so other services can fan it out
type KafkaSink struct {
	writer messageWriter
	logger *zap.Logger
}

// NewKafkaSink creates a sink writing to cfg.Topic
func NewKafkaSink(cfg KafkaConfig, logger *zap.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink: brokers and topic are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
	}
	logger.Info("kafka broadcast sink configured", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
	return &KafkaSink{writer: w, logger: logger}, nil
}

// Send writes one record keyed by asset so updates of an asset stay ordered within a partition
func (k *KafkaSink) Send(ctx context.Context, userIDs []string, payload models.PricePayload, action models.WebsocketAction) error {
	payload.Action = action
	value, err := json.Marshal(BroadcastRecord{UserIDs: userIDs, Action: action, Payload: payload})
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(string(payload.AssetType) + ":" + payload.AssetID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(action)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", payload.AssetID, err)
	}
	return nil
}

// Close flushes and closes the writer
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

// PushSink is implemented by every broadcast destination
type PushSink interface {
	Send(ctx context.Context, userIDs []string, payload models.PricePayload, action models.WebsocketAction) error
}

// MultiSink sends to every sink and joins their errors
type MultiSink []PushSink

func (m MultiSink) Send(ctx context.Context, userIDs []string, payload models.PricePayload, action models.WebsocketAction) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, userIDs, payload, action); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
