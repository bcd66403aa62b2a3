package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"supplydesk-backend/internal/config"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Producer interface {
	WriteMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a traced producer for the events topic.
func NewKafkaWriter(cfg config.KafkaConfig, tp trace.TracerProvider) (Producer, error) {
	base := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    cfg.BatchSize,
		RequiredAcks: kafka.RequireAll,
	}

	w, err := otelkafka.NewWriter(base,
		otelkafka.WithTracerProvider(tp),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes(
			[]attribute.KeyValue{
				semconv.MessagingDestinationNameKey.String(cfg.Topic),
				attribute.String("messaging.kafka.client_id", config.ServiceName),
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka writer: %w", err)
	}
	return w, nil
}

// Relay persists bus events into the outbox and drains the outbox to Kafka.
// Publication is at-least-once: an entry is acked only after a successful write.
type Relay struct {
	outbox   *Outbox
	producer Producer
	interval time.Duration
	batch    int
	log      *zap.Logger
}

func NewRelay(outbox *Outbox, producer Producer, cfg config.KafkaConfig, log *zap.Logger) *Relay {
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	batch := cfg.BatchSize
	if batch < 1 {
		batch = 100
	}
	return &Relay{outbox: outbox, producer: producer, interval: interval, batch: batch, log: log}
}

// Run consumes in until it closes or ctx ends, then makes a last flush attempt.
func (r *Relay) Run(ctx context.Context, in <-chan Event) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Flush(context.Background())
			return
		case ev, ok := <-in:
			if !ok {
				r.Flush(context.Background())
				return
			}
			if err := r.outbox.Append(ev); err != nil {
				r.log.Error("outbox append failed", zap.String("event_id", ev.ID), zap.Error(err))
				continue
			}
			r.Flush(ctx)
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Flush publishes pending entries in order and stops at the first failure so
// ordering per key is preserved on the next attempt.
func (r *Relay) Flush(ctx context.Context) int {
	sent := 0
	for {
		pending, err := r.outbox.Pending(r.batch)
		if err != nil {
			r.log.Error("outbox read failed", zap.Error(err))
			return sent
		}
		if len(pending) == 0 {
			return sent
		}
		for _, p := range pending {
			val, err := json.Marshal(p.Event)
			if err != nil {
				r.log.Error("event encode failed, dropping", zap.String("event_id", p.Event.ID), zap.Error(err))
				_ = r.outbox.Ack(p.Key)
				continue
			}
			msg := kafka.Message{
				Key:   []byte(p.Event.Key()),
				Value: val,
				Headers: []kafka.Header{
					{Key: "event_type", Value: []byte(p.Event.Type)},
				},
			}
			if err := r.producer.WriteMessage(ctx, msg); err != nil {
				r.log.Warn("kafka publish failed, will retry", zap.String("event_id", p.Event.ID), zap.Error(err))
				return sent
			}
			if err := r.outbox.Ack(p.Key); err != nil {
				r.log.Error("outbox ack failed", zap.String("event_id", p.Event.ID), zap.Error(err))
				return sent
			}
			sent++
		}
		if len(pending) < r.batch {
			return sent
		}
	}
}
