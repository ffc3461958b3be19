// Package audit records session lifecycle events. Publishing is
// best-effort everywhere: an audit failure is logged and never fails
// the operation being audited.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/models"
	"otp-service/internal/store"
	"otp-service/internal/util"
)

// Publisher accepts audit events.
type Publisher interface {
	Publish(ctx context.Context, event models.AuditLog)
	Close() error
}

// Event builds an audit record stamped with the current time.
func Event(eventType, canonicalPhone string, success bool, details string) models.AuditLog {
	return models.AuditLog{
		EventType:      eventType,
		CanonicalPhone: canonicalPhone,
		Success:        success,
		Details:        details,
		CreatedAt:      time.Now().UTC(),
	}
}

// KafkaPublisher writes audit events to the audit topic, keyed by
// phone so one phone's events stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
}

func NewKafkaPublisher(cfg config.KafkaConfig) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.AuditTopic,
		Balancer:     &kafka.LeastBytes{},
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				util.Error("Failed to write audit messages",
					zap.Error(err),
					zap.Int("message_count", len(messages)))
			}
		},
	}

	util.Info("Kafka audit publisher initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.AuditTopic))

	return &KafkaPublisher{writer: writer, topic: cfg.AuditTopic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event models.AuditLog) {
	value, err := json.Marshal(event)
	if err != nil {
		util.Error("Failed to encode audit event", zap.Error(err))
		return
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.CanonicalPhone),
		Value: value,
	})
	if err != nil {
		util.Warn("Failed to publish audit event",
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
}

func (p *KafkaPublisher) Close() error {
	if p.writer != nil {
		if err := p.writer.Close(); err != nil {
			util.Error("Failed to close audit publisher", zap.Error(err))
			return err
		}
		util.Info("Audit publisher closed")
	}
	return nil
}

// StorePublisher appends audit events to the audit_logs table through
// the executor. Used when no broker is configured.
type StorePublisher struct {
	exec *store.Executor
}

func NewStorePublisher(exec *store.Executor) *StorePublisher {
	return &StorePublisher{exec: exec}
}

func (p *StorePublisher) Publish(ctx context.Context, event models.AuditLog) {
	_, err := p.exec.Execute(ctx, store.OpInsertAuditLog, store.Params{
		"event_type":      event.EventType,
		"canonical_phone": event.CanonicalPhone,
		"success":         event.Success,
		"details":         event.Details,
		"created_at":      event.CreatedAt,
	})
	if err != nil {
		util.Warn("Failed to append audit event",
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
}

func (p *StorePublisher) Close() error { return nil }
