package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"spendvault/internal/ledger/models"
)

// kafkaPayload is the JSON structure published to the audit topic. Amounts
// travel as decimal strings, same as the HTTP wire format.
type kafkaPayload struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
	Kind      string `json:"kind"`
	Amount    string `json:"amount"`
	Payer     string `json:"payer"`
	Merchant  string `json:"merchant"`
	At        string `json:"at"`
}

// KafkaSink publishes audit events to a kafka topic for downstream consumers
// (SIEM, reconciliation, analytics). Produce failures are logged and dropped:
// the durable trail already holds the event, kafka is a copy.
type KafkaSink struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewKafkaSink connects to the brokers and ensures the topic exists.
func NewKafkaSink(ctx context.Context, brokers []string, topic string, logger *slog.Logger) (*KafkaSink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	adm := kadm.NewClient(client)
	if _, err := adm.CreateTopic(ctx, -1, -1, nil, topic); err != nil {
		// Topic may already exist; anything else is surfaced at first produce.
		if logger != nil {
			logger.InfoContext(ctx, "audit topic create skipped", "topic", topic, "reason", err.Error())
		}
	}

	return &KafkaSink{client: client, topic: topic, logger: logger}, nil
}

func (s *KafkaSink) Consume(ctx context.Context, event models.AuditEvent) {
	payload, err := json.Marshal(kafkaPayload{
		ID:        event.ID.String(),
		SessionID: event.SessionID.String(),
		Seq:       event.Seq,
		Kind:      string(event.Kind),
		Amount:    event.Amount.String(),
		Payer:     event.Payer.String(),
		Merchant:  event.Merchant.String(),
		At:        event.At.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "marshal audit payload", "error", err)
		}
		return
	}

	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(event.SessionID),
		Value: payload,
	}
	s.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil && s.logger != nil {
			s.logger.Warn("audit kafka produce failed",
				"session_id", event.SessionID, "kind", event.Kind, "error", err)
		}
	})
}

// Close flushes buffered records and releases the client.
func (s *KafkaSink) Close() {
	s.client.Close()
}
