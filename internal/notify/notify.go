// Package notify implements the notification bus: publishing a
// DATASET_UPDATED event after every successful publish, with FIFO-per-dataset
// ordering and delivery deduplication modeled after SNS FIFO's
// message-group-id / message-deduplication-id pair.
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// EventType is the single event kind this bus carries.
const EventType = "DATASET_UPDATED"

// DeduplicationIDHeader carries the SHA-256 of the manifest pointer, giving
// consumers an idempotency key equivalent to SNS FIFO's
// message-deduplication-id.
const DeduplicationIDHeader = "message-deduplication-id"

// Event is the message body published to the bus.
type Event struct {
	Type            string `json:"type"`
	Timestamp       string `json:"timestamp"`
	DatasetID       string `json:"dataset_id"`
	ManifestPointer string `json:"manifest_pointer"`
}

// Bus publishes DATASET_UPDATED events over Kafka, keyed by dataset id so a
// single partition (and therefore strict per-dataset ordering) is used the
// way an SNS FIFO topic's message-group-id would be.
type Bus struct {
	writer *kafka.Writer
}

// Config configures the Kafka-backed notification bus.
type Config struct {
	Brokers []string
	Topic   string
}

// New returns a Bus publishing to cfg.Topic.
func New(cfg Config) *Bus {
	return &Bus{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
	}
}

// Close flushes and closes the underlying Kafka writer.
func (b *Bus) Close() error {
	return b.writer.Close()
}

// PublishDatasetUpdated notifies that datasetID's pointer now references
// manifestPointer (the VersionManifest key, relative to the bucket with the
// leading "datasets/" stripped).
func (b *Bus) PublishDatasetUpdated(ctx context.Context, datasetID, manifestPointer string, now time.Time) error {
	event := Event{
		Type:            EventType,
		Timestamp:       now.UTC().Format(time.RFC3339),
		DatasetID:       datasetID,
		ManifestPointer: relativeManifestPointer(manifestPointer),
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: marshaling event: %w", err)
	}

	dedupeSum := sha256.Sum256([]byte(event.ManifestPointer))

	msg := kafka.Message{
		Key:   []byte(datasetID),
		Value: body,
		Headers: []kafka.Header{
			{Key: DeduplicationIDHeader, Value: []byte(hex.EncodeToString(dedupeSum[:]))},
		},
	}

	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("notify: publishing dataset updated event: %w", err)
	}

	return nil
}

func relativeManifestPointer(key string) string {
	return strings.TrimPrefix(key, "datasets/")
}
