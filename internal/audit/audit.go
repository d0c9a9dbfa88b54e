// Package audit publishes operator actions (deletes, approvals, manual triggers)
// to a Kafka topic, or to the structured log when no broker is configured.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/geoevents/geoevents/internal/config"
)

// Action names an audited operation.
type Action string

const (
	ActionImportCreated     Action = "import.created"
	ActionImportApproved    Action = "import.approved"
	ActionImportRejected    Action = "import.rejected"
	ActionImportCancelled   Action = "import.cancelled"
	ActionImportRequeued    Action = "import.requeued"
	ActionImportDeleted     Action = "import.deleted"
	ActionDatasetDeleted    Action = "dataset.deleted"
	ActionScheduleTriggered Action = "schedule.triggered"
)

const defaultTopic = "geoevents.audit"

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("audit publisher closed")

// Event is one audit record.
type Event struct {
	ID           string         `json:"id"`
	Action       Action         `json:"action"`
	Actor        string         `json:"actor"`
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId"`
	Details      map[string]any `json:"details,omitempty"`
	OccurredAt   time.Time      `json:"occurredAt"`
}

// NewEvent stamps an id and the current time.
func NewEvent(action Action, actor, resourceType, resourceID string, details map[string]any) Event {
	return Event{
		ID:           uuid.NewString(),
		Action:       action,
		Actor:        actor,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		OccurredAt:   time.Now().UTC(),
	}
}

// Publisher delivers audit events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Config holds audit transport settings.
type Config struct {
	Brokers []string
	Topic   string
}

// LoadConfig reads GEOEVENTS_AUDIT_BROKERS (comma separated) and GEOEVENTS_AUDIT_TOPIC.
func LoadConfig() *Config {
	return &Config{
		Brokers: config.ParseCommaSeparatedList(config.GetEnvStr("GEOEVENTS_AUDIT_BROKERS", "")),
		Topic:   config.GetEnvStr("GEOEVENTS_AUDIT_TOPIC", defaultTopic),
	}
}

// New returns a Kafka publisher when brokers are configured, otherwise a log publisher.
func New(cfg *Config, logger *slog.Logger) Publisher {
	if len(cfg.Brokers) == 0 {
		return NewLogPublisher(logger)
	}

	return NewKafkaPublisher(cfg.Brokers, cfg.Topic, logger)
}

// LogPublisher writes audit events to the structured log.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}

	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	p.logger.InfoContext(ctx, "Audit event",
		slog.String("audit_id", event.ID),
		slog.String("action", string(event.Action)),
		slog.String("actor", event.Actor),
		slog.String("resource_type", event.ResourceType),
		slog.String("resource_id", event.ResourceID),
		slog.Any("details", event.Details))

	return nil
}

func (p *LogPublisher) Close() error { return nil }

// MemoryPublisher keeps events in memory for tests and local runs.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryPublisher creates an empty MemoryPublisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

func (p *MemoryPublisher) Close() error { return nil }

// Events returns a copy of the published events.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]Event(nil), p.events...)
}
