package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FallsBackToLogPublisher(t *testing.T) {
	p := New(&Config{Topic: defaultTopic}, nil)

	assert.IsType(t, &LogPublisher{}, p)
	assert.NoError(t, p.Close())
}

func TestNew_KafkaWhenBrokersConfigured(t *testing.T) {
	p := New(&Config{Brokers: []string{"localhost:9092"}, Topic: "audit"}, nil)

	kp, ok := p.(*KafkaPublisher)
	require.True(t, ok)
	assert.Equal(t, "audit", kp.writer.Topic)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Publish(context.Background(), NewEvent(ActionImportDeleted, "ops", "import_job", "j1", nil)), ErrPublisherClosed)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("GEOEVENTS_AUDIT_BROKERS", "kafka-1:9092, kafka-2:9092")

	cfg := LoadConfig()

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Brokers)
	assert.Equal(t, defaultTopic, cfg.Topic)
}

func TestLogPublisher_WritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer

	p := NewLogPublisher(slog.New(slog.NewJSONHandler(&buf, nil)))

	event := NewEvent(ActionDatasetDeleted, "alice", "dataset", "ds-1", map[string]any{"reason": "duplicate"})
	require.NoError(t, p.Publish(context.Background(), event))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))

	assert.Equal(t, "Audit event", line["msg"])
	assert.Equal(t, "dataset.deleted", line["action"])
	assert.Equal(t, "alice", line["actor"])
	assert.Equal(t, "ds-1", line["resource_id"])
}

func TestMemoryPublisher(t *testing.T) {
	p := NewMemoryPublisher()

	require.NoError(t, p.Publish(context.Background(), NewEvent(ActionImportApproved, "bob", "import_job", "j1", nil)))

	events := p.Events()
	require.Len(t, events, 1)
	assert.Equal(t, ActionImportApproved, events[0].Action)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].OccurredAt.IsZero())
}
