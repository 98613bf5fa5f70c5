package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessedRecord_MarshalFlattensMetadata(t *testing.T) {
	ts := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	rec := NewProcessedRecord(map[string]any{
		"content":   "hello",
		"timestamp": "2025-03-01T10:29:59Z",
		"source":    SourceAPIService,
	}, ts, "worker-1", 7, "messages")

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"content": "hello",
		"timestamp": "2025-03-01T10:29:59Z",
		"source": "api-service",
		"processed_at": "2025-03-01T10:30:00Z",
		"worker_id": "worker-1",
		"delivery_tag": 7,
		"routing_key": "messages"
	}`, string(data))
}

func TestProcessedRecord_UnmarshalSplitsMetadata(t *testing.T) {
	var rec ProcessedRecord
	err := json.Unmarshal([]byte(`{
		"content": {"n": 12345678901234567890, "tags": ["a", "é"]},
		"processed_at": "2025-03-01T10:30:00.5Z",
		"worker_id": "w",
		"delivery_tag": 18446744073709551615,
		"routing_key": "messages"
	}`), &rec)
	require.NoError(t, err)

	assert.Equal(t, uint64(18446744073709551615), rec.DeliveryTag)
	assert.Equal(t, "w", rec.WorkerID)
	assert.Equal(t, "messages", rec.RoutingKey)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 30, 0, 500000000, time.UTC), rec.ProcessedAt)
	assert.NotContains(t, rec.Payload, FieldWorkerID)

	content, ok := rec.Content().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, json.Number("12345678901234567890"), content["n"])
	assert.Equal(t, []any{"a", "é"}, content["tags"])
}

func TestProcessedRecord_UnmarshalRejectsBadMetadata(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "processed_at not a string", body: `{"processed_at": 1}`},
		{name: "processed_at not a timestamp", body: `{"processed_at": "yesterday"}`},
		{name: "negative delivery tag", body: `{"delivery_tag": -1}`},
		{name: "worker id not a string", body: `{"worker_id": false}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec ProcessedRecord
			assert.Error(t, json.Unmarshal([]byte(tt.body), &rec))
		})
	}
}

func TestNewProcessedRecord_ReplacesMetadataKeys(t *testing.T) {
	rec := NewProcessedRecord(map[string]any{
		"content":   "x",
		"worker_id": "spoofed",
	}, time.Now(), "real", 1, "q")

	assert.Equal(t, "real", rec.WorkerID)
	assert.NotContains(t, rec.Payload, FieldWorkerID)
}

func TestDecodeObject(t *testing.T) {
	obj, err := DecodeObject([]byte(`{"content": 1.5}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("1.5"), obj["content"])

	_, err = DecodeObject([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeObject([]byte(`{"a": 1} {"b": 2}`))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotObject)

	for _, body := range []string{`[1, 2]`, `"x"`, `null`, `42`} {
		_, err = DecodeObject([]byte(body))
		assert.ErrorIs(t, err, ErrNotObject, "body %s", body)
	}
}

func TestDecodeObject_RejectsInvalidUTF8(t *testing.T) {
	_, err := DecodeObject([]byte("{\"content\":\"\xff\xfe\"}"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotObject)
	assert.Contains(t, err.Error(), "UTF-8")

	obj, err := DecodeObject([]byte(`{"content":"héllo ✓"}`))
	require.NoError(t, err)
	assert.Equal(t, "héllo ✓", obj["content"])
}

func TestNewEnvelope(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	env := NewEnvelope("hi", now)

	assert.Equal(t, "hi", env.Content)
	assert.Equal(t, "2025-01-02T02:04:05Z", env.Timestamp)
	assert.Equal(t, SourceAPIService, env.Source)
}
