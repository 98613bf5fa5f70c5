package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"
)

// SourceAPIService tags envelopes published by the producer gateway.
const SourceAPIService = "api-service"

// MessageHeader constants
const (
	HeaderMessageID     = "message-id"
	HeaderDeliveryCount = "x-delivery-count"
	HeaderContentType   = "content-type"
)

// Keys the consumer adds to every processed record.
const (
	FieldProcessedAt = "processed_at"
	FieldWorkerID    = "worker_id"
	FieldDeliveryTag = "delivery_tag"
	FieldRoutingKey  = "routing_key"
)

// Envelope is the body the producer gateway publishes to the queue.
type Envelope struct {
	Content   any    `json:"content"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
}

// NewEnvelope wraps content with the producer timestamp and source tag.
func NewEnvelope(content any, now time.Time) Envelope {
	return Envelope{
		Content:   content,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Source:    SourceAPIService,
	}
}

// ProcessedRecord is an inbound message body enriched with consumption
// metadata. Payload keeps every field of the body as received; on the wire
// the metadata fields are flattened into the same JSON object.
type ProcessedRecord struct {
	Payload     map[string]any
	ProcessedAt time.Time
	WorkerID    string
	DeliveryTag uint64
	RoutingKey  string
}

// NewProcessedRecord decorates payload with consumption metadata. Metadata
// keys already present in payload are replaced.
func NewProcessedRecord(payload map[string]any, processedAt time.Time, workerID string, deliveryTag uint64, routingKey string) ProcessedRecord {
	p := make(map[string]any, len(payload))
	for k, v := range payload {
		if isMetadataField(k) {
			continue
		}
		p[k] = v
	}
	return ProcessedRecord{
		Payload:     p,
		ProcessedAt: processedAt.UTC(),
		WorkerID:    workerID,
		DeliveryTag: deliveryTag,
		RoutingKey:  routingKey,
	}
}

// Content returns the envelope content field, if any.
func (r ProcessedRecord) Content() any {
	return r.Payload["content"]
}

func (r ProcessedRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Payload)+4)
	for k, v := range r.Payload {
		out[k] = v
	}
	out[FieldProcessedAt] = r.ProcessedAt.UTC().Format(time.RFC3339Nano)
	out[FieldWorkerID] = r.WorkerID
	out[FieldDeliveryTag] = r.DeliveryTag
	out[FieldRoutingKey] = r.RoutingKey

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (r *ProcessedRecord) UnmarshalJSON(data []byte) error {
	fields, err := DecodeObject(data)
	if err != nil {
		return err
	}

	rec := ProcessedRecord{Payload: make(map[string]any, len(fields))}
	for k, v := range fields {
		switch k {
		case FieldProcessedAt:
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("%s: expected string, got %T", k, v)
			}
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			rec.ProcessedAt = ts.UTC()
		case FieldWorkerID:
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("%s: expected string, got %T", k, v)
			}
			rec.WorkerID = s
		case FieldDeliveryTag:
			n, ok := v.(json.Number)
			if !ok {
				return fmt.Errorf("%s: expected number, got %T", k, v)
			}
			tag, err := strconv.ParseUint(n.String(), 10, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			rec.DeliveryTag = tag
		case FieldRoutingKey:
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("%s: expected string, got %T", k, v)
			}
			rec.RoutingKey = s
		default:
			rec.Payload[k] = v
		}
	}

	*r = rec
	return nil
}

// ErrNotObject is returned by DecodeObject for well-formed JSON whose top
// level value is not an object.
var ErrNotObject = errors.New("expected JSON object")

// DecodeObject parses data as a single JSON object. Numbers are kept as
// json.Number. Invalid UTF-8 and trailing data are parse errors; a valid
// non-object value yields an error wrapping ErrNotObject.
func DecodeObject(data []byte) (map[string]any, error) {
	if !utf8.Valid(data) {
		return nil, errors.New("message body is not valid UTF-8")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w, got %T", ErrNotObject, v)
	}
	return obj, nil
}

func isMetadataField(k string) bool {
	switch k {
	case FieldProcessedAt, FieldWorkerID, FieldDeliveryTag, FieldRoutingKey:
		return true
	}
	return false
}
