package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/qark-armada/internal/domain/events"
)

// Wire field names of an encoded envelope.
const (
	fieldType      = "type"
	fieldKey       = "key"
	fieldTimestamp = "timestamp"
	fieldPayload   = "payload"
)

// RawEvent is a lifecycle event decoded from the wire. Consumers read its
// fields by the JSON names the producing event declared.
type RawEvent struct {
	Type   events.EventType
	At     time.Time
	Fields map[string]any
}

func (e RawEvent) EventType() events.EventType { return e.Type }
func (e RawEvent) OccurredAt() time.Time       { return e.At }

// encodeEnvelope serializes an envelope as a protobuf Struct. The payload
// goes through its JSON form so every domain event is encodable without a
// per-type schema.
func encodeEnvelope(evt events.EventEnvelope) ([]byte, error) {
	raw, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("payload must encode as a JSON object: %w", err)
	}

	payload, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build payload struct: %w", err)
	}

	envelope := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldType:      structpb.NewStringValue(string(evt.Type)),
		fieldKey:       structpb.NewStringValue(evt.Key),
		fieldTimestamp: structpb.NewStringValue(evt.Timestamp.UTC().Format(time.RFC3339Nano)),
		fieldPayload:   structpb.NewStructValue(payload),
	}}
	return proto.MarshalOptions{Deterministic: true}.Marshal(envelope)
}

// decodeEnvelope is the inverse of encodeEnvelope.
func decodeEnvelope(data []byte) (events.EventEnvelope, error) {
	var envelope structpb.Struct
	if err := proto.Unmarshal(data, &envelope); err != nil {
		return events.EventEnvelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	typ := events.EventType(envelope.Fields[fieldType].GetStringValue())
	if typ == "" {
		return events.EventEnvelope{}, fmt.Errorf("envelope is missing its event type")
	}

	at, err := time.Parse(time.RFC3339Nano, envelope.Fields[fieldTimestamp].GetStringValue())
	if err != nil {
		return events.EventEnvelope{}, fmt.Errorf("invalid envelope timestamp: %w", err)
	}

	return events.EventEnvelope{
		Type:      typ,
		Key:       envelope.Fields[fieldKey].GetStringValue(),
		Timestamp: at,
		Payload: RawEvent{
			Type:   typ,
			At:     at,
			Fields: envelope.Fields[fieldPayload].GetStructValue().AsMap(),
		},
	}, nil
}
