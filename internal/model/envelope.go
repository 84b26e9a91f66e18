package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MessageType string

// Outbound (client → backend).
const (
	TypeVoiceCommand MessageType = "voice_command"
	TypeCameraFrame  MessageType = "camera_frame"
	TypeAudioChunk   MessageType = "audio_chunk"
	TypePing         MessageType = "ping"
	TypeJoinRoom     MessageType = "join_room"
	TypeLeaveRoom    MessageType = "leave_room"
	TypeBroadcast    MessageType = "broadcast"
)

// Inbound (backend → client). TypeBroadcast is used in both directions.
const (
	TypeVisionUpdate  MessageType = "vision_update"
	TypeSystem        MessageType = "system"
	TypePong          MessageType = "pong"
	TypeVoiceResponse MessageType = "voice_response"
	TypeTranscription MessageType = "transcription"
	TypeRoomJoined    MessageType = "room_joined"
	TypeRoomLeft      MessageType = "room_left"
	TypeError         MessageType = "error"
)

const (
	fieldType      = "type"
	fieldTimestamp = "timestamp"
)

// ErrMalformedEnvelope is returned by Decode for payloads that are not a
// JSON object with a string "type", or whose fields do not fit the payload
// of a known inbound type.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the unit exchanged on the channel. It is immutable once
// constructed: every accessor returns a copy.
//
// ClientID is generated locally when an envelope is decoded so consumers
// can key lists on it. It never goes on the wire.
type Envelope struct {
	typ       MessageType
	payload   json.RawMessage
	timestamp time.Time
	clientID  string
}

// NewEnvelope builds an outbound envelope. payload must marshal to a JSON
// object; nil becomes {}.
func NewEnvelope(typ MessageType, payload any, at time.Time) (Envelope, error) {
	if typ == "" {
		return Envelope{}, errors.New("envelope type is empty")
	}
	raw := json.RawMessage("{}")
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		if !isObject(b) {
			return Envelope{}, fmt.Errorf("%s payload is not a JSON object", typ)
		}
		raw = b
	}
	return Envelope{typ: typ, payload: raw, timestamp: at.UTC()}, nil
}

func (e Envelope) Type() MessageType    { return e.typ }
func (e Envelope) Timestamp() time.Time { return e.timestamp }
func (e Envelope) ClientID() string     { return e.clientID }

// Payload returns a copy of the raw JSON payload object.
func (e Envelope) Payload() json.RawMessage {
	return append(json.RawMessage(nil), e.payload...)
}

// DecodePayload unmarshals the payload object into v.
func (e Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.typ, err)
	}
	return nil
}

// Encode renders the envelope in wire form: a flat JSON object holding
// "type", "timestamp" (ISO-8601) and the payload fields side by side.
func Encode(e Envelope) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(e.payload) > 0 {
		if err := json.Unmarshal(e.payload, &fields); err != nil {
			return nil, fmt.Errorf("encode %s: %w", e.typ, err)
		}
	}
	typ, err := json.Marshal(string(e.typ))
	if err != nil {
		return nil, err
	}
	ts, err := json.Marshal(e.timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	fields[fieldType] = typ
	fields[fieldTimestamp] = ts
	return json.Marshal(fields)
}

// Decode parses a wire payload received at receivedAt. Known inbound types
// must decode into their payload struct; unknown types are accepted as-is.
// A missing or unparsable timestamp falls back to receivedAt.
func Decode(raw []byte, receivedAt time.Time) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrMalformedEnvelope)
	}
	typRaw, ok := fields[fieldType]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	var typ string
	if err := json.Unmarshal(typRaw, &typ); err != nil || typ == "" {
		return Envelope{}, fmt.Errorf("%w: type must be a non-empty string", ErrMalformedEnvelope)
	}

	at := receivedAt.UTC()
	if tsRaw, ok := fields[fieldTimestamp]; ok {
		var s string
		if json.Unmarshal(tsRaw, &s) == nil {
			if parsed, ok := ParseTimestamp(s); ok {
				at = parsed
			}
		}
	}
	delete(fields, fieldType)
	delete(fields, fieldTimestamp)

	payload, err := json.Marshal(fields)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := validatePayload(MessageType(typ), payload); err != nil {
		return Envelope{}, err
	}
	return Envelope{
		typ:       MessageType(typ),
		payload:   payload,
		timestamp: at,
		clientID:  uuid.NewString(),
	}, nil
}

// timestampLayouts covers RFC 3339 and the zone-less isoformat() the
// backend emits (interpreted as UTC).
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func isObject(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{'
}
