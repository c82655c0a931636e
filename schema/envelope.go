package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reserved wire keys. Payload fields with the same name are shadowed.
const (
	KeyID         = "id"
	KeyOccurredAt = "occurred_at"
	KeyType       = "type"
	KeyPayload    = "payload"
)

var (
	ErrMissingType = errors.New("envelope type is required")
	ErrMissingID   = errors.New("envelope id is required")
)

// Envelope wraps every domain fact that travels through the bus.
// The ID is assigned once by NewEnvelope and survives retries and redeliveries.
type Envelope struct {
	ID         uuid.UUID       `json:"id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope creates an Envelope with a fresh ID for the given event type and payload.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	if eventType == "" {
		return Envelope{}, ErrMissingType
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		ID:         uuid.New(),
		OccurredAt: time.Now().UTC(),
		Type:       eventType,
		Payload:    raw,
	}, nil
}

// Validate reports whether the envelope carries the fields routing depends on.
func (e Envelope) Validate() error {
	if e.ID == uuid.Nil {
		return ErrMissingID
	}
	if e.Type == "" {
		return ErrMissingType
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.ID)
	}
	return json.Unmarshal(e.Payload, v)
}

// MarshalJSON flattens object payloads next to the envelope fields.
func (e Envelope) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage)

	payload := bytes.TrimSpace(e.Payload)
	switch {
	case len(payload) == 0 || bytes.Equal(payload, []byte("null")):
	case payload[0] == '{':
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("invalid payload for envelope %s: %w", e.ID, err)
		}
		delete(fields, KeyID)
		delete(fields, KeyOccurredAt)
		delete(fields, KeyType)
		// {} and {"payload": x} would read back as no payload and as x.
		if _, has := fields[KeyPayload]; len(fields) == 0 || (has && len(fields) == 1) {
			fields = map[string]json.RawMessage{KeyPayload: payload}
		}
	default:
		fields[KeyPayload] = payload
	}

	var err error
	if fields[KeyID], err = json.Marshal(e.ID); err != nil {
		return nil, err
	}
	if fields[KeyOccurredAt], err = json.Marshal(e.OccurredAt); err != nil {
		return nil, err
	}
	if fields[KeyType], err = json.Marshal(e.Type); err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

// UnmarshalJSON reverses MarshalJSON; everything that is not an envelope key becomes the payload.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var out Envelope
	if raw, ok := fields[KeyID]; ok {
		if err := json.Unmarshal(raw, &out.ID); err != nil {
			return fmt.Errorf("invalid envelope id: %w", err)
		}
		delete(fields, KeyID)
	}
	if raw, ok := fields[KeyOccurredAt]; ok {
		if err := json.Unmarshal(raw, &out.OccurredAt); err != nil {
			return fmt.Errorf("invalid envelope occurred_at: %w", err)
		}
		delete(fields, KeyOccurredAt)
	}
	if raw, ok := fields[KeyType]; ok {
		if err := json.Unmarshal(raw, &out.Type); err != nil {
			return fmt.Errorf("invalid envelope type: %w", err)
		}
		delete(fields, KeyType)
	}

	if raw, ok := fields[KeyPayload]; ok && len(fields) == 1 {
		out.Payload = raw
	} else if len(fields) > 0 {
		payload, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		out.Payload = payload
	}

	*e = out
	return nil
}
