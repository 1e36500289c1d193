package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the wire form of an event. Outbound frames carry every
// field; inbound frames need only type and data.
type Envelope struct {
	Type         Type           `json:"type"`
	Data         map[string]any `json:"data"`
	Timestamp    string         `json:"timestamp"`
	ConnectionID string         `json:"connection_id,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	Priority     Priority       `json:"priority"`
	Category     Category       `json:"category"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Encode serializes the event to its JSON wire envelope. Timestamps are
// canonical RFC3339 UTC with nanoseconds, so Encode/Decode round-trips
// reproduce the instant exactly.
func (e *Event) Encode() ([]byte, error) {
	env := Envelope{
		Type:         e.Type,
		Data:         e.Data,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		ConnectionID: e.ConnectionID,
		UserID:       e.UserID,
		Priority:     e.Priority,
		Category:     e.Category(),
		Metadata:     e.Metadata,
	}
	if env.Data == nil {
		env.Data = map[string]any{}
	}
	return json.Marshal(env)
}

// Decode parses a JSON frame into an event. The type must be in the
// catalog; a missing timestamp defaults to now and a missing priority
// to normal, matching inbound control frames that carry only type+data.
func Decode(raw []byte) (*Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if !Known(env.Type) {
		return nil, fmt.Errorf("decode event: unknown type %q", env.Type)
	}

	ts := time.Now().UTC()
	if env.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, env.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("decode event: bad timestamp %q: %w", env.Timestamp, err)
		}
		ts = parsed.UTC()
	}

	prio := env.Priority
	switch prio {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
	case "":
		prio = PriorityNormal
	default:
		return nil, fmt.Errorf("decode event: unknown priority %q", env.Priority)
	}

	data := env.Data
	if data == nil {
		data = map[string]any{}
	}

	return &Event{
		Type:         env.Type,
		Data:         data,
		Timestamp:    ts,
		ConnectionID: env.ConnectionID,
		UserID:       env.UserID,
		Priority:     prio,
		Metadata:     env.Metadata,
	}, nil
}
