package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// EventType is the discriminator carried by every worker line in "t"
// (or "type").
type EventType string

// Event type constants for the worker stream contract.
const (
	EventTypeStart       EventType = "start"
	EventTypeActivity    EventType = "msg"
	EventTypePartial     EventType = "partial"
	EventTypeDone        EventType = "done"
	EventTypeResult      EventType = "result"
	EventTypeError       EventType = "error"
	EventTypeRunComplete EventType = "run-complete"
)

// IsControl returns true if this type is a control signal rather than a
// progress event. Control signals are never appended to a run's events.
func (t EventType) IsControl() bool {
	return t == EventTypeRunComplete
}

// ErrMissingType is returned when a line has no "t" or "type" field.
var ErrMissingType = errors.New("event has no type discriminator")

// Payload is the closed set of event variants. Only types in this package
// implement it.
type Payload interface {
	EventType() EventType
	isPayload()
}

// StageStarted marks the start of a stage.
type StageStarted struct{}

// Activity is a free-text progress message from a stage.
type Activity struct {
	Message string `json:"msg"`
}

// FieldUpdate carries a partial value for one field of a stage's output.
type FieldUpdate struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value,omitempty"`
}

// StageCompleted marks the end of a stage.
type StageCompleted struct{}

// StageResult carries the structured output of a finished stage.
type StageResult struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// StageError reports a failure. Code is set when the error summarizes a
// worker exit.
type StageError struct {
	Message string `json:"error"`
	Code    *int   `json:"code,omitempty"`
}

// RunComplete is the completion signal. It carries the final result.
type RunComplete struct {
	Result json.RawMessage `json:"result"`
}

// Unknown preserves a line whose discriminator this version does not know.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (StageStarted) EventType() EventType   { return EventTypeStart }
func (Activity) EventType() EventType       { return EventTypeActivity }
func (FieldUpdate) EventType() EventType    { return EventTypePartial }
func (StageCompleted) EventType() EventType { return EventTypeDone }
func (StageResult) EventType() EventType    { return EventTypeResult }
func (StageError) EventType() EventType     { return EventTypeError }
func (RunComplete) EventType() EventType    { return EventTypeRunComplete }
func (u Unknown) EventType() EventType      { return EventType(u.Type) }

func (StageStarted) isPayload()   {}
func (Activity) isPayload()       {}
func (FieldUpdate) isPayload()    {}
func (StageCompleted) isPayload() {}
func (StageResult) isPayload()    {}
func (StageError) isPayload()     {}
func (RunComplete) isPayload()    {}
func (Unknown) isPayload()        {}

// Event is one notification emitted during a run.
type Event struct {
	// RunID is the owning run. Stamped by the supervisor.
	RunID string
	// Agent names the stage that produced the event.
	Agent string
	// Payload is the variant-specific body.
	Payload Payload
	// Extra holds the fields of the original line that neither the header
	// nor the payload variant claims. They are written back on encode.
	Extra map[string]json.RawMessage
}

// NewEvent builds an event for runID.
func NewEvent(runID, agent string, p Payload) Event {
	return Event{RunID: runID, Agent: agent, Payload: p}
}

// Type returns the discriminator of the event's payload.
func (e Event) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// eventHeader holds the fields common to every variant.
type eventHeader struct {
	T     EventType `json:"t"`
	Type  EventType `json:"type,omitempty"`
	RunID string    `json:"runId,omitempty"`
	Agent string    `json:"agent,omitempty"`
}

// UnmarshalJSON decodes a worker line or a stored event.
func (e *Event) UnmarshalJSON(data []byte) error {
	var head eventHeader
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	t := head.T
	if t == "" {
		t = head.Type
	}
	if t == "" {
		return ErrMissingType
	}

	p, err := decodePayload(t, data)
	if err != nil {
		return fmt.Errorf("decode %s event: %w", t, err)
	}

	e.RunID = head.RunID
	e.Agent = head.Agent
	e.Payload = p
	e.Extra = nil
	if _, ok := p.(Unknown); ok {
		return nil
	}

	extra, err := extraFields(data, t, head.T == "")
	if err != nil {
		return fmt.Errorf("decode %s event: %w", t, err)
	}
	e.Extra = extra
	return nil
}

// payloadKeys lists the wire keys each known variant decodes.
var payloadKeys = map[EventType][]string{
	EventTypeActivity:    {"msg"},
	EventTypePartial:     {"field", "value"},
	EventTypeResult:      {"data"},
	EventTypeError:       {"error", "code"},
	EventTypeRunComplete: {"result"},
}

// extraFields returns the keys of data not owned by the header or by the
// variant for t, or nil when there are none.
func extraFields(data []byte, t EventType, typeIsDiscriminator bool) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	delete(fields, "t")
	delete(fields, "runId")
	delete(fields, "agent")
	if typeIsDiscriminator {
		delete(fields, "type")
	}
	for _, k := range payloadKeys[t] {
		delete(fields, k)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

func decodePayload(t EventType, data []byte) (Payload, error) {
	switch t {
	case EventTypeStart:
		return StageStarted{}, nil
	case EventTypeActivity:
		var p Activity
		err := json.Unmarshal(data, &p)
		return p, err
	case EventTypePartial:
		var p FieldUpdate
		err := json.Unmarshal(data, &p)
		return p, err
	case EventTypeDone:
		return StageCompleted{}, nil
	case EventTypeResult:
		var p StageResult
		err := json.Unmarshal(data, &p)
		return p, err
	case EventTypeError:
		var p StageError
		err := json.Unmarshal(data, &p)
		return p, err
	case EventTypeRunComplete:
		var p RunComplete
		err := json.Unmarshal(data, &p)
		return p, err
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Unknown{Type: string(t), Raw: raw}, nil
	}
}

// MarshalJSON encodes the event as one flat object: "t", "runId", "agent",
// the variant fields, then any extra fields kept from the original line.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, ErrMissingType
	}

	if u, ok := e.Payload.(Unknown); ok {
		return marshalUnknown(e.RunID, u)
	}

	head, err := json.Marshal(eventHeader{T: e.Type(), RunID: e.RunID, Agent: e.Agent})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	out := mergeObjects(head, body)
	if len(e.Extra) == 0 {
		return out, nil
	}

	// Typed fields win over extras with the same key.
	var owned map[string]json.RawMessage
	if err := json.Unmarshal(out, &owned); err != nil {
		return nil, err
	}
	extra := make(map[string]json.RawMessage, len(e.Extra))
	for k, v := range e.Extra {
		if _, ok := owned[k]; !ok {
			extra[k] = v
		}
	}
	rest, err := json.Marshal(extra)
	if err != nil {
		return nil, err
	}
	return mergeObjects(out, rest), nil
}

// marshalUnknown re-encodes the original object with runId stamped in.
func marshalUnknown(runID string, u Unknown) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if len(u.Raw) > 0 {
		if err := json.Unmarshal(u.Raw, &fields); err != nil {
			return nil, fmt.Errorf("unknown event %q: %w", u.Type, err)
		}
	}
	if _, ok := fields["t"]; !ok {
		if _, ok := fields["type"]; !ok {
			t, _ := json.Marshal(u.Type)
			fields["t"] = t
		}
	}
	if runID != "" {
		id, _ := json.Marshal(runID)
		fields["runId"] = id
	}
	return json.Marshal(fields)
}

// mergeObjects joins two encoded JSON objects. Keys in b must not repeat
// keys in a.
func mergeObjects(a, b []byte) []byte {
	b = bytes.TrimSpace(b)
	if len(b) <= 2 {
		return a
	}
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a[:len(a)-1]...)
	out = append(out, ',')
	out = append(out, b[1:]...)
	return out
}
