package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedEnvelope indicates a frame that is not a JSON envelope.
	ErrMalformedEnvelope = errors.New("protocol: malformed envelope")
	// ErrMissingEvent indicates an envelope without an event name.
	ErrMissingEvent = errors.New("protocol: missing event name")
	// ErrMalformedPayload indicates event data that does not match the event's shape.
	ErrMalformedPayload = errors.New("protocol: malformed payload")
)

// Envelope is the frame carried over the event channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode wraps payload in an envelope for event.
func Encode(event string, payload interface{}) ([]byte, error) {
	if strings.TrimSpace(event) == "" {
		return nil, ErrMissingEvent
	}
	envelope := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode %s: %w", event, err)
		}
		envelope.Data = data
	}
	return json.Marshal(envelope)
}

// Decode parses a raw frame into an envelope.
func Decode(frame []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if strings.TrimSpace(envelope.Event) == "" {
		return Envelope{}, ErrMissingEvent
	}
	return envelope, nil
}

// DecodeData unmarshals the envelope data into target.
func (e Envelope) DecodeData(target interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s carries no data", ErrMalformedPayload, e.Event)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, e.Event, err)
	}
	return nil
}

// PageScope is implemented by every page-scoped payload.
type PageScope interface {
	Page() string
}

func (p JoinPage) Page() string       { return p.PageID }
func (p LeavePage) Page() string      { return p.PageID }
func (p ContentChange) Page() string  { return p.PageID }
func (p CursorUpdate) Page() string   { return p.PageID }
func (p EditingStarted) Page() string { return p.PageID }
func (p EditingStopped) Page() string { return p.PageID }
func (p SavePage) Page() string       { return p.PageID }
