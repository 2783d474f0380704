package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Provider event names. These are the only names a Provider has to support.
const (
	EventCallStart   = "call-start"
	EventCallEnd     = "call-end"
	EventSpeechStart = "speech-start"
	EventSpeechEnd   = "speech-end"
	EventMessage     = "message"
	EventError       = "error"
)

// EventNames lists every event the controller subscribes to on Mount.
var EventNames = []string{
	EventCallStart,
	EventCallEnd,
	EventSpeechStart,
	EventSpeechEnd,
	EventMessage,
	EventError,
}

// Event is a provider event that has been validated at the boundary.
type Event interface {
	EventName() string
}

type CallStartEvent struct{}

type CallEndEvent struct{}

type SpeechStartEvent struct{}

type SpeechEndEvent struct{}

// MessageEvent carries one provider message. Only transcript messages with
// TranscriptType "final" reach the transcript buffer.
type MessageEvent struct {
	Type           string
	TranscriptType string
	Transcript     string
	Role           Role
	Raw            json.RawMessage
}

// ErrorEvent carries a runtime error reported by the provider.
type ErrorEvent struct {
	Err error
}

// UnknownEvent is anything the controller does not recognize. It is
// dispatched like any other event and ignored.
type UnknownEvent struct {
	Name string
}

func (CallStartEvent) EventName() string   { return EventCallStart }
func (CallEndEvent) EventName() string     { return EventCallEnd }
func (SpeechStartEvent) EventName() string { return EventSpeechStart }
func (SpeechEndEvent) EventName() string   { return EventSpeechEnd }
func (MessageEvent) EventName() string     { return EventMessage }
func (ErrorEvent) EventName() string       { return EventError }
func (e UnknownEvent) EventName() string   { return e.Name }

// Final reports whether the message is a finalized transcript.
func (m MessageEvent) Final() bool {
	return m.Type == "transcript" && m.TranscriptType == "final"
}

// Entry converts a finalized transcript message to a TranscriptEntry.
func (m MessageEvent) Entry() (TranscriptEntry, bool) {
	if !m.Final() || !m.Role.Valid() {
		return TranscriptEntry{}, false
	}
	return TranscriptEntry{Role: m.Role, Content: m.Transcript}, true
}

func (e ErrorEvent) Error() string {
	if e.Err == nil {
		return "provider error"
	}
	return e.Err.Error()
}

func (e ErrorEvent) Unwrap() error { return e.Err }

var ErrMalformedMessage = errors.New("malformed provider message")

type wireMessage struct {
	Type           string `json:"type"`
	TranscriptType string `json:"transcriptType"`
	Transcript     string `json:"transcript"`
	Role           string `json:"role"`
}

// ParseMessage validates a raw provider message. Messages must carry a
// type; transcript messages must additionally carry a known role and a
// transcriptType.
func ParseMessage(raw []byte) (MessageEvent, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return MessageEvent{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if strings.TrimSpace(w.Type) == "" {
		return MessageEvent{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	msg := MessageEvent{
		Type:           w.Type,
		TranscriptType: w.TranscriptType,
		Transcript:     w.Transcript,
		Role:           Role(w.Role),
		Raw:            append(json.RawMessage(nil), raw...),
	}
	if msg.Type == "transcript" {
		if !msg.Role.Valid() {
			return MessageEvent{}, fmt.Errorf("%w: unknown role %q", ErrMalformedMessage, w.Role)
		}
		if msg.TranscriptType == "" {
			return MessageEvent{}, fmt.Errorf("%w: missing transcriptType", ErrMalformedMessage)
		}
	}
	return msg, nil
}
