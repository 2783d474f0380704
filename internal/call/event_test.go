package call

import (
	"errors"
	"testing"
)

func TestParseMessageFinalTranscript(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"transcript","transcriptType":"final","transcript":"Hello","role":"assistant"}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	entry, ok := msg.Entry()
	if !ok {
		t.Fatalf("expected final transcript entry")
	}
	if entry.Role != RoleAssistant || entry.Content != "Hello" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if len(msg.Raw) == 0 {
		t.Fatalf("expected raw payload to be retained")
	}
}

func TestParseMessagePartialTranscriptIsNotAnEntry(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"transcript","transcriptType":"partial","transcript":"Hel","role":"user"}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if _, ok := msg.Entry(); ok {
		t.Fatalf("partial transcript must not produce an entry")
	}
}

func TestParseMessageNonTranscriptPassesThrough(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"status-update","status":"in-progress"}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Type != "status-update" || msg.Final() {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestParseMessageRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"type":`,
		"missing type":   `{"transcript":"x"}`,
		"unknown role":   `{"type":"transcript","transcriptType":"final","transcript":"x","role":"system"}`,
		"no transcriptT": `{"type":"transcript","transcript":"x","role":"user"}`,
	}
	for name, raw := range cases {
		if _, err := ParseMessage([]byte(raw)); !errors.Is(err, ErrMalformedMessage) {
			t.Fatalf("%s: expected ErrMalformedMessage, got %v", name, err)
		}
	}
}

func TestErrorEventUnwraps(t *testing.T) {
	base := errors.New("boom")
	var err error = ErrorEvent{Err: base}
	if !errors.Is(err, base) {
		t.Fatalf("expected ErrorEvent to unwrap to its cause")
	}
	if (ErrorEvent{}).Error() != "provider error" {
		t.Fatalf("unexpected default message")
	}
}
