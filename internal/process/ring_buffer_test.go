package process

import (
	"fmt"
	"testing"
	"time"
)

func makeEvent(id int) OutputEvent {
	return OutputEvent{
		SessionID: "test",
		Type:      OutputStdout,
		Data:      fmt.Sprintf("line-%d", id),
		Timestamp: time.Now().UTC(),
	}
}

func TestRingBuffer_EmptyRead(t *testing.T) {
	rb := NewRingBuffer[OutputEvent](10)
	if events := rb.ReadAll(); len(events) != 0 {
		t.Errorf("expected empty buffer, got %d events", len(events))
	}
	if rb.Len() != 0 {
		t.Errorf("expected len 0, got %d", rb.Len())
	}
}

func TestRingBuffer_PartialFill(t *testing.T) {
	rb := NewRingBuffer[OutputEvent](10)
	for i := 0; i < 5; i++ {
		rb.Write(makeEvent(i))
	}

	events := rb.ReadAll()
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, e := range events {
		expected := fmt.Sprintf("line-%d", i)
		if e.Data != expected {
			t.Errorf("event %d: expected %s, got %s", i, expected, e.Data)
		}
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer[OutputEvent](5)
	for i := 0; i < 8; i++ {
		rb.Write(makeEvent(i))
	}

	events := rb.ReadAll()
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	if rb.Len() != 5 {
		t.Errorf("expected len 5, got %d", rb.Len())
	}

	// Oldest three dropped.
	for i, e := range events {
		expected := fmt.Sprintf("line-%d", i+3)
		if e.Data != expected {
			t.Errorf("event %d: expected %s, got %s", i, expected, e.Data)
		}
	}
}

func TestRingBuffer_ZeroCapacityHoldsOne(t *testing.T) {
	rb := NewRingBuffer[int](0)
	rb.Write(1)
	rb.Write(2)
	got := rb.ReadAll()
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("expected [2], got %v", got)
	}
}
