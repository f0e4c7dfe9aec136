package log

import (
	"testing"
	"time"
)

// mockLogger records events for testing
type mockLogger struct {
	events []Event
}

func (m *mockLogger) Log(event Event) {
	m.events = append(m.events, event)
}

func TestMultiLoggerCallsAll(t *testing.T) {
	mock1 := &mockLogger{}
	mock2 := &mockLogger{}

	multi := NewMultiLogger(mock1, mock2)

	event := Event{
		Timestamp:    time.Now(),
		ConnectionID: "conn-123",
		Role:         RoleRunner,
		Category:     CategoryState,
	}

	multi.Log(event)

	for i, mock := range []*mockLogger{mock1, mock2} {
		if len(mock.events) != 1 {
			t.Errorf("logger %d: got %d events, want 1", i, len(mock.events))
			continue
		}
		if mock.events[0].ConnectionID != "conn-123" {
			t.Errorf("logger %d: ConnectionID = %q, want conn-123", i, mock.events[0].ConnectionID)
		}
	}
}

func TestMultiLoggerEmpty(t *testing.T) {
	multi := NewMultiLogger()

	// Should not panic with no loggers
	multi.Log(Event{ConnectionID: "conn-1"})
}

func TestNoopLogger(t *testing.T) {
	var l Logger = NoopLogger{}

	// Should not panic
	l.Log(Event{ConnectionID: "conn-1"})
}
