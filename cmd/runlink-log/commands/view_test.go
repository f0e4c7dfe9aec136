package commands

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/runlink-protocol/runlink-go/pkg/log"
)

func createTestLogFile(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.rlog")

	logger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	for _, e := range events {
		logger.Log(e)
	}
	logger.Close()

	return path
}

func TestFormatFrameEvent(t *testing.T) {
	ts := time.Date(2026, 8, 12, 10, 15, 32, 123456000, time.UTC)
	event := log.Event{
		Timestamp:    ts,
		ConnectionID: "abc12345-6789-0123-4567-890abcdef012",
		Role:         log.RoleRunner,
		Direction:    log.DirectionOut,
		Category:     log.CategoryFrame,
		Frame: &log.FrameEvent{
			Size: 12,
			Data: []byte{0x49, 0x4e, 0x46, 0x4f},
		},
	}

	var buf bytes.Buffer
	formatEvent(&buf, event)
	output := buf.String()

	if !strings.Contains(output, "2026-08-12T10:15:32.123456Z") {
		t.Errorf("expected formatted timestamp, got: %s", output)
	}
	if !strings.Contains(output, "[conn:abc12345]") {
		t.Errorf("expected shortened connection ID, got: %s", output)
	}
	if !strings.Contains(output, "OUT") {
		t.Errorf("expected OUT direction, got: %s", output)
	}
	if !strings.Contains(output, "RUNNER") {
		t.Errorf("expected RUNNER role, got: %s", output)
	}
	if !strings.Contains(output, "12 bytes") {
		t.Errorf("expected frame size, got: %s", output)
	}
	if !strings.Contains(output, "494e464f") {
		t.Errorf("expected hex frame data, got: %s", output)
	}
}

func TestFormatCommandEvent(t *testing.T) {
	event := log.Event{
		Timestamp:    time.Now(),
		ConnectionID: "conn-1",
		Role:         log.RoleEngine,
		Direction:    log.DirectionIn,
		Category:     log.CategoryCommand,
		Command: &log.CommandEvent{
			Tag:         "RUN",
			OperationID: "op-42",
		},
	}

	var buf bytes.Buffer
	formatEvent(&buf, event)
	output := buf.String()

	if !strings.Contains(output, "RUN") {
		t.Errorf("expected command tag, got: %s", output)
	}
	if !strings.Contains(output, "Operation: op-42") {
		t.Errorf("expected operation ID, got: %s", output)
	}
}

func TestFormatStateChangeEvent(t *testing.T) {
	event := log.Event{
		Timestamp:    time.Now(),
		ConnectionID: "conn-1",
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			OldState: "NEGOTIATING",
			NewState: "CONNECTED",
			Reason:   "handshake complete",
		},
	}

	var buf bytes.Buffer
	formatEvent(&buf, event)
	output := buf.String()

	if !strings.Contains(output, "NEGOTIATING -> CONNECTED") {
		t.Errorf("expected transition, got: %s", output)
	}
	if !strings.Contains(output, "handshake complete") {
		t.Errorf("expected reason, got: %s", output)
	}
}

func TestRunViewFiltersByCategory(t *testing.T) {
	ts := time.Date(2026, 8, 12, 10, 0, 0, 0, time.UTC)
	events := []log.Event{
		{Timestamp: ts, ConnectionID: "conn-1", Category: log.CategoryCommand, Command: &log.CommandEvent{Tag: "FIND"}},
		{Timestamp: ts, ConnectionID: "conn-1", Category: log.CategoryError, Error: &log.ErrorEvent{Message: "boom"}},
	}
	path := createTestLogFile(t, events)

	cat := log.CategoryError
	var buf bytes.Buffer
	if err := RunView(path, ViewFilter{Category: &cat}, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}

	output := buf.String()
	if strings.Contains(output, "FIND") {
		t.Errorf("command event should be filtered out, got: %s", output)
	}
	if !strings.Contains(output, "boom") {
		t.Errorf("expected error event, got: %s", output)
	}
}

func TestParseFlags(t *testing.T) {
	if _, err := ParseRoleFlag("Runner"); err != nil {
		t.Errorf("ParseRoleFlag failed: %v", err)
	}
	if _, err := ParseRoleFlag("bogus"); err == nil {
		t.Error("expected error for bogus role")
	}
	if _, err := ParseDirectionFlag("OUT"); err != nil {
		t.Errorf("ParseDirectionFlag failed: %v", err)
	}
	if _, err := ParseCategoryFlag("command"); err != nil {
		t.Errorf("ParseCategoryFlag failed: %v", err)
	}
	if _, err := ParseCategoryFlag("layer"); err == nil {
		t.Error("expected error for invalid category")
	}
}
