package runlink_test

import (
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/runlink-protocol/runlink-go/pkg/engine"
	"github.com/runlink-protocol/runlink-go/pkg/execution"
	"github.com/runlink-protocol/runlink-go/pkg/log"
	"github.com/runlink-protocol/runlink-go/pkg/runner"
	"github.com/runlink-protocol/runlink-go/pkg/wire"
)

type session struct {
	runner    *runner.Engine
	execution *execution.Engine

	messages chan sessionMessage
	finds    chan string
	runs     chan string
	cancels  chan string
	quits    chan struct{}
}

type sessionMessage struct {
	operationID string
	msg         wire.Message
}

// startSession wires a runner and an execution engine together over a
// loopback socket and waits for the handshake on both sides.
func startSession(t *testing.T, result runner.Result, runnerLogger log.Logger) *session {
	t.Helper()

	s := &session{
		messages: make(chan sessionMessage, 64),
		finds:    make(chan string, 16),
		runs:     make(chan string, 16),
		cancels:  make(chan string, 16),
		quits:    make(chan struct{}, 1),
	}

	runnerInfo, err := wire.NewEngineInfo(wire.ProtocolVersion10, "integration.runner", "integration runner")
	if err != nil {
		t.Fatalf("Failed to create runner info: %v", err)
	}

	s.runner, err = runner.New(runner.Config{
		Info: runnerInfo,
		OnMessage: func(operationID string, msg wire.Message) runner.Result {
			s.messages <- sessionMessage{operationID, msg}
			return result
		},
		Logger: runnerLogger,
	})
	if err != nil {
		t.Fatalf("Failed to create runner: %v", err)
	}
	t.Cleanup(func() { _ = s.runner.Dispose() })

	engineInfo, err := wire.NewEngineInfo(wire.ProtocolVersion10, "integration.assembly", "integration framework")
	if err != nil {
		t.Fatalf("Failed to create engine info: %v", err)
	}

	s.execution, err = execution.New(execution.Config{
		Info:     engineInfo,
		OnFind:   func(id string) { s.finds <- id },
		OnRun:    func(id string) { s.runs <- id },
		OnCancel: func(id string) { s.cancels <- id },
		OnQuit: func() {
			select {
			case s.quits <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("Failed to create execution engine: %v", err)
	}
	t.Cleanup(func() { _ = s.execution.Dispose() })

	port, err := s.runner.Start()
	if err != nil {
		t.Fatalf("Failed to start runner: %v", err)
	}

	if err := s.execution.Connect(fmt.Sprintf("127.0.0.1:%d", port)); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	waitState(t, s.runner, engine.StateConnected)
	waitState(t, s.execution, engine.StateConnected)

	return s
}

func waitState(t *testing.T, e interface{ State() engine.State }, want engine.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("State never reached %s, still %s", want, e.State())
}

func waitOperation(t *testing.T, ch chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("Expected operation %q, got %q", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for operation %q", want)
	}
}

// TestE2E_FullSession drives a complete discovery and execution session
// from handshake to QUIT.
func TestE2E_FullSession(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	s := startSession(t, runner.Continue, nil)

	// Handshake metadata is visible on both sides.
	assemblyID, err := s.runner.TestAssemblyUniqueID()
	if err != nil {
		t.Fatalf("Failed to read assembly ID: %v", err)
	}
	if assemblyID != "integration.assembly" {
		t.Errorf("Unexpected assembly ID: %s", assemblyID)
	}

	runnerInfo, err := s.execution.RunnerInfo()
	if err != nil {
		t.Fatalf("Failed to read runner info: %v", err)
	}
	if runnerInfo.TestAssemblyUniqueID != "integration.runner" {
		t.Errorf("Unexpected runner identity: %s", runnerInfo.TestAssemblyUniqueID)
	}

	// Discovery phase.
	if err := s.runner.SendFind("find-1"); err != nil {
		t.Fatalf("SendFind failed: %v", err)
	}
	waitOperation(t, s.finds, "find-1")

	for i := 0; i < 3; i++ {
		msg := wire.Message{"type": "testDiscovered", "testName": fmt.Sprintf("Test%d", i)}
		if err := s.execution.SendMessage("find-1", msg); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case m := <-s.messages:
			if m.operationID != "find-1" {
				t.Errorf("Expected operation find-1, got %s", m.operationID)
			}
			if m.msg.Type() != "testDiscovered" {
				t.Errorf("Expected testDiscovered, got %s", m.msg.Type())
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for discovery message")
		}
	}

	// Execution phase.
	if err := s.runner.SendRun("run-1"); err != nil {
		t.Fatalf("SendRun failed: %v", err)
	}
	waitOperation(t, s.runs, "run-1")

	// Teardown: QUIT reaches the engine, then both sides dispose.
	if err := s.runner.SendQuit(); err != nil {
		t.Fatalf("SendQuit failed: %v", err)
	}
	select {
	case <-s.quits:
	case <-time.After(2 * time.Second):
		t.Fatal("Engine never received QUIT")
	}

	if err := s.runner.Dispose(); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	waitState(t, s.runner, engine.StateDisconnected)
}

// TestE2E_StopRequestsCancel verifies that a Stop verdict from the
// message callback produces exactly one CANCEL on the engine side.
func TestE2E_StopRequestsCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	s := startSession(t, runner.Stop, nil)

	if err := s.runner.SendRun("run-1"); err != nil {
		t.Fatalf("SendRun failed: %v", err)
	}
	waitOperation(t, s.runs, "run-1")

	// Every message is answered with Stop, but only one CANCEL may hit
	// the wire.
	for i := 0; i < 5; i++ {
		msg := wire.Message{"type": "testStarting", "testName": fmt.Sprintf("Test%d", i)}
		if err := s.execution.SendMessage("run-1", msg); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		select {
		case <-s.messages:
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for message")
		}
	}

	select {
	case <-s.cancels:
	case <-time.After(2 * time.Second):
		t.Fatal("Engine never received CANCEL")
	}

	select {
	case id := <-s.cancels:
		t.Fatalf("Received a second CANCEL (operation %q)", id)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestE2E_EngineDisconnectBroadcast verifies that an abrupt engine exit
// surfaces as a broadcast error message on the runner side.
func TestE2E_EngineDisconnectBroadcast(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	s := startSession(t, runner.Continue, nil)

	if err := s.execution.Dispose(); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-s.messages:
			if m.operationID == wire.BroadcastID {
				return
			}
		case <-deadline:
			t.Fatal("Runner never received the broadcast error message")
		}
	}
}

// TestE2E_ProtocolLogCapture runs a session with a CBOR file logger
// attached and checks the capture can be read back.
func TestE2E_ProtocolLogCapture(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	path := filepath.Join(t.TempDir(), "runner.rlog")
	fileLogger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("Failed to create file logger: %v", err)
	}

	s := startSession(t, runner.Continue, fileLogger)

	if err := s.runner.SendFind("find-1"); err != nil {
		t.Fatalf("SendFind failed: %v", err)
	}
	waitOperation(t, s.finds, "find-1")

	if err := s.runner.Dispose(); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	if err := fileLogger.Close(); err != nil {
		t.Fatalf("Failed to close file logger: %v", err)
	}

	reader, err := log.NewReader(path)
	if err != nil {
		t.Fatalf("Failed to open capture: %v", err)
	}
	defer reader.Close()

	var states, commands int
	sawConnected := false
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Failed to read event: %v", err)
		}
		switch event.Category {
		case log.CategoryState:
			states++
			if event.StateChange != nil && event.StateChange.NewState == engine.StateConnected.String() {
				sawConnected = true
			}
		case log.CategoryCommand:
			commands++
		}
	}

	if states == 0 {
		t.Error("Capture contains no state transitions")
	}
	if commands == 0 {
		t.Error("Capture contains no commands")
	}
	if !sawConnected {
		t.Error("Capture never records the CONNECTED transition")
	}
}
