// Command runlink-engine is a reference execution engine implementation.
//
// It dials the runner address given by -connect, completes the handshake
// and answers discovery and execution requests with synthetic test
// notifications. The process exits when the runner sends QUIT or the
// connection drops.
//
// Usage:
//
//	runlink-engine -connect 127.0.0.1:49152 [flags]
//
// Flags:
//
//	-connect string       Runner address to dial (required)
//	-assembly-id string   Test assembly unique ID announced in the handshake
//	-name string          Test framework display name
//	-tests int            Number of synthetic tests to report (default 5)
//	-delay duration       Delay between synthetic notifications (default 100ms)
//	-log-level string     Log level: debug, info, warn, error (default "info")
//	-protocol-log string  File path for protocol event logging (CBOR format)
package main

import (
	"context"
	"flag"
	"fmt"
	stdlog "log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/runlink-protocol/runlink-go/pkg/execution"
	"github.com/runlink-protocol/runlink-go/pkg/log"
	"github.com/runlink-protocol/runlink-go/pkg/wire"
)

var (
	connectAddr = flag.String("connect", "", "Runner address to dial (required)")
	assemblyID  = flag.String("assembly-id", "runlink.demo", "Test assembly unique ID")
	displayName = flag.String("name", "runlink reference engine", "Test framework display name")
	testCount   = flag.Int("tests", 5, "Number of synthetic tests to report")
	delay       = flag.Duration("delay", 100*time.Millisecond, "Delay between synthetic notifications")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	protocolLog = flag.String("protocol-log", "", "File path for protocol event logging (CBOR format)")
)

// operations tracks cancellable in-flight runs.
type operations struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func (o *operations) add(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancels == nil {
		o.cancels = make(map[string]context.CancelFunc)
	}
	o.cancels[id] = cancel
}

func (o *operations) remove(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancels, id)
}

// cancel stops the named operation, or every operation when id is empty.
func (o *operations) cancel(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if id == "" {
		for _, fn := range o.cancels {
			fn()
		}
		return
	}
	if fn, ok := o.cancels[id]; ok {
		fn()
	}
}

func main() {
	flag.Parse()

	if *connectAddr == "" {
		fmt.Fprintln(os.Stderr, "Error: runner address is required (-connect)")
		flag.Usage()
		os.Exit(1)
	}

	slogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))

	var protoLogger log.Logger = log.NewSlogAdapter(slogger)
	if *protocolLog != "" {
		fileLogger, err := log.NewFileLogger(*protocolLog)
		if err != nil {
			stdlog.Fatalf("Failed to create protocol logger: %v", err)
		}
		defer fileLogger.Close()
		protoLogger = log.NewMultiLogger(protoLogger, fileLogger)
	}

	info, err := wire.NewEngineInfo(wire.DefaultProtocolVersion, *assemblyID, *displayName)
	if err != nil {
		stdlog.Fatalf("Invalid engine info: %v", err)
	}

	quit := make(chan struct{}, 1)
	ops := &operations{}

	var eng *execution.Engine
	eng, err = execution.New(execution.Config{
		Info: info,
		OnFind: func(operationID string) {
			go discover(eng, ops, operationID, slogger)
		},
		OnRun: func(operationID string) {
			go run(eng, ops, operationID, slogger)
		},
		OnCancel: func(operationID string) {
			slogger.Info("cancel requested", "operation", operationID)
			ops.cancel(operationID)
		},
		OnQuit: func() {
			slogger.Info("runner requested shutdown")
			select {
			case quit <- struct{}{}:
			default:
			}
		},
		OnDisconnect: func(err error) {
			slogger.Warn("runner connection lost", "err", err)
			select {
			case quit <- struct{}{}:
			default:
			}
		},
		Logger: protoLogger,
	})
	if err != nil {
		stdlog.Fatalf("Failed to create engine: %v", err)
	}
	defer eng.Dispose()

	if err := eng.Connect(*connectAddr); err != nil {
		stdlog.Fatalf("Failed to connect: %v", err)
	}
	slogger.Info("connected to runner", "addr", *connectAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case sig := <-sigCh:
		slogger.Info("received signal", "signal", sig.String())
	}
}

// discover reports the synthetic test list for a FIND request.
func discover(eng *execution.Engine, ops *operations, operationID string, slogger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ops.add(operationID, cancel)
	defer ops.remove(operationID)

	slogger.Info("discovery started", "operation", operationID)

	for i := 0; i < *testCount; i++ {
		if sleepOrDone(ctx, *delay) {
			slogger.Info("discovery cancelled", "operation", operationID)
			return
		}
		msg := wire.Message{
			"type":       "testDiscovered",
			"testName":   fmt.Sprintf("SyntheticTest%d", i+1),
			"testCaseID": fmt.Sprintf("case-%d", i+1),
		}
		if err := eng.SendMessage(operationID, msg); err != nil {
			slogger.Warn("failed to send notification", "err", err)
			return
		}
	}

	_ = eng.SendMessage(operationID, wire.Message{"type": "discoveryComplete"})
	slogger.Info("discovery complete", "operation", operationID)
}

// run reports synthetic execution results for a RUN request.
func run(eng *execution.Engine, ops *operations, operationID string, slogger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ops.add(operationID, cancel)
	defer ops.remove(operationID)

	slogger.Info("run started", "operation", operationID)

	for i := 0; i < *testCount; i++ {
		name := fmt.Sprintf("SyntheticTest%d", i+1)

		if err := eng.SendMessage(operationID, wire.Message{"type": "testStarting", "testName": name}); err != nil {
			slogger.Warn("failed to send notification", "err", err)
			return
		}
		if sleepOrDone(ctx, *delay) {
			_ = eng.SendMessage(operationID, wire.Message{"type": "runCancelled"})
			slogger.Info("run cancelled", "operation", operationID)
			return
		}
		if err := eng.SendMessage(operationID, wire.Message{"type": "testPassed", "testName": name}); err != nil {
			slogger.Warn("failed to send notification", "err", err)
			return
		}
	}

	_ = eng.SendMessage(operationID, wire.Message{"type": "runComplete"})
	slogger.Info("run complete", "operation", operationID)
}

// sleepOrDone waits for d and reports whether ctx was cancelled first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
