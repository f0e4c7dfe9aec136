// Command runlink-runner is an interactive test runner console.
//
// It starts a runner engine on an ephemeral loopback port, optionally
// launches the execution engine process with that port as argument, then
// accepts find/run/cancel/quit commands on an interactive prompt.
//
// Usage:
//
//	runlink-runner [flags]
//
// Flags:
//
//	-config string        Configuration file path (YAML)
//	-engine string        Execution engine binary to launch (optional)
//	-assembly-id string   Test assembly unique ID announced in the handshake
//	-name string          Test framework display name
//	-log-level string     Log level: debug, info, warn, error (default "info")
//	-protocol-log string  File path for protocol event logging (CBOR format)
//
// Examples:
//
//	# Start the console and launch the reference engine
//	runlink-runner -engine ./runlink-engine -assembly-id demo.tests
//
//	# Start with a config file and a protocol capture
//	runlink-runner -config runner.yaml -protocol-log runner.rlog
package main

import (
	"context"
	"flag"
	"fmt"
	stdlog "log"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/runlink-protocol/runlink-go/cmd/runlink-runner/interactive"
	"github.com/runlink-protocol/runlink-go/pkg/log"
	"github.com/runlink-protocol/runlink-go/pkg/runner"
	"github.com/runlink-protocol/runlink-go/pkg/wire"
	"gopkg.in/yaml.v3"
)

// Config holds the runner configuration. File values are applied first,
// explicit flags override them.
type Config struct {
	Engine      string   `yaml:"engine"`
	EngineArgs  []string `yaml:"engineArgs"`
	AssemblyID  string   `yaml:"assemblyId"`
	DisplayName string   `yaml:"displayName"`
	LogLevel    string   `yaml:"logLevel"`
	ProtocolLog string   `yaml:"protocolLog"`
}

var (
	configFile  = flag.String("config", "", "Configuration file path (YAML)")
	enginePath  = flag.String("engine", "", "Execution engine binary to launch (optional)")
	assemblyID  = flag.String("assembly-id", "runlink.demo", "Test assembly unique ID")
	displayName = flag.String("name", "runlink runner", "Test framework display name")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	protocolLog = flag.String("protocol-log", "", "File path for protocol event logging (CBOR format)")
)

func main() {
	flag.Parse()

	config, err := resolveConfig()
	if err != nil {
		stdlog.Fatalf("Invalid configuration: %v", err)
	}

	// Console logging via slog, protocol events optionally to file.
	slogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(config.LogLevel),
	}))

	var protoLogger log.Logger = log.NewSlogAdapter(slogger)
	var fileLogger *log.FileLogger
	if config.ProtocolLog != "" {
		fileLogger, err = log.NewFileLogger(config.ProtocolLog)
		if err != nil {
			stdlog.Fatalf("Failed to create protocol logger: %v", err)
		}
		defer fileLogger.Close()
		protoLogger = log.NewMultiLogger(protoLogger, fileLogger)
		slogger.Info("protocol logging enabled", "path", config.ProtocolLog)
	}

	info, err := wire.NewEngineInfo(wire.DefaultProtocolVersion, config.AssemblyID, config.DisplayName)
	if err != nil {
		stdlog.Fatalf("Invalid engine info: %v", err)
	}

	var console *interactive.Console

	eng, err := runner.New(runner.Config{
		Info: info,
		OnMessage: func(operationID string, msg wire.Message) runner.Result {
			if console != nil {
				console.PrintMessage(operationID, msg)
			}
			return runner.Continue
		},
		Logger: protoLogger,
	})
	if err != nil {
		stdlog.Fatalf("Failed to create runner: %v", err)
	}
	defer eng.Dispose()

	// The console must exist before the engine can connect so the
	// message callback never observes it half-initialized.
	console, err = interactive.New(eng)
	if err != nil {
		stdlog.Fatalf("Failed to create console: %v", err)
	}

	// Redirect log output through readline to avoid interfering with input.
	stdlog.SetOutput(console.Stdout())

	port, err := eng.Start()
	if err != nil {
		stdlog.Fatalf("Failed to start runner: %v", err)
	}
	slogger.Info("runner listening", "port", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if config.Engine != "" {
		if err := launchEngine(ctx, config, port, slogger); err != nil {
			stdlog.Fatalf("Failed to launch engine: %v", err)
		}
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	console.Run(ctx, cancel)
}

// resolveConfig loads the optional YAML file and applies flag overrides.
func resolveConfig() (Config, error) {
	var config Config

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	// Flags set on the command line win over file values.
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["engine"] || config.Engine == "" {
		config.Engine = *enginePath
	}
	if set["assembly-id"] || config.AssemblyID == "" {
		config.AssemblyID = *assemblyID
	}
	if set["name"] || config.DisplayName == "" {
		config.DisplayName = *displayName
	}
	if set["log-level"] || config.LogLevel == "" {
		config.LogLevel = *logLevel
	}
	if set["protocol-log"] || config.ProtocolLog == "" {
		config.ProtocolLog = *protocolLog
	}

	return config, nil
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

// launchEngine starts the execution engine process pointed at the
// runner's loopback port.
func launchEngine(ctx context.Context, config Config, port int, slogger *slog.Logger) error {
	args := append([]string{}, config.EngineArgs...)
	args = append(args, "-connect", fmt.Sprintf("127.0.0.1:%d", port))

	cmd := exec.CommandContext(ctx, config.Engine, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return err
	}
	slogger.Info("engine launched", "path", config.Engine, "pid", cmd.Process.Pid)

	go func() {
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			slogger.Warn("engine exited", "err", err)
		}
	}()

	return nil
}
