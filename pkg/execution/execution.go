package execution

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/runlink-protocol/runlink-go/pkg/engine"
	"github.com/runlink-protocol/runlink-go/pkg/log"
	"github.com/runlink-protocol/runlink-go/pkg/transport"
	"github.com/runlink-protocol/runlink-go/pkg/wire"
)

// ErrNotConnected indicates a send before Connect established the
// runner connection.
var ErrNotConnected = errors.New("not connected to a runner")

// Config configures an execution engine.
type Config struct {
	// Info announces this engine's identity in its handshake INFO
	// frame. All fields are required.
	Info wire.EngineInfo

	// OnFind is called for each FIND request. Optional.
	OnFind func(operationID string)

	// OnRun is called for each RUN request. Optional.
	OnRun func(operationID string)

	// OnCancel is called for each CANCEL request. The operation
	// identifier is empty for a connection-wide cancellation. Optional.
	OnCancel func(operationID string)

	// OnQuit is called when the runner asks the engine to exit. The
	// engine does not dispose itself; the owner decides when. Optional.
	OnQuit func()

	// OnDisconnect is called when the runner connection terminates
	// abnormally. Optional.
	OnDisconnect func(err error)

	// Logger receives protocol diagnostics. Nil disables logging.
	Logger log.Logger
}

// Engine is the execution-side protocol engine. It owns the single
// outbound connection to the runner.
type Engine struct {
	*engine.Base

	config Config

	// mu guards the stream and the negotiated runner info.
	mu         sync.Mutex
	stream     *transport.Stream
	runnerInfo wire.EngineInfo
	handshaken bool
}

// New creates an execution engine in the Initialized state.
func New(config Config) (*Engine, error) {
	if err := config.Info.Validate(); err != nil {
		return nil, fmt.Errorf("execution: invalid engine info: %w", err)
	}

	e := &Engine{
		Base:   engine.NewBase(log.RoleEngine, config.Logger),
		config: config,
	}
	e.RegisterHandler(wire.CommandInfo, e.onInfo)
	e.RegisterHandler(wire.CommandFind, e.command(config.OnFind, wire.CommandFind))
	e.RegisterHandler(wire.CommandRun, e.command(config.OnRun, wire.CommandRun))
	e.RegisterHandler(wire.CommandCancel, e.command(config.OnCancel, wire.CommandCancel))
	e.RegisterHandler(wire.CommandQuit, e.onQuit)

	return e, nil
}

// Connect dials the runner at addr and begins the handshake. Valid only
// once, from the Initialized state. The handshake completes
// asynchronously when the runner's INFO frame arrives.
func (e *Engine) Connect(addr string) error {
	if !e.TransitionIf(engine.StateInitialized, engine.StateNegotiating) {
		return fmt.Errorf("%w: cannot connect from %s", engine.ErrInvalidState, e.State())
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial runner: %w", err)
	}

	e.PushCleanup("close connection", func() error {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})

	stream := transport.NewStream(conn, transport.Config{
		OnFrame:     e.Dispatch,
		OnTerminate: e.onStreamTerminated,
	})

	e.mu.Lock()
	e.stream = stream
	e.mu.Unlock()

	e.PushCleanup("close stream", stream.Close)

	return nil
}

// onInfo answers the runner's identity frame with this engine's own
// INFO, completing the handshake.
func (e *Engine) onInfo(payload []byte, hasPayload bool) error {
	e.LogCommand(log.DirectionIn, wire.CommandInfo, "")

	if !hasPayload || len(payload) == 0 {
		return errors.New("INFO frame carried no payload")
	}

	info, err := wire.DecodeEngineInfo(payload)
	if err != nil {
		return fmt.Errorf("malformed INFO payload: %w", err)
	}

	e.mu.Lock()
	if !e.TransitionIf(engine.StateNegotiating, engine.StateConnected) {
		state := e.State()
		e.mu.Unlock()
		return fmt.Errorf("INFO received in state %s, ignoring", state)
	}
	e.runnerInfo = info
	e.handshaken = true
	stream := e.stream
	e.mu.Unlock()

	reply, err := wire.EncodeEngineInfo(e.config.Info)
	if err != nil {
		return fmt.Errorf("encode engine info: %w", err)
	}
	if err := stream.Send(wire.Frame(wire.CommandInfo, reply)); err != nil {
		return fmt.Errorf("send engine info: %w", err)
	}
	e.LogCommand(log.DirectionOut, wire.CommandInfo, "")
	return nil
}

// command adapts an operation callback into a frame handler.
func (e *Engine) command(fn func(operationID string), tag []byte) engine.HandlerFunc {
	return func(payload []byte, hasPayload bool) error {
		operationID := ""
		if hasPayload {
			operationID = string(payload)
		}
		e.LogCommand(log.DirectionIn, tag, operationID)
		if fn != nil {
			fn(operationID)
		}
		return nil
	}
}

// onQuit surfaces the runner's exit request.
func (e *Engine) onQuit(payload []byte, hasPayload bool) error {
	e.LogCommand(log.DirectionIn, wire.CommandQuit, "")
	if e.config.OnQuit != nil {
		e.config.OnQuit()
	}
	return nil
}

// onStreamTerminated reports an abnormal runner disconnect. During
// teardown the stop is expected and stays quiet.
func (e *Engine) onStreamTerminated(err error) {
	if state := e.State(); state == engine.StateDisconnecting || state == engine.StateDisconnected {
		return
	}

	e.LogError("stream terminated", err)
	if e.config.OnDisconnect != nil {
		e.config.OnDisconnect(err)
	}
}

// SendMessage delivers an asynchronous application notification for the
// given operation to the runner.
func (e *Engine) SendMessage(operationID string, msg wire.Message) error {
	e.mu.Lock()
	stream := e.stream
	e.mu.Unlock()

	if stream == nil {
		return ErrNotConnected
	}

	body, err := wire.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	if err := stream.Send(wire.Frame(wire.CommandMsg, wire.MessagePayload(operationID, body))); err != nil {
		return fmt.Errorf("send MSG: %w", err)
	}
	e.LogCommand(log.DirectionOut, wire.CommandMsg, operationID)
	return nil
}

// RunnerInfo returns the identity the runner announced in the
// handshake. It fails with ErrInvalidState unless the handshake
// completed, including on an engine disposed before any INFO arrived.
func (e *Engine) RunnerInfo() (wire.EngineInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.handshaken {
		return wire.EngineInfo{}, fmt.Errorf("%w: runner info is not available in state %s", engine.ErrInvalidState, e.State())
	}
	return e.runnerInfo, nil
}
