package runner

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/runlink-protocol/runlink-go/pkg/engine"
	"github.com/runlink-protocol/runlink-go/pkg/log"
	"github.com/runlink-protocol/runlink-go/pkg/transport"
	"github.com/runlink-protocol/runlink-go/pkg/wire"
)

// errNoEngine marks a send attempted before any engine connected. It is
// a diagnostic, not a caller-visible error: pre-connection sends are a
// tolerated no-op.
var errNoEngine = errors.New("no connected engine")

// Result tells the runner how to proceed after an application message.
type Result uint8

const (
	// Continue keeps the run going.
	Continue Result = iota

	// Stop requests cancellation of the run. The runner sends at most
	// one CANCEL frame per connection no matter how many handlers
	// return Stop.
	Stop
)

// MessageHandler receives each decoded application message together
// with the operation identifier it answers. It is called on the
// connection's reader goroutine; transport failures are delivered
// through the same handler as an error message under wire.BroadcastID.
type MessageHandler func(operationID string, msg wire.Message) Result

// Config configures a runner engine.
type Config struct {
	// Info announces this runner's identity in its handshake INFO
	// frame. All fields are required.
	Info wire.EngineInfo

	// OnMessage receives engine notifications. Required.
	OnMessage MessageHandler

	// Logger receives protocol diagnostics. Nil disables logging.
	Logger log.Logger
}

// Engine is the runner-side protocol engine. It owns the listening
// socket, the single accepted peer connection, and the outbound command
// API.
type Engine struct {
	*engine.Base

	config  Config
	started atomic.Bool

	// mu guards the listener, the stream and the negotiated peer info.
	mu         sync.Mutex
	listener   net.Listener
	stream     *transport.Stream
	peerInfo   wire.EngineInfo
	handshaken bool

	cancelRequested atomic.Bool
	quitSent        atomic.Bool
}

// New creates a runner engine in the Initialized state.
func New(config Config) (*Engine, error) {
	if config.OnMessage == nil {
		return nil, errors.New("runner: OnMessage handler is required")
	}
	if err := config.Info.Validate(); err != nil {
		return nil, fmt.Errorf("runner: invalid engine info: %w", err)
	}

	e := &Engine{
		Base:   engine.NewBase(log.RoleRunner, config.Logger),
		config: config,
	}
	e.RegisterHandler(wire.CommandInfo, e.onInfo)
	e.RegisterHandler(wire.CommandMsg, e.onMessage)

	return e, nil
}

// Start binds a loopback TCP listener on an ephemeral port, transitions
// to Listening and begins waiting for exactly one inbound connection in
// the background. It returns the bound port. Start is valid once, from
// the Initialized state.
func (e *Engine) Start() (int, error) {
	if !e.started.CompareAndSwap(false, true) {
		return 0, fmt.Errorf("%w: engine already started", engine.ErrInvalidState)
	}
	if state := e.State(); state != engine.StateInitialized {
		return 0, fmt.Errorf("%w: cannot start from %s", engine.ErrInvalidState, state)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to listen: %w", err)
	}

	e.mu.Lock()
	e.listener = listener
	e.mu.Unlock()

	// Closing the listener is also what unblocks a pending accept when
	// the engine is disposed before any peer arrives.
	e.PushCleanup("close listener", listener.Close)

	// Re-validate under the lock: a Dispose racing with Start has
	// already released the listener via the cleanup above.
	if !e.TransitionIf(engine.StateInitialized, engine.StateListening) {
		return 0, fmt.Errorf("%w: cannot start from %s", engine.ErrInvalidState, e.State())
	}
	go e.accept(listener)

	return listener.Addr().(*net.TCPAddr).Port, nil
}

// accept waits for the single peer connection.
func (e *Engine) accept(listener net.Listener) {
	conn, err := listener.Accept()
	if err != nil {
		// Expected when Dispose closed the listener while we waited.
		if state := e.State(); state != engine.StateDisconnecting && state != engine.StateDisconnected {
			e.LogError("accept", err)
		}
		return
	}

	e.handleConn(conn)
}

// handleConn wires the accepted connection into the framing stream,
// registers its teardown actions and opens the handshake.
func (e *Engine) handleConn(conn net.Conn) {
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

	// Released before the connection cleanup above: the peer gets QUIT
	// before its socket disappears, unless the caller already sent it.
	e.PushCleanup("send QUIT and close stream", func() error {
		if e.quitSent.CompareAndSwap(false, true) {
			if err := stream.Send(wire.Frame(wire.CommandQuit, nil)); err != nil {
				e.LogError("send QUIT on teardown", err)
			} else {
				e.LogCommand(log.DirectionOut, wire.CommandQuit, "")
			}
		}
		return stream.Close()
	})

	// A Dispose racing with the accept has already released the
	// cleanups above; the state must not move backward from Disconnected.
	if !e.TransitionIf(engine.StateListening, engine.StateNegotiating) {
		return
	}

	payload, err := wire.EncodeEngineInfo(e.config.Info)
	if err != nil {
		e.LogError("encode runner info", err)
		return
	}
	if err := stream.Send(wire.Frame(wire.CommandInfo, payload)); err != nil {
		e.LogError("send runner info", err)
		return
	}
	e.LogCommand(log.DirectionOut, wire.CommandInfo, "")
}

// onInfo completes the handshake with the peer's identity frame.
// A malformed or out-of-order INFO is a diagnostic and leaves the
// connection (and any already negotiated record) untouched.
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
	defer e.mu.Unlock()

	if !e.TransitionIf(engine.StateNegotiating, engine.StateConnected) {
		return fmt.Errorf("INFO received in state %s, ignoring", e.State())
	}
	e.peerInfo = info
	e.handshaken = true
	return nil
}

// onMessage forwards an application notification to the configured
// handler, requesting cancellation when the handler says stop.
func (e *Engine) onMessage(payload []byte, hasPayload bool) error {
	if !hasPayload || len(payload) == 0 {
		return errors.New("MSG frame carried no payload")
	}

	operationID, body, hasBody := wire.Split(payload)
	if !hasBody || len(body) == 0 {
		return fmt.Errorf("MSG frame for %q carried no message body", operationID)
	}

	msg, err := wire.DecodeMessage(body)
	if err != nil {
		return fmt.Errorf("malformed MSG body: %w", err)
	}

	e.LogCommand(log.DirectionIn, wire.CommandMsg, string(operationID))

	if e.config.OnMessage(string(operationID), msg) == Stop {
		e.requestCancel()
	}
	return nil
}

// requestCancel sends the CANCEL control frame exactly once per
// connection, no matter how many message handlers ask to stop.
func (e *Engine) requestCancel() {
	if !e.cancelRequested.CompareAndSwap(false, true) {
		return
	}

	stream := e.currentStream()
	if stream == nil {
		return
	}

	if err := stream.Send(wire.Frame(wire.CommandCancel, nil)); err != nil {
		e.LogError("send CANCEL", err)
		return
	}
	e.LogCommand(log.DirectionOut, wire.CommandCancel, "")
}

// onStreamTerminated converts an abnormal transport failure into a
// broadcast error message delivered through the ordinary message
// handler. During teardown the stop is expected and stays quiet.
func (e *Engine) onStreamTerminated(err error) {
	if state := e.State(); state == engine.StateDisconnecting || state == engine.StateDisconnected {
		return
	}

	e.LogError("stream terminated", err)
	e.config.OnMessage(wire.BroadcastID, wire.ErrorMessage(err))
}

// currentStream returns the peer stream, or nil before any connection
// was accepted.
func (e *Engine) currentStream() *transport.Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stream
}

// SendFind asks the engine to discover the tests identified by the
// given operation. With no connected engine this is a diagnostic no-op.
func (e *Engine) SendFind(operationID string) error {
	return e.sendCommand(wire.CommandFind, operationID)
}

// SendRun asks the engine to execute the tests identified by the given
// operation. With no connected engine this is a diagnostic no-op.
func (e *Engine) SendRun(operationID string) error {
	return e.sendCommand(wire.CommandRun, operationID)
}

// SendCancel asks the engine to cancel the given operation. With no
// connected engine this is a diagnostic no-op.
func (e *Engine) SendCancel(operationID string) error {
	return e.sendCommand(wire.CommandCancel, operationID)
}

// sendCommand writes one COMMAND SEP id EOM frame atomically with
// respect to all other sends on the connection.
func (e *Engine) sendCommand(tag []byte, operationID string) error {
	stream := e.currentStream()
	if stream == nil {
		e.LogError("send "+string(tag), errNoEngine)
		return nil
	}

	if err := stream.Send(wire.Frame(tag, []byte(operationID))); err != nil {
		return fmt.Errorf("send %s: %w", tag, err)
	}
	e.LogCommand(log.DirectionOut, tag, operationID)
	return nil
}

// SendQuit tells the engine to exit and marks the automatic
// QUIT-on-teardown obligation as satisfied. With no connected engine
// this is a diagnostic no-op.
func (e *Engine) SendQuit() error {
	stream := e.currentStream()
	if stream == nil {
		e.LogError("send QUIT", errNoEngine)
		return nil
	}

	if !e.quitSent.CompareAndSwap(false, true) {
		return nil
	}

	if err := stream.Send(wire.Frame(wire.CommandQuit, nil)); err != nil {
		return fmt.Errorf("send QUIT: %w", err)
	}
	e.LogCommand(log.DirectionOut, wire.CommandQuit, "")
	return nil
}

// ProtocolVersion returns the protocol version the engine announced in
// the handshake. It fails with ErrInvalidState before the handshake
// completes.
func (e *Engine) ProtocolVersion() (string, error) {
	info, err := e.negotiated()
	if err != nil {
		return "", err
	}
	return info.ProtocolVersion, nil
}

// TestAssemblyUniqueID returns the test assembly unique ID the engine
// announced in the handshake. It fails with ErrInvalidState before the
// handshake completes, or when the peer's INFO omitted the field.
func (e *Engine) TestAssemblyUniqueID() (string, error) {
	info, err := e.negotiated()
	if err != nil {
		return "", err
	}
	if info.TestAssemblyUniqueID == "" {
		return "", fmt.Errorf("%w: engine info is missing testAssemblyUniqueID", engine.ErrInvalidState)
	}
	return info.TestAssemblyUniqueID, nil
}

// TestFrameworkDisplayName returns the framework display name the
// engine announced in the handshake. It fails with ErrInvalidState
// before the handshake completes, or when the peer's INFO omitted the
// field.
func (e *Engine) TestFrameworkDisplayName() (string, error) {
	info, err := e.negotiated()
	if err != nil {
		return "", err
	}
	if info.TestFrameworkDisplayName == "" {
		return "", fmt.Errorf("%w: engine info is missing testFrameworkDisplayName", engine.ErrInvalidState)
	}
	return info.TestFrameworkDisplayName, nil
}

// negotiated returns the peer record once the handshake has completed.
// The completion flag is tracked separately from the state enum: an
// engine disposed before any INFO arrived is past Connected on the
// state ordering but never negotiated anything.
func (e *Engine) negotiated() (wire.EngineInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.handshaken {
		return wire.EngineInfo{}, fmt.Errorf("%w: engine info is not available in state %s", engine.ErrInvalidState, e.State())
	}
	return e.peerInfo, nil
}
