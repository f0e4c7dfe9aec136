package engine

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/runlink-protocol/runlink-go/pkg/log"
	"github.com/runlink-protocol/runlink-go/pkg/wire"
)

// Engine errors.
var (
	// ErrDisposed indicates teardown already ran for this engine.
	ErrDisposed = errors.New("engine already disposed")

	// ErrInvalidState indicates an operation is not permitted in the
	// engine's current state.
	ErrInvalidState = errors.New("invalid engine state")
)

// HandlerFunc processes the payload portion of a dispatched frame.
// hasPayload is false when the frame carried no separator; payload is
// nil in that case. A returned error is reported as a diagnostic and
// does not terminate the connection.
type HandlerFunc func(payload []byte, hasPayload bool) error

// binding pairs a command tag with its handler. Bindings are scanned in
// registration order and the first exact match wins.
type binding struct {
	tag []byte
	fn  HandlerFunc
}

// cleanup is one teardown action on the disposal stack.
type cleanup struct {
	name string
	fn   func() error
}

// Base carries the connection state machine, the command dispatch table
// and the teardown stack shared by both protocol roles.
type Base struct {
	role   log.Role
	logger log.Logger
	connID string

	// mu serializes state reads, state transitions and the disposal
	// decision. No two goroutines observe a torn transition.
	mu       sync.Mutex
	state    State
	disposed bool
	cleanups []cleanup

	// handlers is append-only and fixed before the connection starts
	// receiving frames; Dispatch reads it without the lock.
	handlers []binding
}

// NewBase creates the shared engine core for the given role. A nil
// logger disables diagnostics. The connection starts in
// StateInitialized.
func NewBase(role log.Role, logger log.Logger) *Base {
	if logger == nil {
		logger = log.NoopLogger{}
	}

	b := &Base{
		role:   role,
		logger: logger,
		connID: uuid.New().String(),
		state:  StateUnknown,
	}
	b.TransitionState(StateInitialized)

	return b
}

// ConnID returns the identifier attached to this connection's
// diagnostics.
func (b *Base) ConnID() string {
	return b.connID
}

// Logger returns the diagnostics logger (never nil).
func (b *Base) Logger() log.Logger {
	return b.logger
}

// Role returns the protocol role this engine plays.
func (b *Base) Role() log.Role {
	return b.role
}

// RegisterHandler appends a command binding. Registration must complete
// before the connection starts receiving frames. Duplicate tags are
// permitted; only the first registered binding for a tag is ever
// invoked.
func (b *Base) RegisterHandler(tag []byte, fn HandlerFunc) {
	b.handlers = append(b.handlers, binding{tag: tag, fn: fn})
}

// State returns the last committed connection state. The value is
// advisory for guard checks; actions whose correctness depends on the
// state must re-validate via TransitionIf.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// TransitionState commits a new connection state and emits a
// state-change diagnostic carrying the previous and new state.
func (b *Base) TransitionState(newState State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(newState, "")
}

// TransitionIf commits the transition only when the current state
// equals from, atomically with respect to all other transitions. It
// reports whether the transition happened.
func (b *Base) TransitionIf(from, to State) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != from {
		return false
	}
	b.transitionLocked(to, "")
	return true
}

// transitionLocked emits the diagnostic and commits the state.
// Callers must hold mu.
func (b *Base) transitionLocked(newState State, reason string) {
	b.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: b.connID,
		Role:         b.role,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			OldState: b.state.String(),
			NewState: newState.String(),
			Reason:   reason,
		},
	})
	b.state = newState
}

// Dispatch routes one inbound frame to the first handler whose tag
// matches the frame's command portion. Handler errors and unknown
// commands are diagnostics; neither terminates the connection. Dispatch
// is safe to run concurrently with Dispose.
func (b *Base) Dispatch(frame []byte) {
	tag, payload, hasPayload := wire.Split(frame)

	for _, bind := range b.handlers {
		if !bytes.Equal(bind.tag, tag) {
			continue
		}
		if err := bind.fn(payload, hasPayload); err != nil {
			b.LogError(fmt.Sprintf("handler %s", tag), err)
		}
		return
	}

	b.LogError("dispatch", fmt.Errorf("unknown command %q", tag))
}

// PushCleanup registers a teardown action. Actions run in reverse
// registration order, each exactly once, when the engine is disposed.
// A cleanup registered after disposal already ran is released
// immediately so the resource cannot leak.
func (b *Base) PushCleanup(name string, fn func() error) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		if err := fn(); err != nil {
			b.LogError("cleanup "+name, err)
		}
		return
	}
	b.cleanups = append(b.cleanups, cleanup{name: name, fn: fn})
	b.mu.Unlock()
}

// Dispose tears the engine down: it commits StateDisconnecting,
// releases every registered cleanup action in reverse registration
// order, then commits StateDisconnected. A failing cleanup action is a
// diagnostic and does not stop the remaining actions. Disposing a
// second time returns ErrDisposed.
func (b *Base) Dispose() error {
	b.mu.Lock()
	if b.disposed || b.state == StateDisconnecting || b.state == StateDisconnected {
		state := b.state
		b.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrDisposed, state)
	}
	b.disposed = true
	b.transitionLocked(StateDisconnecting, "dispose")
	cleanups := b.cleanups
	b.cleanups = nil
	b.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i].fn(); err != nil {
			b.LogError("cleanup "+cleanups[i].name, err)
		}
	}

	b.TransitionState(StateDisconnected)
	return nil
}

// LogError emits an error diagnostic for this connection.
func (b *Base) LogError(context string, err error) {
	b.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: b.connID,
		Role:         b.role,
		Category:     log.CategoryError,
		Error: &log.ErrorEvent{
			Message: err.Error(),
			Context: context,
		},
	})
}

// LogCommand emits a command diagnostic for this connection.
func (b *Base) LogCommand(direction log.Direction, tag []byte, operationID string) {
	b.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: b.connID,
		Role:         b.role,
		Direction:    direction,
		Category:     log.CategoryCommand,
		Command: &log.CommandEvent{
			Tag:         string(tag),
			OperationID: operationID,
		},
	})
}
