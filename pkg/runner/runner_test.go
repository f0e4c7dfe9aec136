package runner

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/runlink-protocol/runlink-go/pkg/engine"
	"github.com/runlink-protocol/runlink-go/pkg/log"
	"github.com/runlink-protocol/runlink-go/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const engineInfoJSON = `{"protocolVersion":"1.0","testAssemblyUniqueID":"abc","testFrameworkDisplayName":"demo"}`

// recordingLogger captures diagnostics for assertions.
type recordingLogger struct {
	mu     sync.Mutex
	events []log.Event
}

func (r *recordingLogger) Log(event log.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingLogger) errorMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Error != nil {
			out = append(out, e.Error.Message)
		}
	}
	return out
}

// received is one message delivered to the test's message handler.
type received struct {
	operationID string
	msg         wire.Message
}

// testHarness bundles a runner engine with a recording logger and a
// channel of delivered messages.
type testHarness struct {
	engine   *Engine
	logger   *recordingLogger
	messages chan received

	mu     sync.Mutex
	result Result
}

func (h *testHarness) setResult(r Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.result = r
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	h := &testHarness{
		logger:   &recordingLogger{},
		messages: make(chan received, 64),
		result:   Continue,
	}

	info, err := wire.NewEngineInfo(wire.ProtocolVersion10, "runner-assembly", "runner")
	require.NoError(t, err)

	e, err := New(Config{
		Info:   info,
		Logger: h.logger,
		OnMessage: func(operationID string, msg wire.Message) Result {
			h.messages <- received{operationID: operationID, msg: msg}
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.result
		},
	})
	require.NoError(t, err)
	h.engine = e

	t.Cleanup(func() {
		// Tests dispose explicitly; tolerate both orders here.
		_ = e.Dispose()
	})

	return h
}

// peer is a raw scripted connection standing in for the execution
// engine process.
type peer struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialPeer(t *testing.T, port int) *peer {
	t.Helper()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &peer{conn: conn, reader: bufio.NewReader(conn)}
}

// readFrame reads one frame, marker stripped.
func (p *peer) readFrame(t *testing.T) string {
	t.Helper()

	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := p.reader.ReadBytes(wire.EndOfMessage)
	require.NoError(t, err)
	return string(frame[:len(frame)-1])
}

func (p *peer) write(t *testing.T, data string) {
	t.Helper()
	_, err := p.conn.Write([]byte(data))
	require.NoError(t, err)
}

// sendInfo completes the handshake from the peer side.
func (p *peer) sendInfo(t *testing.T) {
	t.Helper()
	p.write(t, "INFO\x1f"+engineInfoJSON+"\x00")
}

func waitState(t *testing.T, e *Engine, want engine.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.State() == want
	}, 2*time.Second, 5*time.Millisecond, "state never reached %s", want)
}

// connect starts the harness engine, dials it and completes the
// handshake, consuming the runner's own INFO frame.
func connect(t *testing.T, h *testHarness) *peer {
	t.Helper()

	port, err := h.engine.Start()
	require.NoError(t, err)

	p := dialPeer(t, port)
	runnerInfo := p.readFrame(t)
	require.Contains(t, runnerInfo, "INFO\x1f")
	require.Contains(t, runnerInfo, "runner-assembly")

	p.sendInfo(t)
	waitState(t, h.engine, engine.StateConnected)
	return p
}

func TestNewRequiresMessageHandler(t *testing.T) {
	info, err := wire.NewEngineInfo(wire.ProtocolVersion10, "a", "b")
	require.NoError(t, err)

	_, err = New(Config{Info: info})
	require.Error(t, err)
}

func TestNewRequiresValidInfo(t *testing.T) {
	_, err := New(Config{
		Info:      wire.EngineInfo{ProtocolVersion: wire.ProtocolVersion10},
		OnMessage: func(string, wire.Message) Result { return Continue },
	})
	require.ErrorIs(t, err, wire.ErrEmptyAssemblyID)
}

func TestStartReturnsBoundPort(t *testing.T) {
	h := newHarness(t)

	port, err := h.engine.Start()
	require.NoError(t, err)
	assert.Greater(t, port, 0)
	assert.Equal(t, engine.StateListening, h.engine.State())
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Start()
	require.NoError(t, err)

	_, err = h.engine.Start()
	require.ErrorIs(t, err, engine.ErrInvalidState)
}

func TestHandshake(t *testing.T) {
	h := newHarness(t)
	connect(t, h)

	id, err := h.engine.TestAssemblyUniqueID()
	require.NoError(t, err)
	assert.Equal(t, "abc", id)

	name, err := h.engine.TestFrameworkDisplayName()
	require.NoError(t, err)
	assert.Equal(t, "demo", name)

	version, err := h.engine.ProtocolVersion()
	require.NoError(t, err)
	assert.Equal(t, wire.ProtocolVersion10, version)
}

func TestAccessorsBeforeConnection(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.TestAssemblyUniqueID()
	require.ErrorIs(t, err, engine.ErrInvalidState)

	_, err = h.engine.TestFrameworkDisplayName()
	require.ErrorIs(t, err, engine.ErrInvalidState)
}

func TestDuplicateInfoDoesNotAlterRecord(t *testing.T) {
	h := newHarness(t)
	p := connect(t, h)

	// A second INFO with a different identity arrives after the
	// handshake already completed.
	p.write(t, "INFO\x1f{\"protocolVersion\":\"1.0\",\"testAssemblyUniqueID\":\"other\",\"testFrameworkDisplayName\":\"other\"}\x00")

	require.Eventually(t, func() bool {
		for _, msg := range h.logger.errorMessages() {
			if msg == "INFO received in state CONNECTED, ignoring" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	id, err := h.engine.TestAssemblyUniqueID()
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	assert.Equal(t, engine.StateConnected, h.engine.State())
}

func TestMalformedInfoIsDiagnostic(t *testing.T) {
	h := newHarness(t)

	port, err := h.engine.Start()
	require.NoError(t, err)

	p := dialPeer(t, port)
	p.readFrame(t) // runner's own INFO

	// No payload at all.
	p.write(t, "INFO\x00")

	require.Eventually(t, func() bool {
		return len(h.logger.errorMessages()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	// Still negotiating: the bad frame changed nothing and a valid
	// INFO can still complete the handshake.
	assert.Equal(t, engine.StateNegotiating, h.engine.State())
	p.sendInfo(t)
	waitState(t, h.engine, engine.StateConnected)
}

func TestSendWithoutPeerIsLenient(t *testing.T) {
	h := newHarness(t)

	// No connection exists; each send is a tolerated no-op that leaves
	// a diagnostic.
	require.NoError(t, h.engine.SendFind("op-1"))
	require.NoError(t, h.engine.SendRun("op-2"))
	require.NoError(t, h.engine.SendCancel("op-3"))
	require.NoError(t, h.engine.SendQuit())

	messages := h.logger.errorMessages()
	require.Len(t, messages, 4)
	for _, msg := range messages {
		assert.Equal(t, "no connected engine", msg)
	}
}

func TestSendCommands(t *testing.T) {
	h := newHarness(t)
	p := connect(t, h)

	require.NoError(t, h.engine.SendFind("op-1"))
	assert.Equal(t, "FIND\x1fop-1", p.readFrame(t))

	require.NoError(t, h.engine.SendRun("op-2"))
	assert.Equal(t, "RUN\x1fop-2", p.readFrame(t))

	require.NoError(t, h.engine.SendCancel("op-2"))
	assert.Equal(t, "CANCEL\x1fop-2", p.readFrame(t))
}

func TestMessageDispatch(t *testing.T) {
	h := newHarness(t)
	p := connect(t, h)

	p.write(t, "MSG\x1fop-7\x1f{\"type\":\"testPassed\"}\x00")

	select {
	case got := <-h.messages:
		assert.Equal(t, "op-7", got.operationID)
		assert.Equal(t, "testPassed", got.msg.Type())
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestMalformedMessageIsDiagnostic(t *testing.T) {
	h := newHarness(t)
	p := connect(t, h)

	// Missing JSON body after the operation identifier.
	p.write(t, "MSG\x1fop-7\x00")
	// Unparseable JSON body.
	p.write(t, "MSG\x1fop-8\x1f{nope\x00")

	require.Eventually(t, func() bool {
		return len(h.logger.errorMessages()) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, h.messages)
	assert.Equal(t, engine.StateConnected, h.engine.State())
}

func TestStopResultSendsSingleCancel(t *testing.T) {
	h := newHarness(t)
	h.setResult(Stop)
	p := connect(t, h)

	p.write(t, "MSG\x1fop-7\x1f{\"type\":\"x\"}\x00")

	<-h.messages
	assert.Equal(t, "CANCEL", p.readFrame(t))

	// Further stop results must not produce another CANCEL; the next
	// frame the peer sees is the explicit FIND below.
	p.write(t, "MSG\x1fop-7\x1f{\"type\":\"y\"}\x00")
	<-h.messages

	require.NoError(t, h.engine.SendFind("op-after"))
	assert.Equal(t, "FIND\x1fop-after", p.readFrame(t))
}

func TestConcurrentCancelRequestsSendExactlyOne(t *testing.T) {
	h := newHarness(t)
	p := connect(t, h)

	const callers = 32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.engine.requestCancel()
		}()
	}
	wg.Wait()

	assert.Equal(t, "CANCEL", p.readFrame(t))

	// Anything after the single CANCEL is the sentinel FIND.
	require.NoError(t, h.engine.SendFind("sentinel"))
	assert.Equal(t, "FIND\x1fsentinel", p.readFrame(t))
}

func TestDisposeSendsQuitBeforeClose(t *testing.T) {
	h := newHarness(t)
	p := connect(t, h)

	require.NoError(t, h.engine.Dispose())
	assert.Equal(t, engine.StateDisconnected, h.engine.State())

	assert.Equal(t, "QUIT", p.readFrame(t))

	// After QUIT the socket is gone.
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := p.reader.ReadByte()
	require.Error(t, err)
}

func TestExplicitQuitSkipsTeardownQuit(t *testing.T) {
	h := newHarness(t)
	p := connect(t, h)

	require.NoError(t, h.engine.SendQuit())
	assert.Equal(t, "QUIT", p.readFrame(t))

	require.NoError(t, h.engine.Dispose())

	// No second QUIT: the connection just closes.
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := p.reader.ReadByte()
	require.Error(t, err)
}

func TestDisposeTwiceFails(t *testing.T) {
	h := newHarness(t)
	connect(t, h)

	require.NoError(t, h.engine.Dispose())
	require.ErrorIs(t, h.engine.Dispose(), engine.ErrDisposed)
}

func TestDisposeUnblocksPendingAccept(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Start()
	require.NoError(t, err)

	// No peer ever connects; Dispose must not hang on the accept.
	done := make(chan error, 1)
	go func() { done <- h.engine.Dispose() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Dispose blocked on pending accept")
	}
	assert.Equal(t, engine.StateDisconnected, h.engine.State())
}

func TestPeerDisconnectBroadcastsError(t *testing.T) {
	h := newHarness(t)
	p := connect(t, h)

	p.conn.Close()

	select {
	case got := <-h.messages:
		assert.Equal(t, wire.BroadcastID, got.operationID)
		assert.Equal(t, "error", got.msg.Type())
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast error message never delivered")
	}
}

func TestUnknownCommandKeepsConnection(t *testing.T) {
	h := newHarness(t)
	p := connect(t, h)

	p.write(t, "PING\x1fwhatever\x00")

	require.Eventually(t, func() bool {
		return len(h.logger.errorMessages()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	// The connection still works.
	p.write(t, "MSG\x1fop-1\x1f{\"type\":\"x\"}\x00")
	select {
	case got := <-h.messages:
		assert.Equal(t, "op-1", got.operationID)
	case <-time.After(2 * time.Second):
		t.Fatal("message after unknown command never delivered")
	}
}

func TestAccessorsAfterDisposeWithoutHandshake(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Start()
	require.NoError(t, err)
	require.NoError(t, h.engine.Dispose())

	// Teardown moved the state past Connected on the enum ordering, but
	// no INFO ever arrived: the accessors must still fail.
	_, err = h.engine.ProtocolVersion()
	require.ErrorIs(t, err, engine.ErrInvalidState)

	_, err = h.engine.TestAssemblyUniqueID()
	require.ErrorIs(t, err, engine.ErrInvalidState)

	_, err = h.engine.TestFrameworkDisplayName()
	require.ErrorIs(t, err, engine.ErrInvalidState)
}

func TestAccessorsSurviveDisposeAfterHandshake(t *testing.T) {
	h := newHarness(t)
	connect(t, h)

	require.NoError(t, h.engine.Dispose())

	id, err := h.engine.TestAssemblyUniqueID()
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
}

func TestLateAcceptAfterDisposeKeepsStateDisconnected(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Start()
	require.NoError(t, err)
	require.NoError(t, h.engine.Dispose())

	// Simulate an accept completing just as disposal finished: the
	// connection is released immediately and the state never moves
	// backward from Disconnected.
	server, client := net.Pipe()
	defer client.Close()
	h.engine.handleConn(server)

	assert.Equal(t, engine.StateDisconnected, h.engine.State())

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = client.Read(buf)
	require.Error(t, err)
}
