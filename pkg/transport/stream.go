package transport

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/runlink-protocol/runlink-go/pkg/wire"
)

// Framing constants.
const (
	// DefaultMaxFrameSize is the default maximum frame size (1 MB).
	DefaultMaxFrameSize = 1 << 20
)

// Framing errors.
var (
	// ErrFrameTooLarge indicates a frame exceeds the maximum size.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrStreamClosed indicates a send on a closed stream.
	ErrStreamClosed = errors.New("stream closed")
)

// Config configures a Stream.
type Config struct {
	// OnFrame receives each complete inbound frame with the
	// end-of-message marker stripped. It is called on the stream's
	// reader goroutine. Required.
	OnFrame func(frame []byte)

	// OnTerminate is called at most once when the reader stops for any
	// reason other than Close, including the peer closing its end.
	// Optional.
	OnTerminate func(err error)

	// MaxFrameSize bounds a single frame (default DefaultMaxFrameSize).
	MaxFrameSize int
}

// Stream turns a byte-oriented connection into discrete frames
// delimited by the end-of-message byte. It owns a reader goroutine for
// the life of the connection.
type Stream struct {
	conn   net.Conn
	config Config

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewStream wraps conn and starts the reader goroutine.
func NewStream(conn net.Conn, config Config) *Stream {
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}

	s := &Stream{
		conn:    conn,
		config:  config,
		closeCh: make(chan struct{}),
	}
	go s.readLoop()

	return s
}

// Send writes data to the connection. Concurrent sends are serialized;
// a frame must be passed as a single Send so its bytes cannot
// interleave with another sender's.
func (s *Stream) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closeCh:
		return ErrStreamClosed
	default:
	}

	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// RemoteAddr returns the remote network address.
func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Close closes the underlying connection and stops the reader. It is
// safe to call multiple times; only the first call closes the
// connection.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		err = s.conn.Close()
	})
	return err
}

// readLoop reads the connection until it fails or the stream is closed,
// delivering one frame per end-of-message marker. Input is consumed in
// buffer-sized chunks and checked against the size limit as it
// accumulates, so an oversized frame terminates the stream before its
// bytes are ever buffered in full.
func (s *Stream) readLoop() {
	r := bufio.NewReader(s.conn)
	var frame []byte

	for {
		chunk, err := r.ReadSlice(wire.EndOfMessage)
		if err != nil && err != bufio.ErrBufferFull {
			// A partial frame without its end marker is discarded.
			s.terminate(err)
			return
		}

		size := len(frame) + len(chunk)
		if err == nil {
			size-- // the marker is not part of the frame
		}
		if size > s.config.MaxFrameSize {
			s.terminate(fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, s.config.MaxFrameSize))
			return
		}

		frame = append(frame, chunk...)
		if err == bufio.ErrBufferFull {
			continue
		}

		data := frame[:len(frame)-1] // strip the marker
		frame = nil
		if len(data) == 0 {
			// A bare end-of-message byte carries nothing.
			continue
		}

		s.config.OnFrame(data)
	}
}

// terminate reports an abnormal reader stop unless Close was requested.
func (s *Stream) terminate(err error) {
	select {
	case <-s.closeCh:
		return // expected during close
	default:
	}

	if s.config.OnTerminate != nil {
		s.config.OnTerminate(err)
	}
}
