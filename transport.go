package redis

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TransportState mirrors the Byte Transport's lifecycle (§4.1).
type TransportState int32

const (
	TransportDisconnected TransportState = iota
	TransportConnecting
	TransportConnected
	TransportClosing
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportDisconnected:
		return "disconnected"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportClosing:
		return "closing"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the minimal byte transport the Session consumes (§6.2). A
// concrete implementation need only provide a single long-lived stream;
// TLS, Unix sockets, and other transports compose the same interface.
type Transport interface {
	Connect(ctx context.Context) error
	Write(p []byte) error
	Close() error
	Addr() string
	State() TransportState

	// SetCallbacks wires the transport's event sink. Must be called before
	// Connect. onData/onError/onClose/onDrain may be called concurrently
	// with Write/Close from the transport's own goroutines; callers must
	// not block in them (§5 "Shared-resource policy").
	SetCallbacks(onData func(p []byte, ts time.Time), onDrain func(), onClose func(), onError func(err error, code Code, ts time.Time))
}

// Number of pending writes queued per network protocol before Write starts
// blocking the caller. Mirrors the teacher's queueSizeTCP/queueSizeUnix
// split, generalized into the write-queue model §4.1 describes.
const (
	queueSizeTCP  = 128
	queueSizeUnix = 512
)

// isUnixAddr and normalizeAddr are kept from the teacher nearly verbatim:
// the normalization rules (default host/port, Unix socket path cleaning)
// are orthogonal to the RESP3/session rewrite.
func isUnixAddr(s string) bool {
	return len(s) != 0 && s[0] == '/'
}

func normalizeAddr(s string) string {
	if isUnixAddr(s) {
		return filepath.Clean(s)
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host = s
	}
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "6379"
	}
	return net.JoinHostPort(host, port)
}

// netTransport is the concrete TCP/Unix Transport. One goroutine reads the
// stream and invokes onData; writes are queued on a channel drained by a
// second goroutine, modeling the back-pressure/drain contract of §4.1
// without requiring a non-blocking net.Conn.
type netTransport struct {
	network        string
	addr           string
	connectTimeout time.Duration

	state atomic.Int32

	mu   sync.Mutex
	conn net.Conn

	writeCh chan []byte
	done    chan struct{}
	closeOnce sync.Once

	onData  func(p []byte, ts time.Time)
	onDrain func()
	onClose func()
	onError func(err error, code Code, ts time.Time)

	log *zap.Logger
}

// NewTCPTransport constructs a Transport dialing addr over TCP.
func NewTCPTransport(addr string, connectTimeout time.Duration, log *zap.Logger) Transport {
	return newNetTransport("tcp", addr, connectTimeout, queueSizeTCP, log)
}

// NewUnixTransport constructs a Transport dialing a Unix domain socket path.
func NewUnixTransport(path string, connectTimeout time.Duration, log *zap.Logger) Transport {
	return newNetTransport("unix", filepath.Clean(path), connectTimeout, queueSizeUnix, log)
}

func newNetTransport(network, addr string, connectTimeout time.Duration, queueSize int, log *zap.Logger) *netTransport {
	if log == nil {
		log = zap.NewNop()
	}
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	return &netTransport{
		network:        network,
		addr:           addr,
		connectTimeout: connectTimeout,
		writeCh:        make(chan []byte, queueSize),
		done:           make(chan struct{}),
		log:            log,
	}
}

func (t *netTransport) Addr() string          { return t.addr }
func (t *netTransport) State() TransportState { return TransportState(t.state.Load()) }

func (t *netTransport) SetCallbacks(onData func([]byte, time.Time), onDrain func(), onClose func(), onError func(error, Code, time.Time)) {
	t.onData, t.onDrain, t.onClose, t.onError = onData, onDrain, onClose, onError
}

// Connect dials the stream. Re-entry from "connected" fails with
// already-connected; re-entry while "connecting" is not supported by this
// transport (the Session never calls Connect concurrently with itself; see
// §5 concurrency model) and also fails fast with already-connected.
func (t *netTransport) Connect(ctx context.Context) error {
	switch t.State() {
	case TransportConnected, TransportConnecting:
		return newError(CodeAlreadyConnected, "transport already connected")
	}
	t.state.Store(int32(TransportConnecting))

	dialer := &net.Dialer{Timeout: t.connectTimeout}
	conn, err := dialer.DialContext(ctx, t.network, t.addr)
	if err != nil {
		t.state.Store(int32(TransportDisconnected))
		return classifyDialError(err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.state.Store(int32(TransportConnected))

	go t.readLoop(conn)
	go t.writeLoop(conn)
	return nil
}

func classifyDialError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wrapError(CodeConnectionTimeout, "connect timed out", err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "refused"):
		return wrapError(CodeConnectionRefused, "connection refused", err)
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "lookup"):
		return wrapError(CodeResolutionFailure, "address resolution failed", err)
	default:
		return wrapError(CodeUnknownIO, "connect failed", err)
	}
}

func (t *netTransport) Write(p []byte) error {
	if t.State() != TransportConnected {
		return newError(CodeInvalidState, "write outside connected state")
	}
	select {
	case t.writeCh <- p:
		return nil
	case <-t.done:
		return newError(CodeInvalidState, "write after close")
	}
}

// Close transitions to closing, signals the write loop to stop, then closes
// the socket. It does not wait for queued writes to be flushed; writes
// still queued may be dropped. Idempotent.
func (t *netTransport) Close() error {
	prev := TransportState(t.state.Swap(int32(TransportClosing)))
	if prev == TransportClosed || prev == TransportDisconnected {
		t.state.Store(int32(prev))
		return nil
	}
	t.closeOnce.Do(func() {
		close(t.done)
	})
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	t.state.Store(int32(TransportClosed))
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (t *netTransport) writeLoop(conn net.Conn) {
	for {
		select {
		case p := <-t.writeCh:
			if _, err := conn.Write(p); err != nil {
				if t.onError != nil {
					t.onError(wrapError(CodeWriteFailed, "write failed", err), CodeWriteFailed, time.Now())
				}
				return
			}
			if len(t.writeCh) == 0 && t.onDrain != nil {
				t.onDrain()
			}
		case <-t.done:
			return
		}
	}
}

func (t *netTransport) readLoop(conn net.Conn) {
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 && t.onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.onData(chunk, time.Now())
		}
		if err != nil {
			t.handleReadError(err)
			return
		}
	}
}

func (t *netTransport) handleReadError(err error) {
	select {
	case <-t.done:
		if t.onClose != nil {
			t.onClose()
		}
		return
	default:
	}
	code := CodeUnknownIO
	switch {
	case errors.Is(err, net.ErrClosed):
		code = CodeConnectionClosed
	case strings.Contains(err.Error(), "reset"):
		code = CodeConnectionReset
	case strings.Contains(err.Error(), "EOF"):
		code = CodeConnectionClosed
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		code = CodeConnectionTimeout
	}
	if t.onError != nil {
		t.onError(wrapError(code, "read failed", err), code, time.Now())
	}
}
