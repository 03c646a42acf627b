package redis

import (
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Client is the Public Send Surface of §4.5: a thin wrapper that wires
// Options to a concrete Transport and a Session, and forwards Send/Connect/
// Close/SetPushListener. It performs no command-level validation beyond
// the argument-type guard Encoder.EncodeCommand already applies.
type Client struct {
	*Session
}

// NewClient constructs a Client from Options, dialing host:port (or a Unix
// domain socket, when Host looks like an absolute path) lazily on first
// Send unless AutoConnect is false. Mirrors the teacher's NewClient entry
// point, generalized to the RESP3 Session/Transport split.
func NewClient(opts Options, log *zap.Logger) (*Client, error) {
	if opts.URL != "" {
		merged, err := opts.ParseURL(opts.URL)
		if err != nil {
			return nil, err
		}
		opts = merged
	}
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.Port == 0 {
		opts.Port = 6379
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.CommandTimeout == 0 {
		opts.CommandTimeout = 5 * time.Second
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if log == nil {
		log = zap.NewNop()
	}

	var transport Transport
	if isUnixAddr(opts.Host) {
		transport = NewUnixTransport(opts.Host, opts.ConnectTimeout, log)
	} else {
		addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
		transport = NewTCPTransport(normalizeAddr(addr), opts.ConnectTimeout, log)
	}

	return &Client{Session: NewSession(opts, transport, log)}, nil
}

// NewClientWithTransport wires a Client directly to a caller-provided
// Transport (e.g. a fake for tests, or a TLS-wrapped net.Conn), bypassing
// NewClient's TCP/Unix dial selection.
func NewClientWithTransport(opts Options, transport Transport, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{Session: NewSession(opts, transport, log)}
}
