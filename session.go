package redis

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// ConnState is the Session lifecycle state of §4.4.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateDisconnecting
	StateClosed
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is what a submitted command resolves with.
type Result struct {
	Value Value
	Err   error
}

// pendingRequest is the §3.2 "Pending Request" entity.
type pendingRequest struct {
	id          uint64
	traceID     uuid.UUID
	verb        string
	args        []interface{}
	submittedAt time.Time

	timer *time.Timer

	resultCh    chan Result
	resolveOnce sync.Once

	// tombstone marks a request whose deadline fired or was cancelled: the
	// eventual server reply is still consumed (to keep FIFO correlation
	// intact) but discarded, per §4.4 "Deadlines"/"Cancellation".
	tombstone bool
}

func newPendingRequest(id uint64, verb string, args []interface{}) *pendingRequest {
	return &pendingRequest{
		id:          id,
		traceID:     uuid.New(),
		verb:        verb,
		args:        args,
		submittedAt: time.Now(),
		resultCh:    make(chan Result, 1),
	}
}

func (r *pendingRequest) resolve(res Result) {
	r.resolveOnce.Do(func() {
		r.resultCh <- res
	})
}

// Session owns the decoder, transport, and the FIFO of in-flight requests
// for a single connection, per §4.4; each command is encoded by its own
// pooled Encoder in dispatch. All mutations to its state
// are serialized by mu; the decoder and transport are each single-owner,
// per §5.
type Session struct {
	opts      Options
	transport Transport
	decoder   *Decoder
	id        uuid.UUID
	log       *zap.Logger

	mu                sync.Mutex
	state             ConnState
	handshakeComplete bool
	fifo              []*pendingRequest
	nextID            uint64
	pushListener      func(Value)
	connectWaiters    []chan error

	// writeMu serializes dispatch's FIFO-append+transport.Write sequence.
	// mu alone isn't enough: mu is released before Write (Write can block
	// on transport back-pressure, and must not hold the state lock while
	// doing so), so without a dedicated lock two concurrent Sends could
	// append to fifo in order A,B but write to the wire as B,A, breaking
	// FIFO correlation per §5.
	writeMu sync.Mutex
}

// NewSession constructs a Session bound to transport with the given
// options. The decoder is private to this Session.
func NewSession(opts Options, transport Transport, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.New()
	s := &Session{
		opts:      opts,
		transport: transport,
		id:        id,
		log:       log.With(zap.String("session_id", id.String())),
	}
	s.decoder = NewDecoder(s.onReply, s.onPush, s.onDecodeError, s.log)
	transport.SetCallbacks(s.onData, s.onDrain, s.onTransportClose, s.onTransportError)
	return s
}

// ID returns the session's log-only correlation id (never sent on the
// wire).
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the current connection state.
func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetPushListener registers the sink for unsolicited push frames. It is
// invoked synchronously from the decoder's feed path and must not block,
// per §5.
func (s *Session) SetPushListener(fn func(Value)) {
	s.mu.Lock()
	s.pushListener = fn
	s.mu.Unlock()
}

// Connect dials the transport and performs the HELLO 3 handshake, per
// §4.4. Re-entry while already connected is a no-op; re-entry while
// connecting/handshaking awaits the in-flight attempt.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return nil
	case StateConnecting, StateHandshaking:
		wait := make(chan error, 1)
		s.connectWaiters = append(s.connectWaiters, wait)
		s.mu.Unlock()
		select {
		case err := <-wait:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.state = StateConnecting
	s.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	if err := s.transport.Connect(connectCtx); err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		s.broadcastConnectResult(err)
		return err
	}

	s.mu.Lock()
	s.state = StateHandshaking
	s.mu.Unlock()

	if err := s.handshake(connectCtx); err != nil {
		s.mu.Lock()
		s.state = StateError
		s.mu.Unlock()
		s.teardown(err)
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		_ = s.transport.Close()
		s.broadcastConnectResult(err)
		return err
	}

	s.mu.Lock()
	s.state = StateConnected
	s.handshakeComplete = true
	s.mu.Unlock()
	s.broadcastConnectResult(nil)
	return nil
}

func (s *Session) broadcastConnectResult(err error) {
	s.mu.Lock()
	waiters := s.connectWaiters
	s.connectWaiters = nil
	s.mu.Unlock()
	for _, w := range waiters {
		w <- err
	}
}

// handshake sends "HELLO 3" directly (bypassing the connected-state guard
// Send enforces) and accepts a simple-string OK or any map reply, per
// the §9 Open Question resolution recorded in SPEC_FULL.md.
func (s *Session) handshake(ctx context.Context) error {
	req := newPendingRequest(s.nextRequestID(), "HELLO", []interface{}{"3"})
	if err := s.dispatch(req); err != nil {
		return wrapError(CodeHandshakeFailed, "failed to send HELLO 3", err)
	}
	select {
	case res := <-req.resultCh:
		if res.Err != nil {
			return wrapError(CodeHandshakeFailed, "HELLO 3 failed", res.Err)
		}
		if res.Value.Kind == KindSimpleString && res.Value.Str == "OK" {
			return nil
		}
		if res.Value.Kind == KindMap {
			return nil
		}
		return newError(CodeHandshakeFailed, "unexpected HELLO reply kind "+res.Value.Kind.String())
	case <-ctx.Done():
		s.cancelRequest(req)
		return newError(CodeHandshakeFailed, "handshake timed out")
	}
}

func (s *Session) nextRequestID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// Send submits verb(args...) and blocks until the reply resolves, the
// context is cancelled, or the session fails it. Implements §4.5 on top
// of §4.4's submit/reply path.
func (s *Session) Send(ctx context.Context, verb string, args ...interface{}) (Value, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return Value{}, err
	}

	s.mu.Lock()
	if s.state != StateConnected || !s.handshakeComplete {
		s.mu.Unlock()
		return Value{}, newError(CodeConnectionRequired, "session is not connected")
	}
	s.mu.Unlock()

	req := newPendingRequest(s.nextRequestID(), verb, args)
	if err := s.submit(req); err != nil {
		return Value{}, err
	}

	select {
	case res := <-req.resultCh:
		return res.Value, res.Err
	case <-ctx.Done():
		s.cancelRequest(req)
		return Value{}, newError(CodeCommandCancelled, "command cancelled")
	}
}

func (s *Session) ensureConnected(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	autoConnect := s.opts.AutoConnect
	s.mu.Unlock()

	switch state {
	case StateConnected:
		return nil
	case StateDisconnected:
		if !autoConnect {
			return newError(CodeConnectionRequired, "session is not connected")
		}
		return s.Connect(ctx)
	case StateConnecting, StateHandshaking:
		return s.Connect(ctx) // joins the in-flight attempt via the waiter path
	default:
		return newError(CodeConnectionRequired, "session is not connected")
	}
}

// submit arms the command deadline timer before handing off to dispatch.
// The connected-state guard is applied by Send before submit is called.
func (s *Session) submit(req *pendingRequest) error {
	timer := time.AfterFunc(s.opts.CommandTimeout, func() { s.onTimeout(req) })
	req.timer = timer
	if err := s.dispatch(req); err != nil {
		timer.Stop()
		return err
	}
	return nil
}

// dispatch appends req to the FIFO and writes its encoded command to the
// transport. It is used both by submit (regular commands) and by the
// handshake (which must run before the session is "connected").
//
// writeMu holds across both the append and the Write call, so that
// concurrent callers' append-then-write pairs cannot interleave: submission
// order, FIFO order, and wire order must all agree, per §5.
func (s *Session) dispatch(req *pendingRequest) error {
	enc := NewEncoder()
	defer enc.Release()
	if err := enc.EncodeCommand(req.verb, req.args...); err != nil {
		return err
	}
	payload := append([]byte(nil), enc.Bytes()...)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.fifo = append(s.fifo, req)
	s.mu.Unlock()

	if err := s.transport.Write(payload); err != nil {
		s.mu.Lock()
		s.removeFromFIFOLocked(req)
		s.mu.Unlock()
		if req.timer != nil {
			req.timer.Stop()
		}
		return wrapError(CodeWriteFailed, "failed to write command", err)
	}
	return nil
}

func (s *Session) removeFromFIFOLocked(req *pendingRequest) {
	for i, r := range s.fifo {
		if r == req {
			s.fifo = append(s.fifo[:i], s.fifo[i+1:]...)
			return
		}
	}
}

// onTimeout fires when a command's deadline elapses before resolution. Per
// §4.4, the entry is NOT removed from the FIFO: it is tombstoned so the
// reply that eventually arrives is discarded rather than mis-correlated to
// a different command.
func (s *Session) onTimeout(req *pendingRequest) {
	s.mu.Lock()
	req.tombstone = true
	s.mu.Unlock()
	req.resolve(Result{Err: newError(CodeCommandTimeout, "command timed out")})
}

func (s *Session) cancelRequest(req *pendingRequest) {
	s.mu.Lock()
	req.tombstone = true
	s.mu.Unlock()
	if req.timer != nil {
		req.timer.Stop()
	}
	req.resolve(Result{Err: newError(CodeCommandCancelled, "command cancelled")})
}

// onReply is the Decoder's onReply callback: pop the FIFO head in order
// and resolve it, per §3.3 invariant 1.
func (s *Session) onReply(v Value) {
	s.mu.Lock()
	if len(s.fifo) == 0 {
		s.mu.Unlock()
		s.onProtocolViolation()
		return
	}
	req := s.fifo[0]
	s.fifo = s.fifo[1:]
	s.mu.Unlock()

	if req.timer != nil {
		req.timer.Stop()
	}
	if req.tombstone {
		return
	}
	req.resolve(s.toResult(v))
}

// onPush is the Decoder's onPush callback: route to the listener without
// consuming a pending request, per §3.3 invariant 1.
func (s *Session) onPush(v Value) {
	s.mu.Lock()
	listener := s.pushListener
	s.mu.Unlock()
	if listener != nil {
		listener(v)
	}
}

func (s *Session) toResult(v Value) Result {
	switch v.Kind {
	case KindError:
		se := &ServerError{Code: v.Code, Message: v.Message}
		return Result{Err: &Error{Code: CodeServerError, Message: se.Message, Offset: -1, cause: se}}
	case KindBlobError:
		se := &ServerError{Code: v.Code, Message: v.Message}
		return Result{Err: &Error{Code: CodeServerBlobError, Message: se.Message, Offset: -1, cause: se}}
	default:
		return Result{Value: v}
	}
}

// onProtocolViolation handles a non-push reply arriving with an empty
// FIFO: a contract violation per §4.4, treated as fatal.
func (s *Session) onProtocolViolation() {
	s.onDecodeError(newError(CodeUnsolicitedReply, "reply received with no pending request"))
}

// onDecodeError is the Decoder's onError callback (fatal decode, §3.3
// invariant 4): fail every pending request and close the session.
func (s *Session) onDecodeError(err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	s.mu.Unlock()

	s.teardown(err)

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	_ = s.transport.Close()
}

func (s *Session) onData(p []byte, ts time.Time) {
	s.decoder.Feed(p)
}

func (s *Session) onDrain() {}

func (s *Session) onTransportClose() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()
	s.teardown(ErrClosed)
}

func (s *Session) onTransportError(err error, code Code, ts time.Time) {
	s.log.Warn("transport error", zap.Error(err), zap.String("code", string(code)))
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	s.mu.Unlock()
	s.teardown(err)
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	_ = s.transport.Close()
}

// Close tears the session down per §4.4 "Teardown": fail all pending
// requests with connection-closed, cancel timers, drop the transport.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateDisconnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateDisconnecting
	s.mu.Unlock()

	s.teardown(ErrClosed)

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	return s.transport.Close()
}

// teardown fails every still-live pending request with cause. Uses
// go-multierror purely to produce one aggregate diagnostic log line; each
// request still resolves individually with cause.
func (s *Session) teardown(cause error) {
	s.mu.Lock()
	pending := s.fifo
	s.fifo = nil
	s.mu.Unlock()

	var agg *multierror.Error
	for _, req := range pending {
		if req.timer != nil {
			req.timer.Stop()
		}
		s.mu.Lock()
		already := req.tombstone
		req.tombstone = true
		s.mu.Unlock()
		if already {
			continue
		}
		req.resolve(Result{Err: cause})
		agg = multierror.Append(agg, cause)
	}
	if agg != nil {
		s.log.Debug("session teardown failed pending requests", zap.Int("count", len(pending)), zap.Error(agg))
	}
}
