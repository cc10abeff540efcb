package lwp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lancewire/lwp-go/pkg/lerr"
	"github.com/lancewire/lwp-go/pkg/lmsg"
)

// connState is the transport state machine variable. It is written by the
// supervisor goroutine, and by close when it moves a ready connection to
// draining.
type connState int32

const (
	stateDisconnected connState = iota
	stateConnecting
	stateHandshaking
	stateReady
	stateDraining
	stateReconnecting
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateHandshaking:
		return "handshaking"
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	case stateReconnecting:
		return "reconnecting"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	errKeepaliveMiss = errors.New("keepalive miss: no pong within wait window")
	errHandshake     = errors.New("protocol error during handshake")
)

// transport owns one TCP connection to the broker plus the goroutines
// serving it: a supervisor running the state machine, and per-session
// read, write, and keepalive loops. All requests from the management
// client, producer, and consumer funnel through here.
type transport struct {
	cfg  *clientCfg
	log  *wrappedLogger
	caps uint32 // capability bits advertised in HELLO

	// instanceID identifies this transport to the broker across
	// reconnects of the same logical connection.
	instanceID string

	corrID  atomic.Uint64 // strictly monotonic per transport
	pending *pendingReqs
	decomp  *decompressor

	baseCtx   context.Context
	baseStop  context.CancelFunc
	closeOnce sync.Once
	doneCh    chan struct{} // closed when the supervisor exits

	mu         sync.Mutex
	state      connState
	sess       *session
	readyCh    chan struct{} // closed while state == stateReady
	closing    bool
	negotiated CompressionCodec

	paused    bool
	resumedCh chan struct{} // closed while not paused
	pauseTmr  *time.Timer
}

func newTransport(cfg *clientCfg, caps uint32) *transport {
	ctx, cancel := context.WithCancel(context.Background())
	log := &wrappedLogger{cfg.logger}
	t := &transport{
		cfg:        cfg,
		log:        log,
		caps:       caps,
		instanceID: uuid.NewString(),
		pending:    newPendingReqs(log),
		decomp:     newDecompressor(),
		baseCtx:    ctx,
		baseStop:   cancel,
		doneCh:     make(chan struct{}),
		state:      stateDisconnected,
		readyCh:    make(chan struct{}),
		resumedCh:  closedChan(),
	}
	go t.run()
	return t
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// session is one live TCP connection; it dies as a unit when any of its
// loops hits an error, and the supervisor decides what happens next.
type session struct {
	t    *transport
	conn net.Conn

	writeCh chan []byte // encoded request frames, bounded
	ctrlCh  chan []byte // pings and pongs, never paused

	dieOnce  sync.Once
	dead     chan struct{}
	err      error
	lastRead atomic.Int64 // unix nanos of the last inbound frame
}

func (s *session) die(err error) {
	s.dieOnce.Do(func() {
		s.err = err
		close(s.dead)
		s.conn.Close()
	})
}

// ***** state machine *****

func (t *transport) setState(s connState) {
	t.mu.Lock()
	prev := t.state
	t.state = s
	t.mu.Unlock()
	if prev != s {
		t.log.Log(LogLevelInfo, "connection state change", "from", prev, "to", s)
	}
}

func (t *transport) currentState() connState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *transport) isClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

// run is the supervisor: it drives Disconnected → Connecting →
// Handshaking → Ready, tears sessions down on failure, and loops through
// Reconnecting with exponential backoff until closed.
func (t *transport) run() {
	defer close(t.doneCh)
	defer t.setState(stateClosed)

	var attempt int
	for {
		if t.isClosing() {
			return
		}

		t.setState(stateConnecting)
		conn, err := t.dial()
		if err == nil {
			t.setState(stateHandshaking)
			var sess *session
			sess, err = t.handshake(conn)
			if err == nil {
				attempt = 0
				t.setReady(sess)
				<-sess.dead
				t.clearReady()
				failErr := ErrConnectionClosed
				if sess.err != nil && errors.Is(sess.err, ErrInvalidFrame) {
					failErr = sess.err
				}
				t.pending.failAll(failErr)
				err = sess.err
			} else {
				conn.Close()
				if errors.Is(err, errHandshake) {
					t.log.Log(LogLevelError, "handshake rejected, closing", "err", err)
					return
				}
			}
		}

		if t.isClosing() {
			return
		}
		if !t.cfg.autoReconnect {
			if err != nil {
				t.log.Log(LogLevelError, "connection failed and auto reconnect is off", "err", err)
			}
			return
		}

		attempt++
		if t.cfg.maxReconnects > 0 && attempt > t.cfg.maxReconnects {
			t.log.Log(LogLevelError, "reconnect attempts exhausted", "attempts", attempt-1)
			return
		}

		backoff := t.backoff(attempt)
		t.setState(stateReconnecting)
		t.log.Log(LogLevelWarn, "reconnecting", "attempt", attempt, "backoff", backoff, "err", err)
		select {
		case <-time.After(backoff):
		case <-t.baseCtx.Done():
			return
		}
	}
}

// backoff returns min(backoffMax, base·2ⁿ⁻¹) with ±20% jitter.
func (t *transport) backoff(attempt int) time.Duration {
	d := t.cfg.backoffBase
	for i := 1; i < attempt && d < t.cfg.backoffMax; i++ {
		d *= 2
	}
	if d > t.cfg.backoffMax {
		d = t.cfg.backoffMax
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

func (t *transport) dial() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(t.baseCtx, t.cfg.connectTimeout)
	defer cancel()
	if t.cfg.dialFn != nil {
		return t.cfg.dialFn(ctx, t.cfg.addr)
	}
	dialer := net.Dialer{}
	if t.cfg.tlsCfg != nil {
		td := tls.Dialer{NetDialer: &dialer, Config: t.cfg.tlsCfg}
		return td.DialContext(ctx, "tcp", t.cfg.addr)
	}
	return dialer.DialContext(ctx, "tcp", t.cfg.addr)
}

// handshake sends HELLO and waits for HELLO_ACK synchronously on the new
// connection, before the session loops start. An ERROR reply or a version
// mismatch wraps errHandshake and is fatal; I/O errors are retryable.
func (t *transport) handshake(conn net.Conn) (*session, error) {
	hello := lmsg.HelloRequest{
		Version:      lmsg.Version,
		Capabilities: t.caps,
		InstanceID:   t.instanceID,
	}
	fr := lmsg.Frame{
		Header: lmsg.Header{
			Opcode:        lmsg.OpHello,
			CorrelationID: t.nextCorrID(),
		},
		Payload: hello.AppendTo(nil),
	}

	deadline := time.Now().Add(t.cfg.connectTimeout)
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(lmsg.AppendFrame(nil, &fr)); err != nil {
		return nil, err
	}

	resp, err := readFrame(conn, t.cfg.maxPayload)
	if err != nil {
		if errors.Is(err, ErrInvalidFrame) {
			return nil, fmt.Errorf("%w: %v", errHandshake, err)
		}
		return nil, err
	}
	switch resp.Opcode {
	case lmsg.OpHelloAck:
		ack, err := lmsg.DecodeHelloAck(resp.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errHandshake, err)
		}
		if ack.Version != lmsg.Version {
			return nil, fmt.Errorf("%w: server speaks version %d", errHandshake, ack.Version)
		}
		t.mu.Lock()
		t.negotiated = codecForCapability(ack.Capabilities & t.caps)
		t.mu.Unlock()
	case lmsg.OpError:
		ep, perr := lmsg.DecodeErrorPayload(resp.Payload)
		if perr != nil {
			return nil, fmt.Errorf("%w: %v", errHandshake, perr)
		}
		return nil, fmt.Errorf("%w: %v", errHandshake, lerr.ErrorForResponse(ep.Code, ep.Reason, ep.Detail))
	default:
		return nil, fmt.Errorf("%w: expected HELLO_ACK, got %v", errHandshake, resp.Opcode)
	}

	s := &session{
		t:       t,
		conn:    conn,
		writeCh: make(chan []byte, t.cfg.writeQueueLen),
		ctrlCh:  make(chan []byte, 8),
		dead:    make(chan struct{}),
	}
	s.lastRead.Store(time.Now().UnixNano())
	go s.readLoop()
	go s.writeLoop()
	go s.keepaliveLoop()
	return s, nil
}

// readFrame reads exactly one frame: 44 header bytes, decode, then the
// payload. The payload cap is enforced by DecodeHeader before the payload
// is read.
func readFrame(conn net.Conn, maxPayload uint32) (lmsg.Frame, error) {
	var fr lmsg.Frame
	hdr := make([]byte, lmsg.HeaderSize)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return fr, err
	}
	h, err := lmsg.DecodeHeader(hdr)
	if err != nil {
		return fr, err
	}
	if h.PayloadLen > maxPayload {
		return fr, fmt.Errorf("%w: payload length %d exceeds cap %d", ErrInvalidFrame, h.PayloadLen, maxPayload)
	}
	fr.Header = h
	if h.PayloadLen > 0 {
		fr.Payload = make([]byte, h.PayloadLen)
		if _, err := io.ReadFull(conn, fr.Payload); err != nil {
			return fr, err
		}
	}
	return fr, nil
}

func (t *transport) setReady(s *session) {
	t.mu.Lock()
	t.sess = s
	t.state = stateReady
	close(t.readyCh)
	t.mu.Unlock()
	t.log.Log(LogLevelInfo, "connection ready", "addr", t.cfg.addr)
}

func (t *transport) clearReady() {
	t.mu.Lock()
	t.sess = nil
	t.readyCh = make(chan struct{})
	// A dead session cannot be paused anymore.
	t.setResumedLocked()
	t.mu.Unlock()
}

// waitReady blocks until the transport is Ready, the context is done, or
// the transport is closing.
func (t *transport) waitReady(ctx context.Context) (*session, error) {
	for {
		t.mu.Lock()
		if t.closing || t.state == stateClosed {
			t.mu.Unlock()
			return nil, ErrClientClosed
		}
		if t.state == stateReady {
			s := t.sess
			t.mu.Unlock()
			return s, nil
		}
		ch := t.readyCh
		t.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.baseCtx.Done():
			return nil, ErrClientClosed
		case <-t.doneCh:
			return nil, ErrClientClosed
		}
	}
}

// ***** session loops *****

func (s *session) readLoop() {
	t := s.t
	for {
		fr, err := readFrame(s.conn, t.cfg.maxPayload)
		if err != nil {
			s.die(err)
			return
		}
		s.lastRead.Store(time.Now().UnixNano())

		if fr.CorrelationID == 0 {
			t.handleServerFrame(s, fr)
			continue
		}
		t.routeResponse(fr)
	}
}

// handleServerFrame handles server-initiated frames: keepalive,
// backpressure, and connection-level errors. These carry correlation id 0
// and never route through the multiplexer.
func (t *transport) handleServerFrame(s *session, fr lmsg.Frame) {
	switch fr.Opcode {
	case lmsg.OpPing:
		pong := lmsg.Frame{Header: lmsg.Header{Opcode: lmsg.OpPong, Flags: lmsg.FlagKeepalive}}
		s.sendCtrl(lmsg.AppendFrame(nil, &pong))
	case lmsg.OpPong:
		// lastRead already advanced; nothing else to do.
	case lmsg.OpBackpressure:
		t.pause()
	case lmsg.OpResume:
		t.resume("server resume")
	case lmsg.OpError:
		ep, err := lmsg.DecodeErrorPayload(fr.Payload)
		if err != nil {
			t.log.Log(LogLevelWarn, "undecodable connection-level error frame", "err", err)
			return
		}
		serr := lerr.ErrorForResponse(ep.Code, ep.Reason, ep.Detail)
		var redirect *lerr.NotLeaderError
		if errors.As(serr, &redirect) {
			t.log.Log(LogLevelWarn, "server is not the leader", "leader", redirect.LeaderAddr)
			return
		}
		t.log.Log(LogLevelWarn, "connection-level server error", "err", serr)
	default:
		if fr.Flags.Has(lmsg.FlagKeepalive) {
			return
		}
		t.log.Log(LogLevelDebug, "unexpected server frame, dropping", "opcode", fr.Opcode)
	}
}

// routeResponse completes the pending request matching the frame's
// correlation id, mapping ERROR frames to their typed error.
func (t *transport) routeResponse(fr lmsg.Frame) {
	if fr.Opcode == lmsg.OpError {
		ep, err := lmsg.DecodeErrorPayload(fr.Payload)
		if err != nil {
			t.pending.complete(fr, err)
			return
		}
		t.pending.complete(fr, lerr.ErrorForResponse(ep.Code, ep.Reason, ep.Detail))
		return
	}
	t.pending.complete(fr, nil)
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.dead:
			return
		case buf := <-s.ctrlCh:
			if _, err := s.conn.Write(buf); err != nil {
				s.die(err)
				return
			}
		case buf := <-s.writeCh:
			// Backpressure pauses the queue here: frames already
			// handed to the kernel are not revocable, new ones
			// wait for RESUME or the grace timeout.
			if !s.t.waitResumed(s) {
				return
			}
			if _, err := s.conn.Write(buf); err != nil {
				s.die(err)
				return
			}
		}
	}
}

func (s *session) sendCtrl(buf []byte) {
	select {
	case s.ctrlCh <- buf:
	case <-s.dead:
	}
}

// keepaliveLoop sends PING after keepaliveIdle without inbound traffic
// and tears the session down if nothing arrives within keepaliveWait.
func (s *session) keepaliveLoop() {
	t := s.t
	for {
		last := time.Unix(0, s.lastRead.Load())
		idleFor := time.Since(last)
		if idleFor < t.cfg.keepaliveIdle {
			select {
			case <-s.dead:
				return
			case <-time.After(t.cfg.keepaliveIdle - idleFor):
			}
			continue
		}

		ping := lmsg.Frame{Header: lmsg.Header{Opcode: lmsg.OpPing, Flags: lmsg.FlagKeepalive}}
		s.sendCtrl(lmsg.AppendFrame(nil, &ping))
		pingAt := time.Now()

		select {
		case <-s.dead:
			return
		case <-time.After(t.cfg.keepaliveWait):
		}
		if time.Unix(0, s.lastRead.Load()).Before(pingAt) {
			t.log.Log(LogLevelWarn, "keepalive miss, tearing down connection")
			s.die(errKeepaliveMiss)
			return
		}
	}
}

// ***** backpressure *****

func (t *transport) pause() {
	t.mu.Lock()
	if !t.paused {
		t.paused = true
		t.resumedCh = make(chan struct{})
		grace := t.cfg.backpressureGrace
		if grace > 0 {
			t.pauseTmr = time.AfterFunc(grace, func() { t.resume("grace timeout") })
		}
		t.log.Log(LogLevelWarn, "server signaled backpressure, pausing writes")
	}
	t.mu.Unlock()
}

func (t *transport) resume(why string) {
	t.mu.Lock()
	resumed := t.paused
	t.setResumedLocked()
	t.mu.Unlock()
	if resumed {
		t.log.Log(LogLevelInfo, "resuming writes", "reason", why)
	}
}

func (t *transport) setResumedLocked() {
	if t.paused {
		t.paused = false
		close(t.resumedCh)
	}
	if t.pauseTmr != nil {
		t.pauseTmr.Stop()
		t.pauseTmr = nil
	}
}

func (t *transport) isPaused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// waitResumed blocks while paused; false means the session died first.
func (t *transport) waitResumed(s *session) bool {
	for {
		t.mu.Lock()
		if !t.paused {
			t.mu.Unlock()
			return true
		}
		ch := t.resumedCh
		t.mu.Unlock()
		select {
		case <-ch:
		case <-s.dead:
			return false
		}
	}
}

// ***** submitting requests *****

func (t *transport) nextCorrID() uint64 { return t.corrID.Add(1) }

// send frames a request, registers its completion, and queues it on the
// current session's write queue. It returns the correlation id assigned.
// timeout of zero means the request never times out locally.
func (t *transport) send(ctx context.Context, fr *lmsg.Frame, timeout time.Duration, promise func(lmsg.Frame, error)) (uint64, error) {
	sess, err := t.waitReady(ctx)
	if err != nil {
		return 0, err
	}

	// The producer reserves batch correlation ids at batch open; anything
	// else gets the next id here.
	corrID := fr.CorrelationID
	if corrID == 0 {
		corrID = t.nextCorrID()
		fr.CorrelationID = corrID
	}
	buf := lmsg.AppendFrame(nil, fr)

	p := &pend{
		corrID:  corrID,
		opcode:  fr.Opcode,
		sentAt:  time.Now(),
		promise: promise,
	}
	if timeout > 0 {
		p.deadline = p.sentAt.Add(timeout)
	}
	t.pending.add(p)

	select {
	case sess.writeCh <- buf:
		return corrID, nil
	case <-sess.dead:
		t.pending.abandon(corrID)
		return 0, ErrConnectionClosed
	case <-ctx.Done():
		t.pending.abandon(corrID)
		return 0, ctx.Err()
	}
}

// request is the synchronous request/response wrapper over send. Caller
// cancellation abandons the completion; a late response is drained and
// discarded.
func (t *transport) request(ctx context.Context, fr *lmsg.Frame) (lmsg.Frame, error) {
	type result struct {
		fr  lmsg.Frame
		err error
	}
	done := make(chan result, 1)
	corrID, err := t.send(ctx, fr, t.cfg.requestTimeout, func(resp lmsg.Frame, err error) {
		done <- result{resp, err}
	})
	if err != nil {
		return lmsg.Frame{}, err
	}
	select {
	case r := <-done:
		return r.fr, r.err
	case <-ctx.Done():
		t.pending.abandon(corrID)
		return lmsg.Frame{}, ctx.Err()
	}
}

// negotiatedCodec returns the codec agreed during the handshake.
func (t *transport) negotiatedCodec() CompressionCodec {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.negotiated
}

// decompressPayload reverses payload compression using the negotiated
// codec, defaulting to LZ4 block when nothing was negotiated.
func (t *transport) decompressPayload(fr *lmsg.Frame) ([]byte, error) {
	if !fr.Flags.Has(lmsg.FlagCompressed) {
		return fr.Payload, nil
	}
	codec := t.negotiatedCodec()
	if codec.codec == 0 {
		codec = Lz4Compression()
	}
	return t.decomp.decompress(fr.Payload, codec)
}

// close drains and tears the transport down: no new requests are
// accepted, outstanding responses get up to requestTimeout to complete,
// then everything stops. Safe to call more than once.
func (t *transport) close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closing = true
		sess := t.sess
		draining := t.state == stateReady
		if draining {
			t.state = stateDraining
		}
		t.mu.Unlock()

		if draining {
			t.log.Log(LogLevelInfo, "draining connection", "timeout", t.cfg.requestTimeout)
			t.pending.waitEmpty(t.cfg.requestTimeout)
		}
		if sess != nil {
			sess.die(nil)
		}
		t.baseStop()
		<-t.doneCh
		t.pending.close(ErrClientClosed)
	})
}
