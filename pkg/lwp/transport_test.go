package lwp

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/lancewire/lwp-go/pkg/lmsg"
)

func testClientCfg(addr string) *clientCfg {
	cfg := defaultCfg()
	cfg.client.addr = addr
	cfg.client.connectTimeout = 500 * time.Millisecond
	cfg.client.requestTimeout = 2 * time.Second
	cfg.client.backoffBase = 5 * time.Millisecond
	cfg.client.backoffMax = 50 * time.Millisecond
	c := cfg.client
	return &c
}

// unusedAddr returns an address nothing is listening on.
func unusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// Backoff grows 100ms, 200ms, 400ms, ... capped at 30s, each within the
// ±20% jitter band.
func TestBackoffSchedule(t *testing.T) {
	t.Parallel()

	cfg := defaultCfg().client
	tr := &transport{cfg: &cfg}

	expect := 100 * time.Millisecond
	for attempt := 1; attempt <= 12; attempt++ {
		for i := 0; i < 20; i++ {
			got := tr.backoff(attempt)
			lo := time.Duration(float64(expect) * 0.8)
			hi := time.Duration(float64(expect) * 1.2)
			if got < lo || got > hi {
				t.Fatalf("attempt %d: backoff %v outside [%v, %v]", attempt, got, lo, hi)
			}
		}
		if expect < 30*time.Second {
			expect *= 2
			if expect > 30*time.Second {
				expect = 30 * time.Second
			}
		}
	}
}

// With auto reconnect on, a refusing server leaves the transport cycling
// through Reconnecting, never Closed.
func TestReconnectKeepsTrying(t *testing.T) {
	t.Parallel()

	tr := newTransport(testClientCfg(unusedAddr(t)), lmsg.CapLz4)
	defer tr.close()

	time.Sleep(300 * time.Millisecond)
	switch s := tr.currentState(); s {
	case stateConnecting, stateReconnecting:
	default:
		t.Errorf("state %v after repeated refusals, want connecting/reconnecting", s)
	}
}

func TestNoAutoReconnectCloses(t *testing.T) {
	t.Parallel()

	cfg := testClientCfg(unusedAddr(t))
	cfg.autoReconnect = false
	tr := newTransport(cfg, lmsg.CapLz4)
	defer tr.close()

	waitFor(t, 2*time.Second, "transport closed", func() bool {
		return tr.currentState() == stateClosed
	})
}

func TestMaxReconnectsCloses(t *testing.T) {
	t.Parallel()

	cfg := testClientCfg(unusedAddr(t))
	cfg.maxReconnects = 3
	tr := newTransport(cfg, lmsg.CapLz4)
	defer tr.close()

	waitFor(t, 5*time.Second, "transport closed", func() bool {
		return tr.currentState() == stateClosed
	})
}

func TestRequestAgainstClosedTransport(t *testing.T) {
	t.Parallel()

	cfg := testClientCfg(unusedAddr(t))
	cfg.autoReconnect = false
	tr := newTransport(cfg, lmsg.CapLz4)
	tr.close()

	_, err := tr.request(context.Background(), &lmsg.Frame{Header: lmsg.Header{Opcode: lmsg.OpPing}})
	if !errors.Is(err, ErrClientClosed) {
		t.Errorf("got %v, want ErrClientClosed", err)
	}
}

// A broker that accepts the handshake but never answers FETCH trips the
// request timeout.
func TestRequestTimeout(t *testing.T) {
	t.Parallel()

	b := newFakeBroker(t)
	b.mu.Lock()
	b.ignore[lmsg.OpFetch] = true
	b.mu.Unlock()

	cfg := testClientCfg(b.addr())
	cfg.requestTimeout = 100 * time.Millisecond
	tr := newTransport(cfg, lmsg.CapLz4)
	defer tr.close()

	_, err := tr.request(context.Background(), &lmsg.Frame{Header: lmsg.Header{Opcode: lmsg.OpFetch}})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("got %v, want ErrRequestTimeout", err)
	}
	if !IsRetryable(err) {
		t.Error("request timeout not retryable")
	}
}

// A broker that stops answering pings is declared dead and the client
// dials back in.
func TestKeepaliveMissReconnects(t *testing.T) {
	t.Parallel()

	b := newFakeBroker(t)
	b.mu.Lock()
	b.dropPings = true
	b.mu.Unlock()

	cfg := testClientCfg(b.addr())
	cfg.keepaliveIdle = 50 * time.Millisecond
	cfg.keepaliveWait = 50 * time.Millisecond
	tr := newTransport(cfg, lmsg.CapLz4)
	defer tr.close()

	waitFor(t, 5*time.Second, "reconnect after keepalive miss", func() bool {
		return b.acceptCount() >= 2
	})
}

func TestCorrelationIDsMonotonic(t *testing.T) {
	t.Parallel()

	b := newFakeBroker(t)
	tr := newTransport(testClientCfg(b.addr()), lmsg.CapLz4)
	defer tr.close()

	var last uint64
	for i := 0; i < 5; i++ {
		fr := lmsg.Frame{Header: lmsg.Header{Opcode: lmsg.OpPing}}
		resp, err := tr.request(context.Background(), &fr)
		if err != nil {
			t.Fatalf("ping %d: %v", i, err)
		}
		if resp.CorrelationID <= last {
			t.Fatalf("correlation id %d after %d", resp.CorrelationID, last)
		}
		last = resp.CorrelationID
	}
}

// Canceling a request abandons its completion; the transport survives and
// later requests still work.
func TestRequestCancellation(t *testing.T) {
	t.Parallel()

	b := newFakeBroker(t)
	b.mu.Lock()
	b.ignore[lmsg.OpFetch] = true
	b.mu.Unlock()

	tr := newTransport(testClientCfg(b.addr()), lmsg.CapLz4)
	defer tr.close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.request(ctx, &lmsg.Frame{Header: lmsg.Header{Opcode: lmsg.OpFetch}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}

	if _, err := tr.request(context.Background(), &lmsg.Frame{Header: lmsg.Header{Opcode: lmsg.OpPing}}); err != nil {
		t.Errorf("ping after cancellation: %v", err)
	}
}
