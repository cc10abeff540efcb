package lwp

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lancewire/lwp-go/pkg/lbin"
	"github.com/lancewire/lwp-go/pkg/lmsg"
)

// fakeBroker is a minimal in-process LWP broker: it answers the
// handshake, acks produces, serves fetches from an in-memory byte log per
// topic, and can be told to drop or fail specific opcodes to exercise
// timeout and error paths.
type fakeBroker struct {
	t  *testing.T
	ln net.Listener

	mu        sync.Mutex
	topics    map[uint32][]byte
	produced  []lmsg.Frame
	pendAcks  []pendingAck
	autoAck   bool
	dropPings bool
	ignore    map[lmsg.Opcode]bool
	errorOn   map[lmsg.Opcode]lmsg.ErrorPayload
	caps      uint32
	conns     []net.Conn
	accepts   int
	closed    bool
}

type pendingAck struct {
	fr lmsg.Frame
	w  *frameWriter
}

type frameWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *frameWriter) write(fr *lmsg.Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.Write(lmsg.AppendFrame(nil, fr))
}

func newFakeBroker(t *testing.T) *fakeBroker {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	b := &fakeBroker{
		t:       t,
		ln:      ln,
		topics:  make(map[uint32][]byte),
		autoAck: true,
		ignore:  make(map[lmsg.Opcode]bool),
		errorOn: make(map[lmsg.Opcode]lmsg.ErrorPayload),
		caps:    ^uint32(0),
	}
	go b.acceptLoop()
	t.Cleanup(b.close)
	return b
}

func (b *fakeBroker) addr() string { return b.ln.Addr().String() }

func (b *fakeBroker) close() {
	b.mu.Lock()
	b.closed = true
	conns := b.conns
	b.mu.Unlock()
	b.ln.Close()
	for _, c := range conns {
		c.Close()
	}
}

func (b *fakeBroker) acceptLoop() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			conn.Close()
			return
		}
		b.conns = append(b.conns, conn)
		b.accepts++
		b.mu.Unlock()
		go b.serve(conn)
	}
}

func (b *fakeBroker) acceptCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accepts
}

func (b *fakeBroker) serve(conn net.Conn) {
	defer conn.Close()
	w := &frameWriter{conn: conn}
	for {
		fr, err := readFrame(conn, lmsg.MaxPayload)
		if err != nil {
			return
		}
		b.mu.Lock()
		if b.ignore[fr.Opcode] {
			b.mu.Unlock()
			continue
		}
		if ep, fail := b.errorOn[fr.Opcode]; fail {
			b.mu.Unlock()
			w.write(&lmsg.Frame{
				Header:  lmsg.Header{Opcode: lmsg.OpError, Flags: lmsg.FlagResponse, CorrelationID: fr.CorrelationID},
				Payload: ep.AppendTo(nil),
			})
			continue
		}
		b.mu.Unlock()

		switch fr.Opcode {
		case lmsg.OpHello:
			w.write(&lmsg.Frame{
				Header:  lmsg.Header{Opcode: lmsg.OpHelloAck, Flags: lmsg.FlagResponse, CorrelationID: fr.CorrelationID},
				Payload: (&helloAckPayload{version: lmsg.Version, caps: b.grantedCaps(fr.Payload)}).bytes(),
			})
		case lmsg.OpPing:
			if b.pingsDropped() {
				continue
			}
			w.write(&lmsg.Frame{Header: lmsg.Header{
				Opcode: lmsg.OpPong, Flags: lmsg.FlagResponse | lmsg.FlagKeepalive, CorrelationID: fr.CorrelationID,
			}})
		case lmsg.OpProduce:
			b.handleProduce(fr, w)
		case lmsg.OpFetch:
			b.handleFetch(fr, w)
		case lmsg.OpSeekEnd:
			b.mu.Lock()
			tail := uint64(len(b.topics[fr.TopicID]))
			b.mu.Unlock()
			w.write(&lmsg.Frame{Header: lmsg.Header{
				Opcode: lmsg.OpSeekEnd, Flags: lmsg.FlagResponse, CorrelationID: fr.CorrelationID,
				TopicID: fr.TopicID, Offset: tail,
			}})
		case lmsg.OpCommit, lmsg.OpSubscribe, lmsg.OpUnsubscribe, lmsg.OpDeleteTopic:
			w.write(&lmsg.Frame{Header: lmsg.Header{
				Opcode: fr.Opcode, Flags: lmsg.FlagResponse, CorrelationID: fr.CorrelationID, TopicID: fr.TopicID,
			}})
		case lmsg.OpCreateTopic, lmsg.OpGetTopic, lmsg.OpSetRetention:
			detail, _ := json.Marshal(TopicDetail{ID: 1, Name: "events", CreatedAtNs: 12345})
			w.write(&lmsg.Frame{
				Header:  lmsg.Header{Opcode: fr.Opcode, Flags: lmsg.FlagResponse, CorrelationID: fr.CorrelationID},
				Payload: detail,
			})
		case lmsg.OpListTopics:
			list, _ := json.Marshal([]TopicDetail{{ID: 1, Name: "events", CreatedAtNs: 12345}})
			w.write(&lmsg.Frame{
				Header:  lmsg.Header{Opcode: fr.Opcode, Flags: lmsg.FlagResponse, CorrelationID: fr.CorrelationID},
				Payload: list,
			})
		}
	}
}

type helloAckPayload struct {
	version uint8
	caps    uint32
}

func (h *helloAckPayload) bytes() []byte {
	b := lbin.AppendUint8(nil, h.version)
	return lbin.AppendUint32(b, h.caps)
}

func (b *fakeBroker) grantedCaps(helloPayload []byte) uint32 {
	r := lbin.Reader{Src: helloPayload}
	r.Uint8() // version
	advertised := r.Uint32()
	b.mu.Lock()
	defer b.mu.Unlock()
	return advertised & b.caps
}

func (b *fakeBroker) pingsDropped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropPings
}

func (b *fakeBroker) handleProduce(fr lmsg.Frame, w *frameWriter) {
	b.mu.Lock()
	b.produced = append(b.produced, fr)
	if !b.autoAck {
		b.pendAcks = append(b.pendAcks, pendingAck{fr, w})
		b.mu.Unlock()
		return
	}
	tail := b.appendLocked(fr)
	b.mu.Unlock()

	b.ack(fr, w, tail)
}

// appendLocked appends a produce frame's record data to its topic's byte
// log, decompressing with the protocol default codec if needed.
func (b *fakeBroker) appendLocked(fr lmsg.Frame) uint64 {
	data := fr.Payload
	if fr.Flags.Has(lmsg.FlagCompressed) {
		var err error
		if data, err = newDecompressor().decompress(data, Lz4Compression()); err != nil {
			b.t.Errorf("broker could not decompress produce payload: %v", err)
			data = nil
		}
	}
	b.topics[fr.TopicID] = append(b.topics[fr.TopicID], data...)
	return uint64(len(b.topics[fr.TopicID]))
}

func (b *fakeBroker) ack(fr lmsg.Frame, w *frameWriter, tail uint64) {
	w.write(&lmsg.Frame{Header: lmsg.Header{
		Opcode: lmsg.OpProduceAck, Flags: lmsg.FlagResponse, CorrelationID: fr.CorrelationID,
		TopicID: fr.TopicID, Offset: tail,
	}})
}

// ackOne acknowledges the oldest held produce. Only meaningful with
// autoAck off.
func (b *fakeBroker) ackOne() {
	b.mu.Lock()
	if len(b.pendAcks) == 0 {
		b.mu.Unlock()
		b.t.Error("ackOne with nothing pending")
		return
	}
	pa := b.pendAcks[0]
	b.pendAcks = b.pendAcks[1:]
	tail := b.appendLocked(pa.fr)
	b.mu.Unlock()

	b.ack(pa.fr, pa.w, tail)
}

func (b *fakeBroker) handleFetch(fr lmsg.Frame, w *frameWriter) {
	r := lbin.Reader{Src: fr.Payload}
	topicID := r.Uint32()
	offset := r.Uint64()
	maxBytes := r.Uint32()

	b.mu.Lock()
	log := b.topics[topicID]
	b.mu.Unlock()

	tail := uint64(len(log))
	start, end := offset, offset
	var data []byte
	if offset < tail {
		end = offset + uint64(maxBytes)
		if end > tail {
			end = tail
		}
		data = log[start:end]
	}

	var payload []byte
	payload = lbin.AppendUint64(payload, start)
	payload = lbin.AppendUint64(payload, end)
	payload = lbin.AppendUint64(payload, tail)
	payload = append(payload, data...)
	w.write(&lmsg.Frame{
		Header: lmsg.Header{
			Opcode: lmsg.OpFetchResp, Flags: lmsg.FlagResponse, CorrelationID: fr.CorrelationID,
			TopicID: topicID, Offset: start,
		},
		Payload: payload,
	})
}

func (b *fakeBroker) appendTopic(topicID uint32, tlv []byte) {
	b.mu.Lock()
	b.topics[topicID] = append(b.topics[topicID], tlv...)
	b.mu.Unlock()
}

// preloadOffsets grows a topic's log to n bytes without meaningful
// content, to simulate history the tests never read.
func (b *fakeBroker) preloadOffsets(topicID uint32, n int) {
	b.mu.Lock()
	b.topics[topicID] = make([]byte, n)
	b.mu.Unlock()
}

func (b *fakeBroker) producedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.produced)
}

func (b *fakeBroker) producedFrames() []lmsg.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]lmsg.Frame(nil), b.produced...)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("timed out waiting for %s", what)
	}
}
