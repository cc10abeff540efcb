package lwp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lancewire/lwp-go/pkg/lmsg"
)

// Producer is a batched producer with acknowledgement tracking. Records
// accumulate per topic until the batch size is reached, the linger timer
// fires, or the caller flushes; each flushed batch becomes one PRODUCE
// frame identified by its correlation id, and at most maxPendingAcks
// batches may be awaiting acknowledgement at once.
type Producer struct {
	cfg cfg
	t   *transport
	log *wrappedLogger

	// slots is the in-flight window semaphore: one slot is held from the
	// moment a batch is opened until its acknowledgement (or failure).
	slots chan struct{}

	compMu   sync.Mutex
	comp     *compressor
	compOver CompressionCodec // codec comp was built for

	mu          sync.Mutex
	topics      map[uint32]*topicBatches
	outstanding int
	flushDone   chan struct{} // closed when outstanding drops to zero
	closed      bool
	closedCh    chan struct{}
}

// topicBatches is one topic's accumulator plus its FIFO of batches on the
// way to the wire. Batches to one topic hit the wire in submission order.
type topicBatches struct {
	topicID uint32

	cur       *batch
	lingerTmr *time.Timer

	queue   []*batch
	sending bool
}

// batch is one group of records produced as one frame. Its id is the
// correlation id it will use on the wire, reserved when the batch opens
// so SendAsync can return it before the flush.
type batch struct {
	id      uint64
	topicID uint32
	payload []byte // concatenated TLV records, uncompressed
	numRecs int
	done    chan batchResult
}

type batchResult struct {
	batchID uint64
	err     error
}

// NewProducer returns a producer for the configured broker. The connection
// is dialed in the background, with automatic retry; NewProducer does not
// wait for it.
func NewProducer(opts ...Opt) (*Producer, error) {
	cfg := defaultCfg()
	for _, o := range opts {
		o.apply(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	caps := lmsg.CapLz4 | cfg.producer.compression.capability()
	t := newTransport(&cfg.client, caps)
	return &Producer{
		cfg:      cfg,
		t:        t,
		log:      t.log,
		slots:    make(chan struct{}, cfg.producer.maxPendingAcks),
		topics:   make(map[uint32]*topicBatches),
		closedCh: make(chan struct{}),
	}, nil
}

// Send appends the record and blocks until the batch containing it has
// been acknowledged, returning the batch id. When the in-flight window is
// full, Send blocks for a free slot.
func (p *Producer) Send(ctx context.Context, topicID uint32, rec lmsg.Record) (uint64, error) {
	b, err := p.append(ctx, topicID, []lmsg.Record{rec}, true)
	if err != nil {
		return 0, err
	}
	return p.await(ctx, b)
}

// SendAsync appends the record and returns its batch id as soon as the
// record is accepted; the acknowledgement is tracked internally but not
// awaited. When accepting the record would open a batch and the in-flight
// window is full (or the server has signaled backpressure), SendAsync
// fails with ErrBackpressure instead of blocking.
func (p *Producer) SendAsync(ctx context.Context, topicID uint32, rec lmsg.Record) (uint64, error) {
	b, err := p.append(ctx, topicID, []lmsg.Record{rec}, false)
	if err != nil {
		return 0, err
	}
	return b.id, nil
}

// SendBatch appends every record atomically to one topic's pending batch
// and waits for the acknowledgement covering them. The batch flushes
// immediately if it exceeds the batch size.
func (p *Producer) SendBatch(ctx context.Context, topicID uint32, recs []lmsg.Record) (uint64, error) {
	if len(recs) == 0 {
		return 0, errors.New("empty record batch")
	}
	b, err := p.append(ctx, topicID, recs, true)
	if err != nil {
		return 0, err
	}
	return p.await(ctx, b)
}

func (p *Producer) await(ctx context.Context, b *batch) (uint64, error) {
	select {
	case r := <-b.done:
		// Put the result back for any concurrent waiter on the same
		// batch.
		b.done <- r
		return r.batchID, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// append adds records to topicID's open batch, opening one (and taking a
// window slot) if needed. block selects between Send and SendAsync window
// semantics.
func (p *Producer) append(ctx context.Context, topicID uint32, recs []lmsg.Record, block bool) (*batch, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClientClosed
	}
	tb := p.topics[topicID]
	if tb == nil {
		tb = &topicBatches{topicID: topicID}
		p.topics[topicID] = tb
	}

	if tb.cur == nil {
		// Opening a batch needs a window slot; acquire it without
		// holding the lock.
		p.mu.Unlock()
		if err := p.acquireSlot(ctx, block); err != nil {
			return nil, err
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			<-p.slots
			return nil, ErrClientClosed
		}
		if tb.cur != nil {
			// Someone else opened the batch meanwhile; give the
			// spare slot back.
			<-p.slots
		} else {
			tb.cur = &batch{
				id:      p.t.nextCorrID(),
				topicID: topicID,
				done:    make(chan batchResult, 1),
			}
			p.outstanding++
			if p.cfg.producer.linger > 0 {
				b := tb.cur
				tb.lingerTmr = time.AfterFunc(p.cfg.producer.linger, func() {
					p.lingerFire(tb, b)
				})
			}
		}
	}

	b := tb.cur
	b.payload = lmsg.AppendRecords(b.payload, recs)
	b.numRecs += len(recs)

	if len(b.payload) >= p.cfg.producer.batchSize || p.cfg.producer.linger == 0 {
		p.flushTopicLocked(tb)
	}
	p.mu.Unlock()
	return b, nil
}

func (p *Producer) acquireSlot(ctx context.Context, block bool) error {
	if !block {
		if p.t.isPaused() {
			return ErrBackpressure
		}
		select {
		case p.slots <- struct{}{}:
			return nil
		default:
			return ErrBackpressure
		}
	}
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closedCh:
		return ErrClientClosed
	}
}

// lingerFire flushes b if it is still the open batch when its linger
// timer fires.
func (p *Producer) lingerFire(tb *topicBatches, b *batch) {
	p.mu.Lock()
	if tb.cur == b {
		p.flushTopicLocked(tb)
	}
	p.mu.Unlock()
}

// flushTopicLocked closes the open batch, cancels its linger timer, and
// queues it for the topic's drain goroutine.
func (p *Producer) flushTopicLocked(tb *topicBatches) {
	b := tb.cur
	if b == nil {
		return
	}
	tb.cur = nil
	if tb.lingerTmr != nil {
		tb.lingerTmr.Stop()
		tb.lingerTmr = nil
	}
	tb.queue = append(tb.queue, b)
	if !tb.sending {
		tb.sending = true
		go p.drainTopic(tb)
	}
}

// drainTopic puts queued batches on the wire one at a time, preserving
// submission order within the topic.
func (p *Producer) drainTopic(tb *topicBatches) {
	for {
		p.mu.Lock()
		if len(tb.queue) == 0 {
			tb.sending = false
			p.mu.Unlock()
			return
		}
		b := tb.queue[0]
		tb.queue = tb.queue[1:]
		p.mu.Unlock()

		p.transmit(b)
	}
}

// transmit frames one batch and submits it, retrying on the new
// connection when the old one died underneath it.
func (p *Producer) transmit(b *batch) {
	payload, compressed := p.maybeCompress(b.payload)

	flags := lmsg.FlagAckRequested
	if compressed {
		flags |= lmsg.FlagCompressed
	}
	fr := lmsg.Frame{
		Header: lmsg.Header{
			Opcode:        lmsg.OpProduce,
			Flags:         flags,
			CorrelationID: b.id,
			TopicID:       b.topicID,
		},
		Payload: payload,
	}

	promise := func(resp lmsg.Frame, err error) {
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) && !p.isClosed() {
				// The transport reconnects underneath us; place
				// the batch back on the wire there.
				go p.transmit(b)
				return
			}
			p.finishBatch(b, err)
			return
		}
		p.finishBatch(b, nil)
	}

	_, err := p.t.send(context.Background(), &fr, p.cfg.client.requestTimeout, promise)
	if err != nil {
		if errors.Is(err, ErrConnectionClosed) && !p.isClosed() {
			go p.transmit(b)
			return
		}
		p.finishBatch(b, err)
	}
}

// finishBatch releases the batch's window slot and reports its result.
func (p *Producer) finishBatch(b *batch, err error) {
	<-p.slots

	p.mu.Lock()
	p.outstanding--
	if p.outstanding == 0 && p.flushDone != nil {
		close(p.flushDone)
		p.flushDone = nil
	}
	p.mu.Unlock()

	if err != nil {
		p.log.Log(LogLevelWarn, "batch failed",
			"batch_id", b.id, "topic", b.topicID, "records", b.numRecs, "err", err)
	}
	b.done <- batchResult{batchID: b.id, err: err}
}

// maybeCompress compresses the payload with the negotiated codec (LZ4
// block when nothing was negotiated) when compression is configured and
// actually shrinks the payload.
func (p *Producer) maybeCompress(payload []byte) ([]byte, bool) {
	if p.cfg.producer.compression.codec == 0 {
		return payload, false
	}
	codec := p.t.negotiatedCodec()
	if codec.codec == 0 {
		codec = Lz4Compression()
	}

	p.compMu.Lock()
	if p.comp == nil || p.compOver != codec {
		comp, err := newCompressor(codec)
		if err != nil {
			p.compMu.Unlock()
			return payload, false
		}
		p.comp, p.compOver = comp, codec
	}
	comp := p.comp
	p.compMu.Unlock()

	return comp.compress(payload)
}

// Flush forces emission of every partial batch and waits for every
// outstanding acknowledgement.
func (p *Producer) Flush(ctx context.Context) error {
	p.mu.Lock()
	for _, tb := range p.topics {
		p.flushTopicLocked(tb)
	}
	if p.outstanding == 0 {
		p.mu.Unlock()
		return nil
	}
	if p.flushDone == nil {
		p.flushDone = make(chan struct{})
	}
	done := p.flushDone
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes, then drains the transport to closed. The producer is
// unusable afterward.
func (p *Producer) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	err := p.Flush(ctx)

	p.mu.Lock()
	p.closed = true
	close(p.closedCh)
	p.mu.Unlock()

	p.t.close()
	return err
}

func (p *Producer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
