package lwp

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/lancewire/lwp-go/pkg/lmsg"
)

// Consumer is a standalone pull consumer: it owns a cursor
// (topic, next offset) and fetches from it, persisting the cursor through
// a pluggable OffsetStore. Offsets only move backward through an explicit
// Seek.
type Consumer struct {
	cfg   cfg
	t     *transport
	log   *wrappedLogger
	store OffsetStore

	topicID    uint32
	consumerID uint64

	mu            sync.Mutex
	nextOffset    uint64
	resolveEnd    bool // next fetch must resolve the tail offset first
	lastDelivered uint64
	haveDelivered bool
	closed        bool

	autoStop chan struct{}
	autoDone chan struct{}
}

// PollResult is one poll's worth of records plus the server's cursor
// bookkeeping.
type PollResult struct {
	// Records are the decoded TLV records.
	Records []lmsg.Record
	// Data is the raw (decompressed) TLV region the records alias.
	Data []byte

	StartOffset   uint64
	EndOffset     uint64
	HighWaterMark uint64
}

// Lag is the distance from this result's end to the server tail.
func (r *PollResult) Lag() uint64 {
	if r.HighWaterMark < r.EndOffset {
		return 0
	}
	return r.HighWaterMark - r.EndOffset
}

// NewConsumer returns a consumer for the configured topic. The stored
// offset (if any) wins over the configured start position.
func NewConsumer(opts ...Opt) (*Consumer, error) {
	cfg := defaultCfg()
	for _, o := range opts {
		o.apply(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.consumer.name == "" {
		return nil, errors.New("consumer name cannot be empty")
	}

	store := cfg.consumer.offsetStore
	if store == nil {
		if cfg.consumer.offsetDir != "" {
			fs, err := NewFileOffsetStore(cfg.consumer.offsetDir)
			if err != nil {
				return nil, err
			}
			store = fs
		} else {
			store = NewMemoryOffsetStore()
		}
	}

	h := fnv.New64a()
	h.Write([]byte(cfg.consumer.name))

	c := &Consumer{
		cfg:        cfg,
		t:          newTransport(&cfg.client, lmsg.CapLz4),
		store:      store,
		topicID:    cfg.consumer.topicID,
		consumerID: h.Sum64(),
		autoStop:   make(chan struct{}),
		autoDone:   make(chan struct{}),
	}
	c.log = c.t.log

	off, ok, err := store.Load(cfg.consumer.name, c.topicID)
	switch {
	case err != nil:
		c.t.close()
		return nil, fmt.Errorf("loading stored offset: %w", err)
	case ok:
		c.nextOffset = off
	default:
		switch cfg.consumer.start.kind {
		case 1: // end
			c.resolveEnd = true
		case 2:
			c.nextOffset = cfg.consumer.start.at
		}
	}

	go c.autoCommitLoop()
	return c, nil
}

// Offset returns the cursor's next fetch offset.
func (c *Consumer) Offset() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextOffset
}

// Poll fetches the next run of records, waiting up to the poll timeout
// for data to appear. It returns nil when the topic had nothing new.
func (c *Consumer) Poll(ctx context.Context) (*PollResult, error) {
	deadline := time.Now().Add(c.cfg.consumer.pollTimeout)
	for {
		res, err := c.fetchOnce(ctx)
		if err != nil {
			// The transport reconnects on its own and the cursor did
			// not move; keep fetching until the poll window closes.
			if errors.Is(err, ErrConnectionClosed) {
				err = nil
			} else {
				return nil, err
			}
		}
		if res != nil {
			return res, nil
		}
		if !time.Now().Add(c.cfg.consumer.pollInterval).Before(deadline) {
			return nil, nil
		}
		select {
		case <-time.After(c.cfg.consumer.pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Consumer) fetchOnce(ctx context.Context) (*PollResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	resolveEnd := c.resolveEnd
	offset := c.nextOffset
	c.mu.Unlock()

	if resolveEnd {
		tail, err := c.SeekToEnd(ctx)
		if err != nil {
			return nil, err
		}
		offset = tail
	}

	req := lmsg.FetchRequest{
		TopicID:  c.topicID,
		Offset:   offset,
		MaxBytes: c.cfg.consumer.maxFetchBytes,
	}
	fr := lmsg.Frame{
		Header: lmsg.Header{
			Opcode:  lmsg.OpFetch,
			TopicID: c.topicID,
			Offset:  offset,
		},
		Payload: req.AppendTo(nil),
	}
	resp, err := c.t.request(ctx, &fr)
	if err != nil {
		return nil, err
	}
	if resp.Opcode != lmsg.OpFetchResp {
		return nil, fmt.Errorf("%w: expected FETCH_RESP, got %v", ErrInvalidFrame, resp.Opcode)
	}

	fetch, err := lmsg.DecodeFetchResponse(resp.Payload)
	if err != nil {
		return nil, err
	}
	data := fetch.Data
	if resp.Flags.Has(lmsg.FlagCompressed) {
		dataFrame := lmsg.Frame{Header: resp.Header, Payload: data}
		if data, err = c.t.decompressPayload(&dataFrame); err != nil {
			return nil, err
		}
	}
	if len(data) == 0 {
		return nil, nil
	}

	records, err := lmsg.DecodeRecords(data)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// A concurrent Seek wins over this fetch's bookkeeping.
	if !c.resolveEnd && c.nextOffset == offset {
		c.nextOffset = fetch.EndOffset
		c.lastDelivered = fetch.EndOffset
		c.haveDelivered = true
	}
	c.mu.Unlock()

	return &PollResult{
		Records:       records,
		Data:          data,
		StartOffset:   fetch.StartOffset,
		EndOffset:     fetch.EndOffset,
		HighWaterMark: fetch.HighWaterMark,
	}, nil
}

// Seek moves the cursor to an absolute byte offset, discarding anything
// unconsumed.
func (c *Consumer) Seek(offset uint64) {
	c.mu.Lock()
	c.nextOffset = offset
	c.resolveEnd = false
	c.mu.Unlock()
	c.log.Log(LogLevelInfo, "seek", "topic", c.topicID, "offset", offset)
}

// SeekToBeginning moves the cursor to offset 0.
func (c *Consumer) SeekToBeginning() { c.Seek(0) }

// Rewind is SeekToBeginning under its historical name.
func (c *Consumer) Rewind() { c.Seek(0) }

// SeekToEnd asks the broker for the topic's tail offset and moves the
// cursor there, returning the tail.
func (c *Consumer) SeekToEnd(ctx context.Context) (uint64, error) {
	fr := lmsg.Frame{Header: lmsg.Header{Opcode: lmsg.OpSeekEnd, TopicID: c.topicID}}
	resp, err := c.t.request(ctx, &fr)
	if err != nil {
		return 0, err
	}
	c.Seek(resp.Offset)
	return resp.Offset, nil
}

// Commit persists the last delivered offset locally through the offset
// store. It does not contact the broker; see CommitOffset for that.
func (c *Consumer) Commit() error {
	c.mu.Lock()
	off, have := c.lastDelivered, c.haveDelivered
	c.mu.Unlock()
	if !have {
		return nil
	}
	return c.store.Store(c.cfg.consumer.name, c.topicID, off)
}

// CommitOffset persists the last delivered offset locally and also
// records it on the broker with a COMMIT round trip, for deployments
// using server side offset tracking.
func (c *Consumer) CommitOffset(ctx context.Context) error {
	c.mu.Lock()
	off, have := c.lastDelivered, c.haveDelivered
	c.mu.Unlock()
	if !have {
		return nil
	}
	if err := c.store.Store(c.cfg.consumer.name, c.topicID, off); err != nil {
		return err
	}

	req := lmsg.CommitRequest{TopicID: c.topicID, ConsumerID: c.consumerID, Offset: off}
	fr := lmsg.Frame{
		Header:  lmsg.Header{Opcode: lmsg.OpCommit, TopicID: c.topicID, Offset: off},
		Payload: req.AppendTo(nil),
	}
	_, err := c.t.request(ctx, &fr)
	return err
}

// Subscribe registers the consumer with the broker for server side offset
// tracking, starting from the cursor's current offset.
func (c *Consumer) Subscribe(ctx context.Context) error {
	req := lmsg.SubscribeRequest{
		TopicID:       c.topicID,
		StartOffset:   c.Offset(),
		MaxBatchBytes: c.cfg.consumer.maxFetchBytes,
		ConsumerID:    c.consumerID,
	}
	fr := lmsg.Frame{
		Header:  lmsg.Header{Opcode: lmsg.OpSubscribe, TopicID: c.topicID},
		Payload: req.AppendTo(nil),
	}
	_, err := c.t.request(ctx, &fr)
	return err
}

// Unsubscribe removes the consumer's broker side registration.
func (c *Consumer) Unsubscribe(ctx context.Context) error {
	req := lmsg.UnsubscribeRequest{TopicID: c.topicID, ConsumerID: c.consumerID}
	fr := lmsg.Frame{
		Header:  lmsg.Header{Opcode: lmsg.OpUnsubscribe, TopicID: c.topicID},
		Payload: req.AppendTo(nil),
	}
	_, err := c.t.request(ctx, &fr)
	return err
}

func (c *Consumer) autoCommitLoop() {
	defer close(c.autoDone)
	interval := c.cfg.consumer.autoCommitInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.autoStop:
			return
		case <-ticker.C:
			if err := c.Commit(); err != nil {
				c.log.Log(LogLevelWarn, "auto commit failed", "err", err)
			}
		}
	}
}

// Close commits the cursor one final time, then closes the connection.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.autoStop)
	<-c.autoDone
	err := c.Commit()
	c.t.close()
	return err
}
