package lwp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/lancewire/lwp-go/pkg/lmsg"
)

// Opt is an option to configure a client, producer, or consumer.
type Opt interface {
	apply(*cfg)
}

type opt struct{ fn func(*cfg) }

func (o opt) apply(cfg *cfg) { o.fn(cfg) }

type cfg struct {
	client   clientCfg
	producer producerCfg
	consumer consumerCfg
}

type clientCfg struct {
	addr   string
	dialFn func(context.Context, string) (net.Conn, error)
	tlsCfg *tls.Config

	connectTimeout time.Duration
	requestTimeout time.Duration

	// Keepalive: after keepaliveIdle without an inbound frame the client
	// sends PING; no PONG within keepaliveWait is a miss and tears the
	// connection down.
	keepaliveIdle time.Duration
	keepaliveWait time.Duration

	autoReconnect bool
	maxReconnects int // 0 is unbounded
	backoffBase   time.Duration
	backoffMax    time.Duration

	backpressureGrace time.Duration
	writeQueueLen     int
	maxPayload        uint32

	logger Logger
}

type producerCfg struct {
	batchSize      int
	linger         time.Duration
	compression    CompressionCodec
	maxPendingAcks int
}

type consumerCfg struct {
	name               string
	topicID            uint32
	maxFetchBytes      uint32
	start              StartPosition
	offsetDir          string
	offsetStore        OffsetStore
	autoCommitInterval time.Duration
	pollTimeout        time.Duration
	pollInterval       time.Duration
}

func defaultCfg() cfg {
	return cfg{
		client: clientCfg{
			addr: fmt.Sprintf("127.0.0.1:%d", lmsg.DefaultPort),

			connectTimeout: 10 * time.Second,
			requestTimeout: 30 * time.Second,

			keepaliveIdle: 30 * time.Second,
			keepaliveWait: 5 * time.Second,

			autoReconnect: true,
			backoffBase:   100 * time.Millisecond,
			backoffMax:    30 * time.Second,

			backpressureGrace: 10 * time.Second,
			writeQueueLen:     128,
			maxPayload:        lmsg.MaxPayload,

			logger: new(nopLogger),
		},
		producer: producerCfg{
			batchSize:      32 << 10,
			linger:         5 * time.Millisecond,
			compression:    NoCompression(),
			maxPendingAcks: 64,
		},
		consumer: consumerCfg{
			maxFetchBytes:      64 << 10,
			start:              AtBeginning(),
			autoCommitInterval: 5 * time.Second,
			pollTimeout:        5 * time.Second,
			pollInterval:       50 * time.Millisecond,
		},
	}
}

func (c *cfg) validate() error {
	if c.client.addr == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if c.producer.batchSize <= 0 {
		return fmt.Errorf("batch size %d must be positive", c.producer.batchSize)
	}
	if c.producer.maxPendingAcks <= 0 {
		return fmt.Errorf("max pending acks %d must be positive", c.producer.maxPendingAcks)
	}
	if c.consumer.maxFetchBytes == 0 || c.consumer.maxFetchBytes > c.client.maxPayload {
		return fmt.Errorf("max fetch bytes %d must be in (0, %d]", c.consumer.maxFetchBytes, c.client.maxPayload)
	}
	if c.client.writeQueueLen <= 0 {
		return fmt.Errorf("write queue length %d must be positive", c.client.writeQueueLen)
	}
	return nil
}

// StartPosition determines where a consumer with no stored offset begins.
type StartPosition struct {
	kind int8 // 0: beginning, 1: end, 2: explicit offset
	at   uint64
}

// AtBeginning starts consuming from offset 0.
func AtBeginning() StartPosition { return StartPosition{kind: 0} }

// AtEnd resolves the topic's tail offset on first use and starts there.
func AtEnd() StartPosition { return StartPosition{kind: 1} }

// AtOffset starts consuming from the given byte offset.
func AtOffset(offset uint64) StartPosition { return StartPosition{kind: 2, at: offset} }

// ********** CLIENT CONFIGURATION **********

// WithAddress sets the broker "host:port" address, overriding the default
// 127.0.0.1:1992.
func WithAddress(addr string) Opt {
	return opt{func(cfg *cfg) { cfg.client.addr = addr }}
}

// WithDialFn uses fn to dial the broker, overriding the default dialer
// that uses the connect timeout and the configured TLS config (if any).
func WithDialFn(fn func(context.Context, string) (net.Conn, error)) Opt {
	return opt{func(cfg *cfg) { cfg.client.dialFn = fn }}
}

// WithTLSConfig wraps the broker connection in TLS using the given
// config. The config is consumed as-is; this client never constructs one.
func WithTLSConfig(tc *tls.Config) Opt {
	return opt{func(cfg *cfg) { cfg.client.tlsCfg = tc }}
}

// WithConnectTimeout bounds each TCP connect attempt, overriding the
// default 10s.
func WithConnectTimeout(d time.Duration) Opt {
	return opt{func(cfg *cfg) { cfg.client.connectTimeout = d }}
}

// WithRequestTimeout bounds every request awaiting its response,
// overriding the default 30s. This is also how long Close waits for
// outstanding responses while draining.
func WithRequestTimeout(d time.Duration) Opt {
	return opt{func(cfg *cfg) { cfg.client.requestTimeout = d }}
}

// WithoutAutoReconnect disables automatic reconnection: any transport
// error or keepalive miss moves the connection directly to closed.
func WithoutAutoReconnect() Opt {
	return opt{func(cfg *cfg) { cfg.client.autoReconnect = false }}
}

// WithMaxReconnects caps consecutive failed reconnect attempts before the
// connection is abandoned, overriding the default of unbounded attempts
// with capped backoff.
func WithMaxReconnects(n int) Opt {
	return opt{func(cfg *cfg) { cfg.client.maxReconnects = n }}
}

// WithLogger sets the logger, overriding the default of no logging.
func WithLogger(l Logger) Opt {
	return opt{func(cfg *cfg) { cfg.client.logger = l }}
}

// ********** PRODUCER CONFIGURATION **********

// WithBatchSize sets the byte threshold at which a pending batch is
// flushed to the wire, overriding the default 32 KiB.
func WithBatchSize(bytes int) Opt {
	return opt{func(cfg *cfg) { cfg.producer.batchSize = bytes }}
}

// WithLinger sets how long a pending batch waits for more records after
// its first append before flushing, overriding the default 5ms. A zero
// linger flushes every append immediately.
func WithLinger(d time.Duration) Opt {
	return opt{func(cfg *cfg) { cfg.producer.linger = d }}
}

// WithCompression compresses produce payloads with the given codec when
// doing so shrinks them. The codec is advertised during the HELLO
// capability exchange.
func WithCompression(codec CompressionCodec) Opt {
	return opt{func(cfg *cfg) { cfg.producer.compression = codec }}
}

// WithMaxPendingAcks bounds how many produced batches may be awaiting
// acknowledgement at once, overriding the default 64. Send blocks for a
// free slot; SendAsync fails with ErrBackpressure instead.
func WithMaxPendingAcks(n int) Opt {
	return opt{func(cfg *cfg) { cfg.producer.maxPendingAcks = n }}
}

// ********** CONSUMER CONFIGURATION **********

// WithConsumerName names the consumer; the name keys persisted offsets
// and derives the consumer id used for server side registration.
func WithConsumerName(name string) Opt {
	return opt{func(cfg *cfg) { cfg.consumer.name = name }}
}

// WithConsumeTopic sets the topic id the consumer reads.
func WithConsumeTopic(topicID uint32) Opt {
	return opt{func(cfg *cfg) { cfg.consumer.topicID = topicID }}
}

// WithMaxFetchBytes bounds the data returned by one fetch, overriding the
// default 64 KiB.
func WithMaxFetchBytes(bytes uint32) Opt {
	return opt{func(cfg *cfg) { cfg.consumer.maxFetchBytes = bytes }}
}

// WithStartPosition sets where consumption begins when no offset is
// stored, overriding the default of the beginning.
func WithStartPosition(pos StartPosition) Opt {
	return opt{func(cfg *cfg) { cfg.consumer.start = pos }}
}

// WithOffsetDir persists offsets to one file per consumer/topic pair in
// dir, using a FileOffsetStore.
func WithOffsetDir(dir string) Opt {
	return opt{func(cfg *cfg) { cfg.consumer.offsetDir = dir }}
}

// WithOffsetStore sets the offset persistence backend directly, taking
// precedence over WithOffsetDir.
func WithOffsetStore(store OffsetStore) Opt {
	return opt{func(cfg *cfg) { cfg.consumer.offsetStore = store }}
}

// WithAutoCommitInterval sets how often the last delivered offset is
// persisted automatically, overriding the default 5s. A zero interval
// disables auto-commit.
func WithAutoCommitInterval(d time.Duration) Opt {
	return opt{func(cfg *cfg) { cfg.consumer.autoCommitInterval = d }}
}

// WithPollTimeout bounds how long Poll waits for records before returning
// nothing, overriding the default 5s.
func WithPollTimeout(d time.Duration) Opt {
	return opt{func(cfg *cfg) { cfg.consumer.pollTimeout = d }}
}
