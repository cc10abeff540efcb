// Package lwp is a client for the Lance Wire Protocol (LWP) v1.0, the
// binary TCP streaming protocol spoken by the Lance event broker.
//
// The package provides three entry points layered on one shared transport
// core: Client for request/response and topic management, Producer for
// batched production with acknowledgement tracking, and Consumer for
// offset-managed pull consumption.
package lwp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lancewire/lwp-go/pkg/lmsg"
)

// Client is the low-level management client: topic operations, ping, and
// a raw request escape hatch. A Client owns one connection.
type Client struct {
	cfg cfg
	t   *transport

	mu     sync.Mutex
	closed bool
}

// NewClient returns a client for the configured broker. The connection is
// dialed in the background, with automatic retry; NewClient does not wait
// for it.
func NewClient(opts ...Opt) (*Client, error) {
	cfg := defaultCfg()
	for _, o := range opts {
		o.apply(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, t: newTransport(&cfg.client, lmsg.CapLz4)}, nil
}

// Close drains outstanding requests and closes the connection. The client
// is unusable afterward.
func (cl *Client) Close() {
	cl.mu.Lock()
	cl.closed = true
	cl.mu.Unlock()
	cl.t.close()
}

func (cl *Client) isClosed() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.closed
}

// Request issues a raw frame and waits for its paired response. A zero
// correlation id is replaced by the transport's next id; a nonzero one is
// sent as given.
func (cl *Client) Request(ctx context.Context, fr *lmsg.Frame) (lmsg.Frame, error) {
	if cl.isClosed() {
		return lmsg.Frame{}, ErrClientClosed
	}
	return cl.t.request(ctx, fr)
}

// Ping round-trips a PING through the broker.
func (cl *Client) Ping(ctx context.Context) error {
	_, err := cl.Request(ctx, &lmsg.Frame{Header: lmsg.Header{Opcode: lmsg.OpPing}})
	return err
}

// TopicDetail is the broker's metadata for one topic. Retention fields
// are nil when the topic has no retention policy.
type TopicDetail struct {
	ID          uint64  `json:"id"`
	Name        string  `json:"name"`
	CreatedAtNs uint64  `json:"created_at_ns"`
	MaxAgeSecs  *uint64 `json:"max_age_secs,omitempty"`
	MaxBytes    *uint64 `json:"max_bytes,omitempty"`
}

// CreateTopic creates a topic with no retention policy.
func (cl *Client) CreateTopic(ctx context.Context, name string) (TopicDetail, error) {
	return cl.CreateTopicWithRetention(ctx, name, 0, 0)
}

// CreateTopicWithRetention creates a topic and sets its retention policy
// in one round trip. Zero maxAgeSecs and maxBytes means no policy.
func (cl *Client) CreateTopicWithRetention(ctx context.Context, name string, maxAgeSecs, maxBytes uint64) (TopicDetail, error) {
	req := lmsg.CreateTopicRequest{Name: name, MaxAgeSecs: maxAgeSecs, MaxBytes: maxBytes}
	fr := lmsg.Frame{
		Header:  lmsg.Header{Opcode: lmsg.OpCreateTopic},
		Payload: req.AppendTo(nil),
	}
	return cl.topicResponse(ctx, &fr)
}

// DeleteTopic deletes a topic by id.
func (cl *Client) DeleteTopic(ctx context.Context, topicID uint32) error {
	fr := lmsg.Frame{
		Header:  lmsg.Header{Opcode: lmsg.OpDeleteTopic, TopicID: topicID},
		Payload: lmsg.AppendTopicID(nil, topicID),
	}
	_, err := cl.Request(ctx, &fr)
	return err
}

// ListTopics returns metadata for every topic.
func (cl *Client) ListTopics(ctx context.Context) ([]TopicDetail, error) {
	fr := lmsg.Frame{Header: lmsg.Header{Opcode: lmsg.OpListTopics}}
	resp, err := cl.Request(ctx, &fr)
	if err != nil {
		return nil, err
	}
	if len(resp.Payload) == 0 {
		return nil, nil
	}
	var topics []TopicDetail
	if err := json.Unmarshal(resp.Payload, &topics); err != nil {
		return nil, fmt.Errorf("%w: topic list payload: %v", ErrInvalidFrame, err)
	}
	return topics, nil
}

// GetTopic returns metadata for one topic.
func (cl *Client) GetTopic(ctx context.Context, topicID uint32) (TopicDetail, error) {
	fr := lmsg.Frame{
		Header:  lmsg.Header{Opcode: lmsg.OpGetTopic, TopicID: topicID},
		Payload: lmsg.AppendTopicID(nil, topicID),
	}
	return cl.topicResponse(ctx, &fr)
}

// SetRetention updates a topic's retention policy; zero values clear it.
func (cl *Client) SetRetention(ctx context.Context, topicID uint32, maxAgeSecs, maxBytes uint64) (TopicDetail, error) {
	req := lmsg.SetRetentionRequest{TopicID: topicID, MaxAgeSecs: maxAgeSecs, MaxBytes: maxBytes}
	fr := lmsg.Frame{
		Header:  lmsg.Header{Opcode: lmsg.OpSetRetention, TopicID: topicID},
		Payload: req.AppendTo(nil),
	}
	return cl.topicResponse(ctx, &fr)
}

func (cl *Client) topicResponse(ctx context.Context, fr *lmsg.Frame) (TopicDetail, error) {
	var td TopicDetail
	resp, err := cl.Request(ctx, fr)
	if err != nil {
		return td, err
	}
	if len(resp.Payload) == 0 {
		return td, nil
	}
	if err := json.Unmarshal(resp.Payload, &td); err != nil {
		return td, fmt.Errorf("%w: topic payload: %v", ErrInvalidFrame, err)
	}
	return td, nil
}
