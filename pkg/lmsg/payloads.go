package lmsg

import (
	"fmt"

	"github.com/lancewire/lwp-go/pkg/lbin"
)

// Capability bits advertised in HELLO and selected in HELLO_ACK.
const (
	CapLz4    uint32 = 1 << iota // always advertised; the protocol default
	CapGzip                      // optional codecs follow
	CapSnappy
	CapZstd
)

// HelloRequest is the client half of the connection handshake.
type HelloRequest struct {
	Version      uint8
	Capabilities uint32
	InstanceID   string
}

// AppendTo appends the HELLO payload encoding to dst.
func (h *HelloRequest) AppendTo(dst []byte) []byte {
	dst = lbin.AppendUint8(dst, h.Version)
	dst = lbin.AppendUint32(dst, h.Capabilities)
	return lbin.AppendString16(dst, h.InstanceID)
}

// HelloAck is the server half of the connection handshake; Capabilities
// holds the bits the server selected from the client's advertisement.
type HelloAck struct {
	Version      uint8
	Capabilities uint32
}

// DecodeHelloAck parses a HELLO_ACK payload.
func DecodeHelloAck(payload []byte) (HelloAck, error) {
	var a HelloAck
	r := lbin.Reader{Src: payload}
	a.Version = r.Uint8()
	a.Capabilities = r.Uint32()
	if !r.Ok() {
		return a, fmt.Errorf("%w: truncated hello ack", ErrInvalidFrame)
	}
	return a, nil
}

// FetchRequest asks for up to MaxBytes of records starting at Offset.
type FetchRequest struct {
	TopicID  uint32
	Offset   uint64
	MaxBytes uint32
}

// AppendTo appends the FETCH payload encoding to dst.
func (f *FetchRequest) AppendTo(dst []byte) []byte {
	dst = lbin.AppendUint32(dst, f.TopicID)
	dst = lbin.AppendUint64(dst, f.Offset)
	return lbin.AppendUint32(dst, f.MaxBytes)
}

// FetchResponse is a parsed FETCH_RESP payload. Data holds the raw TLV
// region (still compressed if the frame was compressed).
type FetchResponse struct {
	StartOffset   uint64
	EndOffset     uint64
	HighWaterMark uint64
	Data          []byte
}

// Lag is the distance from the response's end to the server tail.
func (f *FetchResponse) Lag() uint64 {
	if f.HighWaterMark < f.EndOffset {
		return 0
	}
	return f.HighWaterMark - f.EndOffset
}

// DecodeFetchResponse parses a FETCH_RESP payload. An empty payload is a
// valid empty fetch.
func DecodeFetchResponse(payload []byte) (FetchResponse, error) {
	var f FetchResponse
	if len(payload) == 0 {
		return f, nil
	}
	r := lbin.Reader{Src: payload}
	f.StartOffset = r.Uint64()
	f.EndOffset = r.Uint64()
	f.HighWaterMark = r.Uint64()
	if !r.Ok() {
		return f, fmt.Errorf("%w: truncated fetch response", ErrInvalidFrame)
	}
	f.Data = r.Remaining()
	return f, nil
}

// CommitRequest persists a consumer's offset on the server.
type CommitRequest struct {
	TopicID    uint32
	ConsumerID uint64
	Offset     uint64
}

// AppendTo appends the COMMIT payload encoding to dst.
func (c *CommitRequest) AppendTo(dst []byte) []byte {
	dst = lbin.AppendUint32(dst, c.TopicID)
	dst = lbin.AppendUint64(dst, c.ConsumerID)
	return lbin.AppendUint64(dst, c.Offset)
}

// SubscribeRequest registers a consumer for server side offset tracking.
type SubscribeRequest struct {
	TopicID       uint32
	StartOffset   uint64
	MaxBatchBytes uint32
	ConsumerID    uint64
}

// AppendTo appends the SUBSCRIBE payload encoding to dst.
func (s *SubscribeRequest) AppendTo(dst []byte) []byte {
	dst = lbin.AppendUint32(dst, s.TopicID)
	dst = lbin.AppendUint64(dst, s.StartOffset)
	dst = lbin.AppendUint32(dst, s.MaxBatchBytes)
	return lbin.AppendUint64(dst, s.ConsumerID)
}

// UnsubscribeRequest removes a consumer registration.
type UnsubscribeRequest struct {
	TopicID    uint32
	ConsumerID uint64
}

// AppendTo appends the UNSUBSCRIBE payload encoding to dst.
func (u *UnsubscribeRequest) AppendTo(dst []byte) []byte {
	dst = lbin.AppendUint32(dst, u.TopicID)
	return lbin.AppendUint64(dst, u.ConsumerID)
}

// AppendTopicID appends the bare topic id payload used by DELETE_TOPIC and
// GET_TOPIC.
func AppendTopicID(dst []byte, topicID uint32) []byte {
	return lbin.AppendUint32(dst, topicID)
}

// CreateTopicRequest creates a topic, optionally with a retention policy
// in the same round trip. A zero MaxAgeSecs and MaxBytes means no policy.
type CreateTopicRequest struct {
	Name       string
	MaxAgeSecs uint64
	MaxBytes   uint64
}

// AppendTo appends the CREATE_TOPIC payload encoding to dst.
func (c *CreateTopicRequest) AppendTo(dst []byte) []byte {
	dst = lbin.AppendString16(dst, c.Name)
	dst = lbin.AppendUint64(dst, c.MaxAgeSecs)
	return lbin.AppendUint64(dst, c.MaxBytes)
}

// SetRetentionRequest updates a topic's retention policy.
type SetRetentionRequest struct {
	TopicID    uint32
	MaxAgeSecs uint64
	MaxBytes   uint64
}

// AppendTo appends the SET_RETENTION payload encoding to dst.
func (s *SetRetentionRequest) AppendTo(dst []byte) []byte {
	dst = lbin.AppendUint32(dst, s.TopicID)
	dst = lbin.AppendUint64(dst, s.MaxAgeSecs)
	return lbin.AppendUint64(dst, s.MaxBytes)
}

// ErrorPayload is a parsed ERROR response payload: a u16 code, a UTF-8
// reason, and an optional code specific detail (the leader address for
// NotLeader, a u64 server offset for ServerCatchingUp).
type ErrorPayload struct {
	Code   uint16
	Reason string
	Detail []byte
}

// DecodeErrorPayload parses an ERROR payload.
func DecodeErrorPayload(payload []byte) (ErrorPayload, error) {
	var e ErrorPayload
	r := lbin.Reader{Src: payload}
	e.Code = r.Uint16()
	e.Reason = r.String16()
	if !r.Ok() {
		return e, fmt.Errorf("%w: truncated error payload", ErrInvalidFrame)
	}
	e.Detail = r.Remaining()
	return e, nil
}

// AppendTo appends the ERROR payload encoding to dst. Clients never send
// errors; this exists for test brokers.
func (e *ErrorPayload) AppendTo(dst []byte) []byte {
	dst = lbin.AppendUint16(dst, e.Code)
	dst = lbin.AppendString16(dst, e.Reason)
	return append(dst, e.Detail...)
}
