// Package lerr contains Lance broker errors.
//
// ERROR responses carry a u16 code and a UTF-8 reason; this package maps
// every code the broker can send to a typed error with a retryability
// flag. Since the package is dedicated to errors and is named "lerr", all
// errors elide the standard "Err" prefix.
package lerr

import (
	"errors"
	"fmt"

	"github.com/lancewire/lwp-go/pkg/lbin"
)

// Error is a Lance broker error.
type Error struct {
	// Message is the string form of the broker error code
	// (TOPIC_NOT_FOUND, etc).
	Message string
	// Code is the broker error code.
	Code uint16
	// Retriable is whether the error is considered retriable.
	Retriable bool
}

func (e *Error) Error() string { return e.Message }

var (
	UnknownServerError     = &Error{"UNKNOWN_SERVER_ERROR", 0x01, false}
	InvalidMagic           = &Error{"INVALID_MAGIC", 0x02, false}
	PayloadTooLarge        = &Error{"PAYLOAD_TOO_LARGE", 0x03, false}
	InvalidPayload         = &Error{"INVALID_PAYLOAD", 0x04, false}
	CrcMismatch            = &Error{"CRC_MISMATCH", 0x05, false}
	VersionMismatch        = &Error{"VERSION_MISMATCH", 0x06, false}
	InvalidArgument        = &Error{"INVALID_ARGUMENT", 0x07, false}
	TopicNotFound          = &Error{"TOPIC_NOT_FOUND", 0x10, false}
	TopicAlreadyExists     = &Error{"TOPIC_ALREADY_EXISTS", 0x11, false}
	InvalidTopicName       = &Error{"INVALID_TOPIC_NAME", 0x12, false}
	TopicDeleted           = &Error{"TOPIC_DELETED", 0x13, false}
	NotLeader              = &Error{"NOT_LEADER", 0x20, true}
	ServerCatchingUp       = &Error{"SERVER_CATCHING_UP", 0x21, true}
	RateLimited            = &Error{"RATE_LIMITED", 0x30, true}
	Backpressure           = &Error{"BACKPRESSURE", 0x31, true}
	AuthenticationRequired = &Error{"AUTHENTICATION_REQUIRED", 0x40, false}
	AuthenticationFailed   = &Error{"AUTHENTICATION_FAILED", 0x41, false}
	AccessDenied           = &Error{"ACCESS_DENIED", 0x42, false}
	InvalidOffset          = &Error{"INVALID_OFFSET", 0x50, false}
	OffsetOutOfRange       = &Error{"OFFSET_OUT_OF_RANGE", 0x51, false}
	InternalError          = &Error{"INTERNAL_ERROR", 0x60, false}
	StorageError           = &Error{"STORAGE_ERROR", 0x61, false}
	RequestTimedOut        = &Error{"REQUEST_TIMED_OUT", 0x62, true}
)

var code2err = map[uint16]*Error{
	0x01: UnknownServerError,
	0x02: InvalidMagic,
	0x03: PayloadTooLarge,
	0x04: InvalidPayload,
	0x05: CrcMismatch,
	0x06: VersionMismatch,
	0x07: InvalidArgument,
	0x10: TopicNotFound,
	0x11: TopicAlreadyExists,
	0x12: InvalidTopicName,
	0x13: TopicDeleted,
	0x20: NotLeader,
	0x21: ServerCatchingUp,
	0x30: RateLimited,
	0x31: Backpressure,
	0x40: AuthenticationRequired,
	0x41: AuthenticationFailed,
	0x42: AccessDenied,
	0x50: InvalidOffset,
	0x51: OffsetOutOfRange,
	0x60: InternalError,
	0x61: StorageError,
	0x62: RequestTimedOut,
}

// ErrorForCode returns the error corresponding to the given code. If the
// code is unknown, this returns UnknownServerError; if the code is 0, this
// returns nil.
func ErrorForCode(code uint16) error {
	if code == 0 {
		return nil
	}
	if err, exists := code2err[code]; exists {
		return err
	}
	return UnknownServerError
}

// IsRetriable returns whether a broker error is retriable.
func IsRetriable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retriable
}

// NotLeaderError is the NotLeader code plus the redirect hint the broker
// attaches: the current leader as a "host:port" string.
type NotLeaderError struct {
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderAddr == "" {
		return NotLeader.Message
	}
	return fmt.Sprintf("%s: leader is %s", NotLeader.Message, e.LeaderAddr)
}

// Unwrap ties the redirect to the NotLeader code for errors.Is checks.
func (e *NotLeaderError) Unwrap() error { return NotLeader }

// CatchingUpError is the ServerCatchingUp code plus the broker's current
// replication offset; callers should back off roughly five seconds before
// retrying.
type CatchingUpError struct {
	ServerOffset uint64
}

func (e *CatchingUpError) Error() string {
	return fmt.Sprintf("%s: server at offset %d", ServerCatchingUp.Message, e.ServerOffset)
}

// Unwrap ties the hint to the ServerCatchingUp code for errors.Is checks.
func (e *CatchingUpError) Unwrap() error { return ServerCatchingUp }

// ErrorForResponse builds the error for a decoded ERROR payload, attaching
// the code specific detail for the codes that carry one.
func ErrorForResponse(code uint16, reason string, detail []byte) error {
	base := ErrorForCode(code)
	switch base {
	case nil:
		return nil
	case NotLeader:
		return &NotLeaderError{LeaderAddr: string(detail)}
	case ServerCatchingUp:
		r := lbin.Reader{Src: detail}
		off := r.Uint64()
		return &CatchingUpError{ServerOffset: off}
	}
	if reason != "" && reason != base.(*Error).Message {
		return fmt.Errorf("%w: %s", base, reason)
	}
	return base
}
