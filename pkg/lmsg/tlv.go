package lmsg

import (
	"fmt"

	"github.com/lancewire/lwp-go/pkg/lbin"
)

// RecordType identifies the shape of a TLV record's value.
type RecordType uint8

const (
	TypeRawData        RecordType = 0x01
	TypeJSON           RecordType = 0x02
	TypeMessagePack    RecordType = 0x03
	TypeProtobuf       RecordType = 0x04
	TypeAvro           RecordType = 0x05
	TypeKeyValue       RecordType = 0x10
	TypeTimestamped    RecordType = 0x11
	TypeKeyTimestamped RecordType = 0x12
	TypeNull           RecordType = 0xFF
)

// recordOverhead is the TLV header: type u8 + length u32.
const recordOverhead = 5

// Record is one TLV record: a type byte, a u32 length, and length value
// bytes. Records are packed contiguously with no alignment or padding.
//
// Unknown types in the extension range decode as-is with their raw type
// code preserved, so unrecognized records pass through untouched.
type Record struct {
	Type  RecordType
	Value []byte
}

// WireSize returns the encoded size of the record.
func (r *Record) WireSize() int { return recordOverhead + len(r.Value) }

// RawRecord returns a RawData record wrapping data.
func RawRecord(data []byte) Record { return Record{Type: TypeRawData, Value: data} }

// JSONRecord returns a JSON record from already encoded JSON bytes.
func JSONRecord(data []byte) Record { return Record{Type: TypeJSON, Value: data} }

// NullRecord returns a Null (tombstone) record.
func NullRecord() Record { return Record{Type: TypeNull} }

// KeyValueRecord returns a KeyValue record: key_len u16 | key | value.
func KeyValueRecord(key string, value []byte) Record {
	v := make([]byte, 0, 2+len(key)+len(value))
	v = lbin.AppendString16(v, key)
	v = append(v, value...)
	return Record{Type: TypeKeyValue, Value: v}
}

// TimestampedRecord returns a Timestamped record: timestamp_ns u64 | value.
func TimestampedRecord(tsNs uint64, value []byte) Record {
	v := make([]byte, 0, 8+len(value))
	v = lbin.AppendUint64(v, tsNs)
	v = append(v, value...)
	return Record{Type: TypeTimestamped, Value: v}
}

// KeyTimestampedRecord returns a KeyTimestamped record:
// timestamp_ns u64 | key_len u16 | key | value.
func KeyTimestampedRecord(tsNs uint64, key string, value []byte) Record {
	v := make([]byte, 0, 10+len(key)+len(value))
	v = lbin.AppendUint64(v, tsNs)
	v = lbin.AppendString16(v, key)
	v = append(v, value...)
	return Record{Type: TypeKeyTimestamped, Value: v}
}

// KeyValue parses a KeyValue record into its key and value.
func (r *Record) KeyValue() (string, []byte, error) {
	rd := lbin.Reader{Src: r.Value}
	key := rd.String16()
	if !rd.Ok() {
		return "", nil, fmt.Errorf("%w: truncated key-value record", ErrInvalidFrame)
	}
	return key, rd.Remaining(), nil
}

// Timestamped parses a Timestamped record into its timestamp and value.
func (r *Record) Timestamped() (uint64, []byte, error) {
	rd := lbin.Reader{Src: r.Value}
	ts := rd.Uint64()
	if !rd.Ok() {
		return 0, nil, fmt.Errorf("%w: truncated timestamped record", ErrInvalidFrame)
	}
	return ts, rd.Remaining(), nil
}

// KeyTimestamped parses a KeyTimestamped record.
func (r *Record) KeyTimestamped() (uint64, string, []byte, error) {
	rd := lbin.Reader{Src: r.Value}
	ts := rd.Uint64()
	key := rd.String16()
	if !rd.Ok() {
		return 0, "", nil, fmt.Errorf("%w: truncated key-timestamped record", ErrInvalidFrame)
	}
	return ts, key, rd.Remaining(), nil
}

// AppendRecord appends the TLV encoding of r to dst.
func AppendRecord(dst []byte, r *Record) []byte {
	dst = lbin.AppendUint8(dst, uint8(r.Type))
	dst = lbin.AppendUint32(dst, uint32(len(r.Value)))
	return append(dst, r.Value...)
}

// AppendRecords appends the TLV encoding of every record to dst.
func AppendRecords(dst []byte, recs []Record) []byte {
	for i := range recs {
		dst = AppendRecord(dst, &recs[i])
	}
	return dst
}

// RecordsWireSize returns the total encoded size of recs.
func RecordsWireSize(recs []Record) int {
	var n int
	for i := range recs {
		n += recs[i].WireSize()
	}
	return n
}

// DecodeRecords parses a contiguous TLV payload.
//
// The records must exactly consume the buffer: a record length running past
// the end, or trailing bytes too short to hold another record, wrap
// ErrInvalidFrame. Record values alias the input buffer.
func DecodeRecords(payload []byte) ([]Record, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var recs []Record
	for len(payload) > 0 {
		if len(payload) < recordOverhead {
			return nil, fmt.Errorf("%w: %d trailing bytes after last tlv record", ErrInvalidFrame, len(payload))
		}
		r := lbin.Reader{Src: payload}
		typ := RecordType(r.Uint8())
		length := int(r.Uint32())
		value := r.Bytes(length)
		if !r.Ok() {
			return nil, fmt.Errorf("%w: tlv record length %d overruns buffer", ErrInvalidFrame, length)
		}
		recs = append(recs, Record{Type: typ, Value: value})
		payload = r.Remaining()
	}
	return recs, nil
}
