package wal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/INLOpen/nexusdup/core"
)

// ErrMalformedMutation is returned when a record payload cannot be decoded.
var ErrMalformedMutation = errors.New("malformed mutation payload")

// EncodeMutation appends the binary encoding of m to buf and returns the
// extended slice.
// Layout: ballot i64 | decree i64 | app i32 | index i32 | last committed i64 |
// timestamp u64 | update count uvarint | { code u32 | len uvarint | payload }*
func EncodeMutation(buf []byte, m *core.Mutation) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.Ballot))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.Decree))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(m.Partition.AppID))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(m.Partition.PartitionIndex))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.LastCommittedDecree))
	buf = binary.LittleEndian.AppendUint64(buf, m.Timestamp)
	buf = binary.AppendUvarint(buf, uint64(len(m.Updates)))
	for _, u := range m.Updates {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(u.Code))
		buf = binary.AppendUvarint(buf, uint64(len(u.Payload)))
		buf = append(buf, u.Payload...)
	}
	return buf
}

// DecodeMutation decodes a payload produced by EncodeMutation. The returned
// mutation does not alias data.
func DecodeMutation(data []byte) (*core.Mutation, error) {
	const fixed = 8 + 8 + 4 + 4 + 8 + 8
	if len(data) < fixed {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the fixed header", ErrMalformedMutation, len(data))
	}
	m := &core.Mutation{
		Ballot: int64(binary.LittleEndian.Uint64(data[0:])),
		Decree: int64(binary.LittleEndian.Uint64(data[8:])),
		Partition: core.PartitionID{
			AppID:          int32(binary.LittleEndian.Uint32(data[16:])),
			PartitionIndex: int32(binary.LittleEndian.Uint32(data[20:])),
		},
		LastCommittedDecree: int64(binary.LittleEndian.Uint64(data[24:])),
		Timestamp:           binary.LittleEndian.Uint64(data[32:]),
	}
	rest := data[fixed:]

	count, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, fmt.Errorf("%w: bad update count", ErrMalformedMutation)
	}
	rest = rest[n:]
	if count > uint64(len(rest)) {
		return nil, fmt.Errorf("%w: update count %d exceeds payload", ErrMalformedMutation, count)
	}
	if count > 0 {
		m.Updates = make([]core.MutationUpdate, 0, count)
	}
	for i := uint64(0); i < count; i++ {
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: update %d truncated", ErrMalformedMutation, i)
		}
		code := core.OpCode(binary.LittleEndian.Uint32(rest))
		rest = rest[4:]
		size, n := binary.Uvarint(rest)
		if n <= 0 || size > uint64(len(rest)-n) {
			return nil, fmt.Errorf("%w: update %d payload truncated", ErrMalformedMutation, i)
		}
		rest = rest[n:]
		payload := make([]byte, size)
		copy(payload, rest[:size])
		rest = rest[size:]
		m.Updates = append(m.Updates, core.MutationUpdate{Code: code, Payload: payload})
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedMutation, len(rest))
	}
	return m, nil
}
