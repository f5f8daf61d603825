package core

import (
	"encoding/binary"
	"fmt"
)

// Decree is the strictly increasing sequence number that totally orders the
// committed mutations of one partition.
type Decree = int64

// Ballot is the leadership term under which a mutation was produced.
type Ballot = int64

// InvalidDecree marks "no decree yet".
const InvalidDecree Decree = 0

// PartitionID identifies one replica group: the table (app) and the partition
// index inside it.
type PartitionID struct {
	AppID          int32
	PartitionIndex int32
}

func (p PartitionID) String() string {
	return fmt.Sprintf("%d.%d", p.AppID, p.PartitionIndex)
}

// OpCode identifies the kind of write carried by a MutationUpdate.
type OpCode uint32

// OpCodeEmpty is written by the primary to advance the commit point without
// carrying any client data. Such updates are never duplicated.
const OpCodeEmpty OpCode = 0

// MutationUpdate is one client write inside a mutation.
type MutationUpdate struct {
	Code    OpCode
	Payload []byte
}

// Mutation is the atomic, ordered unit of replicated state. It is appended to
// the log exactly once and never modified afterwards.
type Mutation struct {
	Ballot              Ballot
	Decree              Decree
	Partition           PartitionID
	LastCommittedDecree Decree
	// Timestamp is the producer assigned write time in microseconds.
	Timestamp uint64
	Updates   []MutationUpdate
}

// IsEmpty reports whether the mutation carries no client data, i.e. it is a
// heartbeat/no-op entry.
func (m *Mutation) IsEmpty() bool {
	for _, u := range m.Updates {
		if u.Code != OpCodeEmpty {
			return false
		}
	}
	return true
}

// mutationFixedSize is ballot, decree, app id, partition index, last committed
// decree and timestamp.
const mutationFixedSize = 8 + 8 + 4 + 4 + 8 + 8

// EncodedSize returns the number of bytes the mutation occupies once encoded.
func (m *Mutation) EncodedSize() int {
	n := mutationFixedSize + uvarintLen(uint64(len(m.Updates)))
	for _, u := range m.Updates {
		n += 4 + uvarintLen(uint64(len(u.Payload))) + len(u.Payload)
	}
	return n
}

func uvarintLen(v uint64) int {
	var buf [binary.MaxVarintLen64]byte
	return binary.PutUvarint(buf[:], v)
}
