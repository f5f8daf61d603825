// Package sink holds the wire framing shared by the backlog sink
// implementations in its subpackages.
package sink

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/INLOpen/nexusdup/compressors"
	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/duplication"
	"github.com/INLOpen/nexusdup/wal"
)

// ErrMalformedBatch is returned by DecodeBatch for frames it cannot trust.
var ErrMalformedBatch = errors.New("malformed batch frame")

// BatchHeaderSize is magic u16 | version u8 | compression u8 | app i32 |
// partition index i32 | count u32.
const BatchHeaderSize = 2 + 1 + 1 + 4 + 4 + 4

// maxBatchMutations rejects absurd counts before allocating.
const maxBatchMutations = 1 << 20

// EncodeBatch frames batch for the wire. The records section is compressed
// with c; a nil c means no compression.
func EncodeBatch(batch duplication.Batch, c core.Compressor) ([]byte, error) {
	if c == nil {
		c = &compressors.NoCompressionCompressor{}
	}
	records := make([]byte, 0, batch.Size()+len(batch.Mutations)*binary.MaxVarintLen32)
	for _, m := range batch.Mutations {
		records = binary.AppendUvarint(records, uint64(m.EncodedSize()))
		records = wal.EncodeMutation(records, m)
	}
	body, err := c.Compress(records)
	if err != nil {
		return nil, fmt.Errorf("failed to compress batch with %s: %w", c.Type(), err)
	}

	out := make([]byte, 0, BatchHeaderSize+len(body))
	out = binary.LittleEndian.AppendUint16(out, core.BatchMagicNumber)
	out = append(out, core.FormatVersion, byte(c.Type()))
	out = binary.LittleEndian.AppendUint32(out, uint32(batch.Partition.AppID))
	out = binary.LittleEndian.AppendUint32(out, uint32(batch.Partition.PartitionIndex))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(batch.Mutations)))
	return append(out, body...), nil
}

// DecodeBatch parses a frame produced by EncodeBatch. Every mutation must
// belong to the frame's partition and decrees must strictly increase.
func DecodeBatch(frame []byte) (duplication.Batch, error) {
	if len(frame) < BatchHeaderSize {
		return duplication.Batch{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedBatch, len(frame))
	}
	if magic := binary.LittleEndian.Uint16(frame[0:2]); magic != core.BatchMagicNumber {
		return duplication.Batch{}, fmt.Errorf("%w: bad magic 0x%04x", ErrMalformedBatch, magic)
	}
	if version := frame[2]; version != core.FormatVersion {
		return duplication.Batch{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedBatch, version)
	}
	c, err := compressors.ForType(core.CompressionType(frame[3]))
	if err != nil {
		return duplication.Batch{}, fmt.Errorf("%w: %w", ErrMalformedBatch, err)
	}
	pid := core.PartitionID{
		AppID:          int32(binary.LittleEndian.Uint32(frame[4:8])),
		PartitionIndex: int32(binary.LittleEndian.Uint32(frame[8:12])),
	}
	count := binary.LittleEndian.Uint32(frame[12:16])
	if count > maxBatchMutations {
		return duplication.Batch{}, fmt.Errorf("%w: %d mutations", ErrMalformedBatch, count)
	}

	records, err := c.Decompress(frame[BatchHeaderSize:])
	if err != nil {
		return duplication.Batch{}, fmt.Errorf("%w: failed to decompress %s body: %w", ErrMalformedBatch, c.Type(), err)
	}

	batch := duplication.Batch{Partition: pid, Mutations: make([]*core.Mutation, 0, count)}
	for i := uint32(0); i < count; i++ {
		n, k := binary.Uvarint(records)
		if k <= 0 || n > uint64(len(records)-k) {
			return duplication.Batch{}, fmt.Errorf("%w: record %d truncated", ErrMalformedBatch, i)
		}
		m, err := wal.DecodeMutation(records[k : k+int(n)])
		if err != nil {
			return duplication.Batch{}, fmt.Errorf("%w: record %d: %w", ErrMalformedBatch, i, err)
		}
		if m.Partition != pid {
			return duplication.Batch{}, fmt.Errorf("%w: record %d belongs to %s, frame to %s", ErrMalformedBatch, i, m.Partition, pid)
		}
		if len(batch.Mutations) > 0 && m.Decree <= batch.LastDecree() {
			return duplication.Batch{}, fmt.Errorf("%w: decree %d after %d", ErrMalformedBatch, m.Decree, batch.LastDecree())
		}
		batch.Mutations = append(batch.Mutations, m)
		records = records[k+int(n):]
	}
	if len(records) != 0 {
		return duplication.Batch{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedBatch, len(records))
	}
	return batch, nil
}
