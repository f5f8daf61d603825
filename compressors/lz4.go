package compressors

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/INLOpen/nexusdup/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// maxLZ4DecodedSize bounds the buffer allocated from an untrusted length prefix.
const maxLZ4DecodedSize = 256 * 1024 * 1024

// LZ4Compressor implements the Compressor interface using LZ4 blocks.
// The block format does not record the original size, so the output is
// prefixed with it as a uvarint.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	dst := make([]byte, binary.MaxVarintLen64+lz4.CompressBlockBound(len(data)))
	hdr := binary.PutUvarint(dst, uint64(len(data)))
	if len(data) == 0 {
		return dst[:hdr], nil
	}
	n, err := lz4.CompressBlock(data, dst[hdr:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 {
		// Incompressible input; CompressBlock reports 0 and leaves dst untouched.
		return nil, fmt.Errorf("lz4 compress error: incompressible block of %d bytes", len(data))
	}
	return dst[:hdr+n], nil
}

func (c *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	size, hdr := binary.Uvarint(data)
	if hdr <= 0 {
		return nil, errors.New("lz4 decompress error: missing size prefix")
	}
	if size > maxLZ4DecodedSize {
		return nil, fmt.Errorf("lz4 decompress error: declared size %d too large", size)
	}
	dst := make([]byte, size)
	if size == 0 {
		return dst, nil
	}
	n, err := lz4.UncompressBlock(data[hdr:], dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	if uint64(n) != size {
		return nil, fmt.Errorf("lz4 decompress error: got %d bytes, want %d", n, size)
	}
	return dst, nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
