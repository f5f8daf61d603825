package compressors

import (
	"fmt"
	"strings"

	"github.com/INLOpen/nexusdup/core"
)

// ForType returns a compressor for the given on-wire type.
func ForType(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unsupported compression type %d", t)
	}
}

// Parse maps a config name ("none", "snappy", "lz4", "zstd") to a compressor.
func Parse(name string) (core.Compressor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return ForType(core.CompressionNone)
	case "snappy":
		return ForType(core.CompressionSnappy)
	case "lz4":
		return ForType(core.CompressionLZ4)
	case "zstd":
		return ForType(core.CompressionZSTD)
	default:
		return nil, fmt.Errorf("unknown compression %q", name)
	}
}
