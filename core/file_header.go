package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBadMagic is returned for a file header written by another format.
	ErrBadMagic = errors.New("bad file magic")
	// ErrUnsupportedVersion is returned for a header of an unknown format version.
	ErrUnsupportedVersion = errors.New("unsupported file format version")
)

// FileHeader opens every persistent file: log segments embed it in their own
// header.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano
	CompressorType CompressionType
}

// NewFileHeader stamps a header of the current format version.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}

// Check verifies the header belongs to a file of the given magic and a
// readable version.
func (h FileHeader) Check(magic uint32) error {
	if h.Magic != magic {
		return fmt.Errorf("%w: %x, want %x", ErrBadMagic, h.Magic, magic)
	}
	if h.Version != FormatVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	return nil
}

// Created returns the creation time recorded in the header.
func (h FileHeader) Created() time.Time {
	return time.Unix(0, h.CreatedAt)
}
