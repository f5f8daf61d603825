package core

// This file centralizes constants related to file formats, magic numbers,
// and other protocol-level identifiers.

// --- Magic Numbers ---
const (
	// WALMagicNumber identifies a mutation log segment file.
	WALMagicNumber uint32 = 0xBAADF00D
	// BatchMagicNumber identifies an encoded duplication batch on the wire.
	BatchMagicNumber uint16 = 0xD0B1
)

// --- File Names ---
const (
	// WALFileSuffix is the suffix for log segment files.
	WALFileSuffix = ".wal"
	// LockFileName is the advisory lock file guarding a log directory.
	LockFileName = "LOCK"
)

// --- Protocol & Format Versions ---
const (
	// FormatVersion is the current version for all persistent file formats.
	FormatVersion uint8 = 1
)

const (
	ChecksumSize     = 4 // uint32 CRC32 checksum
	RecordLengthSize = 4 // uint32 record length prefix
)
