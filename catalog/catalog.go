// Package catalog discovers the segment files of a partition log and replays
// their mutations in decree order without coordinating with the writer.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/wal"
)

// SegmentFile describes one segment file found on disk.
type SegmentFile struct {
	Path        string
	Index       uint64
	StartDecree core.Decree
	Partition   core.PartitionID
	Size        int64
}

// ListSegments returns the segment files of dir sorted by index. Files whose
// name does not match the segment pattern or whose header is missing or
// invalid are skipped.
func ListSegments(dir string) ([]SegmentFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list log directory %s: %w", dir, err)
	}

	files := make([]SegmentFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		index, err := wal.ParseSegmentFileName(entry.Name())
		if err != nil {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		file, ok, err := describeSegment(path, index)
		if err != nil {
			return nil, err
		}
		if ok {
			files = append(files, file)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Index < files[j].Index })
	return files, nil
}

// describeSegment reads the header of path. A file that disappeared or has
// no valid header is reported as not ok without an error.
func describeSegment(path string, index uint64) (SegmentFile, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return SegmentFile{}, false, nil
		}
		return SegmentFile{}, false, fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	defer f.Close()

	header, err := wal.ReadSegmentHeader(f)
	if err != nil || header.Index != index {
		return SegmentFile{}, false, nil
	}
	stat, err := f.Stat()
	if err != nil {
		return SegmentFile{}, false, fmt.Errorf("failed to stat segment %s: %w", path, err)
	}
	return SegmentFile{
		Path:        path,
		Index:       index,
		StartDecree: header.StartDecree,
		Partition:   header.Partition(),
		Size:        stat.Size(),
	}, true, nil
}

// FindSegmentContaining returns the segment of pid that can hold decree: the
// last segment whose StartDecree is not above it. It reports false when decree
// precedes the first retained segment. A decree beyond everything logged maps
// to the tail segment.
func FindSegmentContaining(files []SegmentFile, pid core.PartitionID, decree core.Decree) (SegmentFile, bool) {
	own := make([]SegmentFile, 0, len(files))
	for _, f := range files {
		if f.Partition == pid {
			own = append(own, f)
		}
	}
	idx := sort.Search(len(own), func(i int) bool {
		return own[i].StartDecree > decree
	})
	if idx == 0 {
		return SegmentFile{}, false
	}
	return own[idx-1], true
}
