package core

import (
	"fmt"
	"strings"
)

// DupID identifies one duplication relationship.
type DupID int32

// DuplicationStatus is the lifecycle state of a duplication.
type DuplicationStatus int

const (
	DuplicationStarting DuplicationStatus = iota
	DuplicationRunning
	DuplicationPaused
	DuplicationRemoved
)

func (s DuplicationStatus) String() string {
	switch s {
	case DuplicationStarting:
		return "starting"
	case DuplicationRunning:
		return "running"
	case DuplicationPaused:
		return "paused"
	case DuplicationRemoved:
		return "removed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseDuplicationStatus parses the names produced by String.
func ParseDuplicationStatus(s string) (DuplicationStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "starting", "start", "":
		return DuplicationStarting, nil
	case "running":
		return DuplicationRunning, nil
	case "paused", "pause":
		return DuplicationPaused, nil
	case "removed":
		return DuplicationRemoved, nil
	default:
		return 0, fmt.Errorf("unknown duplication status %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler so statuses read naturally in
// YAML configs and JSON reports.
func (s DuplicationStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *DuplicationStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseDuplicationStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// DuplicationEntry is the record the cluster metadata service keeps for one
// duplication of one partition. It is the initial configuration of a
// duplicator.
type DuplicationEntry struct {
	DupID           DupID             `yaml:"dup_id"`
	RemoteAddress   string            `yaml:"remote_address"`
	Status          DuplicationStatus `yaml:"status"`
	ConfirmedDecree Decree            `yaml:"confirmed_decree"`
}
