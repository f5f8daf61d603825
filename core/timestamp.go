package core

import (
	"sync"
	"time"
)

// UniqTimestamp hands out strictly increasing microsecond timestamps, even if
// the wall clock stalls or steps backwards. Primaries use it to stamp
// mutations so that timestamps never decrease within a partition.
type UniqTimestamp struct {
	mu     sync.Mutex
	lastTS uint64
	now    func() time.Time
}

// NewUniqTimestamp creates a generator seeded with the current time.
func NewUniqTimestamp() *UniqTimestamp {
	u := &UniqTimestamp{now: time.Now}
	u.lastTS = uint64(u.now().UnixMicro())
	return u
}

// TryUpdate raises the floor to ts, e.g. after learning the timestamp of a
// mutation written by a previous primary.
func (u *UniqTimestamp) TryUpdate(ts uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if ts > u.lastTS {
		u.lastTS = ts
	}
}

// Next returns max(now, last+1).
func (u *UniqTimestamp) Next() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	now := uint64(u.now().UnixMicro())
	if now > u.lastTS+1 {
		u.lastTS = now
	} else {
		u.lastTS++
	}
	return u.lastTS
}
