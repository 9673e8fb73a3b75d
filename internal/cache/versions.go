package cache

import (
	"sync"
	"sync/atomic"

	"github.com/maskdotdev/sombra-sub003/internal/base"
)

// Versions retains page images that a commit overwrote while older readers
// were still open. An image tagged with until is what snapshots taken before
// transaction until observed.
type Versions struct {
	mu      sync.RWMutex
	entries map[base.PageID][]version // ascending by until
	total   atomic.Int64
}

type version struct {
	until uint64
	data  []byte
}

func NewVersions() *Versions {
	return &Versions{entries: make(map[base.PageID][]version)}
}

// Put records data as the image of id replaced by transaction until.
func (v *Versions) Put(id base.PageID, until uint64, data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()

	versions := v.entries[id]
	if n := len(versions); n > 0 && versions[n-1].until >= until {
		return
	}
	v.entries[id] = append(versions, version{until: until, data: data})
	v.total.Add(1)
}

// Get returns the image of id visible at snapshot, or false when the
// current committed image is the visible one.
func (v *Versions) Get(id base.PageID, snapshot uint64) ([]byte, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, ver := range v.entries[id] {
		if ver.until > snapshot {
			return ver.data, true
		}
	}
	return nil, false
}

// Prune drops images that no snapshot at or after minSnapshot can see and
// returns how many were dropped.
func (v *Versions) Prune(minSnapshot uint64) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	pruned := 0
	for id, versions := range v.entries {
		keep := 0
		for keep < len(versions) && versions[keep].until <= minSnapshot {
			keep++
		}
		if keep == 0 {
			continue
		}
		pruned += keep
		if keep == len(versions) {
			delete(v.entries, id)
		} else {
			v.entries[id] = append(versions[:0:0], versions[keep:]...)
		}
	}
	v.total.Add(-int64(pruned))
	return pruned
}

// Len returns the number of retained images.
func (v *Versions) Len() int {
	return int(v.total.Load())
}
