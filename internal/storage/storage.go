// Package storage provides the raw page backends the pager writes through.
// A backend addresses fixed-size pages by id and knows nothing about their
// contents.
package storage

import (
	"fmt"
	"sync/atomic"

	"github.com/maskdotdev/sombra-sub003/internal/base"
)

// Backend reads and writes whole pages.
type Backend interface {
	PageSize() int
	// ReadPage fills buf, which must be exactly one page long.
	ReadPage(id base.PageID, buf []byte) error
	WritePage(id base.PageID, buf []byte) error
	// WritePages writes a run of contiguous pages starting at id.
	WritePages(id base.PageID, data []byte) error
	Sync() error
	// Empty reports whether the backend holds no pages yet.
	Empty() (bool, error)
	Stats() Stats
	Close() error
}

// Stats holds I/O statistics
type Stats struct {
	Reads   uint64
	Writes  uint64
	Read    uint64
	Written uint64
}

// counters is embedded by every backend.
type counters struct {
	reads   atomic.Uint64
	writes  atomic.Uint64
	read    atomic.Uint64
	written atomic.Uint64
}

func (c *counters) Stats() Stats {
	return Stats{
		Reads:   c.reads.Load(),
		Writes:  c.writes.Load(),
		Read:    c.read.Load(),
		Written: c.written.Load(),
	}
}

func (c *counters) trackRead(n int) {
	c.reads.Add(1)
	c.read.Add(uint64(n))
}

func (c *counters) trackWrite(pages, n int) {
	c.writes.Add(uint64(pages))
	c.written.Add(uint64(n))
}

func checkPageSize(size int) error {
	if !base.ValidPageSize(size) {
		return fmt.Errorf("%w: %d", base.ErrInvalidPageSize, size)
	}
	return nil
}

func checkBuffer(buf []byte, pageSize int) error {
	if len(buf) != pageSize {
		return base.Invalidf("buffer of %d bytes, expected page size %d", len(buf), pageSize)
	}
	return nil
}

func checkRun(data []byte, pageSize int) error {
	if len(data) == 0 || len(data)%pageSize != 0 {
		return base.Invalidf("buffer size %d not multiple of page size %d", len(data), pageSize)
	}
	return nil
}
