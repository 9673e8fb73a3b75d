//go:build linux || darwin

package storage

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/maskdotdev/sombra-sub003/internal/base"
)

// growthSize is the granularity the mapping and file grow by. The file is
// sparse so untouched pages cost nothing on disk.
const growthSize = 64 << 20

// MMap implements Backend using memory-mapped I/O
type MMap struct {
	mu       sync.RWMutex // remapping excludes readers
	file     *os.File
	pageSize int
	mmapData []byte
	mmapSize int64
	empty    bool

	counters
}

// NewMMap creates a new memory-mapped storage backend
func NewMMap(path string, pageSize int) (*MMap, error) {
	if err := checkPageSize(pageSize); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	var empty bool
	size := info.Size()
	if size == 0 {
		size = growthSize
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, err
		}
		empty = true
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &MMap{
		file:     file,
		pageSize: pageSize,
		mmapData: data,
		mmapSize: size,
		empty:    empty,
	}, nil
}

func (m *MMap) PageSize() int {
	return m.pageSize
}

// ReadPage copies a page out of the mapping so callers never hold pointers
// into a region that may be remapped.
func (m *MMap) ReadPage(id base.PageID, buf []byte) error {
	if err := checkBuffer(buf, m.pageSize); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.mmapData == nil {
		return base.ErrStoreClosed
	}

	offset := int64(id) * int64(m.pageSize)
	if offset+int64(m.pageSize) > m.mmapSize {
		return base.Corruptf("page %d beyond mapped region", id)
	}
	copy(buf, m.mmapData[offset:offset+int64(m.pageSize)])
	m.trackRead(m.pageSize)
	return nil
}

func (m *MMap) WritePage(id base.PageID, buf []byte) error {
	if err := checkBuffer(buf, m.pageSize); err != nil {
		return err
	}
	return m.WritePages(id, buf)
}

// WritePages writes a contiguous range of pages to the memory-mapped region
func (m *MMap) WritePages(id base.PageID, data []byte) error {
	if err := checkRun(data, m.pageSize); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mmapData == nil {
		return base.ErrStoreClosed
	}

	offset := int64(id) * int64(m.pageSize)
	if end := offset + int64(len(data)); end > m.mmapSize {
		if err := m.grow(end); err != nil {
			return err
		}
	}

	copy(m.mmapData[offset:], data)
	m.trackWrite(len(data)/m.pageSize, len(data))
	m.empty = false
	return nil
}

// grow remaps the file so that at least minSize bytes are addressable.
// Caller must hold mu.
func (m *MMap) grow(minSize int64) error {
	newSize := ((minSize + growthSize - 1) / growthSize) * growthSize

	// Start async flush to reduce munmap blocking time
	_ = unix.Msync(m.mmapData, unix.MS_ASYNC)

	if err := unix.Munmap(m.mmapData); err != nil {
		return err
	}
	m.mmapData = nil

	if err := m.file.Truncate(newSize); err != nil {
		return err
	}

	data, err := unix.Mmap(int(m.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	m.mmapData = data
	m.mmapSize = newSize
	return nil
}

// Sync flushes the memory-mapped region to disk
func (m *MMap) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.mmapData == nil {
		return base.ErrStoreClosed
	}
	if err := unix.Msync(m.mmapData, unix.MS_SYNC); err != nil {
		return err
	}
	return m.file.Sync()
}

// Empty returns whether this is a newly created file
func (m *MMap) Empty() (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.empty, nil
}

// Close unmaps the region and closes the file
func (m *MMap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mmapData != nil {
		if err := unix.Munmap(m.mmapData); err != nil {
			return err
		}
		m.mmapData = nil
	}
	return m.file.Close()
}
