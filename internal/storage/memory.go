package storage

import (
	"sync"

	"github.com/maskdotdev/sombra-sub003/internal/base"
)

// Memory keeps pages in process memory. It is used for tests and ephemeral
// stores.
type Memory struct {
	mu       sync.RWMutex
	pageSize int
	pages    [][]byte
	closed   bool

	counters
}

// NewMemory creates an empty in-memory backend.
func NewMemory(pageSize int) (*Memory, error) {
	if err := checkPageSize(pageSize); err != nil {
		return nil, err
	}
	return &Memory{pageSize: pageSize}, nil
}

func (m *Memory) PageSize() int {
	return m.pageSize
}

func (m *Memory) ReadPage(id base.PageID, buf []byte) error {
	if err := checkBuffer(buf, m.pageSize); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return base.ErrStoreClosed
	}
	if uint64(id) >= uint64(len(m.pages)) || m.pages[id] == nil {
		return base.Corruptf("page %d beyond end of storage", id)
	}
	copy(buf, m.pages[id])
	m.trackRead(len(buf))
	return nil
}

func (m *Memory) WritePage(id base.PageID, buf []byte) error {
	if err := checkBuffer(buf, m.pageSize); err != nil {
		return err
	}
	return m.WritePages(id, buf)
}

func (m *Memory) WritePages(id base.PageID, data []byte) error {
	if err := checkRun(data, m.pageSize); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return base.ErrStoreClosed
	}
	count := len(data) / m.pageSize
	if need := int(id) + count; need > len(m.pages) {
		m.pages = append(m.pages, make([][]byte, need-len(m.pages))...)
	}
	for i := 0; i < count; i++ {
		p := m.pages[int(id)+i]
		if p == nil {
			p = make([]byte, m.pageSize)
			m.pages[int(id)+i] = p
		}
		copy(p, data[i*m.pageSize:(i+1)*m.pageSize])
	}
	m.trackWrite(count, len(data))
	return nil
}

func (m *Memory) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return base.ErrStoreClosed
	}
	return nil
}

func (m *Memory) Empty() (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages) == 0, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.pages = nil
	return nil
}
