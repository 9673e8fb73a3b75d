// Package pager turns a storage backend into a transactional page store:
// one writer at a time, any number of snapshot readers, dual meta pages,
// checksummed pages and a clean-page cache.
package pager

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/maskdotdev/sombra-sub003/internal/base"
	"github.com/maskdotdev/sombra-sub003/internal/cache"
	"github.com/maskdotdev/sombra-sub003/internal/freelist"
	"github.com/maskdotdev/sombra-sub003/internal/storage"
)

// SyncMode controls when to fsync
type SyncMode int

const (
	// SyncEveryCommit fsyncs after the meta page of every commit is written.
	SyncEveryCommit SyncMode = iota
	// SyncOff leaves flushing to the operating system.
	SyncOff
)

// Options configures a Pager.
type Options struct {
	Sync SyncMode
	// CacheSize is the number of clean pages kept in memory; 0 disables the
	// cache.
	CacheSize       int
	VerifyChecksums bool
	Logger          base.Logger
}

// Pager coordinates the backend, cache, meta pages and freelist.
type Pager struct {
	backend  storage.Backend
	pageSize int
	mode     SyncMode
	log      base.Logger

	// mu guards everything below. Page reads hold it shared, so a commit
	// never overwrites a page while a reader copies it.
	mu       sync.RWMutex
	meta     Meta
	readers  map[uint64]int // snapshot txid -> open read transactions
	writer   *WriteTx
	freelist *freelist.Freelist
	versions *cache.Versions
	cache    *cache.Cache // nil when disabled
	closed   bool

	verify atomic.Bool

	// Stats
	commits   atomic.Uint64
	rollbacks atomic.Uint64
	dropped   atomic.Uint64
}

// Open loads the store held by backend, initializing it when empty.
func Open(backend storage.Backend, opts Options) (*Pager, error) {
	if opts.Logger == nil {
		opts.Logger = base.DiscardLogger{}
	}
	p := &Pager{
		backend:  backend,
		pageSize: backend.PageSize(),
		mode:     opts.Sync,
		log:      opts.Logger,
		readers:  make(map[uint64]int),
		freelist: freelist.New(),
		versions: cache.NewVersions(),
	}
	p.verify.Store(opts.VerifyChecksums)
	if opts.CacheSize > 0 {
		c, err := cache.NewCache(opts.CacheSize)
		if err != nil {
			return nil, err
		}
		p.cache = c
	}

	empty, err := backend.Empty()
	if err != nil {
		return nil, err
	}
	if empty {
		err = p.initialize()
	} else {
		err = p.load()
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// initialize writes both meta pages for a new store.
func (p *Pager) initialize() error {
	p.meta = Meta{NumPages: uint64(firstDataPage), Salt: rand.Uint64()}
	buf := make([]byte, p.pageSize)
	for id := base.PageID(0); id < firstDataPage; id++ {
		p.meta.encode(buf, id, p.freelist)
		if err := p.backend.WritePage(id, buf); err != nil {
			return err
		}
	}
	p.log.Info("initialized page store", "pageSize", p.pageSize)
	return p.backend.Sync()
}

// load picks the valid meta page with the highest transaction id.
func (p *Pager) load() error {
	var (
		metas [2]Meta
		lists [2]*freelist.Freelist
		errs  [2]error
	)
	buf := make([]byte, p.pageSize)
	for i := range metas {
		lists[i] = freelist.New()
		if errs[i] = p.backend.ReadPage(base.PageID(i), buf); errs[i] == nil {
			metas[i], errs[i] = decodeMeta(buf, base.PageID(i), lists[i])
		}
	}

	pick := 0
	switch {
	case errs[0] != nil && errs[1] != nil:
		return fmt.Errorf("%w: both meta pages invalid: %v, %v", base.ErrCorruption, errs[0], errs[1])
	case errs[0] != nil:
		pick = 1
	case errs[1] != nil:
		pick = 0
	case metas[1].TxID > metas[0].TxID:
		pick = 1
	}
	if other := errs[1-pick]; other != nil {
		p.log.Warn("recovering from alternate meta page", "page", pick, "error", other)
	}

	p.meta = metas[pick]
	p.freelist = lists[pick]
	p.log.Info("opened page store", "txid", p.meta.TxID, "pages", p.meta.NumPages,
		"freePages", p.freelist.Len())
	return nil
}

// PageSize returns the page size of the backend.
func (p *Pager) PageSize() int {
	return p.pageSize
}

// SetVerifyChecksums toggles checksum verification of pages read from the
// backend.
func (p *Pager) SetVerifyChecksums(enabled bool) {
	p.verify.Store(enabled)
}

// BeginRead opens a snapshot of the last committed transaction.
func (p *Pager) BeginRead() (*ReadTx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, base.ErrStoreClosed
	}
	p.readers[p.meta.TxID]++
	return &ReadTx{p: p, meta: p.meta}, nil
}

// BeginWrite starts the single write transaction.
func (p *Pager) BeginWrite() (*WriteTx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, base.ErrStoreClosed
	}
	// Enforce single writer rule
	if p.writer != nil {
		return nil, base.ErrTxInProgress
	}
	tx := newWriteTx(p)
	p.writer = tx
	return tx, nil
}

// read returns the image of id visible at the given snapshot. Caller must not
// hold mu.
func (p *Pager) read(id base.PageID, m *Meta) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, base.ErrStoreClosed
	}
	if id < firstDataPage || uint64(id) >= m.NumPages {
		return nil, base.Corruptf("page %d outside store of %d pages", id, m.NumPages)
	}
	if data, ok := p.versions.Get(id, m.TxID); ok {
		return data, nil
	}
	return p.loadPage(id)
}

// loadPage returns the current committed image of id. Caller must hold mu.
func (p *Pager) loadPage(id base.PageID) ([]byte, error) {
	if p.cache != nil {
		if data, ok := p.cache.Get(id); ok {
			return data, nil
		}
	}
	buf := make([]byte, p.pageSize)
	if err := p.backend.ReadPage(id, buf); err != nil {
		return nil, err
	}
	if err := p.checkPage(id, buf); err != nil {
		return nil, err
	}
	if p.cache != nil {
		p.cache.Put(id, buf)
	}
	return buf, nil
}

func (p *Pager) checkPage(id base.PageID, buf []byte) error {
	h, err := base.DecodePageHeader(buf)
	if err != nil {
		return fmt.Errorf("%w: page %d: %w", base.ErrCorruption, id, err)
	}
	if h.PageNo != id {
		return base.Corruptf("page %d carries page number %d", id, h.PageNo)
	}
	if h.Salt != p.meta.Salt {
		return base.Corruptf("page %d belongs to another store", id)
	}
	if p.verify.Load() {
		return base.VerifyChecksum(id, buf)
	}
	return nil
}

// releaseLocked frees pending pages and version images no open snapshot can
// reach any more. Caller must hold mu exclusively.
func (p *Pager) releaseLocked() {
	oldest := uint64(math.MaxUint64)
	for txid := range p.readers {
		oldest = min(oldest, txid)
	}
	upTo := p.meta.TxID
	if oldest != math.MaxUint64 {
		upTo = oldest
	}
	p.freelist.Release(upTo)
	p.versions.Prune(oldest)
}

// Close closes the backend. Open read transactions fail afterwards.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if p.writer != nil {
		return base.ErrTxInProgress
	}
	p.closed = true
	if p.cache != nil {
		p.cache.Purge()
	}
	if err := p.backend.Sync(); err != nil {
		_ = p.backend.Close()
		return err
	}
	return p.backend.Close()
}

type Stats struct {
	Cache        cache.Stats
	Store        storage.Stats
	TxID         uint64
	NumPages     uint64
	FreePages    int
	PendingPages int
	Versions     int
	Readers      int
	Commits      uint64
	Rollbacks    uint64
	// DroppedFreePages counts free ids that did not fit into a meta page and
	// were leaked on disk.
	DroppedFreePages uint64
}

// Stats returns pager statistics
func (p *Pager) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Stats{
		Store:            p.backend.Stats(),
		TxID:             p.meta.TxID,
		NumPages:         p.meta.NumPages,
		FreePages:        p.freelist.Len(),
		PendingPages:     p.freelist.PendingLen(),
		Versions:         p.versions.Len(),
		Commits:          p.commits.Load(),
		Rollbacks:        p.rollbacks.Load(),
		DroppedFreePages: p.dropped.Load(),
	}
	for _, n := range p.readers {
		s.Readers += n
	}
	if p.cache != nil {
		s.Cache = p.cache.Stats()
	}
	return s
}
