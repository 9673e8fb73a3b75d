package pager

import (
	"sync"

	"github.com/google/btree"

	"github.com/maskdotdev/sombra-sub003/internal/base"
)

// ReadTx is a snapshot of the store as of the last commit before it began.
type ReadTx struct {
	p    *Pager
	meta Meta
	done bool
}

func (tx *ReadTx) PageSize() int {
	return tx.p.pageSize
}

// Page returns the snapshot image of id. The slice must not be modified.
func (tx *ReadTx) Page(id base.PageID) ([]byte, error) {
	if tx.done {
		return nil, base.ErrTxDone
	}
	return tx.p.read(id, &tx.meta)
}

// Root returns the page stored in a root slot, or 0.
func (tx *ReadTx) Root(slot int) base.PageID {
	if slot < 0 || slot >= base.MaxRoots {
		return 0
	}
	return tx.meta.Roots[slot]
}

// TxID returns the transaction id the snapshot observes.
func (tx *ReadTx) TxID() uint64 {
	return tx.meta.TxID
}

// Release ends the snapshot. Calling it more than once is harmless.
func (tx *ReadTx) Release() {
	if tx.done {
		return
	}
	tx.done = true

	p := tx.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readers[tx.meta.TxID]--; p.readers[tx.meta.TxID] <= 0 {
		delete(p.readers, tx.meta.TxID)
	}
	p.releaseLocked()
}

const dirtyDegree = 16

type dirtyPage struct {
	id   base.PageID
	data []byte
}

// WriteTx buffers modified pages until Commit. It must be used from one
// goroutine at a time.
type WriteTx struct {
	p     *Pager
	txid  uint64
	meta  Meta
	dirty *btree.BTreeG[*dirtyPage] // TX-LOCAL: modified pages ordered by id

	fresh map[base.PageID]struct{} // allocated by this transaction
	taken []base.PageID            // ids popped from the shared freelist
	reuse []base.PageID            // fresh ids freed again before commit
	freed map[base.PageID]struct{} // committed pages freed by this transaction
	done  bool
}

func newWriteTx(p *Pager) *WriteTx {
	return &WriteTx{
		p:    p,
		txid: p.meta.TxID + 1,
		meta: p.meta,
		dirty: btree.NewG(dirtyDegree, func(a, b *dirtyPage) bool {
			return a.id < b.id
		}),
		fresh: make(map[base.PageID]struct{}),
		freed: make(map[base.PageID]struct{}),
	}
}

func (tx *WriteTx) PageSize() int {
	return tx.p.pageSize
}

// TxID returns the id this transaction commits as.
func (tx *WriteTx) TxID() uint64 {
	return tx.txid
}

func (tx *WriteTx) Root(slot int) base.PageID {
	if slot < 0 || slot >= base.MaxRoots {
		return 0
	}
	return tx.meta.Roots[slot]
}

// SetRoot records id in a root slot; it becomes visible on commit.
func (tx *WriteTx) SetRoot(slot int, id base.PageID) error {
	if tx.done {
		return base.ErrTxDone
	}
	if slot < 0 || slot >= base.MaxRoots {
		return base.Invalidf("root slot %d out of range [0,%d)", slot, base.MaxRoots)
	}
	if id != 0 && (id < firstDataPage || uint64(id) >= tx.meta.NumPages) {
		return base.Invalidf("root page %d outside store of %d pages", id, tx.meta.NumPages)
	}
	tx.meta.Roots[slot] = id
	return nil
}

// Page returns the transaction's view of id. The slice must not be modified.
func (tx *WriteTx) Page(id base.PageID) ([]byte, error) {
	if tx.done {
		return nil, base.ErrTxDone
	}
	if d, ok := tx.dirty.Get(&dirtyPage{id: id}); ok {
		return d.data, nil
	}
	if err := tx.checkID(id); err != nil {
		return nil, err
	}
	tx.p.mu.RLock()
	defer tx.p.mu.RUnlock()
	return tx.p.loadPage(id)
}

// PageMut returns a writable copy of id owned by the transaction.
func (tx *WriteTx) PageMut(id base.PageID) ([]byte, error) {
	if tx.done {
		return nil, base.ErrTxDone
	}
	if d, ok := tx.dirty.Get(&dirtyPage{id: id}); ok {
		return d.data, nil
	}
	committed, err := tx.Page(id)
	if err != nil {
		return nil, err
	}
	data := make([]byte, len(committed))
	copy(data, committed)
	tx.dirty.ReplaceOrInsert(&dirtyPage{id: id, data: data})
	return data, nil
}

// Allocate returns a zeroed page carrying a fresh storage header.
func (tx *WriteTx) Allocate() (base.PageID, error) {
	if tx.done {
		return 0, base.ErrTxDone
	}

	var id base.PageID
	if n := len(tx.reuse); n > 0 {
		id = tx.reuse[n-1]
		tx.reuse = tx.reuse[:n-1]
	} else {
		tx.p.mu.Lock()
		id = tx.p.freelist.Allocate()
		tx.p.mu.Unlock()
		if id != 0 {
			tx.taken = append(tx.taken, id)
		} else {
			id = base.PageID(tx.meta.NumPages)
			tx.meta.NumPages++
		}
	}

	data := make([]byte, tx.p.pageSize)
	h := base.PageHeader{
		Version:  base.FormatVersion,
		Kind:     base.KindUnset,
		PageSize: uint32(tx.p.pageSize),
		PageNo:   id,
		Salt:     tx.meta.Salt,
	}
	h.Encode(data)
	tx.fresh[id] = struct{}{}
	tx.dirty.ReplaceOrInsert(&dirtyPage{id: id, data: data})
	return id, nil
}

// Free releases id. Pages allocated by this transaction are reusable at
// once; committed pages become reusable when no older snapshot remains.
func (tx *WriteTx) Free(id base.PageID) error {
	if tx.done {
		return base.ErrTxDone
	}
	if err := tx.checkID(id); err != nil {
		return err
	}
	if _, ok := tx.freed[id]; ok {
		return base.Invalidf("page %d freed twice", id)
	}
	tx.dirty.Delete(&dirtyPage{id: id})
	if _, ok := tx.fresh[id]; ok {
		delete(tx.fresh, id)
		tx.reuse = append(tx.reuse, id)
		return nil
	}
	tx.freed[id] = struct{}{}
	return nil
}

func (tx *WriteTx) checkID(id base.PageID) error {
	if id < firstDataPage || uint64(id) >= tx.meta.NumPages {
		return base.Invalidf("page %d outside store of %d pages", id, tx.meta.NumPages)
	}
	return nil
}

// Commit writes all dirty pages, then the meta page, and makes the
// transaction visible to new readers.
func (tx *WriteTx) Commit() error {
	if tx.done {
		return base.ErrTxDone
	}
	tx.done = true

	p := tx.p
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writer = nil

	if p.closed {
		return base.ErrStoreClosed
	}

	if err := tx.commitLocked(); err != nil {
		p.log.Error("commit failed", "txid", tx.txid, "error", err)
		if p.cache != nil {
			p.cache.Purge()
		}
		tx.returnTaken()
		p.rollbacks.Add(1)
		return err
	}
	p.commits.Add(1)
	return nil
}

func (tx *WriteTx) commitLocked() error {
	p := tx.p

	tx.dirty.Ascend(func(d *dirtyPage) bool {
		base.StampChecksum(d.data)
		return true
	})

	// CRITICAL: keep the images older snapshots can still reach before they
	// are overwritten in place.
	if len(p.readers) > 0 {
		var err error
		tx.dirty.Ascend(func(d *dirtyPage) bool {
			if _, ok := tx.fresh[d.id]; ok || uint64(d.id) >= p.meta.NumPages {
				return true
			}
			var old []byte
			if old, err = p.loadPage(d.id); err != nil {
				return false
			}
			p.versions.Put(d.id, tx.txid, old)
			return true
		})
		if err != nil {
			return err
		}
	}

	if err := tx.writeRuns(); err != nil {
		return err
	}

	freed := make([]base.PageID, 0, len(tx.freed))
	for id := range tx.freed {
		freed = append(freed, id)
	}
	p.freelist.Pending(tx.txid, freed)
	for _, id := range tx.reuse {
		p.freelist.Free(id)
	}

	meta := tx.meta
	meta.TxID = tx.txid
	metaID := base.PageID(meta.TxID % 2)
	buf := make([]byte, p.pageSize)
	if dropped := meta.encode(buf, metaID, p.freelist); dropped > 0 {
		p.dropped.Add(uint64(dropped))
		p.log.Warn("freelist does not fit in meta page, leaking pages", "dropped", dropped)
	}
	if err := p.backend.WritePage(metaID, buf); err != nil {
		return err
	}
	// Conditional sync (this is the commit point!)
	if p.mode == SyncEveryCommit {
		if err := p.backend.Sync(); err != nil {
			return err
		}
	}

	p.meta = meta
	if p.cache != nil {
		tx.dirty.Ascend(func(d *dirtyPage) bool {
			p.cache.Put(d.id, d.data)
			return true
		})
	}
	p.releaseLocked()
	return nil
}

var runPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 64<<10)
		return &b
	},
}

// writeRuns ascends the dirty set, forming contiguous runs of pages to write
// at once.
func (tx *WriteTx) writeRuns() error {
	var (
		err error
		run []*dirtyPage
	)
	flush := func() {
		if err != nil || len(run) == 0 {
			return
		}
		err = tx.p.writeRun(run)
		run = run[:0]
	}
	tx.dirty.Ascend(func(d *dirtyPage) bool {
		if len(run) > 0 && d.id != run[len(run)-1].id+1 {
			flush()
		}
		run = append(run, d)
		return err == nil
	})
	flush()
	return err
}

func (p *Pager) writeRun(run []*dirtyPage) error {
	if len(run) == 1 {
		return p.backend.WritePage(run[0].id, run[0].data)
	}
	bufp := runPool.Get().(*[]byte)
	defer runPool.Put(bufp)
	buf := (*bufp)[:0]
	for _, d := range run {
		buf = append(buf, d.data...)
	}
	*bufp = buf
	return p.backend.WritePages(run[0].id, buf)
}

// Rollback discards the transaction. It is a no-op after Commit.
func (tx *WriteTx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true

	p := tx.p
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writer = nil
	tx.returnTaken()
	p.rollbacks.Add(1)
}

// returnTaken gives freelist ids back. Caller must hold mu.
func (tx *WriteTx) returnTaken() {
	for _, id := range tx.taken {
		tx.p.freelist.Free(id)
	}
	tx.taken = nil
}
