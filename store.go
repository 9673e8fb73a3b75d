package sombra

import (
	"errors"

	"github.com/maskdotdev/sombra-sub003/internal/base"
	"github.com/maskdotdev/sombra-sub003/internal/pager"
	"github.com/maskdotdev/sombra-sub003/internal/storage"
)

type (
	PageID     = base.PageID
	PageReader = base.PageReader
	PageWriter = base.PageWriter
	ReadTx     = base.ReadTx
	WriteTx    = base.WriteTx
	PageStore  = base.PageStore
	StoreStats = pager.Stats
)

// MaxRoots is the number of root slots a Store keeps.
const MaxRoots = base.MaxRoots

// Store is the bundled PageStore: dual meta pages, root slots, one writer
// and any number of snapshot readers over a memory or file backend.
type Store struct {
	pager *pager.Pager
}

// NewMemoryStore creates a store that lives entirely in memory.
func NewMemoryStore(options ...StoreOption) (*Store, error) {
	opts := applyStoreOptions(options)
	backend, err := storage.NewMemory(opts.pageSize)
	if err != nil {
		return nil, err
	}
	return openStore(backend, opts)
}

// OpenStore opens or creates the store file at path.
func OpenStore(path string, options ...StoreOption) (*Store, error) {
	opts := applyStoreOptions(options)
	var (
		backend storage.Backend
		err     error
	)
	if opts.mmap {
		backend, err = storage.NewMMap(path, opts.pageSize)
	} else {
		backend, err = storage.NewFile(path, opts.pageSize)
	}
	if err != nil {
		return nil, err
	}
	return openStore(backend, opts)
}

func applyStoreOptions(options []StoreOption) StoreOptions {
	opts := DefaultStoreOptions()
	for _, opt := range options {
		opt(&opts)
	}
	if opts.logger == nil {
		opts.logger = DiscardLogger{}
	}
	return opts
}

func openStore(backend storage.Backend, opts StoreOptions) (*Store, error) {
	p, err := pager.Open(backend, pager.Options{
		Sync:            opts.syncMode,
		CacheSize:       opts.cachePages,
		VerifyChecksums: opts.verifyChecksums,
		Logger:          opts.logger,
	})
	if err != nil {
		return nil, errors.Join(err, backend.Close())
	}
	return &Store{pager: p}, nil
}

func (s *Store) PageSize() int {
	return s.pager.PageSize()
}

// BeginRead starts a read-only snapshot of the last commit.
func (s *Store) BeginRead() (ReadTx, error) {
	tx, err := s.pager.BeginRead()
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// BeginWrite starts the write transaction. Only one may be active at a
// time; a second call returns ErrTxInProgress.
func (s *Store) BeginWrite() (WriteTx, error) {
	tx, err := s.pager.BeginWrite()
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// View executes fn within a read-only snapshot.
func (s *Store) View(fn func(ReadTx) error) error {
	tx, err := s.BeginRead()
	if err != nil {
		return err
	}
	defer tx.Release()
	return fn(tx)
}

// Update executes fn within a write transaction and commits it when fn
// returns nil.
func (s *Store) Update(fn func(WriteTx) error) error {
	tx, err := s.BeginWrite()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) SetVerifyChecksums(enabled bool) {
	s.pager.SetVerifyChecksums(enabled)
}

func (s *Store) Stats() StoreStats {
	return s.pager.Stats()
}

// Close flushes and closes the backend. It fails with ErrTxInProgress while
// a write transaction is open.
func (s *Store) Close() error {
	return s.pager.Close()
}
