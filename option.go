package sombra

import (
	"github.com/maskdotdev/sombra-sub003/internal/base"
	"github.com/maskdotdev/sombra-sub003/internal/pager"
)

const (
	DefaultPageFillTarget  = 85
	DefaultInternalMinFill = 40
	DefaultPageSize        = 4096
	DefaultCachePages      = 1024
)

// Options configures a Tree.
type Options struct {
	pageFillTarget    int  // Percentage of a split page kept on the left; half of it is the leaf underflow threshold.
	internalMinFill   int  // Internal pages below this percentage are rebalanced.
	checksumVerify    bool // Forwarded to stores implementing SetVerifyChecksums.
	inPlaceLeafEdits  bool
	prefixCompression bool
	rootPage          base.PageID
	rootSlot          int
	logger            Logger
}

// DefaultOptions returns the configuration used when Open gets no options.
//
//goland:noinspection GoUnusedExportedFunction
func DefaultOptions() Options {
	return Options{
		pageFillTarget:  DefaultPageFillTarget,
		internalMinFill: DefaultInternalMinFill,
		checksumVerify:  true,
		logger:          DiscardLogger{},
	}
}

// Option configures tree options using the functional options pattern.
type Option func(*Options)

// WithPageFillTarget sets how full the left page is left after a split, as a
// percentage in [50, 100]. Sequential loads favour high values.
//
//goland:noinspection GoUnusedExportedFunction
func WithPageFillTarget(percent int) Option {
	return func(opts *Options) {
		opts.pageFillTarget = percent
	}
}

// WithInternalMinFill sets the fill percentage, in [0, 50], below which an
// internal page borrows from or merges with a sibling.
//
//goland:noinspection GoUnusedExportedFunction
func WithInternalMinFill(percent int) Option {
	return func(opts *Options) {
		opts.internalMinFill = percent
	}
}

// WithChecksumVerify toggles page checksum verification on reads.
//
//goland:noinspection GoUnusedExportedFunction
func WithChecksumVerify(enabled bool) Option {
	return func(opts *Options) {
		opts.checksumVerify = enabled
	}
}

// WithInPlaceLeafEdits makes leaf puts and deletes edit the page through the
// slot allocator instead of rebuilding it.
//
//goland:noinspection GoUnusedExportedFunction
func WithInPlaceLeafEdits(enabled bool) Option {
	return func(opts *Options) {
		opts.inPlaceLeafEdits = enabled
	}
}

// WithPrefixCompression stores leaf keys as a shared prefix length plus a
// suffix. Only leaves created after the option is set are compressed.
//
//goland:noinspection GoUnusedExportedFunction
func WithPrefixCompression(enabled bool) Option {
	return func(opts *Options) {
		opts.prefixCompression = enabled
	}
}

// WithRootPage reopens a tree whose root lives at id. The page is recorded
// in the tree's root slot, slot 0 unless WithRootSlot says otherwise, and
// later root changes are tracked there.
//
//goland:noinspection GoUnusedExportedFunction
func WithRootPage(id base.PageID) Option {
	return func(opts *Options) {
		opts.rootPage = id
	}
}

// WithRootSlot selects the store root slot holding the tree's root page id.
//
//goland:noinspection GoUnusedExportedFunction
func WithRootSlot(slot int) Option {
	return func(opts *Options) {
		opts.rootSlot = slot
	}
}

// WithLogger sets the logger for structural events.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(l Logger) Option {
	return func(opts *Options) {
		opts.logger = l
	}
}

func (o *Options) validate() error {
	if o.pageFillTarget < 50 || o.pageFillTarget > 100 {
		return base.Invalidf("page fill target %d%% outside [50, 100]", o.pageFillTarget)
	}
	if o.internalMinFill < 0 || o.internalMinFill > 50 {
		return base.Invalidf("internal min fill %d%% outside [0, 50]", o.internalMinFill)
	}
	if o.rootSlot < 0 || o.rootSlot >= base.MaxRoots {
		return base.Invalidf("root slot %d outside [0, %d)", o.rootSlot, base.MaxRoots)
	}
	if o.logger == nil {
		o.logger = DiscardLogger{}
	}
	return nil
}

// SyncMode controls when the store fsyncs.
type SyncMode = pager.SyncMode

const (
	// SyncEveryCommit fsyncs on every transaction commit.
	// - Committed data survives a process crash
	// - Limited by fsync latency
	SyncEveryCommit = pager.SyncEveryCommit

	// SyncOff disables fsync entirely (testing/bulk loads only).
	// - Maximum throughput
	// - All unflushed data lost on crash
	SyncOff = pager.SyncOff
)

// StoreOptions configures a Store.
type StoreOptions struct {
	pageSize        int
	syncMode        SyncMode
	cachePages      int // Clean pages kept in memory. 0 disables the cache.
	mmap            bool
	verifyChecksums bool
	logger          Logger
}

// DefaultStoreOptions returns safe default configuration.
//
//goland:noinspection GoUnusedExportedFunction
func DefaultStoreOptions() StoreOptions {
	return StoreOptions{
		pageSize:        DefaultPageSize,
		syncMode:        SyncEveryCommit,
		cachePages:      DefaultCachePages,
		verifyChecksums: true,
		logger:          DiscardLogger{},
	}
}

// StoreOption configures store options using the functional options pattern.
type StoreOption func(*StoreOptions)

// WithPageSize sets the page size of a new store: a multiple of 64 between
// 256 and 32768. An existing file keeps the size it was created with and
// must be opened with the same value.
//
//goland:noinspection GoUnusedExportedFunction
func WithPageSize(size int) StoreOption {
	return func(opts *StoreOptions) {
		opts.pageSize = size
	}
}

// WithSyncEveryCommit configures the store to fsync on every commit.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncEveryCommit() StoreOption {
	return func(opts *StoreOptions) {
		opts.syncMode = SyncEveryCommit
	}
}

// WithSyncOff disables fsync entirely.
// Only use for testing or bulk loads where data can be reconstructed.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncOff() StoreOption {
	return func(opts *StoreOptions) {
		opts.syncMode = SyncOff
	}
}

// WithCachePages sets how many clean pages the store keeps in memory. When
// the cache is full, the least recently used pages are evicted.
//
//goland:noinspection GoUnusedExportedFunction
func WithCachePages(n int) StoreOption {
	return func(opts *StoreOptions) {
		opts.cachePages = n
	}
}

// WithMMap serves file reads from a shared memory mapping.
//
//goland:noinspection GoUnusedExportedFunction
func WithMMap() StoreOption {
	return func(opts *StoreOptions) {
		opts.mmap = true
	}
}

// WithStoreChecksums sets the initial checksum verification mode. Trees
// opened with WithChecksumVerify override it.
//
//goland:noinspection GoUnusedExportedFunction
func WithStoreChecksums(enabled bool) StoreOption {
	return func(opts *StoreOptions) {
		opts.verifyChecksums = enabled
	}
}

// WithStoreLogger sets the logger for meta recovery and freelist events.
//
//goland:noinspection GoUnusedExportedFunction
func WithStoreLogger(l Logger) StoreOption {
	return func(opts *StoreOptions) {
		opts.logger = l
	}
}
