package base

// MaxRoots is the number of root slots a page store keeps in its meta page.
const MaxRoots = 8

// PageReader fetches page bytes under a snapshot. The returned slice must not
// be modified.
type PageReader interface {
	PageSize() int
	Page(id PageID) ([]byte, error)
	Root(slot int) PageID
}

// PageWriter is the mutable view of a write transaction. Page and PageMut
// both observe the transaction's own writes.
type PageWriter interface {
	PageReader
	PageMut(id PageID) ([]byte, error)
	// Allocate returns a zeroed page carrying a fresh storage header.
	Allocate() (PageID, error)
	Free(id PageID) error
	SetRoot(slot int, id PageID) error
}

type ReadTx interface {
	PageReader
	Release()
}

type WriteTx interface {
	PageWriter
	Commit() error
	Rollback()
}

// PageStore supplies committed page bytes and serializes writers.
type PageStore interface {
	PageSize() int
	BeginRead() (ReadTx, error)
	BeginWrite() (WriteTx, error)
}

// ChecksumVerifier is implemented by stores that can toggle checksum
// verification on reads.
type ChecksumVerifier interface {
	SetVerifyChecksums(enabled bool)
}
