package sombra

import (
	"github.com/maskdotdev/sombra-sub003/internal/base"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	// ErrInvalid and ErrCorruption are the two failures a tree operation can
	// report. Check errors.Is against them; messages carry the detail.
	ErrInvalid    = base.ErrInvalid
	ErrCorruption = base.ErrCorruption

	// ErrPageFull and ErrSlotOverflow are leaf allocator signals the tree
	// resolves with a rebuild or a split. Tree operations never return them.
	ErrPageFull     = base.ErrPageFull
	ErrSlotOverflow = base.ErrSlotOverflow

	ErrTxDone       = base.ErrTxDone
	ErrTxInProgress = base.ErrTxInProgress
	ErrStoreClosed  = base.ErrStoreClosed

	ErrInvalidMagicNumber = base.ErrInvalidMagicNumber
	ErrInvalidVersion     = base.ErrInvalidVersion
	ErrInvalidPageSize    = base.ErrInvalidPageSize
	ErrInvalidChecksum    = base.ErrInvalidChecksum
)
