package ingest

import "github.com/AIAleph/token_holders/internal/ledger"

// DefaultWindowBlocks is the number of blocks per eth_getLogs call.
const DefaultWindowBlocks = 1000

// Window walks a block range backward from its upper bound in fixed windows.
// Each emitted range starts where the previous one ended, so neighbours share
// one boundary block. The walk stops before a window would cross the floor;
// no partial window is emitted. Window does no I/O.
type Window struct {
	floor  uint64
	cursor uint64
	size   uint64
	done   bool
}

// NewWindow starts at r.To and stops at r.From. r must be resolved.
func NewWindow(r ledger.BlockRange, size uint64) *Window {
	if size == 0 {
		size = DefaultWindowBlocks
	}
	return &Window{floor: r.From, cursor: r.To, size: size, done: r.Latest || r.From > r.To}
}

// Next returns the next range, or false once the floor is reached.
func (w *Window) Next() (ledger.BlockRange, bool) {
	if w.done || w.cursor < w.size || w.cursor-w.size < w.floor {
		w.done = true
		return ledger.BlockRange{}, false
	}
	r := ledger.BlockRange{From: w.cursor - w.size, To: w.cursor}
	w.cursor = r.From
	return r, true
}

// Remaining reports how many ranges Next will still emit.
func (w *Window) Remaining() int {
	if w.done || w.cursor < w.size || w.cursor-w.size < w.floor {
		return 0
	}
	return int((w.cursor - w.floor) / w.size)
}
