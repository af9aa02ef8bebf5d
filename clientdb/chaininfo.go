package clientdb

import (
	"context"

	"chaindb/block"
	"chaindb/mmr"
)

// ChainInfo is the read surface of the client database. Reads are
// blocking and cheap: the single writer only holds the exclusive lock
// for in-memory admission, never across I/O.
type ChainInfo interface {
	// BestRoot returns the root of the current best block.
	BestRoot() block.Root

	// BestNumber returns the current best height.
	BestNumber() block.Number

	// BestHeader returns the header of the current best block.
	BestHeader() *block.Header

	// Header returns a lease on the header with the given root, or nil
	// if the root is not tracked. While any lease on a root is held,
	// its fork survives pruning.
	Header(root block.Root) *HeaderLease

	// HasBlock reports whether the root is tracked.
	HasBlock(root block.Root) bool

	// AncestorHeader returns the header at ancestorNumber on the chain
	// leading to descendantRoot, or nil when either end is unknown.
	AncestorHeader(ancestorNumber block.Number, descendantRoot block.Root) *block.Header

	// MMRWithBlock returns the accumulator as of the given block, or
	// nil if the root is unknown or the block is already confirmed
	// (confirmed blocks do not retain their MMR).
	MMRWithBlock(root block.Root) *mmr.Peaks
}

// ChainInfoWrite extends ChainInfo with block admission.
type ChainInfoWrite interface {
	ChainInfo

	// PersistBlock admits a block together with the accumulator as of
	// that block.
	PersistBlock(ctx context.Context, blk *block.Block, peaks *mmr.Peaks) error
}

var _ ChainInfoWrite = (*ClientDatabase)(nil)

func (db *ClientDatabase) BestRoot() block.Root {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.state.bestRoot()
}

func (db *ClientDatabase) BestNumber() block.Number {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.state.bestNumber()
}

func (db *ClientDatabase) BestHeader() *block.Header {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.state.bestBlock().header
}

func (db *ClientDatabase) HasBlock(root block.Root) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.state.blockRoots[root]
	return ok
}

func (db *ClientDatabase) Header(root block.Root) *HeaderLease {
	db.mu.RLock()
	defer db.mu.RUnlock()
	cb := db.lookupLocked(root)
	if cb == nil {
		return nil
	}
	return db.leases.lease(cb.header)
}

func (db *ClientDatabase) MMRWithBlock(root block.Root) *mmr.Peaks {
	db.mu.RLock()
	defer db.mu.RUnlock()
	cb := db.lookupLocked(root)
	if cb == nil {
		return nil
	}
	return cb.mmr
}

func (db *ClientDatabase) AncestorHeader(ancestorNumber block.Number, descendantRoot block.Root) *block.Header {
	db.mu.RLock()
	defer db.mu.RUnlock()
	s := db.state
	descendantNumber, ok := s.blockRoots[descendantRoot]
	if !ok || ancestorNumber > descendantNumber {
		return nil
	}
	descendantOffset, ok := s.offsetOf(descendantNumber)
	if !ok {
		return nil
	}
	ancestorOffset, ok := s.offsetOf(ancestorNumber)
	if !ok {
		return nil
	}
	if ancestorNumber == descendantNumber {
		_, cb := s.findCandidate(descendantOffset, descendantRoot)
		if cb == nil {
			return nil
		}
		return cb.header
	}

	// With single candidates everywhere below the descendant the
	// ancestor is unambiguous.
	ambiguous := false
	for o := descendantOffset + 1; o <= ancestorOffset; o++ {
		if len(s.blocks[o]) > 1 {
			ambiguous = true
			break
		}
	}
	if !ambiguous {
		return s.blocks[ancestorOffset][0].header
	}

	// Otherwise walk the parent chain down from the descendant.
	_, cur := s.findCandidate(descendantOffset, descendantRoot)
	for cur != nil && cur.header.Number > ancestorNumber {
		offset, ok := s.offsetOf(cur.header.Number - 1)
		if !ok {
			return nil
		}
		_, cur = s.findCandidate(offset, cur.header.ParentRoot)
	}
	if cur == nil {
		return nil
	}
	return cur.header
}

// ForkTips returns the tracked chain heads in recency order, best
// chain first.
func (db *ClientDatabase) ForkTips() []ForkTip {
	db.mu.RLock()
	defer db.mu.RUnlock()
	tips := make([]ForkTip, len(db.state.forkTips))
	copy(tips, db.state.forkTips)
	return tips
}

// lookupLocked resolves a root to its candidate; callers hold mu.
func (db *ClientDatabase) lookupLocked(root block.Root) *chainBlock {
	number, ok := db.state.blockRoots[root]
	if !ok {
		return nil
	}
	offset, ok := db.state.offsetOf(number)
	if !ok {
		return nil
	}
	_, cb := db.state.findCandidate(offset, root)
	return cb
}
