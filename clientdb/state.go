package clientdb

import (
	"chaindb/block"
)

// ForkTip is a candidate chain head: a block with no known descendant.
type ForkTip struct {
	Number block.Number
	Root   block.Root
}

// State is the in-memory fork forest near the chain tip.
//
// blocks is a deque of candidate lists indexed by block offset
// (bestNumber - height): blocks[0] holds the candidates at the best
// height and blocks[0][0] is always the current best block. Within a
// level, index 0 is the canonical candidate; the canonical candidates
// across all levels form the ancestor chain of the best block.
//
// forkTips is recency ordered: the front entry is the best chain, the
// rest are most-recently-extended first.
type State struct {
	forkTips   []ForkTip
	blockRoots map[block.Root]block.Number
	blocks     [][]*chainBlock
	leases     *leaseRegistry
}

func newState(leases *leaseRegistry) *State {
	return &State{
		blockRoots: make(map[block.Root]block.Number),
		leases:     leases,
	}
}

func (s *State) empty() bool {
	return len(s.blocks) == 0
}

func (s *State) bestBlock() *chainBlock {
	return s.blocks[0][0]
}

func (s *State) bestNumber() block.Number {
	return s.bestBlock().header.Number
}

func (s *State) bestRoot() block.Root {
	return s.bestBlock().root()
}

// offsetOf translates a height into a block offset, reporting whether
// that height is still tracked.
func (s *State) offsetOf(number block.Number) (int, bool) {
	if s.empty() || number > s.bestNumber() {
		return 0, false
	}
	offset := int(s.bestNumber() - number)
	return offset, offset < len(s.blocks)
}

// findCandidate scans the (small) candidate list at offset for root.
func (s *State) findCandidate(offset int, root block.Root) (int, *chainBlock) {
	for i, cb := range s.blocks[offset] {
		if cb.root() == root {
			return i, cb
		}
	}
	return 0, nil
}

// adjustAncestorBlockForks reorders candidate lists so that fork
// offset 0 at every height is the ancestor chain of target (the parent
// of an incoming best block). Walks from the best height downward,
// swapping the matching candidate to the front of its level and
// following its parent root, until a level is unambiguous.
func (s *State) adjustAncestorBlockForks(target block.Root) error {
	idx, cand := s.findCandidate(0, target)
	if cand == nil {
		return ErrMissingParent
	}
	s.blocks[0][0], s.blocks[0][idx] = s.blocks[0][idx], s.blocks[0][0]
	target = cand.header.ParentRoot

	for offset := 1; offset < len(s.blocks); offset++ {
		level := s.blocks[offset]
		if len(level) <= 1 {
			break
		}
		idx, cand := s.findCandidate(offset, target)
		if cand == nil {
			return ErrFailedToAdjustAncestorBlockForks
		}
		level[0], level[idx] = level[idx], level[0]
		target = cand.header.ParentRoot
	}
	return nil
}

// pushBest prepends a new best level holding only cb. The caller has
// already reordered ancestors and checked for duplicates.
func (s *State) pushBest(cb *chainBlock) {
	s.blocks = append([][]*chainBlock{{cb}}, s.blocks...)
	s.blockRoots[cb.root()] = cb.header.Number
	s.removeTip(cb.header.ParentRoot)
	s.forkTips = append([]ForkTip{{Number: cb.header.Number, Root: cb.root()}}, s.forkTips...)
}

// appendFork adds cb as a non-canonical candidate at offset. A fresh
// fork is tracked second in the tip order: recently extended, but not
// the best chain.
func (s *State) appendFork(cb *chainBlock, offset int) {
	s.blocks[offset] = append(s.blocks[offset], cb)
	s.blockRoots[cb.root()] = cb.header.Number
	s.removeTip(cb.header.ParentRoot)
	tip := ForkTip{Number: cb.header.Number, Root: cb.root()}
	if len(s.forkTips) == 0 {
		s.forkTips = []ForkTip{tip}
		return
	}
	s.forkTips = append(s.forkTips[:1], append([]ForkTip{tip}, s.forkTips[1:]...)...)
}

func (s *State) removeTip(root block.Root) bool {
	for i, tip := range s.forkTips {
		if tip.Root == root {
			s.forkTips = append(s.forkTips[:i], s.forkTips[i+1:]...)
			return true
		}
	}
	return false
}

// removeCandidate forgets the candidate at blocks[offset][idx]:
// unregisters its root, removes any fork tip pointing at it, and
// releases its pin on its parent.
func (s *State) removeCandidate(offset, idx int) *chainBlock {
	level := s.blocks[offset]
	cb := level[idx]
	s.blocks[offset] = append(level[:idx], level[idx+1:]...)
	delete(s.blockRoots, cb.root())
	s.removeTip(cb.root())
	cb.drop()
	return cb
}

// confirmCanonicalBlock transitions the canonical block at offset
// confirmationDepthK+1 to persisted-confirmed, then deletes every
// abandoned sibling fork and everything built on it. The +1 keeps the
// confirmed block's immediate parent (with its MMR) around for reorg
// handling at the shallowest permitted depth.
//
// Reports whether a block was confirmed and how many candidates the
// cascade removed.
func (s *State) confirmCanonicalBlock(confirmationDepthK uint64) (bool, int, error) {
	offset := int(confirmationDepthK) + 1
	if offset >= len(s.blocks) {
		return false, 0, nil
	}
	level := s.blocks[offset]
	canonical := level[0]
	if canonical.st == statePersistedConfirmed {
		// Confirmed blocks have no siblings, so a second confirmation
		// of the same offset means bookkeeping went wrong upstream.
		return false, 0, &InvariantViolation{Msg: "canonical block confirmed twice"}
	}
	if err := canonical.toConfirmed(); err != nil {
		return false, 0, err
	}

	removedRoots := make(map[block.Root]struct{})
	for i := len(level) - 1; i >= 1; i-- {
		removedRoots[level[i].root()] = struct{}{}
		s.removeCandidate(offset, i)
	}
	removed := len(removedRoots)

	// Cascade forward: drop every descendant of a removed candidate.
	for o := offset - 1; o >= 0 && len(removedRoots) > 0; o-- {
		next := make(map[block.Root]struct{})
		for i := len(s.blocks[o]) - 1; i >= 0; i-- {
			cb := s.blocks[o][i]
			if _, gone := removedRoots[cb.header.ParentRoot]; gone {
				next[cb.root()] = struct{}{}
				s.removeCandidate(o, i)
				removed++
			}
		}
		removedRoots = next
	}
	return true, removed, nil
}

// pruneOutdatedForkTips evicts tips that drifted too far behind the
// best height or beyond the tip capacity, and attempts to prune each
// evicted fork. Eviction is a candidacy, not a guarantee: forks that
// are pinned or already durable stay, re-registered as tips.
//
// Returns the number of candidates actually removed.
func (s *State) pruneOutdatedForkTips(maxForkTips int, maxForkTipDistance uint64) int {
	best := s.bestNumber()
	kept := make([]ForkTip, 0, len(s.forkTips))
	var evicted []ForkTip
	for i, tip := range s.forkTips {
		tooFar := uint64(best-tip.Number) > maxForkTipDistance
		overCapacity := i >= maxForkTips
		if i > 0 && (tooFar || overCapacity) {
			evicted = append(evicted, tip)
		} else {
			kept = append(kept, tip)
		}
	}
	s.forkTips = kept

	pruned := 0
	for _, tip := range evicted {
		remaining, n := s.pruneOutdatedFork(tip)
		pruned += n
		// Two walks can stop at the same shared block (sibling forks
		// off one durable base); register it as a tip only once.
		if remaining != nil && !s.hasTip(remaining.Root) {
			s.forkTips = append(s.forkTips, *remaining)
		}
	}
	return pruned
}

func (s *State) hasTip(root block.Root) bool {
	for _, tip := range s.forkTips {
		if tip.Root == root {
			return true
		}
	}
	return false
}

// pruneOutdatedFork walks from the tip backward toward the best chain,
// removing candidates while they are off the canonical path, unpinned,
// and still in memory. It stops at the first durable or externally
// referenced block; that block is again a head with no descendant and
// is handed back to be re-registered as a tip. Returns nil when the
// fork was pruned completely (or had already vanished).
func (s *State) pruneOutdatedFork(tip ForkTip) (*ForkTip, int) {
	target := tip.Root
	number := tip.Number
	pruned := 0
	for {
		offset, ok := s.offsetOf(number)
		if !ok {
			// Fell off the back of the deque; nothing left to track.
			return nil, pruned
		}
		idx, cand := s.findCandidate(offset, target)
		if cand == nil {
			// Already removed, e.g. by a confirmation cascade.
			return nil, pruned
		}
		if idx == 0 {
			// Reached the canonical path; never touch it.
			return nil, pruned
		}
		if s.leases.pinned(target) || cand.st != stateInMemory {
			// Pinned by a child fork or an external holder, or already
			// durable and cheap to retain.
			return &ForkTip{Number: number, Root: target}, pruned
		}
		parent := cand.header.ParentRoot
		s.removeCandidate(offset, idx)
		pruned++
		target = parent
		number--
	}
}

// truncateBack forgets levels beyond maxLevels. Everything retained by
// an invariant (confirmation offset, fork tip range) stays in range by
// construction; what falls off is durable history.
func (s *State) truncateBack(maxLevels int) {
	for len(s.blocks) > maxLevels {
		level := s.blocks[len(s.blocks)-1]
		for i := len(level) - 1; i >= 0; i-- {
			s.removeCandidate(len(s.blocks)-1, i)
		}
		s.blocks = s.blocks[:len(s.blocks)-1]
	}
}
