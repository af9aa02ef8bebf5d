package clientdb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"chaindb/block"
)

// checkForestInvariants asserts the structural invariants of the fork
// forest: the first fork tip is the best block, every candidate is
// registered under its root at the right height, the canonical
// candidates link into one ancestor chain, and every tip resolves to a
// tracked candidate.
func checkForestInvariants(t *testing.T, db *ClientDatabase) {
	t.Helper()
	db.mu.RLock()
	defer db.mu.RUnlock()
	s := db.state

	require.NotEmpty(t, s.blocks)
	require.NotEmpty(t, s.forkTips)
	require.Equal(t, s.bestRoot(), s.forkTips[0].Root)
	require.Equal(t, s.bestNumber(), s.forkTips[0].Number)

	candidates := 0
	for offset, level := range s.blocks {
		require.NotEmpty(t, level, "level at offset %d is empty", offset)
		want := s.bestNumber() - block.Number(offset)
		for _, cb := range level {
			require.Equal(t, want, cb.header.Number)
			got, ok := s.blockRoots[cb.root()]
			require.True(t, ok, "candidate %s not registered", cb.root())
			require.Equal(t, want, got)
			candidates++
		}
	}
	require.Len(t, s.blockRoots, candidates)

	for offset := 0; offset+1 < len(s.blocks); offset++ {
		require.Equal(t, s.blocks[offset+1][0].root(), s.blocks[offset][0].header.ParentRoot,
			"canonical chain broken at offset %d", offset)
	}

	seen := make(map[block.Root]struct{}, len(s.forkTips))
	for _, tip := range s.forkTips {
		_, dup := seen[tip.Root]
		require.False(t, dup, "tip %s registered twice", tip.Root)
		seen[tip.Root] = struct{}{}
		offset, ok := s.offsetOf(tip.Number)
		require.True(t, ok, "tip %s at height %d out of range", tip.Root, tip.Number)
		_, cb := s.findCandidate(offset, tip.Root)
		require.NotNil(t, cb, "tip %s at height %d not tracked", tip.Root, tip.Number)
	}
}

func TestReorgToFork(t *testing.T) {
	cfg := testConfig()
	cfg.SoftConfirmationDepth = 2
	db, _, genesis := openTestDB(t, cfg)

	parent := genesis.Header
	var chain []*block.Block
	for i := 0; i < 3; i++ {
		b := childBlock(parent, "main")
		mustPersist(t, db, b, nil)
		chain = append(chain, b)
		parent = b.Header
	}

	// Side chain: c2 forks off height 1, c3 extends it, then c4 takes
	// over as the new best and drags its ancestors onto the canonical
	// path.
	c2 := childBlock(chain[0].Header, "side")
	mustPersist(t, db, c2, nil)
	c3 := childBlock(c2.Header, "side")
	mustPersist(t, db, c3, nil)
	require.Equal(t, chain[2].Header.Root(), db.BestRoot())

	c4 := childBlock(c3.Header, "side")
	mustPersist(t, db, c4, nil)

	require.Equal(t, c4.Header.Root(), db.BestRoot())
	require.EqualValues(t, 4, db.BestNumber())
	require.Equal(t, []ForkTip{
		{Number: 4, Root: c4.Header.Root()},
		{Number: 3, Root: chain[2].Header.Root()},
	}, db.ForkTips())

	// The canonical ancestor chain now runs through the side chain.
	require.Equal(t, c3.Header.Root(), db.AncestorHeader(3, c4.Header.Root()).Root())
	require.Equal(t, c2.Header.Root(), db.AncestorHeader(2, c4.Header.Root()).Root())
	require.Equal(t, chain[0].Header.Root(), db.AncestorHeader(1, c4.Header.Root()).Root())

	// The displaced chain is still reachable as a fork.
	require.Equal(t, chain[1].Header.Root(), db.AncestorHeader(2, chain[2].Header.Root()).Root())
}

func TestAncestorHeaderQueries(t *testing.T) {
	cfg := testConfig()
	cfg.SoftConfirmationDepth = 2
	db, _, genesis := openTestDB(t, cfg)

	parent := genesis.Header
	var chain []*block.Block
	for i := 0; i < 3; i++ {
		b := childBlock(parent, "main")
		mustPersist(t, db, b, nil)
		chain = append(chain, b)
		parent = b.Header
	}
	fork2 := childBlock(chain[0].Header, "fork")
	mustPersist(t, db, fork2, nil)

	t.Run("linear path", func(t *testing.T) {
		h := db.AncestorHeader(1, chain[2].Header.Root())
		require.NotNil(t, h)
		require.Equal(t, chain[0].Header.Root(), h.Root())
	})

	t.Run("self", func(t *testing.T) {
		h := db.AncestorHeader(2, fork2.Header.Root())
		require.NotNil(t, h)
		require.Equal(t, fork2.Header.Root(), h.Root())
	})

	t.Run("through ambiguous level", func(t *testing.T) {
		// Height 2 has two candidates; resolving through the canonical
		// descendant must pick the canonical one.
		h := db.AncestorHeader(2, chain[2].Header.Root())
		require.NotNil(t, h)
		require.Equal(t, chain[1].Header.Root(), h.Root())

		h = db.AncestorHeader(1, fork2.Header.Root())
		require.NotNil(t, h)
		require.Equal(t, chain[0].Header.Root(), h.Root())
	})

	t.Run("unknown descendant", func(t *testing.T) {
		require.Nil(t, db.AncestorHeader(1, block.Root{0x01}))
	})

	t.Run("ancestor above descendant", func(t *testing.T) {
		require.Nil(t, db.AncestorHeader(3, fork2.Header.Root()))
	})

	t.Run("ancestor below retention window", func(t *testing.T) {
		for i := 0; i < 6; i++ {
			b := childBlock(parent, "main")
			mustPersist(t, db, b, nil)
			parent = b.Header
		}
		require.Nil(t, db.AncestorHeader(0, db.BestRoot()))
	})
}

func TestEvictedSiblingsShareOneBaseTip(t *testing.T) {
	cfg := Config{
		ConfirmationDepthK:    4,
		SoftConfirmationDepth: 2,
		MaxForkTips:           2,
		MaxForkTipDistance:    4,
	}
	db, _, genesis := openTestDB(t, cfg)

	parent := genesis.Header
	var chain []*block.Block
	for i := 0; i < 3; i++ {
		b := childBlock(parent, "main")
		mustPersist(t, db, b, nil)
		chain = append(chain, b)
		parent = b.Header
	}

	// A fork base off height 1 that becomes durable once block 4 ages
	// it past the soft confirmation depth.
	base := childBlock(chain[0].Header, "base")
	mustPersist(t, db, base, nil)
	b4 := childBlock(chain[2].Header, "main")
	mustPersist(t, db, b4, nil)
	require.Equal(t, statePersisted, candidateState(t, db, base.Header.Root()))

	// Two in-memory sibling children of the base. The lease keeps the
	// first one alive past the capacity round the second one triggers.
	childA := childBlock(base.Header, "child-a")
	mustPersist(t, db, childA, nil)
	leaseA := db.Header(childA.Header.Root())
	require.NotNil(t, leaseA)
	childB := childBlock(base.Header, "child-b")
	mustPersist(t, db, childB, nil)
	require.True(t, db.HasBlock(childA.Header.Root()))
	leaseA.Release()

	// A fourth head pushes both siblings past the tip capacity in one
	// round. Both prune walks remove their in-memory child and stop at
	// the shared durable base, which must come back as a single tip.
	forkX := childBlock(chain[2].Header, "fork-x")
	mustPersist(t, db, forkX, nil)

	require.False(t, db.HasBlock(childA.Header.Root()))
	require.False(t, db.HasBlock(childB.Header.Root()))
	require.True(t, db.HasBlock(base.Header.Root()))
	require.Equal(t, []ForkTip{
		{Number: 4, Root: b4.Header.Root()},
		{Number: 4, Root: forkX.Header.Root()},
		{Number: 2, Root: base.Header.Root()},
	}, db.ForkTips())
}

func TestHeaderLeasePinning(t *testing.T) {
	db, _, genesis := openTestDB(t, testConfig())

	require.Nil(t, db.Header(block.Root{0x99}))

	lease := db.Header(genesis.Header.Root())
	require.NotNil(t, lease)
	require.Equal(t, genesis.Header.Root(), lease.Header().Root())
	require.True(t, db.leases.pinned(genesis.Header.Root()))

	// Release is idempotent.
	lease.Release()
	lease.Release()
	require.False(t, db.leases.pinned(genesis.Header.Root()))
}

func TestChildPinsParentLease(t *testing.T) {
	db, _, genesis := openTestDB(t, testConfig())

	b1 := childBlock(genesis.Header, "main")
	mustPersist(t, db, b1, nil)
	require.True(t, db.leases.pinned(genesis.Header.Root()), "child must pin its parent")

	b2 := childBlock(b1.Header, "main")
	mustPersist(t, db, b2, nil)
	require.True(t, db.leases.pinned(b1.Header.Root()))
}

func TestConfirmationCascadeRemovesAbandonedForks(t *testing.T) {
	cfg := testConfig()
	cfg.SoftConfirmationDepth = 2
	cfg.MaxForkTipDistance = 5
	db, _, genesis := openTestDB(t, cfg)

	parent := genesis.Header
	var chain []*block.Block
	for i := 0; i < 3; i++ {
		b := childBlock(parent, "main")
		mustPersist(t, db, b, nil)
		chain = append(chain, b)
		parent = b.Header
	}

	// A fork off height 1 with a descendant. Once block 2 is confirmed
	// its abandoned sibling and everything built on it must vanish
	// together.
	fork2 := childBlock(chain[0].Header, "fork")
	mustPersist(t, db, fork2, nil)
	fork3 := childBlock(fork2.Header, "fork")
	mustPersist(t, db, fork3, nil)

	for i := 0; i < 3; i++ {
		b := childBlock(parent, "main")
		mustPersist(t, db, b, nil)
		parent = b.Header
	}
	require.Equal(t, statePersistedConfirmed, candidateState(t, db, chain[1].Header.Root()))
	require.False(t, db.HasBlock(fork2.Header.Root()))
	require.False(t, db.HasBlock(fork3.Header.Root()))
	require.Equal(t, 1, len(db.ForkTips()))
}
