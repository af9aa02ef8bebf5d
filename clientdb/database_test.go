package clientdb

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"chaindb/block"
	"chaindb/mmr"
	"chaindb/pagedb"
)

func testConfig() Config {
	return Config{
		ConfirmationDepthK:    3,
		SoftConfirmationDepth: 1,
		MaxForkTips:           8,
		MaxForkTipDistance:    3,
	}
}

func openTestDB(t *testing.T, cfg Config) (*ClientDatabase, pagedb.Backend, *block.Block) {
	t.Helper()
	backend := pagedb.NewMemoryBackend()
	require.NoError(t, Format(backend, pagedb.FormatOptions{PageGroupPages: 8}))
	genesis := block.Genesis(1700000000)
	db, err := Open(context.Background(), cfg, backend, genesis, nil)
	require.NoError(t, err)
	return db, backend, genesis
}

// childBlock builds a block extending parent. The tag makes sibling
// forks distinguishable.
func childBlock(parent *block.Header, tag string) *block.Block {
	body := &block.Body{Transactions: [][]byte{[]byte(tag)}}
	return block.AssembleBlock(parent.Number+1, parent.Root(), body, parent.Timestamp+6)
}

func mustPersist(t *testing.T, db *ClientDatabase, b *block.Block, peaks *mmr.Peaks) {
	t.Helper()
	require.NoError(t, db.PersistBlock(context.Background(), b, peaks))
	checkForestInvariants(t, db)
}

func candidateState(t *testing.T, db *ClientDatabase, root block.Root) blockState {
	t.Helper()
	db.mu.RLock()
	defer db.mu.RUnlock()
	cb := db.lookupLocked(root)
	require.NotNil(t, cb, "block %s not tracked", root)
	return cb.st
}

func TestConfigValidate(t *testing.T) {
	valid := testConfig()
	require.NoError(t, valid.Validate())

	cfg := valid
	cfg.SoftConfirmationDepth = 0
	require.ErrorIs(t, cfg.Validate(), ErrInvalidSoftConfirmationDepth)

	cfg = valid
	cfg.SoftConfirmationDepth = cfg.ConfirmationDepthK
	require.ErrorIs(t, cfg.Validate(), ErrInvalidSoftConfirmationDepth)

	cfg = valid
	cfg.MaxForkTipDistance = cfg.ConfirmationDepthK - 1
	require.ErrorIs(t, cfg.Validate(), ErrInvalidMaxForkTipDistance)

	cfg = valid
	cfg.MaxForkTips = 0
	require.ErrorIs(t, cfg.Validate(), ErrInvalidMaxForkTips)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	backend := pagedb.NewMemoryBackend()
	require.NoError(t, Format(backend, pagedb.FormatOptions{}))
	cfg := testConfig()
	cfg.MaxForkTips = 0
	_, err := Open(context.Background(), cfg, backend, block.Genesis(0), nil)
	require.ErrorIs(t, err, ErrInvalidMaxForkTips)
}

func TestOpenRequiresFormattedBackend(t *testing.T) {
	_, err := Open(context.Background(), testConfig(), pagedb.NewMemoryBackend(), block.Genesis(0), nil)
	require.ErrorIs(t, err, pagedb.ErrUnformatted)
}

func TestFreshOpenSeedsGenesis(t *testing.T) {
	db, backend, genesis := openTestDB(t, testConfig())
	require.Equal(t, genesis.Header.Root(), db.BestRoot())
	require.EqualValues(t, 0, db.BestNumber())
	require.True(t, db.HasBlock(genesis.Header.Root()))
	require.Equal(t, statePersisted, candidateState(t, db, genesis.Header.Root()))
	require.NoError(t, db.Close())

	// Genesis was written through the adapter, so a reopen replays it.
	db, err := Open(context.Background(), testConfig(), backend, genesis, nil)
	require.NoError(t, err)
	require.Equal(t, genesis.Header.Root(), db.BestRoot())
	require.NoError(t, db.Close())
}

func TestLinearGrowthLifecycle(t *testing.T) {
	db, _, genesis := openTestDB(t, testConfig())

	parent := genesis.Header
	peaks := mmr.New()
	var chain []*block.Block
	peaksByRoot := make(map[block.Root]*mmr.Peaks)
	for i := 0; i < 6; i++ {
		b := childBlock(parent, "main")
		peaks = peaks.WithAppended(parent.Root())
		mustPersist(t, db, b, peaks)
		chain = append(chain, b)
		peaksByRoot[b.Header.Root()] = peaks
		parent = b.Header
	}
	b := func(n int) block.Root { return chain[n-1].Header.Root() }

	require.EqualValues(t, 6, db.BestNumber())
	require.Equal(t, b(6), db.BestRoot())
	require.Equal(t, b(6), db.BestHeader().Root())

	// Everything past the soft confirmation depth is durable; blocks
	// past the confirmation depth are confirmed and shed their MMR.
	require.Equal(t, stateInMemory, candidateState(t, db, b(6)))
	require.Equal(t, statePersisted, candidateState(t, db, b(5)))
	require.Equal(t, statePersisted, candidateState(t, db, b(3)))
	require.Equal(t, statePersistedConfirmed, candidateState(t, db, b(2)))
	require.Equal(t, statePersistedConfirmed, candidateState(t, db, b(1)))

	require.Nil(t, db.MMRWithBlock(b(1)))
	got := db.MMRWithBlock(b(5))
	require.NotNil(t, got)
	require.Equal(t, peaksByRoot[b(5)].Root(), got.Root())

	// Only a bounded window of heights stays tracked: height zero fell
	// off once the best height passed the retention window.
	require.False(t, db.HasBlock(genesis.Header.Root()))
	require.True(t, db.HasBlock(b(1)))
}

func TestAdmissionErrors(t *testing.T) {
	db, _, genesis := openTestDB(t, testConfig())

	parent := genesis.Header
	var chain []*block.Block
	for i := 0; i < 5; i++ {
		b := childBlock(parent, "main")
		mustPersist(t, db, b, nil)
		chain = append(chain, b)
		parent = b.Header
	}

	t.Run("duplicate", func(t *testing.T) {
		err := db.PersistBlock(context.Background(), chain[4], nil)
		require.ErrorIs(t, err, ErrBlockAlreadyExists)
	})

	t.Run("height gap", func(t *testing.T) {
		gap := block.AssembleBlock(parent.Number+2, parent.Root(), &block.Body{}, 1)
		err := db.PersistBlock(context.Background(), gap, nil)
		require.ErrorIs(t, err, ErrOutsideAcceptableRange)
	})

	t.Run("new best with unknown parent", func(t *testing.T) {
		orphan := block.AssembleBlock(parent.Number+1, block.Root{0xde, 0xad}, &block.Body{}, 1)
		err := db.PersistBlock(context.Background(), orphan, nil)
		require.ErrorIs(t, err, ErrMissingParent)
	})

	t.Run("fork below confirmation depth", func(t *testing.T) {
		// Best is 5; a fork at height 2 sits at offset 3 == K, past the
		// deepest height a fork may still attach to.
		deep := childBlock(chain[0].Header, "deep-fork")
		err := db.PersistBlock(context.Background(), deep, nil)
		require.ErrorIs(t, err, ErrOutsideAcceptableRange)
	})

	t.Run("fork with unknown parent", func(t *testing.T) {
		orphan := block.AssembleBlock(4, block.Root{0xbe, 0xef}, &block.Body{}, 1)
		err := db.PersistBlock(context.Background(), orphan, nil)
		require.ErrorIs(t, err, ErrMissingParent)
	})
}

func TestForkCapacityEviction(t *testing.T) {
	cfg := testConfig()
	cfg.SoftConfirmationDepth = 2
	cfg.MaxForkTips = 2
	db, _, genesis := openTestDB(t, cfg)

	parent := genesis.Header
	var chain []*block.Block
	for i := 0; i < 3; i++ {
		b := childBlock(parent, "main")
		mustPersist(t, db, b, nil)
		chain = append(chain, b)
		parent = b.Header
	}

	forkA := childBlock(chain[1].Header, "fork-a")
	mustPersist(t, db, forkA, nil)
	require.True(t, db.HasBlock(forkA.Header.Root()))
	require.Equal(t, []ForkTip{
		{Number: 3, Root: chain[2].Header.Root()},
		{Number: 3, Root: forkA.Header.Root()},
	}, db.ForkTips())

	// A third head exceeds the tip capacity; the least recently
	// extended fork is evicted and, being unreferenced and still in
	// memory, pruned outright.
	forkB := childBlock(chain[1].Header, "fork-b")
	mustPersist(t, db, forkB, nil)
	require.False(t, db.HasBlock(forkA.Header.Root()))
	require.True(t, db.HasBlock(forkB.Header.Root()))
	require.Equal(t, []ForkTip{
		{Number: 3, Root: chain[2].Header.Root()},
		{Number: 3, Root: forkB.Header.Root()},
	}, db.ForkTips())
}

func TestLeasedForkSurvivesEviction(t *testing.T) {
	cfg := testConfig()
	cfg.SoftConfirmationDepth = 2
	cfg.MaxForkTips = 2
	db, _, genesis := openTestDB(t, cfg)

	parent := genesis.Header
	var chain []*block.Block
	for i := 0; i < 3; i++ {
		b := childBlock(parent, "main")
		mustPersist(t, db, b, nil)
		chain = append(chain, b)
		parent = b.Header
	}

	forkA := childBlock(chain[1].Header, "fork-a")
	mustPersist(t, db, forkA, nil)
	lease := db.Header(forkA.Header.Root())
	require.NotNil(t, lease)
	require.Equal(t, forkA.Header.Root(), lease.Header().Root())

	forkB := childBlock(chain[1].Header, "fork-b")
	mustPersist(t, db, forkB, nil)
	require.True(t, db.HasBlock(forkA.Header.Root()), "leased fork must not be pruned")

	// Once released, the next eviction round removes it.
	lease.Release()
	forkC := childBlock(chain[1].Header, "fork-c")
	mustPersist(t, db, forkC, nil)
	require.False(t, db.HasBlock(forkA.Header.Root()))
}

func TestForkPruneStopsAtDurableBlock(t *testing.T) {
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

	// A two-block fork off height 1. Its base ages past the soft
	// confirmation depth once the main chain reaches height 4 and is
	// written out; its tip stays in memory.
	forkBase := childBlock(chain[0].Header, "fork")
	mustPersist(t, db, forkBase, nil)
	forkTip := childBlock(forkBase.Header, "fork")
	mustPersist(t, db, forkTip, nil)

	b4 := childBlock(chain[2].Header, "main")
	mustPersist(t, db, b4, nil)
	require.Equal(t, statePersisted, candidateState(t, db, forkBase.Header.Root()))
	require.Equal(t, stateInMemory, candidateState(t, db, forkTip.Header.Root()))

	// A third head evicts the fork tip. The prune walk removes the
	// in-memory tip but stops at the durable base, which becomes a
	// tracked head again.
	sibling := childBlock(forkBase.Header, "fork-sibling")
	mustPersist(t, db, sibling, nil)
	require.False(t, db.HasBlock(forkTip.Header.Root()))
	require.True(t, db.HasBlock(forkBase.Header.Root()))
	require.Equal(t, []ForkTip{
		{Number: 4, Root: b4.Header.Root()},
		{Number: 3, Root: sibling.Header.Root()},
		{Number: 2, Root: forkBase.Header.Root()},
	}, db.ForkTips())
}

func TestReopenReconstructsForest(t *testing.T) {
	db, backend, genesis := openTestDB(t, testConfig())

	parent := genesis.Header
	var chain []*block.Block
	for i := 0; i < 5; i++ {
		b := childBlock(parent, "main")
		mustPersist(t, db, b, nil)
		chain = append(chain, b)
		parent = b.Header
	}
	fork5 := childBlock(chain[3].Header, "fork")
	mustPersist(t, db, fork5, nil)
	b6 := childBlock(chain[4].Header, "main")
	mustPersist(t, db, b6, nil)

	// Height 5 (both candidates) aged past the soft confirmation depth
	// when block 6 arrived; block 6 itself never became durable.
	require.Equal(t, stateInMemory, candidateState(t, db, b6.Header.Root()))
	require.Equal(t, statePersisted, candidateState(t, db, chain[4].Header.Root()))
	require.Equal(t, statePersisted, candidateState(t, db, fork5.Header.Root()))
	require.NoError(t, db.Close())

	db, err := Open(context.Background(), testConfig(), backend, genesis, nil)
	require.NoError(t, err)
	checkForestInvariants(t, db)

	require.EqualValues(t, 5, db.BestNumber())
	require.Equal(t, chain[4].Header.Root(), db.BestRoot())
	require.True(t, db.HasBlock(fork5.Header.Root()))
	require.False(t, db.HasBlock(b6.Header.Root()))
	require.Equal(t, []ForkTip{
		{Number: 5, Root: chain[4].Header.Root()},
		{Number: 5, Root: fork5.Header.Root()},
	}, db.ForkTips())

	// Replayed blocks are durable by construction.
	require.Equal(t, statePersisted, candidateState(t, db, chain[4].Header.Root()))

	// Growth continues seamlessly after the reopen.
	mustPersist(t, db, b6, nil)
	require.Equal(t, b6.Header.Root(), db.BestRoot())
	require.NoError(t, db.Close())
}

func TestReopenRejectsMismatchedGenesis(t *testing.T) {
	db, backend, _ := openTestDB(t, testConfig())
	require.NoError(t, db.Close())

	_, err := Open(context.Background(), testConfig(), backend, block.Genesis(42), nil)
	require.ErrorIs(t, err, ErrInvalidBlock)
}

var errInjectedWrite = errors.New("injected write failure")

// flakyBackend fails WriteAt on demand to exercise the persistence
// retry path.
type flakyBackend struct {
	pagedb.Backend
	failWrites bool
}

func (f *flakyBackend) WriteAt(p []byte, off int64) error {
	if f.failWrites {
		return errInjectedWrite
	}
	return f.Backend.WriteAt(p, off)
}

func TestPersistenceRetriesAfterWriteFailure(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{Backend: pagedb.NewMemoryBackend()}
	require.NoError(t, Format(backend, pagedb.FormatOptions{PageGroupPages: 8}))
	genesis := block.Genesis(1700000000)
	db, err := Open(ctx, testConfig(), backend, genesis, nil)
	require.NoError(t, err)

	b1 := childBlock(genesis.Header, "main")
	mustPersist(t, db, b1, nil)

	// Admission succeeds even though the aged block cannot be written;
	// it simply stays in memory.
	backend.failWrites = true
	b2 := childBlock(b1.Header, "main")
	err = db.PersistBlock(ctx, b2, nil)
	require.ErrorIs(t, err, errInjectedWrite)
	require.True(t, db.HasBlock(b2.Header.Root()))
	require.Equal(t, stateInMemory, candidateState(t, db, b1.Header.Root()))

	// The next insert retries the whole backlog.
	backend.failWrites = false
	b3 := childBlock(b2.Header, "main")
	mustPersist(t, db, b3, nil)
	require.Equal(t, statePersisted, candidateState(t, db, b1.Header.Root()))
	require.Equal(t, statePersisted, candidateState(t, db, b2.Header.Root()))
}
