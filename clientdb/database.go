// Package clientdb is the fork-aware client block database: it tracks
// candidate chain forks near the tip in memory, writes aged blocks
// through the page group adapter, and confirms and prunes blocks as
// the chain grows past them.
package clientdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"chaindb/block"
	"chaindb/logx"
	"chaindb/mmr"
	"chaindb/monitoring"
	"chaindb/pagedb"
)

// databaseVersion is the logical database version recorded as the
// permanent storage item, independent of the page layout version.
const databaseVersion uint32 = 1

// Config bounds the fork forest and the persistence cadence.
type Config struct {
	// ConfirmationDepthK is the depth past which a canonical block is
	// treated as irreversible.
	ConfirmationDepthK uint64 `yaml:"confirmation_depth_k"`

	// SoftConfirmationDepth is the depth past which an in-memory block
	// becomes eligible for durable persistence. Must be at least 1 and
	// strictly below ConfirmationDepthK so persistence always runs
	// ahead of confirmation.
	SoftConfirmationDepth uint64 `yaml:"soft_confirmation_depth"`

	// MaxForkTips caps how many chain heads are tracked.
	MaxForkTips int `yaml:"max_fork_tips"`

	// MaxForkTipDistance caps how far behind the best height a tracked
	// head may fall. Must be at least ConfirmationDepthK, the deepest
	// height a fork may still attach to.
	MaxForkTipDistance uint64 `yaml:"max_fork_tip_distance"`

	// WriteBufferSize sizes the adapter staging buffer; 0 selects the
	// pagedb default.
	WriteBufferSize int `yaml:"write_buffer_size"`
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if c.SoftConfirmationDepth == 0 || c.SoftConfirmationDepth >= c.ConfirmationDepthK {
		return ErrInvalidSoftConfirmationDepth
	}
	if c.MaxForkTipDistance < c.ConfirmationDepthK {
		return ErrInvalidMaxForkTipDistance
	}
	if c.MaxForkTips < 1 {
		return ErrInvalidMaxForkTips
	}
	return nil
}

// maxLevels is how many heights the deque retains: enough for the
// confirmation offset and the deepest allowed fork tip, plus slack for
// the confirmed block's parent.
func (c *Config) maxLevels() int {
	levels := c.ConfirmationDepthK + 1
	if c.MaxForkTipDistance > levels {
		levels = c.MaxForkTipDistance
	}
	return int(levels) + 2
}

// ClientDatabase owns the fork forest behind a read-write lock and the
// page group adapter behind its own mutex. There is a single logical
// writer (PersistBlock); reads run concurrently, including during the
// I/O phase of a write, which holds only writerMu.
type ClientDatabase struct {
	cfg Config

	// mu guards state. writerMu serializes writers and, held together
	// with reader access through mu, stages the upgradable-read ->
	// exclusive-write pattern of the persistence pass.
	mu       sync.RWMutex
	writerMu sync.Mutex

	// adapterMu serializes physical writes through the adapter.
	adapterMu sync.Mutex
	adapter   *pagedb.Adapter

	state  *State
	leases *leaseRegistry
}

// Format initializes an empty database layout on the backend.
func Format(backend pagedb.Backend, opts pagedb.FormatOptions) error {
	return pagedb.Format(backend, opts)
}

// Open replays the backend's page groups into a fresh fork forest. On
// a formatted-but-empty backend the supplied genesis block is written
// through the adapter and becomes the sole (best) block; genesisMMR
// may be nil for an empty accumulator.
//
// The backend must have been formatted; all layout, version, and
// replay-consistency failures are fatal.
func Open(ctx context.Context, cfg Config, backend pagedb.Backend, genesis *block.Block, genesisMMR *mmr.Peaks) (*ClientDatabase, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if genesis == nil || genesis.Header == nil {
		return nil, fmt.Errorf("genesis block is required")
	}
	if genesisMMR == nil {
		genesisMMR = mmr.New()
	}

	leases := newLeaseRegistry()
	db := &ClientDatabase{
		cfg:    cfg,
		state:  newState(leases),
		leases: leases,
	}

	versionSeen := false
	replayed := 0
	handlers := pagedb.Handlers{
		Permanent: func(arg pagedb.StorageItemHandlerArg) error {
			if versionSeen {
				return pagedb.ErrUnexpectedStorageItem
			}
			if len(arg.Item.Payload) < 4 {
				return pagedb.ErrUnexpectedStorageItem
			}
			if binary.BigEndian.Uint32(arg.Item.Payload) != databaseVersion {
				return pagedb.ErrUnsupportedDatabaseVersion
			}
			versionSeen = true
			return nil
		},
		Block: func(arg pagedb.StorageItemHandlerArg) error {
			if !versionSeen {
				return pagedb.ErrUnexpectedStorageItem
			}
			header, _, peaks, err := decodeBlockItem(arg.Item.Payload)
			if err != nil {
				return err
			}
			cb := newPersistedBlock(header, peaks, arg.Location)
			if db.state.empty() {
				// The deepest replayed block seeds the forest as the
				// sole canonical block. It is genesis unless older
				// history was truncated off the deque before a crash.
				if header.Number == genesis.Header.Number && header.Root() != genesis.Header.Root() {
					return fmt.Errorf("%w: replayed genesis does not match the supplied genesis", ErrInvalidBlock)
				}
				db.state.blocks = [][]*chainBlock{{cb}}
				db.state.blockRoots[header.Root()] = header.Number
				db.state.forkTips = []ForkTip{{Number: header.Number, Root: header.Root()}}
				replayed++
				return nil
			}
			err = db.admit(cb)
			if err == ErrMissingParent && header.Number == db.state.bestNumber()+1 {
				// A replayed best block whose ancestor chain cannot be
				// reordered means the persisted history itself is
				// inconsistent.
				return ErrFailedToAdjustAncestorBlockForks
			}
			switch err {
			case nil:
				replayed++
				return nil
			case ErrMissingParent, ErrOutsideAcceptableRange, ErrBlockAlreadyExists:
				// Stale fork data: the fork outlived its parent or fell
				// past the acceptable range before the shutdown. It is
				// simply no longer tracked.
				logx.Warn("CLIENTDB", fmt.Sprintf("dropping stale fork block %s at height %d during replay: %v",
					header.Root(), header.Number, err))
				return nil
			default:
				return fmt.Errorf("replay height %d: %w", header.Number, err)
			}
		},
	}

	adapter, err := pagedb.Open(backend, cfg.WriteBufferSize, handlers)
	if err != nil {
		return nil, err
	}
	db.adapter = adapter

	if replayed > 0 && !versionSeen {
		return nil, pagedb.ErrUnexpectedStorageItem
	}

	if db.state.empty() {
		// Fresh database: record the version, then persist genesis
		// immediately so replay always reconstructs height zero.
		versionPayload := binary.BigEndian.AppendUint32(nil, databaseVersion)
		if !versionSeen {
			if _, err := adapter.WriteStorageItem(ctx, pagedb.Item{Kind: pagedb.ItemPermanent, Payload: versionPayload}); err != nil {
				return nil, fmt.Errorf("write version item: %w", err)
			}
		}
		payload := encodeBlockItem(genesis.Header, genesis.Body, genesisMMR)
		loc, err := adapter.WriteStorageItem(ctx, pagedb.Item{Kind: pagedb.ItemBlock, Payload: payload})
		if err != nil {
			return nil, fmt.Errorf("write genesis: %w", err)
		}
		cb := newPersistedBlock(genesis.Header, genesisMMR, loc)
		db.state.blocks = [][]*chainBlock{{cb}}
		db.state.blockRoots[cb.root()] = cb.header.Number
		db.state.forkTips = []ForkTip{{Number: cb.header.Number, Root: cb.root()}}
		logx.Info("CLIENTDB", fmt.Sprintf("initialized fresh database at genesis %s", cb.root()))
	} else {
		logx.Info("CLIENTDB", fmt.Sprintf("replayed %d blocks, best height %d", replayed, db.state.bestNumber()))
	}

	monitoring.SetBestHeight(uint64(db.state.bestNumber()))
	monitoring.SetForkTips(len(db.state.forkTips))
	return db, nil
}

// Close releases the adapter and its backend.
func (db *ClientDatabase) Close() error {
	db.writerMu.Lock()
	defer db.writerMu.Unlock()
	db.adapterMu.Lock()
	defer db.adapterMu.Unlock()
	return db.adapter.Close()
}

// PersistBlock admits a new block into the fork forest and schedules
// persistence of every block that has aged past the soft confirmation
// depth. The context only bounds adapter I/O; admission itself is an
// in-memory mutation. On an I/O error affected blocks simply stay in
// memory and are retried on the next call.
func (db *ClientDatabase) PersistBlock(ctx context.Context, blk *block.Block, peaks *mmr.Peaks) error {
	if blk == nil || blk.Header == nil || blk.Body == nil {
		return fmt.Errorf("block and body are required")
	}
	if peaks == nil {
		peaks = mmr.New()
	}
	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	db.mu.Lock()
	err := db.admit(newInMemoryBlock(blk, peaks))
	bestHeight := db.state.bestNumber()
	tips := len(db.state.forkTips)
	db.mu.Unlock()
	if err != nil {
		return err
	}

	monitoring.SetBestHeight(uint64(bestHeight))
	monitoring.SetForkTips(tips)
	return db.persistAged(ctx)
}

// admit runs block admission under the exclusive lock: the new-best
// path with ancestor reordering, confirmation, and pruning, or the
// fork path with linkage checks. No storage I/O happens here.
func (db *ClientDatabase) admit(cb *chainBlock) error {
	s := db.state
	number := cb.header.Number
	if _, dup := s.blockRoots[cb.root()]; dup {
		return ErrBlockAlreadyExists
	}

	best := s.bestNumber()
	if number == best+1 {
		if err := s.adjustAncestorBlockForks(cb.header.ParentRoot); err != nil {
			return err
		}
		cb.parentLease = db.leases.lease(s.bestBlock().header)
		s.pushBest(cb)

		confirmed, removed, err := s.confirmCanonicalBlock(db.cfg.ConfirmationDepthK)
		if err != nil {
			return err
		}
		if confirmed {
			monitoring.IncBlocksConfirmed()
			monitoring.AddForksPruned(removed)
		}
		monitoring.AddForksPruned(s.pruneOutdatedForkTips(db.cfg.MaxForkTips, db.cfg.MaxForkTipDistance))
		s.truncateBack(db.cfg.maxLevels())
		return nil
	}

	// A fork at an existing or shallower height.
	if number > best {
		return ErrOutsideAcceptableRange
	}
	offset := int(best - number)
	if uint64(offset) >= db.cfg.ConfirmationDepthK {
		return ErrOutsideAcceptableRange
	}
	parentOffset := offset + 1
	if parentOffset >= len(s.blocks) {
		return ErrMissingParent
	}
	_, parent := s.findCandidate(parentOffset, cb.header.ParentRoot)
	if parent == nil {
		return ErrMissingParent
	}
	cb.parentLease = db.leases.lease(parent.header)
	s.appendFork(cb, offset)
	logx.Debug("CLIENTDB", fmt.Sprintf("tracked fork %s at height %d", cb.root(), number))

	monitoring.AddForksPruned(s.pruneOutdatedForkTips(db.cfg.MaxForkTips, db.cfg.MaxForkTipDistance))
	return nil
}

type pendingWrite struct {
	root    block.Root
	number  block.Number
	payload []byte
}

// persistAged writes every in-memory block aged past the soft
// confirmation depth through the adapter, oldest heights first. The
// scan and the I/O run without the exclusive lock (writerMu is the
// upgradable stage: readers proceed, writers wait); only the final
// state flip takes it.
func (db *ClientDatabase) persistAged(ctx context.Context) error {
	db.mu.RLock()
	var pending []pendingWrite
	for offset := len(db.state.blocks) - 1; offset >= int(db.cfg.SoftConfirmationDepth); offset-- {
		for _, cb := range db.state.blocks[offset] {
			if cb.st == stateInMemory {
				pending = append(pending, pendingWrite{
					root:    cb.root(),
					number:  cb.header.Number,
					payload: encodeBlockItem(cb.header, cb.body, cb.mmr),
				})
			}
		}
	}
	db.mu.RUnlock()
	if len(pending) == 0 {
		return nil
	}

	locations := make(map[block.Root]pagedb.WriteLocation, len(pending))
	db.adapterMu.Lock()
	for _, pw := range pending {
		loc, err := db.adapter.WriteStorageItem(ctx, pagedb.Item{Kind: pagedb.ItemBlock, Payload: pw.payload})
		if err != nil {
			db.adapterMu.Unlock()
			// Affected blocks stay in memory; the next best block
			// event retries the whole pass.
			return fmt.Errorf("write block %s at height %d: %w", pw.root, pw.number, err)
		}
		locations[pw.root] = loc
	}
	db.adapterMu.Unlock()

	db.mu.Lock()
	defer db.mu.Unlock()
	for _, pw := range pending {
		number, ok := db.state.blockRoots[pw.root]
		if !ok {
			continue
		}
		offset, ok := db.state.offsetOf(number)
		if !ok {
			continue
		}
		_, cb := db.state.findCandidate(offset, pw.root)
		if cb == nil || cb.st != stateInMemory {
			continue
		}
		if err := cb.toPersisted(locations[pw.root]); err != nil {
			return err
		}
		monitoring.IncBlocksPersisted()
	}
	return nil
}

// encodeBlockItem packs header, MMR, and body into one storage item
// payload.
func encodeBlockItem(h *block.Header, body *block.Body, peaks *mmr.Peaks) []byte {
	encodedMMR := peaks.Encode()
	encodedBody := body.Encode()
	out := make([]byte, 0, block.EncodedHeaderSize+4+len(encodedMMR)+len(encodedBody))
	out = append(out, h.Encode()...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(encodedMMR)))
	out = append(out, encodedMMR...)
	out = append(out, encodedBody...)
	return out
}

func decodeBlockItem(payload []byte) (*block.Header, *block.Body, *mmr.Peaks, error) {
	if len(payload) < block.EncodedHeaderSize+4 {
		return nil, nil, nil, fmt.Errorf("%w: truncated item", ErrInvalidBlock)
	}
	header, err := block.DecodeHeader(payload[:block.EncodedHeaderSize])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	rest := payload[block.EncodedHeaderSize:]
	mmrLen := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	if uint32(len(rest)) < mmrLen {
		return nil, nil, nil, fmt.Errorf("%w: truncated mmr", ErrInvalidBlock)
	}
	peaks, err := mmr.Decode(rest[:mmrLen])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	body, err := block.DecodeBody(rest[mmrLen:])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	if body.PayloadRoot() != header.PayloadRoot {
		return nil, nil, nil, fmt.Errorf("%w: body does not match header payload root", ErrInvalidBlock)
	}
	return header, body, peaks, nil
}
