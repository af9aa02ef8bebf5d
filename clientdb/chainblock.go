package clientdb

import (
	"fmt"

	"chaindb/block"
	"chaindb/mmr"
	"chaindb/pagedb"
)

// blockState is the persistence lifecycle of a tracked block. A block
// only ever moves forward: inMemory -> persisted -> persistedConfirmed.
type blockState uint8

const (
	stateInMemory blockState = iota
	statePersisted
	statePersistedConfirmed
)

func (s blockState) String() string {
	switch s {
	case stateInMemory:
		return "in-memory"
	case statePersisted:
		return "persisted"
	case statePersistedConfirmed:
		return "persisted-confirmed"
	default:
		return fmt.Sprintf("blockState(%d)", uint8(s))
	}
}

// chainBlock is one fork candidate tracked by the state.
//
// The body is only retained while in memory (it still has to be
// written); the MMR is dropped on confirmation since no reorg can ever
// need it again.
type chainBlock struct {
	st          blockState
	header      *block.Header
	body        *block.Body
	mmr         *mmr.Peaks
	parentLease *HeaderLease // pins the parent while we reference it by root
	loc         pagedb.WriteLocation
}

func newInMemoryBlock(b *block.Block, m *mmr.Peaks) *chainBlock {
	return &chainBlock{
		st:     stateInMemory,
		header: b.Header,
		body:   b.Body,
		mmr:    m,
	}
}

func newPersistedBlock(h *block.Header, m *mmr.Peaks, loc pagedb.WriteLocation) *chainBlock {
	return &chainBlock{
		st:     statePersisted,
		header: h,
		mmr:    m,
		loc:    loc,
	}
}

func (c *chainBlock) root() block.Root {
	return c.header.Root()
}

// toPersisted records the durable write location and drops the body.
func (c *chainBlock) toPersisted(loc pagedb.WriteLocation) error {
	if c.st != stateInMemory {
		return &InvariantViolation{Msg: fmt.Sprintf(
			"block %s at height %d is %s, cannot mark persisted", c.root(), c.header.Number, c.st)}
	}
	c.st = statePersisted
	c.body = nil
	c.loc = loc
	return nil
}

// toConfirmed makes the block irreversible and drops its MMR.
func (c *chainBlock) toConfirmed() error {
	if c.st != statePersisted {
		return &InvariantViolation{Msg: fmt.Sprintf(
			"block %s at height %d is %s, cannot confirm", c.root(), c.header.Number, c.st)}
	}
	c.st = statePersistedConfirmed
	c.mmr = nil
	return nil
}

// drop releases the candidate's pin on its parent. Called whenever a
// candidate leaves the fork forest.
func (c *chainBlock) drop() {
	if c.parentLease != nil {
		c.parentLease.Release()
		c.parentLease = nil
	}
}
