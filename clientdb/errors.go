package clientdb

import "errors"

// Open/format-time errors. Storage layout errors surface directly from
// the pagedb package (pagedb.ErrUnformatted and friends); the values
// below cover configuration and replay consistency.
var (
	// ErrInvalidSoftConfirmationDepth rejects a soft confirmation depth
	// of zero or one not strictly below the confirmation depth.
	ErrInvalidSoftConfirmationDepth = errors.New("invalid soft confirmation depth")

	// ErrInvalidMaxForkTipDistance rejects a fork tip distance smaller
	// than the confirmation depth.
	ErrInvalidMaxForkTipDistance = errors.New("invalid max fork tip distance")

	// ErrInvalidMaxForkTips rejects a fork tip capacity below one.
	ErrInvalidMaxForkTips = errors.New("invalid max fork tips")

	// ErrInvalidBlock means a replayed storage item does not decode
	// into a block.
	ErrInvalidBlock = errors.New("invalid block in storage")

	// ErrFailedToAdjustAncestorBlockForks means the fork forest lost
	// ancestor linkage while reordering toward a new best block.
	ErrFailedToAdjustAncestorBlockForks = errors.New("failed to adjust ancestor block forks")
)

// Per-call errors returned by PersistBlock. The state is not mutated
// when these are returned.
var (
	// ErrMissingParent means the parent root is not tracked at the
	// expected height.
	ErrMissingParent = errors.New("parent block not found among tracked forks")

	// ErrOutsideAcceptableRange means the block forks deeper than the
	// confirmation depth allows, or skips ahead of the best height.
	ErrOutsideAcceptableRange = errors.New("block is outside the acceptable fork range")

	// ErrBlockAlreadyExists means the block root is already tracked.
	ErrBlockAlreadyExists = errors.New("block already exists")
)

// InvariantViolation reports a broken internal invariant, such as a
// block that is due for confirmation while still in memory. These are
// implementation bugs and always fail the call that detects them.
type InvariantViolation struct {
	Msg string
}

func (e *InvariantViolation) Error() string {
	return "invariant violation: " + e.Msg
}
