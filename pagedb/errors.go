package pagedb

import "errors"

var (
	// ErrUnformatted is returned by Open when the backend holds no
	// recognizable page group layout.
	ErrUnformatted = errors.New("backend is not formatted")

	// ErrAlreadyFormatted is returned by Format without force on a
	// backend that already carries a layout.
	ErrAlreadyFormatted = errors.New("backend is already formatted")

	// ErrUnsupportedDatabaseVersion means the on-disk layout version is
	// newer or older than this build understands.
	ErrUnsupportedDatabaseVersion = errors.New("unsupported database version")

	// ErrUnexpectedSequenceNumber means page group sequence numbers do
	// not form the expected contiguous run.
	ErrUnexpectedSequenceNumber = errors.New("unexpected page group sequence number")

	// ErrUnexpectedStorageItem means replay hit an item kind that is
	// not valid at its position.
	ErrUnexpectedStorageItem = errors.New("unexpected storage item")

	// ErrNonPermanentFirstPageGroup means the first page group is not
	// marked permanent.
	ErrNonPermanentFirstPageGroup = errors.New("first page group is not permanent")

	// ErrPageGroupSizeTooSmall means the configured page group cannot
	// hold its own header plus one item.
	ErrPageGroupSizeTooSmall = errors.New("page group size too small")

	// ErrStorageItemTooLarge means a single item cannot fit into an
	// empty page group.
	ErrStorageItemTooLarge = errors.New("storage item exceeds page group size")

	// ErrChecksumMismatch is returned when a directly addressed item
	// fails its checksum.
	ErrChecksumMismatch = errors.New("storage item checksum mismatch")

	errNotPageAligned = errors.New("write is not page aligned")
)
