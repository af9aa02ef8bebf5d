// Package pagedb provides the page-aligned storage backends and the
// append-only page-group adapter the client database persists blocks
// through.
package pagedb

// PageSize is the fixed page size of every backend.
const PageSize = 4096

// Backend is a byte-addressable, page-aligned persistent medium.
//
// WriteAt offsets must be page aligned and lengths a multiple of
// PageSize; the adapter owns all read-modify-write of partial pages.
// Reads past the current size observe zero pages.
type Backend interface {
	ReadAt(p []byte, off int64) error
	WriteAt(p []byte, off int64) error
	Size() (int64, error)
	Sync() error
	Close() error
}

func checkPageAligned(p []byte, off int64) error {
	if off%PageSize != 0 || len(p)%PageSize != 0 {
		return errNotPageAligned
	}
	return nil
}
