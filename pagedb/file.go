package pagedb

import (
	"fmt"
	"io"
	"os"
)

// FileBackend stores pages in a single flat file.
type FileBackend struct {
	f *os.File
}

// NewFileBackend opens (or creates) the backing file.
func NewFileBackend(path string) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open backend file: %w", err)
	}
	return &FileBackend{f: f}, nil
}

func (b *FileBackend) ReadAt(p []byte, off int64) error {
	n, err := b.f.ReadAt(p, off)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		// Reads past the end observe zero pages.
		for i := n; i < len(p); i++ {
			p[i] = 0
		}
		return nil
	}
	return err
}

func (b *FileBackend) WriteAt(p []byte, off int64) error {
	if err := checkPageAligned(p, off); err != nil {
		return err
	}
	_, err := b.f.WriteAt(p, off)
	return err
}

func (b *FileBackend) Size() (int64, error) {
	st, err := b.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (b *FileBackend) Sync() error { return b.f.Sync() }

func (b *FileBackend) Close() error { return b.f.Close() }
