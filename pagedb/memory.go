package pagedb

import "sync"

// MemoryBackend keeps all pages in a byte slice. Used by tests and by
// the replay tooling.
type MemoryBackend struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) ReadAt(p []byte, off int64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := range p {
		p[i] = 0
	}
	if off >= int64(len(b.data)) {
		return nil
	}
	copy(p, b.data[off:])
	return nil
}

func (b *MemoryBackend) WriteAt(p []byte, off int64) error {
	if err := checkPageAligned(p, off); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if need := off + int64(len(p)); need > int64(len(b.data)) {
		grown := make([]byte, need)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[off:], p)
	return nil
}

func (b *MemoryBackend) Size() (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.data)), nil
}

func (b *MemoryBackend) Sync() error { return nil }

func (b *MemoryBackend) Close() error { return nil }
