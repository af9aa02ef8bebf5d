package pagedb

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	boltPagesBucket = []byte("pages")
	boltMetaBucket  = []byte("meta")
	boltSizeKey     = []byte("size")
)

// BoltBackend stores each page as a bbolt entry keyed by page index.
type BoltBackend struct {
	db   *bolt.DB
	size int64
}

// NewBoltBackend opens (or creates) a bbolt-backed page store.
func NewBoltBackend(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt: %w", err)
	}
	b := &BoltBackend{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltPagesBucket); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(boltMetaBucket)
		if err != nil {
			return err
		}
		if raw := meta.Get(boltSizeKey); raw != nil {
			b.size = int64(binary.BigEndian.Uint64(raw))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func boltPageKey(index int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(index))
	return key
}

func (b *BoltBackend) ReadAt(p []byte, off int64) error {
	return b.db.View(func(tx *bolt.Tx) error {
		pages := tx.Bucket(boltPagesBucket)
		for done := 0; done < len(p); {
			pageIndex := (off + int64(done)) / PageSize
			pageOff := int((off + int64(done)) % PageSize)
			n := min(len(p)-done, PageSize-pageOff)
			dst := p[done : done+n]
			if raw := pages.Get(boltPageKey(pageIndex)); raw != nil {
				copy(dst, raw[pageOff:pageOff+n])
			} else {
				for i := range dst {
					dst[i] = 0
				}
			}
			done += n
		}
		return nil
	})
}

func (b *BoltBackend) WriteAt(p []byte, off int64) error {
	if err := checkPageAligned(p, off); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		pages := tx.Bucket(boltPagesBucket)
		for done := 0; done < len(p); done += PageSize {
			if err := pages.Put(boltPageKey((off+int64(done))/PageSize), p[done:done+PageSize]); err != nil {
				return err
			}
		}
		if need := off + int64(len(p)); need > b.size {
			b.size = need
		}
		sizeRaw := make([]byte, 8)
		binary.BigEndian.PutUint64(sizeRaw, uint64(b.size))
		return tx.Bucket(boltMetaBucket).Put(boltSizeKey, sizeRaw)
	})
}

func (b *BoltBackend) Size() (int64, error) {
	return b.size, nil
}

func (b *BoltBackend) Sync() error {
	// bbolt commits transactions durably on Update.
	return nil
}

func (b *BoltBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
