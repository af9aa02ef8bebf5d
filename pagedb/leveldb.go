package pagedb

import (
	"encoding/binary"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
)

var levelSizeKey = []byte("meta/size")

// LevelDBBackend stores each page as a LevelDB entry keyed by page
// index. Useful where a flat file is unavailable but a key-value
// directory is.
type LevelDBBackend struct {
	db   *leveldb.DB
	size int64
}

// NewLevelDBBackend opens a LevelDB-backed page store.
func NewLevelDBBackend(directory string) (*LevelDBBackend, error) {
	db, err := leveldb.OpenFile(directory, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open LevelDB: %w", err)
	}
	b := &LevelDBBackend{db: db}
	if raw, err := db.Get(levelSizeKey, nil); err == nil {
		b.size = int64(binary.BigEndian.Uint64(raw))
	} else if err != leveldb.ErrNotFound {
		db.Close()
		return nil, err
	}
	return b, nil
}

func levelPageKey(index int64) []byte {
	key := make([]byte, 9)
	key[0] = 'p'
	binary.BigEndian.PutUint64(key[1:], uint64(index))
	return key
}

func (b *LevelDBBackend) ReadAt(p []byte, off int64) error {
	for done := 0; done < len(p); {
		pageIndex := (off + int64(done)) / PageSize
		pageOff := int((off + int64(done)) % PageSize)
		n := min(len(p)-done, PageSize-pageOff)
		dst := p[done : done+n]
		raw, err := b.db.Get(levelPageKey(pageIndex), nil)
		switch {
		case err == leveldb.ErrNotFound:
			for i := range dst {
				dst[i] = 0
			}
		case err != nil:
			return err
		default:
			copy(dst, raw[pageOff:pageOff+n])
		}
		done += n
	}
	return nil
}

func (b *LevelDBBackend) WriteAt(p []byte, off int64) error {
	if err := checkPageAligned(p, off); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for done := 0; done < len(p); done += PageSize {
		page := make([]byte, PageSize)
		copy(page, p[done:done+PageSize])
		batch.Put(levelPageKey((off+int64(done))/PageSize), page)
	}
	if need := off + int64(len(p)); need > b.size {
		b.size = need
	}
	sizeRaw := make([]byte, 8)
	binary.BigEndian.PutUint64(sizeRaw, uint64(b.size))
	batch.Put(levelSizeKey, sizeRaw)
	return b.db.Write(batch, nil)
}

func (b *LevelDBBackend) Size() (int64, error) {
	return b.size, nil
}

func (b *LevelDBBackend) Sync() error {
	// Writes go through leveldb's WAL; nothing extra to flush here.
	return nil
}

func (b *LevelDBBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
