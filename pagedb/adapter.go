package pagedb

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
)

// MinPageGroupPages is the smallest allowed page group.
const MinPageGroupPages = 2

// DefaultPageGroupPages sizes a page group at 1 MiB.
const DefaultPageGroupPages = 256

// DefaultWriteBufferSize is the initial capacity of the adapter's
// staging buffer.
const DefaultWriteBufferSize = 1 << 20

// FormatOptions control Format.
type FormatOptions struct {
	// Force reinitializes a backend that is already formatted.
	Force bool
	// PageGroupPages is the group size in pages; 0 selects the default.
	PageGroupPages uint32
}

// Adapter appends storage items to page groups and replays them on
// open. It is not safe for concurrent use; the client database
// serializes access behind its own mutex.
//
// TODO: pipeline page writes across consecutive items so a slow
// backend does not serialize on one Sync per item.
type Adapter struct {
	backend    Backend
	groupPages uint32
	groupBytes int64
	formatID   uint64
	sequence   uint64 // sequence number of the current (last) group
	groupStart int64  // backend offset of the current group
	writeOff   int64  // aligned offset where the next item frame begins
	tailBase   int64  // page-aligned base of the first not-fully-written page
	tailPage   []byte // contents of that page so far
	writeBuf   []byte // staging buffer reused across writes
}

// Format initializes an empty page group layout on the backend. The
// first group is permanent. Fails with ErrAlreadyFormatted unless
// opts.Force is set.
func Format(backend Backend, opts FormatOptions) error {
	groupPages := opts.PageGroupPages
	if groupPages == 0 {
		groupPages = DefaultPageGroupPages
	}
	if groupPages < MinPageGroupPages {
		return ErrPageGroupSizeTooSmall
	}
	size, err := backend.Size()
	if err != nil {
		return err
	}
	if size > 0 && !opts.Force {
		if _, err := readGroupHeaderAt(backend, 0); err == nil {
			return ErrAlreadyFormatted
		}
	}
	var nonce [8]byte
	if _, err := crand.Read(nonce[:]); err != nil {
		return fmt.Errorf("format nonce: %w", err)
	}
	hdr := groupHeader{
		version:    layoutVersion,
		permanent:  true,
		sequence:   0,
		groupPages: groupPages,
		// A fresh format id makes any page groups surviving a forced
		// reformat unrecognizable to replay.
		formatID: binary.BigEndian.Uint64(nonce[:]),
	}
	page := make([]byte, PageSize)
	copy(page, encodeItem(nil, itemGroupHeader, hdr.encode()))
	if err := backend.WriteAt(page, 0); err != nil {
		return err
	}
	return backend.Sync()
}

// readGroupHeaderAt reads and validates the item frame that must open
// the group at off. Structural mismatch is reported as ErrUnformatted;
// callers at off 0 translate that to open-time errors, callers probing
// later groups treat it as end of data.
func readGroupHeaderAt(backend Backend, off int64) (groupHeader, error) {
	raw := make([]byte, groupHeaderItemSize)
	if err := backend.ReadAt(raw, off); err != nil {
		return groupHeader{}, err
	}
	kind, length, crc, ok := decodeFrame(raw[:frameSize])
	if !ok || kind != itemGroupHeader || int64(length) != groupHeaderPayloadSize {
		return groupHeader{}, ErrUnformatted
	}
	payload := raw[frameSize : frameSize+int64(length)]
	if !verifyItem(raw[:frameSize], payload, crc) {
		return groupHeader{}, ErrUnformatted
	}
	hdr, ok := decodeGroupHeader(payload)
	if !ok {
		return groupHeader{}, ErrUnformatted
	}
	return hdr, nil
}

// Open replays every page group in sequence order, invoking the
// handlers for each recovered item, and returns an adapter positioned
// to append after the last durable item.
func Open(backend Backend, writeBufferSize int, handlers Handlers) (*Adapter, error) {
	size, err := backend.Size()
	if err != nil {
		return nil, err
	}
	if size < PageSize {
		return nil, ErrUnformatted
	}
	first, err := readGroupHeaderAt(backend, 0)
	if err != nil {
		return nil, err
	}
	if first.version != layoutVersion {
		return nil, ErrUnsupportedDatabaseVersion
	}
	if !first.permanent {
		return nil, ErrNonPermanentFirstPageGroup
	}
	if first.groupPages < MinPageGroupPages {
		return nil, ErrPageGroupSizeTooSmall
	}
	if first.sequence != 0 {
		return nil, ErrUnexpectedSequenceNumber
	}

	if writeBufferSize <= 0 {
		writeBufferSize = DefaultWriteBufferSize
	}
	a := &Adapter{
		backend:    backend,
		groupPages: first.groupPages,
		groupBytes: int64(first.groupPages) * PageSize,
		formatID:   first.formatID,
		tailPage:   make([]byte, PageSize),
		writeBuf:   make([]byte, 0, writeBufferSize),
	}

	groupStart := int64(0)
	var sequence uint64
	off := groupHeaderItemSize
	for {
		groupEnd := groupStart + a.groupBytes
		for off+frameSize <= groupEnd {
			frame := make([]byte, frameSize)
			if err := backend.ReadAt(frame, off); err != nil {
				return nil, err
			}
			kind, length, crc, ok := decodeFrame(frame)
			if !ok {
				break
			}
			if off+frameSize+int64(length) > groupEnd {
				// Torn frame at the write head.
				break
			}
			payload := make([]byte, length)
			if err := backend.ReadAt(payload, off+frameSize); err != nil {
				return nil, err
			}
			if !verifyItem(frame, payload, crc) {
				break
			}
			arg := StorageItemHandlerArg{
				Item:     Item{Kind: kind, Payload: payload},
				Location: WriteLocation{Offset: off, Length: length},
			}
			switch kind {
			case ItemBlock:
				if handlers.Block == nil {
					return nil, ErrUnexpectedStorageItem
				}
				if err := handlers.Block(arg); err != nil {
					return nil, err
				}
			case ItemPermanent:
				if handlers.Permanent == nil {
					return nil, ErrUnexpectedStorageItem
				}
				if err := handlers.Permanent(arg); err != nil {
					return nil, err
				}
			default:
				// A group header inside a group body, or an unknown
				// kind, is corruption rather than a torn write.
				return nil, ErrUnexpectedStorageItem
			}
			off += encodedItemSize(int(length))
		}

		next := groupStart + a.groupBytes
		if next+groupHeaderItemSize > size {
			break
		}
		hdr, err := readGroupHeaderAt(backend, next)
		if err == ErrUnformatted {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.formatID != a.formatID || hdr.groupPages != a.groupPages {
			// Stale group left behind by an earlier format.
			break
		}
		if hdr.version != layoutVersion {
			return nil, ErrUnsupportedDatabaseVersion
		}
		if hdr.sequence != sequence+1 {
			return nil, ErrUnexpectedSequenceNumber
		}
		sequence = hdr.sequence
		groupStart = next
		off = groupStart + groupHeaderItemSize
	}

	a.sequence = sequence
	a.groupStart = groupStart
	a.writeOff = off
	a.tailBase = off - off%PageSize
	if err := backend.ReadAt(a.tailPage, a.tailBase); err != nil {
		return nil, err
	}
	for i := off - a.tailBase; i < PageSize; i++ {
		a.tailPage[i] = 0
	}
	return a, nil
}

// WriteStorageItem durably appends one item and returns its location.
// The write is flushed and synced before returning.
func (a *Adapter) WriteStorageItem(ctx context.Context, item Item) (WriteLocation, error) {
	if err := ctx.Err(); err != nil {
		return WriteLocation{}, err
	}
	if item.Kind != ItemBlock && item.Kind != ItemPermanent {
		return WriteLocation{}, ErrUnexpectedStorageItem
	}
	itemSize := encodedItemSize(len(item.Payload))
	if itemSize > a.groupBytes-groupHeaderItemSize {
		return WriteLocation{}, ErrStorageItemTooLarge
	}

	// Position only advances once the write is durable; a failed write
	// is retried at the same offsets.
	prevSequence, prevGroupStart, prevWriteOff := a.sequence, a.groupStart, a.writeOff

	buf := a.writeBuf[:0]
	writeBase := a.tailBase
	// Start from the already-durable prefix of the tail page so the
	// whole staged range is page aligned.
	buf = append(buf, a.tailPage[:a.writeOff-a.tailBase]...)

	if a.writeOff+itemSize > a.groupStart+a.groupBytes {
		// The item does not fit into the current group; the remainder
		// stays free and a new ephemeral group begins.
		a.sequence++
		a.groupStart += a.groupBytes
		a.writeOff = a.groupStart
		writeBase = a.groupStart
		buf = buf[:0]
		hdr := groupHeader{
			version:    layoutVersion,
			permanent:  false,
			sequence:   a.sequence,
			groupPages: a.groupPages,
			formatID:   a.formatID,
		}
		buf = encodeItem(buf, itemGroupHeader, hdr.encode())
		a.writeOff += groupHeaderItemSize
	}

	loc := WriteLocation{Offset: a.writeOff, Length: uint32(len(item.Payload))}
	buf = encodeItem(buf, item.Kind, item.Payload)
	a.writeOff += itemSize

	// Pad the staged range to a whole number of pages.
	for int64(len(buf))%PageSize != 0 {
		buf = append(buf, 0)
	}
	if err := a.backend.WriteAt(buf, writeBase); err != nil {
		a.sequence, a.groupStart, a.writeOff = prevSequence, prevGroupStart, prevWriteOff
		a.writeBuf = buf[:0]
		return WriteLocation{}, err
	}
	if err := a.backend.Sync(); err != nil {
		a.sequence, a.groupStart, a.writeOff = prevSequence, prevGroupStart, prevWriteOff
		a.writeBuf = buf[:0]
		return WriteLocation{}, err
	}

	a.tailBase = a.writeOff - a.writeOff%PageSize
	copy(a.tailPage, buf[a.tailBase-writeBase:])
	for i := a.writeOff - a.tailBase; i < PageSize; i++ {
		a.tailPage[i] = 0
	}
	a.writeBuf = buf[:0]
	return loc, nil
}

// ReadStorageItem reads back a previously written item.
func (a *Adapter) ReadStorageItem(loc WriteLocation) (Item, error) {
	frame := make([]byte, frameSize)
	if err := a.backend.ReadAt(frame, loc.Offset); err != nil {
		return Item{}, err
	}
	kind, length, crc, ok := decodeFrame(frame)
	if !ok || length != loc.Length {
		return Item{}, ErrChecksumMismatch
	}
	payload := make([]byte, length)
	if err := a.backend.ReadAt(payload, loc.Offset+frameSize); err != nil {
		return Item{}, err
	}
	if !verifyItem(frame, payload, crc) {
		return Item{}, ErrChecksumMismatch
	}
	return Item{Kind: kind, Payload: payload}, nil
}

// Close closes the underlying backend.
func (a *Adapter) Close() error {
	return a.backend.Close()
}
