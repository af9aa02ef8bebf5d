package pagedb

import (
	"encoding/binary"
	"hash/crc32"
)

// ItemKind tags the payload of a storage item.
type ItemKind uint8

const (
	// itemFree marks unwritten space; never appears in a valid frame.
	itemFree ItemKind = 0
	// itemGroupHeader opens every page group.
	itemGroupHeader ItemKind = 1
	// ItemBlock carries one persisted block (header + body + MMR).
	ItemBlock ItemKind = 2
	// ItemPermanent carries database-lifetime records such as the
	// version item. Only valid inside permanent page groups.
	ItemPermanent ItemKind = 3
)

// itemAlign is the boundary every storage item starts on.
const itemAlign = 16

// frameSize is the fixed item frame:
// kind u8 | zero[3] | length u32 | crc32c u32 | zero u32.
// The checksum covers the first 8 frame bytes and the payload.
const frameSize = 16

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Item is one storage item: a kind plus an opaque payload.
type Item struct {
	Kind    ItemKind
	Payload []byte
}

// WriteLocation is an opaque durable address of a storage item.
type WriteLocation struct {
	Offset int64
	Length uint32
}

// StorageItemHandlerArg is passed to replay handlers for every
// recovered item.
type StorageItemHandlerArg struct {
	Item     Item
	Location WriteLocation
}

// Handlers receive recovered items during Open replay.
type Handlers struct {
	Block     func(StorageItemHandlerArg) error
	Permanent func(StorageItemHandlerArg) error
}

func alignUp(n int64) int64 {
	return (n + itemAlign - 1) &^ (itemAlign - 1)
}

// encodedItemSize is the aligned on-disk footprint of a payload.
func encodedItemSize(payloadLen int) int64 {
	return alignUp(frameSize + int64(payloadLen))
}

// encodeItem appends the framed, aligned item to dst.
func encodeItem(dst []byte, kind ItemKind, payload []byte) []byte {
	start := len(dst)
	dst = append(dst, byte(kind), 0, 0, 0)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	crc := crc32.Update(0, castagnoli, dst[start:start+8])
	crc = crc32.Update(crc, castagnoli, payload)
	dst = binary.BigEndian.AppendUint32(dst, crc)
	dst = append(dst, 0, 0, 0, 0)
	dst = append(dst, payload...)
	for int64(len(dst)-start) < encodedItemSize(len(payload)) {
		dst = append(dst, 0)
	}
	return dst
}

// decodeFrame parses an item frame, returning its kind and payload
// length. ok is false when the frame is free space or malformed.
func decodeFrame(frame []byte) (kind ItemKind, length uint32, crc uint32, ok bool) {
	kind = ItemKind(frame[0])
	if kind == itemFree {
		return 0, 0, 0, false
	}
	if frame[1] != 0 || frame[2] != 0 || frame[3] != 0 {
		return 0, 0, 0, false
	}
	length = binary.BigEndian.Uint32(frame[4:8])
	crc = binary.BigEndian.Uint32(frame[8:12])
	return kind, length, crc, true
}

// verifyItem recomputes the frame checksum over frame prefix + payload.
func verifyItem(frame, payload []byte, crc uint32) bool {
	got := crc32.Update(0, castagnoli, frame[0:8])
	got = crc32.Update(got, castagnoli, payload)
	return got == crc
}

// layoutVersion is the on-disk page group layout version.
const layoutVersion uint16 = 1

// groupHeaderMagic identifies a page group header item payload.
const groupHeaderMagic uint32 = 0x9db0c4a1

const flagPermanent uint8 = 1 << 0

// groupHeader is the payload of the item that opens every page group.
type groupHeader struct {
	version    uint16
	permanent  bool
	sequence   uint64
	groupPages uint32
	formatID   uint64
}

const groupHeaderPayloadSize = 4 + 2 + 1 + 1 + 8 + 4 + 8

// groupHeaderItemSize is the aligned footprint of a group header item.
var groupHeaderItemSize = encodedItemSize(groupHeaderPayloadSize)

func (g groupHeader) encode() []byte {
	out := make([]byte, 0, groupHeaderPayloadSize)
	out = binary.BigEndian.AppendUint32(out, groupHeaderMagic)
	out = binary.BigEndian.AppendUint16(out, g.version)
	var flags uint8
	if g.permanent {
		flags |= flagPermanent
	}
	out = append(out, flags, 0)
	out = binary.BigEndian.AppendUint64(out, g.sequence)
	out = binary.BigEndian.AppendUint32(out, g.groupPages)
	out = binary.BigEndian.AppendUint64(out, g.formatID)
	return out
}

func decodeGroupHeader(payload []byte) (groupHeader, bool) {
	var g groupHeader
	if len(payload) < groupHeaderPayloadSize {
		return g, false
	}
	if binary.BigEndian.Uint32(payload[0:4]) != groupHeaderMagic {
		return g, false
	}
	g.version = binary.BigEndian.Uint16(payload[4:6])
	g.permanent = payload[6]&flagPermanent != 0
	g.sequence = binary.BigEndian.Uint64(payload[8:16])
	g.groupPages = binary.BigEndian.Uint32(payload[16:20])
	g.formatID = binary.BigEndian.Uint64(payload[20:28])
	return g, true
}
