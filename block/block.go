package block

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Number is the height of a block within its chain.
type Number uint64

// Root is the content hash of a block header. Roots are globally unique
// block identifiers.
type Root [32]byte

func (r Root) String() string {
	return hex.EncodeToString(r[:8])
}

// ParseRoot decodes a full 64-character hex root.
func ParseRoot(s string) (Root, error) {
	var r Root
	b, err := hex.DecodeString(s)
	if err != nil {
		return r, fmt.Errorf("parse root: %w", err)
	}
	if len(b) != len(r) {
		return r, fmt.Errorf("parse root: want %d bytes, got %d", len(r), len(b))
	}
	copy(r[:], b)
	return r, nil
}

// EncodedHeaderSize is the fixed size of an encoded header.
const EncodedHeaderSize = 8 + 32 + 32 + 8

// Header identifies a block and links it to its parent.
type Header struct {
	Number      Number
	ParentRoot  Root
	PayloadRoot Root // commitment to the body contents
	Timestamp   int64

	root Root // computed once at construction / decode
}

// NewHeader assembles a header and seals its root.
func NewHeader(number Number, parentRoot, payloadRoot Root, timestamp int64) *Header {
	h := &Header{
		Number:      number,
		ParentRoot:  parentRoot,
		PayloadRoot: payloadRoot,
		Timestamp:   timestamp,
	}
	h.root = h.computeRoot()
	return h
}

// Root returns the sealed content hash of the header.
func (h *Header) Root() Root {
	return h.root
}

func (h *Header) computeRoot() Root {
	hs := sha256.New()
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(h.Number))
	hs.Write(buf)
	hs.Write(h.ParentRoot[:])
	hs.Write(h.PayloadRoot[:])
	binary.BigEndian.PutUint64(buf, uint64(h.Timestamp))
	hs.Write(buf)
	var out Root
	copy(out[:], hs.Sum(nil))
	return out
}

// Encode serializes the header into its fixed binary form.
func (h *Header) Encode() []byte {
	out := make([]byte, EncodedHeaderSize)
	binary.BigEndian.PutUint64(out[0:8], uint64(h.Number))
	copy(out[8:40], h.ParentRoot[:])
	copy(out[40:72], h.PayloadRoot[:])
	binary.BigEndian.PutUint64(out[72:80], uint64(h.Timestamp))
	return out
}

// DecodeHeader parses a fixed-size encoded header and seals its root.
func DecodeHeader(b []byte) (*Header, error) {
	if len(b) < EncodedHeaderSize {
		return nil, fmt.Errorf("decode header: want %d bytes, got %d", EncodedHeaderSize, len(b))
	}
	h := &Header{
		Number:    Number(binary.BigEndian.Uint64(b[0:8])),
		Timestamp: int64(binary.BigEndian.Uint64(b[72:80])),
	}
	copy(h.ParentRoot[:], b[8:40])
	copy(h.PayloadRoot[:], b[40:72])
	h.root = h.computeRoot()
	return h, nil
}

// Body carries the block payload. The database treats transactions as
// opaque byte strings.
type Body struct {
	Transactions [][]byte
}

// PayloadRoot hashes the body contents for inclusion in the header.
func (b *Body) PayloadRoot() Root {
	hs := sha256.New()
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(len(b.Transactions)))
	hs.Write(buf)
	for _, tx := range b.Transactions {
		binary.BigEndian.PutUint64(buf, uint64(len(tx)))
		hs.Write(buf)
		hs.Write(tx)
	}
	var out Root
	copy(out[:], hs.Sum(nil))
	return out
}

// Encode serializes the body with a count followed by length-prefixed
// transactions.
func (b *Body) Encode() []byte {
	n := 4
	for _, tx := range b.Transactions {
		n += 4 + len(tx)
	}
	out := make([]byte, 0, n)
	out = binary.BigEndian.AppendUint32(out, uint32(len(b.Transactions)))
	for _, tx := range b.Transactions {
		out = binary.BigEndian.AppendUint32(out, uint32(len(tx)))
		out = append(out, tx...)
	}
	return out
}

// DecodeBody parses an encoded body.
func DecodeBody(b []byte) (*Body, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("decode body: truncated count")
	}
	count := binary.BigEndian.Uint32(b[0:4])
	b = b[4:]
	// Cap the preallocation at what the remaining bytes could possibly
	// hold (4 bytes per transaction minimum), so a corrupt count fails
	// in the loop instead of aborting on a huge allocation.
	capHint := int(count)
	if max := len(b) / 4; capHint > max {
		capHint = max
	}
	body := &Body{Transactions: make([][]byte, 0, capHint)}
	for i := uint32(0); i < count; i++ {
		if len(b) < 4 {
			return nil, fmt.Errorf("decode body: truncated transaction %d", i)
		}
		l := binary.BigEndian.Uint32(b[0:4])
		b = b[4:]
		if uint32(len(b)) < l {
			return nil, fmt.Errorf("decode body: transaction %d length %d exceeds remaining %d", i, l, len(b))
		}
		tx := make([]byte, l)
		copy(tx, b[:l])
		body.Transactions = append(body.Transactions, tx)
		b = b[l:]
	}
	return body, nil
}

// Block is a header together with its owned body.
type Block struct {
	Header *Header
	Body   *Body
}

// AssembleBlock builds a block on top of the given parent, sealing the
// payload root into the header.
func AssembleBlock(number Number, parentRoot Root, body *Body, timestamp int64) *Block {
	return &Block{
		Header: NewHeader(number, parentRoot, body.PayloadRoot(), timestamp),
		Body:   body,
	}
}

// Genesis builds the height-zero block with a zero parent root.
func Genesis(timestamp int64) *Block {
	return AssembleBlock(0, Root{}, &Body{}, timestamp)
}
