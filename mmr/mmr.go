// Package mmr implements a Merkle mountain range accumulator as an
// immutable value. Appending produces a new value that shares the
// untouched peaks with its predecessor, so values can be handed out
// freely across fork candidates.
package mmr

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

type peak struct {
	height uint8
	hash   [32]byte
}

// Peaks is the accumulator state: the peak hashes of every perfect
// subtree, highest subtree first.
type Peaks struct {
	leafCount uint64
	peaks     []peak
}

// New returns the empty accumulator.
func New() *Peaks {
	return &Peaks{}
}

// LeafCount returns the number of appended leaves.
func (m *Peaks) LeafCount() uint64 {
	return m.leafCount
}

// WithAppended returns a new accumulator with one more leaf. The
// receiver is not modified.
func (m *Peaks) WithAppended(leaf [32]byte) *Peaks {
	peaks := make([]peak, len(m.peaks), len(m.peaks)+1)
	copy(peaks, m.peaks)
	carry := peak{height: 0, hash: leaf}
	for len(peaks) > 0 && peaks[len(peaks)-1].height == carry.height {
		top := peaks[len(peaks)-1]
		peaks = peaks[:len(peaks)-1]
		carry = peak{height: carry.height + 1, hash: hashNodes(carry.height+1, top.hash, carry.hash)}
	}
	peaks = append(peaks, carry)
	return &Peaks{leafCount: m.leafCount + 1, peaks: peaks}
}

// Root bags the peaks right to left into a single commitment. The empty
// accumulator has the zero root.
func (m *Peaks) Root() [32]byte {
	var root [32]byte
	if len(m.peaks) == 0 {
		return root
	}
	root = m.peaks[len(m.peaks)-1].hash
	for i := len(m.peaks) - 2; i >= 0; i-- {
		root = hashNodes(0xff, m.peaks[i].hash, root)
	}
	return root
}

func hashNodes(height uint8, left, right [32]byte) [32]byte {
	hs := sha256.New()
	hs.Write([]byte{height})
	hs.Write(left[:])
	hs.Write(right[:])
	var out [32]byte
	copy(out[:], hs.Sum(nil))
	return out
}

// Encode serializes the accumulator.
func (m *Peaks) Encode() []byte {
	out := make([]byte, 0, 8+1+len(m.peaks)*33)
	out = binary.BigEndian.AppendUint64(out, m.leafCount)
	out = append(out, byte(len(m.peaks)))
	for _, p := range m.peaks {
		out = append(out, p.height)
		out = append(out, p.hash[:]...)
	}
	return out
}

// Decode parses an accumulator serialized by Encode.
func Decode(b []byte) (*Peaks, error) {
	if len(b) < 9 {
		return nil, fmt.Errorf("decode mmr: truncated")
	}
	m := &Peaks{leafCount: binary.BigEndian.Uint64(b[0:8])}
	n := int(b[8])
	b = b[9:]
	if len(b) < n*33 {
		return nil, fmt.Errorf("decode mmr: want %d peaks, %d bytes left", n, len(b))
	}
	m.peaks = make([]peak, n)
	for i := 0; i < n; i++ {
		m.peaks[i].height = b[0]
		copy(m.peaks[i].hash[:], b[1:33])
		b = b[33:]
	}
	return m, nil
}

// EncodedSize reports the byte length Encode will produce.
func (m *Peaks) EncodedSize() int {
	return 8 + 1 + len(m.peaks)*33
}
