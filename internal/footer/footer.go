// Package footer implements the 32-byte block footer described in
// spec §3 "Block footer" and §6 "Block footer layout": the trailing 32
// bytes of every non-header block, carrying block identification and an
// opaque checksum. The checksum algorithm itself is externally provided
// per spec; this package's Compute/Clear/Verify trio is backed by
// xxhash, a concrete, fast, non-cryptographic choice appropriate for a
// per-block integrity check (spec §9 "the checksum algorithm is
// externally provided; the storage core treats it opaquely").
package footer

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Size is the fixed footer length in bytes (spec §6 table).
const Size = 32

// ChecksumState is the one-byte checksum state at footer offset 28
// (spec §3, §6).
type ChecksumState uint8

const (
	NotValid ChecksumState = iota
	Valid
	MustBeRecomputed
)

// field byte offsets within the 32-byte footer (spec §6 table).
const (
	offBlockType   = 0
	offReserved1   = 1
	offFileID      = 2
	offIndexValue  = 4
	offSnapshotSeq = 8
	offChecksum    = 12
	offChecksumLen = 16
	offState       = 28
	offReserved2   = 29
)

// Footer is a decoded view of the 32-byte trailer of a block.
type Footer struct {
	BlockType        uint8
	FileID           uint16
	IndexValue       uint32
	SnapshotSequence uint32
	State            ChecksumState
	Checksum         [16]byte
}

// Decode parses a Footer from the first Size bytes of buf, i.e. buf is
// the footer itself (offset 0 is the footer's first byte), not a whole
// block. buf must be at least Size bytes.
func Decode(buf []byte) Footer {
	f := Footer{}
	f.BlockType = buf[offBlockType]
	f.FileID = binary.LittleEndian.Uint16(buf[offFileID:])
	f.IndexValue = binary.LittleEndian.Uint32(buf[offIndexValue:])
	f.SnapshotSequence = binary.LittleEndian.Uint32(buf[offSnapshotSeq:])
	f.State = ChecksumState(buf[offState])
	copy(f.Checksum[:], buf[offChecksum:offChecksum+offChecksumLen])
	return f
}

// Encode writes f into the first Size bytes of buf, which is the footer
// itself rather than a whole block. buf must be at least Size bytes.
func (f Footer) Encode(buf []byte) {
	buf[offBlockType] = f.BlockType
	buf[offReserved1] = 0
	binary.LittleEndian.PutUint16(buf[offFileID:], f.FileID)
	binary.LittleEndian.PutUint32(buf[offIndexValue:], f.IndexValue)
	binary.LittleEndian.PutUint32(buf[offSnapshotSeq:], f.SnapshotSequence)
	copy(buf[offChecksum:offChecksum+offChecksumLen], f.Checksum[:])
	buf[offState] = uint8(f.State)
	buf[offReserved2] = 0
	buf[offReserved2+1] = 0
	buf[offReserved2+2] = 0
}

// SetState overwrites only the checksum-state byte of block's footer,
// leaving the checksum bytes themselves untouched. Used by
// CustomFileStream.Write to mark a just-persisted block
// MustBeRecomputed rather than Valid (spec §4.4 Write, §4.6
// WriteToNewBlock: "clears and then writes a fresh footer (checksum
// state = MustBeRecomputed)").
func SetState(block []byte, state ChecksumState) {
	block[len(block)-Size+offState] = uint8(state)
}

// Clear zeroes the checksum state byte of a block's footer (footer at
// block[len(block)-Size:]), per spec §4.4 Write: "clears the
// checksum-state byte" before computing a fresh checksum.
func Clear(block []byte) {
	block[len(block)-Size+offState] = uint8(NotValid)
}

// Compute hashes the payload preceding the footer (block[:len(block)-Size])
// with xxhash and writes the result plus a checksum state of Valid into
// the footer region of block. block must be at least Size bytes.
func Compute(block []byte) {
	payload := block[:len(block)-Size]
	sum := xxhash.Sum64(payload)
	footerBuf := block[len(block)-Size:]
	binary.LittleEndian.PutUint64(footerBuf[offChecksum:], sum)
	binary.LittleEndian.PutUint64(footerBuf[offChecksum+8:], 0)
	footerBuf[offState] = uint8(Valid)
}

// Verify recomputes the checksum over block's payload and reports
// whether it matches the stored one and the stored state is not
// NotValid. A MustBeRecomputed state is treated as provisionally valid
// (spec §3: "checksum state must be Valid or MustBeRecomputed").
func Verify(block []byte) bool {
	footerBuf := block[len(block)-Size:]
	state := ChecksumState(footerBuf[offState])
	if state == NotValid {
		return false
	}
	if state == MustBeRecomputed {
		return true
	}
	payload := block[:len(block)-Size]
	want := xxhash.Sum64(payload)
	got := binary.LittleEndian.Uint64(footerBuf[offChecksum:])
	return got == want
}
