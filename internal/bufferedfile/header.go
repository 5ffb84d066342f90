package bufferedfile

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// headerMagic identifies a valid header block (distinguishes a committed
// header from a zeroed or torn one).
const headerMagic = uint32(0x48495354) // "HIST"

// headerEncodedSize is the number of bytes FileHeaderBlock.Encode writes;
// the remainder of a header slot is left as padding.
const headerEncodedSize = 4 + 4 + 4 + 4 + 4 + 16 + 4

// FileHeaderBlock is the persistent metadata record of spec §3
// "FileHeaderBlock": committed-region size, header slot count, the
// monotonic commit counter, archive identity, and application flags.
type FileHeaderBlock struct {
	BlockSize              int32
	HeaderBlockCount       int32
	LastAllocatedBlock     int32
	SnapshotSequenceNumber uint32
	ArchiveID              uuid.UUID
	ApplicationFlags       uint32
}

// CommittedEnd reports the length of the committed region this header
// describes (spec §3: "committed region length = (lastAllocatedBlock +
// 1) x blockSize").
func (h FileHeaderBlock) CommittedEnd() int64 {
	return int64(h.LastAllocatedBlock+1) * int64(h.BlockSize)
}

// Encode serializes h into the first headerEncodedSize bytes of slot,
// little-endian fixed-offset, mirroring the block-footer layout style.
func (h FileHeaderBlock) Encode(slot []byte) {
	binary.LittleEndian.PutUint32(slot[0:], headerMagic)
	binary.LittleEndian.PutUint32(slot[4:], uint32(h.BlockSize))
	binary.LittleEndian.PutUint32(slot[8:], uint32(h.HeaderBlockCount))
	binary.LittleEndian.PutUint32(slot[12:], uint32(h.LastAllocatedBlock))
	binary.LittleEndian.PutUint32(slot[16:], h.SnapshotSequenceNumber)
	copy(slot[20:36], h.ArchiveID[:])
	binary.LittleEndian.PutUint32(slot[36:], h.ApplicationFlags)
}

// Decode parses a FileHeaderBlock out of slot, reporting ok=false if the
// magic does not match (a zeroed, torn, or foreign slot).
func Decode(slot []byte) (h FileHeaderBlock, ok bool) {
	if binary.LittleEndian.Uint32(slot[0:]) != headerMagic {
		return FileHeaderBlock{}, false
	}
	h.BlockSize = int32(binary.LittleEndian.Uint32(slot[4:]))
	h.HeaderBlockCount = int32(binary.LittleEndian.Uint32(slot[8:]))
	h.LastAllocatedBlock = int32(binary.LittleEndian.Uint32(slot[12:]))
	h.SnapshotSequenceNumber = binary.LittleEndian.Uint32(slot[16:])
	copy(h.ArchiveID[:], slot[20:36])
	h.ApplicationFlags = binary.LittleEndian.Uint32(slot[36:])
	return h, true
}
