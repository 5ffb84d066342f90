package diskio

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/openhistorian/storage-core/internal/bufferedfile"
	"github.com/openhistorian/storage-core/internal/filestream"
	"github.com/openhistorian/storage-core/internal/footer"
	"github.com/openhistorian/storage-core/internal/mempool"
	"github.com/openhistorian/storage-core/internal/pagecache"
)

const testBlockSize = 4096
const testHeaderSlots = 10

func newTestSession(t *testing.T, readOnly bool) (*Session, *bufferedfile.BufferedFile) {
	t.Helper()
	dir := t.TempDir()
	stream, err := filestream.Open(filepath.Join(dir, "test.d2"), filestream.Options{
		IOPageSize:             testBlockSize,
		FileStructureBlockSize: testBlockSize,
	})
	require.NoError(t, err)
	t.Cleanup(func() { stream.Close() })

	pool, err := mempool.New(testBlockSize, 4*1024*1024)
	require.NoError(t, err)
	cache := pagecache.NewAlgorithm(pool)
	pool.Subscribe(cache)

	header := bufferedfile.FileHeaderBlock{
		BlockSize:          testBlockSize,
		HeaderBlockCount:   testHeaderSlots,
		LastAllocatedBlock: testHeaderSlots,
		ArchiveID:          uuid.New(),
	}
	require.NoError(t, bufferedfile.InitializeNewFile(stream, header, testBlockSize, testHeaderSlots))
	bf := bufferedfile.New(stream, pool, cache, testBlockSize, testHeaderSlots, header)

	sess := NewSession(bf, cache, testBlockSize, header.SnapshotSequenceNumber, 1, readOnly, 10)
	t.Cleanup(sess.Dispose)
	return sess, bf
}

func commitOneBlock(t *testing.T, bf *bufferedfile.BufferedFile, sess *Session, blockType uint8, indexValue uint32) int64 {
	t.Helper()
	blockIndex := bf.Header().LastAllocatedBlock + 1

	raw, err := sess.WriteToNewBlock(int64(blockIndex), blockType, indexValue)
	require.NoError(t, err)
	for i := range raw {
		raw[i] = 0x55
	}
	sess.Clear() // release the pin so Commit can promote the page cleanly

	h := bf.Header()
	h.LastAllocatedBlock = blockIndex
	h.SnapshotSequenceNumber++
	require.NoError(t, bf.Commit(h))
	sess.currentSnap = h.SnapshotSequenceNumber
	return int64(blockIndex)
}

func TestWriteToNewBlockThenReadRoundTrips(t *testing.T) {
	sess, bf := newTestSession(t, false)
	blockIndex := commitOneBlock(t, bf, sess, 7, 42)

	raw, err := sess.Read(blockIndex, 7, 42)
	require.NoError(t, err)
	require.Len(t, raw, testBlockSize-footer.Size)
}

func TestReadDetectsBlockTypeMismatch(t *testing.T) {
	sess, bf := newTestSession(t, false)
	blockIndex := commitOneBlock(t, bf, sess, 7, 42)

	_, err := sess.Read(blockIndex, 9, 42)
	require.Error(t, err, "wrong expectedType should fail with BlockTypeMismatch")
}

func TestReadDetectsIndexMismatch(t *testing.T) {
	sess, bf := newTestSession(t, false)
	blockIndex := commitOneBlock(t, bf, sess, 7, 42)

	_, err := sess.Read(blockIndex, 7, 99)
	require.Error(t, err, "wrong expectedIndex should fail with IndexNumberMismatch")
}

func TestWriteToExistingBlockRejectsReadOnlySession(t *testing.T) {
	sess, _ := newTestSession(t, true)
	_, err := sess.WriteToExistingBlock(11, 7, 42)
	require.Error(t, err, "write on a read-only session should be rejected")
}

// TestWriteOnFreshFileRejectsHeaderRegionThenAcceptsFirstDataBlock
// reproduces spec §8.1's worked scenario: on a fresh file every index
// up to and including the last header slot is reserved, and block 11
// is the first write, leaving lastAllocatedBlock=11 after one commit.
func TestWriteOnFreshFileRejectsHeaderRegionThenAcceptsFirstDataBlock(t *testing.T) {
	sess, bf := newTestSession(t, false)

	for _, reserved := range []int64{0, 1, testHeaderSlots - 1, testHeaderSlots} {
		if _, err := sess.WriteToNewBlock(reserved, 1, 0); err == nil {
			t.Fatalf("WriteToNewBlock(%d) = nil error, want OutOfRange (reserved header block)", reserved)
		}
	}

	raw, err := sess.WriteToNewBlock(11, 1, 0)
	require.NoError(t, err, "block 11 is the first block past the header reservation")
	for i := range raw {
		raw[i] = 0x42
	}
	sess.Clear()

	h := bf.Header()
	h.LastAllocatedBlock = 11
	h.SnapshotSequenceNumber++
	require.NoError(t, bf.Commit(h))
	require.Equal(t, int32(11), bf.Header().LastAllocatedBlock)
}

func TestCachedLookupReusesPinnedRange(t *testing.T) {
	sess, bf := newTestSession(t, false)
	blockIndex := commitOneBlock(t, bf, sess, 7, 42)

	_, err := sess.Read(blockIndex, 7, 42)
	require.NoError(t, err)
	before := sess.CachedLookupCount()
	_, err = sess.Read(blockIndex, 7, 42)
	require.NoError(t, err)
	require.Equal(t, before+1, sess.CachedLookupCount(), "second Read of the same block should reuse the pin")
}
