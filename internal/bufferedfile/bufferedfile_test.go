package bufferedfile

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/openhistorian/storage-core/internal/filestream"
	"github.com/openhistorian/storage-core/internal/mempool"
	"github.com/openhistorian/storage-core/internal/pagecache"
)

const testBlockSize = 4096
const testHeaderSlots = 10

func newTestRig(t *testing.T) (*filestream.Stream, *mempool.MemoryPool, *pagecache.Algorithm) {
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
	return stream, pool, cache
}

func newTestFile(t *testing.T) *BufferedFile {
	t.Helper()
	stream, pool, cache := newTestRig(t)

	header := FileHeaderBlock{
		BlockSize:              testBlockSize,
		HeaderBlockCount:       testHeaderSlots,
		LastAllocatedBlock:     testHeaderSlots, // committed region covers the reserved header span only
		SnapshotSequenceNumber: 0,
		ArchiveID:              uuid.New(),
	}
	require.NoError(t, InitializeNewFile(stream, header, testBlockSize, testHeaderSlots))
	return New(stream, pool, cache, testBlockSize, testHeaderSlots, header)
}

func TestInitializeNewFileFillsSlotZeroOnly(t *testing.T) {
	stream, _, _ := newTestRig(t)
	header := FileHeaderBlock{BlockSize: testBlockSize, HeaderBlockCount: testHeaderSlots, LastAllocatedBlock: testHeaderSlots, ArchiveID: uuid.New()}
	require.NoError(t, InitializeNewFile(stream, header, testBlockSize, testHeaderSlots))
	require.Equal(t, int64(testBlockSize), stream.Length(), "only slot 0 was ever written")
}

func TestGetBlockRejectsHeaderRegion(t *testing.T) {
	bf := newTestFile(t)
	lock := bf.cache.NewPageLock()
	defer lock.Dispose()
	_, err := bf.GetBlock(lock, 0, false)
	require.Error(t, err, "GetBlock(0) should reject the header region")
}

func TestGetBlockRejectsWriteToCommittedRegion(t *testing.T) {
	bf := newTestFile(t)
	lock := bf.cache.NewPageLock()
	defer lock.Dispose()

	committedPos := bf.committedEnd()
	_, err := bf.GetBlock(lock, committedPos, true)
	require.NoError(t, err)

	h := bf.Header()
	h.LastAllocatedBlock++
	h.SnapshotSequenceNumber++
	require.NoError(t, bf.Commit(h))

	_, err = bf.GetBlock(lock, committedPos, true)
	require.Error(t, err, "write to now-committed data should be rejected")
}

func TestCommitPromotesWriteBufferAndAdvancesHeader(t *testing.T) {
	bf := newTestFile(t)
	lock := bf.cache.NewPageLock()
	defer lock.Dispose()

	writePos := bf.committedEnd()
	block, err := bf.GetBlock(lock, writePos, true)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte{0x7A}, int(block.Length))
	copy(block.FirstPointer, payload)

	newHeader := bf.Header()
	newHeader.LastAllocatedBlock++
	newHeader.SnapshotSequenceNumber++

	require.NoError(t, bf.Commit(newHeader))
	require.Equal(t, newHeader.CommittedEnd(), bf.committedEnd())

	readBlock, err := bf.GetBlock(lock, writePos, false)
	require.NoError(t, err)
	// the trailing footer.Size bytes are overwritten by the checksum
	// computed during promotion, so only the payload region round-trips.
	payloadRegion := len(payload) - 32
	require.True(t, bytes.Equal(readBlock.FirstPointer[:payloadRegion], payload[:payloadRegion]),
		"committed page contents did not match the promoted write-buffer contents")
}

func TestRollbackDiscardsWriteBufferWithoutAdvancingHeader(t *testing.T) {
	bf := newTestFile(t)
	lock := bf.cache.NewPageLock()
	defer lock.Dispose()

	writePos := bf.committedEnd()
	before := bf.Header()

	_, err := bf.GetBlock(lock, writePos, true)
	require.NoError(t, err)
	bf.Rollback()

	after := bf.Header()
	require.Equal(t, before, after, "Rollback() must not change the header")
}

func TestRecoverHeaderPicksLargestSnapshotSequence(t *testing.T) {
	bf := newTestFile(t)
	lock := bf.cache.NewPageLock()
	defer lock.Dispose()

	for i := 0; i < 3; i++ {
		writePos := bf.committedEnd()
		_, err := bf.GetBlock(lock, writePos, true)
		require.NoError(t, err)
		h := bf.Header()
		h.LastAllocatedBlock++
		h.SnapshotSequenceNumber++
		require.NoError(t, bf.Commit(h))
	}

	recovered, err := RecoverHeader(bf.stream, testBlockSize, testHeaderSlots)
	require.NoError(t, err)
	require.Equal(t, bf.Header().SnapshotSequenceNumber, recovered.SnapshotSequenceNumber)
}
