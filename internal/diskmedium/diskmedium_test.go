package diskmedium

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/openhistorian/storage-core/internal/bufferedfile"
	"github.com/openhistorian/storage-core/internal/filestream"
	"github.com/openhistorian/storage-core/internal/mempool"
)

const testBlockSize = 4096
const testHeaderSlots = 10

func TestMemoryVariantSessionReadWriteRoundTrips(t *testing.T) {
	pool, err := mempool.New(testBlockSize, 4*1024*1024)
	if err != nil {
		t.Fatalf("mempool.New() failed: %v", err)
	}
	header := bufferedfile.FileHeaderBlock{
		BlockSize:        testBlockSize,
		HeaderBlockCount: testHeaderSlots,
		ArchiveID:        uuid.New(),
	}
	dm := NewMemory(pool, testBlockSize, testHeaderSlots, 1, header)
	if dm.Variant() != VariantMemory {
		t.Fatalf("Variant() = %v, want VariantMemory", dm.Variant())
	}

	sess := dm.CreateIoSession(false)
	defer sess.Dispose()

	raw, err := sess.WriteToNewBlock(11, 3, 7)
	if err != nil {
		t.Fatalf("WriteToNewBlock() failed: %v", err)
	}
	for i := range raw {
		raw[i] = 0x11
	}
	sess.Clear()

	out, err := sess.Read(11, 3, 7)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	for i, b := range out {
		if b != 0x11 {
			t.Fatalf("out[%d] = %d, want 0x11", i, b)
		}
	}
}

func TestMemoryVariantCommitAndRollbackAreNoOps(t *testing.T) {
	pool, err := mempool.New(testBlockSize, 4*1024*1024)
	if err != nil {
		t.Fatalf("mempool.New() failed: %v", err)
	}
	header := bufferedfile.FileHeaderBlock{BlockSize: testBlockSize, HeaderBlockCount: testHeaderSlots, ArchiveID: uuid.New()}
	dm := NewMemory(pool, testBlockSize, testHeaderSlots, 1, header)

	dm.Rollback() // must not panic

	newHeader := header
	newHeader.SnapshotSequenceNumber = 5
	if err := dm.Commit(newHeader); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	if dm.Header().SnapshotSequenceNumber != 5 {
		t.Errorf("Header().SnapshotSequenceNumber = %d, want 5", dm.Header().SnapshotSequenceNumber)
	}
}

func TestFileVariantNewFileThenSession(t *testing.T) {
	dir := t.TempDir()
	stream, err := filestream.Open(filepath.Join(dir, "test.d2"), filestream.Options{
		IOPageSize:             testBlockSize,
		FileStructureBlockSize: testBlockSize,
	})
	if err != nil {
		t.Fatalf("filestream.Open() failed: %v", err)
	}
	defer stream.Close()

	pool, err := mempool.New(testBlockSize, 4*1024*1024)
	if err != nil {
		t.Fatalf("mempool.New() failed: %v", err)
	}

	header := bufferedfile.FileHeaderBlock{
		BlockSize:          testBlockSize,
		HeaderBlockCount:   testHeaderSlots,
		LastAllocatedBlock: testHeaderSlots,
		ArchiveID:          uuid.New(),
	}
	dm, err := NewFile(stream, pool, testBlockSize, testHeaderSlots, 1, true, header)
	if err != nil {
		t.Fatalf("NewFile() failed: %v", err)
	}
	if dm.Variant() != VariantFile {
		t.Fatalf("Variant() = %v, want VariantFile", dm.Variant())
	}

	sess := dm.CreateIoSession(false)
	defer sess.Dispose()

	if _, err := sess.WriteToNewBlock(testHeaderSlots, 1, 0); err == nil {
		t.Fatalf("WriteToNewBlock(%d) = nil error, want OutOfRange (block %d is reserved)", testHeaderSlots, testHeaderSlots)
	}
	if _, err := sess.WriteToNewBlock(testHeaderSlots+1, 1, 0); err != nil {
		t.Fatalf("WriteToNewBlock() failed: %v", err)
	}
}
