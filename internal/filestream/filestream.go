// Package filestream implements CustomFileStream (spec §4.4): a
// synchronous, reference-counted wrapper over an OS file that serializes
// position+I/O pairs, retries partial reads, recovers from an
// OS-detected handle close, and computes/clears block-footer checksums
// on the read and write paths.
package filestream

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/openhistorian/storage-core/internal/footer"
	"github.com/openhistorian/storage-core/internal/storageerr"
)

// Stream is the CustomFileStream of spec §4.4. It is shared across every
// DiskIoSession that touches the same file (spec §5 "Shared resources").
type Stream struct {
	path                   string
	ioPageSize             int
	fileStructureBlockSize int
	useDirectIO            bool // caller's request; directIOEligible() gates the actual decision

	// isUsingStream is the writer-preferring rw-lock of spec §5: reads
	// and writes take the read side; open/close/reopen/rename take the
	// write side so a handle swap excludes every in-flight I/O call.
	isUsingStream sync.RWMutex
	// posMu is the inner monitor additionally serializing position+I/O
	// call pairs against each other (spec §5).
	posMu sync.Mutex

	file     *os.File
	refCount int32 // atomic
	length   int64 // atomic, cached file length

	readOnly bool
	shared   bool

	scratch sync.Pool // pooled, directio-aligned scratch buffers

	log *logrus.Entry
}

// Options configures a new Stream.
type Options struct {
	IOPageSize             int
	FileStructureBlockSize int
	UseDirectIO            bool
	ReadOnly               bool
	Shared                 bool
	Logger                 *logrus.Entry
}

// Open opens (creating if necessary) the file at path and returns a
// Stream with an initial reference count of 1 (spec §4.4 Open).
func Open(path string, opts Options) (*Stream, error) {
	s := &Stream{
		path:                   path,
		ioPageSize:             opts.IOPageSize,
		fileStructureBlockSize: opts.FileStructureBlockSize,
		useDirectIO:            opts.UseDirectIO,
		readOnly:               opts.ReadOnly,
		shared:                 opts.Shared,
		refCount:               1,
		log:                    opts.Logger,
	}
	if s.log == nil {
		s.log = logrus.WithField("component", "filestream")
	}
	s.scratch.New = func() interface{} {
		if s.directIOEligible() {
			return directio.AlignedBlock(s.ioPageSize)
		}
		return make([]byte, s.ioPageSize)
	}
	if err := s.openHandle(); err != nil {
		return nil, err
	}
	return s, nil
}

// directIOEligible reports whether this stream should actually use direct
// I/O: the caller opted in, the stream is writable, and
// fileStructureBlockSize is a multiple of the platform's direct-I/O
// alignment (github.com/ncw/directio.AlignSize) — unaligned direct I/O is
// a guaranteed syscall failure, not a degraded-but-working path, so
// Open falls back to a plain os.OpenFile instead of attempting it.
func (s *Stream) directIOEligible() bool {
	return s.useDirectIO && !s.readOnly &&
		s.fileStructureBlockSize > 0 && s.fileStructureBlockSize%directio.AlignSize == 0
}

func (s *Stream) openHandle() error {
	flag := os.O_RDWR | os.O_CREATE
	if s.readOnly {
		flag = os.O_RDONLY
	}
	var f *os.File
	var err error
	if s.directIOEligible() {
		f, err = directio.OpenFile(s.path, flag, 0o644)
	} else {
		f, err = os.OpenFile(s.path, flag, 0o644)
	}
	if err != nil {
		return errors.Wrapf(err, "filestream: open %q", s.path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrapf(err, "filestream: stat %q", s.path)
	}
	s.file = f
	atomic.StoreInt64(&s.length, info.Size())
	return nil
}

// AddRef increments the open-count, keeping the underlying OS handle
// open for one more logical owner (spec §4.4 Open: "reference-counted").
func (s *Stream) AddRef() { atomic.AddInt32(&s.refCount, 1) }

// Close decrements the reference count and closes the OS handle once it
// reaches zero.
func (s *Stream) Close() error {
	if atomic.AddInt32(&s.refCount, -1) > 0 {
		return nil
	}
	s.isUsingStream.Lock()
	defer s.isUsingStream.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Length returns the file's cached length.
func (s *Stream) Length() int64 { return atomic.LoadInt64(&s.length) }

// ReadRaw reads len(buf) bytes starting at pos, retrying until buf is
// fully consumed or EOF is observed (spec §4.4 ReadRaw). If the OS has
// closed the handle out from under us, it reopens once and retries.
func (s *Stream) ReadRaw(pos int64, buf []byte) (int, error) {
	s.isUsingStream.RLock()
	s.posMu.Lock()
	n, err := s.readRawLocked(pos, buf)
	s.posMu.Unlock()
	s.isUsingStream.RUnlock()

	if isClosedHandle(err) {
		if reopenErr := s.reopenAfterOSClose(); reopenErr != nil {
			return n, reopenErr
		}
		s.isUsingStream.RLock()
		s.posMu.Lock()
		n, err = s.readRawLocked(pos, buf)
		s.posMu.Unlock()
		s.isUsingStream.RUnlock()
	}
	return n, err
}

func (s *Stream) readRawLocked(pos int64, buf []byte) (int, error) {
	var total int
	for total < len(buf) {
		n, err := s.file.ReadAt(buf[total:], pos+int64(total))
		total += n
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, errors.Wrapf(err, "filestream: read %q at %d", s.path, pos)
		}
		if n == 0 {
			return total, nil
		}
	}
	return total, nil
}

// WriteRaw writes len(buf) bytes at pos and updates the cached length
// (spec §4.4 WriteRaw).
func (s *Stream) WriteRaw(pos int64, buf []byte) error {
	s.isUsingStream.RLock()
	s.posMu.Lock()
	_, err := s.file.WriteAt(buf, pos)
	s.posMu.Unlock()
	s.isUsingStream.RUnlock()

	if isClosedHandle(err) {
		if reopenErr := s.reopenAfterOSClose(); reopenErr != nil {
			return reopenErr
		}
		s.isUsingStream.RLock()
		s.posMu.Lock()
		_, err = s.file.WriteAt(buf, pos)
		s.posMu.Unlock()
		s.isUsingStream.RUnlock()
	}
	if err != nil {
		return errors.Wrapf(err, "filestream: write %q at %d", s.path, pos)
	}
	end := pos + int64(len(buf))
	for {
		cur := atomic.LoadInt64(&s.length)
		if end <= cur {
			break
		}
		if atomic.CompareAndSwapInt64(&s.length, cur, end) {
			break
		}
	}
	return nil
}

func isClosedHandle(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(errors.Cause(err), os.ErrClosed)
}

func (s *Stream) reopenAfterOSClose() error {
	s.log.Warn("filestream: underlying handle was closed by the OS, reopening")
	s.isUsingStream.Lock()
	defer s.isUsingStream.Unlock()
	if s.file != nil {
		s.file.Close()
	}
	return s.openHandle()
}

// Read reads a full I/O-sized page at pos into destPage, zero-filling
// any tail beyond the file's current length, then writes a freshly
// computed footer checksum over every file-structure-block-sized chunk
// in destPage (spec §4.4 Read).
func (s *Stream) Read(pos int64, destPage []byte) error {
	if len(destPage) != s.ioPageSize {
		return storageerr.Newf(storageerr.OutOfRange, "filestream: Read buffer size %d != io page size %d", len(destPage), s.ioPageSize)
	}
	scratch := s.scratch.Get().([]byte)
	defer s.scratch.Put(scratch)

	n, err := s.ReadRaw(pos, scratch)
	if err != nil {
		return err
	}
	copy(destPage, scratch[:n])
	for i := n; i < len(destPage); i++ {
		destPage[i] = 0
	}

	s.recomputeFooters(destPage)
	return nil
}

// recomputeFooters walks destPage in fileStructureBlockSize chunks and
// computes a fresh, trusted footer over each (spec §4.4 Read: "writes a
// freshly computed footer checksum over every file-structure block in
// the buffer before returning").
func (s *Stream) recomputeFooters(page []byte) {
	if s.fileStructureBlockSize <= 0 {
		return
	}
	for off := 0; off+s.fileStructureBlockSize <= len(page); off += s.fileStructureBlockSize {
		footer.Compute(page[off : off+s.fileStructureBlockSize])
	}
}

// Write persists length bytes from src (already laid out in
// fileStructureBlockSize chunks with payload+footer) to disk starting at
// destPos, iterating page-aligned chunks: for each chunk it computes the
// checksum, marks the footer MustBeRecomputed, copies into a scratch
// buffer, and appends via WriteRaw (spec §4.4 Write). If waitForDisk is
// set, it fsyncs after the last chunk.
func (s *Stream) Write(destPos int64, src []byte, length int64, waitForDisk bool) error {
	if s.readOnly {
		return errors.WithStack(storageerr.ReadOnly)
	}
	if s.fileStructureBlockSize <= 0 {
		return storageerr.New(storageerr.OutOfRange, "filestream: Write requires a configured file structure block size")
	}
	var written int64
	for written < length {
		chunkLen := int64(s.fileStructureBlockSize)
		if length-written < chunkLen {
			chunkLen = length - written
		}
		chunk := src[written : written+chunkLen]
		if chunkLen == int64(s.fileStructureBlockSize) {
			footer.Compute(chunk)
			footer.SetState(chunk, footer.MustBeRecomputed)
		}

		scratch := s.scratch.Get().([]byte)
		if int64(len(scratch)) < chunkLen {
			scratch = make([]byte, chunkLen)
		}
		copy(scratch[:chunkLen], chunk)
		err := s.WriteRaw(destPos+written, scratch[:chunkLen])
		s.scratch.Put(scratch)
		if err != nil {
			return err
		}
		written += chunkLen
	}

	if waitForDisk {
		return s.Sync()
	}
	return nil
}

// Sync flushes outstanding writes to the underlying medium via
// fdatasync (spec §4.5 commit step 4: "fsync"). It only flushes data
// and the metadata needed to retrieve it, skipping mtime/atime updates.
func (s *Stream) Sync() error {
	s.isUsingStream.RLock()
	defer s.isUsingStream.RUnlock()
	if s.file == nil {
		return nil
	}
	if err := unix.Fdatasync(int(s.file.Fd())); err != nil {
		return errors.Wrapf(err, "filestream: fdatasync %q", s.path)
	}
	return nil
}

// ChangeExtension reopens the file with a new extension, optionally
// read-only/shared, failing if the target path already exists (spec
// §4.4 ChangeExtension).
func (s *Stream) ChangeExtension(newPath string, readOnly, shared bool) error {
	s.isUsingStream.Lock()
	defer s.isUsingStream.Unlock()

	if _, err := os.Stat(newPath); err == nil {
		return errors.WithStack(storageerr.AlreadyExists)
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return errors.Wrapf(err, "filestream: close before rename %q", s.path)
		}
	}
	if err := os.Rename(s.path, newPath); err != nil {
		return errors.Wrapf(err, "filestream: rename %q -> %q", s.path, newPath)
	}
	s.path = newPath
	s.readOnly = readOnly
	s.shared = shared
	return s.openHandle()
}

// ChangeShareMode reopens the handle with new access rights (spec §4.4
// ChangeShareMode). Go's os.File has no native share-mode concept; this
// tracks the intent and reopens so platform-specific flags applied in
// openHandle (readOnly) take effect.
func (s *Stream) ChangeShareMode(readOnly, shared bool) error {
	s.isUsingStream.Lock()
	defer s.isUsingStream.Unlock()
	if s.file != nil {
		s.file.Close()
	}
	s.readOnly = readOnly
	s.shared = shared
	return s.openHandle()
}
