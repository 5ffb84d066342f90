// Package archivelog implements the archive list log of spec §6: a
// sibling file recording pending-deletion archive identifiers so a
// process restart can resume deferred deletions. The format is a fixed
// UTF-8 prefix, a version byte, a count, that many GUIDs, and a
// trailing SHA-1 over everything before it.
package archivelog

import (
	"crypto/sha1"
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/openhistorian/storage-core/internal/storageerr"
)

// Prefix is the literal header string every archive list log begins with.
const Prefix = "openHistorian 2.0 Archive List Log"

// Version is the only log format version this package writes or accepts.
const Version = byte(1)

// trailerSize is the length of the trailing SHA-1 hash.
const trailerSize = sha1.Size

// Append serializes pendingDeletions as a complete archive list log:
// prefix, version, count, GUIDs, SHA-1 trailer (spec §6 "Archive list log").
func Append(pendingDeletions []uuid.UUID) []byte {
	body := make([]byte, 0, len(Prefix)+1+4+len(pendingDeletions)*16)
	body = append(body, Prefix...)
	body = append(body, Version)

	countBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(countBuf, uint32(len(pendingDeletions)))
	body = append(body, countBuf...)

	for _, id := range pendingDeletions {
		body = append(body, id[:]...)
	}

	sum := sha1.Sum(body)
	return append(body, sum[:]...)
}

// Replay parses and validates a complete archive list log written by
// Append, rejecting files with a mismatched prefix, unknown version, or
// failing hash (spec §6: "Files with mismatching prefix, unknown
// version, or failing hash are rejected and discarded").
func Replay(data []byte) ([]uuid.UUID, error) {
	minSize := len(Prefix) + 1 + 4 + trailerSize
	if len(data) < minSize {
		return nil, storageerr.New(storageerr.OutOfRange, "archivelog: file too short to contain a valid header and trailer")
	}

	body := data[:len(data)-trailerSize]
	trailer := data[len(data)-trailerSize:]
	want := sha1.Sum(body)
	if !hashEqual(want[:], trailer) {
		return nil, errors.New("archivelog: SHA-1 trailer does not match file contents")
	}

	if string(data[:len(Prefix)]) != Prefix {
		return nil, errors.New("archivelog: header prefix mismatch")
	}
	pos := len(Prefix)

	version := data[pos]
	pos++
	if version != Version {
		return nil, errors.Errorf("archivelog: unknown version %d", version)
	}

	count := binary.LittleEndian.Uint32(data[pos:])
	pos += 4

	expected := pos + int(count)*16 + trailerSize
	if expected != len(data) {
		return nil, errors.Errorf("archivelog: count %d does not match file length", count)
	}

	ids := make([]uuid.UUID, count)
	for i := range ids {
		copy(ids[i][:], data[pos:pos+16])
		pos += 16
	}
	return ids, nil
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
