package archivelog

import (
	"testing"

	"github.com/google/uuid"
)

func TestAppendThenReplayRoundTrips(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	data := Append(ids)

	got, err := Replay(data)
	if err != nil {
		t.Fatalf("Replay() failed: %v", err)
	}
	if len(got) != len(ids) {
		t.Fatalf("Replay() returned %d ids, want %d", len(got), len(ids))
	}
	for i := range ids {
		if got[i] != ids[i] {
			t.Errorf("id[%d] = %v, want %v", i, got[i], ids[i])
		}
	}
}

func TestReplayRejectsTamperedPayload(t *testing.T) {
	data := Append([]uuid.UUID{uuid.New()})
	data[len(Prefix)+10] ^= 0xFF // corrupt a byte inside the GUID region

	if _, err := Replay(data); err == nil {
		t.Errorf("Replay() on tampered data = nil error, want hash mismatch")
	}
}

func TestReplayRejectsWrongPrefix(t *testing.T) {
	data := Append(nil)
	copy(data[:5], "wrong")
	if _, err := Replay(data); err == nil {
		t.Errorf("Replay() with wrong prefix = nil error, want an error")
	}
}

func TestReplayRejectsUnknownVersion(t *testing.T) {
	data := Append(nil)
	data[len(Prefix)] = 99
	if _, err := Replay(data); err == nil {
		t.Errorf("Replay() with unknown version = nil error, want an error")
	}
}

func TestReplayRejectsTruncatedFile(t *testing.T) {
	data := Append([]uuid.UUID{uuid.New()})
	if _, err := Replay(data[:len(data)-5]); err == nil {
		t.Errorf("Replay() on a truncated file = nil error, want an error")
	}
}
