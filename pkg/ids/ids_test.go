package ids

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestNewRoomID_Format(t *testing.T) {
	id := NewRoomID()
	if len(id) != 8 {
		t.Errorf("expected 8 characters, got %d (%q)", len(id), id)
	}
	if _, err := hex.DecodeString(id); err != nil {
		t.Errorf("expected hex string, got %q", id)
	}
}

func TestNewRoomID_Distinct(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRoomID()
		if seen[id] {
			t.Fatalf("duplicate room id after %d draws: %s", i, id)
		}
		seen[id] = true
	}
}

func TestNewParticipantID(t *testing.T) {
	id := NewParticipantID()
	if !strings.HasPrefix(id, "peer_") {
		t.Errorf("expected peer_ prefix, got %q", id)
	}
	if id == NewParticipantID() {
		t.Error("expected distinct participant ids")
	}
}
