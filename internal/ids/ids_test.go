package ids

import (
	"testing"

	"github.com/google/uuid"
)

func TestUUIDProviderIssuesSortableV7(t *testing.T) {
	provider := NewUUIDProvider()
	first, err := provider.NewID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := provider.NewID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parsed, err := uuid.Parse(first)
	if err != nil {
		t.Fatalf("expected a uuid, got %q", first)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
	if first == second {
		t.Fatalf("expected distinct identifiers")
	}
	if first > second {
		t.Fatalf("expected identifiers to sort by creation: %s > %s", first, second)
	}
}

func TestNewSessionIDIsUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewSessionID()
		if len(id) != 26 {
			t.Fatalf("unexpected session id %q", id)
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate session id %s", id)
		}
		seen[id] = struct{}{}
	}
}
