package xid

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewCarriesPrefixAndUUID(t *testing.T) {
	id := New("take")
	if !strings.HasPrefix(id, "take-") {
		t.Fatalf("expected take- prefix, got %s", id)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(id, "take-")); err != nil {
		t.Fatalf("expected uuid suffix: %v", err)
	}
	if New("take") == id {
		t.Fatalf("expected unique ids")
	}
}
