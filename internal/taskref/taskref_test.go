package taskref_test

import (
	"strings"
	"testing"

	"github.com/loomhq/loom/internal/taskref"
)

func TestParseValid(t *testing.T) {
	id, err := taskref.Parse("  PROJ-123  ")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id.String() != "PROJ-123" {
		t.Errorf("expected trimmed PROJ-123, got %q", id.String())
	}
}

func TestParseRejectsEmpty(t *testing.T) {
	if _, err := taskref.Parse("   "); err == nil {
		t.Error("expected an empty (whitespace-only) reference to be rejected")
	}
}

func TestParseRejectsTooLong(t *testing.T) {
	long := strings.Repeat("x", 257)
	if _, err := taskref.Parse(long); err == nil {
		t.Error("expected a 257-byte reference to be rejected")
	}
}

func TestParseAcceptsExactly256Bytes(t *testing.T) {
	exact := strings.Repeat("x", 256)
	if _, err := taskref.Parse(exact); err != nil {
		t.Errorf("expected an exactly-256-byte reference to be accepted, got %v", err)
	}
}

func TestParseRejectsEmbeddedControlWhitespace(t *testing.T) {
	if _, err := taskref.Parse("PROJ-1\n23"); err == nil {
		t.Error("expected an embedded newline to be rejected")
	}
	if _, err := taskref.Parse("PROJ-1\t23"); err == nil {
		t.Error("expected an embedded tab to be rejected")
	}
}

func TestParseAllowsInteriorSpaces(t *testing.T) {
	id, err := taskref.Parse("my task name")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id.String() != "my task name" {
		t.Errorf("expected interior spaces preserved, got %q", id.String())
	}
}
