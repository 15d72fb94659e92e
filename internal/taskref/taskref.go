// Package taskref wraps the opaque external task identifier a session may
// carry (spec.md's task_id), validating its shape without interpreting its
// meaning — the core never parses or contacts the external tracker itself,
// only stores and best-effort closes it via a caller-supplied hook
// (C11 step 6).
package taskref

import (
	"fmt"
	"strings"
)

// ID is a validated, opaque task reference.
type ID string

// Parse validates raw as a task reference after trimming surrounding
// whitespace: non-empty, no embedded newline, tab or carriage return
// (interior spaces are kept), at most 256 bytes. Anything more specific belongs to the
// external tracker, not to loom.
func Parse(raw string) (ID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("task reference must not be empty")
	}
	if len(trimmed) > 256 {
		return "", fmt.Errorf("task reference too long: %d bytes", len(trimmed))
	}
	if strings.ContainsAny(trimmed, "\n\t\r") {
		return "", fmt.Errorf("task reference must not contain whitespace control characters")
	}
	return ID(trimmed), nil
}

func (id ID) String() string { return string(id) }
