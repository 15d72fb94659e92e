// Package envelope is the versioned JSON/human output format used by every
// CLI command (spec.md §6, C12). It supports two render modes from one
// payload — human-readable lines or a JSON document — the same dual-mode
// idiom as the teacher's commandEnvelope/emitEnvelope in
// cmd/bd/control_plane_helpers.go, generalized from beads' issue-centric
// fields to loom's {ok, data, error, links} shape.
package envelope

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/loomhq/loom/internal/loomerr"
)

// Link is a follow-up action the caller can take, e.g. a repair hint
// pointing from a SessionExists error to the repair command.
type Link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// ErrorInfo is the envelope's error payload.
type ErrorInfo struct {
	Kind    loomerr.Kind `json:"kind"`
	Message string       `json:"message"`
	Hint    string       `json:"hint,omitempty"`
}

// Envelope is the top-level response shape for every command.
type Envelope struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorInfo `json:"error,omitempty"`
	Links []Link     `json:"links,omitempty"`
}

// Success builds an OK envelope carrying data and optional follow-up links.
func Success(data any, links ...Link) Envelope {
	return Envelope{OK: true, Data: data, Links: links}
}

// Failure builds an error envelope from err, classifying it through
// loomerr.KindOf and attaching hint as a human-actionable next step.
func Failure(err error, hint string, links ...Link) Envelope {
	return Envelope{
		OK: false,
		Error: &ErrorInfo{
			Kind:    loomerr.KindOf(err),
			Message: err.Error(),
			Hint:    hint,
		},
		Links: links,
	}
}

// Emit writes env to w, either as JSON or as human-readable lines.
func Emit(w io.Writer, env Envelope, jsonMode bool) error {
	if jsonMode {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(env)
	}

	status := "ok"
	if !env.OK {
		status = "error"
	}
	fmt.Fprintf(w, "[%s]\n", status)

	if env.Data != nil {
		if m, ok := asStringMap(env.Data); ok {
			fmt.Fprintln(w, "data:")
			keys := make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "  %s: %v\n", k, m[k])
			}
		} else {
			fmt.Fprintf(w, "data: %v\n", env.Data)
		}
	}

	if env.Error != nil {
		fmt.Fprintf(w, "error: [%s] %s\n", env.Error.Kind, env.Error.Message)
		if env.Error.Hint != "" {
			fmt.Fprintf(w, "hint: %s\n", env.Error.Hint)
		}
	}

	for _, l := range env.Links {
		fmt.Fprintf(w, "link: %s -> %s\n", l.Rel, l.Href)
	}
	return nil
}

// asStringMap attempts to view data as a map[string]any for readable
// key-sorted human output. Structs are rendered via their %v form instead.
func asStringMap(data any) (map[string]any, bool) {
	m, ok := data.(map[string]any)
	return m, ok
}
