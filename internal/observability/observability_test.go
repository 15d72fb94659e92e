package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/loomhq/loom/internal/observability"
)

func TestNewLoggerJSONMode(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(&buf, true)
	logger.Info("session created", "name", "alpha")

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected a JSON log line, got %q: %v", buf.String(), err)
	}
	if decoded["msg"] != "session created" || decoded["name"] != "alpha" {
		t.Errorf("unexpected log fields: %+v", decoded)
	}
}

func TestNewLoggerTextMode(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(&buf, false)
	logger.Info("session created", "name", "alpha")

	out := buf.String()
	if !strings.Contains(out, "session created") || !strings.Contains(out, "name=alpha") {
		t.Errorf("expected a text-formatted log line, got %q", out)
	}
}

func TestRecordHelpersDoNotPanicBeforeInit(t *testing.T) {
	// Without calling Init, the instruments forward to the no-op global
	// meter provider; the record calls must still be safe no-ops.
	ctx := context.Background()
	observability.RecordLockWait(ctx, 12.5)
	observability.RecordClaimLatency(ctx, 3.0)
	observability.RecordRetry(ctx)
}
