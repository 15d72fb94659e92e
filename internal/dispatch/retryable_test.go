package dispatch

import (
	"fmt"
	"testing"

	"github.com/loomhq/loom/internal/loomerr"
	"github.com/loomhq/loom/internal/queue"
)

func TestRetryableNilIsFalse(t *testing.T) {
	if retryable(nil) {
		t.Error("expected a nil error to never be retryable")
	}
}

func TestRetryableNoneClaimableIsFalse(t *testing.T) {
	if retryable(queue.ErrNoneClaimable) {
		t.Error("expected ErrNoneClaimable to be excluded from retry even though it's frequent")
	}
}

func TestRetryableResourceKindIsTrue(t *testing.T) {
	if !retryable(loomerr.ErrDatabaseError) {
		t.Error("expected a resource-class error to be retryable")
	}
}

func TestRetryableNonResourceKindIsFalse(t *testing.T) {
	if retryable(loomerr.ErrSessionNotFound) {
		t.Error("expected a not-found class error to never be retried")
	}
}

func TestRetryableUnclassifiedErrorDefaultsToResource(t *testing.T) {
	// loomerr.KindOf defaults unrecognized errors to KindResource, so an
	// unclassified error is retried the same as an explicit resource error.
	if !retryable(fmt.Errorf("some unclassified error")) {
		t.Error("expected an unclassified error to default to resource-class and be retried")
	}
}
