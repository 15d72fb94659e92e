package envelope

import "github.com/loomhq/loom/internal/loomerr"

// Exit codes, one per error kind plus success and the generic-usage catch-
// all, matching the taxonomy of spec.md §7. A resource-class error that
// survives the dispatcher's one bounded retry still exits ExitResource, the
// same code as a first-attempt resource failure — the retry is invisible to
// the exit-code contract, only to latency.
const (
	ExitOK        = 0
	ExitUsage     = 1 // cobra flag-parse failure, before C12 is even reached
	ExitInput     = 2
	ExitNotFound  = 3
	ExitConflict  = 4
	ExitResource  = 5
	ExitIntegrity = 6
	ExitLifecycle = 7
	ExitUnknown   = 8
)

// ExitCodeFor maps a loomerr.Kind to its exit code.
func ExitCodeFor(kind loomerr.Kind) int {
	switch kind {
	case loomerr.KindInput:
		return ExitInput
	case loomerr.KindNotFound:
		return ExitNotFound
	case loomerr.KindConflict:
		return ExitConflict
	case loomerr.KindResource:
		return ExitResource
	case loomerr.KindIntegrity:
		return ExitIntegrity
	case loomerr.KindLifecycle:
		return ExitLifecycle
	default:
		return ExitUnknown
	}
}
