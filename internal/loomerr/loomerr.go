// Package loomerr defines the error taxonomy shared across loom's core
// components (spec.md §7). Errors are plain sentinel values wrapped with
// fmt.Errorf("%w"), the same convention the teacher codebase uses in
// internal/storage/sqlite/errors.go (wrapDBError / ErrNotFound / ErrConflict).
package loomerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the taxonomy of spec.md §7, independent of
// its Go type, so the dispatcher can map it to an exit code and JSON
// envelope without a type switch over every concrete error.
type Kind string

const (
	KindInput     Kind = "input"
	KindNotFound  Kind = "not_found"
	KindConflict  Kind = "conflict"
	KindResource  Kind = "resource"
	KindIntegrity Kind = "integrity"
	KindLifecycle Kind = "lifecycle"
)

// Sentinel errors. Each is wrapped with operation context via fmt.Errorf
// at the call site and unwrapped with errors.Is by callers.
var (
	ErrInvalidName       = errors.New("invalid name")
	ErrInvalidArgs       = errors.New("invalid arguments")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrPathNotAbsolute   = errors.New("path not absolute")

	ErrSessionNotFound   = errors.New("session not found")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrQueueEntryNotFound = errors.New("queue entry not found")
	ErrLockNotFound      = errors.New("lock not found")

	ErrSessionExists    = errors.New("session already exists")
	ErrQueueContention  = errors.New("queue contention")
	ErrMergeConflict    = errors.New("merge conflict")
	ErrSyncConflict     = errors.New("sync conflict")
	ErrUnsafeToMerge    = errors.New("unsafe to merge")

	ErrPoolTimeout      = errors.New("pool acquisition timeout")
	ErrDatabaseError    = errors.New("database error")
	ErrIoError          = errors.New("io error")
	ErrSubprocessFailed = errors.New("subprocess failed")

	ErrCorrupted            = errors.New("corrupted")
	ErrInconsistentWorkspace = errors.New("inconsistent workspace")
	ErrOrphanedResource     = errors.New("orphaned resource")

	ErrRemovalFailed = errors.New("removal failed")
	ErrRepairFailed  = errors.New("repair failed")
)

var kindBySentinel = map[error]Kind{
	ErrInvalidName:       KindInput,
	ErrInvalidArgs:       KindInput,
	ErrInvalidTransition: KindInput,
	ErrPathNotAbsolute:   KindInput,

	ErrSessionNotFound:    KindNotFound,
	ErrAgentNotFound:      KindNotFound,
	ErrQueueEntryNotFound: KindNotFound,
	ErrLockNotFound:       KindNotFound,

	ErrSessionExists:   KindConflict,
	ErrQueueContention: KindConflict,
	ErrMergeConflict:   KindConflict,
	ErrSyncConflict:    KindConflict,
	ErrUnsafeToMerge:   KindConflict,

	ErrPoolTimeout:      KindResource,
	ErrDatabaseError:    KindResource,
	ErrIoError:          KindResource,
	ErrSubprocessFailed: KindResource,

	ErrCorrupted:             KindIntegrity,
	ErrInconsistentWorkspace: KindIntegrity,
	ErrOrphanedResource:      KindIntegrity,

	ErrRemovalFailed: KindLifecycle,
	ErrRepairFailed:  KindLifecycle,
}

// KindOf classifies err into the spec.md §7 taxonomy. An error that does
// not wrap one of the package sentinels is classified KindResource, since
// that is the conservative default for "unexpected invariant violation"
// spec.md §7 describes.
func KindOf(err error) Kind {
	for sentinel, kind := range kindBySentinel {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindResource
}

// Wrap annotates err with operation context, converting a bare context into
// the sentinel taxonomy. Mirrors the teacher's wrapDBError.
func Wrap(op string, sentinel, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, sentinel, err)
}

// Contended is returned by the lock manager on fail-fast contention; it
// carries the current holder's agent ID (spec.md §7 "Contended{holder}").
type Contended struct {
	Holder string
}

func (e *Contended) Error() string { return fmt.Sprintf("contended: held by %s", e.Holder) }

// InvalidTransition carries the attempted (from, to) pair.
type InvalidTransition struct {
	From, To string
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

func (e *InvalidTransition) Unwrap() error { return ErrInvalidTransition }

// UnsafeToMerge carries the overlapping file set that triggered the refusal.
type UnsafeToMerge struct {
	Overlap []string
}

func (e *UnsafeToMerge) Error() string {
	return fmt.Sprintf("unsafe to merge: overlap=%v", e.Overlap)
}

func (e *UnsafeToMerge) Unwrap() error { return ErrUnsafeToMerge }
