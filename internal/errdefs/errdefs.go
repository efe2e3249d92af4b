// Package errdefs defines the error kinds shared by the translation core.
//
// Errors are wrapped with fmt.Errorf("...: %w", errdefs.ErrX) at the point
// of failure and tested with errors.Is by callers.
package errdefs

import "errors"

var (
	// ErrChunkPlanMismatch means chunk boundaries recomputed on resume differ
	// from the persisted plan. The chapter is restarted.
	ErrChunkPlanMismatch = errors.New("chunk plan mismatch")

	// ErrProviderExhausted means every provider spec ran out of attempts.
	ErrProviderExhausted = errors.New("all providers exhausted")

	// ErrMalformedResponse means a provider answered with content that fails
	// the expected structure. Counted as a failed attempt.
	ErrMalformedResponse = errors.New("malformed provider response")

	// ErrPersistence means a disk write failed. Fatal to the run.
	ErrPersistence = errors.New("persistence failure")

	// ErrRebuildPrecondition means a rebuild was requested while a selected
	// chapter is not completed.
	ErrRebuildPrecondition = errors.New("rebuild precondition failed")
)

// Kind returns a short label for the first known error kind in err's chain,
// or "error" if none match. Used for event payloads and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPersistence):
		return "persistence_failure"
	case errors.Is(err, ErrChunkPlanMismatch):
		return "chunk_plan_mismatch"
	case errors.Is(err, ErrProviderExhausted):
		return "provider_exhausted"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, ErrRebuildPrecondition):
		return "rebuild_precondition"
	default:
		return "error"
	}
}

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPersistence)
}
