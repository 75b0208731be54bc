package schemas

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy. Tool level and extraction level
// errors are absorbed into the action log and surface as gaps in the final
// report; planning and schedule errors propagate to the caller immediately.
var (
	// ErrUnknownTool marks a plan step referencing a tool that is not registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrPlanningFailure marks an unusable completion service during planning.
	// Fatal to the run: without a plan there is nothing to execute.
	ErrPlanningFailure = errors.New("planning failure")

	// ErrAdaptationExhausted marks an adaptation step that produced no actions.
	// The loop terminates gracefully and proceeds to analysis.
	ErrAdaptationExhausted = errors.New("adaptation exhausted")

	// ErrExtractionDegraded marks a fall back to pattern based extraction.
	ErrExtractionDegraded = errors.New("extraction degraded")

	// ErrGraphConsistency marks a violated at-most-one node/edge invariant.
	// This must never occur under correct locking; it is surfaced loudly, never
	// silently retried.
	ErrGraphConsistency = errors.New("graph consistency violation")

	// ErrWorkflowSchedule marks a malformed schedule spec, rejected at workflow
	// creation rather than discovered mid-run.
	ErrWorkflowSchedule = errors.New("invalid workflow schedule")

	// ErrInvestigationCancelled distinguishes a cooperative cancellation from
	// other failures; partial action records are retained.
	ErrInvestigationCancelled = errors.New("investigation cancelled")
)

// ToolInvocationError wraps a failed tool call: the tool threw, timed out, or
// returned malformed data. Recovered locally; the loop continues.
type ToolInvocationError struct {
	Tool string
	Err  error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("tool %q invocation failed: %v", e.Tool, e.Err)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// ValidationError reports a structured completion that did not match the
// requested schema.
type ValidationError struct {
	Reason string
	Raw    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("structured completion validation failed: %s", e.Reason)
}
