// Package errorutils defines the error types the runtime tier reports to its
// callers. Per-invocation user errors and timeouts are not here, they travel
// inside execution results.
package errorutils

import "fmt"

// AdmissionRejectedError reports a function spec that can never be realized
// on the chosen backend, detected before any side effect.
type AdmissionRejectedError struct {
	Reason string
}

func (e *AdmissionRejectedError) Error() string {
	return "admission rejected: " + e.Reason
}

// BackendUnavailableError reports that the backend control plane could not be
// reached or refused the operation.
type BackendUnavailableError struct {
	Backend string
	Cause   error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend %s unavailable: %v", e.Backend, e.Cause)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Cause }

// DependencyResolutionError reports a code artifact that could not be resolved
// or loaded. URI names the offending artifact.
type DependencyResolutionError struct {
	URI   string
	Cause error
}

func (e *DependencyResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve dependency %q: %v", e.URI, e.Cause)
}

func (e *DependencyResolutionError) Unwrap() error { return e.Cause }

// UnsupportedRuntimeKindError reports a runtime kind the backend cannot run.
type UnsupportedRuntimeKindError struct {
	Kind    string
	Backend string
}

func (e *UnsupportedRuntimeKindError) Error() string {
	return fmt.Sprintf("runtime kind %s is not supported by the %s backend", e.Kind, e.Backend)
}
