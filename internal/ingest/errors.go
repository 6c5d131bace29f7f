package ingest

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure. The driver aggregates failed inputs
// by kind in its final summary.
type Kind string

const (
	// KindInvalidInput marks malformed data an adapter claimed to support.
	KindInvalidInput Kind = "invalid_input"
	// KindParseFailed marks a partial read missing a required field.
	KindParseFailed Kind = "parse_failed"
	// KindInconsistentSampling marks waveform timestamps that violate the
	// uniform-sampling precondition.
	KindInconsistentSampling Kind = "inconsistent_sampling"
	// KindAdapterTimeout marks an injected client exceeding its deadline.
	KindAdapterTimeout Kind = "adapter_timeout"
	// KindBundleMissingPatient marks a cluster without a Patient resource.
	KindBundleMissingPatient Kind = "bundle_missing_patient"
	// KindUnknownResourceType marks a resource type the bundler cannot map.
	KindUnknownResourceType Kind = "unknown_resource_type"
)

// Error is the pipeline error type. Source and Path locate the offending
// input; Err carries the underlying cause when there is one.
type Error struct {
	Kind   Kind
	Source string
	Path   string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Source != "" {
		msg = e.Source + ": " + msg
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified pipeline error.
func NewError(kind Kind, source, path string, err error) *Error {
	return &Error{Kind: kind, Source: source, Path: path, Err: err}
}

// Errorf builds a classified pipeline error from a format string.
func Errorf(kind Kind, source, path, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Source: source, Path: path, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, walking wrapped errors. Unclassified
// errors report KindParseFailed, the driver's catch-all for contained
// per-file failures.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindParseFailed
}
