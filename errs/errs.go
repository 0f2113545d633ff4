// Package errs provides structured error types and helpers for the viewer services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeConfiguration indicates an empty or malformed protocol registry or catalog.
	CodeConfiguration Code = "configuration"
	// CodeMissingElement indicates a viewport whose surface element could not be resolved.
	CodeMissingElement Code = "missing_element"
	// CodeEmptySeries indicates a series without a single resolvable image reference.
	CodeEmptySeries Code = "empty_series"
	// CodeEngineConstruction indicates the rendering engine could not be created.
	CodeEngineConstruction Code = "engine_construction"
	// CodeBusy indicates a configure call is already in flight for the surface.
	CodeBusy Code = "busy"
	// CodeCancelled indicates the operation was abandoned on purpose.
	CodeCancelled Code = "cancelled"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeVolumeFailed indicates the engine failed to build or load a volume.
	CodeVolumeFailed Code = "volume_failed"
	// CodeUnavailable indicates a collaborator is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the viewer stack.
type E struct {
	Component string
	Code      Code
	Message   string
	Surface   string
	Protocol  string
	Series    string
	Viewport  string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Message:   "",
		Surface:   "",
		Protocol:  "",
		Series:    "",
		Viewport:  "",
		Metadata:  nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithSurface records the viewing surface the failure belongs to.
func WithSurface(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.Surface = trimmed
	}
}

// WithProtocol records the hanging protocol in use when the failure happened.
func WithProtocol(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.Protocol = trimmed
	}
}

// WithSeries records the series involved in the failure.
func WithSeries(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.Series = trimmed
	}
}

// WithViewport records the viewport involved in the failure.
func WithViewport(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.Viewport = trimmed
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Surface != "" {
		parts = append(parts, "surface="+strconv.Quote(e.Surface))
	}
	if e.Protocol != "" {
		parts = append(parts, "protocol="+strconv.Quote(e.Protocol))
	}
	if e.Series != "" {
		parts = append(parts, "series="+strconv.Quote(e.Series))
	}
	if e.Viewport != "" {
		parts = append(parts, "viewport="+strconv.Quote(e.Viewport))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the outermost envelope in err's chain, or "" when none is present.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// Is reports whether any envelope in err's chain carries the given code.
func Is(err error, code Code) bool {
	for err != nil {
		var e *E
		if !errors.As(err, &e) || e == nil {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}

// Cancelled returns a standardized error for intentionally abandoned work.
func Cancelled(component string, cause error) *E {
	return New(component, CodeCancelled, WithMessage("operation cancelled"), WithCause(cause))
}
