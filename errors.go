package graft

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Registration-time failures. They accumulate on the App via errors.Join and
// are surfaced by App.Err; composing or serving an application with a non-nil
// accumulated error must fail startup.
var ErrUnknownEvent = errors.New("unknown lifecycle event")
var ErrHookSignature = errors.New("hook function does not match the event signature")
var ErrNilHook = errors.New("nil hook function supplied")
var ErrDuplicateRoute = errors.New("duplicate route registration for method and path")
var ErrUnknownModel = errors.New("schema references an undeclared model")
var ErrUnknownMacro = errors.New("route declaration references an unregistered macro")
var ErrMacroExpansion = errors.New("macro expansion failed")
var ErrSchemaCompile = errors.New("schema compilation failed")
var ErrEmptyRoutePath = errors.New("empty route path supplied")
var ErrNilHandler = errors.New("nil route handler supplied")
var ErrAppFrozen = errors.New("registration after the application started serving is unsupported")
var ErrNilChildApp = errors.New("nil child application supplied to mount")
var ErrEmptyBindingName = errors.New("empty binding name supplied")
var ErrDuplicateErrorCode = errors.New("error code is already registered with a different status")

// Fixed request-time error codes. Custom codes are registered per application
// with DefineError and merged across mounts.
const (
	CodeUnknown                = "UNKNOWN"
	CodeValidation             = "VALIDATION"
	CodeNotFound               = "NOT_FOUND"
	CodeParse                  = "PARSE"
	CodeInternalServerError    = "INTERNAL_SERVER_ERROR"
	CodeInvalidCookieSignature = "INVALID_COOKIE_SIGNATURE"
)

// Error is the request-time failure routed through the error stage of the
// pipeline. Every stage failure is wrapped into one of these; nothing escapes
// the pipeline uncaught.
type Error struct {
	Code    string
	Status  int
	Message string
	Faults  []Fault
	Cause   error
}

// Fault is one structured finding from a schema checker. Paths are
// slot-qualified by the pipeline, e.g. "params.id".
type Fault struct {
	Path    string
	Message string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)

	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}

	if len(e.Faults) > 0 {
		paths := make([]string, 0, len(e.Faults))
		for _, f := range e.Faults {
			paths = append(paths, f.Path)
		}
		b.WriteString(" [")
		b.WriteString(strings.Join(paths, ", "))
		b.WriteString("]")
	}

	return b.String()
}

// Unwrap exposes the underlying cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Fail signals a request-time failure with a registered custom code (or one of
// the fixed codes). The HTTP status is resolved from the error-code namespace
// at dispatch time; unregistered codes map like UNKNOWN.
func Fail(code string, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Failf is Fail with a formatted message.
func Failf(code string, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// defaultStatusForCode maps the fixed taxonomy to transport statuses. Custom
// codes resolve through the application's error-code namespace first.
func defaultStatusForCode(code string) int {
	switch code {
	case CodeValidation:
		return http.StatusUnprocessableEntity
	case CodeParse:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidCookieSignature:
		return http.StatusBadRequest
	case CodeInternalServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// classifyError lifts an arbitrary stage failure into the fixed taxonomy.
// A *Error passes through so hooks and handlers can pre-classify.
func classifyError(err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	return &Error{Code: CodeUnknown, Message: err.Error(), Cause: err}
}

// validationError builds the VALIDATION failure for one schema slot, with
// fault paths qualified by the slot name.
func validationError(slot string, faults []Fault) *Error {
	qualified := make([]Fault, len(faults))
	for i, f := range faults {
		path := f.Path
		if path == "" {
			path = slot
		} else {
			path = slot + "." + path
		}
		qualified[i] = Fault{Path: path, Message: f.Message}
	}

	return &Error{
		Code:    CodeValidation,
		Message: "schema validation failed for " + slot,
		Faults:  qualified,
	}
}

// parseError builds the PARSE failure for body deserialization problems.
func parseError(contentType string, cause error) *Error {
	msg := "unsupported content type"
	if contentType == "" {
		msg = "missing content type for non-empty body"
	}
	if cause != nil {
		msg = "malformed body"
	}

	return &Error{
		Code:    CodeParse,
		Message: msg + formatContentType(contentType),
		Cause:   cause,
	}
}

func formatContentType(contentType string) string {
	if contentType == "" {
		return ""
	}

	return " (" + contentType + ")"
}

// notFoundError is produced by the transport layer when no route matched; it
// never enters a per-route pipeline.
func notFoundError(method, path string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: "no route matched " + method + " " + path,
	}
}

// invalidCookieSignatureError is raised while collecting signed cookies,
// before any validator runs.
func invalidCookieSignatureError(name string) *Error {
	return &Error{
		Code:    CodeInvalidCookieSignature,
		Message: "cookie signature verification failed for " + name,
	}
}

// internalError wraps an uncaught failure (including recovered panics) from a
// stage or the handler.
func internalError(cause error) *Error {
	return &Error{
		Code:    CodeInternalServerError,
		Message: "internal server error",
		Cause:   cause,
	}
}
