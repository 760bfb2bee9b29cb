package graft

import (
	"context"
	"slices"
	"strconv"
)

// Event names one stage of the request lifecycle. The set is fixed;
// registering a hook for any other name is rejected at registration time.
type Event string

const (
	EventStart        Event = "start"
	EventRequest      Event = "request"
	EventParse        Event = "parse"
	EventTransform    Event = "transform"
	EventBeforeHandle Event = "beforeHandle"
	EventAfterHandle  Event = "afterHandle"
	EventMapResponse  Event = "mapResponse"
	EventResponse     Event = "onResponse"
	EventTrace        Event = "trace"
	EventError        Event = "error"
	EventStop         Event = "stop"
)

// Scope is the visibility class of a hook across application composition.
type Scope string

const (
	// ScopeLocal hooks apply only to routes declared in the same application
	// and are never exported on mount.
	ScopeLocal Scope = "local"

	// ScopeScoped hooks additionally apply to routes of the immediate parent
	// when the application is mounted, but do not propagate further.
	ScopeScoped Scope = "scoped"

	// ScopeGlobal hooks apply to every route in the parent and all of the
	// parent's children, propagating through further mounts.
	ScopeGlobal Scope = "global"
)

// knownEvents is the registration whitelist, in pipeline order.
var knownEvents = []Event{
	EventStart, EventRequest, EventParse, EventTransform, EventBeforeHandle,
	EventAfterHandle, EventMapResponse, EventResponse, EventTrace, EventError,
	EventStop,
}

func isKnownEvent(event Event) bool {
	return slices.Contains(knownEvents, event)
}

// Handler produces the route's response value. A returned *Response is used
// as-is; any other non-nil value goes through response mapping; a non-nil
// error enters the error stage.
type Handler func(c *Context) (any, error)

// Hook signatures, one per lifecycle event. "Non-void" from the composition
// model maps to Go as a non-nil returned value; a non-nil error always routes
// to the error stage.
type (
	// StartHook runs once when the server starts listening.
	StartHook func(ctx context.Context, app *App) error

	// StopHook runs once during shutdown.
	StopHook func(ctx context.Context, app *App) error

	// RequestHook runs first; a non-nil value short-circuits straight to
	// response mapping, skipping every remaining stage including the handler.
	RequestHook func(c *Context) (any, error)

	// ParseHook may claim the request body; the first non-nil value becomes
	// the parsed body and suppresses the built-in parsers.
	ParseHook func(c *Context, contentType string) (any, error)

	// TransformHook mutates derived context values; it cannot short-circuit.
	TransformHook func(c *Context) error

	// BeforeHandleHook runs before the handler; a non-nil value
	// short-circuits to response mapping and the handler is never invoked.
	BeforeHandleHook func(c *Context) (any, error)

	// AfterHandleHook sees the current response value; a non-nil return
	// replaces it (each subsequent hook sees the latest value).
	AfterHandleHook func(c *Context, value any) (any, error)

	// MapResponseHook converts a response value toward a transport response;
	// returning nil keeps the previous value.
	MapResponseHook func(c *Context, value any) (any, error)

	// ResponseHook observes the final response; side effects only. A returned
	// error is logged, never dispatched.
	ResponseHook func(c *Context, res *Response) error

	// ErrorHook handles a classified failure; the first non-nil value
	// recovers and becomes the response.
	ErrorHook func(c *Context, failure *Error) (any, error)
)

// hookContainer carries one registered hook plus the metadata the mount and
// composition engines need. Identity for dedup is (checksum, subtype) when
// checksum is non-empty; containers without a checksum are always applied.
// The subtype starts as the owner's registration serial, which keeps sibling
// hooks of one event apart while staying equal across identically built
// applications. Immutable once created.
//
// scope is the propagation behavior on future mounts; class is the
// precedence class the composer orders by. They start out equal and diverge
// when a scoped hook is folded: the copy becomes local (it must not
// propagate further) but keeps the scoped class (it still runs between the
// globals and the locals).
type hookContainer[F any] struct {
	fn       F
	scope    Scope
	class    Scope
	checksum string
	subtype  string
	owner    *App
	codes    []string
}

func (hc hookContainer[F]) appliesTo(route *Route) bool {
	switch hc.scope {
	case ScopeGlobal:
		return true
	default:
		// Local (and demoted scoped) hooks follow ownership. Distinct
		// instances with the same identity count as one owner, matching the
		// mount dedup that kept only one copy of their hooks.
		if hc.owner == nil || hc.owner == route.owner() {
			return true
		}

		return hc.owner.Checksum() == route.owner().Checksum()
	}
}

// lifecycleStore holds the ordered hook containers of one application, one
// tagged-variant sequence per event. Sequences are only ever appended or
// prepended to at registration time; the runtime never mutates them.
type lifecycleStore struct {
	start        []hookContainer[StartHook]
	request      []hookContainer[RequestHook]
	parse        []hookContainer[ParseHook]
	transform    []hookContainer[TransformHook]
	beforeHandle []hookContainer[BeforeHandleHook]
	afterHandle  []hookContainer[AfterHandleHook]
	mapResponse  []hookContainer[MapResponseHook]
	response     []hookContainer[ResponseHook]
	trace        []hookContainer[TraceSink]
	err          []hookContainer[ErrorHook]
	stop         []hookContainer[StopHook]
}

// HookOption adjusts how a single hook registration behaves.
type HookOption func(*hookOptions)

type hookOptions struct {
	scope Scope
	front bool
	codes []string
}

func defaultHookOptions() hookOptions {
	return hookOptions{scope: ScopeLocal}
}

// WithScope sets the hook's visibility across mounts. The default is local.
func WithScope(scope Scope) HookOption {
	return func(o *hookOptions) {
		o.scope = scope
	}
}

// AtFront inserts the hook before the existing sequence for its event instead
// of appending.
func AtFront() HookOption {
	return func(o *hookOptions) {
		o.front = true
	}
}

// ForCodes restricts an error hook to the given error codes. Hooks without a
// code filter catch every code.
func ForCodes(codes ...string) HookOption {
	return func(o *hookOptions) {
		o.codes = append(o.codes, codes...)
	}
}

// insertHook places a container at the back (default) or front of a sequence.
func insertHook[F any](seq []hookContainer[F], hc hookContainer[F], front bool) []hookContainer[F] {
	if front {
		return append([]hookContainer[F]{hc}, seq...)
	}

	return append(seq, hc)
}

// applyHookOptions folds a registration's options onto the defaults.
func applyHookOptions(opts []HookOption) hookOptions {
	o := defaultHookOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// appContainer builds a container for a hook registered on an application.
func appContainer[F any](owner *App, fn F, o hookOptions) hookContainer[F] {
	owner.hookSeq++

	return hookContainer[F]{
		fn:      fn,
		scope:   o.scope,
		class:   o.scope,
		subtype: strconv.Itoa(owner.hookSeq),
		owner:   owner,
		codes:   o.codes,
	}
}

// containsIdentity reports whether a sequence already holds a container with
// the same (checksum, subtype) identity.
func containsIdentity[F any](seq []hookContainer[F], checksum, subtype string) bool {
	if checksum == "" {
		return false
	}

	for _, hc := range seq {
		if hc.checksum == checksum && hc.subtype == subtype {
			return true
		}
	}

	return false
}

// foldHooks merges a child sequence into a parent sequence according to the
// scoping rules: global containers fold as global (still propagating), scoped
// containers demote to local copies applying to the mounting parent's own
// routes as well as the child's, and local containers stay behind (they keep
// applying to child-owned routes through ownership tags). Checksum identities
// prevent re-folding on repeated mounts.
func foldHooks[F any](parentSeq, childSeq []hookContainer[F], parent *App, checksum string) []hookContainer[F] {
	for _, hc := range childSeq {
		switch hc.scope {
		case ScopeGlobal:
			folded := hc
			if folded.checksum == "" {
				folded.checksum = checksum
			}
			if containsIdentity(parentSeq, folded.checksum, folded.subtype) {
				continue
			}
			parentSeq = append(parentSeq, folded)

		case ScopeScoped:
			// One local copy for the child's own routes, one for the parent's.
			ours := hc
			ours.scope = ScopeLocal
			if ours.checksum == "" {
				ours.checksum = checksum
			}
			ours.subtype = ours.subtype + "@child"
			if !containsIdentity(parentSeq, ours.checksum, ours.subtype) {
				parentSeq = append(parentSeq, ours)
			}

			theirs := hc
			theirs.scope = ScopeLocal
			theirs.owner = parent
			if theirs.checksum == "" {
				theirs.checksum = checksum
			}
			theirs.subtype = theirs.subtype + "@parent"
			if !containsIdentity(parentSeq, theirs.checksum, theirs.subtype) {
				parentSeq = append(parentSeq, theirs)
			}

		case ScopeLocal:
			folded := hc
			if folded.checksum == "" {
				folded.checksum = checksum
			}
			if containsIdentity(parentSeq, folded.checksum, folded.subtype) {
				continue
			}
			parentSeq = append(parentSeq, folded)
		}
	}

	return parentSeq
}

// foldFlat merges sequences whose hooks are application-level rather than
// route-level (start, stop, trace): scope games do not apply, only the
// checksum identity that keeps a twice-mounted plugin from registering twice.
func foldFlat[F any](parentSeq, childSeq []hookContainer[F], checksum string) []hookContainer[F] {
	for _, hc := range childSeq {
		folded := hc
		if folded.checksum == "" {
			folded.checksum = checksum
		}
		if containsIdentity(parentSeq, folded.checksum, folded.subtype) {
			continue
		}
		parentSeq = append(parentSeq, folded)
	}

	return parentSeq
}

// foldInto merges every event sequence of child into parent's store.
func (dst *lifecycleStore) foldInto(src *lifecycleStore, parent *App, checksum string) {
	dst.request = foldHooks(dst.request, src.request, parent, checksum)
	dst.parse = foldHooks(dst.parse, src.parse, parent, checksum)
	dst.transform = foldHooks(dst.transform, src.transform, parent, checksum)
	dst.beforeHandle = foldHooks(dst.beforeHandle, src.beforeHandle, parent, checksum)
	dst.afterHandle = foldHooks(dst.afterHandle, src.afterHandle, parent, checksum)
	dst.mapResponse = foldHooks(dst.mapResponse, src.mapResponse, parent, checksum)
	dst.response = foldHooks(dst.response, src.response, parent, checksum)
	dst.err = foldHooks(dst.err, src.err, parent, checksum)
	dst.trace = foldFlat(dst.trace, src.trace, checksum)
	dst.start = foldFlat(dst.start, src.start, checksum)
	dst.stop = foldFlat(dst.stop, src.stop, checksum)
}
