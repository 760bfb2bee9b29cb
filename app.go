package graft

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
)

// App is one composable application: a named collection of routes, lifecycle
// hooks, context bindings, models, macros, and shared state. Applications
// nest through Use/Mount/Group; the outermost one is handed to a transport
// engine for serving.
//
// Registration methods return the App for chaining and never panic;
// registration failures accumulate and are surfaced by Err. An App must be
// fully registered before serving starts: the first composed request freezes
// it and later registrations are rejected.
type App struct {
	name       string
	seed       string
	prefix     string
	strictPath bool

	compiler          Compiler
	logger            Logger
	contextualLogger  ContextualLogger
	metrics           MetricsCollector
	contextualMetrics ContextualMetricsCollector

	cookieSecrets [][]byte
	signedCookies map[string]bool

	hooks    lifecycleStore
	hookSeq  int
	bindings []binding
	store    *Store
	models   map[string]any
	statuses map[string]int
	macros   map[string]MacroFunc
	guards   []Schema
	routes   []*Route
	byKey    map[routeKey]*Route

	deps []Dependency

	err    error
	frozen atomic.Bool

	checksumMux  sync.Mutex
	checksumMemo string

	fallback    atomic.Pointer[composedHandler]
	fallbackMux sync.Mutex
}

type routeKey struct {
	method string
	path   string
}

// Dependency describes one application mounted into this one, for
// introspection and tests. Applied is false when the mount was deduplicated
// by checksum identity.
type Dependency struct {
	Name     string
	Seed     string
	Prefix   string
	Checksum string
	Applied  bool
}

// DeriveFunc computes one named per-request binding. Derive bindings run
// before validation, resolve bindings after it; both use this signature.
type DeriveFunc func(c *Context) (any, error)

type bindingKind uint8

const (
	bindDecorate bindingKind = iota
	bindDerive
	bindResolve
)

func (k bindingKind) String() string {
	switch k {
	case bindDecorate:
		return "decorate"
	case bindDerive:
		return "derive"
	default:
		return "resolve"
	}
}

type binding struct {
	kind  bindingKind
	name  string
	value any
	fn    DeriveFunc
}

// Option configures an App at construction time.
type Option func(*App) error

// New creates an application. The zero configuration is serviceable: unnamed
// app, no prefix, validator-backed schema compiler, silent logger.
func New(opts ...Option) (*App, error) {
	app := &App{
		store:         NewStore(),
		models:        make(map[string]any),
		statuses:      make(map[string]int),
		macros:        make(map[string]MacroFunc),
		byKey:         make(map[routeKey]*Route),
		signedCookies: make(map[string]bool),
	}

	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	if app.name == "" {
		app.name = "app"
	}

	if app.compiler == nil {
		app.compiler = NewValidatorCompiler(nil)
	}

	return app, nil
}

// WithName sets the application name. The name feeds the identity checksum,
// dependency introspection, and log attributes.
func WithName(name string) Option {
	return func(a *App) error {
		a.name = name
		return nil
	}
}

// WithSeed sets the identity seed. Two applications with identical
// definitions but different seeds are distinct for mount deduplication.
func WithSeed(seed string) Option {
	return func(a *App) error {
		a.seed = seed
		return nil
	}
}

// WithPrefix prepends a path prefix to every route declared on the
// application. Mounting prepends the mount prefix on top of it.
func WithPrefix(prefix string) Option {
	return func(a *App) error {
		a.prefix = normalizePath(prefix, false)
		return nil
	}
}

// WithStrictPath disables trailing-slash normalization, so "/users" and
// "/users/" are distinct routes.
func WithStrictPath() Option {
	return func(a *App) error {
		a.strictPath = true
		return nil
	}
}

// WithSchemaCompiler replaces the default validator-backed schema compiler.
func WithSchemaCompiler(compiler Compiler) Option {
	return func(a *App) error {
		if compiler == nil {
			return errors.New("nil schema compiler supplied")
		}
		a.compiler = compiler
		return nil
	}
}

// WithLogger attaches a logger for registration diagnostics and pipeline
// error reporting. Without one the application is silent.
func WithLogger(logger Logger) Option {
	return func(a *App) error {
		a.logger = logger
		return nil
	}
}

// WithContextualLogger attaches a context-aware logger used preferentially
// for request-scoped messages, enabling trace correlation.
func WithContextualLogger(logger ContextualLogger) Option {
	return func(a *App) error {
		a.contextualLogger = logger
		return nil
	}
}

// WithMetrics attaches a metrics collector. Collectors that also implement
// ContextualMetricsCollector receive the request context.
func WithMetrics(collector MetricsCollector) Option {
	return func(a *App) error {
		a.metrics = collector
		if contextual, ok := collector.(ContextualMetricsCollector); ok {
			a.contextualMetrics = contextual
		}
		return nil
	}
}

// WithCookieSecret supplies the HMAC secrets for signed cookies, newest
// first. The first secret signs outgoing cookies; every secret verifies
// incoming ones, so rotation keeps old cookies valid.
func WithCookieSecret(secrets ...string) Option {
	return func(a *App) error {
		for _, secret := range secrets {
			if secret == "" {
				return errors.New("empty cookie secret supplied")
			}
			a.cookieSecrets = append(a.cookieSecrets, []byte(secret))
		}
		return nil
	}
}

// WithSignedCookies names the cookies whose values are signed on the way out
// and verified on the way in. Requires at least one WithCookieSecret.
func WithSignedCookies(names ...string) Option {
	return func(a *App) error {
		for _, name := range names {
			a.signedCookies[name] = true
		}
		return nil
	}
}

/***** accessors *****/

// Name returns the application name.
func (a *App) Name() string {
	return a.name
}

// Seed returns the identity seed.
func (a *App) Seed() string {
	return a.seed
}

// Prefix returns the application's own path prefix.
func (a *App) Prefix() string {
	return a.prefix
}

// Err returns the accumulated registration errors, nil when registration has
// been clean. Serving an application whose Err is non-nil must fail startup.
func (a *App) Err() error {
	return a.err
}

// Routes returns the registered routes, own and mounted, in registration
// order.
func (a *App) Routes() []*Route {
	out := make([]*Route, len(a.routes))
	copy(out, a.routes)

	return out
}

// Dependencies returns one record per mount processed by this application,
// in mount order.
func (a *App) Dependencies() []Dependency {
	out := make([]Dependency, len(a.deps))
	copy(out, a.deps)

	return out
}

// Store returns the application's shared mutable state. After a mount,
// parent and child share one instance.
func (a *App) Store() *Store {
	return a.store
}

// Frozen reports whether serving has started and registration is closed.
func (a *App) Frozen() bool {
	return a.frozen.Load()
}

// Freeze closes the registration phase. Transport engines call it when they
// start serving; it is idempotent.
func (a *App) Freeze() {
	a.frozen.Store(true)
}

func (a *App) recordErr(err error) {
	a.err = errors.Join(a.err, err)
	a.logError("registration failed", err, logAttrApp, a.name)
}

// rejectFrozen records and reports a registration attempt after Freeze.
func (a *App) rejectFrozen(op string) bool {
	if !a.frozen.Load() {
		return false
	}

	a.recordErr(fmt.Errorf("%s: %w", op, ErrAppFrozen))

	return true
}

// dirty invalidates the cached checksum and every composed route after a
// definition change.
func (a *App) dirty() {
	a.checksumMux.Lock()
	a.checksumMemo = ""
	a.checksumMux.Unlock()

	for _, r := range a.routes {
		r.invalidate()
	}
	a.fallback.Store(nil)
}

/***** hook registration *****/

// OnStart registers a hook that runs once when serving starts. Start hooks
// of mounted applications fold into the parent and run exactly once each.
func (a *App) OnStart(hook StartHook, opts ...HookOption) *App {
	if a.rejectFrozen("OnStart") {
		return a
	}
	if hook == nil {
		a.recordErr(fmt.Errorf("OnStart: %w", ErrNilHook))
		return a
	}

	o := applyHookOptions(opts)
	a.hooks.start = insertHook(a.hooks.start, appContainer(a, hook, o), o.front)
	a.dirty()

	return a
}

// OnStop registers a hook that runs once during shutdown.
func (a *App) OnStop(hook StopHook, opts ...HookOption) *App {
	if a.rejectFrozen("OnStop") {
		return a
	}
	if hook == nil {
		a.recordErr(fmt.Errorf("OnStop: %w", ErrNilHook))
		return a
	}

	o := applyHookOptions(opts)
	a.hooks.stop = insertHook(a.hooks.stop, appContainer(a, hook, o), o.front)
	a.dirty()

	return a
}

// OnRequest registers a request hook, the earliest per-request stage.
func (a *App) OnRequest(hook RequestHook, opts ...HookOption) *App {
	if a.rejectFrozen("OnRequest") {
		return a
	}
	if hook == nil {
		a.recordErr(fmt.Errorf("OnRequest: %w", ErrNilHook))
		return a
	}

	o := applyHookOptions(opts)
	a.hooks.request = insertHook(a.hooks.request, appContainer(a, hook, o), o.front)
	a.dirty()

	return a
}

// OnParse registers a parse hook, tried before the built-in body parsers.
func (a *App) OnParse(hook ParseHook, opts ...HookOption) *App {
	if a.rejectFrozen("OnParse") {
		return a
	}
	if hook == nil {
		a.recordErr(fmt.Errorf("OnParse: %w", ErrNilHook))
		return a
	}

	o := applyHookOptions(opts)
	a.hooks.parse = insertHook(a.hooks.parse, appContainer(a, hook, o), o.front)
	a.dirty()

	return a
}

// OnTransform registers a transform hook, running after validation and
// resolve bindings.
func (a *App) OnTransform(hook TransformHook, opts ...HookOption) *App {
	if a.rejectFrozen("OnTransform") {
		return a
	}
	if hook == nil {
		a.recordErr(fmt.Errorf("OnTransform: %w", ErrNilHook))
		return a
	}

	o := applyHookOptions(opts)
	a.hooks.transform = insertHook(a.hooks.transform, appContainer(a, hook, o), o.front)
	a.dirty()

	return a
}

// OnBeforeHandle registers a beforeHandle hook.
func (a *App) OnBeforeHandle(hook BeforeHandleHook, opts ...HookOption) *App {
	if a.rejectFrozen("OnBeforeHandle") {
		return a
	}
	if hook == nil {
		a.recordErr(fmt.Errorf("OnBeforeHandle: %w", ErrNilHook))
		return a
	}

	o := applyHookOptions(opts)
	a.hooks.beforeHandle = insertHook(a.hooks.beforeHandle, appContainer(a, hook, o), o.front)
	a.dirty()

	return a
}

// OnAfterHandle registers an afterHandle hook.
func (a *App) OnAfterHandle(hook AfterHandleHook, opts ...HookOption) *App {
	if a.rejectFrozen("OnAfterHandle") {
		return a
	}
	if hook == nil {
		a.recordErr(fmt.Errorf("OnAfterHandle: %w", ErrNilHook))
		return a
	}

	o := applyHookOptions(opts)
	a.hooks.afterHandle = insertHook(a.hooks.afterHandle, appContainer(a, hook, o), o.front)
	a.dirty()

	return a
}

// OnMapResponse registers a mapResponse hook.
func (a *App) OnMapResponse(hook MapResponseHook, opts ...HookOption) *App {
	if a.rejectFrozen("OnMapResponse") {
		return a
	}
	if hook == nil {
		a.recordErr(fmt.Errorf("OnMapResponse: %w", ErrNilHook))
		return a
	}

	o := applyHookOptions(opts)
	a.hooks.mapResponse = insertHook(a.hooks.mapResponse, appContainer(a, hook, o), o.front)
	a.dirty()

	return a
}

// OnResponse registers an onResponse hook. It observes every outcome,
// success or error; its own errors are logged, never dispatched.
func (a *App) OnResponse(hook ResponseHook, opts ...HookOption) *App {
	if a.rejectFrozen("OnResponse") {
		return a
	}
	if hook == nil {
		a.recordErr(fmt.Errorf("OnResponse: %w", ErrNilHook))
		return a
	}

	o := applyHookOptions(opts)
	a.hooks.response = insertHook(a.hooks.response, appContainer(a, hook, o), o.front)
	a.dirty()

	return a
}

// OnError registers an error hook. ForCodes restricts it to specific codes;
// without a filter it sees every failure.
func (a *App) OnError(hook ErrorHook, opts ...HookOption) *App {
	if a.rejectFrozen("OnError") {
		return a
	}
	if hook == nil {
		a.recordErr(fmt.Errorf("OnError: %w", ErrNilHook))
		return a
	}

	o := applyHookOptions(opts)
	a.hooks.err = insertHook(a.hooks.err, appContainer(a, hook, o), o.front)
	a.dirty()

	return a
}

// Trace registers a trace sink receiving the span tree of every request
// served through this application. Sinks fold across mounts like start
// hooks: once per checksum identity.
func (a *App) Trace(sink TraceSink, opts ...HookOption) *App {
	if a.rejectFrozen("Trace") {
		return a
	}
	if sink == nil {
		a.recordErr(fmt.Errorf("Trace: %w", ErrNilHook))
		return a
	}

	o := applyHookOptions(opts)
	a.hooks.trace = insertHook(a.hooks.trace, appContainer(a, sink, o), o.front)
	a.dirty()

	return a
}

// On registers a hook for a lifecycle event by name. The function's
// signature must match the event; mismatches and unknown events are
// registration errors. Typed methods (OnRequest, OnParse, ...) are the
// preferred form.
func (a *App) On(event Event, fn any, opts ...HookOption) *App {
	if !isKnownEvent(event) {
		a.recordErr(fmt.Errorf("On(%q): %w", event, ErrUnknownEvent))
		return a
	}
	if fn == nil {
		a.recordErr(fmt.Errorf("On(%q): %w", event, ErrNilHook))
		return a
	}

	switch event {
	case EventStart:
		if hook, ok := coerceHook[StartHook](fn); ok {
			return a.OnStart(hook, opts...)
		}
	case EventStop:
		if hook, ok := coerceHook[StopHook](fn); ok {
			return a.OnStop(hook, opts...)
		}
	case EventRequest:
		if hook, ok := coerceHook[RequestHook](fn); ok {
			return a.OnRequest(hook, opts...)
		}
	case EventParse:
		if hook, ok := coerceHook[ParseHook](fn); ok {
			return a.OnParse(hook, opts...)
		}
	case EventTransform:
		if hook, ok := coerceHook[TransformHook](fn); ok {
			return a.OnTransform(hook, opts...)
		}
	case EventBeforeHandle:
		if hook, ok := coerceHook[BeforeHandleHook](fn); ok {
			return a.OnBeforeHandle(hook, opts...)
		}
	case EventAfterHandle:
		if hook, ok := coerceHook[AfterHandleHook](fn); ok {
			return a.OnAfterHandle(hook, opts...)
		}
	case EventMapResponse:
		if hook, ok := coerceHook[MapResponseHook](fn); ok {
			return a.OnMapResponse(hook, opts...)
		}
	case EventResponse:
		if hook, ok := coerceHook[ResponseHook](fn); ok {
			return a.OnResponse(hook, opts...)
		}
	case EventError:
		if hook, ok := coerceHook[ErrorHook](fn); ok {
			return a.OnError(hook, opts...)
		}
	case EventTrace:
		if sink, ok := fn.(TraceSink); ok {
			return a.Trace(sink, opts...)
		}
	}

	a.recordErr(fmt.Errorf("On(%q): %T: %w", event, fn, ErrHookSignature))

	return a
}

// coerceHook accepts both the named hook type and a plain function of the
// identical signature.
func coerceHook[F any](fn any) (F, bool) {
	if typed, ok := fn.(F); ok {
		return typed, true
	}

	var zero F
	target := reflect.TypeOf((*F)(nil)).Elem()
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || !v.Type().ConvertibleTo(target) {
		return zero, false
	}

	return v.Convert(target).Interface().(F), true
}

/***** route registration *****/

// Route registers a handler for an HTTP method and path. The application's
// prefix is applied immediately; mounting re-keys the path again under the
// mount prefix.
func (a *App) Route(method, path string, handler Handler, opts ...RouteOption) *App {
	if a.rejectFrozen("Route") {
		return a
	}
	if path == "" {
		a.recordErr(fmt.Errorf("route %s: %w", method, ErrEmptyRoutePath))
		return a
	}
	if handler == nil {
		a.recordErr(fmt.Errorf("route %s %s: %w", method, path, ErrNilHandler))
		return a
	}

	method = strings.ToUpper(method)
	full := normalizePath(joinPaths(a.prefix, normalizePath(path, a.strictPath)), a.strictPath)

	key := routeKey{method: method, path: full}
	if _, exists := a.byKey[key]; exists {
		a.recordErr(fmt.Errorf("route %s %s: %w", method, full, ErrDuplicateRoute))
		return a
	}

	route := &Route{
		method:     method,
		path:       full,
		handler:    handler,
		chain:      []*App{a},
		guardMarks: []int{len(a.guards)},
	}

	for _, opt := range opts {
		opt(route)
	}
	a.expandMacros(route)

	a.routes = append(a.routes, route)
	a.byKey[key] = route
	a.dirty()

	return a
}

// Get registers a GET route.
func (a *App) Get(path string, handler Handler, opts ...RouteOption) *App {
	return a.Route(http.MethodGet, path, handler, opts...)
}

// Post registers a POST route.
func (a *App) Post(path string, handler Handler, opts ...RouteOption) *App {
	return a.Route(http.MethodPost, path, handler, opts...)
}

// Put registers a PUT route.
func (a *App) Put(path string, handler Handler, opts ...RouteOption) *App {
	return a.Route(http.MethodPut, path, handler, opts...)
}

// Patch registers a PATCH route.
func (a *App) Patch(path string, handler Handler, opts ...RouteOption) *App {
	return a.Route(http.MethodPatch, path, handler, opts...)
}

// Delete registers a DELETE route.
func (a *App) Delete(path string, handler Handler, opts ...RouteOption) *App {
	return a.Route(http.MethodDelete, path, handler, opts...)
}

// Head registers a HEAD route.
func (a *App) Head(path string, handler Handler, opts ...RouteOption) *App {
	return a.Route(http.MethodHead, path, handler, opts...)
}

// Options registers an OPTIONS route.
func (a *App) Options(path string, handler Handler, opts ...RouteOption) *App {
	return a.Route(http.MethodOptions, path, handler, opts...)
}

// expandMacros runs the macros named by a route declaration, in declaration
// order. Macro-added route hooks land after the route's literal hooks of the
// same stage.
func (a *App) expandMacros(route *Route) {
	for _, inv := range route.macros {
		macro, ok := a.macros[inv.name]
		if !ok {
			a.recordErr(fmt.Errorf("route %s %s: macro %q: %w",
				route.method, route.path, inv.name, ErrUnknownMacro))
			continue
		}

		m := &MacroManager{route: route, app: a}
		if err := macro(inv.params, m); err != nil {
			a.recordErr(fmt.Errorf("route %s %s: macro %q: %w",
				route.method, route.path, inv.name, errors.Join(ErrMacroExpansion, err)))
		}
	}
}

/***** bindings, models, macros, guards *****/

// setBinding adds or replaces the binding registered under name. One name
// maps to one slot; re-registering replaces the previous definition within
// the same application.
func (a *App) hasBinding(name string) bool {
	for i := range a.bindings {
		if a.bindings[i].name == name {
			return true
		}
	}

	return false
}

func (a *App) setBinding(b binding) {
	for i := range a.bindings {
		if a.bindings[i].name == b.name {
			a.bindings[i] = b
			a.dirty()
			return
		}
	}

	a.bindings = append(a.bindings, b)
	a.dirty()
}

// Decorate registers a static named value available on every request context
// of this application's routes.
func (a *App) Decorate(name string, value any) *App {
	if a.rejectFrozen("Decorate") {
		return a
	}
	if name == "" {
		a.recordErr(fmt.Errorf("Decorate: %w", ErrEmptyBindingName))
		return a
	}

	a.setBinding(binding{kind: bindDecorate, name: name, value: value})

	return a
}

// State seeds the shared mutable store with an initial value. Unlike
// Decorate values, state is read and written at request time through
// Context.Store.
func (a *App) State(key string, value any) *App {
	if a.rejectFrozen("State") {
		return a
	}
	if key == "" {
		a.recordErr(fmt.Errorf("State: %w", ErrEmptyBindingName))
		return a
	}

	a.store.Set(key, value)
	a.dirty()

	return a
}

// Derive registers a per-request binding computed before validation, so its
// failures surface before schema checks run.
func (a *App) Derive(name string, fn DeriveFunc) *App {
	if a.rejectFrozen("Derive") {
		return a
	}
	if name == "" {
		a.recordErr(fmt.Errorf("Derive: %w", ErrEmptyBindingName))
		return a
	}
	if fn == nil {
		a.recordErr(fmt.Errorf("Derive %q: %w", name, ErrNilHook))
		return a
	}

	a.setBinding(binding{kind: bindDerive, name: name, fn: fn})

	return a
}

// Resolve registers a per-request binding computed after validation, so it
// can trust validated request data.
func (a *App) Resolve(name string, fn DeriveFunc) *App {
	if a.rejectFrozen("Resolve") {
		return a
	}
	if name == "" {
		a.recordErr(fmt.Errorf("Resolve: %w", ErrEmptyBindingName))
		return a
	}
	if fn == nil {
		a.recordErr(fmt.Errorf("Resolve %q: %w", name, ErrNilHook))
		return a
	}

	a.setBinding(binding{kind: bindResolve, name: name, fn: fn})

	return a
}

// Model registers a named schema referable with Ref from any slot of this
// application's routes (and, after mounting, of the parent's).
func (a *App) Model(name string, schema any) *App {
	if a.rejectFrozen("Model") {
		return a
	}
	if name == "" {
		a.recordErr(fmt.Errorf("Model: %w", ErrEmptyBindingName))
		return a
	}

	a.models[name] = schema
	a.dirty()

	return a
}

// DefineError registers a custom error code with its HTTP status.
// Re-registering a code with the same status is a no-op; a different status
// is a registration error.
func (a *App) DefineError(code string, status int) *App {
	if a.rejectFrozen("DefineError") {
		return a
	}
	if code == "" {
		a.recordErr(fmt.Errorf("DefineError: %w", ErrEmptyBindingName))
		return a
	}

	if existing, ok := a.statuses[code]; ok {
		if existing != status {
			a.recordErr(fmt.Errorf("DefineError %q (%d vs %d): %w",
				code, existing, status, ErrDuplicateErrorCode))
		}
		return a
	}

	a.statuses[code] = status
	a.dirty()

	return a
}

// Macro registers a named hook bundle usable as WithMacro in route
// declarations of this application and of applications that mounted it
// before declaring their routes.
func (a *App) Macro(name string, fn MacroFunc) *App {
	if a.rejectFrozen("Macro") {
		return a
	}
	if name == "" {
		a.recordErr(fmt.Errorf("Macro: %w", ErrEmptyBindingName))
		return a
	}
	if fn == nil {
		a.recordErr(fmt.Errorf("Macro %q: %w", name, ErrNilHook))
		return a
	}

	a.macros[name] = fn
	a.dirty()

	return a
}

// Guard declares schema defaults for every route registered after it in this
// application. Route-local slots win over guard slots; inner guards win over
// outer ones slot by slot.
func (a *App) Guard(schema Schema) *App {
	if a.rejectFrozen("Guard") {
		return a
	}

	a.guards = append(a.guards, schema)
	a.dirty()

	return a
}

/***** lifecycle *****/

// RunStart executes the registered start hooks in order. The first failure
// aborts and is returned; transports treat that as failed startup.
func (a *App) RunStart(ctx context.Context) error {
	a.logDebug(logMsgStartHookRunning, logAttrApp, a.name)

	for i, hc := range a.hooks.start {
		if err := hc.fn(ctx, a); err != nil {
			return fmt.Errorf("start hook %d: %w", i, err)
		}
	}

	return nil
}

// RunStop executes the registered stop hooks in order. Every hook runs even
// when earlier ones fail; failures are joined.
func (a *App) RunStop(ctx context.Context) error {
	a.logDebug(logMsgStopHookRunning, logAttrApp, a.name)

	var errs error
	for i, hc := range a.hooks.stop {
		if err := hc.fn(ctx, a); err != nil {
			errs = errors.Join(errs, fmt.Errorf("stop hook %d: %w", i, err))
		}
	}

	return errs
}
