package graft

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Route is one registered route: method, path, raw handler, its declared
// schema and route-local hooks, and the lazily composed pipeline. Routes are
// created at registration time and live as long as the owning application;
// mounting copies them into the parent under the re-keyed path.
type Route struct {
	method string
	path   string

	handler Handler
	schema  Schema
	hooks   lifecycleStore
	macros  []macroInvocation

	// chain lists the owning applications innermost first; the last element
	// is the application the route is served from. Bindings, guards, and
	// models resolve innermost-out along it.
	chain []*App

	// guardMarks[i] is how many guards chain[i] had when this route joined
	// it. Guards apply only to routes declared (or mounted) after them.
	guardMarks []int

	checksum string // owning app's checksum at fold time, for mount dedup

	composed   atomic.Pointer[composedHandler]
	composeMux sync.Mutex
}

type macroInvocation struct {
	name   string
	params any
}

// Method returns the HTTP method the route is registered for.
func (r *Route) Method() string {
	return r.method
}

// Path returns the route's path pattern, including :name and * tokens.
func (r *Route) Path() string {
	return r.path
}

// owner is the application the route was declared in.
func (r *Route) owner() *App {
	return r.chain[0]
}

// servingApp is the outermost application of the route's mount chain, the
// one whose hook store and store instance the composed pipeline uses.
func (r *Route) servingApp() *App {
	return r.chain[len(r.chain)-1]
}

// clone copies the route for folding into a parent: the path is re-keyed,
// the chain gains the parent, and the composed-handler cache starts fresh.
func (r *Route) clone(path string, parent *App, checksum string) *Route {
	chain := make([]*App, 0, len(r.chain)+1)
	chain = append(chain, r.chain...)
	chain = append(chain, parent)

	marks := make([]int, 0, len(r.guardMarks)+1)
	marks = append(marks, r.guardMarks...)
	marks = append(marks, len(parent.guards))

	return &Route{
		method:     r.method,
		path:       path,
		handler:    r.handler,
		schema:     r.schema,
		hooks:      r.hooks,
		macros:     r.macros,
		chain:      chain,
		guardMarks: marks,
		checksum:   checksum,
	}
}

// invalidate drops the cached composed handler so the next request (or the
// next Compile) re-composes with the current hook sets. Only called before
// the application is frozen.
func (r *Route) invalidate() {
	r.composed.Store(nil)
}

// RouteOption adjusts one route registration: attaching a schema, expanding
// macros, or adding route-local hooks that run after every inherited hook of
// the same stage.
type RouteOption func(*Route)

// WithSchema declares the validated slots for the route. A route-local slot
// wins over any slot inherited from Guard chains.
func WithSchema(schema Schema) RouteOption {
	return func(r *Route) {
		r.schema = schema
	}
}

// WithMacro invokes a registered macro for this route, expanding its hook
// bundle at registration time. The params value is handed to the macro
// function as-is.
func WithMacro(name string, params any) RouteOption {
	return func(r *Route) {
		r.macros = append(r.macros, macroInvocation{name: name, params: params})
	}
}

// WithOnRequest adds a route-local request hook.
func WithOnRequest(hook RequestHook) RouteOption {
	return func(r *Route) {
		r.hooks.request = append(r.hooks.request, routeContainer(hook))
	}
}

// WithParse adds a route-local parse hook, tried before the built-in body
// parsers.
func WithParse(hook ParseHook) RouteOption {
	return func(r *Route) {
		r.hooks.parse = append(r.hooks.parse, routeContainer(hook))
	}
}

// WithTransform adds a route-local transform hook.
func WithTransform(hook TransformHook) RouteOption {
	return func(r *Route) {
		r.hooks.transform = append(r.hooks.transform, routeContainer(hook))
	}
}

// WithBeforeHandle adds a route-local beforeHandle hook.
func WithBeforeHandle(hook BeforeHandleHook) RouteOption {
	return func(r *Route) {
		r.hooks.beforeHandle = append(r.hooks.beforeHandle, routeContainer(hook))
	}
}

// WithAfterHandle adds a route-local afterHandle hook.
func WithAfterHandle(hook AfterHandleHook) RouteOption {
	return func(r *Route) {
		r.hooks.afterHandle = append(r.hooks.afterHandle, routeContainer(hook))
	}
}

// WithMapResponse adds a route-local mapResponse hook.
func WithMapResponse(hook MapResponseHook) RouteOption {
	return func(r *Route) {
		r.hooks.mapResponse = append(r.hooks.mapResponse, routeContainer(hook))
	}
}

// WithOnResponse adds a route-local onResponse hook.
func WithOnResponse(hook ResponseHook) RouteOption {
	return func(r *Route) {
		r.hooks.response = append(r.hooks.response, routeContainer(hook))
	}
}

// WithOnError adds a route-local error hook, optionally restricted to codes.
func WithOnError(hook ErrorHook, codes ...string) RouteOption {
	return func(r *Route) {
		hc := routeContainer(hook)
		hc.codes = codes
		r.hooks.err = append(r.hooks.err, hc)
	}
}

// routeContainer wraps a route-local hook; owner stays nil because the
// containing route itself scopes it.
func routeContainer[F any](fn F) hookContainer[F] {
	return hookContainer[F]{fn: fn, scope: ScopeLocal, class: ScopeLocal}
}

// pathTokens extracts the named parameter tokens of a route path: ":name"
// segments yield "name", "*" yields "*", and "*name" yields "name".
func pathTokens(path string) []string {
	var tokens []string

	for _, segment := range strings.Split(path, "/") {
		switch {
		case strings.HasPrefix(segment, ":"):
			if name := segment[1:]; name != "" {
				tokens = append(tokens, name)
			}
		case strings.HasPrefix(segment, "*"):
			name := segment[1:]
			if name == "" {
				name = "*"
			}
			tokens = append(tokens, name)
		}
	}

	return tokens
}

// normalizePath canonicalizes a route path: ensures a leading slash and,
// unless strict-path mode is on, strips a trailing slash (except for the
// root path).
func normalizePath(path string, strict bool) string {
	if path == "" {
		return "/"
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	if !strict && len(path) > 1 && strings.HasSuffix(path, "/") {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}

	return path
}

// joinPaths concatenates a mount prefix and a route path, keeping exactly
// one slash at the seam.
func joinPaths(prefix, path string) string {
	if prefix == "" || prefix == "/" {
		return path
	}

	prefix = strings.TrimRight(prefix, "/")
	if path == "/" {
		return prefix
	}

	return prefix + path
}
