package graft

import (
	"fmt"
	"maps"
	"slices"

	"golang.org/x/sync/errgroup"
)

// composedHandler is the frozen execution plan of one route: every hook
// filtered and ordered, every binding assigned a slot, every schema slot
// compiled. Composition happens once per route (on first request or through
// Compile); requests only walk the precomputed tables.
type composedHandler struct {
	route *Route
	app   *App

	method  string
	path    string
	handler Handler

	request      []RequestHook
	parse        []ParseHook
	transform    []TransformHook
	beforeHandle []BeforeHandleHook
	afterHandle  []AfterHandleHook
	mapResponse  []MapResponseHook
	response     []ResponseHook
	errorHooks   []errorHookEntry
	sinks        []TraceSink

	slotIndex  map[string]int
	decorators []slotValue
	derives    []slotFn
	resolves   []slotFn

	headersChecker   Checker
	paramsChecker    Checker
	queryChecker     Checker
	cookieChecker    Checker
	bodyChecker      Checker
	responseCheckers map[int]Checker // key 0 is the default checker

	statuses      map[string]int
	cookieSecrets [][]byte
	signedCookies map[string]bool
}

type errorHookEntry struct {
	fn    ErrorHook
	codes map[string]bool
}

func (e errorHookEntry) matches(code string) bool {
	return len(e.codes) == 0 || e.codes[code]
}

type slotValue struct {
	idx   int
	value any
}

type slotFn struct {
	idx  int
	name string
	fn   DeriveFunc
}

// composedHandler returns the route's execution plan, composing it on first
// use. Concurrent first requests compose once; the rest wait.
func (r *Route) composedHandler() (*composedHandler, error) {
	if ch := r.composed.Load(); ch != nil {
		return ch, nil
	}

	r.composeMux.Lock()
	defer r.composeMux.Unlock()

	if ch := r.composed.Load(); ch != nil {
		return ch, nil
	}

	ch, err := compose(r)
	if err != nil {
		return nil, err
	}
	r.composed.Store(ch)

	return ch, nil
}

// Execute runs the composed pipeline for one request and returns the
// transport response. It never returns nil and never panics; every failure
// ends as a mapped error response. The serving application freezes on first
// execution.
func (r *Route) Execute(c *Context) *Response {
	app := r.servingApp()
	app.Freeze()

	ch, err := r.composedHandler()
	if err != nil {
		app.logError("route composition failed", err, logAttrMethod, r.method, logAttrPath, r.path)
		return errorResponse(c, internalError(err), nil)
	}

	return ch.serve(c)
}

// Compile composes every registered route (and the unmatched-request
// fallback) ahead of serving, surfacing schema and registration problems as
// one startup error instead of per-request failures.
func (a *App) Compile() error {
	if err := a.err; err != nil {
		return err
	}

	var group errgroup.Group
	for _, route := range a.routes {
		route := route
		group.Go(func() error {
			_, err := route.composedHandler()
			return err
		})
	}
	group.Go(func() error {
		_, err := a.fallbackHandler()
		return err
	})

	return group.Wait()
}

// NotFound produces the response for a request no route matched: a NOT_FOUND
// failure dispatched through the application's global error hooks, observed
// by its global onResponse hooks and trace sinks.
func (a *App) NotFound(c *Context) *Response {
	a.Freeze()

	ch, err := a.fallbackHandler()
	if err != nil {
		a.logError("fallback composition failed", err)
		return errorResponse(c, internalError(err), nil)
	}

	return ch.serveNotFound(c)
}

// fallbackHandler composes the route-less plan used for unmatched requests.
// Only global-class hooks participate; local and scoped hooks are bound to
// routes by definition.
func (a *App) fallbackHandler() (*composedHandler, error) {
	if ch := a.fallback.Load(); ch != nil {
		return ch, nil
	}

	a.fallbackMux.Lock()
	defer a.fallbackMux.Unlock()

	if ch := a.fallback.Load(); ch != nil {
		return ch, nil
	}
	if err := a.err; err != nil {
		return nil, err
	}

	ch := &composedHandler{
		app:           a,
		statuses:      maps.Clone(a.statuses),
		cookieSecrets: a.cookieSecrets,
		signedCookies: a.signedCookies,
		errorHooks:    collectGlobalErrorHooks(a.hooks.err),
		response:      collectGlobalHooks(a.hooks.response),
		sinks:         collectSinks(a.hooks.trace),
	}
	a.fallback.Store(ch)

	return ch, nil
}

/***** composition *****/

// compose builds the execution plan for one route against its serving
// application's folded hook store and its own chain.
func compose(r *Route) (*composedHandler, error) {
	app := r.servingApp()
	if err := app.err; err != nil {
		return nil, fmt.Errorf("compose %s %s: %w", r.method, r.path, err)
	}

	ch := &composedHandler{
		route:         r,
		app:           app,
		method:        r.method,
		path:          r.path,
		handler:       r.handler,
		statuses:      overlayStatuses(r.chain),
		cookieSecrets: app.cookieSecrets,
		signedCookies: app.signedCookies,
	}

	ch.request = collectHooks(app.hooks.request, r.hooks.request, r)
	ch.parse = collectHooks(app.hooks.parse, r.hooks.parse, r)
	ch.transform = collectHooks(app.hooks.transform, r.hooks.transform, r)
	ch.beforeHandle = collectHooks(app.hooks.beforeHandle, r.hooks.beforeHandle, r)
	ch.afterHandle = collectHooks(app.hooks.afterHandle, r.hooks.afterHandle, r)
	ch.mapResponse = collectHooks(app.hooks.mapResponse, r.hooks.mapResponse, r)
	ch.response = collectHooks(app.hooks.response, r.hooks.response, r)
	ch.errorHooks = collectErrorHooks(app.hooks.err, r.hooks.err, r)
	ch.sinks = collectSinks(app.hooks.trace)

	buildBindings(ch, r)

	if err := compileSchemas(ch, r, app.compiler); err != nil {
		return nil, err
	}

	app.logDebug(logMsgRouteComposed, logAttrMethod, r.method, logAttrPath, r.path)

	return ch, nil
}

// collectHooks filters one event's containers down to those applying to the
// route and orders them by precedence class: globals first, demoted scoped
// copies second, locals third. Store order is preserved within a class;
// route-declared hooks run after everything inherited.
func collectHooks[F any](appSeq, routeSeq []hookContainer[F], route *Route) []F {
	var globals, scoped, locals []F

	for _, hc := range appSeq {
		if !hc.appliesTo(route) {
			continue
		}
		switch hc.class {
		case ScopeGlobal:
			globals = append(globals, hc.fn)
		case ScopeScoped:
			scoped = append(scoped, hc.fn)
		default:
			locals = append(locals, hc.fn)
		}
	}

	out := make([]F, 0, len(globals)+len(scoped)+len(locals)+len(routeSeq))
	out = append(out, globals...)
	out = append(out, scoped...)
	out = append(out, locals...)
	for _, hc := range routeSeq {
		out = append(out, hc.fn)
	}

	return out
}

func collectErrorHooks(appSeq, routeSeq []hookContainer[ErrorHook], route *Route) []errorHookEntry {
	var globals, scoped, locals []errorHookEntry

	for _, hc := range appSeq {
		if !hc.appliesTo(route) {
			continue
		}
		entry := errorHookEntry{fn: hc.fn, codes: codeSet(hc.codes)}
		switch hc.class {
		case ScopeGlobal:
			globals = append(globals, entry)
		case ScopeScoped:
			scoped = append(scoped, entry)
		default:
			locals = append(locals, entry)
		}
	}

	out := make([]errorHookEntry, 0, len(globals)+len(scoped)+len(locals)+len(routeSeq))
	out = append(out, globals...)
	out = append(out, scoped...)
	out = append(out, locals...)
	for _, hc := range routeSeq {
		out = append(out, errorHookEntry{fn: hc.fn, codes: codeSet(hc.codes)})
	}

	return out
}

func collectGlobalHooks[F any](seq []hookContainer[F]) []F {
	var out []F
	for _, hc := range seq {
		if hc.class == ScopeGlobal {
			out = append(out, hc.fn)
		}
	}

	return out
}

func collectGlobalErrorHooks(seq []hookContainer[ErrorHook]) []errorHookEntry {
	var out []errorHookEntry
	for _, hc := range seq {
		if hc.class == ScopeGlobal {
			out = append(out, errorHookEntry{fn: hc.fn, codes: codeSet(hc.codes)})
		}
	}

	return out
}

func collectSinks(seq []hookContainer[TraceSink]) []TraceSink {
	sinks := make([]TraceSink, 0, len(seq))
	for _, hc := range seq {
		sinks = append(sinks, hc.fn)
	}

	return sinks
}

func codeSet(codes []string) map[string]bool {
	if len(codes) == 0 {
		return nil
	}

	set := make(map[string]bool, len(codes))
	for _, code := range codes {
		set[code] = true
	}

	return set
}

// overlayStatuses merges the error-code namespaces along the chain,
// innermost definitions winning.
func overlayStatuses(chain []*App) map[string]int {
	statuses := make(map[string]int)
	for i := len(chain) - 1; i >= 0; i-- {
		for code, status := range chain[i].statuses {
			statuses[code] = status
		}
	}

	return statuses
}

// buildBindings assigns every named binding reachable from the route's chain
// a slot. A name declared in an inner application shadows the same name
// further out; the shadowed definition does not run at all for this route.
// Derive and resolve functions execute outermost application first,
// registration order within one application.
func buildBindings(ch *composedHandler, r *Route) {
	type pick struct {
		b        binding
		chainIdx int
		regIdx   int
		slot     int
	}

	slotIndex := make(map[string]int)
	var picks []pick

	for ci, owner := range r.chain {
		for ri, b := range owner.bindings {
			if _, taken := slotIndex[b.name]; taken {
				continue
			}
			slot := len(picks)
			slotIndex[b.name] = slot
			picks = append(picks, pick{b: b, chainIdx: ci, regIdx: ri, slot: slot})
		}
	}

	if len(picks) == 0 {
		return
	}
	ch.slotIndex = slotIndex

	slices.SortStableFunc(picks, func(x, y pick) int {
		if x.chainIdx != y.chainIdx {
			return y.chainIdx - x.chainIdx
		}

		return x.regIdx - y.regIdx
	})

	for _, p := range picks {
		switch p.b.kind {
		case bindDecorate:
			ch.decorators = append(ch.decorators, slotValue{idx: p.slot, value: p.b.value})
		case bindDerive:
			ch.derives = append(ch.derives, slotFn{idx: p.slot, name: p.b.name, fn: p.b.fn})
		case bindResolve:
			ch.resolves = append(ch.resolves, slotFn{idx: p.slot, name: p.b.name, fn: p.b.fn})
		}
	}
}

/***** schema assembly *****/

// compileSchemas merges the route's schema with inherited guards, resolves
// model references, and compiles every declared slot.
func compileSchemas(ch *composedHandler, r *Route, compiler Compiler) error {
	merged := mergeSchema(r)

	compileSlot := func(slot string, decl any) (Checker, error) {
		if decl == nil {
			return nil, nil
		}

		resolved, err := resolveModelRef(decl, r.chain)
		if err != nil {
			return nil, fmt.Errorf("route %s %s: %s schema: %w", r.method, r.path, slot, err)
		}

		checker, err := compiler.Compile(resolved)
		if err != nil {
			return nil, fmt.Errorf("route %s %s: %s schema: %w", r.method, r.path, slot, err)
		}

		return checker, nil
	}

	var err error
	if ch.headersChecker, err = compileSlot("headers", merged.Headers); err != nil {
		return err
	}
	if ch.paramsChecker, err = compileSlot("params", merged.Params); err != nil {
		return err
	}
	if ch.queryChecker, err = compileSlot("query", merged.Query); err != nil {
		return err
	}
	if ch.cookieChecker, err = compileSlot("cookie", merged.Cookie); err != nil {
		return err
	}
	if ch.bodyChecker, err = compileSlot("body", merged.Body); err != nil {
		return err
	}

	switch decl := merged.Response.(type) {
	case nil:
	case ResponseSchemas:
		ch.responseCheckers = make(map[int]Checker, len(decl))
		for status, sub := range decl {
			checker, cerr := compileSlot(fmt.Sprintf("response[%d]", status), sub)
			if cerr != nil {
				return cerr
			}
			if checker != nil {
				ch.responseCheckers[status] = checker
			}
		}
	default:
		checker, cerr := compileSlot("response", decl)
		if cerr != nil {
			return cerr
		}
		if checker != nil {
			ch.responseCheckers = map[int]Checker{0: checker}
		}
	}

	return nil
}

// mergeSchema resolves the effective schema slot by slot: the route's own
// declaration wins, then guards innermost-out, most recent guard first
// within one application. Inherited params rules apply only where they name
// tokens of the final path; when nothing declares params, rules are
// synthesized from the path tokens.
func mergeSchema(r *Route) Schema {
	sources := make([]Schema, 0, 1+len(r.chain))
	sources = append(sources, r.schema)

	for i, owner := range r.chain {
		mark := min(r.guardMarks[i], len(owner.guards))
		for gi := mark - 1; gi >= 0; gi-- {
			sources = append(sources, owner.guards[gi])
		}
	}

	var merged Schema
	tokens := pathTokens(r.path)

	for si, src := range sources {
		if merged.Body == nil {
			merged.Body = src.Body
		}
		if merged.Headers == nil {
			merged.Headers = src.Headers
		}
		if merged.Query == nil {
			merged.Query = src.Query
		}
		if merged.Cookie == nil {
			merged.Cookie = src.Cookie
		}
		if merged.Response == nil {
			merged.Response = src.Response
		}
		if merged.Params == nil && src.Params != nil {
			merged.Params = inheritParams(src.Params, tokens, si == 0)
		}
	}

	if merged.Params == nil {
		merged.Params = synthesizeParams(tokens)
	}

	return merged
}

// inheritParams filters inherited params rules down to tokens the final path
// actually has. An empty result counts as undeclared so merging keeps
// looking outward. Struct prototypes pass through unfiltered.
func inheritParams(decl any, tokens []string, routeLocal bool) any {
	if routeLocal {
		return decl
	}

	rules, ok := asRules(decl)
	if !ok {
		return decl
	}

	filtered := Rules{}
	for field, tag := range rules {
		if slices.Contains(tokens, field) {
			filtered[field] = tag
		}
	}
	if len(filtered) == 0 {
		return nil
	}

	return filtered
}

func asRules(decl any) (Rules, bool) {
	switch v := decl.(type) {
	case Rules:
		return v, true
	case map[string]string:
		return Rules(v), true
	default:
		return nil, false
	}
}

// synthesizeParams derives presence rules from the path tokens of routes
// without a params declaration. Wildcard captures may be empty, so only
// named tokens get one.
func synthesizeParams(tokens []string) any {
	rules := Rules{}
	for _, token := range tokens {
		if token == "*" {
			continue
		}
		rules[token] = "required"
	}
	if len(rules) == 0 {
		return nil
	}

	return rules
}

// resolveModelRef swaps a Ref for the model registered under its name,
// searching the chain innermost-out.
func resolveModelRef(decl any, chain []*App) (any, error) {
	ref, ok := decl.(Ref)
	if !ok {
		return decl, nil
	}

	for _, owner := range chain {
		if model, exists := owner.models[string(ref)]; exists {
			return model, nil
		}
	}

	return nil, fmt.Errorf("model %q: %w", string(ref), ErrUnknownModel)
}
