package graft

// MacroFunc is a registered macro: a named, parameterized hook bundle. It
// receives the params value given at the route declaration and a manager
// through which it registers hooks. Expansion happens exactly once, at
// route-registration time, never per request.
type MacroFunc func(params any, m *MacroManager) error

// MacroManager is the registration surface a macro expands against. Hooks
// land on the declaring route's local scope by default; WithScope widens a
// registration to the route's application instead.
type MacroManager struct {
	route *Route
	app   *App
}

// Route returns the route the macro is being expanded for, so a macro can
// key per-route state (e.g. one rate limiter per route) by method and path.
func (m *MacroManager) Route() *Route {
	return m.route
}

// scopeOf splits the route-local default from app-level registrations.
func scopeOf(opts []HookOption) (Scope, []HookOption) {
	return applyHookOptions(opts).scope, opts
}

// OnParse registers a parse hook for the route (or wider, per options).
func (m *MacroManager) OnParse(hook ParseHook, opts ...HookOption) {
	if scope, rest := scopeOf(opts); scope != ScopeLocal {
		m.app.OnParse(hook, rest...)
		return
	}
	m.route.hooks.parse = append(m.route.hooks.parse, routeContainer(hook))
}

// OnTransform registers a transform hook for the route (or wider, per options).
func (m *MacroManager) OnTransform(hook TransformHook, opts ...HookOption) {
	if scope, rest := scopeOf(opts); scope != ScopeLocal {
		m.app.OnTransform(hook, rest...)
		return
	}
	m.route.hooks.transform = append(m.route.hooks.transform, routeContainer(hook))
}

// OnBeforeHandle registers a beforeHandle hook for the route (or wider, per
// options).
func (m *MacroManager) OnBeforeHandle(hook BeforeHandleHook, opts ...HookOption) {
	if scope, rest := scopeOf(opts); scope != ScopeLocal {
		m.app.OnBeforeHandle(hook, rest...)
		return
	}
	m.route.hooks.beforeHandle = append(m.route.hooks.beforeHandle, routeContainer(hook))
}

// OnAfterHandle registers an afterHandle hook for the route (or wider, per
// options).
func (m *MacroManager) OnAfterHandle(hook AfterHandleHook, opts ...HookOption) {
	if scope, rest := scopeOf(opts); scope != ScopeLocal {
		m.app.OnAfterHandle(hook, rest...)
		return
	}
	m.route.hooks.afterHandle = append(m.route.hooks.afterHandle, routeContainer(hook))
}

// OnMapResponse registers a mapResponse hook for the route (or wider, per
// options).
func (m *MacroManager) OnMapResponse(hook MapResponseHook, opts ...HookOption) {
	if scope, rest := scopeOf(opts); scope != ScopeLocal {
		m.app.OnMapResponse(hook, rest...)
		return
	}
	m.route.hooks.mapResponse = append(m.route.hooks.mapResponse, routeContainer(hook))
}

// OnResponse registers an onResponse hook for the route (or wider, per
// options).
func (m *MacroManager) OnResponse(hook ResponseHook, opts ...HookOption) {
	if scope, rest := scopeOf(opts); scope != ScopeLocal {
		m.app.OnResponse(hook, rest...)
		return
	}
	m.route.hooks.response = append(m.route.hooks.response, routeContainer(hook))
}

// OnError registers an error hook for the route (or wider, per options).
// ForCodes restricts it to specific error codes.
func (m *MacroManager) OnError(hook ErrorHook, opts ...HookOption) {
	scope, rest := scopeOf(opts)
	if scope != ScopeLocal {
		m.app.OnError(hook, rest...)
		return
	}

	hc := routeContainer(hook)
	hc.codes = applyHookOptions(rest).codes
	m.route.hooks.err = append(m.route.hooks.err, hc)
}
