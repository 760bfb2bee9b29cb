// Package graft is the request-lifecycle composition engine of an HTTP
// server framework.
//
// An App accumulates routes, lifecycle hooks, schemas, and named context
// bindings at registration time. Sub-applications are composed into a parent
// with Use, Mount, or Group; the merge engine applies path prefixing, scope
// filtering, and checksum-based deduplication so a plugin imported
// transitively by multiple parents is applied exactly once. For every route
// the composer merges the applicable hooks and schemas into one composed
// handler that runs a fixed-order pipeline per request:
//
//	request -> parse -> derive -> validate (headers, params, query, cookie,
//	body) -> resolve -> transform -> beforeHandle -> handle -> validate
//	response -> afterHandle -> mapResponse -> onResponse
//
// Any stage failure is classified into a fixed error taxonomy and routed to
// the error stage; the pipeline never leaves a request unanswered. Trace
// sinks receive a tree of begin/end spans per request.
//
// The package defines dependency-free contracts for its collaborators
// (schema Compiler, Logger, MetricsCollector, TraceSink); default
// implementations and transport bindings live in subpackages:
//
//   - ginengine: serves an App on a gin engine
//   - realtime: websocket pass-through reusing the composed context
//   - oteladapters, promadapters: observability bridges (nested modules)
//   - plugins/...: reusable sub-applications and macros
//
// Minimal usage:
//
//	app, _ := graft.New(graft.WithName("api"))
//	app.Get("/users/:id", func(c *graft.Context) (any, error) {
//		return map[string]string{"id": c.Param("id")}, nil
//	}, graft.WithSchema(graft.Schema{
//		Params: graft.Rules{"id": "required,numeric"},
//	}))
//
//	srv, _ := ginengine.NewServer(app)
//	_ = srv.Listen(ctx)
package graft
