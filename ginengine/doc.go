// Package ginengine serves a graft application tree over HTTP using a gin
// engine for route matching.
//
// The engine carries no gin middleware and no gin rendering: every matched
// request is adapted into a graft.RequestInfo (body fully read, parameters
// and cookies mapped) and runs the application's composed pipeline; the
// resulting *graft.Response is written back verbatim. Unmatched requests are
// answered through the application's NOT_FOUND path, so global error hooks,
// onResponse hooks, and trace sinks observe them too.
//
// Route patterns translate one to one: ":name" parameters keep their
// grammar, catch-all segments ("*" or "*name") become gin catch-alls and
// must end the path. The capture of a bare "*" is exposed as Param("*"),
// without gin's leading slash.
//
// Usage:
//
//	app, _ := graft.New(graft.WithName("api"))
//	app.Get("/health", func(c *graft.Context) (any, error) {
//		return map[string]string{"status": "up"}, nil
//	})
//
//	srv, err := ginengine.NewServer(app,
//		ginengine.WithAddr(":8080"),
//		ginengine.WithMaxBodyBytes(1<<20),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := srv.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// NewServer composes every route up front so schema and registration
// problems fail construction; WithLazyCompose defers composition to the
// first request per route. Once serving has started the application is
// frozen and late hook or route registration is rejected.
package ginengine
