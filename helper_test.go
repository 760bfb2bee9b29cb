package graft_test

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graft-http/graft"
)

func newApp(t *testing.T, opts ...graft.Option) *graft.App {
	t.Helper()

	app, err := graft.New(opts...)
	require.NoError(t, err)

	return app
}

func findRoute(t *testing.T, app *graft.App, method, pattern string) *graft.Route {
	t.Helper()

	for _, route := range app.Routes() {
		if route.Method() == method && route.Path() == pattern {
			return route
		}
	}

	t.Fatalf("no route registered for %s %s", method, pattern)

	return nil
}

// newRequest builds the transport facts for one test request against a route
// pattern. Tests fill params, headers, and body on the returned value.
func newRequest(method, pattern string) graft.RequestInfo {
	return graft.RequestInfo{
		Method:  method,
		Path:    pattern,
		RawPath: pattern,
		Params:  map[string]string{},
		Query:   url.Values{},
		Header:  http.Header{},
	}
}

func execute(t *testing.T, app *graft.App, info graft.RequestInfo) *graft.Response {
	t.Helper()

	route := findRoute(t, app, info.Method, info.Path)
	res := route.Execute(graft.NewContext(context.Background(), info))
	require.NotNil(t, res)

	return res
}

func bodyMap(t *testing.T, res *graft.Response) map[string]any {
	t.Helper()

	m, ok := res.Body.(map[string]any)
	require.True(t, ok, "response body is %T, want map[string]any", res.Body)

	return m
}

func okHandler(c *graft.Context) (any, error) {
	return map[string]any{"ok": true}, nil
}
