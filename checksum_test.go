package graft_test

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graft-http/graft"
)

// buildCatalogApp exists so two invocations register the identical closure
// identities. Apps built by separate function literals never share a
// checksum, because closure identity feeds the hash.
func buildCatalogApp(t *testing.T) *graft.App {
	t.Helper()

	app := newApp(t, graft.WithName("catalog"), graft.WithSeed("v1"))
	app.OnRequest(func(c *graft.Context) (any, error) { return nil, nil }, graft.WithScope(graft.ScopeGlobal))
	app.Decorate("region", "eu-west")
	app.Model("Book", graft.Rules{"title": "required"})
	app.DefineError("OUT_OF_PRINT", http.StatusGone)
	app.State("warmed", true)
	app.Get("/books", okHandler)
	app.Get("/books/:id", okHandler, graft.WithSchema(graft.Schema{
		Params: graft.Rules{"id": "required,numeric"},
	}))

	return app
}

func Test_App_Checksum_IsStableAcrossEqualDefinitions(t *testing.T) {
	first := buildCatalogApp(t)
	second := buildCatalogApp(t)

	require.NoError(t, first.Err())
	require.NoError(t, second.Err())

	assert.Equal(t, first.Checksum(), second.Checksum())
	assert.Equal(t, first.Serialize(), second.Serialize())
}

func Test_App_Checksum_CarriesAlgorithmPrefix(t *testing.T) {
	sum := buildCatalogApp(t).Checksum()

	require.True(t, strings.HasPrefix(sum, "sha256:"))
	assert.Len(t, strings.TrimPrefix(sum, "sha256:"), 64)
}

//nolint:funlen
func Test_App_Checksum_ChangesWithTheDefinition(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(app *graft.App)
	}{
		{
			name: "extra_route",
			mutate: func(app *graft.App) {
				app.Delete("/books/:id", okHandler)
			},
		},
		{
			name: "extra_hook",
			mutate: func(app *graft.App) {
				app.OnTransform(func(c *graft.Context) error { return nil })
			},
		},
		{
			name: "extra_decorator",
			mutate: func(app *graft.App) {
				app.Decorate("tier", "gold")
			},
		},
		{
			name: "extra_error_code",
			mutate: func(app *graft.App) {
				app.DefineError("EMBARGOED", http.StatusForbidden)
			},
		},
		{
			name: "extra_state_key",
			mutate: func(app *graft.App) {
				app.State("other", 1)
			},
		},
		{
			name: "extra_guard",
			mutate: func(app *graft.App) {
				app.Guard(graft.Schema{Headers: graft.Rules{"Authorization": "required"}})
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			base := buildCatalogApp(t)
			mutated := buildCatalogApp(t)
			tc.mutate(mutated)

			assert.NotEqual(t, base.Checksum(), mutated.Checksum())
		})
	}
}

func Test_App_Checksum_DistinguishesNameAndSeed(t *testing.T) {
	a := newApp(t, graft.WithName("svc"), graft.WithSeed("v1"))
	b := newApp(t, graft.WithName("svc"), graft.WithSeed("v2"))
	c := newApp(t, graft.WithName("other"), graft.WithSeed("v1"))

	assert.NotEqual(t, a.Checksum(), b.Checksum())
	assert.NotEqual(t, a.Checksum(), c.Checksum())
	assert.NotEqual(t, b.Checksum(), c.Checksum())
}

func Test_App_Serialize_RendersDeclarationsLineByLine(t *testing.T) {
	serialized := buildCatalogApp(t).Serialize()

	assert.Contains(t, serialized, "app:name=catalog|seed=v1|prefix=|strict=false")
	assert.Contains(t, serialized, "route:0|GET /books|schema=none")
	assert.Contains(t, serialized, "route:1|GET /books/:id|schema=params=rules{id:required,numeric}")
	assert.Contains(t, serialized, "hook:request|0|scope=global|fn=")
	assert.Contains(t, serialized, "binding:0|decorate|name=region|value=\"eu-west\"")
	assert.Contains(t, serialized, "model:Book|rules{title:required}")
	assert.Contains(t, serialized, "status:OUT_OF_PRINT=410")
	assert.Contains(t, serialized, "state:warmed")
}

func Test_App_Checksum_RecomputesAfterRegistration(t *testing.T) {
	app := buildCatalogApp(t)
	before := app.Checksum()

	app.Get("/authors", okHandler)

	assert.NotEqual(t, before, app.Checksum())
}
