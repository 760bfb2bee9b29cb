package graft_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graft-http/graft"
)

//nolint:funlen
func Test_App_RegistrationErrors(t *testing.T) {
	tests := []struct {
		name    string
		build   func(t *testing.T) *graft.App
		wantErr error
	}{
		{
			name: "nil_handler_is_rejected",
			build: func(t *testing.T) *graft.App {
				return newApp(t).Get("/things", nil)
			},
			wantErr: graft.ErrNilHandler,
		},
		{
			name: "empty_path_is_rejected",
			build: func(t *testing.T) *graft.App {
				return newApp(t).Get("", okHandler)
			},
			wantErr: graft.ErrEmptyRoutePath,
		},
		{
			name: "duplicate_method_and_path_is_rejected",
			build: func(t *testing.T) *graft.App {
				return newApp(t).
					Get("/things", okHandler).
					Get("/things", okHandler)
			},
			wantErr: graft.ErrDuplicateRoute,
		},
		{
			name: "trailing_slash_collides_after_normalization",
			build: func(t *testing.T) *graft.App {
				return newApp(t).
					Get("/things", okHandler).
					Get("/things/", okHandler)
			},
			wantErr: graft.ErrDuplicateRoute,
		},
		{
			name: "nil_hook_is_rejected",
			build: func(t *testing.T) *graft.App {
				return newApp(t).OnRequest(nil)
			},
			wantErr: graft.ErrNilHook,
		},
		{
			name: "unknown_macro_is_rejected",
			build: func(t *testing.T) *graft.App {
				return newApp(t).Get("/things", okHandler,
					graft.WithMacro("doesNotExist", nil))
			},
			wantErr: graft.ErrUnknownMacro,
		},
		{
			name: "failing_macro_expansion_is_rejected",
			build: func(t *testing.T) *graft.App {
				app := newApp(t).Macro("strict", func(params any, m *graft.MacroManager) error {
					return errors.New("bad params")
				})
				return app.Get("/things", okHandler, graft.WithMacro("strict", 42))
			},
			wantErr: graft.ErrMacroExpansion,
		},
		{
			name: "error_code_redefined_with_different_status",
			build: func(t *testing.T) *graft.App {
				return newApp(t).
					DefineError("TEAPOT", http.StatusTeapot).
					DefineError("TEAPOT", http.StatusConflict)
			},
			wantErr: graft.ErrDuplicateErrorCode,
		},
		{
			name: "empty_binding_name_is_rejected",
			build: func(t *testing.T) *graft.App {
				return newApp(t).Decorate("", "value")
			},
			wantErr: graft.ErrEmptyBindingName,
		},
		{
			name: "nil_derive_function_is_rejected",
			build: func(t *testing.T) *graft.App {
				return newApp(t).Derive("who", nil)
			},
			wantErr: graft.ErrNilHook,
		},
		{
			name: "nil_child_mount_is_rejected",
			build: func(t *testing.T) *graft.App {
				return newApp(t).Use(nil)
			},
			wantErr: graft.ErrNilChildApp,
		},
		{
			name: "invalid_rule_expression_fails_composition",
			build: func(t *testing.T) *graft.App {
				app := newApp(t).Get("/things", okHandler,
					graft.WithSchema(graft.Schema{
						Query: graft.Rules{"page": "definitely_not_a_rule"},
					}))
				assert.Error(t, app.Compile())
				return app
			},
			wantErr: nil, // surfaced by Compile, not Err
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			app := tc.build(t)
			if tc.wantErr == nil {
				return
			}
			require.Error(t, app.Err())
			assert.ErrorIs(t, app.Err(), tc.wantErr)
		})
	}
}

func Test_App_ErrorCodeRedefinedWithSameStatus_IsNoOp(t *testing.T) {
	app := newApp(t).
		DefineError("TEAPOT", http.StatusTeapot).
		DefineError("TEAPOT", http.StatusTeapot)

	assert.NoError(t, app.Err())
}

//nolint:funlen
func Test_App_On_AcceptsMatchingSignatures(t *testing.T) {
	app := newApp(t)

	app.On(graft.EventStart, func(ctx context.Context, a *graft.App) error { return nil })
	app.On(graft.EventStop, func(ctx context.Context, a *graft.App) error { return nil })
	app.On(graft.EventRequest, func(c *graft.Context) (any, error) { return nil, nil })
	app.On(graft.EventParse, func(c *graft.Context, contentType string) (any, error) { return nil, nil })
	app.On(graft.EventTransform, func(c *graft.Context) error { return nil })
	app.On(graft.EventBeforeHandle, func(c *graft.Context) (any, error) { return nil, nil })
	app.On(graft.EventAfterHandle, func(c *graft.Context, value any) (any, error) { return nil, nil })
	app.On(graft.EventMapResponse, func(c *graft.Context, value any) (any, error) { return nil, nil })
	app.On(graft.EventResponse, func(c *graft.Context, res *graft.Response) error { return nil })
	app.On(graft.EventError, func(c *graft.Context, failure *graft.Error) (any, error) { return nil, nil })

	assert.NoError(t, app.Err())
}

func Test_App_On_RejectsBadRegistrations(t *testing.T) {
	tests := []struct {
		name    string
		build   func(t *testing.T) *graft.App
		wantErr error
	}{
		{
			name: "unknown_event",
			build: func(t *testing.T) *graft.App {
				return newApp(t).On("bogus", func(c *graft.Context) (any, error) { return nil, nil })
			},
			wantErr: graft.ErrUnknownEvent,
		},
		{
			name: "signature_mismatch",
			build: func(t *testing.T) *graft.App {
				return newApp(t).On(graft.EventTransform, func(c *graft.Context) (any, error) { return nil, nil })
			},
			wantErr: graft.ErrHookSignature,
		},
		{
			name: "non_function_value",
			build: func(t *testing.T) *graft.App {
				return newApp(t).On(graft.EventRequest, 42)
			},
			wantErr: graft.ErrHookSignature,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			app := tc.build(t)
			require.Error(t, app.Err())
			assert.ErrorIs(t, app.Err(), tc.wantErr)
		})
	}
}

func Test_App_MethodHelpers_RegisterTheirVerb(t *testing.T) {
	app := newApp(t).
		Get("/r", okHandler).
		Post("/r", okHandler).
		Put("/r", okHandler).
		Patch("/r", okHandler).
		Delete("/r", okHandler).
		Head("/r", okHandler).
		Options("/r", okHandler)

	require.NoError(t, app.Err())

	methods := make(map[string]bool)
	for _, route := range app.Routes() {
		methods[route.Method()] = true
	}

	for _, want := range []string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodHead, http.MethodOptions,
	} {
		assert.True(t, methods[want], "missing %s registration", want)
	}
}

func Test_App_PrefixAppliesToDeclaredRoutes(t *testing.T) {
	app := newApp(t, graft.WithPrefix("/api")).Get("/users", okHandler)

	require.NoError(t, app.Err())
	assert.Equal(t, "/api/users", app.Routes()[0].Path())
}

func Test_App_FreezesOnFirstRequest(t *testing.T) {
	app := newApp(t).Get("/things", okHandler)

	res := execute(t, app, newRequest(http.MethodGet, "/things"))
	require.Equal(t, http.StatusOK, res.Status)
	require.True(t, app.Frozen())

	app.Get("/more", okHandler)
	assert.ErrorIs(t, app.Err(), graft.ErrAppFrozen)
	assert.Len(t, app.Routes(), 1)
}

func Test_App_RunStart_AbortsOnFirstFailure(t *testing.T) {
	var order []string

	app := newApp(t).
		OnStart(func(ctx context.Context, a *graft.App) error {
			order = append(order, "first")
			return nil
		}).
		OnStart(func(ctx context.Context, a *graft.App) error {
			order = append(order, "second")
			return errors.New("boom")
		}).
		OnStart(func(ctx context.Context, a *graft.App) error {
			order = append(order, "third")
			return nil
		})

	err := app.RunStart(context.Background())

	require.Error(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
}

func Test_App_RunStop_RunsEveryHookAndJoinsFailures(t *testing.T) {
	var order []string
	first := errors.New("first failure")
	second := errors.New("second failure")

	app := newApp(t).
		OnStop(func(ctx context.Context, a *graft.App) error {
			order = append(order, "one")
			return first
		}).
		OnStop(func(ctx context.Context, a *graft.App) error {
			order = append(order, "two")
			return second
		})

	err := app.RunStop(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
	assert.Equal(t, []string{"one", "two"}, order)
}

func Test_App_Compile_SurfacesAccumulatedErrors(t *testing.T) {
	app := newApp(t).Get("/things", nil)

	err := app.Compile()

	require.Error(t, err)
	assert.ErrorIs(t, err, graft.ErrNilHandler)
}

func Test_App_State_SeedsTheSharedStore(t *testing.T) {
	app := newApp(t).State("counter", 7)

	value, ok := app.Store().Get("counter")
	require.True(t, ok)
	assert.Equal(t, 7, value)
}
