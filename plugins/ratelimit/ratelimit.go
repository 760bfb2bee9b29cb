// Package ratelimit provides a mountable application that registers a
// rateLimit macro backed by token buckets.
//
// Mount it with Use before declaring routes, then attach the macro where
// needed:
//
//	plugin, _ := ratelimit.New()
//	app.Use(plugin)
//	app.Post("/books", addBook,
//		graft.WithMacro(ratelimit.MacroName, ratelimit.Params{PerSecond: 5, Burst: 10}))
//
// Expansion creates one limiter per route declaration, so routes sharing the
// macro never share a bucket. Exhausted routes answer with the RATE_LIMITED
// code, mapped to HTTP 429.
package ratelimit

import (
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/graft-http/graft"
)

const (
	// MacroName attaches the limiter to a route declaration.
	MacroName = "rateLimit"

	// Code is the error code exhausted routes answer with.
	Code = "RATE_LIMITED"

	pluginName = "graft.ratelimit"
)

// Params configures the rateLimit macro at a route declaration.
type Params struct {
	// PerSecond is the sustained refill rate of the bucket.
	PerSecond float64

	// Burst is the bucket capacity, the number of requests allowed at once.
	Burst int
}

// New builds the plugin application carrying the macro and its error code.
func New() (*graft.App, error) {
	app, err := graft.New(graft.WithName(pluginName))
	if err != nil {
		return nil, err
	}

	app.DefineError(Code, http.StatusTooManyRequests)
	app.Macro(MacroName, expand)

	return app, app.Err()
}

func expand(params any, m *graft.MacroManager) error {
	p, err := coerceParams(params)
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Limit(p.PerSecond), p.Burst)

	m.OnBeforeHandle(func(c *graft.Context) (any, error) {
		if !limiter.Allow() {
			return nil, graft.Fail(Code, "rate limit exceeded")
		}

		return nil, nil
	})

	return nil
}

func coerceParams(params any) (Params, error) {
	var p Params

	switch v := params.(type) {
	case Params:
		p = v
	case *Params:
		if v == nil {
			return p, fmt.Errorf("%s: nil params", MacroName)
		}
		p = *v
	default:
		return p, fmt.Errorf("%s: params are %T, want %T", MacroName, params, p)
	}

	if p.PerSecond <= 0 {
		return p, fmt.Errorf("%s: per-second rate %v is not positive", MacroName, p.PerSecond)
	}
	if p.Burst < 1 {
		return p, fmt.Errorf("%s: burst %d is below 1", MacroName, p.Burst)
	}

	return p, nil
}
