// Package requestid provides a mountable application that assigns every
// request a unique id and echoes it on the response.
//
// Mount it with Use before declaring routes. The id is a derive binding and
// the echo a global scoped hook, so both cover every route of the mounting
// tree, and the plugin's checksum identity keeps a twice-mounted instance
// from assigning twice.
//
//	plugin, _ := requestid.New()
//	app.Use(plugin)
//	app.Get("/work", func(c *graft.Context) (any, error) {
//		id, _ := requestid.FromContext(c)
//		...
//	})
package requestid

import (
	"errors"

	"github.com/google/uuid"

	"github.com/graft-http/graft"
)

const (
	// DefaultHeader carries the id on requests and responses.
	DefaultHeader = "X-Request-ID"

	// Binding is the context name the id is readable under.
	Binding = "requestID"

	pluginName = "graft.requestid"
)

type config struct {
	header    string
	generator func() string
}

// Option defines a functional option for configuring the plugin.
type Option func(*config) error

// WithHeader changes the request and response header carrying the id. The
// header also seeds the plugin identity, so instances with different headers
// never deduplicate against each other.
func WithHeader(name string) Option {
	return func(cfg *config) error {
		if name == "" {
			return errors.New("empty request id header supplied")
		}

		cfg.header = name

		return nil
	}
}

// WithGenerator replaces the id generator. The default produces UUIDs.
func WithGenerator(generate func() string) Option {
	return func(cfg *config) error {
		if generate == nil {
			return errors.New("nil request id generator supplied")
		}

		cfg.generator = generate

		return nil
	}
}

// New builds the plugin application. A request that already carries the id
// header keeps its inbound value; everything else gets a generated one. The
// response always echoes the id, also on the not-found path.
func New(opts ...Option) (*graft.App, error) {
	cfg := config{header: DefaultHeader, generator: uuid.NewString}

	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	app, err := graft.New(
		graft.WithName(pluginName),
		graft.WithSeed(cfg.header),
	)
	if err != nil {
		return nil, err
	}

	// Mounting unions the binding into the parent, so every matched route
	// of the tree derives the id as a slot.
	app.Derive(Binding, func(c *graft.Context) (any, error) {
		return idFor(c, cfg), nil
	})

	// Unmatched requests never run derives, so the echo assigns an id of
	// its own when none exists yet.
	app.OnResponse(func(c *graft.Context, res *graft.Response) error {
		id, ok := FromContext(c)
		if !ok {
			id = idFor(c, cfg)
			c.Set(Binding, id)
		}

		res.Header.Set(cfg.header, id)

		return nil
	}, graft.WithScope(graft.ScopeGlobal))

	return app, app.Err()
}

// FromContext returns the id assigned to the request, false when the plugin
// is not mounted or the request never entered the hook stages.
func FromContext(c *graft.Context) (string, bool) {
	value, ok := c.Get(Binding)
	if !ok {
		return "", false
	}

	id, ok := value.(string)

	return id, ok && id != ""
}

func idFor(c *graft.Context, cfg config) string {
	if inbound := c.Header(cfg.header); inbound != "" {
		return inbound
	}

	return cfg.generator()
}
