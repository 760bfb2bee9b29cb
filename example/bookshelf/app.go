package bookshelf

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/graft-http/graft"
	"github.com/graft-http/graft/plugins/ratelimit"
	"github.com/graft-http/graft/plugins/requestid"

	"github.com/graft-http/graft/example/bookshelf/storage"
)

// Version reported by the health endpoint.
const Version = "0.1.0"

// Error codes of the shelf domain, registered with their HTTP statuses.
const (
	CodeBookNotFound  = "BOOK_NOT_FOUND"
	CodeShelfConflict = "SHELF_CONFLICT"
)

// SessionCookie is the signed cookie that pins a browsing session.
const SessionCookie = "bookshelf_session"

const (
	modelNewBook   = "newBook"
	bindSession    = "session"
	bindVersion    = "version"
	stateStartedAt = "startedAt"

	defaultMutationRate  = 5.0
	defaultMutationBurst = 10
)

// Shelf is the storage contract the handlers work against.
type Shelf interface {
	List(ctx context.Context, limit uint) ([]storage.Book, error)
	Find(ctx context.Context, id string) (storage.Book, error)
	Add(ctx context.Context, book storage.Book) error
	Remove(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)
}

// NewBook is the payload accepted by the book creation route, registered as
// the newBook model. An absent id is assigned by the server.
type NewBook struct {
	ID     string `json:"id" validate:"omitempty,uuid4"`
	Title  string `json:"title" validate:"required,min=1,max=200"`
	Author string `json:"author" validate:"required,min=1,max=120"`
	Year   int    `json:"year" validate:"required,gte=1450,lte=2100"`
}

// Session identifies one browsing session, pinned by a signed cookie.
type Session struct {
	ID  string `json:"id"`
	New bool   `json:"new"`
}

type appConfig struct {
	logger        graft.Logger
	metrics       graft.MetricsCollector
	traceSinks    []graft.TraceSink
	cookieSecrets []string
	mutationRate  float64
	mutationBurst int
}

// Option defines a functional option for configuring the bookshelf application.
type Option func(*appConfig) error

// WithLogger sets the logger for registration diagnostics and pipeline
// error reporting.
func WithLogger(logger graft.Logger) Option {
	return func(cfg *appConfig) error {
		if logger == nil {
			return errors.New("nil logger supplied")
		}

		cfg.logger = logger

		return nil
	}
}

// WithMetrics sets the collector receiving request metrics and the shelf
// size gauge.
func WithMetrics(collector graft.MetricsCollector) Option {
	return func(cfg *appConfig) error {
		if collector == nil {
			return errors.New("nil metrics collector supplied")
		}

		cfg.metrics = collector

		return nil
	}
}

// WithTraceSinks attaches trace sinks observing the request pipeline.
func WithTraceSinks(sinks ...graft.TraceSink) Option {
	return func(cfg *appConfig) error {
		for _, sink := range sinks {
			if sink == nil {
				return errors.New("nil trace sink supplied")
			}
		}

		cfg.traceSinks = append(cfg.traceSinks, sinks...)

		return nil
	}
}

// WithCookieSecrets enables session cookie signing. The first secret signs,
// all verify, so rotation keeps older sessions valid.
func WithCookieSecrets(secrets ...string) Option {
	return func(cfg *appConfig) error {
		if len(secrets) == 0 {
			return errors.New("no cookie secrets supplied")
		}

		cfg.cookieSecrets = secrets

		return nil
	}
}

// WithMutationRate overrides the default rate limit applied to the mutating
// routes.
func WithMutationRate(perSecond float64, burst int) Option {
	return func(cfg *appConfig) error {
		if perSecond <= 0 {
			return errors.New("mutation rate must be positive")
		}
		if burst < 1 {
			return errors.New("mutation burst must be at least 1")
		}

		cfg.mutationRate = perSecond
		cfg.mutationBurst = burst

		return nil
	}
}

// NewApp assembles the bookshelf application: REST routes over the shelf, a
// websocket feed of shelf changes, and a session pinned by a signed cookie.
func NewApp(shelf Shelf, opts ...Option) (*graft.App, error) {
	if shelf == nil {
		return nil, errors.New("nil shelf supplied")
	}

	cfg := appConfig{
		mutationRate:  defaultMutationRate,
		mutationBurst: defaultMutationBurst,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	appOpts := []graft.Option{graft.WithName("bookshelf")}
	if cfg.logger != nil {
		appOpts = append(appOpts, graft.WithLogger(cfg.logger))
	}
	if cfg.metrics != nil {
		appOpts = append(appOpts, graft.WithMetrics(cfg.metrics))
	}
	if len(cfg.cookieSecrets) > 0 {
		appOpts = append(appOpts,
			graft.WithCookieSecret(cfg.cookieSecrets...),
			graft.WithSignedCookies(SessionCookie))
	}

	app, err := graft.New(appOpts...)
	if err != nil {
		return nil, err
	}

	for _, sink := range cfg.traceSinks {
		app.Trace(sink)
	}

	// Plugins must be mounted before the routes that use their macros.
	ids, err := requestid.New()
	if err != nil {
		return nil, err
	}
	app.Use(ids)

	limiter, err := ratelimit.New()
	if err != nil {
		return nil, err
	}
	app.Use(limiter)

	app.DefineError(CodeBookNotFound, http.StatusNotFound)
	app.DefineError(CodeShelfConflict, http.StatusConflict)

	app.Model(modelNewBook, NewBook{})

	app.Decorate(bindVersion, Version)
	app.State(stateStartedAt, time.Now().UTC())
	app.Derive(bindSession, bindSessionCookie)

	// Every route registered below accepts an optional pretty query flag
	// unless it declares its own query slot.
	app.Guard(graft.Schema{
		Query: graft.Rules{"pretty": "omitempty,boolean"},
	})

	feedChecker, err := graft.NewValidatorCompiler(nil).Compile(FeedEvent{})
	if err != nil {
		return nil, err
	}

	h := handlers{
		shelf:       shelf,
		feed:        NewFeed(),
		feedChecker: feedChecker,
		metrics:     cfg.metrics,
	}

	mutationLimit := ratelimit.Params{
		PerSecond: cfg.mutationRate,
		Burst:     cfg.mutationBurst,
	}

	app.Get("/healthz", h.health)
	app.Get("/books", h.listBooks,
		graft.WithSchema(graft.Schema{
			Query: graft.Rules{"limit": "omitempty,number"},
		}))
	app.Get("/books/:id", h.getBook,
		graft.WithSchema(graft.Schema{
			Params: graft.Rules{"id": "required,uuid4"},
		}))
	app.Post("/books", h.addBook,
		graft.WithSchema(graft.Schema{Body: graft.Ref(modelNewBook)}),
		graft.WithMacro(ratelimit.MacroName, mutationLimit))
	app.Delete("/books/:id", h.removeBook,
		graft.WithSchema(graft.Schema{
			Params: graft.Rules{"id": "required,uuid4"},
		}),
		graft.WithMacro(ratelimit.MacroName, mutationLimit))
	app.Get("/feed", h.feedRoute())

	// Friendlier body for throttled mutations. The plugin already maps the
	// code to 429.
	app.OnError(recoverRateLimited, graft.ForCodes(ratelimit.Code))

	return app, app.Err()
}

// bindSessionCookie pins a session id to the request. New sessions stage the
// cookie here so it is signed together with the rest of the response cookies.
func bindSessionCookie(c *graft.Context) (any, error) {
	if value, ok := c.Cookie(SessionCookie); ok && value != "" {
		return Session{ID: value}, nil
	}

	session := Session{ID: uuid.NewString(), New: true}
	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return session, nil
}

func recoverRateLimited(c *graft.Context, failure *graft.Error) (any, error) {
	c.SetStatus(http.StatusTooManyRequests)
	c.SetHeader("Retry-After", "1")

	return map[string]any{
		"code":    failure.Code,
		"message": "too many shelf changes, slow down",
	}, nil
}
