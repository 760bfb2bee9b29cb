package ginengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"

	"github.com/graft-http/graft"
)

// json mirrors the encoder configuration of the core package so transport
// level error bodies look like pipeline-produced ones.
var json = jsoniter.ConfigFastest

const (
	defaultAddr         = ":3000"
	defaultMaxBodyBytes = 4 << 20

	shutdownTimeout = 10 * time.Second

	// syntheticWildcard names bare "*" segments for gin's router, which only
	// accepts named catch-alls. Requests see the original "*" key again.
	syntheticWildcard = "graftWildcard"

	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json; charset=utf-8"
	contentTypeText   = "text/plain; charset=utf-8"
	contentTypeBinary = "application/octet-stream"
)

var ErrNilApp = errors.New("nil application supplied")
var ErrWildcardNotLast = errors.New("wildcard segments must end the route path")

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// Server serves an application tree over HTTP through a gin engine. The
// engine carries no middleware; matching is its only job, and every matched
// request runs the application's own pipeline.
type Server struct {
	app    *graft.App
	engine *gin.Engine
	logger graft.Logger

	addr         string
	maxBodyBytes int64
	readTimeout  time.Duration
	writeTimeout time.Duration
	lazyCompose  bool

	mux  sync.Mutex
	http *http.Server
}

// wildcard maps gin's catch-all parameter key back to the pattern's own key.
type wildcard struct {
	ginKey string
	key    string
}

// NewServer binds the application's route table onto a fresh gin engine.
// Registration errors accumulated on the application fail construction, and
// unless lazy composition is requested every route is composed here so that
// schema problems surface before serving starts.
func NewServer(app *graft.App, options ...Option) (*Server, error) {
	if app == nil {
		return nil, ErrNilApp
	}
	if err := app.Err(); err != nil {
		return nil, fmt.Errorf("application has registration errors: %w", err)
	}

	s := &Server{
		app:          app,
		addr:         defaultAddr,
		maxBodyBytes: defaultMaxBodyBytes,
	}

	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}

	if !s.lazyCompose {
		if err := app.Compile(); err != nil {
			return nil, fmt.Errorf("composing routes: %w", err)
		}
	}

	s.engine = gin.New()

	if err := s.registerRoutes(); err != nil {
		return nil, err
	}

	s.engine.NoRoute(s.serveUnmatched)
	s.engine.NoMethod(s.serveUnmatched)

	return s, nil
}

// registerRoutes installs one gin handler per registered route. gin reports
// route-table conflicts by panicking; those become a constructor error.
func (s *Server) registerRoutes() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("registering routes: %v", r)
		}
	}()

	for _, route := range s.app.Routes() {
		pattern, wild, perr := ginPattern(route.Path())
		if perr != nil {
			return fmt.Errorf("route %s %s: %w", route.Method(), route.Path(), perr)
		}

		s.engine.Handle(route.Method(), pattern, s.serveRoute(route, wild))
	}

	return nil
}

// ginPattern converts a route pattern from the ":name"/"*" grammar into
// gin's, which requires catch-alls to be named and terminal. A bare "*"
// gets a synthetic name; the returned wildcard mapping restores the
// pattern's own parameter key when requests arrive.
func ginPattern(path string) (string, *wildcard, error) {
	segments := strings.Split(path, "/")

	var wild *wildcard
	for i, segment := range segments {
		if !strings.HasPrefix(segment, "*") {
			continue
		}
		if i != len(segments)-1 {
			return "", nil, ErrWildcardNotLast
		}

		if name := segment[1:]; name == "" {
			segments[i] = "*" + syntheticWildcard
			wild = &wildcard{ginKey: syntheticWildcard, key: "*"}
		} else {
			wild = &wildcard{ginKey: name, key: name}
		}
	}

	return strings.Join(segments, "/"), wild, nil
}

// serveRoute adapts one matched request into the pipeline and commits the
// pipeline's response to the wire.
func (s *Server) serveRoute(route *graft.Route, wild *wildcard) gin.HandlerFunc {
	pattern := route.Path()

	return func(gc *gin.Context) {
		body, err := s.readBody(gc)
		if err != nil {
			s.rejectBody(gc, err)
			return
		}

		info := graft.RequestInfo{
			Method:      gc.Request.Method,
			Path:        pattern,
			RawPath:     gc.Request.URL.Path,
			Params:      adaptParams(gc.Params, wild),
			Query:       gc.Request.URL.Query(),
			Header:      gc.Request.Header,
			Cookies:     gc.Request.Cookies(),
			Body:        body,
			ContentType: gc.GetHeader(headerContentType),
			RemoteAddr:  gc.Request.RemoteAddr,
			Upgrade:     &graft.UpgradeCarrier{Writer: gc.Writer, Request: gc.Request},
		}

		res := route.Execute(graft.NewContext(gc.Request.Context(), info))
		s.writeResponse(gc, res)
	}
}

// serveUnmatched answers requests no route (or no method) matched through
// the application's NOT_FOUND path.
func (s *Server) serveUnmatched(gc *gin.Context) {
	body, err := s.readBody(gc)
	if err != nil {
		s.rejectBody(gc, err)
		return
	}

	info := graft.RequestInfo{
		Method:      gc.Request.Method,
		RawPath:     gc.Request.URL.Path,
		Query:       gc.Request.URL.Query(),
		Header:      gc.Request.Header,
		Cookies:     gc.Request.Cookies(),
		Body:        body,
		ContentType: gc.GetHeader(headerContentType),
		RemoteAddr:  gc.Request.RemoteAddr,
	}

	res := s.app.NotFound(graft.NewContext(gc.Request.Context(), info))
	s.writeResponse(gc, res)
}

// adaptParams converts gin's parameter list into the pipeline's map form.
// Catch-all captures lose gin's leading slash and reappear under the
// pattern's own key.
func adaptParams(ginParams gin.Params, wild *wildcard) map[string]string {
	params := make(map[string]string, len(ginParams))
	for _, p := range ginParams {
		if wild != nil && p.Key == wild.ginKey {
			params[wild.key] = strings.TrimPrefix(p.Value, "/")
			continue
		}
		params[p.Key] = p.Value
	}

	return params
}

// readBody drains the request body into memory, capped at the configured
// limit. The pipeline parses from these bytes exactly once.
func (s *Server) readBody(gc *gin.Context) ([]byte, error) {
	if gc.Request.Body == nil || gc.Request.Body == http.NoBody {
		return nil, nil
	}

	reader := http.MaxBytesReader(gc.Writer, gc.Request.Body, s.maxBodyBytes)
	defer func() { _ = reader.Close() }()

	return io.ReadAll(reader)
}

// rejectBody answers a failed body read at the transport level; the pipeline
// never starts because it requires the body fully in memory.
func (s *Server) rejectBody(gc *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.logWarn(logMsgBodyLimitExceeded,
			logAttrMethod, gc.Request.Method, logAttrPath, gc.Request.URL.Path,
			logAttrLimit, tooLarge.Limit)
		writeError(gc, http.StatusRequestEntityTooLarge, "request body exceeds the configured limit")

		return
	}

	s.logWarn(logMsgBodyReadFailed,
		logAttrMethod, gc.Request.Method, logAttrPath, gc.Request.URL.Path,
		logAttrError, err.Error())
	writeError(gc, http.StatusBadRequest, "reading the request body failed")
}

// writeResponse commits a pipeline response to the wire: headers first, then
// cookies, then status and the encoded body. Statuses that forbid a body are
// respected even when the pipeline produced one. Hijacked responses already
// own the connection and are not written at all.
func (s *Server) writeResponse(gc *gin.Context, res *graft.Response) {
	if res.Hijacked {
		return
	}

	header := gc.Writer.Header()
	for key, values := range res.Header {
		for _, value := range values {
			header.Add(key, value)
		}
	}

	for _, cookie := range res.Cookies {
		if cookie != nil {
			http.SetCookie(gc.Writer, cookie)
		}
	}

	body, err := res.EncodeBody()
	if err != nil {
		s.logError(logMsgEncodeFailed, err,
			logAttrMethod, gc.Request.Method, logAttrPath, gc.Request.URL.Path)
		header.Set(headerContentType, contentTypeText)
		gc.Writer.WriteHeader(http.StatusInternalServerError)
		_, _ = gc.Writer.Write([]byte("response encoding failed"))

		return
	}

	if len(body) > 0 && header.Get(headerContentType) == "" {
		header.Set(headerContentType, contentTypeFor(res.Body))
	}

	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	gc.Writer.WriteHeader(status)

	if len(body) == 0 || !bodyAllowedForStatus(status) {
		return
	}
	_, _ = gc.Writer.Write(body)
}

func writeError(gc *gin.Context, status int, message string) {
	body, _ := json.Marshal(map[string]string{"code": graft.CodeParse, "message": message})

	gc.Writer.Header().Set(headerContentType, contentTypeJSON)
	gc.Writer.WriteHeader(status)
	_, _ = gc.Writer.Write(body)
}

func contentTypeFor(body any) string {
	switch body.(type) {
	case []byte:
		return contentTypeBinary
	case string:
		return contentTypeText
	default:
		return contentTypeJSON
	}
}

// bodyAllowedForStatus mirrors the statuses net/http refuses to write bodies
// for.
func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent:
		return false
	case status == http.StatusNotModified:
		return false
	}

	return true
}

/***** lifecycle *****/

// Listen serves the application on the configured address until the context
// is canceled or Shutdown is called. Start hooks run before the listener
// opens and abort serving on failure; stop hooks always run on the way out.
func (s *Server) Listen(ctx context.Context) error {
	s.app.Freeze()

	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.engine,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}
	s.mux.Lock()
	s.http = server
	s.mux.Unlock()

	if err := s.app.RunStart(ctx); err != nil {
		return fmt.Errorf("start hooks: %w", err)
	}

	s.logInfo(logMsgServerStarting, logAttrAddr, s.addr, logAttrApp, s.app.Name())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	var err error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = server.Shutdown(shutdownCtx)
		<-serveErr
	case err = <-serveErr:
	}

	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	s.logInfo(logMsgServerStopped, logAttrAddr, s.addr, logAttrApp, s.app.Name())

	return errors.Join(err, s.app.RunStop(context.Background()))
}

// Shutdown gracefully stops an active listener. It is the programmatic
// equivalent of canceling the Listen context.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mux.Lock()
	server := s.http
	s.mux.Unlock()

	if server == nil {
		return nil
	}

	return server.Shutdown(ctx)
}

// Handler exposes the engine as an http.Handler, for tests and for embedding
// into an existing server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Compile composes every route ahead of serving. NewServer already does this
// unless lazy composition was requested.
func (s *Server) Compile() error {
	return s.app.Compile()
}

// App returns the served application.
func (s *Server) App() *graft.App {
	return s.app
}
