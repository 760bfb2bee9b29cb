package graft

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
)

// RequestInfo carries the transport-level facts of one incoming request into
// the pipeline. Transport engines fill it from their native request type;
// the body must already be fully read (the pipeline reads it exactly once,
// through this struct).
type RequestInfo struct {
	Method      string
	Path        string // matched route pattern, e.g. "/users/:id"
	RawPath     string // actual request path, e.g. "/users/42"
	Params      map[string]string
	Query       url.Values
	Header      http.Header
	Cookies     []*http.Cookie
	Body        []byte
	ContentType string // raw Content-Type header value, parameters included
	RemoteAddr  string
	Upgrade     *UpgradeCarrier
}

// UpgradeCarrier is the raw transport pair a connection-takeover handler
// (e.g. a websocket upgrade) needs. Transports that can hand the connection
// over place one in RequestInfo.Upgrade; the handler answers with a hijacked
// Response so the transport writes nothing afterwards.
type UpgradeCarrier struct {
	Writer  http.ResponseWriter
	Request *http.Request
}

// Context is the per-request state threaded through every pipeline stage and
// hook. One Context exists per request and is owned by that request's
// goroutine; the only state shared across requests is the Store.
type Context struct {
	ctx context.Context

	method      string
	routePath   string
	rawPath     string
	params      map[string]string
	query       url.Values
	header      http.Header
	rawCookies  []*http.Cookie
	cookies     map[string]string
	rawBody     []byte
	contentType string
	ctParams    map[string]string
	remoteAddr  string
	upgrade     *UpgradeCarrier

	body any

	status          int
	responseHeader  http.Header
	responseCookies []*http.Cookie

	slotIndex map[string]int // shared, read-only (owned by the composed handler)
	slots     []any
	extras    map[string]any

	store     *Store
	requestID uint64
}

// NewContext builds the pipeline context for one request. The request id is
// drawn from a process-wide monotonic counter and keys the trace span tree.
func NewContext(ctx context.Context, info RequestInfo) *Context {
	if ctx == nil {
		ctx = context.Background()
	}

	contentType := info.ContentType
	var ctParams map[string]string
	if contentType != "" {
		if mediaType, params, err := mime.ParseMediaType(contentType); err == nil {
			contentType = mediaType
			ctParams = params
		}
	}

	return &Context{
		ctx:         ctx,
		method:      info.Method,
		routePath:   info.Path,
		rawPath:     info.RawPath,
		params:      info.Params,
		query:       info.Query,
		header:      info.Header,
		rawCookies:  info.Cookies,
		rawBody:     info.Body,
		contentType: contentType,
		ctParams:    ctParams,
		remoteAddr:  info.RemoteAddr,
		upgrade:     info.Upgrade,
		requestID:   nextRequestID(),
	}
}

// RequestContext returns the request-scoped context.Context. Transport
// cancellation is advisory: the pipeline never aborts response production on
// it, but hooks doing I/O should pass this context along.
func (c *Context) RequestContext() context.Context {
	return c.ctx
}

// Method returns the HTTP method of the request.
func (c *Context) Method() string {
	return c.method
}

// Path returns the matched route pattern (with :name and * tokens).
func (c *Context) Path() string {
	return c.routePath
}

// RawPath returns the actual request path.
func (c *Context) RawPath() string {
	return c.rawPath
}

// RemoteAddr returns the transport-reported peer address.
func (c *Context) RemoteAddr() string {
	return c.remoteAddr
}

// Upgrade returns the transport's connection-takeover pair, nil when the
// transport cannot hand the connection over.
func (c *Context) Upgrade() *UpgradeCarrier {
	return c.upgrade
}

// RequestID returns the monotonically increasing id assigned to this
// request.
func (c *Context) RequestID() uint64 {
	return c.requestID
}

// Param returns the value of one path parameter.
func (c *Context) Param(name string) string {
	return c.params[name]
}

// Params returns all path parameters.
func (c *Context) Params() map[string]string {
	return c.params
}

// Query returns the first value of one query parameter.
func (c *Context) Query(name string) string {
	return c.query.Get(name)
}

// Queries returns all query parameters.
func (c *Context) Queries() url.Values {
	return c.query
}

// Header returns the first value of one request header.
func (c *Context) Header(name string) string {
	if c.header == nil {
		return ""
	}

	return c.header.Get(name)
}

// Headers returns all request headers.
func (c *Context) Headers() http.Header {
	return c.header
}

// Cookie returns the value of one request cookie. Signed cookies have been
// verified and stripped of their signature by the time any hook runs.
func (c *Context) Cookie(name string) (string, bool) {
	value, ok := c.cookies[name]

	return value, ok
}

// Cookies returns all request cookies as a name to value map.
func (c *Context) Cookies() map[string]string {
	return c.cookies
}

// Body returns the parsed request body (nil before the parse stage and for
// bodyless requests).
func (c *Context) Body() any {
	return c.body
}

// SetBody replaces the parsed body; transform hooks use this to reshape the
// value the handler receives.
func (c *Context) SetBody(body any) {
	c.body = body
}

// RawBody returns the unparsed request body bytes.
func (c *Context) RawBody() []byte {
	return c.rawBody
}

// ContentType returns the request's media type, without parameters.
func (c *Context) ContentType() string {
	return c.contentType
}

// SetStatus sets the response status; it overrides the default mapping's
// status when the pipeline produces the response.
func (c *Context) SetStatus(status int) {
	c.status = status
}

// Status returns the explicitly set response status, 0 when unset.
func (c *Context) Status() int {
	return c.status
}

// SetHeader stages a response header, replacing previous values for the key.
func (c *Context) SetHeader(key, value string) {
	if c.responseHeader == nil {
		c.responseHeader = make(http.Header)
	}
	c.responseHeader.Set(key, value)
}

// AddHeader stages an additional response header value for the key.
func (c *Context) AddHeader(key, value string) {
	if c.responseHeader == nil {
		c.responseHeader = make(http.Header)
	}
	c.responseHeader.Add(key, value)
}

// SetCookie stages a response cookie. Cookies whose names are registered
// with WithSignedCookies are signed when the response is finalized.
func (c *Context) SetCookie(cookie *http.Cookie) {
	c.responseCookies = append(c.responseCookies, cookie)
}

// Get returns a named context binding: a decorator value, a derive or
// resolve result, or a per-request value placed with Set. Derive values
// exist from the parse stage onward, resolve values from the transform stage
// onward.
func (c *Context) Get(name string) (any, bool) {
	if idx, ok := c.slotIndex[name]; ok && c.slots[idx] != nil {
		return c.slots[idx], true
	}

	value, ok := c.extras[name]

	return value, ok
}

// MustGet returns a named context binding and panics when it is absent; the
// pipeline converts the panic into an INTERNAL_SERVER_ERROR.
func (c *Context) MustGet(name string) any {
	value, ok := c.Get(name)
	if !ok {
		panic(fmt.Sprintf("context binding %q is not set", name))
	}

	return value
}

// Set places a per-request value under name. When name is a declared
// binding the slot is overwritten; otherwise the value lives in a
// request-local map.
func (c *Context) Set(name string, value any) {
	if idx, ok := c.slotIndex[name]; ok {
		c.slots[idx] = value
		return
	}

	if c.extras == nil {
		c.extras = make(map[string]any)
	}
	c.extras[name] = value
}

// Store returns the shared mutable state of the application tree serving
// this request.
func (c *Context) Store() *Store {
	return c.store
}
