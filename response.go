package graft

import (
	"fmt"
	"net/http"
)

const (
	headerContentType = "Content-Type"

	contentTypeJSON   = "application/json; charset=utf-8"
	contentTypeText   = "text/plain; charset=utf-8"
	contentTypeBinary = "application/octet-stream"
)

// Response is the transport-level result of one pipeline run. The Body is
// kept as the value the pipeline produced; transports encode it according to
// the Content-Type header (raw for []byte, verbatim for string, JSON
// otherwise).
//
// Hijacked marks a response whose connection was taken over by the handler
// (e.g. a websocket upgrade); transports must not write anything for it.
type Response struct {
	Status   int
	Header   http.Header
	Cookies  []*http.Cookie
	Body     any
	Hijacked bool
}

// NewResponse creates a response with the given status and body and an empty
// header map. Handlers and mapResponse hooks return it to take full control
// of the transport result.
func NewResponse(status int, body any) *Response {
	return &Response{
		Status: status,
		Header: make(http.Header),
		Body:   body,
	}
}

// WithHeader sets a header on the response and returns it for chaining.
func (r *Response) WithHeader(key, value string) *Response {
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Header.Set(key, value)

	return r
}

// EncodeBody renders the response body to bytes according to its
// Content-Type: raw bytes and strings pass through, everything else is
// JSON-encoded. A nil body yields nil.
func (r *Response) EncodeBody() ([]byte, error) {
	switch body := r.Body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return body, nil
	case string:
		return []byte(body), nil
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding response body: %w", err)
		}

		return encoded, nil
	}
}

// mapToResponse applies the default mapping from an arbitrary pipeline value
// to a transport response: *Response passes through, nil becomes 204 with an
// empty body, strings become text/plain, []byte becomes octet-stream, and
// any other value is served as JSON. Headers and cookies staged on the
// context are applied in all cases; an explicit status set on the context
// overrides the default.
func mapToResponse(c *Context, value any) *Response {
	var res *Response

	switch v := value.(type) {
	case *Response:
		res = v
		if res.Header == nil {
			res.Header = make(http.Header)
		}

	case nil:
		res = NewResponse(http.StatusNoContent, nil)

	case string:
		res = NewResponse(http.StatusOK, v)
		res.Header.Set(headerContentType, contentTypeText)

	case []byte:
		res = NewResponse(http.StatusOK, v)
		res.Header.Set(headerContentType, contentTypeBinary)

	default:
		res = NewResponse(http.StatusOK, v)
		res.Header.Set(headerContentType, contentTypeJSON)
	}

	if status := c.Status(); status != 0 {
		res.Status = status
	}

	for key, values := range c.responseHeader {
		for _, value := range values {
			res.Header.Add(key, value)
		}
	}

	res.Cookies = append(res.Cookies, c.responseCookies...)

	return res
}

// errorResponse renders a classified failure through the default code to
// status/body mapping. Used when no error hook recovers.
func errorResponse(c *Context, failure *Error, statuses map[string]int) *Response {
	status := failure.Status
	if status == 0 {
		if custom, ok := statuses[failure.Code]; ok {
			status = custom
		} else {
			status = defaultStatusForCode(failure.Code)
		}
	}

	body := map[string]any{
		"code":    failure.Code,
		"message": failure.Message,
	}
	if len(failure.Faults) > 0 {
		faults := make([]map[string]string, 0, len(failure.Faults))
		for _, f := range failure.Faults {
			faults = append(faults, map[string]string{"path": f.Path, "message": f.Message})
		}
		body["faults"] = faults
	}

	res := NewResponse(status, body)
	res.Header.Set(headerContentType, contentTypeJSON)

	for key, values := range c.responseHeader {
		for _, value := range values {
			res.Header.Add(key, value)
		}
	}

	res.Cookies = append(res.Cookies, c.responseCookies...)

	return res
}
