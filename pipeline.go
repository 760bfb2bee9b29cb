package graft

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxMultipartMemory bounds in-memory multipart form parsing; larger file
// parts spill to disk exactly as net/http does.
const maxMultipartMemory = 32 << 20

// serve runs the full pipeline for one matched request. The stage order is
// fixed: request, parse, derive, validate, resolve, transform, beforeHandle,
// handle, validateResponse, afterHandle, mapResponse, with onResponse
// observing the outcome last. Any failure diverts to the error stage; any
// panic is contained and classified as INTERNAL_SERVER_ERROR.
func (ch *composedHandler) serve(c *Context) (res *Response) {
	c.store = ch.app.store
	if len(ch.slotIndex) > 0 {
		c.slotIndex = ch.slotIndex
		c.slots = make([]any, len(ch.slotIndex))
		for _, d := range ch.decorators {
			c.slots[d.idx] = d.value
		}
	}

	tr := newTracer(c, ch.sinks)
	started := time.Now()
	var failure *Error

	defer func() {
		if r := recover(); r != nil {
			failure = internalError(fmt.Errorf("panic: %v", r))
			res, failure = ch.dispatchError(c, tr, failure)
		}
		ch.signResponseCookies(res)
		ch.runResponseHooks(c, tr, res)
		tr.finish(errOrNil(failure))
		ch.recordMetrics(c, started, res)
	}()

	res, failure = ch.pipeline(c, tr)

	return res
}

// serveNotFound runs the degenerate pipeline for an unmatched request:
// straight to the error stage with a NOT_FOUND failure, then onResponse.
func (ch *composedHandler) serveNotFound(c *Context) (res *Response) {
	c.store = ch.app.store

	tr := newTracer(c, ch.sinks)
	started := time.Now()
	failure := notFoundError(c.Method(), c.RawPath())

	defer func() {
		if r := recover(); r != nil {
			failure = internalError(fmt.Errorf("panic: %v", r))
			res = errorResponse(c, failure, ch.statuses)
		}
		ch.signResponseCookies(res)
		ch.runResponseHooks(c, tr, res)
		tr.finish(errOrNil(failure))
		ch.recordMetrics(c, started, res)
	}()

	res, failure = ch.dispatchError(c, tr, failure)

	return res
}

// pipeline walks the stages in order and returns the mapped response plus
// the failure the request ended with (nil on success or recovery).
func (ch *composedHandler) pipeline(c *Context, tr *tracer) (*Response, *Error) {
	if ferr := ch.collectCookies(c); ferr != nil {
		return ch.dispatchError(c, tr, ferr)
	}

	// request: may short-circuit everything but response mapping
	value, ferr := ch.runRequestHooks(c, tr)
	if ferr != nil {
		return ch.dispatchError(c, tr, ferr)
	}
	if value != nil {
		return ch.shortCircuit(c, tr, value)
	}

	if ferr := ch.runParse(c, tr); ferr != nil {
		return ch.dispatchError(c, tr, ferr)
	}

	if ferr := ch.runBindings(c, tr, SpanDerive, ch.derives); ferr != nil {
		return ch.dispatchError(c, tr, ferr)
	}

	if ferr := ch.runValidation(c, tr); ferr != nil {
		return ch.dispatchError(c, tr, ferr)
	}

	if ferr := ch.runBindings(c, tr, SpanResolve, ch.resolves); ferr != nil {
		return ch.dispatchError(c, tr, ferr)
	}

	if ferr := ch.runTransform(c, tr); ferr != nil {
		return ch.dispatchError(c, tr, ferr)
	}

	// beforeHandle: may short-circuit past the handler
	value, ferr = ch.runBeforeHandle(c, tr)
	if ferr != nil {
		return ch.dispatchError(c, tr, ferr)
	}
	if value != nil {
		return ch.shortCircuit(c, tr, value)
	}

	value, ferr = ch.runHandler(c, tr)
	if ferr != nil {
		return ch.dispatchError(c, tr, ferr)
	}

	if ferr := ch.validateResponse(c, tr, value); ferr != nil {
		return ch.dispatchError(c, tr, ferr)
	}

	value, ferr = ch.runAfterHandle(c, tr, value)
	if ferr != nil {
		return ch.dispatchError(c, tr, ferr)
	}

	value, ferr = ch.runMapResponse(c, tr, value)
	if ferr != nil {
		return ch.dispatchError(c, tr, ferr)
	}

	return mapToResponse(c, value), nil
}

// shortCircuit finishes an early-returned value: response mapping still
// runs, afterHandle and response validation do not.
func (ch *composedHandler) shortCircuit(c *Context, tr *tracer, value any) (*Response, *Error) {
	value, ferr := ch.runMapResponse(c, tr, value)
	if ferr != nil {
		return ch.dispatchError(c, tr, ferr)
	}

	return mapToResponse(c, value), nil
}

/***** stages *****/

func (ch *composedHandler) runRequestHooks(c *Context, tr *tracer) (any, *Error) {
	outer := c.ctx
	stage := tr.beginStage(c, SpanRequest)

	for i, hook := range ch.request {
		pre := c.ctx
		unit := tr.beginUnit(c, stage, i)
		value, err := hook(c)
		tr.end(unit, err)
		if tr != nil {
			restoreContext(c, pre)
		}

		if err != nil {
			ferr := classifyError(err)
			tr.end(stage, ferr)
			if tr != nil {
				restoreContext(c, outer)
			}
			return nil, ferr
		}
		if value != nil {
			tr.end(stage, nil)
			if tr != nil {
				restoreContext(c, outer)
			}
			return value, nil
		}
	}

	tr.end(stage, nil)
	if tr != nil {
		restoreContext(c, outer)
	}

	return nil, nil
}

// runParse fills c.body: custom parse hooks first (the first non-nil value
// claims the body), then the built-in parser selected by media type.
// Bodyless requests skip the hooks and leave the body nil.
func (ch *composedHandler) runParse(c *Context, tr *tracer) *Error {
	outer := c.ctx
	stage := tr.beginStage(c, SpanParse)

	var ferr *Error
	if len(c.rawBody) > 0 {
		claimed := false
		for i, hook := range ch.parse {
			pre := c.ctx
			unit := tr.beginUnit(c, stage, i)
			value, err := hook(c, c.contentType)
			tr.end(unit, err)
			if tr != nil {
				restoreContext(c, pre)
			}

			if err != nil {
				ferr = classifyError(err)
				break
			}
			if value != nil {
				c.body = value
				claimed = true
				break
			}
		}

		if ferr == nil && !claimed {
			ferr = ch.parseBuiltin(c)
		}
	}

	tr.end(stage, errOrNil(ferr))
	if tr != nil {
		restoreContext(c, outer)
	}

	return ferr
}

// parseBuiltin deserializes the raw body by media type. Unknown or missing
// media types on a non-empty body are a PARSE failure.
func (ch *composedHandler) parseBuiltin(c *Context) *Error {
	mediaType := c.contentType

	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		var parsed any
		if err := json.Unmarshal(c.rawBody, &parsed); err != nil {
			return parseError(mediaType, err)
		}
		c.body = parsed

	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(c.rawBody))
		if err != nil {
			return parseError(mediaType, err)
		}
		c.body = values

	case strings.HasPrefix(mediaType, "multipart/"):
		boundary := c.ctParams["boundary"]
		if boundary == "" {
			return parseError(mediaType, fmt.Errorf("missing multipart boundary"))
		}
		form, err := multipart.NewReader(bytes.NewReader(c.rawBody), boundary).ReadForm(maxMultipartMemory)
		if err != nil {
			return parseError(mediaType, err)
		}
		fields := make(map[string]any, len(form.Value)+len(form.File))
		for name, values := range form.Value {
			if len(values) > 0 {
				fields[name] = values[0]
			}
		}
		for name, files := range form.File {
			if len(files) > 0 {
				fields[name] = files[0]
			}
		}
		c.body = fields

	case strings.HasPrefix(mediaType, "text/"):
		c.body = string(c.rawBody)

	case mediaType == "application/octet-stream":
		c.body = c.rawBody

	default:
		return parseError(mediaType, nil)
	}

	return nil
}

// runBindings executes derive or resolve functions and stores their values
// in the context slots.
func (ch *composedHandler) runBindings(c *Context, tr *tracer, stageName string, fns []slotFn) *Error {
	outer := c.ctx
	stage := tr.beginStage(c, stageName)

	for i, slot := range fns {
		pre := c.ctx
		unit := tr.beginUnit(c, stage, i)
		value, err := slot.fn(c)
		tr.end(unit, err)
		if tr != nil {
			restoreContext(c, pre)
		}

		if err != nil {
			ferr := classifyError(err)
			tr.end(stage, ferr)
			if tr != nil {
				restoreContext(c, outer)
			}
			return ferr
		}
		c.slots[slot.idx] = value
	}

	tr.end(stage, nil)
	if tr != nil {
		restoreContext(c, outer)
	}

	return nil
}

// runValidation checks the declared slots in the fixed order headers,
// params, query, cookie, body. The first failing slot ends the stage.
func (ch *composedHandler) runValidation(c *Context, tr *tracer) *Error {
	outer := c.ctx
	stage := tr.beginStage(c, SpanValidate)

	checks := []struct {
		name    string
		checker Checker
		value   func() any
	}{
		{"headers", ch.headersChecker, func() any { return c.header }},
		{"params", ch.paramsChecker, func() any { return c.params }},
		{"query", ch.queryChecker, func() any { return c.query }},
		{"cookie", ch.cookieChecker, func() any { return c.cookies }},
		{"body", ch.bodyChecker, func() any { return c.body }},
	}

	for _, check := range checks {
		if check.checker == nil {
			continue
		}

		pre := c.ctx
		unit := tr.begin(c, stage, SpanValidate+"."+check.name)
		faults := check.checker.Errors(check.value())

		if len(faults) > 0 {
			ferr := validationError(check.name, faults)
			tr.end(unit, ferr)
			tr.end(stage, ferr)
			if tr != nil {
				restoreContext(c, outer)
			}
			return ferr
		}

		tr.end(unit, nil)
		if tr != nil {
			restoreContext(c, pre)
		}
	}

	tr.end(stage, nil)
	if tr != nil {
		restoreContext(c, outer)
	}

	return nil
}

func (ch *composedHandler) runTransform(c *Context, tr *tracer) *Error {
	outer := c.ctx
	stage := tr.beginStage(c, SpanTransform)

	for i, hook := range ch.transform {
		pre := c.ctx
		unit := tr.beginUnit(c, stage, i)
		err := hook(c)
		tr.end(unit, err)
		if tr != nil {
			restoreContext(c, pre)
		}

		if err != nil {
			ferr := classifyError(err)
			tr.end(stage, ferr)
			if tr != nil {
				restoreContext(c, outer)
			}
			return ferr
		}
	}

	tr.end(stage, nil)
	if tr != nil {
		restoreContext(c, outer)
	}

	return nil
}

func (ch *composedHandler) runBeforeHandle(c *Context, tr *tracer) (any, *Error) {
	outer := c.ctx
	stage := tr.beginStage(c, SpanBeforeHandle)

	for i, hook := range ch.beforeHandle {
		pre := c.ctx
		unit := tr.beginUnit(c, stage, i)
		value, err := hook(c)
		tr.end(unit, err)
		if tr != nil {
			restoreContext(c, pre)
		}

		if err != nil {
			ferr := classifyError(err)
			tr.end(stage, ferr)
			if tr != nil {
				restoreContext(c, outer)
			}
			return nil, ferr
		}
		if value != nil {
			tr.end(stage, nil)
			if tr != nil {
				restoreContext(c, outer)
			}
			return value, nil
		}
	}

	tr.end(stage, nil)
	if tr != nil {
		restoreContext(c, outer)
	}

	return nil, nil
}

func (ch *composedHandler) runHandler(c *Context, tr *tracer) (any, *Error) {
	outer := c.ctx
	stage := tr.beginStage(c, SpanHandle)

	value, err := ch.handler(c)

	if err != nil {
		ferr := classifyError(err)
		tr.end(stage, ferr)
		if tr != nil {
			restoreContext(c, outer)
		}
		return nil, ferr
	}

	tr.end(stage, nil)
	if tr != nil {
		restoreContext(c, outer)
	}

	return value, nil
}

// validateResponse checks the handler's value against the response checker
// for the effective status: an exact status entry first, the default checker
// otherwise. A *Response value is checked by its body and status.
func (ch *composedHandler) validateResponse(c *Context, tr *tracer, value any) *Error {
	if len(ch.responseCheckers) == 0 {
		return nil
	}

	outer := c.ctx
	stage := tr.beginStage(c, SpanValidateResponse)

	status := c.Status()
	body := value
	if res, ok := value.(*Response); ok {
		if res.Status != 0 {
			status = res.Status
		}
		body = res.Body
	}
	if status == 0 {
		status = http.StatusOK
	}

	checker, ok := ch.responseCheckers[status]
	if !ok {
		checker, ok = ch.responseCheckers[0]
	}

	var ferr *Error
	if ok && checker != nil {
		if faults := checker.Errors(body); len(faults) > 0 {
			ferr = validationError("response", faults)
		}
	}

	tr.end(stage, errOrNil(ferr))
	if tr != nil {
		restoreContext(c, outer)
	}

	return ferr
}

func (ch *composedHandler) runAfterHandle(c *Context, tr *tracer, value any) (any, *Error) {
	outer := c.ctx
	stage := tr.beginStage(c, SpanAfterHandle)

	for i, hook := range ch.afterHandle {
		pre := c.ctx
		unit := tr.beginUnit(c, stage, i)
		replacement, err := hook(c, value)
		tr.end(unit, err)
		if tr != nil {
			restoreContext(c, pre)
		}

		if err != nil {
			ferr := classifyError(err)
			tr.end(stage, ferr)
			if tr != nil {
				restoreContext(c, outer)
			}
			return nil, ferr
		}
		if replacement != nil {
			value = replacement
		}
	}

	tr.end(stage, nil)
	if tr != nil {
		restoreContext(c, outer)
	}

	return value, nil
}

func (ch *composedHandler) runMapResponse(c *Context, tr *tracer, value any) (any, *Error) {
	outer := c.ctx
	stage := tr.beginStage(c, SpanMapResponse)

	for i, hook := range ch.mapResponse {
		pre := c.ctx
		unit := tr.beginUnit(c, stage, i)
		mapped, err := hook(c, value)
		tr.end(unit, err)
		if tr != nil {
			restoreContext(c, pre)
		}

		if err != nil {
			ferr := classifyError(err)
			tr.end(stage, ferr)
			if tr != nil {
				restoreContext(c, outer)
			}
			return nil, ferr
		}
		if mapped != nil {
			value = mapped
		}
	}

	tr.end(stage, nil)
	if tr != nil {
		restoreContext(c, outer)
	}

	return value, nil
}

/***** error stage *****/

// dispatchError resolves the failure's status and runs the matching error
// hooks in order. The first hook returning a value recovers the request:
// the value goes through default response mapping, bypassing mapResponse
// hooks. A hook returning an error replaces the failure for the remaining
// hooks. Unrecovered failures render the default error body.
func (ch *composedHandler) dispatchError(c *Context, tr *tracer, failure *Error) (res *Response, final *Error) {
	// Status resolution works on a copy: handlers may return shared *Error
	// values, which must not be mutated across requests.
	if failure.Status == 0 {
		resolved := *failure
		resolved.Status = ch.statusFor(resolved.Code)
		failure = &resolved
	}
	final = failure

	defer func() {
		if r := recover(); r != nil {
			final = internalError(fmt.Errorf("panic: %v", r))
			final.Status = ch.statusFor(final.Code)
			res = errorResponse(c, final, ch.statuses)
		}
	}()

	outer := c.ctx
	stage := tr.beginStage(c, SpanError)

	for i, entry := range ch.errorHooks {
		if !entry.matches(failure.Code) {
			continue
		}

		pre := c.ctx
		unit := tr.beginUnit(c, stage, i)
		value, err := entry.fn(c, failure)
		tr.end(unit, err)
		if tr != nil {
			restoreContext(c, pre)
		}

		if err != nil {
			replaced := *classifyError(err)
			if replaced.Status == 0 {
				replaced.Status = ch.statusFor(replaced.Code)
			}
			failure = &replaced
			final = failure
			continue
		}
		if value != nil {
			tr.end(stage, nil)
			if tr != nil {
				restoreContext(c, outer)
			}
			return mapToResponse(c, value), nil
		}
	}

	tr.end(stage, failure)
	if tr != nil {
		restoreContext(c, outer)
	}

	return errorResponse(c, failure, ch.statuses), final
}

func (ch *composedHandler) statusFor(code string) int {
	if status, ok := ch.statuses[code]; ok {
		return status
	}

	return defaultStatusForCode(code)
}

/***** epilogue *****/

// runResponseHooks lets onResponse hooks observe the final response. Their
// errors (and panics) are logged and never change the response.
func (ch *composedHandler) runResponseHooks(c *Context, tr *tracer, res *Response) {
	if len(ch.response) == 0 {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			ch.app.logWarnContext(c.ctx, logMsgResponseHookFailed,
				logAttrError, fmt.Sprint(r), logAttrMethod, ch.method, logAttrPath, ch.path)
		}
	}()

	outer := c.ctx
	stage := tr.beginStage(c, SpanOnResponse)

	for i, hook := range ch.response {
		pre := c.ctx
		unit := tr.beginUnit(c, stage, i)
		err := hook(c, res)
		tr.end(unit, err)
		if tr != nil {
			restoreContext(c, pre)
		}

		if err != nil {
			ch.app.logWarnContext(c.ctx, logMsgResponseHookFailed,
				logAttrError, err.Error(), logAttrMethod, ch.method, logAttrPath, ch.path,
				logAttrHookIndex, i)
		}
	}

	tr.end(stage, nil)
	if tr != nil {
		restoreContext(c, outer)
	}
}

// collectCookies builds the verified cookie map. Signed cookies must carry a
// valid signature from any configured secret; the value hooks and checkers
// see is the embedded one, signature stripped.
func (ch *composedHandler) collectCookies(c *Context) *Error {
	c.cookies = make(map[string]string, len(c.rawCookies))

	for _, cookie := range c.rawCookies {
		value := cookie.Value
		if ch.signedCookies[cookie.Name] && len(ch.cookieSecrets) > 0 {
			raw, ok := verifyCookieValue(cookie.Name, value, ch.cookieSecrets)
			if !ok {
				return invalidCookieSignatureError(cookie.Name)
			}
			value = raw
		}
		c.cookies[cookie.Name] = value
	}

	return nil
}

// signResponseCookies signs outgoing cookies registered as signed, using the
// newest secret.
func (ch *composedHandler) signResponseCookies(res *Response) {
	if res == nil || len(ch.cookieSecrets) == 0 {
		return
	}

	for _, cookie := range res.Cookies {
		if cookie != nil && ch.signedCookies[cookie.Name] {
			cookie.Value = signCookieValue(cookie.Name, cookie.Value, ch.cookieSecrets[0])
		}
	}
}

func (ch *composedHandler) recordMetrics(c *Context, started time.Time, res *Response) {
	if ch.app.metrics == nil {
		return
	}

	status := 0
	if res != nil {
		status = res.Status
	}
	method, path := ch.method, ch.path
	if path == "" {
		method, path = c.Method(), "unmatched"
	}
	labels := map[string]string{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}

	if cm := ch.app.contextualMetrics; cm != nil {
		cm.RecordDurationContext(c.ctx, metricRequestDuration, time.Since(started), labels)
		cm.IncrementCounterContext(c.ctx, metricRequestsTotal, labels)
		return
	}

	ch.app.metrics.RecordDuration(metricRequestDuration, time.Since(started), labels)
	ch.app.metrics.IncrementCounter(metricRequestsTotal, labels)
}

// errOrNil avoids handing a typed nil to interfaces expecting error.
func errOrNil(failure *Error) error {
	if failure == nil {
		return nil
	}

	return failure
}
