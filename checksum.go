package graft

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"runtime"
	"slices"
	"strconv"
	"strings"
)

// checksumPrefix marks the hash algorithm in the identity string, so the
// format can evolve without ambiguity.
const checksumPrefix = "sha256:"

// Checksum returns the application's identity: the SHA-256 of its canonical
// serialization, prefixed with the algorithm. Two applications with the same
// name, seed, prefix, routes, hooks, bindings, models, error codes, macros,
// and state keys share a checksum; the mount engine uses it to deduplicate
// repeated mounts. The value is memoized and recomputed after any
// registration.
func (a *App) Checksum() string {
	a.checksumMux.Lock()
	defer a.checksumMux.Unlock()

	if a.checksumMemo == "" {
		sum := sha256.Sum256([]byte(a.serializeLocked()))
		a.checksumMemo = checksumPrefix + hex.EncodeToString(sum[:])
	}

	return a.checksumMemo
}

// Serialize returns the canonical definition string the checksum is computed
// over: one line per definition element, in a deterministic order. Exposed
// for tests and debugging of unexpected dedup behavior.
func (a *App) Serialize() string {
	a.checksumMux.Lock()
	defer a.checksumMux.Unlock()

	return a.serializeLocked()
}

func (a *App) serializeLocked() string {
	var lines []string

	lines = append(lines,
		"app:name="+a.name+"|seed="+a.seed+"|prefix="+a.prefix+"|strict="+strconv.FormatBool(a.strictPath))

	for i, r := range a.routes {
		lines = append(lines, fmt.Sprintf("route:%d|%s %s|schema=%s",
			i, r.method, r.path, serializeSchema(r.schema)))
	}

	lines = appendHookLines(lines, EventStart, a.hooks.start)
	lines = appendHookLines(lines, EventRequest, a.hooks.request)
	lines = appendHookLines(lines, EventParse, a.hooks.parse)
	lines = appendHookLines(lines, EventTransform, a.hooks.transform)
	lines = appendHookLines(lines, EventBeforeHandle, a.hooks.beforeHandle)
	lines = appendHookLines(lines, EventAfterHandle, a.hooks.afterHandle)
	lines = appendHookLines(lines, EventMapResponse, a.hooks.mapResponse)
	lines = appendHookLines(lines, EventResponse, a.hooks.response)
	lines = appendHookLines(lines, EventTrace, a.hooks.trace)
	lines = appendHookLines(lines, EventError, a.hooks.err)
	lines = appendHookLines(lines, EventStop, a.hooks.stop)

	for i, b := range a.bindings {
		switch b.kind {
		case bindDecorate:
			lines = append(lines, fmt.Sprintf("binding:%d|decorate|name=%s|value=%s",
				i, b.name, describeValue(b.value)))
		default:
			lines = append(lines, fmt.Sprintf("binding:%d|%s|name=%s|fn=%s",
				i, b.kind, b.name, funcIdentity(b.fn)))
		}
	}

	for _, name := range sortedKeys(a.models) {
		lines = append(lines, "model:"+name+"|"+describeSlot(a.models[name]))
	}

	for _, code := range sortedKeys(a.statuses) {
		lines = append(lines, "status:"+code+"="+strconv.Itoa(a.statuses[code]))
	}

	for _, name := range sortedKeys(a.macros) {
		lines = append(lines, "macro:"+name)
	}

	for i, guard := range a.guards {
		lines = append(lines, fmt.Sprintf("guard:%d|%s", i, serializeSchema(guard)))
	}

	for _, key := range a.store.Keys() {
		lines = append(lines, "state:"+key)
	}

	for _, dep := range a.deps {
		if dep.Applied {
			lines = append(lines, "dep:"+dep.Checksum+"|prefix="+dep.Prefix)
		}
	}

	return strings.Join(lines, "\n")
}

// appendHookLines serializes one event's hook sequence. Function identity,
// not position alone, feeds the hash, so re-ordering or swapping hooks
// changes the application identity.
func appendHookLines[F any](lines []string, event Event, seq []hookContainer[F]) []string {
	for i, hc := range seq {
		var b strings.Builder
		fmt.Fprintf(&b, "hook:%s|%d|scope=%s|fn=%s", event, i, hc.scope, funcIdentity(hc.fn))

		if len(hc.codes) > 0 {
			codes := slices.Clone(hc.codes)
			slices.Sort(codes)
			b.WriteString("|codes=" + strings.Join(codes, ","))
		}

		if hc.checksum != "" {
			b.WriteString("|origin=" + hc.checksum + "/" + hc.subtype)
		}

		lines = append(lines, b.String())
	}

	return lines
}

// serializeSchema renders a schema declaration deterministically, slot by
// slot, absent slots omitted.
func serializeSchema(s Schema) string {
	var parts []string

	appendSlot := func(name string, value any) {
		if value != nil {
			parts = append(parts, name+"="+describeSlot(value))
		}
	}

	appendSlot("body", s.Body)
	appendSlot("headers", s.Headers)
	appendSlot("query", s.Query)
	appendSlot("params", s.Params)
	appendSlot("cookie", s.Cookie)
	appendSlot("response", s.Response)

	if len(parts) == 0 {
		return "none"
	}

	return strings.Join(parts, ",")
}

// describeSlot renders one schema slot value: rule maps sort by field, model
// references keep their name, response maps recurse per status, struct
// prototypes contribute their type.
func describeSlot(value any) string {
	switch v := value.(type) {
	case nil:
		return "none"
	case Ref:
		return "ref(" + string(v) + ")"
	case Rules:
		return describeRules(v)
	case map[string]string:
		return describeRules(v)
	case ResponseSchemas:
		statuses := make([]int, 0, len(v))
		for status := range v {
			statuses = append(statuses, status)
		}
		slices.Sort(statuses)

		parts := make([]string, 0, len(statuses))
		for _, status := range statuses {
			parts = append(parts, strconv.Itoa(status)+":"+describeSlot(v[status]))
		}

		return "byStatus{" + strings.Join(parts, ";") + "}"
	default:
		return "type(" + reflect.TypeOf(value).String() + ")"
	}
}

func describeRules(rules map[string]string) string {
	fields := make([]string, 0, len(rules))
	for field := range rules {
		fields = append(fields, field)
	}
	slices.Sort(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, field+":"+rules[field])
	}

	return "rules{" + strings.Join(parts, ";") + "}"
}

// describeValue renders a decorator value for the identity string. Values
// that do not serialize fall back to their dynamic type.
func describeValue(value any) string {
	if value == nil {
		return "nil"
	}

	encoded, err := json.MarshalToString(value)
	if err != nil {
		return "type(" + reflect.TypeOf(value).String() + ")"
	}

	return encoded
}

// funcIdentity names a hook function through the runtime, yielding stable
// identities like "pkg.Plugin.func1" for both top-level functions and
// closures. Non-function values (trace sinks) contribute their type.
func funcIdentity(fn any) string {
	if fn == nil {
		return "nil"
	}

	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return reflect.TypeOf(fn).String()
	}

	rf := runtime.FuncForPC(v.Pointer())
	if rf == nil {
		return "unknown"
	}

	return rf.Name()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	return keys
}
