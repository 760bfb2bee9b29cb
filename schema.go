package graft

import (
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Schema declares the validated slots of one route. Each slot is nil (absent),
// a Rules map, a Ref to a named model, or a struct prototype; Response may
// also be a ResponseSchemas map keyed by status code.
//
// An absent Params slot is synthesized from the path-parameter tokens of the
// final route path.
type Schema struct {
	Body     any
	Headers  any
	Query    any
	Params   any
	Cookie   any
	Response any
}

// Rules maps a field name to a validation tag expression, e.g.
// Rules{"id": "required,numeric"}. The tag grammar is the one of
// go-playground/validator.
type Rules map[string]string

// Ref references a model registered with App.Model by name. Resolving an
// unknown name is a registration-time error.
type Ref string

// ResponseSchemas maps a status code to the schema validated against response
// values produced with that status. The zero key declares a default schema
// for statuses without an exact entry.
type ResponseSchemas map[int]any

// Checker is the compiled form of one schema slot.
type Checker interface {
	// Check reports whether the value satisfies the schema.
	Check(value any) bool

	// Errors returns the structured fault list for a failing value; empty for
	// a passing one.
	Errors(value any) []Fault
}

// Compiler turns a declarative schema into a Checker. The default compiler is
// backed by go-playground/validator; it can be replaced per application with
// WithSchemaCompiler.
type Compiler interface {
	Compile(schema any) (Checker, error)
}

/***** default compiler *****/

type validatorCompiler struct {
	validate *validator.Validate
}

// NewValidatorCompiler wraps a go-playground validator instance as a schema
// Compiler. Passing nil constructs a fresh instance with JSON tag names
// preferred in fault paths.
func NewValidatorCompiler(validate *validator.Validate) Compiler {
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "" || name == "-" {
				return field.Name
			}

			return name
		})
	}

	return &validatorCompiler{validate: validate}
}

func (vc *validatorCompiler) Compile(schema any) (Checker, error) {
	switch s := schema.(type) {
	case nil:
		return nil, nil
	case Rules:
		return vc.compileRules(s)
	case map[string]string:
		return vc.compileRules(s)
	default:
		return vc.compileStruct(schema)
	}
}

// compileRules validates every tag expression up front so a bad rule fails
// registration instead of the first request. The validator panics on unknown
// tags, which is converted to an error here.
func (vc *validatorCompiler) compileRules(rules Rules) (checker Checker, err error) {
	defer func() {
		if r := recover(); r != nil {
			checker = nil
			err = fmt.Errorf("%w: %v", ErrSchemaCompile, r)
		}
	}()

	fields := make([]string, 0, len(rules))
	for field, tag := range rules {
		if tag != "" {
			_ = vc.validate.Var("probe", stripRequired(tag))
		}
		fields = append(fields, field)
	}
	slices.Sort(fields)

	return &rulesChecker{validate: vc.validate, rules: rules, fields: fields}, nil
}

// stripRequired removes presence tags before probing, so probing with a
// non-empty placeholder exercises only the value rules.
func stripRequired(tag string) string {
	parts := strings.Split(tag, ",")
	kept := parts[:0]
	for _, p := range parts {
		if p == "required" || p == "omitempty" {
			continue
		}
		kept = append(kept, p)
	}

	return strings.Join(kept, ",")
}

func (vc *validatorCompiler) compileStruct(prototype any) (Checker, error) {
	t := reflect.TypeOf(prototype)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: unsupported schema type %T", ErrSchemaCompile, prototype)
	}

	return &structChecker{validate: vc.validate, prototype: t}, nil
}

/***** rules checker *****/

type rulesChecker struct {
	validate *validator.Validate
	rules    Rules
	fields   []string
}

func (rc *rulesChecker) Check(value any) bool {
	return len(rc.Errors(value)) == 0
}

func (rc *rulesChecker) Errors(value any) []Fault {
	lookup := fieldLookup(value)

	var faults []Fault
	for _, field := range rc.fields {
		tag := rc.rules[field]
		val, present := lookup(field)

		if !present {
			if strings.Contains(tag, "required") {
				faults = append(faults, Fault{Path: field, Message: "required value is missing"})
			}
			continue
		}

		if err := rc.validate.Var(val, tag); err != nil {
			faults = append(faults, faultsFromVar(field, err)...)
		}
	}

	return faults
}

// fieldLookup normalizes the supported slot value shapes into one accessor.
// Header maps resolve case-insensitively; multi-value maps yield the first
// value; non-string scalars are stringified.
func fieldLookup(value any) func(name string) (string, bool) {
	switch v := value.(type) {
	case nil:
		return func(string) (string, bool) { return "", false }
	case map[string]string:
		return func(name string) (string, bool) {
			s, ok := v[name]
			return s, ok
		}
	case http.Header:
		return func(name string) (string, bool) {
			if vals := v.Values(name); len(vals) > 0 {
				return vals[0], true
			}
			return "", false
		}
	case url.Values:
		return func(name string) (string, bool) {
			if vals, ok := v[name]; ok && len(vals) > 0 {
				return vals[0], true
			}
			return "", false
		}
	case map[string][]string:
		return func(name string) (string, bool) {
			if vals, ok := v[name]; ok && len(vals) > 0 {
				return vals[0], true
			}
			return "", false
		}
	case map[string]any:
		return func(name string) (string, bool) {
			raw, ok := v[name]
			if !ok || raw == nil {
				return "", false
			}
			return stringifyField(raw), true
		}
	default:
		return func(string) (string, bool) { return "", false }
	}
}

func stringifyField(raw any) string {
	switch s := raw.(type) {
	case string:
		return s
	case []any, map[string]any:
		encoded, err := json.MarshalToString(s)
		if err != nil {
			return fmt.Sprint(s)
		}
		return encoded
	default:
		return fmt.Sprint(s)
	}
}

func faultsFromVar(field string, err error) []Fault {
	var verrs validator.ValidationErrors
	if !asValidationErrors(err, &verrs) {
		return []Fault{{Path: field, Message: err.Error()}}
	}

	faults := make([]Fault, 0, len(verrs))
	for _, fe := range verrs {
		faults = append(faults, Fault{
			Path:    field,
			Message: fmt.Sprintf("does not satisfy rule %q", fe.Tag()),
		})
	}

	return faults
}

/***** struct checker *****/

type structChecker struct {
	validate  *validator.Validate
	prototype reflect.Type
}

func (sc *structChecker) Check(value any) bool {
	return len(sc.Errors(value)) == 0
}

func (sc *structChecker) Errors(value any) []Fault {
	instance, err := sc.coerce(value)
	if err != nil {
		return []Fault{{Path: "", Message: err.Error()}}
	}

	verr := sc.validate.Struct(instance)
	if verr == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !asValidationErrors(verr, &verrs) {
		return []Fault{{Path: "", Message: verr.Error()}}
	}

	faults := make([]Fault, 0, len(verrs))
	for _, fe := range verrs {
		faults = append(faults, Fault{
			Path:    fe.Field(),
			Message: fmt.Sprintf("does not satisfy rule %q", fe.Tag()),
		})
	}

	return faults
}

// coerce adapts the checked value onto the prototype struct. Values that are
// already of the prototype's type validate directly; parsed map bodies are
// re-encoded through JSON once.
func (sc *structChecker) coerce(value any) (any, error) {
	v := reflect.ValueOf(value)
	for v.Kind() == reflect.Pointer && !v.IsNil() {
		v = v.Elem()
	}
	if v.IsValid() && v.Type() == sc.prototype {
		return v.Interface(), nil
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("value does not match schema shape: %w", err)
	}

	instance := reflect.New(sc.prototype).Interface()
	if err := json.Unmarshal(encoded, instance); err != nil {
		return nil, fmt.Errorf("value does not match schema shape: %w", err)
	}

	return instance, nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return false
	}
	*target = verrs

	return true
}
