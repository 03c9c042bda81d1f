// Package evaluator implements one pure evaluation strategy per clause action
// type. Evaluators never touch storage: the engine hands them parameters,
// collected input and a read-only view of dependency results.
package evaluator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"clauseline/internal/domain"
)

// DependencyResults is the read-only accessor evaluators use to read the
// results of the clause's finalized dependencies.
type DependencyResults interface {
	// Result looks a dependency up by clause key, clause id or parameters.name.
	Result(ref string) (map[string]any, bool)
	// Refs lists dependency clause keys in declared order.
	Refs() []string
}

// Context is everything outside the clause an evaluator may read.
type Context struct {
	Now          time.Time
	ContractData map[string]any
	Dependencies DependencyResults
}

func (c Context) dependency(ref string) (map[string]any, bool) {
	if c.Dependencies == nil {
		return nil, false
	}
	return c.Dependencies.Result(ref)
}

// Evaluator is the capability "evaluate one action type".
type Evaluator interface {
	Action() domain.ActionType
	ParamsSchema() string
	InputSchema() string
	// Defaults are applied to parameters before validation.
	Defaults() map[string]any
	// NormalizeParams drops placeholder values clients send for unset fields.
	NormalizeParams(params map[string]any)
	// CheckParams enforces cross-field parameter rules the schema cannot express.
	CheckParams(params map[string]any) error
	// CheckPayload validates one input submission against the clause parameters.
	CheckPayload(params, payload map[string]any) error
	// Merge folds a submission into the stored input.
	Merge(params, current, payload map[string]any, ectx Context) map[string]any
	// Missing names the input fields still required before evaluation.
	Missing(params, input map[string]any) []string
	// Settled reports whether complete input should be evaluated without an
	// explicit Evaluate call.
	Settled(params, input map[string]any, ectx Context) bool
	Evaluate(params, input map[string]any, ectx Context) (map[string]any, error)
}

// base supplies the common behavior; evaluators override what they need.
type base struct {
	numbers []string
	bools   []string
}

func (base) NormalizeParams(map[string]any) {}

func (base) CheckParams(map[string]any) error { return nil }

func (base) CheckPayload(_, _ map[string]any) error { return nil }

func (base) Settled(_, _ map[string]any, _ Context) bool { return true }

func (base) Merge(_ map[string]any, current, payload map[string]any, _ Context) map[string]any {
	out := make(map[string]any, len(current)+len(payload))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// coerce turns form-encoded strings into numbers and booleans for the
// evaluator's known fields. Empty strings are treated as absent.
func (b base) coerce(m map[string]any) {
	for _, k := range b.numbers {
		s, ok := m[k].(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			delete(m, k)
			continue
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			m[k] = f
		}
	}
	for _, k := range b.bools {
		s, ok := m[k].(string)
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "":
			delete(m, k)
		case "true", "1", "yes", "on":
			m[k] = true
		case "false", "0", "no", "off":
			m[k] = false
		}
	}
}

type coercer interface {
	coerce(map[string]any)
}

// Defaults configures parameter defaults that deployments may override.
type Defaults struct {
	FineName         string
	MaxPercentage    float64
	ImposeFine       bool
	CreditName       string
	CreditPercentage float64
}

func DefaultDefaults() Defaults {
	return Defaults{
		FineName:         "calculateFine",
		MaxPercentage:    10,
		ImposeFine:       true,
		CreditName:       "defaultCredit",
		CreditPercentage: 10,
	}
}

// Registry is the lookup table from action type to evaluator plus the
// compiled parameter and input schemas.
type Registry struct {
	evaluators map[domain.ActionType]Evaluator
	params     map[domain.ActionType]*jsonschema.Schema
	inputs     map[domain.ActionType]*jsonschema.Schema
}

// NewRegistry wires the five built-in evaluators.
func NewRegistry(d Defaults) (*Registry, error) {
	cmp, err := NewComparator()
	if err != nil {
		return nil, err
	}
	return NewRegistryWith(
		dateInterval{base: base{numbers: []string{"intervalType", "deadlineInterval"}}},
		deduction{base: base{
			numbers: []string{"maxPercentage", "maxReferenceValue", "referenceValue", "dailyPercentage", "days"},
			bools:   []string{"imposeFine", "referenceClauseDays"},
		}, defaults: d},
		credit{base: base{
			numbers: []string{"percentage", "predefinedValue", "storedValue", "rating"},
			bools:   []string{"imposeCredit", "reviewCondition"},
		}, defaults: d},
		payment{base: base{
			numbers: []string{"amount", "paymentRate", "payment"},
			bools:   []string{"partialPayment", "addBonus", "addFine", "finalPayment"},
		}},
		finish{base: base{bools: []string{"forceCancellation", "requestedCancellation"}}, cmp: cmp},
	)
}

// NewRegistryWith builds a registry from explicit evaluators.
func NewRegistryWith(evs ...Evaluator) (*Registry, error) {
	r := &Registry{
		evaluators: map[domain.ActionType]Evaluator{},
		params:     map[domain.ActionType]*jsonschema.Schema{},
		inputs:     map[domain.ActionType]*jsonschema.Schema{},
	}
	for _, ev := range evs {
		a := ev.Action()
		ps, err := compileSchema(a, "params", ev.ParamsSchema())
		if err != nil {
			return nil, err
		}
		is, err := compileSchema(a, "input", ev.InputSchema())
		if err != nil {
			return nil, err
		}
		r.evaluators[a] = ev
		r.params[a] = ps
		r.inputs[a] = is
	}
	return r, nil
}

func compileSchema(a domain.ActionType, kind, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://clauseline.local/schemas/%s.%s.json", strings.ToLower(a.String()), kind)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("load %s %s schema: %w", a, kind, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s %s schema: %w", a, kind, err)
	}
	return s, nil
}

// Lookup returns the evaluator for an action type.
func (r *Registry) Lookup(a domain.ActionType) (Evaluator, error) {
	ev, ok := r.evaluators[a]
	if !ok {
		return nil, domain.InvalidParametersError(fmt.Sprintf("unsupported action type %s", a), "actionType")
	}
	return ev, nil
}

// PrepareParams applies defaults and validates parameters for a new clause.
func (r *Registry) PrepareParams(a domain.ActionType, params map[string]any) (map[string]any, error) {
	ev, err := r.Lookup(a)
	if err != nil {
		return nil, err
	}
	out, err := normalize(params)
	if err != nil {
		return nil, domain.InvalidParametersError(err.Error(), "parameters")
	}
	if c, ok := ev.(coercer); ok {
		c.coerce(out)
	}
	ev.NormalizeParams(out)
	for k, v := range ev.Defaults() {
		if _, set := out[k]; !set {
			out[k] = v
		}
	}
	if err := r.params[a].Validate(out); err != nil {
		missing, invalid := schemaFields(err)
		return nil, domain.InvalidParametersError("invalid parameters", append(missing, invalid...)...)
	}
	if err := ev.CheckParams(out); err != nil {
		return nil, err
	}
	return out, nil
}

// PreparePayload normalizes and type-checks one input submission.
func (r *Registry) PreparePayload(a domain.ActionType, params, payload map[string]any) (map[string]any, error) {
	ev, err := r.Lookup(a)
	if err != nil {
		return nil, err
	}
	out, err := normalize(payload)
	if err != nil {
		return nil, domain.InvalidParametersError(err.Error(), "input")
	}
	if c, ok := ev.(coercer); ok {
		c.coerce(out)
	}
	if len(out) == 0 {
		if missing := ev.Missing(params, out); len(missing) > 0 {
			return nil, domain.IncompleteInputError(missing...)
		}
		return nil, domain.InvalidParametersError("input is empty", "input")
	}
	if err := r.inputs[a].Validate(out); err != nil {
		missing, invalid := schemaFields(err)
		if len(invalid) == 0 && len(missing) > 0 {
			return nil, domain.IncompleteInputError(missing...)
		}
		return nil, domain.InvalidParametersError("invalid input", append(missing, invalid...)...)
	}
	if err := ev.CheckPayload(params, out); err != nil {
		return nil, err
	}
	return out, nil
}

// normalize round-trips through JSON so schema validation sees float64
// numbers and plain maps regardless of how the caller built the value.
func normalize(in map[string]any) (map[string]any, error) {
	if in == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return out, nil
}

// schemaFields flattens a jsonschema validation error into missing
// (required) and invalid field names.
func schemaFields(err error) (missing, invalid []string) {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return nil, []string{"(root)"}
	}
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, c := range e.Causes {
				walk(c)
			}
			return
		}
		if strings.HasPrefix(e.Message, "missing properties") {
			prefix := strings.Trim(strings.ReplaceAll(e.InstanceLocation, "/", "."), ".")
			for _, name := range quotedNames(e.Message) {
				if prefix != "" {
					name = prefix + "." + name
				}
				missing = append(missing, name)
			}
			return
		}
		field := strings.Trim(strings.ReplaceAll(e.InstanceLocation, "/", "."), ".")
		if field == "" {
			field = "(root)"
		}
		invalid = append(invalid, field)
	}
	walk(ve)
	return missing, invalid
}

func quotedNames(msg string) []string {
	var out []string
	for {
		i := strings.IndexByte(msg, '\'')
		if i < 0 {
			return out
		}
		msg = msg[i+1:]
		j := strings.IndexByte(msg, '\'')
		if j < 0 {
			return out
		}
		out = append(out, msg[:j])
		msg = msg[j+1:]
	}
}
