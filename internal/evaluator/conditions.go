package evaluator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"clauseline/internal/domain"
)

// Check compares contract.data[Tag] against ReferenceValue.
type Check struct {
	Tag              string `json:"tag"`
	ReferenceValue   any    `json:"referenceValue"`
	DataType         string `json:"dataType"`
	ConditionalCheck string `json:"conditionalCheck"`
}

var checkOperators = map[string]string{
	"equal":    "==",
	"notEqual": "!=",
	"greater":  ">",
	"smaller":  "<",
}

// Comparator compiles one CEL program per (dataType, conditionalCheck) and
// caches it.
type Comparator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func NewComparator() (*Comparator, error) {
	env, err := cel.NewEnv(
		cel.Variable("value", cel.DynType),
		cel.Variable("reference", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &Comparator{env: env, programs: map[string]cel.Program{}}, nil
}

func dataType(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "number", "numeric", "float", "integer", "int":
		return "number"
	case "bool", "boolean":
		return "bool"
	case "date", "datetime", "timestamp":
		return "date"
	case "string", "text", "":
		return "string"
	}
	return ""
}

// expression returns the CEL source for a check, or an error when the
// combination is not supported.
func expression(dt, cond string) (string, error) {
	op, ok := checkOperators[cond]
	if !ok {
		return "", fmt.Errorf("unknown conditionalCheck %q", cond)
	}
	switch dt {
	case "bool":
		if op != "==" && op != "!=" {
			return "", fmt.Errorf("conditionalCheck %q is not defined for bool", cond)
		}
	case "date":
		return fmt.Sprintf("timestamp(value) %s timestamp(reference)", op), nil
	case "number", "string":
	default:
		return "", fmt.Errorf("unknown dataType")
	}
	return "value " + op + " reference", nil
}

// Validate reports whether the check is well-formed.
func (c *Comparator) Validate(chk Check) error {
	if strings.TrimSpace(chk.Tag) == "" {
		return fmt.Errorf("tag required")
	}
	_, err := expression(dataType(chk.DataType), chk.ConditionalCheck)
	return err
}

func (c *Comparator) program(src string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.programs[src]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}
	ast, iss := c.env.Compile(src)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", src, iss.Err())
	}
	prg, err := c.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", src, err)
	}
	c.mu.Lock()
	c.programs[src] = prg
	c.mu.Unlock()
	return prg, nil
}

// Compare evaluates the check against actual. Operands are converted to the
// check's data type first.
func (c *Comparator) Compare(chk Check, actual any) (bool, error) {
	dt := dataType(chk.DataType)
	src, err := expression(dt, chk.ConditionalCheck)
	if err != nil {
		return false, domain.InvalidParametersError(err.Error(), "conditionalCheck")
	}
	value, err := operand(dt, actual)
	if err != nil {
		return false, domain.InvalidParametersError(fmt.Sprintf("data %s: %v", chk.Tag, err), chk.Tag)
	}
	reference, err := operand(dt, chk.ReferenceValue)
	if err != nil {
		return false, domain.InvalidParametersError(fmt.Sprintf("referenceValue: %v", err), "referenceValue")
	}
	prg, err := c.program(src)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"value": value, "reference": reference})
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", src, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not return a bool", src)
	}
	return b, nil
}

func operand(dt string, v any) (any, error) {
	switch dt {
	case "number":
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("%v is not a number", v)
		}
		return f, nil
	case "bool":
		b, ok := toBool(v)
		if !ok {
			return nil, fmt.Errorf("%v is not a boolean", v)
		}
		return b, nil
	case "date":
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%v is not a date", v)
		}
		t, err := ParseDate(s)
		if err != nil {
			return nil, err
		}
		return formatDate(t), nil
	default:
		if v == nil {
			return "", nil
		}
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	}
}
