package evaluator

import (
	"math"

	"clauseline/internal/domain"
)

const deductionParams = `{
  "type": "object",
  "properties": {
    "name": {"type": "string"},
    "fineName": {"type": "string"},
    "maxPercentage": {"type": "number", "minimum": 0, "maximum": 100},
    "maxReferenceValue": {"type": "number", "minimum": 0},
    "imposeFine": {"type": "boolean"}
  },
  "required": ["fineName", "maxPercentage", "maxReferenceValue"]
}`

const deductionInput = `{
  "type": "object",
  "properties": {
    "referenceValue": {"type": "number", "minimum": 0},
    "dailyPercentage": {"type": "number", "minimum": 0},
    "days": {"type": "number", "minimum": 0},
    "referenceClauseDays": {"type": "boolean"},
    "referenceClauseName": {"type": "string"}
  }
}`

// deduction computes a late fine capped at a percentage of a reference value.
type deduction struct {
	base
	defaults Defaults
}

func (deduction) Action() domain.ActionType { return domain.ActionGetDeduction }
func (deduction) ParamsSchema() string      { return deductionParams }
func (deduction) InputSchema() string       { return deductionInput }

func (d deduction) Defaults() map[string]any {
	return map[string]any{
		"fineName":      d.defaults.FineName,
		"maxPercentage": d.defaults.MaxPercentage,
		"imposeFine":    d.defaults.ImposeFine,
	}
}

func (deduction) Missing(_, input map[string]any) []string {
	var out []string
	for _, k := range []string{"referenceValue", "dailyPercentage"} {
		if !has(input, k) {
			out = append(out, k)
		}
	}
	if flag(input, "referenceClauseDays") {
		if !has(input, "referenceClauseName") {
			out = append(out, "referenceClauseName")
		}
	} else if !has(input, "days") {
		out = append(out, "days")
	}
	return out
}

func (d deduction) Evaluate(params, input map[string]any, ectx Context) (map[string]any, error) {
	if missing := d.Missing(params, input); len(missing) > 0 {
		return nil, domain.IncompleteInputError(missing...)
	}
	refValue, _ := number(input, "referenceValue")
	daily, _ := number(input, "dailyPercentage")

	var days float64
	source := "input"
	if flag(input, "referenceClauseDays") {
		name := text(input, "referenceClauseName")
		res, ok := ectx.dependency(name)
		if !ok {
			return nil, &domain.MissingDependencyResultError{Clause: name}
		}
		v, ok := number(res, "daysLate")
		if !ok {
			if v, ok = number(res, "days"); !ok {
				return nil, &domain.MissingDependencyResultError{Clause: name, Field: "days"}
			}
		}
		days = v
		source = name
	} else {
		days, _ = number(input, "days")
	}

	maxRef, _ := number(params, "maxReferenceValue")
	maxPct := numberOr(params, "maxPercentage", d.defaults.MaxPercentage)
	raw := refValue * daily / 100 * days
	limit := maxRef * maxPct / 100
	impose := d.defaults.ImposeFine
	if b, ok := toBool(params["imposeFine"]); ok {
		impose = b
	}
	fine := 0.0
	if impose {
		fine = math.Min(raw, limit)
	}
	return map[string]any{
		"fineName":   text(params, "fineName"),
		"fine":       money(fine),
		"rawFine":    money(raw),
		"cap":        money(limit),
		"capped":     impose && raw > limit,
		"days":       days,
		"daysSource": source,
		"imposeFine": impose,
	}, nil
}
