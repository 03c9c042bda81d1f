package evaluator

import (
	"clauseline/internal/domain"
)

const creditParams = `{
  "type": "object",
  "properties": {
    "name": {"type": "string"},
    "creditName": {"type": "string"},
    "percentage": {"type": "number", "minimum": 0},
    "predefinedValue": {"type": "number", "minimum": 0},
    "imposeCredit": {"type": "boolean"},
    "reviewCondition": {"type": "boolean"}
  },
  "required": ["creditName", "percentage"]
}`

const creditInput = `{
  "type": "object",
  "properties": {
    "storedValue": {"type": "number", "minimum": 0},
    "rating": {"type": "integer", "minimum": 1, "maximum": 5},
    "comments": {"type": "string"},
    "reviewDate": {"type": "string"}
  }
}`

// credit computes a bonus from a stored value, optionally gated on a review.
type credit struct {
	base
	defaults Defaults
}

func (credit) Action() domain.ActionType { return domain.ActionGetCredit }
func (credit) ParamsSchema() string      { return creditParams }
func (credit) InputSchema() string       { return creditInput }

func (c credit) Defaults() map[string]any {
	return map[string]any{
		"creditName":      c.defaults.CreditName,
		"percentage":      c.defaults.CreditPercentage,
		"imposeCredit":    false,
		"reviewCondition": false,
	}
}

func (credit) Missing(params, input map[string]any) []string {
	var out []string
	if !has(params, "predefinedValue") && !has(input, "storedValue") {
		out = append(out, "storedValue")
	}
	if flag(params, "reviewCondition") {
		if !has(input, "rating") {
			out = append(out, "rating")
		}
		if !has(input, "comments") {
			out = append(out, "comments")
		}
	}
	return out
}

func (c credit) Evaluate(params, input map[string]any, _ Context) (map[string]any, error) {
	if missing := c.Missing(params, input); len(missing) > 0 {
		return nil, domain.IncompleteInputError(missing...)
	}
	pct := numberOr(params, "percentage", c.defaults.CreditPercentage)
	stored, _ := number(input, "storedValue")

	computed := stored * pct / 100
	amount := computed
	predefined, hasPredefined := number(params, "predefinedValue")
	if hasPredefined {
		amount = predefined
	}
	impose := flag(params, "imposeCredit")
	if !impose {
		amount = 0
	}
	out := map[string]any{
		"creditName":   text(params, "creditName"),
		"credit":       money(amount),
		"imposeCredit": impose,
		"computed":     money(computed),
		"percentage":   pct,
		"predefined":   hasPredefined,
	}
	if has(input, "storedValue") {
		out["storedValue"] = stored
	}
	if flag(params, "reviewCondition") {
		rating, _ := number(input, "rating")
		review := map[string]any{
			"rating":   rating,
			"comments": text(input, "comments"),
		}
		if has(input, "reviewDate") {
			review["reviewDate"] = text(input, "reviewDate")
		}
		out["review"] = review
	}
	return out, nil
}
