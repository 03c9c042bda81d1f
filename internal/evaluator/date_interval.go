package evaluator

import (
	"time"

	"clauseline/internal/domain"
)

// Interval units for CheckDateInterval.
const (
	IntervalDays   = 1
	IntervalWeeks  = 2
	IntervalMonths = 3
	IntervalYears  = 4
)

const dateIntervalParams = `{
  "type": "object",
  "properties": {
    "name": {"type": "string"},
    "intervalType": {"type": "integer", "enum": [1, 2, 3, 4]},
    "deadlineInterval": {"type": "integer", "minimum": 0},
    "referenceDate": {"type": "string"}
  },
  "required": ["intervalType", "deadlineInterval"]
}`

const dateIntervalInput = `{
  "type": "object",
  "properties": {
    "referenceDate": {"type": "string", "minLength": 1},
    "evaluatedDate": {"type": "string", "minLength": 1}
  }
}`

type dateInterval struct{ base }

func (dateInterval) Action() domain.ActionType { return domain.ActionCheckDateInterval }
func (dateInterval) ParamsSchema() string      { return dateIntervalParams }
func (dateInterval) InputSchema() string       { return dateIntervalInput }
func (dateInterval) Defaults() map[string]any  { return nil }

func (dateInterval) NormalizeParams(params map[string]any) {
	if !has(params, "referenceDate") {
		delete(params, "referenceDate")
	}
}

func (dateInterval) CheckParams(params map[string]any) error {
	if has(params, "referenceDate") {
		if _, err := ParseDate(text(params, "referenceDate")); err != nil {
			return domain.InvalidParametersError(err.Error(), "referenceDate")
		}
	}
	return nil
}

func (dateInterval) CheckPayload(_, payload map[string]any) error {
	var bad []string
	for _, k := range []string{"referenceDate", "evaluatedDate"} {
		if !has(payload, k) {
			continue
		}
		if _, err := ParseDate(text(payload, k)); err != nil {
			bad = append(bad, k)
		}
	}
	if len(bad) > 0 {
		return domain.InvalidParametersError("unrecognized date", bad...)
	}
	return nil
}

func (dateInterval) Missing(params, input map[string]any) []string {
	var out []string
	if !has(input, "referenceDate") && !has(params, "referenceDate") {
		out = append(out, "referenceDate")
	}
	if !has(input, "evaluatedDate") {
		out = append(out, "evaluatedDate")
	}
	return out
}

func (d dateInterval) Evaluate(params, input map[string]any, _ Context) (map[string]any, error) {
	if missing := d.Missing(params, input); len(missing) > 0 {
		return nil, domain.IncompleteInputError(missing...)
	}
	refText := text(input, "referenceDate")
	if refText == "" {
		refText = text(params, "referenceDate")
	}
	ref, err := ParseDate(refText)
	if err != nil {
		return nil, domain.InvalidParametersError(err.Error(), "referenceDate")
	}
	evaluated, err := ParseDate(text(input, "evaluatedDate"))
	if err != nil {
		return nil, domain.InvalidParametersError(err.Error(), "evaluatedDate")
	}
	unit := int(numberOr(params, "intervalType", IntervalDays))
	n := int(numberOr(params, "deadlineInterval", 0))
	deadline := IntervalDeadline(params, ref)

	// Whole calendar days on both sides; the reference day is day 1.
	diff := daysBetween(evaluated, deadline)
	late := 0
	if diff < 0 {
		late = -diff
	}
	return map[string]any{
		"name":             text(params, "name"),
		"referenceDate":    formatDate(ref),
		"evaluatedDate":    formatDate(evaluated),
		"deadline":         formatDate(deadline),
		"intervalType":     unit,
		"deadlineInterval": n,
		"withinInterval":   diff >= 0,
		"days":             daysBetween(ref, evaluated) + 1,
		"dayDifference":    diff,
		"daysLate":         late,
	}, nil
}

func addInterval(t time.Time, unit, n int) time.Time {
	switch unit {
	case IntervalWeeks:
		return t.AddDate(0, 0, 7*n)
	case IntervalMonths:
		return t.AddDate(0, n, 0)
	case IntervalYears:
		return t.AddDate(n, 0, 0)
	default:
		return t.AddDate(0, 0, n)
	}
}

// IntervalDeadline returns the last calendar day inside the interval a
// CheckDateInterval clause with params opens at ref. A zero interval ends on
// the reference day itself.
func IntervalDeadline(params map[string]any, ref time.Time) time.Time {
	unit := int(numberOr(params, "intervalType", IntervalDays))
	n := int(numberOr(params, "deadlineInterval", 0))
	start := dayStart(ref)
	if n == 0 {
		return start
	}
	return addInterval(start, unit, n).AddDate(0, 0, -1)
}
