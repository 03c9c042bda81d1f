package evaluator

import (
	"math"

	"clauseline/internal/domain"
)

const paymentParams = `{
  "type": "object",
  "properties": {
    "name": {"type": "string"},
    "amount": {"type": "number", "exclusiveMinimum": 0},
    "paymentRate": {"type": "number", "minimum": 0},
    "partialPayment": {"type": "boolean"},
    "addBonus": {"type": ["boolean", "string"]},
    "addFine": {"type": ["boolean", "string"]}
  },
  "required": ["amount"]
}`

const paymentInput = `{
  "type": "object",
  "properties": {
    "payment": {"type": "number", "exclusiveMinimum": 0},
    "date": {"type": "string"},
    "finalPayment": {"type": "boolean"},
    "receipt": {"type": "string", "minLength": 1}
  },
  "required": ["payment", "receipt"]
}`

// payment accumulates receipted payments until the target is met or the
// payer marks the last one final.
type payment struct{ base }

func (payment) Action() domain.ActionType { return domain.ActionPayment }
func (payment) ParamsSchema() string      { return paymentParams }
func (payment) InputSchema() string       { return paymentInput }

func (payment) Defaults() map[string]any {
	return map[string]any{
		"paymentRate":    10.0,
		"partialPayment": false,
		"addBonus":       false,
		"addFine":        false,
	}
}

func (payment) CheckPayload(params, payload map[string]any) error {
	if has(payload, "date") {
		if _, err := ParseDate(text(payload, "date")); err != nil {
			return domain.InvalidParametersError(err.Error(), "date")
		}
	}
	amount, _ := number(params, "amount")
	paid, _ := number(payload, "payment")
	if !flag(params, "partialPayment") && paid < amount && !flag(payload, "finalPayment") {
		return domain.InvalidParametersError("partial payments are not enabled for this clause", "payment")
	}
	return nil
}

func (payment) Merge(_ map[string]any, current, payload map[string]any, ectx Context) map[string]any {
	var payments []any
	if prev, ok := current["payments"].([]any); ok {
		payments = append(payments, prev...)
	}
	date := text(payload, "date")
	if date == "" {
		date = formatDate(ectx.Now)
	} else if t, err := ParseDate(date); err == nil {
		date = formatDate(t)
	}
	paid, _ := number(payload, "payment")
	payments = append(payments, map[string]any{
		"amount":  paid,
		"date":    date,
		"receipt": text(payload, "receipt"),
	})
	total := 0.0
	for _, p := range payments {
		if m, ok := p.(map[string]any); ok {
			v, _ := number(m, "amount")
			total += v
		}
	}
	return map[string]any{
		"payments":        payments,
		"paidTotal":       money(total),
		"lastPaymentDate": date,
		"finalPayment":    flag(current, "finalPayment") || flag(payload, "finalPayment"),
	}
}

func (payment) Missing(_, input map[string]any) []string {
	if ps, ok := input["payments"].([]any); ok && len(ps) > 0 {
		return nil
	}
	return []string{"payment", "receipt"}
}

func (p payment) Settled(params, input map[string]any, ectx Context) bool {
	if flag(input, "finalPayment") {
		return true
	}
	t, err := p.target(params, ectx)
	if err != nil {
		// Evaluate reports the missing dependency.
		return true
	}
	paid, _ := number(input, "paidTotal")
	return paid >= t.total
}

type paymentTarget struct {
	amount, bonus, fine, total float64
}

// target adjusts the amount by dependency credits and fines. addBonus and
// addFine are either true (every credit or deduction dependency) or the
// reference of one dependency.
func (payment) target(params map[string]any, ectx Context) (paymentTarget, error) {
	t := paymentTarget{}
	t.amount, _ = number(params, "amount")
	var err error
	if t.bonus, err = adjustment(params["addBonus"], "creditName", "credit", ectx); err != nil {
		return t, err
	}
	if t.fine, err = adjustment(params["addFine"], "fineName", "fine", ectx); err != nil {
		return t, err
	}
	t.total = money(math.Max(0, t.amount+t.bonus-t.fine))
	return t, nil
}

func adjustment(sel any, marker, field string, ectx Context) (float64, error) {
	switch v := sel.(type) {
	case bool:
		if !v || ectx.Dependencies == nil {
			return 0, nil
		}
		sum := 0.0
		for _, ref := range ectx.Dependencies.Refs() {
			res, ok := ectx.Dependencies.Result(ref)
			if !ok {
				continue
			}
			if _, isKind := res[marker]; isKind {
				sum += numberOr(res, field, 0)
			}
		}
		return sum, nil
	case string:
		if v == "" {
			return 0, nil
		}
		res, ok := ectx.dependency(v)
		if !ok {
			return 0, &domain.MissingDependencyResultError{Clause: v}
		}
		amount, ok := number(res, field)
		if !ok {
			return 0, &domain.MissingDependencyResultError{Clause: v, Field: field}
		}
		return amount, nil
	}
	return 0, nil
}

func (p payment) Evaluate(params, input map[string]any, ectx Context) (map[string]any, error) {
	if missing := p.Missing(params, input); len(missing) > 0 {
		return nil, domain.IncompleteInputError(missing...)
	}
	t, err := p.target(params, ectx)
	if err != nil {
		return nil, err
	}
	paid, _ := number(input, "paidTotal")
	if !flag(input, "finalPayment") && paid < t.total {
		return nil, domain.IncompleteInputError("payment")
	}
	payments, _ := input["payments"].([]any)
	return map[string]any{
		"name":         text(params, "name"),
		"amount":       t.amount,
		"bonus":        money(t.bonus),
		"fine":         money(t.fine),
		"target":       t.total,
		"paidTotal":    paid,
		"remaining":    money(math.Max(0, t.total-paid)),
		"settled":      paid >= t.total,
		"finalPayment": flag(input, "finalPayment"),
		"paymentRate":  numberOr(params, "paymentRate", 0),
		"payments":     payments,
	}, nil
}
