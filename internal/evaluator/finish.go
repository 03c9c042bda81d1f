package evaluator

import (
	"encoding/json"

	"clauseline/internal/domain"
)

const checkSchema = `{
  "type": "object",
  "properties": {
    "tag": {"type": "string", "minLength": 1},
    "referenceValue": {},
    "dataType": {"type": "string"},
    "conditionalCheck": {"type": "string", "enum": ["equal", "notEqual", "greater", "smaller"]}
  },
  "required": ["tag", "conditionalCheck"]
}`

const finishParams = `{
  "type": "object",
  "properties": {
    "name": {"type": "string"},
    "forceCancellation": {"type": "boolean"},
    "requestedCancellation": {"type": "boolean"},
    "cancellationCheckValue": ` + checkSchema + `,
    "autoFinalizationValue": ` + checkSchema + `
  }
}`

const finishInput = `{
  "type": "object",
  "properties": {
    "forceCancellation": {"type": "boolean"},
    "requestedCancellation": {"type": "boolean"}
  }
}`

var checkKeys = []string{"cancellationCheckValue", "autoFinalizationValue"}

// finish closes the contract, either forced or through conditional checks
// over contract data.
type finish struct {
	base
	cmp *Comparator
}

func (finish) Action() domain.ActionType { return domain.ActionFinishContract }
func (finish) ParamsSchema() string      { return finishParams }
func (finish) InputSchema() string       { return finishInput }

func (finish) Defaults() map[string]any {
	return map[string]any{
		"forceCancellation":     false,
		"requestedCancellation": false,
	}
}

// NormalizeParams drops checks the client sent as empty placeholders.
func (finish) NormalizeParams(params map[string]any) {
	for _, k := range checkKeys {
		v, ok := params[k]
		if !ok {
			continue
		}
		m, isMap := v.(map[string]any)
		if v == nil || v == "" || (isMap && !has(m, "tag")) {
			delete(params, k)
		}
	}
}

func (f finish) CheckParams(params map[string]any) error {
	var bad []string
	for _, k := range checkKeys {
		chk, ok := checkFrom(params, k)
		if !ok {
			continue
		}
		if err := f.cmp.Validate(chk); err != nil {
			bad = append(bad, k)
		}
	}
	if len(bad) > 0 {
		return domain.InvalidParametersError("invalid conditional check", bad...)
	}
	if flag(params, "requestedCancellation") && !hasCheck(params) {
		return domain.InvalidParametersError("requested cancellation needs a cancellationCheckValue or autoFinalizationValue", checkKeys...)
	}
	return nil
}

func (finish) CheckPayload(params, payload map[string]any) error {
	if flag(payload, "requestedCancellation") && !flag(payload, "forceCancellation") && !hasCheck(params) {
		return domain.InvalidParametersError("clause has no cancellation check to run", "requestedCancellation")
	}
	return nil
}

func (finish) Missing(params, input map[string]any) []string {
	if forced(params, input) || requested(params, input) {
		return nil
	}
	if _, ok := checkFrom(params, "autoFinalizationValue"); ok {
		return nil
	}
	return []string{"requestedCancellation"}
}

// Settled holds an auto-finalization check back until it passes, so the
// clause stays Ready while contract data catches up.
func (f finish) Settled(params, input map[string]any, ectx Context) bool {
	if forced(params, input) || requested(params, input) {
		return true
	}
	chk, ok := checkFrom(params, "autoFinalizationValue")
	if !ok {
		return true
	}
	actual, ok := ectx.ContractData[chk.Tag]
	if !ok {
		return false
	}
	passed, err := f.cmp.Compare(chk, actual)
	return err == nil && passed
}

func (f finish) Evaluate(params, input map[string]any, ectx Context) (map[string]any, error) {
	if missing := f.Missing(params, input); len(missing) > 0 {
		return nil, domain.IncompleteInputError(missing...)
	}
	if forced(params, input) {
		return map[string]any{
			"finished":  true,
			"cancelled": true,
			"forced":    true,
			"checks":    map[string]any{},
		}, nil
	}
	checks := map[string]any{}
	run := func(key string) (bool, error) {
		chk, ok := checkFrom(params, key)
		if !ok {
			return false, nil
		}
		actual, ok := ectx.ContractData[chk.Tag]
		if !ok {
			return false, &domain.MissingDependencyResultError{Clause: "contract.data", Field: chk.Tag}
		}
		passed, err := f.cmp.Compare(chk, actual)
		if err != nil {
			return false, err
		}
		checks[key] = map[string]any{
			"tag":              chk.Tag,
			"value":            actual,
			"referenceValue":   chk.ReferenceValue,
			"conditionalCheck": chk.ConditionalCheck,
			"passed":           passed,
		}
		return passed, nil
	}

	cancelled := false
	if requested(params, input) {
		var err error
		if cancelled, err = run("cancellationCheckValue"); err != nil {
			return nil, err
		}
	}
	autoFinal, err := run("autoFinalizationValue")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"finished":  cancelled || autoFinal,
		"cancelled": cancelled,
		"forced":    false,
		"requested": requested(params, input),
		"checks":    checks,
	}, nil
}

func forced(params, input map[string]any) bool {
	return flag(params, "forceCancellation") || flag(input, "forceCancellation")
}

func requested(params, input map[string]any) bool {
	return flag(params, "requestedCancellation") || flag(input, "requestedCancellation")
}

func hasCheck(params map[string]any) bool {
	for _, k := range checkKeys {
		if _, ok := checkFrom(params, k); ok {
			return true
		}
	}
	return false
}

func checkFrom(params map[string]any, key string) (Check, bool) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return Check{}, false
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return Check{}, false
	}
	var chk Check
	if err := json.Unmarshal(b, &chk); err != nil || chk.Tag == "" {
		return Check{}, false
	}
	return chk, true
}
