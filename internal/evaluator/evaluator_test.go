package evaluator_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clauseline/internal/domain"
	"clauseline/internal/evaluator"
)

type deps map[string]map[string]any

func (d deps) Result(ref string) (map[string]any, bool) {
	r, ok := d[ref]
	return r, ok
}

func (d deps) Refs() []string {
	out := make([]string, 0, len(d))
	for k := range d {
		out = append(out, k)
	}
	return out
}

var now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T) *evaluator.Registry {
	t.Helper()
	reg, err := evaluator.NewRegistry(evaluator.DefaultDefaults())
	require.NoError(t, err)
	return reg
}

func evaluate(t *testing.T, reg *evaluator.Registry, a domain.ActionType, params, input map[string]any, ectx evaluator.Context) (map[string]any, error) {
	t.Helper()
	p, err := reg.PrepareParams(a, params)
	require.NoError(t, err)
	ev, err := reg.Lookup(a)
	require.NoError(t, err)
	return ev.Evaluate(p, input, ectx)
}

func validationCode(t *testing.T, err error) *domain.ValidationError {
	t.Helper()
	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve), "expected validation error, got %v", err)
	return ve
}

func TestPrepareParamsAppliesDefaults(t *testing.T) {
	reg := newRegistry(t)
	p, err := reg.PrepareParams(domain.ActionGetDeduction, map[string]any{"maxReferenceValue": "1000"})
	require.NoError(t, err)
	assert.Equal(t, "calculateFine", p["fineName"])
	assert.Equal(t, 10.0, p["maxPercentage"])
	assert.Equal(t, true, p["imposeFine"])
	assert.Equal(t, 1000.0, p["maxReferenceValue"])

	p, err = reg.PrepareParams(domain.ActionGetCredit, map[string]any{"predefinedValue": ""})
	require.NoError(t, err)
	assert.Equal(t, "defaultCredit", p["creditName"])
	assert.NotContains(t, p, "predefinedValue")
}

func TestPrepareParamsRejectsBadShapes(t *testing.T) {
	reg := newRegistry(t)
	cases := []struct {
		name   string
		action domain.ActionType
		params map[string]any
		fields []string
	}{
		{"interval missing", domain.ActionCheckDateInterval, map[string]any{"name": "x"}, []string{"deadlineInterval", "intervalType"}},
		{"interval unit", domain.ActionCheckDateInterval, map[string]any{"intervalType": 9, "deadlineInterval": 1}, []string{"intervalType"}},
		{"payment amount", domain.ActionPayment, map[string]any{"amount": 0}, []string{"amount"}},
		{"deduction max", domain.ActionGetDeduction, map[string]any{}, []string{"maxReferenceValue"}},
		{"bad reference date", domain.ActionCheckDateInterval, map[string]any{"intervalType": 1, "deadlineInterval": 1, "referenceDate": "soon"}, []string{"referenceDate"}},
		{"finish bad check", domain.ActionFinishContract, map[string]any{
			"autoFinalizationValue": map[string]any{"tag": "ok", "dataType": "bool", "conditionalCheck": "greater"},
		}, []string{"autoFinalizationValue"}},
		{"finish requested without check", domain.ActionFinishContract, map[string]any{"requestedCancellation": true}, []string{"autoFinalizationValue", "cancellationCheckValue"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.PrepareParams(tc.action, tc.params)
			require.Error(t, err)
			ve := validationCode(t, err)
			assert.Equal(t, domain.CodeInvalidParameters, ve.Code)
			assert.Equal(t, tc.fields, ve.Fields)
		})
	}
}

func TestUnknownActionType(t *testing.T) {
	reg := newRegistry(t)
	_, err := reg.PrepareParams(domain.ActionNonExecutable, map[string]any{})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestPreparePayload(t *testing.T) {
	reg := newRegistry(t)
	params := map[string]any{"amount": 100.0, "partialPayment": false}

	_, err := reg.PreparePayload(domain.ActionPayment, params, map[string]any{"payment": "100"})
	ve := validationCode(t, err)
	assert.Equal(t, domain.CodeIncompleteInput, ve.Code)
	assert.Equal(t, []string{"receipt"}, ve.Fields)

	_, err = reg.PreparePayload(domain.ActionPayment, params, map[string]any{"payment": 40, "receipt": "r1"})
	ve = validationCode(t, err)
	assert.Equal(t, domain.CodeInvalidParameters, ve.Code)

	out, err := reg.PreparePayload(domain.ActionPayment, params, map[string]any{"payment": "100", "receipt": "r1", "finalPayment": "false"})
	require.NoError(t, err)
	assert.Equal(t, 100.0, out["payment"])
	assert.Equal(t, false, out["finalPayment"])

	_, err = reg.PreparePayload(domain.ActionCheckDateInterval, map[string]any{}, map[string]any{"evaluatedDate": 12})
	ve = validationCode(t, err)
	assert.Equal(t, domain.CodeInvalidParameters, ve.Code)
	assert.Equal(t, []string{"evaluatedDate"}, ve.Fields)
}

func TestCheckDateInterval(t *testing.T) {
	reg := newRegistry(t)
	params := map[string]any{"name": "delivery", "intervalType": 1, "deadlineInterval": 10}

	res, err := evaluate(t, reg, domain.ActionCheckDateInterval, params, map[string]any{
		"referenceDate": "2024-01-01", "evaluatedDate": "2024-01-08",
	}, evaluator.Context{Now: now})
	require.NoError(t, err)
	assert.Equal(t, true, res["withinInterval"])
	assert.Equal(t, "2024-01-10T00:00:00Z", res["deadline"])
	assert.Equal(t, 8, res["days"])
	assert.Equal(t, 2, res["dayDifference"])
	assert.Equal(t, 0, res["daysLate"])

	res, err = evaluate(t, reg, domain.ActionCheckDateInterval, params, map[string]any{
		"referenceDate": "2024-01-01", "evaluatedDate": "2024-01-15T10:00:00Z",
	}, evaluator.Context{Now: now})
	require.NoError(t, err)
	assert.Equal(t, false, res["withinInterval"])
	assert.Equal(t, 15, res["days"])
	assert.Equal(t, -5, res["dayDifference"])
	assert.Equal(t, 5, res["daysLate"])
}

func TestCheckDateIntervalBoundaryDays(t *testing.T) {
	reg := newRegistry(t)
	params := map[string]any{"intervalType": 1, "deadlineInterval": 10}
	cases := []struct {
		evaluated string
		within    bool
		days      int
		late      int
	}{
		{"2024-01-10T23:59:00Z", true, 10, 0},
		{"2024-01-11", false, 11, 1},
		{"2024-01-11T10:00:00Z", false, 11, 1},
	}
	for _, tc := range cases {
		t.Run(tc.evaluated, func(t *testing.T) {
			res, err := evaluate(t, reg, domain.ActionCheckDateInterval, params, map[string]any{
				"referenceDate": "2024-01-01", "evaluatedDate": tc.evaluated,
			}, evaluator.Context{Now: now})
			require.NoError(t, err)
			assert.Equal(t, tc.within, res["withinInterval"])
			assert.Equal(t, tc.days, res["days"])
			assert.Equal(t, tc.late, res["daysLate"])

			fine, err := evaluate(t, reg, domain.ActionGetDeduction,
				map[string]any{"maxReferenceValue": 1000, "imposeFine": true},
				map[string]any{"referenceValue": 1000, "dailyPercentage": 1, "referenceClauseDays": true, "referenceClauseName": "delivery"},
				evaluator.Context{Now: now, Dependencies: deps{"delivery": res}})
			require.NoError(t, err)
			assert.EqualValues(t, tc.late, fine["days"])
			assert.Equal(t, float64(tc.late)*10, fine["fine"])
		})
	}
}

func TestCheckDateIntervalZeroInterval(t *testing.T) {
	res, err := evaluate(t, newRegistry(t), domain.ActionCheckDateInterval,
		map[string]any{"intervalType": 1, "deadlineInterval": 0},
		map[string]any{"referenceDate": "2024-01-01T08:00:00Z", "evaluatedDate": "2024-01-01T18:00:00Z"},
		evaluator.Context{Now: now})
	require.NoError(t, err)
	assert.Equal(t, true, res["withinInterval"])
	assert.Equal(t, "2024-01-01T00:00:00Z", res["deadline"])
	assert.Equal(t, 1, res["days"])
}

func TestCheckDateIntervalCalendarUnits(t *testing.T) {
	reg := newRegistry(t)
	cases := []struct {
		unit     int
		n        int
		deadline string
	}{
		{evaluator.IntervalWeeks, 2, "2024-01-28T00:00:00Z"},
		{evaluator.IntervalMonths, 1, "2024-02-14T00:00:00Z"},
		{evaluator.IntervalYears, 1, "2025-01-14T00:00:00Z"},
	}
	for _, tc := range cases {
		res, err := evaluate(t, reg, domain.ActionCheckDateInterval,
			map[string]any{"intervalType": tc.unit, "deadlineInterval": tc.n, "referenceDate": "2024-01-15"},
			map[string]any{"evaluatedDate": "2024-01-20"}, evaluator.Context{Now: now})
		require.NoError(t, err)
		assert.Equal(t, tc.deadline, res["deadline"])
	}
}

func TestCheckDateIntervalMissing(t *testing.T) {
	ev, err := newRegistry(t).Lookup(domain.ActionCheckDateInterval)
	require.NoError(t, err)
	assert.Equal(t, []string{"referenceDate", "evaluatedDate"}, ev.Missing(map[string]any{}, map[string]any{}))
	assert.Equal(t, []string{"evaluatedDate"}, ev.Missing(map[string]any{"referenceDate": "2024-01-01"}, map[string]any{}))
}

func TestGetDeduction(t *testing.T) {
	reg := newRegistry(t)
	params := map[string]any{"maxPercentage": 10, "maxReferenceValue": 1000}

	res, err := evaluate(t, reg, domain.ActionGetDeduction, params, map[string]any{
		"referenceValue": 1000, "dailyPercentage": 2, "days": 5,
	}, evaluator.Context{Now: now})
	require.NoError(t, err)
	assert.Equal(t, 100.0, res["fine"])
	assert.Equal(t, false, res["capped"])

	res, err = evaluate(t, reg, domain.ActionGetDeduction, params, map[string]any{
		"referenceValue": 1000, "dailyPercentage": 2, "days": 30,
	}, evaluator.Context{Now: now})
	require.NoError(t, err)
	assert.Equal(t, 100.0, res["fine"])
	assert.Equal(t, 600.0, res["rawFine"])
	assert.Equal(t, true, res["capped"])

	res, err = evaluate(t, reg, domain.ActionGetDeduction, map[string]any{"maxReferenceValue": 1000, "imposeFine": false}, map[string]any{
		"referenceValue": 1000, "dailyPercentage": 2, "days": 5,
	}, evaluator.Context{Now: now})
	require.NoError(t, err)
	assert.Equal(t, 0.0, res["fine"])
}

func TestGetDeductionReadsDependencyDays(t *testing.T) {
	reg := newRegistry(t)
	params := map[string]any{"maxPercentage": 50, "maxReferenceValue": 1000}
	input := map[string]any{
		"referenceValue": 1000, "dailyPercentage": 1,
		"referenceClauseDays": true, "referenceClauseName": "delivery",
	}

	res, err := evaluate(t, reg, domain.ActionGetDeduction, params, input, evaluator.Context{
		Now: now, Dependencies: deps{"delivery": {"daysLate": 3.0, "days": 13.0}},
	})
	require.NoError(t, err)
	assert.Equal(t, 30.0, res["fine"])
	assert.Equal(t, "delivery", res["daysSource"])

	_, err = evaluate(t, reg, domain.ActionGetDeduction, params, input, evaluator.Context{Now: now, Dependencies: deps{}})
	var mdr *domain.MissingDependencyResultError
	require.ErrorAs(t, err, &mdr)
	assert.Equal(t, "delivery", mdr.Clause)

	_, err = evaluate(t, reg, domain.ActionGetDeduction, params, input, evaluator.Context{
		Now: now, Dependencies: deps{"delivery": {"withinInterval": true}},
	})
	require.ErrorAs(t, err, &mdr)
	assert.Equal(t, "days", mdr.Field)
}

func TestGetCredit(t *testing.T) {
	reg := newRegistry(t)

	res, err := evaluate(t, reg, domain.ActionGetCredit, map[string]any{"imposeCredit": true, "percentage": 10},
		map[string]any{"storedValue": 200}, evaluator.Context{Now: now})
	require.NoError(t, err)
	assert.Equal(t, 20.0, res["credit"])

	res, err = evaluate(t, reg, domain.ActionGetCredit, map[string]any{"imposeCredit": true, "predefinedValue": 75},
		map[string]any{}, evaluator.Context{Now: now})
	require.NoError(t, err)
	assert.Equal(t, 75.0, res["credit"])

	res, err = evaluate(t, reg, domain.ActionGetCredit, map[string]any{"imposeCredit": false},
		map[string]any{"storedValue": 200}, evaluator.Context{Now: now})
	require.NoError(t, err)
	assert.Equal(t, 0.0, res["credit"])
	assert.Equal(t, 20.0, res["computed"])
}

func TestGetCreditReviewCondition(t *testing.T) {
	reg := newRegistry(t)
	params := map[string]any{"imposeCredit": true, "reviewCondition": true}

	_, err := evaluate(t, reg, domain.ActionGetCredit, params, map[string]any{"storedValue": 100}, evaluator.Context{Now: now})
	ve := validationCode(t, err)
	assert.Equal(t, domain.CodeIncompleteInput, ve.Code)
	assert.Equal(t, []string{"comments", "rating"}, ve.Fields)

	res, err := evaluate(t, reg, domain.ActionGetCredit, params, map[string]any{
		"storedValue": 100, "rating": 4, "comments": "on time",
	}, evaluator.Context{Now: now})
	require.NoError(t, err)
	assert.Equal(t, 10.0, res["credit"])
	review := res["review"].(map[string]any)
	assert.Equal(t, "on time", review["comments"])
}

func TestPaymentAccumulates(t *testing.T) {
	reg := newRegistry(t)
	params, err := reg.PrepareParams(domain.ActionPayment, map[string]any{"amount": 100, "partialPayment": true})
	require.NoError(t, err)
	ev, err := reg.Lookup(domain.ActionPayment)
	require.NoError(t, err)
	ectx := evaluator.Context{Now: now}

	input := ev.Merge(params, map[string]any{}, map[string]any{"payment": 40.0, "receipt": "r1", "date": "2024-01-02"}, ectx)
	assert.Empty(t, ev.Missing(params, input))
	assert.False(t, ev.Settled(params, input, ectx))
	_, err = ev.Evaluate(params, input, ectx)
	assert.Equal(t, domain.CodeIncompleteInput, validationCode(t, err).Code)

	input = ev.Merge(params, input, map[string]any{"payment": 60.0, "receipt": "r2"}, ectx)
	assert.Equal(t, 100.0, input["paidTotal"])
	assert.True(t, ev.Settled(params, input, ectx))

	res, err := ev.Evaluate(params, input, ectx)
	require.NoError(t, err)
	assert.Equal(t, true, res["settled"])
	assert.Equal(t, 0.0, res["remaining"])
	assert.Len(t, res["payments"], 2)
}

func TestPaymentFinalPaymentSettlesShort(t *testing.T) {
	reg := newRegistry(t)
	params, err := reg.PrepareParams(domain.ActionPayment, map[string]any{"amount": 100})
	require.NoError(t, err)
	ev, _ := reg.Lookup(domain.ActionPayment)
	ectx := evaluator.Context{Now: now}

	input := ev.Merge(params, nil, map[string]any{"payment": 70.0, "receipt": "r1", "finalPayment": true}, ectx)
	require.True(t, ev.Settled(params, input, ectx))
	res, err := ev.Evaluate(params, input, ectx)
	require.NoError(t, err)
	assert.Equal(t, false, res["settled"])
	assert.Equal(t, 30.0, res["remaining"])
}

func TestPaymentTargetAdjustments(t *testing.T) {
	reg := newRegistry(t)
	ev, _ := reg.Lookup(domain.ActionPayment)
	ectx := evaluator.Context{Now: now, Dependencies: deps{
		"fine-1":   {"fineName": "late", "fine": 30.0},
		"credit-1": {"creditName": "bonus", "credit": 10.0},
	}}

	params, err := reg.PrepareParams(domain.ActionPayment, map[string]any{"amount": 100, "partialPayment": true, "addBonus": true, "addFine": "fine-1"})
	require.NoError(t, err)
	input := ev.Merge(params, nil, map[string]any{"payment": 80.0, "receipt": "r1"}, ectx)
	res, err := ev.Evaluate(params, input, ectx)
	require.NoError(t, err)
	assert.Equal(t, 80.0, res["target"])
	assert.Equal(t, 10.0, res["bonus"])
	assert.Equal(t, 30.0, res["fine"])

	params, err = reg.PrepareParams(domain.ActionPayment, map[string]any{"amount": 100, "addFine": "nope"})
	require.NoError(t, err)
	_, err = ev.Evaluate(params, input, ectx)
	require.ErrorIs(t, err, domain.ErrMissingDependencyResult)
}

func TestFinishContract(t *testing.T) {
	reg := newRegistry(t)
	check := func(tag, dt, cond string, ref any) map[string]any {
		return map[string]any{"tag": tag, "dataType": dt, "conditionalCheck": cond, "referenceValue": ref}
	}
	cases := []struct {
		name      string
		params    map[string]any
		input     map[string]any
		data      map[string]any
		finished  bool
		cancelled bool
	}{
		{"forced", map[string]any{"forceCancellation": true}, nil, nil, true, true},
		{"forced by input", map[string]any{}, map[string]any{"forceCancellation": true}, nil, true, true},
		{"number greater", map[string]any{
			"requestedCancellation":  true,
			"cancellationCheckValue": check("delay", "number", "greater", "10"),
		}, nil, map[string]any{"delay": 12.0}, true, true},
		{"number not greater", map[string]any{
			"cancellationCheckValue": check("delay", "number", "greater", 10),
		}, map[string]any{"requestedCancellation": true}, map[string]any{"delay": 3.0}, false, false},
		{"string equal auto", map[string]any{
			"autoFinalizationValue": check("state", "string", "equal", "delivered"),
		}, nil, map[string]any{"state": "delivered"}, true, false},
		{"date smaller", map[string]any{
			"autoFinalizationValue": check("deliveredAt", "date", "smaller", "2024-02-01"),
		}, nil, map[string]any{"deliveredAt": "2024-01-20T08:00:00Z"}, true, false},
		{"bool notEqual", map[string]any{
			"autoFinalizationValue": check("disputed", "bool", "notEqual", true),
		}, nil, map[string]any{"disputed": false}, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := evaluate(t, reg, domain.ActionFinishContract, tc.params, tc.input, evaluator.Context{Now: now, ContractData: tc.data})
			require.NoError(t, err)
			assert.Equal(t, tc.finished, res["finished"])
			assert.Equal(t, tc.cancelled, res["cancelled"])
		})
	}
}

func TestFinishContractMissingTagAndPlaceholders(t *testing.T) {
	reg := newRegistry(t)
	params, err := reg.PrepareParams(domain.ActionFinishContract, map[string]any{
		"cancellationCheckValue": map[string]any{"tag": "", "referenceValue": "", "dataType": "", "conditionalCheck": ""},
		"autoFinalizationValue":  map[string]any{"tag": "delay", "dataType": "number", "conditionalCheck": "smaller", "referenceValue": 5},
	})
	require.NoError(t, err)
	assert.NotContains(t, params, "cancellationCheckValue")

	ev, _ := reg.Lookup(domain.ActionFinishContract)
	assert.Empty(t, ev.Missing(params, nil))
	_, err = ev.Evaluate(params, nil, evaluator.Context{Now: now, ContractData: map[string]any{}})
	require.ErrorIs(t, err, domain.ErrMissingDependencyResult)

	bare, err := reg.PrepareParams(domain.ActionFinishContract, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, []string{"requestedCancellation"}, ev.Missing(bare, nil))
}

func TestFinishContractSettledWaitsForCheck(t *testing.T) {
	reg := newRegistry(t)
	ev, err := reg.Lookup(domain.ActionFinishContract)
	require.NoError(t, err)
	params, err := reg.PrepareParams(domain.ActionFinishContract, map[string]any{
		"autoFinalizationValue": map[string]any{"tag": "accepted", "dataType": "boolean", "conditionalCheck": "equal", "referenceValue": true},
	})
	require.NoError(t, err)

	assert.False(t, ev.Settled(params, nil, evaluator.Context{Now: now, ContractData: map[string]any{}}))
	assert.False(t, ev.Settled(params, nil, evaluator.Context{Now: now, ContractData: map[string]any{"accepted": false}}))
	assert.True(t, ev.Settled(params, nil, evaluator.Context{Now: now, ContractData: map[string]any{"accepted": true}}))
	assert.True(t, ev.Settled(params, map[string]any{"forceCancellation": true}, evaluator.Context{Now: now}))
}

func TestComparatorCachesPrograms(t *testing.T) {
	cmp, err := evaluator.NewComparator()
	require.NoError(t, err)
	chk := evaluator.Check{Tag: "n", DataType: "number", ConditionalCheck: "equal", ReferenceValue: 3}
	for i := 0; i < 3; i++ {
		ok, err := cmp.Compare(chk, 3.0)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	_, err = cmp.Compare(chk, "three")
	require.ErrorIs(t, err, domain.ErrValidation)
}
