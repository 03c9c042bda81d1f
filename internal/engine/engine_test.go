package engine_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clauseline/internal/blob"
	"clauseline/internal/config"
	"clauseline/internal/db"
	"clauseline/internal/domain"
	"clauseline/internal/engine"
	"clauseline/internal/events"
	"clauseline/internal/graph"
	"clauseline/internal/migrate"
	"clauseline/internal/repo"
)

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Owner    domain.User
	Other    domain.User
	Contract domain.Contract
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	eng, err := engine.New(conn, config.Default())
	require.NoError(t, err)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Receipts = blob.NewLocalStore(filepath.Join(dir, "receipts"), 1<<20)

	ctx := context.Background()
	owner, err := eng.CreateUser(ctx, engine.CreateUserOptions{Name: "Alice", Username: "alice", Email: "alice@example.com"})
	require.NoError(t, err)
	other, err := eng.CreateUser(ctx, engine.CreateUserOptions{Name: "Bob", Username: "bob", Email: "bob@example.com"})
	require.NoError(t, err)
	c, err := eng.CreateContract(ctx, engine.CreateContractOptions{Name: "Supply", ActorID: owner.Key})
	require.NoError(t, err)
	return &testEnv{Engine: eng, Ctx: ctx, Owner: owner, Other: other, Contract: c}
}

func (env *testEnv) addClause(t *testing.T, id string, a domain.ActionType, params map[string]any, deps ...string) domain.Clause {
	t.Helper()
	cl, err := env.Engine.AddClause(env.Ctx, engine.AddClauseOptions{
		ContractKey:  env.Contract.Key,
		ID:           id,
		ActionType:   a,
		Parameters:   params,
		Dependencies: deps,
		ActorID:      env.Owner.Key,
	})
	require.NoError(t, err)
	return cl
}

func (env *testEnv) submit(t *testing.T, key string, payload map[string]any) domain.Clause {
	t.Helper()
	cl, err := env.Engine.SubmitInput(env.Ctx, key, env.Owner.Key, payload, engine.SubmitOptions{})
	require.NoError(t, err)
	return cl
}

func (env *testEnv) submitPartial(t *testing.T, key string, payload map[string]any) domain.Clause {
	t.Helper()
	cl, err := env.Engine.SubmitInput(env.Ctx, key, env.Owner.Key, payload, engine.SubmitOptions{Partial: true})
	require.NoError(t, err)
	return cl
}

// assertInvariants checks result/finalized agreement and the executable rule
// over every clause of the contract.
func (env *testEnv) assertInvariants(t *testing.T) {
	t.Helper()
	clauses, err := env.Engine.ListClauses(env.Ctx, env.Contract.Key, env.Owner.Key)
	require.NoError(t, err)
	finalized := map[string]bool{}
	for _, cl := range clauses {
		finalized[cl.Key] = cl.Finalized
	}
	for _, cl := range clauses {
		assert.Equal(t, cl.Finalized, cl.Result != nil, "clause %s", cl.ID)
		if cl.Executable {
			for _, d := range cl.Dependencies {
				assert.True(t, finalized[d], "clause %s is executable with open dependency %s", cl.ID, d)
			}
		}
	}
}

func dateParams() map[string]any {
	return map[string]any{"name": "delivery", "intervalType": 1, "deadlineInterval": 10}
}

func deductionParams() map[string]any {
	return map[string]any{"fineName": "late", "maxPercentage": 10, "maxReferenceValue": 1000, "imposeFine": true}
}

func TestAddClauseStates(t *testing.T) {
	env := newTestEnv(t)
	a := env.addClause(t, "a", domain.ActionCheckDateInterval, dateParams())
	assert.Equal(t, domain.StateReady, a.State())
	assert.Equal(t, map[string]any{}, a.Input)

	b := env.addClause(t, "b", domain.ActionGetDeduction, deductionParams(), "a")
	assert.Equal(t, domain.StatePending, b.State())
	assert.Equal(t, []string{a.Key}, b.Dependencies)
	assert.Equal(t, 10.0, b.Parameters["maxPercentage"])

	c, err := env.Engine.GetContract(env.Ctx, env.Contract.Key, env.Other.Key)
	assert.Nil(t, c.Clauses)
	var authErr *domain.AuthError
	require.ErrorAs(t, err, &authErr)
	env.assertInvariants(t)
}

func TestAddClauseValidation(t *testing.T) {
	env := newTestEnv(t)
	env.addClause(t, "a", domain.ActionCheckDateInterval, dateParams())

	cases := []struct {
		name   string
		opts   engine.AddClauseOptions
		target error
		field  string
	}{
		{"unknown contract", engine.AddClauseOptions{ContractKey: "nope", ID: "x", ActionType: domain.ActionGetCredit}, domain.ErrNotFound, ""},
		{"non-executable", engine.AddClauseOptions{ID: "x", ActionType: domain.ActionNonExecutable}, domain.ErrValidation, "actionType"},
		{"missing id", engine.AddClauseOptions{ActionType: domain.ActionCheckDateInterval, Parameters: dateParams()}, domain.ErrValidation, "id"},
		{"duplicate id", engine.AddClauseOptions{ID: "a", ActionType: domain.ActionCheckDateInterval, Parameters: dateParams()}, domain.ErrValidation, "id"},
		{"unknown dependency", engine.AddClauseOptions{ID: "x", ActionType: domain.ActionCheckDateInterval, Parameters: dateParams(), Dependencies: []string{"ghost"}}, domain.ErrNotFound, ""},
		{"self dependency", engine.AddClauseOptions{ID: "x", ActionType: domain.ActionCheckDateInterval, Parameters: dateParams(), Dependencies: []string{"x"}}, domain.ErrCycle, ""},
		{"bad parameters", engine.AddClauseOptions{ID: "x", ActionType: domain.ActionCheckDateInterval, Parameters: map[string]any{"intervalType": 9}}, domain.ErrValidation, "intervalType"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := tc.opts
			if opts.ContractKey == "" {
				opts.ContractKey = env.Contract.Key
			}
			opts.ActorID = env.Owner.Key
			_, err := env.Engine.AddClause(env.Ctx, opts)
			require.ErrorIs(t, err, tc.target)
			if tc.field != "" {
				var ve *domain.ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Contains(t, ve.Fields, tc.field)
			}
		})
	}

	_, err := env.Engine.AddClause(env.Ctx, engine.AddClauseOptions{
		ContractKey: env.Contract.Key, ID: "y", ActionType: domain.ActionCheckDateInterval,
		Parameters: dateParams(), ActorID: env.Other.Key,
	})
	require.ErrorIs(t, err, domain.ErrAuth)
}

func TestDependencyFromAnotherContract(t *testing.T) {
	env := newTestEnv(t)
	other, err := env.Engine.CreateContract(env.Ctx, engine.CreateContractOptions{Name: "Other", ActorID: env.Owner.Key})
	require.NoError(t, err)
	foreign, err := env.Engine.AddClause(env.Ctx, engine.AddClauseOptions{
		ContractKey: other.Key, ID: "f", ActionType: domain.ActionCheckDateInterval, Parameters: dateParams(), ActorID: env.Owner.Key,
	})
	require.NoError(t, err)

	_, err = env.Engine.AddClause(env.Ctx, engine.AddClauseOptions{
		ContractKey: env.Contract.Key, ID: "x", ActionType: domain.ActionGetDeduction,
		Parameters: deductionParams(), Dependencies: []string{foreign.Key}, ActorID: env.Owner.Key,
	})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"dependencies"}, ve.Fields)
}

func TestCycleRejectedGraphUnchanged(t *testing.T) {
	env := newTestEnv(t)
	a := env.addClause(t, "a", domain.ActionCheckDateInterval, dateParams())
	b := env.addClause(t, "b", domain.ActionGetDeduction, deductionParams(), "a")
	c := env.addClause(t, "c", domain.ActionGetDeduction, deductionParams(), "b")

	_, err := env.Engine.AddDependencies(env.Ctx, a.Key, []string{"c"}, env.Owner.Key)
	var ce *domain.CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{a.Key, c.Key, b.Key, a.Key}, ce.Path)

	_, err = env.Engine.AddDependencies(env.Ctx, b.Key, []string{b.Key}, env.Owner.Key)
	require.ErrorIs(t, err, domain.ErrCycle)

	got, err := env.Engine.GetClause(env.Ctx, a.Key, env.Owner.Key)
	require.NoError(t, err)
	assert.Empty(t, got.Dependencies)
	assert.True(t, got.Executable)
	env.assertInvariants(t)
}

func TestAddDependenciesOnReadyClause(t *testing.T) {
	env := newTestEnv(t)
	a := env.addClause(t, "a", domain.ActionCheckDateInterval, dateParams())
	b := env.addClause(t, "b", domain.ActionCheckDateInterval, dateParams())

	_, err := env.Engine.AddDependencies(env.Ctx, b.Key, []string{"a"}, env.Owner.Key)
	assert.True(t, domain.IsConflict(err, domain.ReasonDependencyPending))

	env.submit(t, a.Key, map[string]any{"referenceDate": "2024-01-01", "evaluatedDate": "2024-01-05"})
	got, err := env.Engine.AddDependencies(env.Ctx, b.Key, []string{"a"}, env.Owner.Key)
	require.NoError(t, err)
	assert.Equal(t, []string{a.Key}, got.Dependencies)
	assert.True(t, got.Executable)

	_, err = env.Engine.AddDependencies(env.Ctx, a.Key, []string{"b"}, env.Owner.Key)
	assert.True(t, domain.IsConflict(err, domain.ReasonAlreadyFinalized))
}

func TestDateIntervalWithin(t *testing.T) {
	env := newTestEnv(t)
	a := env.addClause(t, "a", domain.ActionCheckDateInterval, dateParams())

	_, err := env.Engine.SubmitInput(env.Ctx, a.Key, env.Owner.Key, map[string]any{"referenceDate": "2024-01-01"}, engine.SubmitOptions{})
	require.ErrorIs(t, err, domain.ErrValidation)

	a = env.submitPartial(t, a.Key, map[string]any{"referenceDate": "2024-01-01"})
	assert.False(t, a.Finalized)
	assert.Nil(t, a.Result)

	a = env.submit(t, a.Key, map[string]any{"evaluatedDate": "2024-01-08"})
	require.True(t, a.Finalized)
	assert.Equal(t, true, a.Result["withinInterval"])
	assert.Equal(t, "2024-01-10T00:00:00Z", a.Result["deadline"])
	assert.EqualValues(t, 8, a.Result["days"])
	assert.EqualValues(t, 2, a.Result["dayDifference"])
	assert.EqualValues(t, 0, a.Result["daysLate"])

	dates, err := env.Engine.GetDatesWithClause(env.Ctx, env.Contract.Key, env.Owner.Key)
	require.NoError(t, err)
	require.Len(t, dates, 1)
	assert.Equal(t, "2024-01-10T00:00:00Z", dates[0].Deadline)
	require.NotNil(t, dates[0].WithinInterval)
	assert.True(t, *dates[0].WithinInterval)
	assert.Equal(t, 2, *dates[0].DayDifference)
	assert.Equal(t, string(domain.StateFinalized), dates[0].State)
}

func TestDeductionFine(t *testing.T) {
	env := newTestEnv(t)
	d := env.addClause(t, "fine", domain.ActionGetDeduction, deductionParams())
	d = env.submit(t, d.Key, map[string]any{"referenceValue": 1000, "dailyPercentage": 2, "days": 5})
	require.True(t, d.Finalized)
	assert.Equal(t, 100.0, d.Result["fine"])
	assert.Equal(t, false, d.Result["capped"])
}

func TestCreditPredefinedWins(t *testing.T) {
	env := newTestEnv(t)
	c := env.addClause(t, "bonus", domain.ActionGetCredit, map[string]any{
		"creditName": "bonus", "percentage": 10, "predefinedValue": 50, "imposeCredit": true,
	})
	c = env.submit(t, c.Key, map[string]any{"storedValue": 200})
	require.True(t, c.Finalized)
	assert.Equal(t, 50.0, c.Result["credit"])
	assert.Equal(t, 20.0, c.Result["computed"])
}

func TestCascadeAutoFinalizes(t *testing.T) {
	env := newTestEnv(t)
	a := env.addClause(t, "a", domain.ActionCheckDateInterval, dateParams())
	b := env.addClause(t, "b", domain.ActionGetDeduction, deductionParams(), "a")

	b = env.submit(t, b.Key, map[string]any{
		"referenceValue": 1000, "dailyPercentage": 1, "referenceClauseDays": true, "referenceClauseName": "a",
	})
	assert.Equal(t, domain.StatePending, b.State())
	env.assertInvariants(t)

	env.submit(t, a.Key, map[string]any{"referenceDate": "2024-01-01", "evaluatedDate": "2024-01-13"})
	b, err := env.Engine.GetClause(env.Ctx, b.Key, env.Owner.Key)
	require.NoError(t, err)
	require.True(t, b.Finalized)
	assert.EqualValues(t, 3, b.Result["days"])
	assert.Equal(t, 30.0, b.Result["fine"])
	env.assertInvariants(t)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, repo.EventFilter{ContractKey: env.Contract.Key, Type: events.ClauseFinalized})
	require.NoError(t, err)
	assert.Len(t, evts, 2)
}

func TestCascadeMarksReady(t *testing.T) {
	env := newTestEnv(t)
	a := env.addClause(t, "a", domain.ActionCheckDateInterval, dateParams())
	b := env.addClause(t, "b", domain.ActionGetDeduction, deductionParams(), "a")
	c := env.addClause(t, "c", domain.ActionGetDeduction, deductionParams(), "a", "b")

	env.submit(t, a.Key, map[string]any{"referenceDate": "2024-01-01", "evaluatedDate": "2024-01-02"})
	b, err := env.Engine.GetClause(env.Ctx, b.Key, env.Owner.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, b.State())
	c, err = env.Engine.GetClause(env.Ctx, c.Key, env.Owner.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, c.State())
	env.assertInvariants(t)

	_, err = env.Engine.Evaluate(env.Ctx, c.Key, env.Owner.Key)
	assert.True(t, domain.IsConflict(err, domain.ReasonDependencyPending))
	_, err = env.Engine.Evaluate(env.Ctx, b.Key, env.Owner.Key)
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, domain.CodeIncompleteInput, ve.Code)
}

func TestCascadeSkipsFailingDependent(t *testing.T) {
	env := newTestEnv(t)
	a := env.addClause(t, "a", domain.ActionCheckDateInterval, dateParams())
	b := env.addClause(t, "b", domain.ActionGetDeduction, deductionParams(), "a")
	b = env.submit(t, b.Key, map[string]any{
		"referenceValue": 1000, "dailyPercentage": 1, "referenceClauseDays": true, "referenceClauseName": "missing",
	})

	a = env.submit(t, a.Key, map[string]any{"referenceDate": "2024-01-01", "evaluatedDate": "2024-01-02"})
	assert.True(t, a.Finalized)
	b, err := env.Engine.GetClause(env.Ctx, b.Key, env.Owner.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, b.State())

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, repo.EventFilter{ContractKey: env.Contract.Key, Type: events.CascadeSkipped})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, b.Key, evts[0].EntityID)

	_, err = env.Engine.Evaluate(env.Ctx, b.Key, env.Owner.Key)
	require.ErrorIs(t, err, domain.ErrMissingDependencyResult)
}

func TestFinalizedClauseIsImmutable(t *testing.T) {
	env := newTestEnv(t)
	d := env.addClause(t, "fine", domain.ActionGetDeduction, deductionParams())
	d = env.submit(t, d.Key, map[string]any{"referenceValue": 1000, "dailyPercentage": 2, "days": 5})
	require.True(t, d.Finalized)

	_, err := env.Engine.Evaluate(env.Ctx, d.Key, env.Owner.Key)
	assert.True(t, domain.IsConflict(err, domain.ReasonAlreadyFinalized))
	_, err = env.Engine.SubmitInput(env.Ctx, d.Key, env.Owner.Key, map[string]any{"days": 50}, engine.SubmitOptions{})
	assert.True(t, domain.IsConflict(err, domain.ReasonAlreadyFinalized))

	got, err := env.Engine.GetClause(env.Ctx, d.Key, env.Owner.Key)
	require.NoError(t, err)
	assert.Equal(t, d.Result, got.Result)
	assert.Equal(t, d.FinalizedAt, got.FinalizedAt)
}

func TestSubmitInputErrors(t *testing.T) {
	env := newTestEnv(t)
	d := env.addClause(t, "fine", domain.ActionGetDeduction, deductionParams())

	_, err := env.Engine.SubmitInput(env.Ctx, d.Key, env.Owner.Key, map[string]any{"referenceValue": 1000}, engine.SubmitOptions{})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, domain.CodeIncompleteInput, ve.Code)
	assert.Equal(t, []string{"dailyPercentage", "days"}, ve.Fields)

	_, err = env.Engine.SubmitInput(env.Ctx, d.Key, env.Owner.Key, map[string]any{"referenceValue": "lots"}, engine.SubmitOptions{})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, domain.CodeInvalidParameters, ve.Code)

	got, err := env.Engine.GetClause(env.Ctx, d.Key, env.Owner.Key)
	require.NoError(t, err)
	assert.Empty(t, got.Input)

	got, err = env.Engine.SubmitInput(env.Ctx, d.Key, env.Owner.Key, map[string]any{"referenceValue": 1000}, engine.SubmitOptions{Partial: true})
	require.NoError(t, err)
	assert.Equal(t, 1000.0, got.Input["referenceValue"])
	assert.False(t, got.Finalized)

	_, err = env.Engine.SubmitInput(env.Ctx, d.Key, env.Other.Key, map[string]any{"days": 1}, engine.SubmitOptions{Partial: true})
	require.ErrorIs(t, err, domain.ErrAuth)
}

func TestPaymentWithReceipts(t *testing.T) {
	env := newTestEnv(t)
	p := env.addClause(t, "pay", domain.ActionPayment, map[string]any{"amount": 100, "partialPayment": true})

	p, err := env.Engine.SubmitInput(env.Ctx, p.Key, env.Owner.Key, map[string]any{"payment": "60"}, engine.SubmitOptions{
		Receipt: &engine.ReceiptUpload{Filename: "first.pdf", Body: strings.NewReader("receipt one")},
	})
	require.NoError(t, err)
	assert.False(t, p.Finalized)
	assert.Equal(t, 60.0, p.Input["paidTotal"])

	p, err = env.Engine.SubmitInput(env.Ctx, p.Key, env.Owner.Key, map[string]any{"payment": 40}, engine.SubmitOptions{
		Receipt: &engine.ReceiptUpload{Filename: "second.pdf", Body: strings.NewReader("receipt two")},
	})
	require.NoError(t, err)
	require.True(t, p.Finalized)
	assert.Equal(t, true, p.Result["settled"])
	assert.Equal(t, 100.0, p.Result["paidTotal"])

	receipts, err := env.Engine.ListReceipts(env.Ctx, p.Key, env.Owner.Key)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	amounts := []float64{receipts[0].Amount, receipts[1].Amount}
	assert.ElementsMatch(t, []float64{60, 40}, amounts)
	for _, rc := range receipts {
		assert.Len(t, rc.SHA256, 64)
		assert.True(t, strings.HasSuffix(rc.BlobKey, ".pdf"))
	}
}

func TestPaymentRejectsPartialWhenDisabled(t *testing.T) {
	env := newTestEnv(t)
	p := env.addClause(t, "pay", domain.ActionPayment, map[string]any{"amount": 100})
	_, err := env.Engine.SubmitInput(env.Ctx, p.Key, env.Owner.Key, map[string]any{"payment": 50, "receipt": "r-1"}, engine.SubmitOptions{})
	require.ErrorIs(t, err, domain.ErrValidation)

	d := env.addClause(t, "fine", domain.ActionGetDeduction, deductionParams())
	_, err = env.Engine.SubmitInput(env.Ctx, d.Key, env.Owner.Key, map[string]any{"days": 1}, engine.SubmitOptions{
		Receipt: &engine.ReceiptUpload{Filename: "x.pdf", Body: strings.NewReader("x")},
	})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestFinishContractByDataCheck(t *testing.T) {
	env := newTestEnv(t)
	f := env.addClause(t, "finish", domain.ActionFinishContract, map[string]any{
		"autoFinalizationValue": map[string]any{"tag": "delivered", "referenceValue": true, "dataType": "boolean", "conditionalCheck": "equal"},
		"cancellationCheckValue": "",
	})

	_, err := env.Engine.Evaluate(env.Ctx, f.Key, env.Owner.Key)
	var md *domain.MissingDependencyResultError
	require.ErrorAs(t, err, &md)
	assert.Equal(t, "delivered", md.Field)

	_, err = env.Engine.SetContractData(env.Ctx, env.Contract.Key, map[string]any{"delivered": true}, env.Other.Key)
	require.ErrorIs(t, err, domain.ErrAuth)
	_, err = env.Engine.SetContractData(env.Ctx, env.Contract.Key, map[string]any{"delivered": false}, env.Owner.Key)
	require.NoError(t, err)
	f, err = env.Engine.GetClause(env.Ctx, f.Key, env.Owner.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, f.State())

	_, err = env.Engine.SetContractData(env.Ctx, env.Contract.Key, map[string]any{"delivered": true}, env.Owner.Key)
	require.NoError(t, err)
	f, err = env.Engine.GetClause(env.Ctx, f.Key, env.Owner.Key)
	require.NoError(t, err)
	require.True(t, f.Finalized)
	assert.Equal(t, true, f.Result["finished"])
	assert.Equal(t, false, f.Result["cancelled"])

	c, err := env.Engine.GetContract(env.Ctx, env.Contract.Key, env.Owner.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.ContractFinished, c.Status)
	assert.Equal(t, "2024-01-01T00:00:00Z", c.Data["finishedAt"])

	_, err = env.Engine.AddClause(env.Ctx, engine.AddClauseOptions{
		ContractKey: c.Key, ID: "late", ActionType: domain.ActionCheckDateInterval, Parameters: dateParams(), ActorID: env.Owner.Key,
	})
	assert.True(t, domain.IsConflict(err, domain.ReasonContractClosed))
}

func TestCancelContractForced(t *testing.T) {
	env := newTestEnv(t)
	a := env.addClause(t, "a", domain.ActionCheckDateInterval, dateParams())
	f := env.addClause(t, "finish", domain.ActionFinishContract, map[string]any{})

	_, err := env.Engine.CancelContract(env.Ctx, engine.CancelContractOptions{ClauseKey: a.Key, ForceCancellation: true, ActorID: env.Owner.Key})
	require.ErrorIs(t, err, domain.ErrValidation)

	f, err = env.Engine.CancelContract(env.Ctx, engine.CancelContractOptions{ClauseKey: f.Key, ForceCancellation: true, ActorID: env.Owner.Key})
	require.NoError(t, err)
	require.True(t, f.Finalized)
	assert.Equal(t, true, f.Result["forced"])

	c, err := env.Engine.GetContract(env.Ctx, env.Contract.Key, env.Owner.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.ContractCancelled, c.Status)

	_, err = env.Engine.SubmitInput(env.Ctx, a.Key, env.Owner.Key, map[string]any{"referenceDate": "2024-01-01"}, engine.SubmitOptions{})
	assert.True(t, domain.IsConflict(err, domain.ReasonContractClosed))
}

func TestInvites(t *testing.T) {
	env := newTestEnv(t)
	inv, err := env.Engine.IssueInvite(env.Ctx, engine.IssueInviteOptions{ContractKey: env.Contract.Key, ActorID: env.Owner.Key})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-08T00:00:00Z", inv.ExpiresAt)

	c, err := env.Engine.AcceptInvite(env.Ctx, inv.Token, env.Other.Key)
	require.NoError(t, err)
	assert.Len(t, c.Participants, 2)

	_, err = env.Engine.AcceptInvite(env.Ctx, inv.Token, env.Other.Key)
	assert.True(t, domain.IsConflict(err, domain.ReasonAlreadyAccepted))
	c, err = env.Engine.GetContract(env.Ctx, env.Contract.Key, env.Other.Key)
	require.NoError(t, err)
	assert.Len(t, c.Participants, 2)

	_, err = env.Engine.AcceptInvite(env.Ctx, "unknown", env.Other.Key)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInviteExpiredAndPinned(t *testing.T) {
	env := newTestEnv(t)
	carol, err := env.Engine.CreateUser(env.Ctx, engine.CreateUserOptions{Name: "Carol", Username: "carol"})
	require.NoError(t, err)

	pinned, err := env.Engine.IssueInvite(env.Ctx, engine.IssueInviteOptions{
		ContractKey: env.Contract.Key, Invitee: engine.UserSelector{Username: "carol"}, ActorID: env.Owner.Key,
	})
	require.NoError(t, err)
	require.NotNil(t, pinned.UserKey)
	assert.Equal(t, carol.Key, *pinned.UserKey)
	_, err = env.Engine.AcceptInvite(env.Ctx, pinned.Token, env.Other.Key)
	require.ErrorIs(t, err, domain.ErrAuth)

	short, err := env.Engine.IssueInvite(env.Ctx, engine.IssueInviteOptions{ContractKey: env.Contract.Key, TTL: time.Hour, ActorID: env.Owner.Key})
	require.NoError(t, err)
	env.Engine.Now = func() time.Time { return time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC) }
	_, err = env.Engine.AcceptInvite(env.Ctx, short.Token, env.Other.Key)
	assert.True(t, domain.IsConflict(err, domain.ReasonInviteExpired))

	_, err = env.Engine.IssueInvite(env.Ctx, engine.IssueInviteOptions{ContractKey: env.Contract.Key, ActorID: env.Other.Key})
	require.ErrorIs(t, err, domain.ErrAuth)
}

func TestParticipantsAndUsers(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AddParticipants(env.Ctx, env.Contract.Key, []string{env.Other.Key}, env.Other.Key)
	require.ErrorIs(t, err, domain.ErrAuth)

	c, err := env.Engine.AddParticipants(env.Ctx, env.Contract.Key, []string{env.Other.Key, env.Other.Key, env.Owner.Key}, env.Owner.Key)
	require.NoError(t, err)
	assert.Len(t, c.Participants, 2)

	_, err = env.Engine.AddParticipants(env.Ctx, env.Contract.Key, []string{"ghost"}, env.Owner.Key)
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "user", nf.Kind)

	list, err := env.Engine.ListUserContracts(env.Ctx, env.Other.Key)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, env.Contract.Key, list[0].Key)

	u, err := env.Engine.ResolveUser(env.Ctx, engine.UserSelector{Email: "bob@example.com"})
	require.NoError(t, err)
	assert.Equal(t, env.Other.Key, u.Key)
	_, err = env.Engine.ResolveUser(env.Ctx, engine.UserSelector{Email: "bob@example.com", Username: "bob"})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.ResolveUser(env.Ctx, engine.UserSelector{Username: "nobody"})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.Engine.CreateUser(env.Ctx, engine.CreateUserOptions{Name: "Bob Two", Username: "bob"})
	assert.True(t, domain.IsConflict(err, domain.ReasonDuplicate))
}

func TestReviewFeedsCreditClause(t *testing.T) {
	env := newTestEnv(t)
	cr := env.addClause(t, "bonus", domain.ActionGetCredit, map[string]any{
		"creditName": "bonus", "percentage": 10, "imposeCredit": true, "reviewCondition": true,
	})
	cr = env.submitPartial(t, cr.Key, map[string]any{"storedValue": 300})
	assert.False(t, cr.Finalized)

	_, err := env.Engine.AddReview(env.Ctx, engine.AddReviewOptions{ContractKey: env.Contract.Key, Rating: 9, ActorID: env.Owner.Key})
	require.ErrorIs(t, err, domain.ErrValidation)

	c, err := env.Engine.AddReview(env.Ctx, engine.AddReviewOptions{
		ContractKey: env.Contract.Key, Rating: 5, Comments: "on time", ClauseKey: cr.Key, ActorID: env.Owner.Key,
	})
	require.NoError(t, err)
	reviews, ok := c.Data["reviews"].([]any)
	require.True(t, ok)
	require.Len(t, reviews, 1)

	cr, err = env.Engine.GetClause(env.Ctx, cr.Key, env.Owner.Key)
	require.NoError(t, err)
	require.True(t, cr.Finalized)
	assert.Equal(t, 30.0, cr.Result["credit"])
	review, _ := cr.Result["review"].(map[string]any)
	assert.Equal(t, "on time", review["comments"])
}

func TestReviewRejectsNonCreditClause(t *testing.T) {
	env := newTestEnv(t)
	d := env.addClause(t, "fine", domain.ActionGetDeduction, deductionParams())

	_, err := env.Engine.AddReview(env.Ctx, engine.AddReviewOptions{
		ContractKey: env.Contract.Key, Rating: 4, ClauseKey: d.Key, ActorID: env.Owner.Key,
	})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"clauseKey"}, ve.Fields)

	d, err = env.Engine.GetClause(env.Ctx, d.Key, env.Owner.Key)
	require.NoError(t, err)
	assert.NotContains(t, d.Input, "rating")
	c, err := env.Engine.GetContract(env.Ctx, env.Contract.Key, env.Owner.Key)
	require.NoError(t, err)
	assert.NotContains(t, c.Data, "reviews")
}

func TestCascadeWaitsForFinishCheck(t *testing.T) {
	env := newTestEnv(t)
	a := env.addClause(t, "a", domain.ActionCheckDateInterval, dateParams())
	f := env.addClause(t, "finish", domain.ActionFinishContract, map[string]any{
		"autoFinalizationValue": map[string]any{"tag": "accepted", "referenceValue": true, "dataType": "boolean", "conditionalCheck": "equal"},
	}, "a")

	env.submit(t, a.Key, map[string]any{"referenceDate": "2024-01-01", "evaluatedDate": "2024-01-02"})
	f, err := env.Engine.GetClause(env.Ctx, f.Key, env.Owner.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, f.State())
	skipped, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, repo.EventFilter{ContractKey: env.Contract.Key, Type: events.CascadeSkipped})
	require.NoError(t, err)
	assert.Empty(t, skipped)

	_, err = env.Engine.SetContractData(env.Ctx, env.Contract.Key, map[string]any{"accepted": true}, env.Owner.Key)
	require.NoError(t, err)
	f, err = env.Engine.GetClause(env.Ctx, f.Key, env.Owner.Key)
	require.NoError(t, err)
	require.True(t, f.Finalized)
	assert.Equal(t, true, f.Result["finished"])
	c, err := env.Engine.GetContract(env.Ctx, env.Contract.Key, env.Owner.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.ContractFinished, c.Status)
	env.assertInvariants(t)
}

func TestCascadeLeavesOpenPaymentReady(t *testing.T) {
	env := newTestEnv(t)
	a := env.addClause(t, "a", domain.ActionCheckDateInterval, dateParams())
	p := env.addClause(t, "pay", domain.ActionPayment, map[string]any{"amount": 100, "partialPayment": true}, "a")
	p = env.submitPartial(t, p.Key, map[string]any{"payment": 30, "receipt": "r-1"})
	assert.Equal(t, domain.StatePending, p.State())

	env.submit(t, a.Key, map[string]any{"referenceDate": "2024-01-01", "evaluatedDate": "2024-01-02"})
	p, err := env.Engine.GetClause(env.Ctx, p.Key, env.Owner.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, p.State())
	assert.Equal(t, 30.0, p.Input["paidTotal"])

	skipped, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, repo.EventFilter{ContractKey: env.Contract.Key, Type: events.CascadeSkipped})
	require.NoError(t, err)
	assert.Empty(t, skipped)
}

func TestStoredCycleIsRejected(t *testing.T) {
	env := newTestEnv(t)
	a := env.addClause(t, "a", domain.ActionCheckDateInterval, dateParams())
	b := env.addClause(t, "b", domain.ActionCheckDateInterval, dateParams(), "a")
	require.NoError(t, env.Engine.Repo.InsertDependencies(env.Ctx, nil, a.Key, []string{b.Key}))

	_, err := env.Engine.AddClause(env.Ctx, engine.AddClauseOptions{
		ContractKey: env.Contract.Key, ID: "c", ActionType: domain.ActionCheckDateInterval, Parameters: dateParams(), ActorID: env.Owner.Key,
	})
	require.ErrorIs(t, err, domain.ErrCycle)
}

func TestConcurrentPartialPayments(t *testing.T) {
	env := newTestEnv(t)
	p := env.addClause(t, "pay", domain.ActionPayment, map[string]any{"amount": 100, "partialPayment": true})

	const workers = 20
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.SubmitInput(env.Ctx, p.Key, env.Owner.Key,
				map[string]any{"payment": 10, "receipt": fmt.Sprintf("r-%d", i)}, engine.SubmitOptions{})
		}(i)
	}
	wg.Wait()

	accepted, finalized := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			accepted++
		case domain.IsConflict(err, domain.ReasonAlreadyFinalized):
			finalized++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 10, accepted)
	assert.Equal(t, 10, finalized)

	p, err := env.Engine.GetClause(env.Ctx, p.Key, env.Owner.Key)
	require.NoError(t, err)
	require.True(t, p.Finalized)
	assert.Equal(t, 100.0, p.Result["paidTotal"])
	payments, _ := p.Input["payments"].([]any)
	assert.Len(t, payments, 10)
	env.assertInvariants(t)
}

func TestConcurrentDependencyEdgesStayAcyclic(t *testing.T) {
	env := newTestEnv(t)
	root := env.addClause(t, "root", domain.ActionCheckDateInterval, dateParams())
	for round := 0; round < 5; round++ {
		a := env.addClause(t, fmt.Sprintf("a%d", round), domain.ActionCheckDateInterval, dateParams(), root.Key)
		b := env.addClause(t, fmt.Sprintf("b%d", round), domain.ActionCheckDateInterval, dateParams(), root.Key)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, pair := range [][2]string{{a.Key, b.Key}, {b.Key, a.Key}} {
			wg.Add(1)
			go func(i int, from, to string) {
				defer wg.Done()
				_, errs[i] = env.Engine.AddDependencies(env.Ctx, from, []string{to}, env.Owner.Key)
			}(i, pair[0], pair[1])
		}
		wg.Wait()

		cycles := 0
		for _, err := range errs {
			if err != nil {
				require.ErrorIs(t, err, domain.ErrCycle)
				cycles++
			}
		}
		assert.Equal(t, 1, cycles, "round %d", round)
	}

	clauses, err := env.Engine.ListClauses(env.Ctx, env.Contract.Key, env.Owner.Key)
	require.NoError(t, err)
	require.NoError(t, graph.FromClauses(clauses).Validate())
	env.assertInvariants(t)
}

func TestConcurrentAddClauseSameID(t *testing.T) {
	env := newTestEnv(t)
	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.AddClause(env.Ctx, engine.AddClauseOptions{
				ContractKey: env.Contract.Key, ID: "delivery", ActionType: domain.ActionCheckDateInterval,
				Parameters: dateParams(), ActorID: env.Owner.Key,
			})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, domain.ErrValidation)
	}
	assert.Equal(t, 1, ok)
	clauses, err := env.Engine.ListClauses(env.Ctx, env.Contract.Key, env.Owner.Key)
	require.NoError(t, err)
	assert.Len(t, clauses, 1)
}

func TestAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, "ci", env.Owner.Key)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(secret, "cl_"))
	assert.NotEqual(t, secret, key.KeyHash)

	actor, err := env.Engine.ActorForAPIKey(env.Ctx, secret)
	require.NoError(t, err)
	assert.Equal(t, env.Owner.Key, actor)
	keys, err := env.Engine.ListAPIKeys(env.Ctx, env.Owner.Key)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.NotNil(t, keys[0].LastUsedAt)

	require.ErrorIs(t, env.Engine.RevokeAPIKey(env.Ctx, key.ID, env.Other.Key), domain.ErrNotFound)
	require.NoError(t, env.Engine.RevokeAPIKey(env.Ctx, key.ID, env.Owner.Key))
	_, err = env.Engine.ActorForAPIKey(env.Ctx, secret)
	require.True(t, errors.Is(err, domain.ErrAuth))
}
