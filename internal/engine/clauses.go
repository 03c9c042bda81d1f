package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"clauseline/internal/domain"
	"clauseline/internal/engine/auth"
	"clauseline/internal/evaluator"
	"clauseline/internal/events"
	"clauseline/internal/graph"
	"clauseline/internal/repo"
)

type AddClauseOptions struct {
	ContractKey  string
	ID           string
	ActionType   domain.ActionType
	Parameters   map[string]any
	Dependencies []string
	Description  string
	Category     string
	Input        map[string]any
	ActorID      string
}

// AddClause validates and stores a new clause. It becomes Ready at once when
// every dependency is already finalized.
func (e Engine) AddClause(ctx context.Context, opts AddClauseOptions) (domain.Clause, error) {
	unlock := contractLocks.Lock(opts.ContractKey)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Clause{}, err
	}
	defer tx.Rollback()

	c, err := e.loadContract(ctx, tx, opts.ContractKey)
	if err != nil {
		return domain.Clause{}, err
	}
	if err := requireActive(c); err != nil {
		return domain.Clause{}, err
	}
	if err := authorize(c, opts.ActorID, auth.PermClauseAdd); err != nil {
		return domain.Clause{}, err
	}
	if !opts.ActionType.Executable() {
		return domain.Clause{}, domain.InvalidParametersError(fmt.Sprintf("unsupported action type %s", opts.ActionType), "actionType")
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		return domain.Clause{}, domain.InvalidParametersError("clause id is required", "id")
	}
	if _, err := e.Repo.GetClauseByID(ctx, tx, c.Key, id); err == nil {
		return domain.Clause{}, domain.InvalidParametersError(fmt.Sprintf("clause id %q already used", id), "id")
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Clause{}, err
	}
	key := clauseKey(c.Key, id)
	for _, ref := range opts.Dependencies {
		ref = strings.TrimSpace(ref)
		if ref == id || ref == key {
			return domain.Clause{}, &domain.CycleError{Path: []string{key, key}}
		}
	}
	deps, err := e.resolveDependencies(ctx, tx, c.Key, opts.Dependencies)
	if err != nil {
		return domain.Clause{}, err
	}
	clauses, g, err := e.loadGraph(ctx, tx, c.Key)
	if err != nil {
		return domain.Clause{}, err
	}
	if path := g.CycleWith(key, deps); path != nil {
		return domain.Clause{}, &domain.CycleError{Path: path}
	}
	params, err := e.Evaluators.PrepareParams(opts.ActionType, opts.Parameters)
	if err != nil {
		return domain.Clause{}, err
	}

	executable := true
	byKey := map[string]domain.Clause{}
	for _, cl := range clauses {
		byKey[cl.Key] = cl
	}
	for _, d := range deps {
		if !byKey[d].Finalized {
			executable = false
			break
		}
	}
	now := e.stamp()
	cl := domain.Clause{
		Key:          key,
		ID:           id,
		ContractKey:  c.Key,
		Description:  strings.TrimSpace(opts.Description),
		Category:     strings.TrimSpace(opts.Category),
		ActionType:   opts.ActionType,
		Parameters:   params,
		Input:        map[string]any{},
		Dependencies: deps,
		Executable:   executable,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if len(opts.Input) > 0 {
		prepared, err := e.Evaluators.PreparePayload(cl.ActionType, params, opts.Input)
		if err != nil {
			return domain.Clause{}, err
		}
		ev, err := e.Evaluators.Lookup(cl.ActionType)
		if err != nil {
			return domain.Clause{}, err
		}
		ectx, err := e.evalContext(ctx, tx, c, cl)
		if err != nil {
			return domain.Clause{}, err
		}
		cl.Input = ev.Merge(params, cl.Input, prepared, ectx)
	}
	if err := e.Repo.InsertClause(ctx, tx, cl); err != nil {
		return domain.Clause{}, err
	}
	if err := e.appendEvent(ctx, tx, events.ClauseAdded, c.Key, "clause", cl.Key, opts.ActorID, events.EventPayload{
		"id": cl.ID, "actionType": cl.ActionType.String(), "dependencies": deps, "executable": executable,
	}); err != nil {
		return domain.Clause{}, err
	}
	if err := e.Repo.TouchContract(ctx, tx, c.Key, now); err != nil {
		return domain.Clause{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Clause{}, err
	}
	return e.Repo.GetClause(ctx, nil, cl.Key)
}

// resolveDependencies maps clause keys or ids to keys of the same contract,
// dropping duplicates while keeping the declared order.
func (e Engine) resolveDependencies(ctx context.Context, tx *sql.Tx, contractKey string, refs []string) ([]string, error) {
	out := []string{}
	seen := map[string]bool{}
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return nil, domain.InvalidParametersError("empty dependency reference", "dependencies")
		}
		cl, err := e.Repo.GetClause(ctx, tx, ref)
		if errors.Is(err, repo.ErrNotFound) {
			cl, err = e.Repo.GetClauseByID(ctx, tx, contractKey, ref)
		}
		if errors.Is(err, repo.ErrNotFound) {
			return nil, domain.NewNotFound("clause", ref)
		}
		if err != nil {
			return nil, err
		}
		if cl.ContractKey != contractKey {
			return nil, domain.InvalidParametersError(fmt.Sprintf("clause %s belongs to another contract", ref), "dependencies")
		}
		if !seen[cl.Key] {
			seen[cl.Key] = true
			out = append(out, cl.Key)
		}
	}
	return out, nil
}

// loadGraph reads the contract's clauses and checks the stored edges are
// still acyclic.
func (e Engine) loadGraph(ctx context.Context, tx *sql.Tx, contractKey string) ([]domain.Clause, *graph.Graph, error) {
	clauses, err := e.Repo.ListClauses(ctx, tx, contractKey)
	if err != nil {
		return nil, nil, err
	}
	g := graph.FromClauses(clauses)
	if err := g.Validate(); err != nil {
		return nil, nil, fmt.Errorf("contract %s: stored dependencies: %w", contractKey, err)
	}
	return clauses, g, nil
}

// AddDependencies appends edges to an existing, unfinalized clause.
func (e Engine) AddDependencies(ctx context.Context, key string, refs []string, actorID string) (domain.Clause, error) {
	if len(refs) == 0 {
		return domain.Clause{}, domain.InvalidParametersError("no dependencies given", "dependencies")
	}
	cl, err := e.loadClause(ctx, nil, key)
	if err != nil {
		return domain.Clause{}, err
	}
	unlock := contractLocks.Lock(cl.ContractKey)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Clause{}, err
	}
	defer tx.Rollback()
	if cl, err = e.loadClause(ctx, tx, key); err != nil {
		return domain.Clause{}, err
	}
	c, err := e.loadContract(ctx, tx, cl.ContractKey)
	if err != nil {
		return domain.Clause{}, err
	}
	if err := authorize(c, actorID, auth.PermClauseAdd); err != nil {
		return domain.Clause{}, err
	}
	if cl.Finalized {
		return domain.Clause{}, domain.AlreadyFinalizedError(cl.Key)
	}
	if err := requireActive(c); err != nil {
		return domain.Clause{}, err
	}
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == cl.ID || ref == cl.Key {
			return domain.Clause{}, &domain.CycleError{Path: []string{cl.Key, cl.Key}}
		}
	}
	deps, err := e.resolveDependencies(ctx, tx, c.Key, refs)
	if err != nil {
		return domain.Clause{}, err
	}
	existing := map[string]bool{}
	for _, d := range cl.Dependencies {
		existing[d] = true
	}
	fresh := []string{}
	for _, d := range deps {
		if !existing[d] {
			fresh = append(fresh, d)
		}
	}
	if len(fresh) == 0 {
		return cl, nil
	}
	clauses, g, err := e.loadGraph(ctx, tx, c.Key)
	if err != nil {
		return domain.Clause{}, err
	}
	if path := g.CycleWith(cl.Key, fresh); path != nil {
		return domain.Clause{}, &domain.CycleError{Path: path}
	}
	if cl.Executable {
		byKey := map[string]domain.Clause{}
		for _, other := range clauses {
			byKey[other.Key] = other
		}
		for _, d := range fresh {
			if !byKey[d].Finalized {
				return domain.Clause{}, domain.NewStateConflict(domain.ReasonDependencyPending,
					"clause %s is ready and dependency %s is not finalized", cl.Key, d)
			}
		}
	}
	if err := e.Repo.InsertDependencies(ctx, tx, cl.Key, fresh); err != nil {
		return domain.Clause{}, err
	}
	now := e.stamp()
	if !cl.Executable {
		ready, err := e.Repo.DependenciesFinalized(ctx, tx, cl.Key)
		if err != nil {
			return domain.Clause{}, err
		}
		if ready {
			if err := e.markReady(ctx, tx, cl, actorID, now); err != nil {
				return domain.Clause{}, err
			}
		}
	}
	if err := e.appendEvent(ctx, tx, events.ClauseDependenciesAdded, c.Key, "clause", cl.Key, actorID, events.EventPayload{"dependencies": fresh}); err != nil {
		return domain.Clause{}, err
	}
	if err := e.Repo.TouchContract(ctx, tx, c.Key, now); err != nil {
		return domain.Clause{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Clause{}, err
	}
	return e.Repo.GetClause(ctx, nil, cl.Key)
}

func (e Engine) GetClause(ctx context.Context, key, actorID string) (domain.Clause, error) {
	cl, err := e.loadClause(ctx, nil, key)
	if err != nil {
		return cl, err
	}
	c, err := e.loadContract(ctx, nil, cl.ContractKey)
	if err != nil {
		return domain.Clause{}, err
	}
	if err := authorize(c, actorID, auth.PermContractRead); err != nil {
		return domain.Clause{}, err
	}
	return cl, nil
}

// ListClauses returns the contract's clauses in creation order.
func (e Engine) ListClauses(ctx context.Context, contractKey, actorID string) ([]domain.Clause, error) {
	if _, err := e.GetContract(ctx, contractKey, actorID); err != nil {
		return nil, err
	}
	return e.Repo.ListClauses(ctx, nil, contractKey)
}

// ReceiptUpload is a receipt file attached to a Payment submission.
type ReceiptUpload struct {
	Filename string
	Body     io.Reader
}

type SubmitOptions struct {
	// Partial stores incomplete input instead of rejecting it.
	Partial bool
	Receipt *ReceiptUpload

	receipt *domain.Receipt
}

// SubmitInput merges payload into the clause input and evaluates the clause
// when it is Ready and the input is complete. Any evaluation error leaves the
// clause untouched.
func (e Engine) SubmitInput(ctx context.Context, key, actorID string, payload map[string]any, opts SubmitOptions) (domain.Clause, error) {
	cl, err := e.loadClause(ctx, nil, key)
	if err != nil {
		return domain.Clause{}, err
	}
	unlock := contractLocks.Lock(cl.ContractKey)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Clause{}, err
	}
	defer tx.Rollback()
	if cl, err = e.loadClause(ctx, tx, key); err != nil {
		return domain.Clause{}, err
	}
	c, err := e.loadContract(ctx, tx, cl.ContractKey)
	if err != nil {
		return domain.Clause{}, err
	}

	committed := false
	if opts.Receipt != nil {
		if cl.ActionType != domain.ActionPayment {
			return domain.Clause{}, domain.InvalidParametersError("receipts are accepted by Payment clauses only", "receipt")
		}
		if e.Receipts == nil {
			return domain.Clause{}, errors.New("receipt storage is not configured")
		}
		if err := authorize(c, actorID, auth.PermClauseInput); err != nil {
			return domain.Clause{}, err
		}
		if cl.Finalized {
			return domain.Clause{}, domain.AlreadyFinalizedError(cl.Key)
		}
		obj, err := e.Receipts.Put(opts.Receipt.Filename, opts.Receipt.Body)
		if err != nil {
			return domain.Clause{}, fmt.Errorf("store receipt: %w", err)
		}
		defer func() {
			if !committed {
				_ = e.Receipts.Delete(obj.Key)
			}
		}()
		payload = clone(payload)
		rc := &domain.Receipt{
			ID:        e.newToken(),
			ClauseKey: cl.Key,
			BlobKey:   obj.Key,
			Filename:  opts.Receipt.Filename,
			Size:      obj.Size,
			SHA256:    obj.SHA256,
			CreatedAt: e.stamp(),
		}
		payload["receipt"] = rc.ID
		opts.receipt = rc
	}

	if _, err := e.submitTx(ctx, tx, &c, cl, actorID, payload, opts); err != nil {
		return domain.Clause{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Clause{}, err
	}
	committed = true
	return e.Repo.GetClause(ctx, nil, cl.Key)
}

// submitTx runs the input pipeline inside an open transaction. The caller
// holds the contract lock.
func (e Engine) submitTx(ctx context.Context, tx *sql.Tx, c *domain.Contract, cl domain.Clause, actorID string, payload map[string]any, opts SubmitOptions) (domain.Clause, error) {
	if err := authorize(*c, actorID, auth.PermClauseInput); err != nil {
		return cl, err
	}
	if cl.Finalized {
		return cl, domain.AlreadyFinalizedError(cl.Key)
	}
	if err := requireActive(*c); err != nil {
		return cl, err
	}
	ev, err := e.Evaluators.Lookup(cl.ActionType)
	if err != nil {
		return cl, err
	}
	prepared, err := e.Evaluators.PreparePayload(cl.ActionType, cl.Parameters, payload)
	if err != nil {
		return cl, err
	}
	ectx, err := e.evalContext(ctx, tx, *c, cl)
	if err != nil {
		return cl, err
	}
	merged := ev.Merge(cl.Parameters, cl.Input, prepared, ectx)
	missing := ev.Missing(cl.Parameters, merged)
	if len(missing) > 0 && !opts.Partial {
		return cl, domain.IncompleteInputError(missing...)
	}
	now := e.stamp()
	if err := e.Repo.UpdateClauseInput(ctx, tx, cl.Key, merged, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return cl, domain.AlreadyFinalizedError(cl.Key)
		}
		return cl, err
	}
	cl.Input = merged
	if rc := opts.receipt; rc != nil {
		if amount, ok := prepared["payment"].(float64); ok {
			rc.Amount = amount
		}
		if err := e.Repo.InsertReceipt(ctx, tx, *rc); err != nil {
			return cl, err
		}
	}
	fields := make([]string, 0, len(prepared))
	for k := range prepared {
		fields = append(fields, k)
	}
	if err := e.appendEvent(ctx, tx, events.ClauseInputSubmitted, c.Key, "clause", cl.Key, actorID, events.EventPayload{
		"fields": fields, "missing": missing,
	}); err != nil {
		return cl, err
	}
	if cl.Executable && len(missing) == 0 && ev.Settled(cl.Parameters, merged, ectx) {
		if cl, err = e.finalize(ctx, tx, c, cl, actorID); err != nil {
			return cl, err
		}
	}
	if err := e.Repo.TouchContract(ctx, tx, c.Key, now); err != nil {
		return cl, err
	}
	return cl, nil
}

// Evaluate finalizes a Ready clause with complete input and cascades to its
// dependents.
func (e Engine) Evaluate(ctx context.Context, key, actorID string) (domain.Clause, error) {
	cl, err := e.loadClause(ctx, nil, key)
	if err != nil {
		return domain.Clause{}, err
	}
	unlock := contractLocks.Lock(cl.ContractKey)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Clause{}, err
	}
	defer tx.Rollback()
	if cl, err = e.loadClause(ctx, tx, key); err != nil {
		return domain.Clause{}, err
	}
	c, err := e.loadContract(ctx, tx, cl.ContractKey)
	if err != nil {
		return domain.Clause{}, err
	}
	if err := authorize(c, actorID, auth.PermClauseEvaluate); err != nil {
		return domain.Clause{}, err
	}
	if cl.Finalized {
		return domain.Clause{}, domain.AlreadyFinalizedError(cl.Key)
	}
	if err := requireActive(c); err != nil {
		return domain.Clause{}, err
	}
	if !cl.Executable {
		return domain.Clause{}, domain.NewStateConflict(domain.ReasonDependencyPending, "clause %s has dependencies that are not finalized", cl.Key)
	}
	ev, err := e.Evaluators.Lookup(cl.ActionType)
	if err != nil {
		return domain.Clause{}, err
	}
	if missing := ev.Missing(cl.Parameters, cl.Input); len(missing) > 0 {
		return domain.Clause{}, domain.IncompleteInputError(missing...)
	}
	if _, err := e.finalize(ctx, tx, &c, cl, actorID); err != nil {
		return domain.Clause{}, err
	}
	if err := e.Repo.TouchContract(ctx, tx, c.Key, e.stamp()); err != nil {
		return domain.Clause{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Clause{}, err
	}
	return e.Repo.GetClause(ctx, nil, cl.Key)
}

// finalize evaluates cl, stores its result and cascades. An evaluation error
// is returned as is so the caller's transaction rolls back.
func (e Engine) finalize(ctx context.Context, tx *sql.Tx, c *domain.Contract, cl domain.Clause, actorID string) (domain.Clause, error) {
	result, err := e.evaluate(ctx, tx, *c, cl)
	if err != nil {
		return cl, err
	}
	if err := e.persistResult(ctx, tx, c, cl, result, actorID); err != nil {
		return cl, err
	}
	cl.Result = result
	cl.Finalized = true
	cl.Executable = true
	if err := e.cascade(ctx, tx, c, cl.Key, actorID); err != nil {
		return cl, err
	}
	return cl, nil
}

func (e Engine) evaluate(ctx context.Context, tx *sql.Tx, c domain.Contract, cl domain.Clause) (map[string]any, error) {
	ev, err := e.Evaluators.Lookup(cl.ActionType)
	if err != nil {
		return nil, err
	}
	ectx, err := e.evalContext(ctx, tx, c, cl)
	if err != nil {
		return nil, err
	}
	return ev.Evaluate(cl.Parameters, cl.Input, ectx)
}

func (e Engine) persistResult(ctx context.Context, tx *sql.Tx, c *domain.Contract, cl domain.Clause, result map[string]any, actorID string) error {
	now := e.stamp()
	if err := e.Repo.FinalizeClause(ctx, tx, cl.Key, result, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.AlreadyFinalizedError(cl.Key)
		}
		return err
	}
	if err := e.appendEvent(ctx, tx, events.ClauseFinalized, c.Key, "clause", cl.Key, actorID, events.EventPayload{
		"id": cl.ID, "actionType": cl.ActionType.String(),
	}); err != nil {
		return err
	}
	if cl.ActionType != domain.ActionFinishContract {
		return nil
	}
	if finished, _ := result["finished"].(bool); !finished {
		return nil
	}
	status, evt := domain.ContractFinished, events.ContractFinished
	if cancelled, _ := result["cancelled"].(bool); cancelled {
		status, evt = domain.ContractCancelled, events.ContractCancelled
	}
	if err := e.Repo.UpdateContractStatus(ctx, tx, c.Key, status, now); err != nil {
		return err
	}
	if c.Data == nil {
		c.Data = map[string]any{}
	}
	c.Data["finishedAt"] = now
	if err := e.Repo.UpdateContractData(ctx, tx, c.Key, c.Data, now); err != nil {
		return err
	}
	c.Status = status
	return e.appendEvent(ctx, tx, evt, c.Key, "contract", c.Key, actorID, events.EventPayload{"clauseKey": cl.Key})
}

// cascade visits the transitive dependents of a newly finalized clause in
// dependency order. A clause whose dependencies are all finalized becomes
// Ready, and is evaluated when its input is complete and settled. Evaluation
// failures leave the dependent Ready and are recorded as cascade.skipped.
func (e Engine) cascade(ctx context.Context, tx *sql.Tx, c *domain.Contract, root, actorID string) error {
	clauses, g, err := e.loadGraph(ctx, tx, c.Key)
	if err != nil {
		return err
	}
	byKey := make(map[string]*domain.Clause, len(clauses))
	for i := range clauses {
		byKey[clauses[i].Key] = &clauses[i]
	}
	for _, key := range g.Downstream(root) {
		cl, ok := byKey[key]
		if !ok || cl.Finalized || !dependenciesFinalized(*cl, byKey) {
			continue
		}
		if !cl.Executable {
			if err := e.markReady(ctx, tx, *cl, actorID, e.stamp()); err != nil {
				return err
			}
			cl.Executable = true
		}
		if c.Status != domain.ContractActive {
			continue
		}
		due, err := e.due(ctx, tx, *c, *cl)
		if err != nil {
			return err
		}
		if !due {
			continue
		}
		result, err := e.evaluate(ctx, tx, *c, *cl)
		if err != nil {
			if err := e.appendEvent(ctx, tx, events.CascadeSkipped, c.Key, "clause", cl.Key, actorID, events.EventPayload{
				"trigger": root, "error": err.Error(),
			}); err != nil {
				return err
			}
			continue
		}
		if err := e.persistResult(ctx, tx, c, *cl, result, actorID); err != nil {
			return err
		}
		cl.Finalized = true
		cl.Result = result
	}
	return nil
}

// due reports whether a Ready clause should be evaluated without an explicit
// request: its input is complete and its evaluator considers it settled.
func (e Engine) due(ctx context.Context, tx *sql.Tx, c domain.Contract, cl domain.Clause) (bool, error) {
	ev, err := e.Evaluators.Lookup(cl.ActionType)
	if err != nil {
		return false, err
	}
	if len(ev.Missing(cl.Parameters, cl.Input)) > 0 {
		return false, nil
	}
	ectx, err := e.evalContext(ctx, tx, c, cl)
	if err != nil {
		return false, err
	}
	return ev.Settled(cl.Parameters, cl.Input, ectx), nil
}

func dependenciesFinalized(cl domain.Clause, byKey map[string]*domain.Clause) bool {
	for _, d := range cl.Dependencies {
		if dep, ok := byKey[d]; !ok || !dep.Finalized {
			return false
		}
	}
	return true
}

// autoFinish evaluates Ready FinishContract clauses whose checks now pass,
// after contract data changed.
func (e Engine) autoFinish(ctx context.Context, tx *sql.Tx, c *domain.Contract, actorID string) error {
	clauses, err := e.Repo.ListClauses(ctx, tx, c.Key)
	if err != nil {
		return err
	}
	for _, cl := range clauses {
		if c.Status != domain.ContractActive {
			return nil
		}
		if cl.ActionType != domain.ActionFinishContract || cl.Finalized || !cl.Executable {
			continue
		}
		due, err := e.due(ctx, tx, *c, cl)
		if err != nil {
			return err
		}
		if !due {
			continue
		}
		if _, err := e.finalize(ctx, tx, c, cl, actorID); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) markReady(ctx context.Context, tx *sql.Tx, cl domain.Clause, actorID, now string) error {
	if err := e.Repo.SetClauseExecutable(ctx, tx, cl.Key, true, now); err != nil {
		return err
	}
	return e.appendEvent(ctx, tx, events.ClauseReady, cl.ContractKey, "clause", cl.Key, actorID, events.EventPayload{"id": cl.ID})
}

// dependencyView exposes finalized dependency results to evaluators.
type dependencyView struct {
	refs    []string
	results map[string]map[string]any
	alias   map[string]string
}

func (v dependencyView) Result(ref string) (map[string]any, bool) {
	if res, ok := v.results[ref]; ok {
		return res, true
	}
	if key, ok := v.alias[ref]; ok {
		res, ok := v.results[key]
		return res, ok
	}
	return nil, false
}

func (v dependencyView) Refs() []string { return v.refs }

func (e Engine) evalContext(ctx context.Context, tx *sql.Tx, c domain.Contract, cl domain.Clause) (evaluator.Context, error) {
	view := dependencyView{
		refs:    append([]string(nil), cl.Dependencies...),
		results: map[string]map[string]any{},
		alias:   map[string]string{},
	}
	for _, key := range cl.Dependencies {
		dep, err := e.Repo.GetClause(ctx, tx, key)
		if err != nil {
			return evaluator.Context{}, notFound(err, "clause", key)
		}
		view.alias[dep.ID] = dep.Key
		if name, ok := dep.Parameters["name"].(string); ok && name != "" {
			if _, taken := view.alias[name]; !taken {
				view.alias[name] = dep.Key
			}
		}
		if dep.Finalized {
			view.results[dep.Key] = dep.Result
		}
	}
	data := c.Data
	if data == nil {
		data = map[string]any{}
	}
	return evaluator.Context{Now: e.now().UTC(), ContractData: data, Dependencies: view}, nil
}

type CancelContractOptions struct {
	ClauseKey             string
	ForceCancellation     bool
	RequestedCancellation bool
	ActorID               string
}

// CancelContract submits cancellation input to a FinishContract clause.
func (e Engine) CancelContract(ctx context.Context, opts CancelContractOptions) (domain.Clause, error) {
	cl, err := e.loadClause(ctx, nil, opts.ClauseKey)
	if err != nil {
		return domain.Clause{}, err
	}
	if cl.ActionType != domain.ActionFinishContract {
		return domain.Clause{}, domain.InvalidParametersError("clause is not a FinishContract clause", "clauseKey")
	}
	if !opts.ForceCancellation && !opts.RequestedCancellation {
		return domain.Clause{}, domain.InvalidParametersError("forceCancellation or requestedCancellation is required", "forceCancellation", "requestedCancellation")
	}
	payload := map[string]any{}
	if opts.ForceCancellation {
		payload["forceCancellation"] = true
	}
	if opts.RequestedCancellation {
		payload["requestedCancellation"] = true
	}
	return e.SubmitInput(ctx, cl.Key, opts.ActorID, payload, SubmitOptions{})
}

// GetDatesWithClause summarizes the contract's CheckDateInterval clauses.
func (e Engine) GetDatesWithClause(ctx context.Context, contractKey, actorID string) ([]domain.ClauseDates, error) {
	clauses, err := e.ListClauses(ctx, contractKey, actorID)
	if err != nil {
		return nil, err
	}
	out := []domain.ClauseDates{}
	for _, cl := range clauses {
		if cl.ActionType != domain.ActionCheckDateInterval {
			continue
		}
		d := domain.ClauseDates{
			ClauseKey:   cl.Key,
			ClauseID:    cl.ID,
			State:       string(cl.State()),
			FinalizedAt: cl.FinalizedAt,
		}
		d.Name, _ = cl.Parameters["name"].(string)
		ref := firstString(cl.Input, cl.Parameters, "referenceDate")
		if t, err := evaluator.ParseDate(ref); err == nil {
			d.ReferenceDate = t.UTC().Format(time.RFC3339)
			d.Deadline = evaluator.IntervalDeadline(cl.Parameters, t).UTC().Format(time.RFC3339)
		}
		if t, err := evaluator.ParseDate(firstString(cl.Input, nil, "evaluatedDate")); err == nil {
			d.EvaluatedDate = t.UTC().Format(time.RFC3339)
		}
		if cl.Finalized {
			if within, ok := cl.Result["withinInterval"].(bool); ok {
				d.WithinInterval = &within
			}
			if diff, ok := cl.Result["dayDifference"].(float64); ok {
				n := int(diff)
				d.DayDifference = &n
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// ListReceipts returns the receipts stored for a Payment clause.
func (e Engine) ListReceipts(ctx context.Context, clauseKey, actorID string) ([]domain.Receipt, error) {
	if _, err := e.GetClause(ctx, clauseKey, actorID); err != nil {
		return nil, err
	}
	return e.Repo.ListReceipts(ctx, nil, clauseKey)
}

func firstString(primary, fallback map[string]any, key string) string {
	if s, ok := primary[key].(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	if s, ok := fallback[key].(string); ok {
		return s
	}
	return ""
}

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
