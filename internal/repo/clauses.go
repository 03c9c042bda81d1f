package repo

import (
	"context"
	"database/sql"
	"fmt"

	"clauseline/internal/domain"
)

const clauseColumns = `key,id,contract_key,COALESCE(description,''),COALESCE(category,''),action_type,parameters_json,input_json,executable,finalized,result_json,created_at,updated_at,finalized_at`

// InsertClause stores the clause row and its ordered dependency edges.
func (r Repo) InsertClause(ctx context.Context, tx *sql.Tx, c domain.Clause) error {
	params, err := encodeMap(c.Parameters)
	if err != nil {
		return err
	}
	input, err := encodeMap(c.Input)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO clauses(key,id,contract_key,description,category,action_type,parameters_json,input_json,executable,finalized,result_json,position,created_at,updated_at)
SELECT ?,?,?,?,?,?,?,?,?,0,NULL,COALESCE(MAX(position),0)+1,?,? FROM clauses WHERE contract_key=?`,
		c.Key, c.ID, c.ContractKey, nullable(c.Description), nullable(c.Category), int(c.ActionType), params, input,
		boolInt(c.Executable), c.CreatedAt, c.UpdatedAt, c.ContractKey)
	if err != nil {
		return fmt.Errorf("insert clause: %w", err)
	}
	return r.InsertDependencies(ctx, tx, c.Key, c.Dependencies)
}

// InsertDependencies appends edges after any existing ones for clauseKey.
func (r Repo) InsertDependencies(ctx context.Context, tx *sql.Tx, clauseKey string, deps []string) error {
	for _, dep := range deps {
		_, err := r.q(tx).ExecContext(ctx, `INSERT INTO clause_deps(clause_key,depends_on,position)
SELECT ?,?,COALESCE(MAX(position),0)+1 FROM clause_deps WHERE clause_key=?`, clauseKey, dep, clauseKey)
		if err != nil {
			return fmt.Errorf("insert dependency %s -> %s: %w", clauseKey, dep, err)
		}
	}
	return nil
}

func (r Repo) GetClause(ctx context.Context, tx *sql.Tx, key string) (domain.Clause, error) {
	c, err := scanClause(r.q(tx).QueryRowContext(ctx, `SELECT `+clauseColumns+` FROM clauses WHERE key=?`, key))
	if err != nil {
		return c, err
	}
	if c.Dependencies, err = r.ListDependencies(ctx, tx, key); err != nil {
		return c, err
	}
	return c, nil
}

// GetClauseByID looks a clause up by its client-supplied id within a contract.
func (r Repo) GetClauseByID(ctx context.Context, tx *sql.Tx, contractKey, id string) (domain.Clause, error) {
	c, err := scanClause(r.q(tx).QueryRowContext(ctx, `SELECT `+clauseColumns+` FROM clauses WHERE contract_key=? AND id=?`, contractKey, id))
	if err != nil {
		return c, err
	}
	if c.Dependencies, err = r.ListDependencies(ctx, tx, c.Key); err != nil {
		return c, err
	}
	return c, nil
}

// ListClauses returns every clause of a contract in creation order with dependencies filled in.
func (r Repo) ListClauses(ctx context.Context, tx *sql.Tx, contractKey string) ([]domain.Clause, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+clauseColumns+` FROM clauses WHERE contract_key=? ORDER BY position`, contractKey)
	if err != nil {
		return nil, err
	}
	var res []domain.Clause
	for rows.Next() {
		c, err := scanClause(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	edges, err := r.contractEdges(ctx, tx, contractKey)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Dependencies = nonNil(edges[res[i].Key])
	}
	return res, nil
}

func (r Repo) ListDependencies(ctx context.Context, tx *sql.Tx, clauseKey string) ([]string, error) {
	return r.stringColumn(ctx, tx, `SELECT depends_on FROM clause_deps WHERE clause_key=? ORDER BY position`, clauseKey)
}

// DependenciesFinalized reports whether every dependency of clauseKey is finalized.
func (r Repo) DependenciesFinalized(ctx context.Context, tx *sql.Tx, clauseKey string) (bool, error) {
	var open int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM clause_deps d JOIN clauses c ON c.key = d.depends_on
WHERE d.clause_key=? AND c.finalized=0`, clauseKey).Scan(&open)
	if err != nil {
		return false, err
	}
	return open == 0, nil
}

func (r Repo) UpdateClauseInput(ctx context.Context, tx *sql.Tx, key string, input map[string]any, updatedAt string) error {
	encoded, err := encodeMap(input)
	if err != nil {
		return err
	}
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE clauses SET input_json=?, updated_at=? WHERE key=? AND finalized=0`, encoded, updatedAt, key))
}

func (r Repo) SetClauseExecutable(ctx context.Context, tx *sql.Tx, key string, executable bool, updatedAt string) error {
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE clauses SET executable=?, updated_at=? WHERE key=? AND finalized=0`, boolInt(executable), updatedAt, key))
}

// FinalizeClause writes the result once. A clause that is already finalized
// yields ErrNotFound so callers can map it to a conflict.
func (r Repo) FinalizeClause(ctx context.Context, tx *sql.Tx, key string, result map[string]any, finalizedAt string) error {
	if result == nil {
		result = map[string]any{}
	}
	encoded, err := encodeMap(result)
	if err != nil {
		return err
	}
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE clauses SET result_json=?, finalized=1, executable=1, finalized_at=?, updated_at=? WHERE key=? AND finalized=0`,
		encoded, finalizedAt, finalizedAt, key))
}

func (r Repo) listClauseKeys(ctx context.Context, tx *sql.Tx, contractKey string) ([]string, error) {
	keys, err := r.stringColumn(ctx, tx, `SELECT key FROM clauses WHERE contract_key=? ORDER BY position`, contractKey)
	return nonNil(keys), err
}

func (r Repo) contractEdges(ctx context.Context, tx *sql.Tx, contractKey string) (map[string][]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT d.clause_key, d.depends_on FROM clause_deps d JOIN clauses c ON c.key = d.clause_key
WHERE c.contract_key=? ORDER BY d.clause_key, d.position`, contractKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	edges := map[string][]string{}
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		edges[from] = append(edges[from], to)
	}
	return edges, rows.Err()
}

func (r Repo) stringColumn(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanClause(row scanner) (domain.Clause, error) {
	var c domain.Clause
	var action, executable, finalized int
	var params, input string
	var result, finalizedAt sql.NullString
	err := row.Scan(&c.Key, &c.ID, &c.ContractKey, &c.Description, &c.Category, &action, &params, &input,
		&executable, &finalized, &result, &c.CreatedAt, &c.UpdatedAt, &finalizedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.ActionType = domain.ActionType(action)
	c.Parameters = decodeMap(params)
	if c.Parameters == nil {
		c.Parameters = map[string]any{}
	}
	c.Input = decodeMap(input)
	if c.Input == nil {
		c.Input = map[string]any{}
	}
	c.Executable = executable == 1
	c.Finalized = finalized == 1
	if result.Valid {
		c.Result = decodeMap(result.String)
		if c.Result == nil {
			c.Result = map[string]any{}
		}
	}
	if finalizedAt.Valid {
		v := finalizedAt.String
		c.FinalizedAt = &v
	}
	c.Dependencies = []string{}
	return c, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
