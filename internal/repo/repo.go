package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clauseline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q runs against tx when one is open, otherwise against the pool.
func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) InsertContract(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	owner, err := json.Marshal(c.Owner)
	if err != nil {
		return fmt.Errorf("encode owner: %w", err)
	}
	data, err := encodeMap(c.Data)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO contracts(key,name,owner_key,owner_json,signature_date,status,data_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.Key, c.Name, c.Owner.Key, string(owner), c.SignatureDate, c.Status, data, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetContract(ctx context.Context, tx *sql.Tx, key string) (domain.Contract, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT key,name,owner_json,signature_date,status,data_json,created_at,updated_at FROM contracts WHERE key=?`, key)
	c, err := scanContract(row)
	if err != nil {
		return c, err
	}
	if c.Participants, err = r.ListParticipants(ctx, tx, key); err != nil {
		return c, err
	}
	if c.Clauses, err = r.listClauseKeys(ctx, tx, key); err != nil {
		return c, err
	}
	return c, nil
}

// ListContractsForUser returns contracts the user owns or participates in, newest first.
func (r Repo) ListContractsForUser(ctx context.Context, userKey string) ([]domain.Contract, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT c.key FROM contracts c
LEFT JOIN contract_participants p ON p.contract_key = c.key
WHERE c.owner_key = ? OR p.user_key = ?
ORDER BY c.created_at DESC, c.key`, userKey, userKey)
	if err != nil {
		return nil, err
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	res := make([]domain.Contract, 0, len(keys))
	for _, k := range keys {
		c, err := r.GetContract(ctx, nil, k)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

func (r Repo) UpdateContractData(ctx context.Context, tx *sql.Tx, key string, data map[string]any, updatedAt string) error {
	encoded, err := encodeMap(data)
	if err != nil {
		return err
	}
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE contracts SET data_json=?, updated_at=? WHERE key=?`, encoded, updatedAt, key))
}

func (r Repo) UpdateContractStatus(ctx context.Context, tx *sql.Tx, key, status, updatedAt string) error {
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE contracts SET status=?, updated_at=? WHERE key=?`, status, updatedAt, key))
}

func (r Repo) TouchContract(ctx context.Context, tx *sql.Tx, key, updatedAt string) error {
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE contracts SET updated_at=? WHERE key=?`, updatedAt, key))
}

// AddParticipant inserts the user snapshot unless already present. It reports
// whether a row was added.
func (r Repo) AddParticipant(ctx context.Context, tx *sql.Tx, contractKey string, u domain.UserRef, addedAt string) (bool, error) {
	snapshot, err := json.Marshal(u)
	if err != nil {
		return false, fmt.Errorf("encode participant: %w", err)
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO contract_participants(contract_key,user_key,user_json,position,added_at)
SELECT ?,?,?,COALESCE(MAX(position),0)+1,? FROM contract_participants WHERE contract_key=?
ON CONFLICT(contract_key,user_key) DO NOTHING`, contractKey, u.Key, string(snapshot), addedAt, contractKey)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) ListParticipants(ctx context.Context, tx *sql.Tx, contractKey string) ([]domain.UserRef, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT user_json FROM contract_participants WHERE contract_key=? ORDER BY position`, contractKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.UserRef{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var u domain.UserRef
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return nil, fmt.Errorf("decode participant: %w", err)
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func scanContract(row *sql.Row) (domain.Contract, error) {
	var c domain.Contract
	var owner, data string
	err := row.Scan(&c.Key, &c.Name, &owner, &c.SignatureDate, &c.Status, &data, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(owner), &c.Owner); err != nil {
		return c, fmt.Errorf("decode owner: %w", err)
	}
	c.Data = decodeMap(data)
	if c.Data == nil {
		c.Data = map[string]any{}
	}
	return c, nil
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

func decodeMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
