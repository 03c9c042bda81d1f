package repo

import (
	"context"
	"database/sql"

	"clauseline/internal/domain"
)

func (r Repo) InsertReceipt(ctx context.Context, tx *sql.Tx, rc domain.Receipt) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO receipts(id,clause_key,blob_key,filename,size,sha256,amount,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		rc.ID, rc.ClauseKey, rc.BlobKey, nullable(rc.Filename), rc.Size, rc.SHA256, rc.Amount, rc.CreatedAt)
	return err
}

func (r Repo) ListReceipts(ctx context.Context, tx *sql.Tx, clauseKey string) ([]domain.Receipt, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,clause_key,blob_key,COALESCE(filename,''),size,sha256,amount,created_at FROM receipts WHERE clause_key=? ORDER BY created_at, id`, clauseKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Receipt{}
	for rows.Next() {
		var rc domain.Receipt
		if err := rows.Scan(&rc.ID, &rc.ClauseKey, &rc.BlobKey, &rc.Filename, &rc.Size, &rc.SHA256, &rc.Amount, &rc.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rc)
	}
	return res, rows.Err()
}
