package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"clauseline/internal/domain"
)

// ErrDuplicate is returned when a unique column (username, email) is already taken.
var ErrDuplicate = errors.New("duplicate")

const userColumns = `key,name,COALESCE(email,''),COALESCE(phone,''),COALESCE(cpf,''),username,created_at`

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO users(key,name,email,phone,cpf,username,created_at) VALUES (?,?,?,?,?,?,?)`,
		u.Key, u.Name, nullable(u.Email), nullable(u.Phone), nullable(u.CPF), u.Username, u.CreatedAt)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
		return ErrDuplicate
	}
	return err
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, key string) (domain.User, error) {
	return scanUser(r.q(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE key=?`, key))
}

func (r Repo) GetUserByUsername(ctx context.Context, tx *sql.Tx, username string) (domain.User, error) {
	return scanUser(r.q(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=?`, username))
}

func (r Repo) GetUserByEmail(ctx context.Context, tx *sql.Tx, email string) (domain.User, error) {
	return scanUser(r.q(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email)=lower(?)`, email))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.Key, &u.Name, &u.Email, &u.Phone, &u.CPF, &u.Username, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.Key, &u.Name, &u.Email, &u.Phone, &u.CPF, &u.Username, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}
