package repo

import (
	"context"
	"database/sql"

	"clauseline/internal/domain"
)

func (r Repo) InsertInvite(ctx context.Context, tx *sql.Tx, inv domain.Invite) error {
	var userKey any
	if inv.UserKey != nil {
		userKey = *inv.UserKey
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO invites(token,contract_key,invited_by,user_key,created_at,expires_at) VALUES (?,?,?,?,?,?)`,
		inv.Token, inv.ContractKey, inv.InvitedBy, userKey, inv.CreatedAt, inv.ExpiresAt)
	return err
}

func (r Repo) GetInvite(ctx context.Context, tx *sql.Tx, token string) (domain.Invite, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT token,contract_key,invited_by,user_key,created_at,expires_at,accepted_at,accepted_by FROM invites WHERE token=?`, token)
	var inv domain.Invite
	var userKey, acceptedAt, acceptedBy sql.NullString
	err := row.Scan(&inv.Token, &inv.ContractKey, &inv.InvitedBy, &userKey, &inv.CreatedAt, &inv.ExpiresAt, &acceptedAt, &acceptedBy)
	if err == sql.ErrNoRows {
		return inv, ErrNotFound
	}
	if err != nil {
		return inv, err
	}
	inv.UserKey = optionalString(userKey)
	inv.AcceptedAt = optionalString(acceptedAt)
	inv.AcceptedBy = optionalString(acceptedBy)
	return inv, nil
}

// MarkInviteAccepted flips an unaccepted invite. It returns ErrNotFound when
// the token is unknown or was accepted concurrently.
func (r Repo) MarkInviteAccepted(ctx context.Context, tx *sql.Tx, token, userKey, acceptedAt string) error {
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE invites SET accepted_at=?, accepted_by=? WHERE token=? AND accepted_at IS NULL`, acceptedAt, userKey, token))
}

func optionalString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
