package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"

	"clauseline/internal/domain"
	"clauseline/internal/events"
	"clauseline/internal/repo"
)

// CreateAPIKey issues a key for the actor. The plaintext secret is returned
// once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, name, actorID string) (domain.APIKey, string, error) {
	if _, err := e.requireUser(ctx, actorID); err != nil {
		return domain.APIKey{}, "", err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "cl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.appendEvent(ctx, tx, events.APIKeyCreated, "", "apikey", key.ID, actorID, events.EventPayload{"name": key.Name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	if _, err := e.requireUser(ctx, actorID); err != nil {
		return nil, err
	}
	return e.Repo.ListAPIKeys(ctx, actorID)
}

// RevokeAPIKey deletes one of the actor's keys. Keys owned by someone else
// are reported as not found.
func (e Engine) RevokeAPIKey(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, strings.TrimSpace(id), actorID); err != nil {
		return notFound(err, "apikey", id)
	}
	if err := e.appendEvent(ctx, tx, events.APIKeyRevoked, "", "apikey", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ActorForAPIKey resolves a plaintext key to its owning user key and records
// when the key was last used.
func (e Engine) ActorForAPIKey(ctx context.Context, secret string) (string, error) {
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", &domain.AuthError{Reason: "invalid api key"}
		}
		return "", err
	}
	if err := e.Repo.TouchAPIKey(ctx, key.ID, e.stamp()); err != nil {
		return "", err
	}
	return key.ActorID, nil
}
