package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"clauseline/internal/domain"
	"clauseline/internal/events"
	"clauseline/internal/repo"
)

type CreateUserOptions struct {
	Name     string
	Email    string
	Phone    string
	CPF      string
	Username string
	ActorID  string
}

func (e Engine) CreateUser(ctx context.Context, opts CreateUserOptions) (domain.User, error) {
	u := domain.User{
		Key:       uuid.NewString(),
		Name:      strings.TrimSpace(opts.Name),
		Email:     strings.TrimSpace(opts.Email),
		Phone:     strings.TrimSpace(opts.Phone),
		CPF:       strings.TrimSpace(opts.CPF),
		Username:  strings.TrimSpace(opts.Username),
		CreatedAt: e.stamp(),
	}
	var missing []string
	if u.Name == "" {
		missing = append(missing, "name")
	}
	if u.Username == "" {
		missing = append(missing, "username")
	}
	if len(missing) > 0 {
		return domain.User{}, domain.InvalidParametersError("name and username are required", missing...)
	}
	if u.Email != "" && !strings.Contains(u.Email, "@") {
		return domain.User{}, domain.InvalidParametersError("invalid email", "email")
	}
	actor := opts.ActorID
	if actor == "" {
		actor = u.Key
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.User{}, domain.NewStateConflict(domain.ReasonDuplicate, "username or email already registered")
		}
		return domain.User{}, err
	}
	if err := e.appendEvent(ctx, tx, events.UserCreated, "", "user", u.Key, actor, events.EventPayload{"username": u.Username}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// UserSelector picks a user by exactly one of its fields.
type UserSelector struct {
	Username string
	Email    string
	ID       string
}

func (s UserSelector) String() string {
	switch {
	case s.Username != "":
		return "username=" + s.Username
	case s.Email != "":
		return "email=" + s.Email
	default:
		return "id=" + s.ID
	}
}

// ResolveUser finds a user by username, email or key.
func (e Engine) ResolveUser(ctx context.Context, sel UserSelector) (domain.User, error) {
	sel.Username = strings.TrimSpace(sel.Username)
	sel.Email = strings.TrimSpace(sel.Email)
	sel.ID = strings.TrimSpace(sel.ID)
	var set []string
	if sel.Username != "" {
		set = append(set, "userName")
	}
	if sel.Email != "" {
		set = append(set, "email")
	}
	if sel.ID != "" {
		set = append(set, "id")
	}
	if len(set) != 1 {
		if len(set) == 0 {
			set = []string{"email", "id", "userName"}
		}
		return domain.User{}, domain.InvalidParametersError("exactly one of userName, email or id is required", set...)
	}
	var (
		u   domain.User
		err error
	)
	switch {
	case sel.Username != "":
		u, err = e.Repo.GetUserByUsername(ctx, nil, sel.Username)
	case sel.Email != "":
		u, err = e.Repo.GetUserByEmail(ctx, nil, sel.Email)
	default:
		u, err = e.Repo.GetUser(ctx, nil, sel.ID)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, domain.UserNotFoundError(sel.String())
	}
	return u, err
}

func (e Engine) ListUsers(ctx context.Context) ([]domain.User, error) {
	return e.Repo.ListUsers(ctx)
}

func (e Engine) requireUser(ctx context.Context, key string) (domain.User, error) {
	if strings.TrimSpace(key) == "" {
		return domain.User{}, &domain.AuthError{Reason: "actor is required"}
	}
	u, err := e.Repo.GetUser(ctx, nil, key)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, domain.UserNotFoundError("id=" + key)
	}
	return u, err
}
