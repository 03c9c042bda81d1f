package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"clauseline/internal/blob"
	"clauseline/internal/config"
	"clauseline/internal/domain"
	"clauseline/internal/engine/auth"
	"clauseline/internal/evaluator"
	"clauseline/internal/events"
	"clauseline/internal/repo"
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Evaluators *evaluator.Registry
	Receipts   blob.Store
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	reg, err := evaluator.NewRegistry(cfg.EvaluatorDefaults())
	if err != nil {
		return Engine{}, fmt.Errorf("build evaluators: %w", err)
	}
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Evaluators: reg,
		Now:        time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, contractKey, kind, id, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, contractKey, kind, id, actorID, payload)
}

// contractLocks serializes mutations per contract across the process.
var contractLocks = newKeyedLock()

type keyedLock struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{entries: map[string]*lockEntry{}}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *keyedLock) Lock(key string) func() {
	k.mu.Lock()
	ent, ok := k.entries[key]
	if !ok {
		ent = &lockEntry{}
		k.entries[key] = ent
	}
	ent.refs++
	k.mu.Unlock()

	ent.mu.Lock()
	return func() {
		ent.mu.Unlock()
		k.mu.Lock()
		ent.refs--
		if ent.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// notFound maps the repo sentinel to a typed NotFoundError.
func notFound(err error, kind, key string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return domain.NewNotFound(kind, key)
	}
	return err
}

func (e Engine) loadContract(ctx context.Context, tx *sql.Tx, key string) (domain.Contract, error) {
	if strings.TrimSpace(key) == "" {
		return domain.Contract{}, domain.InvalidParametersError("contract key is required", "contractKey")
	}
	c, err := e.Repo.GetContract(ctx, tx, key)
	if err != nil {
		return c, notFound(err, "contract", key)
	}
	return c, nil
}

func (e Engine) loadClause(ctx context.Context, tx *sql.Tx, key string) (domain.Clause, error) {
	if strings.TrimSpace(key) == "" {
		return domain.Clause{}, domain.InvalidParametersError("clause key is required", "clauseKey")
	}
	c, err := e.Repo.GetClause(ctx, tx, key)
	if err != nil {
		return c, notFound(err, "clause", key)
	}
	return c, nil
}

func authorize(c domain.Contract, actorID, perm string) error {
	if err := auth.Require(c, actorID, perm); err != nil {
		var fe auth.ForbiddenError
		if errors.As(err, &fe) {
			return &domain.AuthError{Permission: fe.Permission, Reason: fmt.Sprintf("actor %q lacks %s on contract %s", actorID, fe.Permission, c.Key)}
		}
		return err
	}
	return nil
}

func requireActive(c domain.Contract) error {
	if c.Status != domain.ContractActive {
		return domain.NewStateConflict(domain.ReasonContractClosed, "contract %s is %s", c.Key, c.Status)
	}
	return nil
}

// clauseKey derives a stable key from the contract key and client id.
func clauseKey(contractKey, id string) string {
	ns, err := uuid.Parse(contractKey)
	if err != nil {
		ns = uuid.NameSpaceOID
		id = contractKey + "|" + id
	}
	return uuid.NewSHA1(ns, []byte(id)).String()
}

func (e Engine) newToken() string {
	return ulid.MustNew(ulid.Timestamp(e.now()), rand.Reader).String()
}
