package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"clauseline/internal/domain"
	"clauseline/internal/engine/auth"
	"clauseline/internal/evaluator"
	"clauseline/internal/events"
	"clauseline/internal/repo"
)

type CreateContractOptions struct {
	Name          string
	SignatureDate string
	ActorID       string
}

// CreateContract opens a contract owned by the actor, who is also its first participant.
func (e Engine) CreateContract(ctx context.Context, opts CreateContractOptions) (domain.Contract, error) {
	owner, err := e.requireUser(ctx, opts.ActorID)
	if err != nil {
		return domain.Contract{}, err
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Contract{}, domain.InvalidParametersError("contract name is required", "name")
	}
	signed := e.now().UTC()
	if s := strings.TrimSpace(opts.SignatureDate); s != "" {
		if signed, err = evaluator.ParseDate(s); err != nil {
			return domain.Contract{}, domain.InvalidParametersError(err.Error(), "signatureDate")
		}
	}
	now := e.stamp()
	c := domain.Contract{
		Key:           uuid.NewString(),
		Name:          name,
		Owner:         owner.Ref(),
		SignatureDate: signed.Format(time.RFC3339),
		Status:        domain.ContractActive,
		Data:          map[string]any{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertContract(ctx, tx, c); err != nil {
		return domain.Contract{}, err
	}
	if _, err := e.Repo.AddParticipant(ctx, tx, c.Key, c.Owner, now); err != nil {
		return domain.Contract{}, err
	}
	if err := e.appendEvent(ctx, tx, events.ContractCreated, c.Key, "contract", c.Key, owner.Key, events.EventPayload{
		"name": c.Name, "signatureDate": c.SignatureDate,
	}); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return e.Repo.GetContract(ctx, nil, c.Key)
}

func (e Engine) GetContract(ctx context.Context, key, actorID string) (domain.Contract, error) {
	c, err := e.loadContract(ctx, nil, key)
	if err != nil {
		return c, err
	}
	if err := authorize(c, actorID, auth.PermContractRead); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

// ListUserContracts returns contracts the actor owns or participates in.
func (e Engine) ListUserContracts(ctx context.Context, actorID string) ([]domain.Contract, error) {
	if _, err := e.requireUser(ctx, actorID); err != nil {
		return nil, err
	}
	return e.Repo.ListContractsForUser(ctx, actorID)
}

// SetContractData merges keys into contract.data. A nil value removes the key.
func (e Engine) SetContractData(ctx context.Context, key string, data map[string]any, actorID string) (domain.Contract, error) {
	if len(data) == 0 {
		return domain.Contract{}, domain.InvalidParametersError("data is empty", "data")
	}
	unlock := contractLocks.Lock(key)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()
	c, err := e.loadContract(ctx, tx, key)
	if err != nil {
		return domain.Contract{}, err
	}
	if err := authorize(c, actorID, auth.PermContractData); err != nil {
		return domain.Contract{}, err
	}
	keys := make([]string, 0, len(data))
	for k, v := range data {
		if k == "reviews" || k == "finishedAt" {
			return domain.Contract{}, domain.InvalidParametersError("reserved data key", k)
		}
		if v == nil {
			delete(c.Data, k)
		} else {
			c.Data[k] = v
		}
		keys = append(keys, k)
	}
	if err := e.Repo.UpdateContractData(ctx, tx, key, c.Data, e.stamp()); err != nil {
		return domain.Contract{}, err
	}
	if err := e.appendEvent(ctx, tx, events.ContractDataSet, key, "contract", key, actorID, events.EventPayload{"keys": keys}); err != nil {
		return domain.Contract{}, err
	}
	if err := e.autoFinish(ctx, tx, &c, actorID); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return e.Repo.GetContract(ctx, nil, key)
}

// AddParticipants adds users by key. Already-present users are skipped.
func (e Engine) AddParticipants(ctx context.Context, key string, userKeys []string, actorID string) (domain.Contract, error) {
	if len(userKeys) == 0 {
		return domain.Contract{}, domain.InvalidParametersError("no participants given", "participants")
	}
	unlock := contractLocks.Lock(key)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()
	c, err := e.loadContract(ctx, tx, key)
	if err != nil {
		return domain.Contract{}, err
	}
	if err := authorize(c, actorID, auth.PermParticipantAdd); err != nil {
		return domain.Contract{}, err
	}
	now := e.stamp()
	added := []string{}
	for _, uk := range userKeys {
		uk = strings.TrimSpace(uk)
		u, err := e.Repo.GetUser(ctx, tx, uk)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Contract{}, domain.UserNotFoundError("id=" + uk)
		}
		if err != nil {
			return domain.Contract{}, err
		}
		ok, err := e.Repo.AddParticipant(ctx, tx, key, u.Ref(), now)
		if err != nil {
			return domain.Contract{}, err
		}
		if ok {
			added = append(added, u.Key)
		}
	}
	if len(added) > 0 {
		if err := e.Repo.TouchContract(ctx, tx, key, now); err != nil {
			return domain.Contract{}, err
		}
		if err := e.appendEvent(ctx, tx, events.ParticipantsAdded, key, "contract", key, actorID, events.EventPayload{"added": added}); err != nil {
			return domain.Contract{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return e.Repo.GetContract(ctx, nil, key)
}

type IssueInviteOptions struct {
	ContractKey string
	Invitee     UserSelector
	TTL         time.Duration
	ActorID     string
}

// IssueInvite creates a single-use token that adds whoever accepts it.
func (e Engine) IssueInvite(ctx context.Context, opts IssueInviteOptions) (domain.Invite, error) {
	var pinned *string
	if opts.Invitee != (UserSelector{}) {
		u, err := e.ResolveUser(ctx, opts.Invitee)
		if err != nil {
			return domain.Invite{}, err
		}
		pinned = &u.Key
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = e.Config.InviteTTL()
	}
	unlock := contractLocks.Lock(opts.ContractKey)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Invite{}, err
	}
	defer tx.Rollback()
	c, err := e.loadContract(ctx, tx, opts.ContractKey)
	if err != nil {
		return domain.Invite{}, err
	}
	if err := authorize(c, opts.ActorID, auth.PermInviteIssue); err != nil {
		return domain.Invite{}, err
	}
	if err := requireActive(c); err != nil {
		return domain.Invite{}, err
	}
	now := e.now().UTC()
	inv := domain.Invite{
		Token:       e.newToken(),
		ContractKey: c.Key,
		InvitedBy:   opts.ActorID,
		UserKey:     pinned,
		CreatedAt:   now.Format(time.RFC3339),
		ExpiresAt:   now.Add(ttl).Format(time.RFC3339),
	}
	if err := e.Repo.InsertInvite(ctx, tx, inv); err != nil {
		return domain.Invite{}, err
	}
	payload := events.EventPayload{"expiresAt": inv.ExpiresAt}
	if pinned != nil {
		payload["userKey"] = *pinned
	}
	if err := e.appendEvent(ctx, tx, events.InviteIssued, c.Key, "invite", inv.Token, opts.ActorID, payload); err != nil {
		return domain.Invite{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Invite{}, err
	}
	return inv, nil
}

// AcceptInvite adds the actor to the invite's contract and consumes the token.
func (e Engine) AcceptInvite(ctx context.Context, token, actorID string) (domain.Contract, error) {
	user, err := e.requireUser(ctx, actorID)
	if err != nil {
		return domain.Contract{}, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Contract{}, domain.InvalidParametersError("token is required", "token")
	}
	inv, err := e.Repo.GetInvite(ctx, nil, token)
	if err != nil {
		return domain.Contract{}, notFound(err, "invite", token)
	}
	unlock := contractLocks.Lock(inv.ContractKey)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()
	if inv, err = e.Repo.GetInvite(ctx, tx, token); err != nil {
		return domain.Contract{}, notFound(err, "invite", token)
	}
	if inv.AcceptedAt != nil {
		return domain.Contract{}, domain.AlreadyAcceptedError(token)
	}
	expires, err := time.Parse(time.RFC3339, inv.ExpiresAt)
	if err == nil && e.now().After(expires) {
		return domain.Contract{}, domain.NewStateConflict(domain.ReasonInviteExpired, "invite %s expired at %s", token, inv.ExpiresAt)
	}
	if inv.UserKey != nil && *inv.UserKey != user.Key {
		return domain.Contract{}, &domain.AuthError{Reason: "invite is addressed to another user"}
	}
	c, err := e.loadContract(ctx, tx, inv.ContractKey)
	if err != nil {
		return domain.Contract{}, err
	}
	if err := requireActive(c); err != nil {
		return domain.Contract{}, err
	}
	now := e.stamp()
	if _, err := e.Repo.AddParticipant(ctx, tx, c.Key, user.Ref(), now); err != nil {
		return domain.Contract{}, err
	}
	if err := e.Repo.MarkInviteAccepted(ctx, tx, token, user.Key, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Contract{}, domain.AlreadyAcceptedError(token)
		}
		return domain.Contract{}, err
	}
	if err := e.Repo.TouchContract(ctx, tx, c.Key, now); err != nil {
		return domain.Contract{}, err
	}
	if err := e.appendEvent(ctx, tx, events.InviteAccepted, c.Key, "invite", token, user.Key, nil); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return e.Repo.GetContract(ctx, nil, c.Key)
}

type AddReviewOptions struct {
	ContractKey string
	Rating      int
	Comments    string
	Date        string
	ClauseKey   string
	ActorID     string
}

// AddReview appends a review to contract.data.reviews and, when a clause is
// named, feeds rating and comments to it as partial input.
func (e Engine) AddReview(ctx context.Context, opts AddReviewOptions) (domain.Contract, error) {
	if opts.Rating < 1 || opts.Rating > 5 {
		return domain.Contract{}, domain.InvalidParametersError("rating must be between 1 and 5", "rating")
	}
	date := e.now().UTC()
	if s := strings.TrimSpace(opts.Date); s != "" {
		var err error
		if date, err = evaluator.ParseDate(s); err != nil {
			return domain.Contract{}, domain.InvalidParametersError(err.Error(), "date")
		}
	}
	unlock := contractLocks.Lock(opts.ContractKey)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()
	c, err := e.loadContract(ctx, tx, opts.ContractKey)
	if err != nil {
		return domain.Contract{}, err
	}
	if err := authorize(c, opts.ActorID, auth.PermReviewAdd); err != nil {
		return domain.Contract{}, err
	}
	review := map[string]any{
		"rating":   opts.Rating,
		"comments": strings.TrimSpace(opts.Comments),
		"date":     date.Format(time.RFC3339),
		"author":   opts.ActorID,
	}
	reviews, _ := c.Data["reviews"].([]any)
	c.Data["reviews"] = append(reviews, review)
	if err := e.Repo.UpdateContractData(ctx, tx, c.Key, c.Data, e.stamp()); err != nil {
		return domain.Contract{}, err
	}
	payload := events.EventPayload{"rating": opts.Rating}
	if opts.ClauseKey != "" {
		payload["clauseKey"] = opts.ClauseKey
	}
	if err := e.appendEvent(ctx, tx, events.ContractReviewed, c.Key, "contract", c.Key, opts.ActorID, payload); err != nil {
		return domain.Contract{}, err
	}
	if opts.ClauseKey != "" {
		cl, err := e.loadClause(ctx, tx, opts.ClauseKey)
		if err != nil {
			return domain.Contract{}, err
		}
		if cl.ContractKey != c.Key {
			return domain.Contract{}, domain.InvalidParametersError("clause belongs to another contract", "clause")
		}
		if cl.ActionType != domain.ActionGetCredit {
			return domain.Contract{}, domain.InvalidParametersError("reviews feed GetCredit clauses only", "clauseKey")
		}
		input := map[string]any{
			"rating":     opts.Rating,
			"comments":   review["comments"],
			"reviewDate": review["date"],
		}
		if _, err := e.submitTx(ctx, tx, &c, cl, opts.ActorID, input, SubmitOptions{Partial: true}); err != nil {
			return domain.Contract{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return e.Repo.GetContract(ctx, nil, c.Key)
}
