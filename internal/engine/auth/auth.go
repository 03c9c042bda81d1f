// Package auth derives an actor's roles and permissions on a contract.
package auth

import (
	"fmt"
	"sort"

	"clauseline/internal/domain"
)

const (
	RoleOwner       = "owner"
	RoleParticipant = "participant"
)

const (
	PermContractRead   = "contract.read"
	PermContractData   = "contract.data"
	PermParticipantAdd = "participant.add"
	PermInviteIssue    = "invite.issue"
	PermReviewAdd      = "review.add"
	PermClauseAdd      = "clause.add"
	PermClauseInput    = "clause.input"
	PermClauseEvaluate = "clause.evaluate"
)

var rolePermissions = map[string][]string{
	RoleOwner: {
		PermContractRead, PermContractData, PermParticipantAdd, PermInviteIssue,
		PermReviewAdd, PermClauseAdd, PermClauseInput, PermClauseEvaluate,
	},
	RoleParticipant: {
		PermContractRead, PermInviteIssue, PermReviewAdd,
		PermClauseAdd, PermClauseInput, PermClauseEvaluate,
	},
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Roles lists the actor's roles on the contract.
func Roles(c domain.Contract, actorID string) []string {
	if actorID == "" {
		return nil
	}
	var roles []string
	if c.Owner.Key == actorID {
		roles = append(roles, RoleOwner)
	}
	for _, p := range c.Participants {
		if p.Key == actorID {
			roles = append(roles, RoleParticipant)
			break
		}
	}
	return roles
}

// Permissions returns the union of the roles' permissions, sorted.
func Permissions(roles []string) []string {
	set := map[string]struct{}{}
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func HasPermission(c domain.Contract, actorID, perm string) bool {
	for _, p := range Permissions(Roles(c, actorID)) {
		if p == perm {
			return true
		}
	}
	return false
}

// Require returns ForbiddenError unless the actor holds perm on the contract.
func Require(c domain.Contract, actorID, perm string) error {
	if HasPermission(c, actorID, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
