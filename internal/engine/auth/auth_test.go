package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"clauseline/internal/domain"
	"clauseline/internal/engine/auth"
)

func TestRolesAndPermissions(t *testing.T) {
	c := domain.Contract{
		Owner:        domain.UserRef{Key: "alice"},
		Participants: []domain.UserRef{{Key: "alice"}, {Key: "bob"}},
	}
	assert.Equal(t, []string{auth.RoleOwner, auth.RoleParticipant}, auth.Roles(c, "alice"))
	assert.Equal(t, []string{auth.RoleParticipant}, auth.Roles(c, "bob"))
	assert.Empty(t, auth.Roles(c, "mallory"))

	assert.NoError(t, auth.Require(c, "alice", auth.PermParticipantAdd))
	assert.NoError(t, auth.Require(c, "bob", auth.PermClauseInput))

	err := auth.Require(c, "bob", auth.PermContractData)
	assert.Equal(t, auth.ForbiddenError{Permission: auth.PermContractData}, err)
	assert.Error(t, auth.Require(c, "mallory", auth.PermContractRead))
	assert.Error(t, auth.Require(c, "", auth.PermContractRead))
}
