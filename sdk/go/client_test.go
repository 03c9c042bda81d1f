package clauselinesdk_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clauseline/internal/app"
	"clauseline/internal/server"
	clauselinesdk "clauseline/sdk/go"
)

func newAPI(t *testing.T) string {
	t.Helper()
	ws, err := app.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	handler, err := server.New(server.Config{
		Engine:   ws.Engine,
		BasePath: "/v0",
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Auth:     server.AuthConfig{JWTSecret: "sdk-secret", DevLogin: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func login(t *testing.T, baseURL, username string) (*clauselinesdk.Client, clauselinesdk.User) {
	t.Helper()
	ctx := context.Background()
	c := clauselinesdk.New(baseURL)
	_, err := c.Register(ctx, clauselinesdk.RegisterUserRequest{Name: username, UserName: username, Email: username + "@example.com"})
	require.NoError(t, err)
	u, err := c.DevLogin(ctx, clauselinesdk.UserSelector{UserName: username})
	require.NoError(t, err)
	require.NotEmpty(t, c.BearerToken)
	return c, u
}

func TestClientContractLifecycle(t *testing.T) {
	ctx := context.Background()
	baseURL := newAPI(t)
	alice, aliceUser := login(t, baseURL, "alice")
	bob, bobUser := login(t, baseURL, "bob")

	me, err := alice.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, aliceUser.Key, me.Key)

	contract, err := alice.CreateContract(ctx, "Lease", "2024-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, "active", contract.Status)

	delivery, err := alice.AddClause(ctx, clauselinesdk.AddClauseRequest{
		ContractKey: contract.Key,
		ID:          "delivery",
		ActionType:  0,
		Parameters:  map[string]any{"intervalType": 1, "deadlineInterval": 10},
	})
	require.NoError(t, err)
	assert.Equal(t, "ready", delivery.State)

	pay, err := alice.AddClause(ctx, clauselinesdk.AddClauseRequest{
		ContractKey:  contract.Key,
		ID:           "rent",
		ActionType:   3,
		Parameters:   map[string]any{"amount": 100},
		Dependencies: []string{"delivery"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pending", pay.State)

	_, err = alice.AddReferenceDate(ctx, delivery.Key, "2024-01-01", true)
	require.NoError(t, err)
	delivery, err = alice.AddEvaluatedDate(ctx, delivery.Key, "2024-01-08", false)
	require.NoError(t, err)
	assert.Equal(t, "finalized", delivery.State)
	assert.Equal(t, true, delivery.Result["withinInterval"])

	pay, err = alice.Clause(ctx, pay.Key)
	require.NoError(t, err)
	assert.Equal(t, "ready", pay.State)

	pay, err = alice.MakePayment(ctx, clauselinesdk.PaymentInput{
		ClauseKey:   pay.Key,
		Payment:     100,
		Date:        "2024-01-09",
		ReceiptName: "rent.pdf",
		Receipt:     strings.NewReader("%PDF-1.4 receipt"),
	})
	require.NoError(t, err)
	assert.Equal(t, "finalized", pay.State)
	assert.Equal(t, true, pay.Result["settled"])

	receipts, err := alice.Receipts(ctx, pay.Key)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, "rent.pdf", receipts[0].Filename)

	_, err = bob.Contract(ctx, contract.Key)
	var apiErr *clauselinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "forbidden", apiErr.Code)

	inv, err := alice.Invite(ctx, contract.Key, clauselinesdk.UserSelector{UserName: "bob"}, 0)
	require.NoError(t, err)
	joined, err := bob.AcceptInvite(ctx, inv.Token)
	require.NoError(t, err)
	assert.Len(t, joined.Participants, 2)

	full, err := bob.Contract(ctx, contract.Key)
	require.NoError(t, err)
	assert.Len(t, full.ClauseDetails, 2)
	found, err := bob.ConfirmUser(ctx, clauselinesdk.UserSelector{Email: "alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, aliceUser.Key, found.Key)
	assert.NotEqual(t, aliceUser.Key, bobUser.Key)

	_, err = alice.Evaluate(ctx, delivery.Key)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "already_finalized", apiErr.Code)
}

func TestClientEventsPaging(t *testing.T) {
	ctx := context.Background()
	baseURL := newAPI(t)
	alice, _ := login(t, baseURL, "alice")

	contract, err := alice.CreateContract(ctx, "Supply", "")
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c"} {
		_, err := alice.SetContractData(ctx, contract.Key, map[string]any{k: true})
		require.NoError(t, err)
	}

	seen := 0
	cursor := ""
	for {
		page, err := alice.EventsPage(ctx, contract.Key, clauselinesdk.EventQuery{Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		for _, evt := range page.Items {
			assert.Equal(t, contract.Key, evt.ContractKey)
		}
		seen += len(page.Items)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, 4, seen)

	updates, err := alice.EventsPage(ctx, contract.Key, clauselinesdk.EventQuery{Type: "contract.data_set"})
	require.NoError(t, err)
	assert.Len(t, updates.Items, 3)
}

func TestClientAPIErrorWithoutEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := clauselinesdk.New(srv.URL)
	_, err := c.Contracts(context.Background())
	var apiErr *clauselinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Empty(t, apiErr.Code)
	assert.Contains(t, apiErr.Body, "upstream down")
}
