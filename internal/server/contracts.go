package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"clauseline/internal/domain"
	"clauseline/internal/engine"
)

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

type contractOutput struct {
	Body ContractResponse `json:"body"`
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-user",
		Method:      http.MethodPost,
		Path:        "/users",
		Summary:     "Register user",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actorID := ""
		if p, ok := principalFromContext(ctx); ok {
			actorID = p.ActorID
		}
		u, err := e.CreateUser(ctx, engine.CreateUserOptions{
			Name:     input.Body.Name,
			Username: input.Body.UserName,
			Email:    input.Body.Email,
			Phone:    input.Body.Phone,
			CPF:      input.Body.CPF,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-user",
		Method:      http.MethodGet,
		Path:        "/confirmuser",
		Summary:     "Resolve a user by userName, email or id",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserName string `query:"userName"`
		Email    string `query:"email"`
		ID       string `query:"id"`
	}) (*struct {
		Body domain.UserRef `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		u, err := e.ResolveUser(ctx, engine.UserSelector{Username: input.UserName, Email: input.Email, ID: input.ID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.UserRef `json:"body"`
		}{Body: u.Ref()}, nil
	})
}

func registerContracts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-contract",
		Method:      http.MethodPost,
		Path:        "/createcontract",
		Summary:     "Create contract",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateContractRequest `json:"body"`
	}) (*contractOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateContract(ctx, engine.CreateContractOptions{
			Name:          input.Body.Name,
			SignatureDate: input.Body.SignatureDate,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &contractOutput{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user-contracts",
		Method:      http.MethodGet,
		Path:        "/getusercontracts",
		Summary:     "List contracts the caller takes part in",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ContractResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListUserContracts(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ContractResponse, 0, len(items))
		for _, c := range items {
			out = append(out, contractResponse(c))
		}
		return &struct {
			Body []ContractResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/getcontract",
		Summary:     "Get contract with its clauses",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContractKey string `query:"contractKey" required:"true"`
	}) (*contractOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.GetContract(ctx, input.ContractKey, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		clauses, err := e.ListClauses(ctx, c.Key, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := contractResponse(c)
		resp.ClauseDetails = clauseResponses(clauses)
		return &contractOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-contract-data",
		Method:      http.MethodPost,
		Path:        "/setcontractdata",
		Summary:     "Merge keys into contract data; null deletes a key",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body SetContractDataRequest `json:"body"`
	}) (*contractOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.SetContractData(ctx, input.Body.ContractKey, input.Body.Data, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &contractOutput{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-review-to-contract",
		Method:      http.MethodPost,
		Path:        "/addreviewtocontract",
		Summary:     "Add review",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body AddReviewRequest `json:"body"`
	}) (*contractOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AddReview(ctx, engine.AddReviewOptions{
			ContractKey: input.Body.ContractKey,
			Rating:      input.Body.Rating,
			Comments:    input.Body.Comments,
			Date:        input.Body.Date,
			ClauseKey:   input.Body.ClauseKey,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &contractOutput{Body: contractResponse(c)}, nil
	})

	cancel := func(ctx context.Context, input *struct {
		Body CancelContractRequest `json:"body"`
	}) (*clauseOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cl, err := e.CancelContract(ctx, engine.CancelContractOptions{
			ClauseKey:             input.Body.ClauseKey,
			ForceCancellation:     input.Body.ForceCancellation,
			RequestedCancellation: input.Body.RequestedCancellation,
			ActorID:               actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &clauseOutput{Body: clauseResponse(cl)}, nil
	}
	huma.Register(api, huma.Operation{
		OperationID: "cancel-contract",
		Method:      http.MethodPost,
		Path:        "/cancelcontract",
		Summary:     "Submit cancellation to a FinishContract clause",
		Errors:      mutationErrors,
	}, cancel)
	huma.Register(api, huma.Operation{
		OperationID: "cancel-document",
		Method:      http.MethodPost,
		Path:        "/canceldocument",
		Summary:     "Alias of cancelcontract",
		Errors:      mutationErrors,
	}, cancel)
}

func registerParticipants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "add-participants",
		Method:      http.MethodPost,
		Path:        "/contracts/{contractKey}/participants",
		Summary:     "Add participants directly",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ContractKey string                 `path:"contractKey"`
		Body        AddParticipantsRequest `json:"body"`
	}) (*contractOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AddParticipants(ctx, input.ContractKey, input.Body.UserKeys, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &contractOutput{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-participant-request",
		Method:      http.MethodPost,
		Path:        "/addparticipantrequest",
		Summary:     "Issue an invite token",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body IssueInviteRequest `json:"body"`
	}) (*struct {
		Body domain.Invite `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var ttl time.Duration
		if raw := strings.TrimSpace(input.Body.TTL); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil || parsed <= 0 {
				return nil, handleError(domain.InvalidParametersError("ttl must be a positive duration", "ttl"))
			}
			ttl = parsed
		}
		inv, err := e.IssueInvite(ctx, engine.IssueInviteOptions{
			ContractKey: input.Body.ContractKey,
			Invitee: engine.UserSelector{
				Username: input.Body.UserName,
				Email:    input.Body.Email,
				ID:       input.Body.ID,
			},
			TTL:     ttl,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Invite `json:"body"`
		}{Body: inv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-invite",
		Method:      http.MethodPost,
		Path:        "/addparticipants",
		Summary:     "Accept an invite token",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Token string `query:"token" required:"true"`
	}) (*contractOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AcceptInvite(ctx, input.Token, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &contractOutput{Body: contractResponse(c)}, nil
	})
}
