package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"clauseline/internal/domain"
	"clauseline/internal/engine"
)

type clauseOutput struct {
	Body ClauseResponse `json:"body"`
}

func registerClauses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "add-clause",
		Method:      http.MethodPost,
		Path:        "/addclause",
		Summary:     "Add clause",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body AddClauseRequest `json:"body"`
	}) (*clauseOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cl, err := e.AddClause(ctx, engine.AddClauseOptions{
			ContractKey:  input.Body.ContractKey,
			ID:           input.Body.ID,
			ActionType:   domain.ActionType(input.Body.ActionType),
			Parameters:   input.Body.Parameters,
			Dependencies: input.Body.Dependencies,
			Description:  input.Body.Description,
			Category:     input.Body.Category,
			Input:        input.Body.Input,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &clauseOutput{Body: clauseResponse(cl)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-clause-dependencies",
		Method:      http.MethodPost,
		Path:        "/addclausedependencies",
		Summary:     "Add dependencies to a clause",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body AddDependenciesRequest `json:"body"`
	}) (*clauseOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cl, err := e.AddDependencies(ctx, input.Body.ClauseKey, input.Body.Dependencies, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &clauseOutput{Body: clauseResponse(cl)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-clause",
		Method:      http.MethodGet,
		Path:        "/getclause",
		Summary:     "Get clause",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ClauseKey string `query:"clauseKey" required:"true"`
	}) (*clauseOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cl, err := e.GetClause(ctx, input.ClauseKey, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &clauseOutput{Body: clauseResponse(cl)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-clause",
		Method:      http.MethodPost,
		Path:        "/evaluateclause",
		Summary:     "Evaluate a ready clause and cascade to its dependents",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body ClauseKeyRequest `json:"body"`
	}) (*clauseOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cl, err := e.Evaluate(ctx, input.Body.ClauseKey, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &clauseOutput{Body: clauseResponse(cl)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dates-with-clause",
		Method:      http.MethodGet,
		Path:        "/getdateswithclause",
		Summary:     "Date summary of the contract's CheckDateInterval clauses",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContractKey string `query:"contractKey" required:"true"`
	}) (*struct {
		Body []domain.ClauseDates `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		dates, err := e.GetDatesWithClause(ctx, input.ContractKey, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ClauseDates `json:"body"`
		}{Body: nonNilSlice(dates)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-receipts",
		Method:      http.MethodGet,
		Path:        "/getreceipts",
		Summary:     "List receipts stored for a Payment clause",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ClauseKey string `query:"clauseKey" required:"true"`
	}) (*struct {
		Body []domain.Receipt `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListReceipts(ctx, input.ClauseKey, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Receipt `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

// registerClauseInputs exposes one submission route per action type. Each
// route only accepts clauses of its own type.
func registerClauseInputs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "add-evaluate-date",
		Method:      http.MethodPost,
		Path:        "/addevaluatedate",
		Summary:     "Submit the evaluated date of a CheckDateInterval clause",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body EvaluateDateRequest `json:"body"`
	}) (*clauseOutput, error) {
		payload := map[string]any{}
		date := input.Body.EvaluatedDate
		if date == "" {
			date = input.Body.EvaluateDate
		}
		if date == "" {
			return nil, handleError(domain.InvalidParametersError("evaluateDate is required", "evaluateDate"))
		}
		payload["evaluatedDate"] = date
		if input.Body.ReferenceDate != "" {
			payload["referenceDate"] = input.Body.ReferenceDate
		}
		return submitClauseInput(ctx, e, input.Body.ClauseKey, domain.ActionCheckDateInterval, payload, input.Body.Partial)
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-reference-date",
		Method:      http.MethodPost,
		Path:        "/addreferencedate",
		Summary:     "Submit the reference date of a CheckDateInterval clause",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body ReferenceDateRequest `json:"body"`
	}) (*clauseOutput, error) {
		payload := map[string]any{"referenceDate": input.Body.ReferenceDate}
		return submitClauseInput(ctx, e, input.Body.ClauseKey, domain.ActionCheckDateInterval, payload, input.Body.Partial)
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-inputs-to-check-fine",
		Method:      http.MethodPost,
		Path:        "/addinputstocheckfine",
		Summary:     "Submit GetDeduction inputs",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CheckFineRequest `json:"body"`
	}) (*clauseOutput, error) {
		b := input.Body
		payload := map[string]any{}
		if b.ReferenceValue != nil {
			payload["referenceValue"] = *b.ReferenceValue
		}
		if b.DailyPercentage != nil {
			payload["dailyPercentage"] = *b.DailyPercentage
		}
		if b.Days != nil {
			payload["days"] = *b.Days
		}
		if b.ReferenceClauseDays != nil {
			payload["referenceClauseDays"] = *b.ReferenceClauseDays
		}
		if b.ReferenceClauseName != "" {
			payload["referenceClauseName"] = b.ReferenceClauseName
		}
		return submitClauseInput(ctx, e, b.ClauseKey, domain.ActionGetDeduction, payload, b.Partial)
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-stored-value-to-get-credit",
		Method:      http.MethodPost,
		Path:        "/addstoredvaluetogetcredit",
		Summary:     "Submit the stored value of a GetCredit clause",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body StoredValueRequest `json:"body"`
	}) (*clauseOutput, error) {
		payload := map[string]any{"storedValue": input.Body.StoredValue}
		return submitClauseInput(ctx, e, input.Body.ClauseKey, domain.ActionGetCredit, payload, input.Body.Partial)
	})
}

func submitClauseInput(ctx context.Context, e engine.Engine, clauseKey string, want domain.ActionType, payload map[string]any, partial bool) (*clauseOutput, error) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return nil, authErr
	}
	cl, err := submitForAction(ctx, e, actorID, clauseKey, want, payload, engine.SubmitOptions{Partial: partial})
	if err != nil {
		return nil, handleError(err)
	}
	return &clauseOutput{Body: clauseResponse(cl)}, nil
}

func submitForAction(ctx context.Context, e engine.Engine, actorID, clauseKey string, want domain.ActionType, payload map[string]any, opts engine.SubmitOptions) (domain.Clause, error) {
	cl, err := e.GetClause(ctx, clauseKey, actorID)
	if err != nil {
		return domain.Clause{}, err
	}
	if cl.ActionType != want {
		return domain.Clause{}, domain.InvalidParametersError(
			fmt.Sprintf("clause %s is %s, not %s", cl.Key, cl.ActionType, want), "clauseKey")
	}
	return e.SubmitInput(ctx, cl.Key, actorID, payload, opts)
}

// registerPaymentUpload serves the multipart payment route on chi directly;
// its schema is added to the OpenAPI document by addPaymentUploadOperation.
func registerPaymentUpload(r chi.Router, basePath string, e engine.Engine, maxBody int64) {
	r.Post(path.Join("/", basePath, "addinputstomakepayment"), func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		if !isMultipart(req) {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "multipart/form-data body required", nil))
			return
		}
		if err := req.ParseMultipartForm(maxBody); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "too_large", "request body too large", nil))
				return
			}
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid multipart form", map[string]any{"error": err.Error()}))
			return
		}
		defer req.MultipartForm.RemoveAll()

		clauseKey := strings.TrimSpace(req.FormValue("clauseKey"))
		if clauseKey == "" {
			respondStatusError(w, handleError(domain.InvalidParametersError("clauseKey is required", "clauseKey")))
			return
		}
		payload := map[string]any{}
		if raw := strings.TrimSpace(req.FormValue("payment")); raw != "" {
			amount, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				respondStatusError(w, handleError(domain.InvalidParametersError("payment must be a number", "payment")))
				return
			}
			payload["payment"] = amount
		}
		if date := strings.TrimSpace(req.FormValue("date")); date != "" {
			payload["date"] = date
		}
		if raw := strings.TrimSpace(req.FormValue("finalPayment")); raw != "" {
			final, err := strconv.ParseBool(raw)
			if err != nil {
				respondStatusError(w, handleError(domain.InvalidParametersError("finalPayment must be a boolean", "finalPayment")))
				return
			}
			payload["finalPayment"] = final
		}
		partial, _ := strconv.ParseBool(req.FormValue("partial"))
		opts := engine.SubmitOptions{Partial: partial}

		file, header, err := req.FormFile("Receipt")
		switch {
		case err == nil:
			defer file.Close()
			opts.Receipt = &engine.ReceiptUpload{Filename: header.Filename, Body: file}
		case errors.Is(err, http.ErrMissingFile):
		default:
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid receipt upload", map[string]any{"error": err.Error()}))
			return
		}

		cl, err := submitForAction(ctx, e, actorID, clauseKey, domain.ActionPayment, payload, opts)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(clauseResponse(cl))
	})
}
