package server

import (
	"encoding/json"

	"clauseline/internal/domain"
)

type MeResponse struct {
	ActorID     string      `json:"actor_id"`
	Source      string      `json:"source" enum:"jwt,api_key,legacy_header"`
	Roles       []string    `json:"roles"`
	Permissions []string    `json:"permissions"`
	User        domain.User `json:"user"`
}

type DevLoginRequest struct {
	UserName    string   `json:"userName,omitempty"`
	Email       string   `json:"email,omitempty"`
	ID          string   `json:"id,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type DevLoginResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type CreateUserRequest struct {
	Name     string `json:"name" minLength:"1"`
	UserName string `json:"userName" minLength:"1"`
	Email    string `json:"email,omitempty" format:"email"`
	Phone    string `json:"phone,omitempty"`
	CPF      string `json:"cpf,omitempty"`
}

type CreateContractRequest struct {
	Name          string `json:"name" minLength:"1"`
	SignatureDate string `json:"signatureDate,omitempty"`
}

type SetContractDataRequest struct {
	ContractKey string         `json:"contractKey" minLength:"1"`
	Data        map[string]any `json:"data"`
}

type AddParticipantsRequest struct {
	UserKeys []string `json:"userKeys" minItems:"1"`
}

type IssueInviteRequest struct {
	ContractKey string `json:"contractKey" minLength:"1"`
	UserName    string `json:"userName,omitempty"`
	Email       string `json:"email,omitempty"`
	ID          string `json:"id,omitempty"`
	TTL         string `json:"ttl,omitempty" example:"72h"`
}

type AddReviewRequest struct {
	ContractKey string `json:"contractKey" minLength:"1"`
	Rating      int    `json:"rating" minimum:"1" maximum:"5"`
	Comments    string `json:"comments,omitempty"`
	Date        string `json:"date,omitempty"`
	ClauseKey   string `json:"clauseKey,omitempty"`
}

type CancelContractRequest struct {
	ClauseKey             string `json:"clauseKey" minLength:"1"`
	ForceCancellation     bool   `json:"forceCancellation,omitempty"`
	RequestedCancellation bool   `json:"requestedCancellation,omitempty"`
}

type AddClauseRequest struct {
	ContractKey  string         `json:"contractKey" minLength:"1"`
	ID           string         `json:"id" minLength:"1"`
	ActionType   int            `json:"actionType" minimum:"-1" maximum:"4" doc:"-1 NonExecutable, 0 CheckDateInterval, 1 GetDeduction, 2 GetCredit, 3 Payment, 4 FinishContract"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Description  string         `json:"description,omitempty"`
	Category     string         `json:"category,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
}

type AddDependenciesRequest struct {
	ClauseKey    string   `json:"clauseKey" minLength:"1"`
	Dependencies []string `json:"dependencies" minItems:"1"`
}

type ClauseKeyRequest struct {
	ClauseKey string `json:"clauseKey" minLength:"1"`
}

type EvaluateDateRequest struct {
	ClauseKey     string `json:"clauseKey" minLength:"1"`
	EvaluateDate  string `json:"evaluateDate,omitempty"`
	EvaluatedDate string `json:"evaluatedDate,omitempty"`
	ReferenceDate string `json:"referenceDate,omitempty"`
	Partial       bool   `json:"partial,omitempty"`
}

type ReferenceDateRequest struct {
	ClauseKey     string `json:"clauseKey" minLength:"1"`
	ReferenceDate string `json:"referenceDate" minLength:"1"`
	Partial       bool   `json:"partial,omitempty"`
}

type CheckFineRequest struct {
	ClauseKey           string   `json:"clauseKey" minLength:"1"`
	ReferenceValue      *float64 `json:"referenceValue,omitempty"`
	DailyPercentage     *float64 `json:"dailyPercentage,omitempty"`
	Days                *float64 `json:"days,omitempty"`
	ReferenceClauseDays *bool    `json:"referenceClauseDays,omitempty"`
	ReferenceClauseName string   `json:"referenceClauseName,omitempty"`
	Partial             bool     `json:"partial,omitempty"`
}

type StoredValueRequest struct {
	ClauseKey   string  `json:"clauseKey" minLength:"1"`
	StoredValue float64 `json:"storedValue" minimum:"0"`
	Partial     bool    `json:"partial,omitempty"`
}

type ClauseResponse struct {
	Key          string         `json:"key"`
	ID           string         `json:"id"`
	ContractKey  string         `json:"contract_key"`
	Description  string         `json:"description,omitempty"`
	Category     string         `json:"category,omitempty"`
	ActionType   int            `json:"action_type"`
	ActionName   string         `json:"action_name"`
	Parameters   map[string]any `json:"parameters"`
	Input        map[string]any `json:"input"`
	Dependencies []string       `json:"dependencies"`
	Executable   bool           `json:"executable"`
	Finalized    bool           `json:"finalized"`
	State        string         `json:"state" enum:"pending,ready,finalized"`
	Result       map[string]any `json:"result,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	UpdatedAt    string         `json:"updated_at" format:"date-time"`
	FinalizedAt  *string        `json:"finalized_at,omitempty" format:"date-time"`
}

type ContractResponse struct {
	Key           string           `json:"key"`
	Name          string           `json:"name"`
	Owner         domain.UserRef   `json:"owner"`
	SignatureDate string           `json:"signature_date" format:"date-time"`
	Status        string           `json:"status" enum:"active,finished,cancelled"`
	Participants  []domain.UserRef `json:"participants"`
	Clauses       []string         `json:"clauses"`
	Data          map[string]any   `json:"data"`
	CreatedAt     string           `json:"created_at" format:"date-time"`
	UpdatedAt     string           `json:"updated_at" format:"date-time"`
	ClauseDetails []ClauseResponse `json:"clause_details,omitempty"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	ContractKey string         `json:"contract_key,omitempty"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func clauseResponse(c domain.Clause) ClauseResponse {
	return ClauseResponse{
		Key:          c.Key,
		ID:           c.ID,
		ContractKey:  c.ContractKey,
		Description:  c.Description,
		Category:     c.Category,
		ActionType:   int(c.ActionType),
		ActionName:   c.ActionType.String(),
		Parameters:   nonNilMap(c.Parameters),
		Input:        nonNilMap(c.Input),
		Dependencies: nonNilSlice(c.Dependencies),
		Executable:   c.Executable,
		Finalized:    c.Finalized,
		State:        string(c.State()),
		Result:       c.Result,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		FinalizedAt:  c.FinalizedAt,
	}
}

func clauseResponses(items []domain.Clause) []ClauseResponse {
	out := make([]ClauseResponse, 0, len(items))
	for _, c := range items {
		out = append(out, clauseResponse(c))
	}
	return out
}

func contractResponse(c domain.Contract) ContractResponse {
	return ContractResponse{
		Key:           c.Key,
		Name:          c.Name,
		Owner:         c.Owner,
		SignatureDate: c.SignatureDate,
		Status:        c.Status,
		Participants:  nonNilSlice(c.Participants),
		Clauses:       nonNilSlice(c.Clauses),
		Data:          nonNilMap(c.Data),
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:          e.ID,
		TS:          e.TS,
		Type:        e.Type,
		ContractKey: e.ContractKey,
		EntityKind:  e.EntityKind,
		EntityID:    e.EntityID,
		ActorID:     e.ActorID,
		Payload:     decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func nonNilMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return in
}
