package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error kinds. Match with errors.Is; the concrete types carry the details.
var (
	ErrValidation              = errors.New("validation failed")
	ErrCycle                   = errors.New("dependency cycle")
	ErrNotFound                = errors.New("not found")
	ErrStateConflict           = errors.New("state conflict")
	ErrMissingDependencyResult = errors.New("missing dependency result")
	ErrAuth                    = errors.New("not authorized")
)

// Validation codes.
const (
	CodeInvalidParameters = "invalid_parameters"
	CodeIncompleteInput   = "incomplete_input"
)

// Conflict reasons.
const (
	ReasonAlreadyFinalized  = "already_finalized"
	ReasonAlreadyAccepted   = "already_accepted"
	ReasonInviteExpired     = "invite_expired"
	ReasonDependencyPending = "dependencies_not_finalized"
	ReasonContractClosed    = "contract_closed"
	ReasonDuplicate         = "duplicate"
)

// ValidationError reports user-correctable parameter or input problems.
type ValidationError struct {
	Code    string
	Message string
	Fields  []string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InvalidParametersError lists fields that are missing from or malformed in clause parameters.
func InvalidParametersError(msg string, fields ...string) error {
	if msg == "" {
		msg = "invalid parameters"
	}
	return &ValidationError{Code: CodeInvalidParameters, Message: msg, Fields: sortedUnique(fields)}
}

// IncompleteInputError names the input fields still required before evaluation.
func IncompleteInputError(fields ...string) error {
	return &ValidationError{Code: CodeIncompleteInput, Message: "incomplete input", Fields: sortedUnique(fields)}
}

// CycleError carries one witness path, first node repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return ErrCycle.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCycle.Error(), strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s not found", e.Kind)
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NewNotFound(kind, key string) error { return &NotFoundError{Kind: kind, Key: key} }

// UserNotFoundError is a NotFoundError of kind "user".
func UserNotFoundError(selector string) error { return &NotFoundError{Kind: "user", Key: selector} }

type StateConflictError struct {
	Reason  string
	Message string
}

func (e *StateConflictError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return strings.ReplaceAll(e.Reason, "_", " ")
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

func NewStateConflict(reason, format string, args ...any) error {
	return &StateConflictError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func AlreadyFinalizedError(clauseKey string) error {
	return &StateConflictError{Reason: ReasonAlreadyFinalized, Message: fmt.Sprintf("clause %s already finalized", clauseKey)}
}

func AlreadyAcceptedError(token string) error {
	return &StateConflictError{Reason: ReasonAlreadyAccepted, Message: fmt.Sprintf("invite %s already accepted", token)}
}

// IsConflict reports whether err is a StateConflictError with the given reason.
func IsConflict(err error, reason string) bool {
	var sc *StateConflictError
	return errors.As(err, &sc) && sc.Reason == reason
}

type MissingDependencyResultError struct {
	Clause string
	Field  string
}

func (e *MissingDependencyResultError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: clause %s has no result", ErrMissingDependencyResult.Error(), e.Clause)
	}
	return fmt.Sprintf("%s: clause %s has no %q", ErrMissingDependencyResult.Error(), e.Clause, e.Field)
}

func (e *MissingDependencyResultError) Unwrap() error { return ErrMissingDependencyResult }

type AuthError struct {
	Permission string
	Reason     string
}

func (e *AuthError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("permission %s required", e.Permission)
}

func (e *AuthError) Unwrap() error { return ErrAuth }

func sortedUnique(items []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	sort.Strings(out)
	return out
}
