package domain

import "fmt"

// ActionType selects the evaluator a clause runs. Wire values match the
// integers used by existing clients.
type ActionType int

const (
	ActionNonExecutable     ActionType = -1
	ActionCheckDateInterval ActionType = 0
	ActionGetDeduction      ActionType = 1
	ActionGetCredit         ActionType = 2
	ActionPayment           ActionType = 3
	ActionFinishContract    ActionType = 4
)

var actionNames = map[ActionType]string{
	ActionNonExecutable:     "NonExecutable",
	ActionCheckDateInterval: "CheckDateInterval",
	ActionGetDeduction:      "GetDeduction",
	ActionGetCredit:         "GetCredit",
	ActionPayment:           "Payment",
	ActionFinishContract:    "FinishContract",
}

func (a ActionType) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("ActionType(%d)", int(a))
}

// Executable reports whether clauses of this type can be evaluated.
func (a ActionType) Executable() bool {
	return a >= ActionCheckDateInterval && a <= ActionFinishContract
}

// ParseActionType accepts either the name or the integer form.
func ParseActionType(v string) (ActionType, error) {
	for a, name := range actionNames {
		if name == v {
			return a, nil
		}
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
		a := ActionType(n)
		if _, ok := actionNames[a]; ok {
			return a, nil
		}
	}
	return ActionNonExecutable, fmt.Errorf("unknown action type %q", v)
}

// ClauseState is derived from the executable/finalized flags.
type ClauseState string

const (
	StatePending   ClauseState = "pending"
	StateReady     ClauseState = "ready"
	StateFinalized ClauseState = "finalized"
)

const (
	ContractActive    = "active"
	ContractFinished  = "finished"
	ContractCancelled = "cancelled"
)

type User struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	CPF       string `json:"cpf,omitempty"`
	Username  string `json:"username"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// UserRef is the snapshot of a user copied into contracts.
type UserRef struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	CPF      string `json:"cpf,omitempty"`
	Username string `json:"username"`
}

func (u User) Ref() UserRef {
	return UserRef{Key: u.Key, Name: u.Name, Email: u.Email, Phone: u.Phone, CPF: u.CPF, Username: u.Username}
}

type Contract struct {
	Key           string         `json:"key"`
	Name          string         `json:"name"`
	Owner         UserRef        `json:"owner"`
	SignatureDate string         `json:"signature_date" format:"date-time"`
	Status        string         `json:"status" enum:"active,finished,cancelled"`
	Participants  []UserRef      `json:"participants"`
	Clauses       []string       `json:"clauses"`
	Data          map[string]any `json:"data"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

// HasMember reports whether userKey owns or participates in the contract.
func (c Contract) HasMember(userKey string) bool {
	if c.Owner.Key == userKey {
		return true
	}
	for _, p := range c.Participants {
		if p.Key == userKey {
			return true
		}
	}
	return false
}

type Clause struct {
	Key          string         `json:"key"`
	ID           string         `json:"id"`
	ContractKey  string         `json:"contract_key"`
	Description  string         `json:"description,omitempty"`
	Category     string         `json:"category,omitempty"`
	ActionType   ActionType     `json:"action_type"`
	Parameters   map[string]any `json:"parameters"`
	Input        map[string]any `json:"input"`
	Dependencies []string       `json:"dependencies"`
	Executable   bool           `json:"executable"`
	Finalized    bool           `json:"finalized"`
	Result       map[string]any `json:"result,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	UpdatedAt    string         `json:"updated_at" format:"date-time"`
	FinalizedAt  *string        `json:"finalized_at,omitempty" format:"date-time"`
}

func (c Clause) State() ClauseState {
	switch {
	case c.Finalized:
		return StateFinalized
	case c.Executable:
		return StateReady
	default:
		return StatePending
	}
}

type Invite struct {
	Token       string  `json:"token"`
	ContractKey string  `json:"contract_key"`
	InvitedBy   string  `json:"invited_by"`
	UserKey     *string `json:"user_key,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ExpiresAt   string  `json:"expires_at" format:"date-time"`
	AcceptedAt  *string `json:"accepted_at,omitempty" format:"date-time"`
	AcceptedBy  *string `json:"accepted_by,omitempty"`
}

type Receipt struct {
	ID        string  `json:"id"`
	ClauseKey string  `json:"clause_key"`
	BlobKey   string  `json:"blob_key"`
	Filename  string  `json:"filename"`
	Size      int64   `json:"size"`
	SHA256    string  `json:"sha256"`
	Amount    float64 `json:"amount"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	ContractKey string `json:"contract_key,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload"`
}

type APIKey struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actor_id"`
	Name       string  `json:"name,omitempty"`
	KeyHash    string  `json:"-"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
}

// ClauseDates summarizes a CheckDateInterval clause for calendar views.
type ClauseDates struct {
	ClauseKey      string  `json:"clause_key"`
	ClauseID       string  `json:"clause_id"`
	Name           string  `json:"name,omitempty"`
	ReferenceDate  string  `json:"reference_date,omitempty"`
	Deadline       string  `json:"deadline,omitempty"`
	EvaluatedDate  string  `json:"evaluated_date,omitempty"`
	WithinInterval *bool   `json:"within_interval,omitempty"`
	DayDifference  *int    `json:"day_difference,omitempty"`
	State          string  `json:"state" enum:"pending,ready,finalized"`
	FinalizedAt    *string `json:"finalized_at,omitempty"`
}
