package clauselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Clauseline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type User struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	CPF       string `json:"cpf,omitempty"`
	Username  string `json:"username"`
	CreatedAt string `json:"created_at,omitempty"`
}

type Contract struct {
	Key           string         `json:"key"`
	Name          string         `json:"name"`
	Owner         User           `json:"owner"`
	SignatureDate string         `json:"signature_date"`
	Status        string         `json:"status"`
	Participants  []User         `json:"participants"`
	Clauses       []string       `json:"clauses"`
	Data          map[string]any `json:"data"`
	ClauseDetails []Clause       `json:"clause_details,omitempty"`
}

type Clause struct {
	Key          string         `json:"key"`
	ID           string         `json:"id"`
	ContractKey  string         `json:"contract_key"`
	ActionType   int            `json:"action_type"`
	ActionName   string         `json:"action_name"`
	Parameters   map[string]any `json:"parameters"`
	Input        map[string]any `json:"input"`
	Dependencies []string       `json:"dependencies"`
	Executable   bool           `json:"executable"`
	Finalized    bool           `json:"finalized"`
	State        string         `json:"state"`
	Result       map[string]any `json:"result,omitempty"`
	FinalizedAt  *string        `json:"finalized_at,omitempty"`
}

type Invite struct {
	Token       string `json:"token"`
	ContractKey string `json:"contract_key"`
	ExpiresAt   string `json:"expires_at"`
}

type ClauseDates struct {
	ClauseKey      string `json:"clause_key"`
	ClauseID       string `json:"clause_id"`
	ReferenceDate  string `json:"reference_date,omitempty"`
	Deadline       string `json:"deadline,omitempty"`
	EvaluatedDate  string `json:"evaluated_date,omitempty"`
	WithinInterval *bool  `json:"within_interval,omitempty"`
	DayDifference  *int   `json:"day_difference,omitempty"`
	State          string `json:"state"`
}

type Receipt struct {
	ID        string  `json:"id"`
	ClauseKey string  `json:"clause_key"`
	Filename  string  `json:"filename"`
	Size      int64   `json:"size"`
	SHA256    string  `json:"sha256"`
	Amount    float64 `json:"amount"`
	CreatedAt string  `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	ContractKey string         `json:"contract_key"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code, Message and Details come from the
// server's error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type RegisterUserRequest struct {
	Name     string `json:"name"`
	UserName string `json:"userName"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	CPF      string `json:"cpf,omitempty"`
}

// UserSelector names a user by exactly one of its unique fields.
type UserSelector struct {
	UserName string `json:"userName,omitempty"`
	Email    string `json:"email,omitempty"`
	ID       string `json:"id,omitempty"`
}

type AddClauseRequest struct {
	ContractKey  string         `json:"contractKey"`
	ID           string         `json:"id"`
	ActionType   int            `json:"actionType"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Description  string         `json:"description,omitempty"`
	Category     string         `json:"category,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
}

type ReviewRequest struct {
	ContractKey string `json:"contractKey"`
	Rating      int    `json:"rating"`
	Comments    string `json:"comments,omitempty"`
	Date        string `json:"date,omitempty"`
	ClauseKey   string `json:"clauseKey,omitempty"`
}

type FineInput struct {
	ClauseKey           string   `json:"clauseKey"`
	ReferenceValue      *float64 `json:"referenceValue,omitempty"`
	DailyPercentage     *float64 `json:"dailyPercentage,omitempty"`
	Days                *float64 `json:"days,omitempty"`
	ReferenceClauseDays *bool    `json:"referenceClauseDays,omitempty"`
	ReferenceClauseName string   `json:"referenceClauseName,omitempty"`
	Partial             bool     `json:"partial,omitempty"`
}

// PaymentInput is sent as multipart/form-data; Receipt is optional.
type PaymentInput struct {
	ClauseKey    string
	Payment      float64
	Date         string
	FinalPayment bool
	Partial      bool
	ReceiptName  string
	Receipt      io.Reader
}

// EventQuery filters a contract's event log.
type EventQuery struct {
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
	Cursor     string
}

// Register creates a user. The route is public.
func (c *Client) Register(ctx context.Context, req RegisterUserRequest) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodPost, "users", req, &resp)
	return resp, err
}

// DevLogin exchanges a user selector for a bearer token on servers with
// dev login enabled. The token is stored on the client.
func (c *Client) DevLogin(ctx context.Context, sel UserSelector) (User, error) {
	var resp struct {
		Token string `json:"token"`
		User  User   `json:"user"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", sel, &resp); err != nil {
		return User{}, err
	}
	c.BearerToken = resp.Token
	return resp.User, nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (User, error) {
	var resp struct {
		User User `json:"user"`
	}
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp.User, err
}

// ConfirmUser resolves a user by userName, email or id.
func (c *Client) ConfirmUser(ctx context.Context, sel UserSelector) (User, error) {
	q := url.Values{}
	setQuery(q, "userName", sel.UserName)
	setQuery(q, "email", sel.Email)
	setQuery(q, "id", sel.ID)
	var resp User
	err := c.do(ctx, http.MethodGet, withQuery("confirmuser", q), nil, &resp)
	return resp, err
}

func (c *Client) CreateContract(ctx context.Context, name, signatureDate string) (Contract, error) {
	body := map[string]any{"name": name}
	if signatureDate != "" {
		body["signatureDate"] = signatureDate
	}
	var resp Contract
	err := c.do(ctx, http.MethodPost, "createcontract", body, &resp)
	return resp, err
}

// Contracts lists the contracts the caller owns or participates in.
func (c *Client) Contracts(ctx context.Context) ([]Contract, error) {
	var resp []Contract
	err := c.do(ctx, http.MethodGet, "getusercontracts", nil, &resp)
	return resp, err
}

// Contract fetches a contract with its clause details.
func (c *Client) Contract(ctx context.Context, key string) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodGet, withQuery("getcontract", url.Values{"contractKey": {key}}), nil, &resp)
	return resp, err
}

// SetContractData merges data into the contract; nil values delete keys.
func (c *Client) SetContractData(ctx context.Context, key string, data map[string]any) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPost, "setcontractdata", map[string]any{"contractKey": key, "data": data}, &resp)
	return resp, err
}

func (c *Client) AddParticipants(ctx context.Context, contractKey string, userKeys ...string) (Contract, error) {
	var resp Contract
	endpoint := fmt.Sprintf("contracts/%s/participants", url.PathEscape(contractKey))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"userKeys": userKeys}, &resp)
	return resp, err
}

// Invite issues a single-use token, optionally pinned to one user.
func (c *Client) Invite(ctx context.Context, contractKey string, invitee UserSelector, ttl time.Duration) (Invite, error) {
	body := map[string]any{"contractKey": contractKey}
	setBody(body, "userName", invitee.UserName)
	setBody(body, "email", invitee.Email)
	setBody(body, "id", invitee.ID)
	if ttl > 0 {
		body["ttl"] = ttl.String()
	}
	var resp Invite
	err := c.do(ctx, http.MethodPost, "addparticipantrequest", body, &resp)
	return resp, err
}

func (c *Client) AcceptInvite(ctx context.Context, token string) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPost, withQuery("addparticipants", url.Values{"token": {token}}), nil, &resp)
	return resp, err
}

func (c *Client) AddReview(ctx context.Context, req ReviewRequest) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPost, "addreviewtocontract", req, &resp)
	return resp, err
}

// CancelContract submits cancellation input to a FinishContract clause.
func (c *Client) CancelContract(ctx context.Context, clauseKey string, force, requested bool) (Clause, error) {
	body := map[string]any{
		"clauseKey":             clauseKey,
		"forceCancellation":     force,
		"requestedCancellation": requested,
	}
	var resp Clause
	err := c.do(ctx, http.MethodPost, "cancelcontract", body, &resp)
	return resp, err
}

func (c *Client) AddClause(ctx context.Context, req AddClauseRequest) (Clause, error) {
	var resp Clause
	err := c.do(ctx, http.MethodPost, "addclause", req, &resp)
	return resp, err
}

func (c *Client) AddDependencies(ctx context.Context, clauseKey string, deps ...string) (Clause, error) {
	var resp Clause
	err := c.do(ctx, http.MethodPost, "addclausedependencies", map[string]any{"clauseKey": clauseKey, "dependencies": deps}, &resp)
	return resp, err
}

func (c *Client) Clause(ctx context.Context, key string) (Clause, error) {
	var resp Clause
	err := c.do(ctx, http.MethodGet, withQuery("getclause", url.Values{"clauseKey": {key}}), nil, &resp)
	return resp, err
}

// Evaluate runs a ready clause with its stored input.
func (c *Client) Evaluate(ctx context.Context, key string) (Clause, error) {
	var resp Clause
	err := c.do(ctx, http.MethodPost, "evaluateclause", map[string]any{"clauseKey": key}, &resp)
	return resp, err
}

func (c *Client) Dates(ctx context.Context, contractKey string) ([]ClauseDates, error) {
	var resp []ClauseDates
	err := c.do(ctx, http.MethodGet, withQuery("getdateswithclause", url.Values{"contractKey": {contractKey}}), nil, &resp)
	return resp, err
}

func (c *Client) Receipts(ctx context.Context, clauseKey string) ([]Receipt, error) {
	var resp []Receipt
	err := c.do(ctx, http.MethodGet, withQuery("getreceipts", url.Values{"clauseKey": {clauseKey}}), nil, &resp)
	return resp, err
}

// AddEvaluatedDate submits the evaluated date of a CheckDateInterval clause.
func (c *Client) AddEvaluatedDate(ctx context.Context, clauseKey, date string, partial bool) (Clause, error) {
	var resp Clause
	err := c.do(ctx, http.MethodPost, "addevaluatedate", map[string]any{"clauseKey": clauseKey, "evaluatedDate": date, "partial": partial}, &resp)
	return resp, err
}

// AddReferenceDate submits the reference date of a CheckDateInterval clause.
func (c *Client) AddReferenceDate(ctx context.Context, clauseKey, date string, partial bool) (Clause, error) {
	var resp Clause
	err := c.do(ctx, http.MethodPost, "addreferencedate", map[string]any{"clauseKey": clauseKey, "referenceDate": date, "partial": partial}, &resp)
	return resp, err
}

// AddFineInputs submits input to a GetDeduction clause.
func (c *Client) AddFineInputs(ctx context.Context, in FineInput) (Clause, error) {
	var resp Clause
	err := c.do(ctx, http.MethodPost, "addinputstocheckfine", in, &resp)
	return resp, err
}

// AddStoredValue submits the stored value of a GetCredit clause.
func (c *Client) AddStoredValue(ctx context.Context, clauseKey string, value float64, partial bool) (Clause, error) {
	var resp Clause
	err := c.do(ctx, http.MethodPost, "addstoredvaluetogetcredit", map[string]any{"clauseKey": clauseKey, "storedValue": value, "partial": partial}, &resp)
	return resp, err
}

// MakePayment uploads a payment and its receipt to a Payment clause.
func (c *Client) MakePayment(ctx context.Context, in PaymentInput) (Clause, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{
		"clauseKey":    in.ClauseKey,
		"payment":      strconv.FormatFloat(in.Payment, 'f', -1, 64),
		"finalPayment": strconv.FormatBool(in.FinalPayment),
		"partial":      strconv.FormatBool(in.Partial),
	}
	if in.Date != "" {
		fields["date"] = in.Date
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return Clause{}, err
		}
	}
	if in.Receipt != nil {
		name := in.ReceiptName
		if name == "" {
			name = "receipt"
		}
		part, err := mw.CreateFormFile("Receipt", name)
		if err != nil {
			return Clause{}, err
		}
		if _, err := io.Copy(part, in.Receipt); err != nil {
			return Clause{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return Clause{}, err
	}
	var resp Clause
	err := c.send(ctx, http.MethodPost, "addinputstomakepayment", mw.FormDataContentType(), &buf, &resp)
	return resp, err
}

// Events returns recent events of a contract.
func (c *Client) Events(ctx context.Context, contractKey string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, contractKey, EventQuery{Limit: limit})
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, contractKey string, query EventQuery) (PaginatedEvents, error) {
	q := url.Values{}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	setQuery(q, "cursor", query.Cursor)
	setQuery(q, "type", query.Type)
	setQuery(q, "entity_kind", query.EntityKind)
	setQuery(q, "entity_id", query.EntityID)
	endpoint := fmt.Sprintf("contracts/%s/events", url.PathEscape(contractKey))
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(endpoint, q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.send(ctx, method, endpoint, "application/json", &buf, out)
}

func (c *Client) send(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	}
	return apiErr
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func setQuery(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func setBody(body map[string]any, key, value string) {
	if value != "" {
		body[key] = value
	}
}
