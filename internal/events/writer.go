package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	UserCreated             = "user.created"
	ContractCreated         = "contract.created"
	ContractDataSet         = "contract.data_set"
	ContractReviewed        = "contract.reviewed"
	ContractFinished        = "contract.finished"
	ContractCancelled       = "contract.cancelled"
	ParticipantsAdded       = "contract.participants_added"
	InviteIssued            = "invite.issued"
	InviteAccepted          = "invite.accepted"
	ClauseAdded             = "clause.added"
	ClauseDependenciesAdded = "clause.dependencies_added"
	ClauseInputSubmitted    = "clause.input_submitted"
	ClauseReady             = "clause.ready"
	ClauseFinalized         = "clause.finalized"
	CascadeSkipped          = "cascade.skipped"
	APIKeyCreated           = "apikey.created"
	APIKeyRevoked           = "apikey.revoked"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event row inside tx so it commits with the mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, contractKey, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,contract_key,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(contractKey), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
