package models

import (
	"encoding/json"
	"time"
)

// Changelog actions, matching the enum stored in sync_changes_log.
const (
	ActionInsert = "INSERT"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)

// MovementTable is the only table whose inserts are captured by the
// database trigger; every other table/action combination in the log is
// acknowledged without effect.
const MovementTable = "tabandamento"

// ChangeLogEntry is one row of sync_changes_log, appended by the AFTER
// INSERT trigger on the central movement table. It is the only signal the
// engine has that the web side created a movement.
type ChangeLogEntry struct {
	ID        int64           `db:"id"`
	TableName string          `db:"table_name"`
	KeyJSON   json.RawMessage `db:"pk_json"`
	Action    string          `db:"action"`
	CreatedAt time.Time       `db:"created_at"`
	Processed bool            `db:"processed"`
}

// ChangeKey is the key document carried in pk_json.
type ChangeKey struct {
	StatusCode  string `json:"codstatus"`
	OrderNumber int    `json:"nroprotocololink"`
	Year        int    `json:"anoprotocololink"`
}

// Key decodes the entry's key document. An error or an empty status code
// means the entry cannot be mapped to a row and must be skipped, never
// guessed.
func (e *ChangeLogEntry) Key() (ChangeKey, error) {
	var k ChangeKey
	if err := json.Unmarshal(e.KeyJSON, &k); err != nil {
		return ChangeKey{}, err
	}
	return k, nil
}
