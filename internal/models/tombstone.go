package models

import "time"

// Tombstone is one row of deleted_andamentos: proof that a specific
// movement, identified by natural key plus content fingerprint, was
// intentionally removed from the central store. The fingerprint is what
// separates "resurrection of a deleted row" (blocked) from "key reused by
// a legitimately new row" (allowed).
type Tombstone struct {
	StatusCode  string    `db:"codstatus"`
	OrderNumber int       `db:"nro"`
	Year        int       `db:"ano"`
	Origin      string    `db:"origem"`
	Fingerprint string    `db:"content_hash"`
	DeletedAt   time.Time `db:"deleted_at"`
	Reason      string    `db:"motivo"`
}
