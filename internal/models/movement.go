package models

import (
	"fmt"
	"time"
)

// Movement mirrors one row of tabAndamento: a single status transition in
// an order's history. CodStatus is the natural key across every store.
//
// The Observation field conventionally starts with an "HHhMM" line written
// by the desktop clients; change discovery parses it because the legacy
// tables have no update timestamp column.
type Movement struct {
	StatusCode  string    `db:"codstatus"`
	OrderNumber int       `db:"nroprotocololink"`
	Year        int       `db:"anoprotocololink"`
	Situation   string    `db:"situacaolink"`
	Sector      string    `db:"setorlink"`
	Date        time.Time `db:"data"`
	IsCurrent   bool      `db:"ultimostatus"`
	Observation string    `db:"observacao"`
	ActorCode   string    `db:"ponto"`
}

func (m *Movement) Ref() OrderRef {
	return OrderRef{Number: m.OrderNumber, Year: m.Year}
}

// FormatStatusCode builds the composite status code used as the movement
// natural key: zero-padded order number, four-digit year, dash, two-digit
// sequence (e.g. 4999/2025 seq 1 -> "049992025-01"). The fixed width is
// what makes lexicographic MAX(codstatus) equal chronological ordering.
func FormatStatusCode(number, year, sequence int) string {
	return fmt.Sprintf("%05d%04d-%02d", number, year, sequence)
}
