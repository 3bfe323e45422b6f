// Package fingerprint computes stable content hashes over the comparable
// fields of a movement row. Two rows carrying the same logical content
// hash identically no matter which store they were read from, which is
// what lets the reconciler tell "deleted" apart from "not yet replicated"
// and detect content drift between stores.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/sefoc/sagra-sync/internal/models"
)

const separator = "|"

// Movement hashes the fixed, ordered subset of comparable movement fields:
// situation, sector, timestamp, current flag, observation, actor. Link and
// key columns are excluded on purpose; they identify the row, not its
// content. Absent fields contribute an empty string.
func Movement(m *models.Movement) string {
	date := ""
	if !m.Date.IsZero() {
		date = m.Date.Format("2006-01-02 15:04:05")
	}

	fields := []string{
		m.Situation,
		m.Sector,
		date,
		strconv.FormatBool(m.IsCurrent),
		m.Observation,
		m.ActorCode,
	}

	sum := sha256.Sum256([]byte(strings.Join(fields, separator)))
	return hex.EncodeToString(sum[:])
}
