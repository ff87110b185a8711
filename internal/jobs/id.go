package jobs

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// IDPrefix marks identifiers minted by the producer. Queue message ids never
// carry it, so the two cannot be confused in logs or in the result table.
const IDPrefix = "pred-"

// NewID returns a fresh, time-sortable job identifier.
func NewID() string {
	return IDPrefix + strings.ToLower(ulid.Make().String())
}

// ValidID reports whether s looks like an identifier produced by NewID.
func ValidID(s string) bool {
	if !strings.HasPrefix(s, IDPrefix) {
		return false
	}
	_, err := ulid.ParseStrict(strings.ToUpper(strings.TrimPrefix(s, IDPrefix)))
	return err == nil
}
