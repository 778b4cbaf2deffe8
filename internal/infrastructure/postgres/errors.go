package postgres

import (
	"database/sql"

	"github.com/google/uuid"
)

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isUUID guards uuid columns so malformed ids read as "not found" instead
// of a driver error.
func isUUID(s string) bool {
	return uuid.Validate(s) == nil
}
