package utils

import "github.com/google/uuid"

// shortIDLen is the number of hex digits ShortID keeps.
const shortIDLen = 8

// ShortID returns the leading hex digits of id for display.
func ShortID(id uuid.UUID) string {
	return id.String()[:shortIDLen]
}
