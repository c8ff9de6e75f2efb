package util

import (
	"strings"

	"github.com/google/uuid"
)

// RequestID returns prefix followed by the first n hex digits of a random
// UUID. n is clamped to the 32 digits a UUID carries.
func RequestID(prefix string, n int) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	switch {
	case n <= 0:
		return prefix
	case n < len(hex):
		hex = hex[:n]
	}
	return prefix + hex
}
