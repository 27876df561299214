package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID
// 0000xxxx-0000-1000-8000-00805f9b34fb once dashes are removed.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal format (lowercase, no
// dashes, no 0x prefix). Full 128-bit UUIDs on the SIG base collapse to their
// 16-bit short form.
func NormalizeUUID(id string) string {
	s := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(id), "-", ""))
	s = strings.TrimPrefix(s, "0x")
	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// NormalizeUUIDs normalizes a slice of UUID strings.
func NormalizeUUIDs(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = NormalizeUUID(id)
	}
	return out
}

// ValidateUUID checks that every id is a 16-bit, 32-bit or 128-bit UUID and
// returns the normalized forms.
func ValidateUUID(ids ...string) ([]string, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(ids))
	for i, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(id)
		switch len(normalized) {
		case 4, 8:
			if strings.Trim(normalized, "0123456789abcdef") != "" {
				return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, id)
			}
		case 32:
			if _, err := uuid.Parse(normalized); err != nil {
				return nil, fmt.Errorf("invalid UUID format at index %d: %s: %w", i, id, err)
			}
		default:
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, id)
		}
		result = append(result, normalized)
	}
	return result, nil
}
