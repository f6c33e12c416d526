package requestid

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// MaxRequestIDLength matches UUID length so IDs stay log-friendly
	MaxRequestIDLength = 36
	prefixLength       = 5
	maxCustomIDLength  = MaxRequestIDLength - prefixLength - 1
)

var (
	sanitizeRegex           = regexp.MustCompile(`[^a-zA-Z0-9-]+`)
	consecutiveHyphensRegex = regexp.MustCompile(`-+`)
)

// Generate creates a unique request ID. A non-empty customID (e.g. a
// filename) is sanitized and prefixed with random characters so repeated
// requests for the same input still get distinct IDs; otherwise a UUID
// is returned.
func Generate(customID string) string {
	sanitized := strings.ReplaceAll(customID, " ", "-")
	sanitized = sanitizeRegex.ReplaceAllString(sanitized, "")
	sanitized = consecutiveHyphensRegex.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, "-")

	if sanitized == "" {
		return uuid.New().String()
	}

	if len(sanitized) > maxCustomIDLength {
		sanitized = sanitized[:maxCustomIDLength]
	}

	return randomPrefix() + "-" + sanitized
}

func randomPrefix() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return uuid.New().String()[:prefixLength]
	}
	return hex.EncodeToString(bytes)[:prefixLength]
}
