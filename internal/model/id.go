package model

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	runIDRegex  = regexp.MustCompile(`^[a-z0-9-]+-[0-9]{8}-[0-9]{6}-[0-9a-f]{6}$`)
	runIDUnsafe = regexp.MustCompile(`[^a-z0-9-]+`)
)

// NewRunID builds a globally unique run identifier from the issue
// identifier, a wall-clock timestamp, and a random suffix. The issue
// segment is reduced to the same character class ValidateRunID
// accepts, so every generated ID round-trips through validation and
// is usable as a directory name.
func NewRunID(issueIdentifier string) string {
	safe := runIDUnsafe.ReplaceAllString(strings.ToLower(issueIdentifier), "-")
	safe = strings.Trim(safe, "-")
	if safe == "" {
		safe = "issue"
	}
	ts := time.Now().Format("20060102-150405")
	u := uuid.New()
	return safe + "-" + ts + "-" + hex.EncodeToString(u[:3])
}

func ValidateRunID(id string) error {
	if !runIDRegex.MatchString(id) {
		return fmt.Errorf("malformed run id: %q", id)
	}
	return nil
}
