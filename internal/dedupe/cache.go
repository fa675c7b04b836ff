// Package dedupe suppresses re-sends of an identical (template, recipient,
// variables) tuple within a short TTL window. Entries are content-addressed
// by a deterministic fingerprint; expiry is the only removal path.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTTL is the suppression window applied when no TTL is configured.
const DefaultTTL = 5 * time.Minute

// Result reports the outcome of a check-and-record call.
type Result struct {
	Duplicate   bool
	Fingerprint string
}

// Cache is the duplicate-suppression port consumed by the engine. The first
// caller for a fingerprint within the TTL window observes Duplicate=false
// and records the entry; every subsequent caller before expiry observes
// Duplicate=true. Implementations must make the check-and-set atomic per
// fingerprint.
type Cache interface {
	CheckAndRecord(ctx context.Context, ownerID, template, phone string, vars map[string]string) (Result, error)
}

// Fingerprint computes the stable hash identifying one send attempt.
// encoding/json marshals map keys in sorted order, so variable insertion
// order never affects the hash. The caller passes the already-normalized
// phone number.
func Fingerprint(ownerID, template, phone string, vars map[string]string) string {
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		// maps of strings cannot fail to marshal; keep the hash total anyway
		varsJSON = []byte("{}")
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s", ownerID, template, phone, varsJSON))
	return hex.EncodeToString(sum[:])
}
