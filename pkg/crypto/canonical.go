package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CanonicalMarshal marshals v into an RFC 8785-inspired canonical JSON
// form using encoding/json; it is not full RFC 8785 (struct fields keep
// their declaration order and numbers use Go's formatting).
// Key features:
// 1. Map keys sorted lexicographically (Go default)
// 2. No HTML escaping (SetEscapeHTML(false))
// 3. Compact representation (no whitespace)
// 4. Trailing newline is NOT added
func CanonicalMarshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "") // Compact

	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical encoding failed: %w", err)
	}

	// json.Encoder.Encode adds a trailing newline, which we must remove for strict JCS compliance
	// if we want pure content addressing of the value data.
	ret := buf.Bytes()
	if len(ret) > 0 && ret[len(ret)-1] == '\n' {
		ret = ret[:len(ret)-1]
	}

	return ret, nil
}

// Signature components separators and prefixes
const (
	SigSeparator     = ":"
	SigPrefixEd25519 = "ed25519"
)

// CanonicalizeAuditEvent creates a canonical string representation of an
// audit event for signing. The signature covers the event's identity,
// its chain linkage, and its outcome — not its free-form metadata, which
// is carried for observability only.
func CanonicalizeAuditEvent(eventID, eventType, orgID, actionHash, outcome, previousEventHash, eventHash string, sequenceNumber int64) string {
	return strings.Join([]string{
		eventID,
		eventType,
		orgID,
		actionHash,
		outcome,
		previousEventHash,
		strconv.FormatInt(sequenceNumber, 10),
		eventHash,
	}, SigSeparator)
}
