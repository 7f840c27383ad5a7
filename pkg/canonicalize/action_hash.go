package canonicalize

import "fmt"

// ActionHash returns the canonical action hash: the SHA-256 digest of the
// RFC 8785 canonical JSON form of v, prefixed with its algorithm tag so
// the format can evolve without ambiguity.
func ActionHash(v interface{}) (string, error) {
	digest, err := CanonicalHash(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize: action hash: %w", err)
	}
	return "sha256:" + digest, nil
}
