package shared

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyHeader carries the service credential for machine callers of the
// evaluate endpoint.
const APIKeyHeader = "X-API-Key"

// APIKeyVerifier checks presented service keys against bcrypt hashes loaded
// from configuration. An empty hash list disables service auth entirely,
// which is only acceptable in development.
type APIKeyVerifier struct {
	hashes [][]byte
}

// NewAPIKeyVerifier parses a comma-separated list of bcrypt hashes.
func NewAPIKeyVerifier(hashList string) *APIKeyVerifier {
	var hashes [][]byte
	for _, h := range strings.Split(hashList, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		hashes = append(hashes, []byte(h))
	}
	return &APIKeyVerifier{hashes: hashes}
}

// Enabled reports whether any keys are configured.
func (v *APIKeyVerifier) Enabled() bool {
	return v != nil && len(v.hashes) > 0
}

// Verify reports whether the presented key matches any configured hash.
func (v *APIKeyVerifier) Verify(key string) bool {
	if v == nil || key == "" {
		return false
	}
	for _, hash := range v.hashes {
		if bcrypt.CompareHashAndPassword(hash, []byte(key)) == nil {
			return true
		}
	}
	return false
}
