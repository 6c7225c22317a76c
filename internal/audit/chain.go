package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// computeRowHash computes HMAC-SHA256(key, prevHash|ts|action|entity|entityID|changesJSON).
// Returns "" when key is nil (chain disabled — backwards compatible with
// rows written before chaining existed). changesJSON is the exact bytes
// persisted in the changes column, so VerifyChain can recompute the same
// hash straight from stored rows.
//
// If you change this formula, update VerifyChain to match.
func computeRowHash(key []byte, prevHash string, timestamp int64, action, entity, entityID, changesJSON string) string {
	if len(key) == 0 {
		return ""
	}
	msg := fmt.Sprintf("%s|%d|%s|%s|%s|%s", prevHash, timestamp, action, entity, entityID, changesJSON)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
