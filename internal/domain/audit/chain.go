package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ComputeHash returns the SHA-256 hex digest of the canonical composition
// id|timestamp|consumer-id|server-id|tool|status|prev-hash. Exactly these
// fields, in exactly this order; args and response are deliberately excluded
// so that bounded truncation cannot break the chain.
func ComputeHash(e Entry) string {
	canonical := strings.Join([]string{
		e.ID,
		e.Timestamp,
		e.ConsumerID,
		e.ServerID,
		e.Tool,
		e.Status,
		e.PrevHash,
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
