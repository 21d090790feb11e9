package safety

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/opspilot/backend/internal/core"
)

// ============================================================================
// IDEMPOTENCY
// ============================================================================

// IdempotencyKey fingerprints a request so duplicates collapse inside the
// dedup window. The hash covers tenant, actor, plan and target in canonical
// JSON: map keys serialize sorted, so two requests differing only in input
// key order produce the same key.
func IdempotencyKey(tenantID, actorID string, plan core.Plan, target core.Target) string {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(actorID))
	h.Write([]byte{0})
	h.Write(canonical(plan))
	h.Write([]byte{0})
	h.Write(canonical(target))
	return hex.EncodeToString(h.Sum(nil))
}

// canonical serializes v deterministically. encoding/json already emits
// struct fields in declaration order and map keys sorted, which is the
// stability the key needs.
func canonical(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte{}
	}
	return b
}
