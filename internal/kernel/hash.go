package kernel

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// newULID mints a lexically-sortable id: a millisecond timestamp prefix
// followed by random hex, good enough as a primary key without pulling in
// an external ULID dependency for this one call site.
func newULID() string {
	var buf [10]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%013x%s", time.Now().UnixMilli(), hex.EncodeToString(buf[:]))
}

// computeMemoryHash fingerprints the identity-defining fields of a memory
// record (spec §3.3: lane/kind/key/agent/project/text/value), used for
// duplicate detection independent of the generated row id.
func computeMemoryHash(lane, kind, key, agentID, projectID, text string, value map[string]any) string {
	v, _ := json.Marshal(value)
	h := sha256.New()
	h.Write([]byte(lane))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(agentID))
	h.Write([]byte{0})
	h.Write([]byte(projectID))
	h.Write([]byte{0})
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write(v)
	return hex.EncodeToString(h.Sum(nil))
}
