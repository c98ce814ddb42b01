// Package bus implements the in-process event bus (spec.md C1): bounded
// per-subscriber fan-out, optional disk journal, and stable envelope IDs.
package bus

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"time"
)

// Envelope is the immutable event record published on the bus.
type Envelope struct {
	Time    time.Time      `json:"time"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
	Policy  map[string]any `json:"policy,omitempty"`
	CE      map[string]any `json:"ce,omitempty"`
}

// Fingerprint computes the stable 64-bit SSE id for an envelope: the first
// eight bytes (little-endian) of SHA-256(time|kind|payload).
func (e Envelope) Fingerprint() uint64 {
	payload, _ := json.Marshal(e.Payload)
	h := sha256.New()
	h.Write([]byte(e.Time.Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(e.Kind))
	h.Write([]byte{0})
	h.Write(payload)
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum[:8])
}

// newEnvelope builds an immutable envelope with a ms-precision timestamp.
func newEnvelope(kind string, payload map[string]any) Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{
		Time:    time.Now().UTC().Truncate(time.Millisecond),
		Kind:    kind,
		Payload: payload,
	}
}
