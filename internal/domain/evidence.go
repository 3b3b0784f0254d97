package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

const evidenceHashDomain = "lifelogrouter/evidence/v1"

// EvidenceRecord is the append-only audit entry written after every dispatch attempt.
type EvidenceRecord struct {
	ID              string
	EntryID         string
	HandlerName     string
	Status          ResultStatus
	SourceExcerpt   string
	RoutingDecision RoutingDecision
	RecordRef       *string
	ConfirmationRef *string
	Error           string
	IntegrityHash   string
	RecordedAt      time.Time
}

type hashedEvidence struct {
	EntryID     string          `json:"entry_id"`
	HandlerName string          `json:"handler_name"`
	Payload     json.RawMessage `json:"payload"`
}

// IntegrityHash hashes (entry id, handler name, payload) with domain separation.
// Payload whitespace is compacted first so equivalent JSON hashes identically.
func IntegrityHash(entryID, handlerName string, payload json.RawMessage) (string, error) {
	compact := json.RawMessage("null")
	if len(bytes.TrimSpace(payload)) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, payload); err != nil {
			return "", err
		}
		compact = buf.Bytes()
	}

	canonical, err := json.Marshal(hashedEvidence{
		EntryID:     entryID,
		HandlerName: handlerName,
		Payload:     compact,
	})
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(evidenceHashDomain))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes the hash for payload and compares it with the stored one.
func (e EvidenceRecord) Verify(payload json.RawMessage) bool {
	sum, err := IntegrityHash(e.EntryID, e.HandlerName, payload)
	if err != nil {
		return false
	}
	return sum == e.IntegrityHash
}
