package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/pesio-ai/be-approvals/internal/repository"
)

// GenesisHash is the previous hash of the first entry in every chain.
var GenesisHash = strings.Repeat("0", 64)

// hashedFields is the content covered by an entry's integrity hash: every
// persisted column except the sequence, which the store assigns on insert,
// and the archive columns, which retention sets later.
type hashedFields struct {
	ID             string                 `json:"id"`
	EntityType     repository.EntityType  `json:"entity_type"`
	EntityID       string                 `json:"entity_id"`
	EventType      repository.EventType   `json:"event_type"`
	ActorID        string                 `json:"actor_id"`
	ActorRole      string                 `json:"actor_role"`
	OldValues      json.RawMessage        `json:"old_values"`
	NewValues      json.RawMessage        `json:"new_values"`
	ChangeReason   string                 `json:"change_reason"`
	Request        repository.RequestMeta `json:"request"`
	Timestamp      string                 `json:"timestamp"`
	PreviousHash   string                 `json:"previous_hash"`
	ComplianceFlag bool                   `json:"compliance_flag"`
}

// ComputeIntegrityHash returns the hex SHA-256 of the entry's canonical
// (RFC 8785) JSON form. Snapshots are canonicalised too, so the hash survives
// a JSONB round trip that reorders keys.
func ComputeIntegrityHash(e *repository.ApprovalAuditLog) (string, error) {
	fields := hashedFields{
		ID:             e.ID,
		EntityType:     e.EntityType,
		EntityID:       e.EntityID,
		EventType:      e.EventType,
		ActorID:        e.ActorID,
		ActorRole:      e.ActorRole,
		OldValues:      orNull(e.OldValues),
		NewValues:      orNull(e.NewValues),
		ChangeReason:   e.ChangeReason,
		Request:        e.Request,
		Timestamp:      e.Timestamp.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
		PreviousHash:   e.PreviousHash,
		ComplianceFlag: e.ComplianceFlag,
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalChecksum returns the hex SHA-256 of v's canonical JSON form.
func CanonicalChecksum(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func orNull(m json.RawMessage) json.RawMessage {
	if len(m) == 0 {
		return json.RawMessage("null")
	}
	return m
}
