package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/opsgate/opsgate/pkg/canonical"
	"github.com/opsgate/opsgate/pkg/fault"
	"github.com/opsgate/opsgate/pkg/identity"
)

// HistoryAction is the action recorded on an approval history entry.
type HistoryAction string

const (
	ActionCreated         HistoryAction = "created"
	ActionApproved        HistoryAction = "approved"
	ActionRejected        HistoryAction = "rejected"
	ActionExpired         HistoryAction = "expired"
	ActionExecuted        HistoryAction = "executed"
	ActionExecutionFailed HistoryAction = "execution_failed"
	ActionCancelled       HistoryAction = "cancelled"
)

// HistoryEntry is one append-only record of an approval request transition.
// The signature is an HMAC-SHA256 over the canonical serialization of all
// non-signature fields, keyed by the process-wide secret.
type HistoryEntry struct {
	ID                int64           `json:"id"`
	ApprovalRequestID string          `json:"approval_request_id"`
	Action            HistoryAction   `json:"action"`
	ActorID           string          `json:"actor_id"`
	ActorName         string          `json:"actor_name"`
	ActorRole         identity.Role   `json:"actor_role"`
	Timestamp         time.Time       `json:"timestamp"`
	Details           json.RawMessage `json:"details,omitempty"`
	PreviousStatus    string          `json:"previous_status,omitempty"`
	NewStatus         string          `json:"new_status,omitempty"`
	Signature         string          `json:"signature"`
}

// MinKeyBytes is the floor on HMAC key length.
const MinKeyBytes = 32

// Signer computes and verifies history entry signatures.
type Signer struct {
	key []byte
}

// NewSigner validates the key length and returns a signer.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) < MinKeyBytes {
		return nil, fault.Newf(fault.Validation, "hmac key must be at least %d bytes, got %d", MinKeyBytes, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Signer{key: k}, nil
}

// signable is the canonical payload covered by the signature. The entry's
// ID is excluded: it is assigned by the store after signing.
func signable(e *HistoryEntry) any {
	return struct {
		ApprovalRequestID string          `json:"approval_request_id"`
		Action            HistoryAction   `json:"action"`
		ActorID           string          `json:"actor_id"`
		ActorName         string          `json:"actor_name"`
		ActorRole         identity.Role   `json:"actor_role"`
		Timestamp         time.Time       `json:"timestamp"`
		Details           json.RawMessage `json:"details,omitempty"`
		PreviousStatus    string          `json:"previous_status,omitempty"`
		NewStatus         string          `json:"new_status,omitempty"`
	}{e.ApprovalRequestID, e.Action, e.ActorID, e.ActorName, e.ActorRole,
		e.Timestamp, e.Details, e.PreviousStatus, e.NewStatus}
}

// Sign fills the entry's signature field.
func (s *Signer) Sign(e *HistoryEntry) error {
	sig, err := s.compute(e)
	if err != nil {
		return err
	}
	e.Signature = sig
	return nil
}

// Verify recomputes the signature and compares in constant time.
func (s *Signer) Verify(e *HistoryEntry) bool {
	sig, err := s.compute(e)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(e.Signature))
}

func (s *Signer) compute(e *HistoryEntry) (string, error) {
	body, err := canonicalHistory(e)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func canonicalHistory(e *HistoryEntry) ([]byte, error) {
	b, err := canonical.Marshal(signable(e))
	if err != nil {
		return nil, fault.Wrap(fault.Audit, "canonicalize history entry", err)
	}
	return b, nil
}

// VerifyHistory recomputes signatures over a range of entries and returns
// the ids that fail. Read-only.
func (s *Signer) VerifyHistory(entries []HistoryEntry) []int64 {
	var bad []int64
	for i := range entries {
		if !s.Verify(&entries[i]) {
			bad = append(bad, entries[i].ID)
		}
	}
	return bad
}
