// Package approval implements the two-person approval workflow: the
// request state machine, its transactional stores, the operation
// registry that maps request types to wrapper invocations, and the
// expiry sweeper.
package approval

import (
	"encoding/json"
	"time"

	"github.com/opsgate/opsgate/pkg/policy"
)

// Status is an approval request's lifecycle state.
type Status string

const (
	StatusPending         Status = "pending"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
	StatusExpired         Status = "expired"
	StatusExecuted        Status = "executed"
	StatusExecutionFailed Status = "execution_failed"
	StatusCancelled       Status = "cancelled"
)

// AllStatuses lists every valid status, in declaration order.
var AllStatuses = []Status{
	StatusPending, StatusApproved, StatusRejected, StatusExpired,
	StatusExecuted, StatusExecutionFailed, StatusCancelled,
}

// transitions is the state machine's edge set.
var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected, StatusCancelled, StatusExpired},
	StatusApproved: {StatusExecuted, StatusExecutionFailed},
}

// ValidTransition reports whether from→to is an edge of the FSM.
func ValidTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves the status. approved is
// terminal only behaviorally (when auto_execute is off); structurally it
// still has outgoing edges.
func Terminal(s Status) bool {
	return len(transitions[s]) == 0
}

// Request is one approval request. Once status leaves pending, every
// field except the execution result trio is frozen.
type Request struct {
	ID              string               `json:"id"`
	RequestType     policy.OperationType `json:"request_type"`
	RequesterID     string               `json:"requester_id"`
	RequesterName   string               `json:"requester_name"`
	Payload         json.RawMessage      `json:"payload"`
	Reason          string               `json:"reason"`
	Status          Status               `json:"status"`
	CreatedAt       time.Time            `json:"created_at"`
	ExpiresAt       time.Time            `json:"expires_at"`
	ApprovedBy      *string              `json:"approved_by,omitempty"`
	ApprovedByName  *string              `json:"approved_by_name,omitempty"`
	ApprovedAt      *time.Time           `json:"approved_at,omitempty"`
	RejectionReason *string              `json:"rejection_reason,omitempty"`
	ExecutionResult json.RawMessage      `json:"execution_result,omitempty"`
	ExecutedAt      *time.Time           `json:"executed_at,omitempty"`
	ExecutedBy      *string              `json:"executed_by,omitempty"`
}
