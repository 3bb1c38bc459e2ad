package approval

import (
	"context"
	"time"

	"github.com/opsgate/opsgate/pkg/audit"
	"github.com/opsgate/opsgate/pkg/policy"
)

// Mutation is one FSM transition applied under the store's transactional
// guard. The store re-checks From against the persisted row inside the
// transaction; a mismatch is a state conflict and nothing is written.
type Mutation struct {
	From Status
	To   Status

	// RequireNotExpired additionally guards the transition against the
	// persisted expires_at at commit time (used by approve).
	RequireNotExpired bool
	Now               time.Time

	ApprovedBy      *string
	ApprovedByName  *string
	ApprovedAt      *time.Time
	RejectionReason *string
	ExecutionResult []byte
	ExecutedAt      *time.Time
	ExecutedBy      *string
}

// Filter selects approval requests.
type Filter struct {
	Status      Status
	RequestType policy.OperationType
	RequesterID string
	Limit       int
	Offset      int
}

// HistoryFilter selects history entries.
type HistoryFilter struct {
	RequestID string
	ActorID   string
	Action    audit.HistoryAction
	Limit     int
	Offset    int
}

// Stats aggregates approval activity over a window.
type Stats struct {
	Since    time.Time      `json:"since"`
	Total    int            `json:"total"`
	Pending  int            `json:"pending"`
	ByStatus map[string]int `json:"by_status"`
	ByType   map[string]int `json:"by_type"`
}

// Store is the transactional persistence boundary of the approval engine.
// Every transition is serialized per request; concurrent losers receive a
// state-conflict error. History rows are written in the same transaction
// as the state change, and the history table rejects UPDATE and DELETE at
// the storage layer.
type Store interface {
	Create(ctx context.Context, req *Request, entry *audit.HistoryEntry) error
	Get(ctx context.Context, id string) (*Request, error)
	Apply(ctx context.Context, id string, mut Mutation, entry *audit.HistoryEntry) (*Request, error)
	List(ctx context.Context, f Filter) ([]*Request, int, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	History(ctx context.Context, f HistoryFilter) ([]audit.HistoryEntry, int, error)
	Stats(ctx context.Context, since time.Time) (*Stats, error)
	SeedPolicies(ctx context.Context, policies []*policy.Policy) error
	Close() error
}
