package approval

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/pkg/audit"
	"github.com/opsgate/opsgate/pkg/identity"
	"github.com/opsgate/opsgate/pkg/policy"
)

func sqliteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func storedRequest(id string, createdAt, expiresAt time.Time) (*Request, *audit.HistoryEntry) {
	req := &Request{
		ID:            id,
		RequestType:   policy.OpUserAdd,
		RequesterID:   "u-omar",
		RequesterName: "omar",
		Payload:       json.RawMessage(`{"username":"deploy"}`),
		Reason:        "new deployment account",
		Status:        StatusPending,
		CreatedAt:     createdAt,
		ExpiresAt:     expiresAt,
	}
	entry := &audit.HistoryEntry{
		ApprovalRequestID: id,
		Action:            audit.ActionCreated,
		ActorID:           "u-omar",
		ActorName:         "omar",
		ActorRole:         identity.RoleOperator,
		Timestamp:         createdAt,
		NewStatus:         string(StatusPending),
		Signature:         "sig",
	}
	return req, entry
}

// Stored timestamps compare as strings, so the encoding must keep a
// fixed-width fraction: RFC3339Nano drops trailing zeros and makes
// "12:00:00Z" sort after "12:00:00.5Z".
func TestTimeStr_FixedWidth(t *testing.T) {
	whole := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	frac := whole.Add(500 * time.Millisecond)

	assert.Equal(t, "2026-03-01T12:00:00.000000Z", timeStr(whole))
	assert.Equal(t, "2026-03-01T12:00:00.500000Z", timeStr(frac))
	assert.Len(t, timeStr(frac), len(timeStr(whole)))
	assert.True(t, timeStr(whole) < timeStr(frac))

	parsed, err := parseTime(timeStr(frac))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(frac))
}

func TestSQLiteList_SubSecondOrdering(t *testing.T) {
	store := sqliteStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	older, oldEntry := storedRequest("req-whole", base, base.Add(24*time.Hour))
	require.NoError(t, store.Create(ctx, older, oldEntry))
	newer, newEntry := storedRequest("req-frac", base.Add(500*time.Millisecond), base.Add(24*time.Hour))
	require.NoError(t, store.Create(ctx, newer, newEntry))

	reqs, total, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	assert.Equal(t, "req-frac", reqs[0].ID, "newest first despite the fractional second")
	assert.Equal(t, "req-whole", reqs[1].ID)
}

func TestSQLiteListExpired_SubSecondBoundary(t *testing.T) {
	store := sqliteStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	req, entry := storedRequest("req-1", base.Add(-time.Hour), base.Add(500*time.Millisecond))
	require.NoError(t, store.Create(ctx, req, entry))

	// Half a second short of the deadline: still live.
	ids, err := store.ListExpired(ctx, base, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = store.ListExpired(ctx, base.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"req-1"}, ids)
}
