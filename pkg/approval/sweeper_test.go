package approval

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_ExpiresOverdueRequests(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := env.engine.Create(ctx, opOperator, userAddInput())
	require.NoError(t, err)
	env.now = env.now.Add(25 * time.Hour)

	sw := NewSweeper(env.engine, slog.New(slog.NewTextHandler(io.Discard, nil)), 10*time.Millisecond)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sw.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		got, err := env.engine.Get(ctx, opOperator, req.ID)
		return err == nil && got.Status == StatusExpired
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancellation")
	}
}

func TestNewSweeper_DefaultInterval(t *testing.T) {
	sw := NewSweeper(nil, nil, 0)
	assert.Equal(t, SweepInterval, sw.interval)
}
