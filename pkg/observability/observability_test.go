package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

// The record methods must hold up on a nil provider and on a disabled
// one, so engine and gateway call them without guarding.
func TestRecordMethodsOnNilProvider(t *testing.T) {
	ctx := context.Background()
	var p *Provider

	p.RecordRequest(ctx, attribute.String("http.method", "GET"))
	p.RecordError(ctx)
	p.RecordDuration(ctx, time.Millisecond)
	p.RecordDecision(ctx, "allow")
	p.RecordTransition(ctx, "approved")
	p.RecordWrapperRun(ctx, "user_add", true, time.Second)
	assert.NotNil(t, p.Tracer())
}

func TestRecordMethodsOnDisabledProvider(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	p.RecordDecision(ctx, "requires_approval")
	p.RecordTransition(ctx, "executed")
	p.RecordWrapperRun(ctx, "cron_add", false, 250*time.Millisecond)
	assert.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "opsgated", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
}
