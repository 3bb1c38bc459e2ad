package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opsgate/opsgate/pkg/fault"
	"github.com/opsgate/opsgate/pkg/identity"
	"github.com/opsgate/opsgate/pkg/observability"
	"github.com/opsgate/opsgate/pkg/ratelimit"
)

// RequestID stamps every request and response with an id for log and
// trace correlation.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// RateLimit throttles per authenticated caller: the tighter write
// budget on mutating methods, the default budget elsewhere. Runs after
// auth so the key is the caller id, not the source address.
func RateLimit(store ratelimit.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := identity.CallerFrom(r.Context())
			if err != nil {
				next.ServeHTTP(w, r) // public path; auth already screened
				return
			}
			limit := ratelimit.DefaultLimit
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				limit = ratelimit.WriteLimit
			}
			if err := ratelimit.Check(r.Context(), store, caller.ID, limit); err != nil {
				writeFault(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Instrument records RED metrics per request.
func Instrument(obs *observability.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if obs == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			attrs := []attribute.KeyValue{
				attribute.String("http.method", r.Method),
				attribute.String("http.route", r.URL.Path),
				attribute.Int("http.status_code", rec.status),
			}
			obs.RecordRequest(r.Context(), attrs...)
			obs.RecordDuration(r.Context(), time.Since(start), attrs...)
			if rec.status >= 400 {
				obs.RecordError(r.Context(), attrs...)
			}
		})
	}
}

// MaxBody caps request body size before JSON decoding.
const MaxBody = 1 << 20 // 1MB

// caller resolves the authenticated caller or writes a 403.
func caller(w http.ResponseWriter, r *http.Request) (identity.Caller, bool) {
	c, err := identity.CallerFrom(r.Context())
	if err != nil {
		writeFault(w, r, fault.New(fault.MissingPermission, "no authenticated caller"))
		return identity.Caller{}, false
	}
	return c, true
}
