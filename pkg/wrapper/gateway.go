package wrapper

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opsgate/opsgate/pkg/audit"
	"github.com/opsgate/opsgate/pkg/fault"
	"github.com/opsgate/opsgate/pkg/identity"
	"github.com/opsgate/opsgate/pkg/observability"
	"github.com/opsgate/opsgate/pkg/validate"
)

// Timeouts and concurrency defaults.
const (
	DefaultTimeout = 30 * time.Second
	MaxTimeout     = 120 * time.Second

	DefaultMaxConcurrent = 16
	DefaultQueueWait     = 5 * time.Second
)

// Failure reasons reported on a Result.
const (
	ReasonExit     = "exit"
	ReasonTimeout  = "timeout"
	ReasonSpawn    = "spawn"
	ReasonProtocol = "protocol"
)

// Result is the structured outcome of one wrapper invocation.
type Result struct {
	OK            bool            `json:"ok"`
	ExitCode      int             `json:"exit_code"`
	Stdout        string          `json:"stdout"`
	Stderr        string          `json:"stderr"`
	DurationMS    int64           `json:"duration_ms"`
	Body          json.RawMessage `json:"body,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

// Invocation is one validated high-level request for the gateway.
type Invocation struct {
	WrapperID string
	Argv      []string
	// Stdin is a single-use secret blob. It is written to the child's
	// standard input, zeroized on return, and never logged.
	Stdin  []byte
	Caller identity.Caller
	// FlightKey serializes invocations: at most one wrapper runs per key
	// at a time. The approval engine keys by (requester, request_type).
	// Empty disables the exclusivity check.
	FlightKey string
}

// Gateway translates validated requests into wrapper executions and
// captures their results. It enforces argument re-validation, wall-clock
// timeouts, a process-wide concurrency cap, and audit emission around
// every spawn.
type Gateway struct {
	reg      *Registry
	runner   Runner
	recorder audit.Recorder
	obs      *observability.Provider

	defaultTimeout time.Duration
	queueWait      time.Duration
	sem            chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithDefaultTimeout overrides the 30s default wall-clock budget.
func WithDefaultTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.defaultTimeout = d }
}

// WithMaxConcurrent caps concurrent child processes.
func WithMaxConcurrent(n int) Option {
	return func(g *Gateway) { g.sem = make(chan struct{}, n) }
}

// WithQueueWait bounds how long an invocation waits for a slot before
// reporting overload.
func WithQueueWait(d time.Duration) Option {
	return func(g *Gateway) { g.queueWait = d }
}

// WithObservability attaches the wrapper run counters. Nil leaves them off.
func WithObservability(p *observability.Provider) Option {
	return func(g *Gateway) { g.obs = p }
}

// NewGateway creates a gateway over a registry and runner.
func NewGateway(reg *Registry, runner Runner, recorder audit.Recorder, opts ...Option) *Gateway {
	g := &Gateway{
		reg:            reg,
		runner:         runner,
		recorder:       recorder,
		defaultTimeout: DefaultTimeout,
		queueWait:      DefaultQueueWait,
		sem:            make(chan struct{}, DefaultMaxConcurrent),
		inflight:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run executes one wrapper invocation. Wrapper-level failures (non-zero
// exit, timeout, spawn error, malformed output) are reported on the
// Result, not as errors; errors are broker-level faults only.
func (g *Gateway) Run(ctx context.Context, inv Invocation) (*Result, error) {
	defer zeroize(inv.Stdin)

	w, ok := g.reg.Lookup(inv.WrapperID)
	if !ok {
		// The wrapper name stays out of the audit record: no audit entry
		// may name a wrapper outside the registry.
		if err := g.recorder.Record(audit.KindSecurity, actor(inv.Caller), "wrapper_gateway",
			"rejected", map[string]any{"reason": "unregistered_wrapper"}); err != nil {
			return nil, err
		}
		return nil, fault.New(fault.Validation, "wrapper is not registered")
	}

	if err := g.revalidate(w, inv.Argv); err != nil {
		if aerr := g.recorder.Record(audit.KindDenied, actor(inv.Caller), w.ID,
			"argv_rejected", map[string]any{"wrapper_id": w.ID, "argv_lengths": argvLengths(inv.Argv)}); aerr != nil {
			return nil, aerr
		}
		return nil, err
	}

	if inv.FlightKey != "" {
		if !g.acquireFlight(inv.FlightKey) {
			return nil, fault.Newf(fault.StateConflict,
				"an invocation for this requester and operation is already running")
		}
		defer g.releaseFlight(inv.FlightKey)
	}

	if err := g.acquireSlot(ctx); err != nil {
		return nil, err
	}
	defer func() { <-g.sem }()

	if err := g.recorder.Record(audit.KindAttempt, actor(inv.Caller), w.ID, "spawn",
		map[string]any{"wrapper_id": w.ID, "argv_lengths": argvLengths(inv.Argv)}); err != nil {
		return nil, err
	}

	timeout := w.Timeout
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	exit, stdout, stderr, runErr := g.runner.Run(runCtx, w.Path, inv.Argv, inv.Stdin)
	res := &Result{
		ExitCode:   exit,
		Stdout:     string(stdout),
		Stderr:     scrub(string(stderr)),
		DurationMS: time.Since(start).Milliseconds(),
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		res.FailureReason = ReasonTimeout
	case runErr != nil:
		res.FailureReason = ReasonSpawn
	case exit != 0:
		res.FailureReason = ReasonExit
	default:
		var body map[string]any
		if err := json.Unmarshal(stdout, &body); err != nil {
			res.FailureReason = ReasonProtocol
		} else {
			res.Body = json.RawMessage(stdout)
			res.OK = true
		}
	}

	g.obs.RecordWrapperRun(ctx, w.ID, res.OK, time.Since(start))

	kind, outcome := audit.KindSuccess, "executed"
	if !res.OK {
		kind, outcome = audit.KindFailure, res.FailureReason
	}
	if err := g.recorder.Record(kind, actor(inv.Caller), w.ID, outcome, map[string]any{
		"wrapper_id":   w.ID,
		"argv_lengths": argvLengths(inv.Argv),
		"exit_code":    res.ExitCode,
		"duration_ms":  res.DurationMS,
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func (g *Gateway) acquireFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[key]; busy {
		return false
	}
	g.inflight[key] = struct{}{}
	return true
}

func (g *Gateway) releaseFlight(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, key)
}

func (g *Gateway) acquireSlot(ctx context.Context) error {
	wait := time.NewTimer(g.queueWait)
	defer wait.Stop()
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-wait.C:
		return fault.New(fault.Overloaded, "wrapper concurrency cap reached")
	case <-ctx.Done():
		return fault.Wrap(fault.Overloaded, "cancelled while queued", ctx.Err())
	}
}

// revalidate applies the wrapper's argument contract immediately before
// spawn. Arguments arrive pre-validated; this is the symlink-and-screen
// defense of last resort.
func (g *Gateway) revalidate(w Wrapper, argv []string) error {
	if len(argv) < w.MinArgs {
		return fault.Newf(fault.Validation, "wrapper %s requires at least %d arguments", w.ID, w.MinArgs)
	}
	if w.MinArgs > 0 && len(argv) == 0 {
		return fault.Newf(fault.Validation, "wrapper %s called with empty argv", w.ID)
	}
	for _, arg := range argv {
		if !strings.HasPrefix(arg, "--") {
			if err := validate.ForbiddenCharFree(arg); err != nil {
				return err
			}
			continue
		}
		flag, value, hasValue := strings.Cut(arg[2:], "=")
		class, known := w.Flags[flag]
		if !known {
			return fault.Newf(fault.Validation, "wrapper %s does not accept flag --%s", w.ID, flag)
		}
		if !hasValue {
			continue // bare boolean flag
		}
		if err := g.checkValue(class, value); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) checkValue(class ArgClass, value string) error {
	switch class {
	case ArgUsername:
		return validate.Username(value)
	case ArgGroup:
		for _, grp := range strings.Split(value, ",") {
			if err := validate.Groupname(grp); err != nil {
				return err
			}
		}
		return nil
	case ArgShell:
		return validate.AllowedShell(value)
	case ArgHome:
		return validate.HomeDir(value)
	case ArgSchedule:
		return validate.CronSchedule(value)
	case ArgPath:
		return g.checkPath(value)
	case ArgPort:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > 65535 {
			return fault.Newf(fault.Validation, "port %q out of range", value)
		}
		return nil
	default:
		return validate.ForbiddenCharFree(value)
	}
}

// checkPath normalizes a path argument and re-checks it against the
// command allowlist. Existing paths are resolved through symlinks so a
// link into an allowed prefix cannot smuggle in a target outside it.
func (g *Gateway) checkPath(p string) error {
	if !filepath.IsAbs(p) {
		return fault.Newf(fault.Validation, "path %q is not absolute", p)
	}
	cleaned := filepath.Clean(p)
	if resolved, err := filepath.EvalSymlinks(cleaned); err == nil {
		cleaned = resolved
	}
	if !g.reg.CommandAllowed(cleaned) {
		return fault.Newf(fault.Validation, "path %q is outside the command allowlist", cleaned)
	}
	return nil
}

// scrub replaces forbidden characters in captured stderr before it can
// reach a log record, and bounds the snippet length.
func scrub(s string) string {
	const maxLen = 1024
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == ' ' {
			b.WriteRune(r)
			continue
		}
		if strings.ContainsRune(validate.ForbiddenChars, r) {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > maxLen {
		out = out[:maxLen]
	}
	return out
}

func argvLengths(argv []string) []int {
	out := make([]int, len(argv))
	for i, a := range argv {
		out[i] = len(a)
	}
	return out
}

func actor(c identity.Caller) string {
	return audit.Actor(c.ID, c.Username)
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
