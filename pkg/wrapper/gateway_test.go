package wrapper

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/pkg/audit"
	"github.com/opsgate/opsgate/pkg/fault"
	"github.com/opsgate/opsgate/pkg/identity"
	"github.com/opsgate/opsgate/pkg/observability"
)

// fakeRunner scripts the child process outcome without spawning anything.
type fakeRunner struct {
	exit   int
	stdout []byte
	stderr []byte
	err    error
	// block makes the runner wait for the context, simulating a hung child.
	block bool

	mu    sync.Mutex
	calls []fakeCall
}

type fakeCall struct {
	path  string
	argv  []string
	stdin []byte
}

func (f *fakeRunner) Run(ctx context.Context, path string, argv []string, stdin []byte) (int, []byte, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{path: path, argv: argv, stdin: append([]byte(nil), stdin...)})
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return -1, nil, nil, ctx.Err()
	}
	return f.exit, f.stdout, f.stderr, f.err
}

// memRecorder collects audit records in memory.
type memRecorder struct {
	mu      sync.Mutex
	records []memRecord
	fail    error
}

type memRecord struct {
	kind    audit.Kind
	actor   string
	target  string
	outcome string
	details map[string]any
}

func (m *memRecorder) Record(kind audit.Kind, actor, target, outcome string, details map[string]any) error {
	if m.fail != nil {
		return m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, memRecord{kind, actor, target, outcome, details})
	return nil
}

func (m *memRecorder) last(t *testing.T) memRecord {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.records)
	return m.records[len(m.records)-1]
}

var testCaller = identity.Caller{ID: "u1", Username: "alice", Role: identity.RoleOperator}

func newTestGateway(runner Runner, rec audit.Recorder, opts ...Option) *Gateway {
	return NewGateway(Default(), runner, rec, opts...)
}

func TestRun_Success(t *testing.T) {
	runner := &fakeRunner{stdout: []byte(`{"created":"deploy"}`)}
	rec := &memRecorder{}
	g := newTestGateway(runner, rec)

	res, err := g.Run(context.Background(), Invocation{
		WrapperID: "user_add",
		Argv:      []string{"--username=deploy", "--shell=/bin/bash"},
		Caller:    testCaller,
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 0, res.ExitCode)
	assert.JSONEq(t, `{"created":"deploy"}`, string(res.Body))

	last := rec.last(t)
	assert.Equal(t, audit.KindSuccess, last.kind)
	assert.Equal(t, "executed", last.outcome)
	assert.Equal(t, "u1/alice", last.actor)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "/usr/local/sbin/opsgate-user-add.sh", runner.calls[0].path)
}

func TestRun_NonZeroExit(t *testing.T) {
	runner := &fakeRunner{exit: 3, stderr: []byte("useradd: user exists")}
	rec := &memRecorder{}
	g := newTestGateway(runner, rec)

	res, err := g.Run(context.Background(), Invocation{
		WrapperID: "user_add",
		Argv:      []string{"--username=deploy", "--shell=/bin/bash"},
		Caller:    testCaller,
	})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, ReasonExit, res.FailureReason)
	assert.Equal(t, audit.KindFailure, rec.last(t).kind)
}

func TestRun_Timeout(t *testing.T) {
	runner := &fakeRunner{block: true}
	rec := &memRecorder{}
	g := newTestGateway(runner, rec, WithDefaultTimeout(30*time.Millisecond))

	res, err := g.Run(context.Background(), Invocation{
		WrapperID: "user_list",
		Caller:    testCaller,
	})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonTimeout, res.FailureReason)
	assert.Equal(t, ReasonTimeout, rec.last(t).outcome)
}

func TestRun_SpawnFailure(t *testing.T) {
	runner := &fakeRunner{exit: -1, err: errors.New("permission denied")}
	rec := &memRecorder{}
	g := newTestGateway(runner, rec)

	res, err := g.Run(context.Background(), Invocation{
		WrapperID: "user_list",
		Caller:    testCaller,
	})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonSpawn, res.FailureReason)
}

func TestRun_NonJSONOutputIsProtocolFailure(t *testing.T) {
	runner := &fakeRunner{stdout: []byte("not json")}
	rec := &memRecorder{}
	g := newTestGateway(runner, rec)

	res, err := g.Run(context.Background(), Invocation{
		WrapperID: "user_list",
		Caller:    testCaller,
	})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonProtocol, res.FailureReason)
	assert.Empty(t, res.Body)
}

func TestRun_UnregisteredWrapper(t *testing.T) {
	rec := &memRecorder{}
	g := newTestGateway(&fakeRunner{}, rec)

	_, err := g.Run(context.Background(), Invocation{
		WrapperID: "disk_format",
		Caller:    testCaller,
	})
	require.Error(t, err)
	assert.Equal(t, fault.Validation, fault.KindOf(err))

	// The record must not carry the unregistered name anywhere.
	last := rec.last(t)
	assert.Equal(t, audit.KindSecurity, last.kind)
	assert.Equal(t, "wrapper_gateway", last.target)
	assert.NotContains(t, last.details, "wrapper_id")
}

func TestRun_RejectsUnknownFlag(t *testing.T) {
	rec := &memRecorder{}
	g := newTestGateway(&fakeRunner{}, rec)

	_, err := g.Run(context.Background(), Invocation{
		WrapperID: "user_add",
		Argv:      []string{"--username=deploy", "--force=yes"},
		Caller:    testCaller,
	})
	require.Error(t, err)
	assert.Equal(t, fault.Validation, fault.KindOf(err))
	assert.Equal(t, audit.KindDenied, rec.last(t).kind)
}

func TestRun_RejectsBadFlagValues(t *testing.T) {
	g := newTestGateway(&fakeRunner{}, &memRecorder{})

	cases := []struct {
		wrapper string
		argv    []string
		why     string
	}{
		{"user_add", []string{"--username=bad;name", "--shell=/bin/bash"}, "forbidden char in username"},
		{"user_add", []string{"--username=deploy", "--shell=/bin/zsh9"}, "shell off allowlist"},
		{"user_add", []string{"--username=deploy", "--home=/etc/deploy"}, "home outside /home"},
		{"cron_add", []string{"--user=deploy", "--schedule=0 2 * * *", "--command=/etc/evil"}, "command off allowlist"},
		{"cron_add", []string{"--user=deploy", "--schedule=bogus", "--command=/usr/bin/backup"}, "malformed schedule"},
		{"firewall_modify", []string{"--action=allow", "--port=70000"}, "port out of range"},
		{"user_add", []string{"--username=deploy"}, "below min args"},
		{"user_add", []string{"--username=deploy", "$(reboot)"}, "forbidden chars in positional"},
	}
	for _, tc := range cases {
		_, err := g.Run(context.Background(), Invocation{
			WrapperID: tc.wrapper,
			Argv:      tc.argv,
			Caller:    testCaller,
		})
		require.Error(t, err, tc.why)
		assert.Equal(t, fault.Validation, fault.KindOf(err), tc.why)
	}
}

func TestRun_Overload(t *testing.T) {
	runner := &fakeRunner{block: true}
	g := newTestGateway(runner, &memRecorder{},
		WithMaxConcurrent(1),
		WithQueueWait(20*time.Millisecond),
		WithDefaultTimeout(500*time.Millisecond))

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		_, _ = g.Run(context.Background(), Invocation{WrapperID: "user_list", Caller: testCaller})
	}()
	<-started
	// Give the first invocation time to take the only slot.
	time.Sleep(50 * time.Millisecond)

	_, err := g.Run(context.Background(), Invocation{WrapperID: "group_list", Caller: testCaller})
	require.Error(t, err)
	assert.Equal(t, fault.Overloaded, fault.KindOf(err))
	<-done
}

func TestRun_FlightKeyConflict(t *testing.T) {
	runner := &fakeRunner{block: true}
	g := newTestGateway(runner, &memRecorder{}, WithDefaultTimeout(500*time.Millisecond))

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		_, _ = g.Run(context.Background(), Invocation{
			WrapperID: "user_list", Caller: testCaller, FlightKey: "u1/user_list",
		})
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	_, err := g.Run(context.Background(), Invocation{
		WrapperID: "user_list", Caller: testCaller, FlightKey: "u1/user_list",
	})
	require.Error(t, err)
	assert.Equal(t, fault.StateConflict, fault.KindOf(err))
	<-done

	// The key frees up once the first invocation finishes.
	g2 := newTestGateway(&fakeRunner{stdout: []byte(`{}`)}, &memRecorder{})
	res, err := g2.Run(context.Background(), Invocation{
		WrapperID: "user_list", Caller: testCaller, FlightKey: "u1/user_list",
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestRun_ZeroizesStdin(t *testing.T) {
	runner := &fakeRunner{stdout: []byte(`{}`)}
	g := newTestGateway(runner, &memRecorder{})

	secret := []byte("$2b$12$abcdefghijklmnopqrstuv")
	_, err := g.Run(context.Background(), Invocation{
		WrapperID: "user_passwd",
		Argv:      []string{"--username=deploy"},
		Stdin:     secret,
		Caller:    testCaller,
	})
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0}, len(secret)), secret)
	// The runner saw the secret before it was wiped.
	require.Len(t, runner.calls, 1)
	assert.Contains(t, string(runner.calls[0].stdin), "$2b$12$")
}

func TestScrub(t *testing.T) {
	assert.Equal(t, "rm -rf _ reboot_", scrub("rm -rf ; reboot`"))
	assert.Equal(t, "line1\nline2", scrub("line1\nline2"))
	assert.Equal(t, "a_b", scrub("a\tb"))

	long := make([]byte, 4096)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, scrub(string(long)), 1024)
}

func TestRegistry_Validation(t *testing.T) {
	_, err := NewRegistry([]Wrapper{{ID: "", Path: "/usr/local/sbin/x.sh"}}, nil)
	assert.Error(t, err, "empty id")

	_, err = NewRegistry([]Wrapper{{ID: "x", Path: "relative/x.sh"}}, nil)
	assert.Error(t, err, "relative path")

	_, err = NewRegistry([]Wrapper{{ID: "x", Path: "/w/x.sh", Timeout: 10 * time.Minute}}, nil)
	assert.Error(t, err, "timeout above cap")

	_, err = NewRegistry([]Wrapper{
		{ID: "x", Path: "/w/x.sh"}, {ID: "x", Path: "/w/y.sh"},
	}, nil)
	assert.Error(t, err, "duplicate id")

	_, err = NewRegistry([]Wrapper{{ID: "x", Path: "/w/x.sh"}}, []string{"relative/"})
	assert.Error(t, err, "relative command prefix")
}

func TestRegistry_CommandAllowed(t *testing.T) {
	r := Default()
	assert.True(t, r.CommandAllowed("/usr/local/bin/backup"))
	assert.True(t, r.CommandAllowed("/opt/scripts/rotate"))
	assert.False(t, r.CommandAllowed("/etc/cron.d/evil"))
	assert.False(t, r.CommandAllowed("/usr/local/sbin/opsgate-user-add.sh"))
}

func TestRun_WithDisabledTelemetry(t *testing.T) {
	p, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)
	runner := &fakeRunner{stdout: []byte(`{"created":"deploy"}`)}
	g := newTestGateway(runner, &memRecorder{}, WithObservability(p))

	res, err := g.Run(context.Background(), Invocation{
		WrapperID: "user_add",
		Argv:      []string{"--username=deploy", "--shell=/bin/bash"},
		Caller:    testCaller,
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
}
