package approval

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opsgate/opsgate/pkg/audit"
	"github.com/opsgate/opsgate/pkg/authz"
	"github.com/opsgate/opsgate/pkg/fault"
	"github.com/opsgate/opsgate/pkg/identity"
	"github.com/opsgate/opsgate/pkg/observability"
	"github.com/opsgate/opsgate/pkg/policy"
	"github.com/opsgate/opsgate/pkg/validate"
	"github.com/opsgate/opsgate/pkg/wrapper"
)

// Engine drives the approval workflow end to end: request creation,
// the approve/reject/cancel/expire transitions, and execution of
// approved requests through the wrapper gateway. Every transition
// writes a signed history entry in the same transaction as the state
// change and emits an audit event.
type Engine struct {
	store    Store
	table    *policy.Table
	ops      *Ops
	az       *authz.Engine
	signer   *audit.Signer
	gateway  *wrapper.Gateway
	recorder audit.Recorder
	logger   *slog.Logger
	obs      *observability.Provider
	clock    func() time.Time
}

// NewEngine wires the approval engine.
func NewEngine(store Store, table *policy.Table, ops *Ops, az *authz.Engine,
	signer *audit.Signer, gw *wrapper.Gateway, recorder audit.Recorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		table:    table,
		ops:      ops,
		az:       az,
		signer:   signer,
		gateway:  gw,
		recorder: recorder,
		logger:   logger,
		clock:    time.Now,
	}
}

// SetClock overrides the time source, for expiry tests.
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }

// SetObservability attaches the domain counters for authorization
// decisions and state transitions. Nil leaves them off.
func (e *Engine) SetObservability(p *observability.Provider) { e.obs = p }

// CreateInput is the validated boundary input for a new request. The
// payload must already carry a bcrypt hash, never a plaintext password.
type CreateInput struct {
	Type    policy.OperationType
	Payload json.RawMessage
	Reason  string
}

// Create validates the payload, authorizes the caller, and persists a
// pending request with its created history entry.
func (e *Engine) Create(ctx context.Context, caller identity.Caller, in CreateInput) (*Request, error) {
	spec, err := e.ops.Lookup(in.Type)
	if err != nil {
		return nil, e.denied(caller, in.Type, err)
	}
	if policy.IsReadOnly(in.Type) {
		return nil, e.denied(caller, in.Type,
			fault.Newf(fault.Validation, "%s is read-only and does not take approval requests", in.Type))
	}
	if err := validate.Reason(in.Reason); err != nil {
		return nil, e.denied(caller, in.Type, err)
	}
	obj, err := spec.Validate(in.Payload)
	if err != nil {
		return nil, e.denied(caller, in.Type, err)
	}
	if err := e.az.CanRequest(caller, in.Type); err != nil {
		return nil, e.denied(caller, in.Type, err)
	}

	dec := e.az.Decide(caller, in.Type, spec.Target(obj))
	e.obs.RecordDecision(ctx, string(dec.Effect))
	if dec.Effect == authz.Deny {
		return nil, e.denied(caller, in.Type, fault.New(dec.Kind, dec.Reason))
	}
	pol := dec.Policy
	if pol == nil {
		if pol, err = e.table.Lookup(in.Type); err != nil {
			return nil, err
		}
	}

	now := e.clock().UTC()
	req := &Request{
		ID:            uuid.NewString(),
		RequestType:   in.Type,
		RequesterID:   caller.ID,
		RequesterName: caller.Username,
		Payload:       in.Payload,
		Reason:        in.Reason,
		Status:        StatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(pol.Timeout()),
	}
	entry, err := e.entry(req.ID, audit.ActionCreated, caller, now, "", string(StatusPending),
		map[string]any{"request_type": string(in.Type), "target": spec.Target(obj)})
	if err != nil {
		return nil, err
	}
	if err := e.store.Create(ctx, req, entry); err != nil {
		return nil, err
	}
	e.obs.RecordTransition(ctx, string(StatusPending))
	// Creation records the attempt; the outcome lands with the terminal
	// transition.
	if err := e.recorder.Record(audit.KindAttempt, actorOf(caller), "approval_request",
		"created", map[string]any{"request_id": req.ID, "request_type": string(in.Type)}); err != nil {
		return nil, err
	}
	e.logger.Info("approval request created",
		"request_id", req.ID, "request_type", in.Type, "requester", caller.Username)
	return req, nil
}

// Approve moves a pending request to approved. The requester may never
// approve their own request; the check here is backed by a storage-level
// constraint. An optional comment lands in the history entry. When the
// policy carries auto_execute the approved request runs immediately and
// the result of that execution is returned.
func (e *Engine) Approve(ctx context.Context, caller identity.Caller, id, comment string) (*Request, error) {
	req, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	pol, err := e.table.Lookup(req.RequestType)
	if err != nil {
		return nil, err
	}
	if err := e.az.CanApprove(caller, pol); err != nil {
		return nil, e.denied(caller, req.RequestType, err)
	}
	if caller.ID == req.RequesterID {
		ferr := fault.New(fault.SelfApproval, "requester may not approve their own request")
		return nil, e.denied(caller, req.RequestType, ferr)
	}

	now := e.clock().UTC()
	if !now.Before(req.ExpiresAt) && req.Status == StatusPending {
		// Lazy expiry: surface the terminal state before rejecting the call.
		if _, err := e.expireOne(ctx, id); err != nil {
			return nil, err
		}
		return nil, fault.New(fault.StateConflict, "request has expired")
	}

	var details map[string]any
	if comment != "" {
		details = map[string]any{"comment": comment}
	}
	entry, err := e.entry(id, audit.ActionApproved, caller, now,
		string(StatusPending), string(StatusApproved), details)
	if err != nil {
		return nil, err
	}
	mut := Mutation{
		From: StatusPending, To: StatusApproved,
		RequireNotExpired: true, Now: now,
		ApprovedBy:     &caller.ID,
		ApprovedByName: &caller.Username,
		ApprovedAt:     &now,
	}
	updated, err := e.store.Apply(ctx, id, mut, entry)
	if err != nil {
		return nil, err
	}
	e.obs.RecordTransition(ctx, string(StatusApproved))
	if err := e.recorder.Record(audit.KindSuccess, actorOf(caller), "approval_request",
		"approved", map[string]any{"request_id": id}); err != nil {
		return nil, err
	}
	e.logger.Info("approval request approved", "request_id", id, "approver", caller.Username)

	if pol.AutoExecute {
		return e.execute(ctx, identity.System, updated)
	}
	return updated, nil
}

// Reject moves a pending request to rejected with a mandatory reason.
func (e *Engine) Reject(ctx context.Context, caller identity.Caller, id, reason string) (*Request, error) {
	if err := validate.Reason(reason); err != nil {
		return nil, e.denied(caller, "", err)
	}
	req, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	pol, err := e.table.Lookup(req.RequestType)
	if err != nil {
		return nil, err
	}
	if err := e.az.CanApprove(caller, pol); err != nil {
		return nil, e.denied(caller, req.RequestType, err)
	}

	now := e.clock().UTC()
	details, _ := json.Marshal(map[string]string{"reason": reason})
	entry, err := e.entryRaw(id, audit.ActionRejected, caller, now,
		string(StatusPending), string(StatusRejected), details)
	if err != nil {
		return nil, err
	}
	updated, err := e.store.Apply(ctx, id, Mutation{
		From: StatusPending, To: StatusRejected,
		RejectionReason: &reason,
	}, entry)
	if err != nil {
		return nil, err
	}
	e.obs.RecordTransition(ctx, string(StatusRejected))
	if err := e.recorder.Record(audit.KindSuccess, actorOf(caller), "approval_request",
		"rejected", map[string]any{"request_id": id}); err != nil {
		return nil, err
	}
	e.logger.Info("approval request rejected", "request_id", id, "approver", caller.Username)
	return updated, nil
}

// Cancel withdraws a pending request. Only the requester or an admin
// may cancel. An optional reason lands in the history entry.
func (e *Engine) Cancel(ctx context.Context, caller identity.Caller, id, reason string) (*Request, error) {
	req, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller.ID != req.RequesterID && caller.Role != identity.RoleAdmin {
		ferr := fault.New(fault.MissingPermission, "only the requester or an admin may cancel")
		return nil, e.denied(caller, req.RequestType, ferr)
	}

	now := e.clock().UTC()
	var details map[string]any
	if reason != "" {
		details = map[string]any{"reason": reason}
	}
	entry, err := e.entry(id, audit.ActionCancelled, caller, now,
		string(StatusPending), string(StatusCancelled), details)
	if err != nil {
		return nil, err
	}
	updated, err := e.store.Apply(ctx, id, Mutation{From: StatusPending, To: StatusCancelled}, entry)
	if err != nil {
		return nil, err
	}
	e.obs.RecordTransition(ctx, string(StatusCancelled))
	if err := e.recorder.Record(audit.KindSuccess, actorOf(caller), "approval_request",
		"cancelled", map[string]any{"request_id": id}); err != nil {
		return nil, err
	}
	return updated, nil
}

// Execute runs an approved request through the wrapper gateway and
// records the terminal outcome. Wrapper-level failure lands the request
// in execution_failed; the request itself is returned either way.
func (e *Engine) Execute(ctx context.Context, caller identity.Caller, id string) (*Request, error) {
	if err := authz.Require(caller, identity.PermExecApproved); err != nil {
		return nil, e.denied(caller, "", err)
	}
	req, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusApproved {
		return nil, fault.Newf(fault.StateConflict, "request is %s, execution requires approved", req.Status)
	}
	return e.execute(ctx, caller, req)
}

// execute performs the approved→executed|execution_failed leg. executor
// is the caller for manual execution or identity.System for auto_execute.
func (e *Engine) execute(ctx context.Context, executor identity.Caller, req *Request) (*Request, error) {
	spec, err := e.ops.Lookup(req.RequestType)
	if err != nil {
		return nil, e.denied(executor, req.RequestType, err)
	}
	// Stored payloads are revalidated before compiling an argument vector;
	// the database is not a trusted input source.
	obj, err := spec.Validate(req.Payload)
	if err != nil {
		return nil, e.denied(executor, req.RequestType, err)
	}
	wrapperID, argv, stdin := spec.Compile(obj)

	res, err := e.gateway.Run(ctx, wrapper.Invocation{
		WrapperID: wrapperID,
		Argv:      argv,
		Stdin:     stdin,
		Caller:    executor,
		FlightKey: req.RequesterID + "/" + string(req.RequestType),
	})
	if err != nil {
		// Broker-level fault (overload, conflict, audit): the request stays
		// approved and the caller may retry.
		return nil, err
	}

	resultJSON, merr := json.Marshal(res)
	if merr != nil {
		return nil, fault.Wrap(fault.Storage, "marshal execution result", merr)
	}

	now := e.clock().UTC()
	to, action := StatusExecuted, audit.ActionExecuted
	if !res.OK {
		to, action = StatusExecutionFailed, audit.ActionExecutionFailed
	}
	entry, err := e.entryRaw(req.ID, action, executor, now,
		string(StatusApproved), string(to), resultJSON)
	if err != nil {
		return nil, err
	}
	updated, err := e.store.Apply(ctx, req.ID, Mutation{
		From: StatusApproved, To: to,
		ExecutionResult: resultJSON,
		ExecutedAt:      &now,
		ExecutedBy:      &executor.ID,
	}, entry)
	if err != nil {
		return nil, err
	}
	e.obs.RecordTransition(ctx, string(to))
	e.logger.Info("approval request executed",
		"request_id", req.ID, "status", to, "executor", executor.Username,
		"duration_ms", res.DurationMS)
	return updated, nil
}

// RunReadOnly executes a read-only operation directly, with no approval
// request. The authorization decision must come back allow.
func (e *Engine) RunReadOnly(ctx context.Context, caller identity.Caller,
	op policy.OperationType, payload json.RawMessage) (*wrapper.Result, error) {
	if !policy.IsReadOnly(op) {
		return nil, e.denied(caller, op, fault.Newf(fault.Validation, "%s requires an approval request", op))
	}
	spec, err := e.ops.Lookup(op)
	if err != nil {
		return nil, e.denied(caller, op, err)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	obj, err := spec.Validate(payload)
	if err != nil {
		return nil, e.denied(caller, op, err)
	}
	dec := e.az.Decide(caller, op, spec.Target(obj))
	e.obs.RecordDecision(ctx, string(dec.Effect))
	if dec.Effect != authz.Allow {
		return nil, e.denied(caller, op, fault.New(dec.Kind, dec.Reason))
	}
	wrapperID, argv, stdin := spec.Compile(obj)
	return e.gateway.Run(ctx, wrapper.Invocation{
		WrapperID: wrapperID, Argv: argv, Stdin: stdin, Caller: caller,
	})
}

// Get returns one request. Requesters always see their own; anyone else
// needs the pending-view permission.
func (e *Engine) Get(ctx context.Context, caller identity.Caller, id string) (*Request, error) {
	req, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.RequesterID != caller.ID {
		if err := authz.Require(caller, identity.PermViewPending); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// List returns requests matching the filter plus the unpaged total.
func (e *Engine) List(ctx context.Context, caller identity.Caller, f Filter) ([]*Request, int, error) {
	if err := authz.Require(caller, identity.PermViewPending); err != nil {
		// Without the view permission a caller still lists their own.
		f.RequesterID = caller.ID
	}
	return e.store.List(ctx, f)
}

// History returns signed history entries matching the filter.
func (e *Engine) History(ctx context.Context, caller identity.Caller, f HistoryFilter) ([]audit.HistoryEntry, int, error) {
	if err := authz.Require(caller, identity.PermViewHistory); err != nil {
		return nil, 0, err
	}
	return e.store.History(ctx, f)
}

// VerifiedHistory returns history entries plus the ids whose signatures
// fail verification, for the export bundle.
func (e *Engine) VerifiedHistory(ctx context.Context, caller identity.Caller, f HistoryFilter) ([]audit.HistoryEntry, []int64, error) {
	if err := authz.Require(caller, identity.PermExportHistory); err != nil {
		return nil, nil, err
	}
	entries, _, err := e.store.History(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	return entries, e.signer.VerifyHistory(entries), nil
}

// Stats aggregates request activity since the given time.
func (e *Engine) Stats(ctx context.Context, caller identity.Caller, since time.Time) (*Stats, error) {
	if err := authz.Require(caller, identity.PermViewStats); err != nil {
		return nil, err
	}
	return e.store.Stats(ctx, since)
}

// Policies lists the active policy table.
func (e *Engine) Policies(caller identity.Caller) ([]*policy.Policy, error) {
	if err := authz.Require(caller, identity.PermViewPolicies); err != nil {
		return nil, err
	}
	return e.table.All(), nil
}

// ExpireDue transitions pending requests past their deadline to expired.
// Called by the sweeper; safe to run concurrently with approvals because
// each transition is guarded by the store.
func (e *Engine) ExpireDue(ctx context.Context, limit int) (int, error) {
	ids, err := e.store.ListExpired(ctx, e.clock().UTC(), limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		if _, err := e.expireOne(ctx, id); err != nil {
			if fault.KindOf(err) == fault.StateConflict {
				continue // lost the race to an approve/reject; fine
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (e *Engine) expireOne(ctx context.Context, id string) (*Request, error) {
	now := e.clock().UTC()
	entry, err := e.entry(id, audit.ActionExpired, identity.System, now,
		string(StatusPending), string(StatusExpired), nil)
	if err != nil {
		return nil, err
	}
	updated, err := e.store.Apply(ctx, id, Mutation{From: StatusPending, To: StatusExpired}, entry)
	if err != nil {
		return nil, err
	}
	e.obs.RecordTransition(ctx, string(StatusExpired))
	e.logger.Info("approval request expired", "request_id", id)
	return updated, nil
}

func (e *Engine) entry(requestID string, action audit.HistoryAction, actor identity.Caller,
	ts time.Time, prev, next string, details map[string]any) (*audit.HistoryEntry, error) {
	var raw json.RawMessage
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return nil, fault.Wrap(fault.Audit, "marshal history details", err)
		}
		raw = b
	}
	return e.entryRaw(requestID, action, actor, ts, prev, next, raw)
}

func (e *Engine) entryRaw(requestID string, action audit.HistoryAction, actor identity.Caller,
	ts time.Time, prev, next string, details json.RawMessage) (*audit.HistoryEntry, error) {
	entry := &audit.HistoryEntry{
		ApprovalRequestID: requestID,
		Action:            action,
		ActorID:           actor.ID,
		ActorName:         actor.Username,
		ActorRole:         actor.Role,
		Timestamp:         ts,
		Details:           details,
		PreviousStatus:    prev,
		NewStatus:         next,
	}
	if err := e.signer.Sign(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// denied records one denied audit event for a rejected attempt, whether
// the rejection came from validation or authorization, and passes the
// error through.
func (e *Engine) denied(caller identity.Caller, op policy.OperationType, err error) error {
	details := map[string]any{"error": err.Error()}
	if op != "" {
		details["request_type"] = string(op)
	}
	if aerr := e.recorder.Record(audit.KindDenied, actorOf(caller), "approval_request",
		"denied", details); aerr != nil {
		return aerr
	}
	return err
}

func actorOf(c identity.Caller) string { return audit.Actor(c.ID, c.Username) }
