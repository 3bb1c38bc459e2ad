// Package authz is the authorization decision layer. Decide returns a
// value; all side effects (audit, state mutation) happen at the caller.
// Unknown operations and guard failures deny — the layer fails closed.
package authz

import (
	"time"

	"github.com/opsgate/opsgate/pkg/fault"
	"github.com/opsgate/opsgate/pkg/identity"
	"github.com/opsgate/opsgate/pkg/policy"
)

// Effect is the outcome of an authorization decision.
type Effect string

const (
	Allow            Effect = "allow"
	RequiresApproval Effect = "requires_approval"
	Deny             Effect = "deny"
)

// Decision carries the effect plus the policy (for requires_approval)
// or the denial reason.
type Decision struct {
	Effect Effect
	Policy *policy.Policy
	Kind   fault.Kind
	Reason string
}

func deny(kind fault.Kind, reason string) Decision {
	return Decision{Effect: Deny, Kind: kind, Reason: reason}
}

// Engine resolves decisions against the immutable policy table and the
// static role→permission map.
type Engine struct {
	table *policy.Table
	clock func() time.Time
}

// NewEngine creates an authorization engine over a policy table.
func NewEngine(table *policy.Table) *Engine {
	return &Engine{table: table, clock: time.Now}
}

// SetClock overrides the time source, for guard tests.
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }

// Decide evaluates (caller, op, target). Checks run in order: permission,
// policy lookup, CEL guard; the first deny short-circuits.
func (e *Engine) Decide(caller identity.Caller, op policy.OperationType, target string) Decision {
	if perm, ok := policy.ReadPermission(op); ok {
		if !caller.Has(perm) {
			return deny(fault.MissingPermission, "missing "+string(perm))
		}
		return Decision{Effect: Allow}
	}

	perm, ok := policy.WritePermission(op)
	if !ok {
		return deny(fault.PolicyMissing, "unknown operation "+string(op))
	}
	if !caller.Has(perm) {
		return deny(fault.MissingPermission, "missing "+string(perm))
	}

	pol, err := e.table.Lookup(op)
	if err != nil {
		return deny(fault.PolicyMissing, "no policy for "+string(op))
	}

	allowed, gerr := e.table.Guards().Evaluate(op, caller, target, e.clock())
	if gerr != nil || !allowed {
		return deny(fault.MissingPermission, "policy guard denied "+string(op))
	}

	if pol.ApprovalRequired {
		return Decision{Effect: RequiresApproval, Policy: pol}
	}
	return Decision{Effect: Allow, Policy: pol}
}

// CanRequest checks the permissions for creating an approval request:
// request:approval plus the write-intent permission of the target domain.
func (e *Engine) CanRequest(caller identity.Caller, op policy.OperationType) error {
	if !caller.Has(identity.PermRequestApprove) {
		return fault.New(fault.MissingPermission, "missing request:approval")
	}
	perm, ok := policy.WritePermission(op)
	if !ok {
		return fault.Newf(fault.PolicyMissing, "unknown operation %s", op)
	}
	if !caller.Has(perm) {
		return fault.Newf(fault.MissingPermission, "missing %s", perm)
	}
	return nil
}

// CanApprove checks execute:approval plus membership of the caller's role
// in the policy's approver set. Request-scoped rules (ownership, state)
// are enforced by the approval engine against persisted state.
func (e *Engine) CanApprove(caller identity.Caller, pol *policy.Policy) error {
	if !caller.Has(identity.PermExecApproval) {
		return fault.New(fault.MissingPermission, "missing execute:approval")
	}
	if !pol.MayApprove(caller.Role) {
		return fault.Newf(fault.MissingPermission,
			"role %s may not approve %s", caller.Role, pol.OperationType)
	}
	return nil
}

// Require checks a single approval-management permission.
func Require(caller identity.Caller, perm identity.Permission) error {
	if !caller.Has(perm) {
		return fault.Newf(fault.MissingPermission, "missing %s", perm)
	}
	return nil
}
