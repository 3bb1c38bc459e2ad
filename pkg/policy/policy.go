// Package policy holds the per-operation approval policies. Policies are
// read-only at runtime: they are loaded once at startup from the built-in
// seed or a YAML file, validated, and frozen.
package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opsgate/opsgate/pkg/fault"
	"github.com/opsgate/opsgate/pkg/identity"
)

// OperationType identifies a privileged action.
type OperationType string

// Write operations routed through the approval workflow.
const (
	OpUserAdd        OperationType = "user_add"
	OpUserDelete     OperationType = "user_delete"
	OpUserModify     OperationType = "user_modify"
	OpUserPasswd     OperationType = "user_passwd"
	OpGroupAdd       OperationType = "group_add"
	OpGroupDelete    OperationType = "group_delete"
	OpGroupModify    OperationType = "group_modify"
	OpCronAdd        OperationType = "cron_add"
	OpCronDelete     OperationType = "cron_delete"
	OpCronModify     OperationType = "cron_modify"
	OpServiceStop    OperationType = "service_stop"
	OpFirewallModify OperationType = "firewall_modify"
)

// Read-only operations executed directly through the gateway.
const (
	OpProcessList    OperationType = "process_list"
	OpUserList       OperationType = "user_list"
	OpGroupList      OperationType = "group_list"
	OpCronList       OperationType = "cron_list"
	OpServiceStatus  OperationType = "service_status"
	OpFirewallStatus OperationType = "firewall_status"
)

// RiskLevel classifies the blast radius of an operation.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

var validRisk = map[RiskLevel]struct{}{
	RiskLow: {}, RiskMedium: {}, RiskHigh: {}, RiskCritical: {},
}

// Policy governs a single operation type.
type Policy struct {
	OperationType    OperationType   `yaml:"operation_type" json:"operation_type"`
	Description      string          `yaml:"description" json:"description"`
	ApprovalRequired bool            `yaml:"approval_required" json:"approval_required"`
	ApproverRoles    []identity.Role `yaml:"approver_roles" json:"approver_roles"`
	ApprovalCount    int             `yaml:"approval_count" json:"approval_count"`
	TimeoutHours     int             `yaml:"timeout_hours" json:"timeout_hours"`
	AutoExecute      bool            `yaml:"auto_execute" json:"auto_execute"`
	RiskLevel        RiskLevel       `yaml:"risk_level" json:"risk_level"`
	// Condition is an optional CEL guard evaluated at decision time with
	// variables caller, operation, target, and hour. Empty means no guard.
	Condition string    `yaml:"condition,omitempty" json:"condition,omitempty"`
	CreatedAt time.Time `yaml:"-" json:"created_at"`
	UpdatedAt time.Time `yaml:"-" json:"updated_at"`
}

// Timeout returns the expiry window of the policy.
func (p *Policy) Timeout() time.Duration {
	return time.Duration(p.TimeoutHours) * time.Hour
}

// MayApprove reports whether the role is named in the policy's approver set.
func (p *Policy) MayApprove(r identity.Role) bool {
	for _, ar := range p.ApproverRoles {
		if ar == r {
			return true
		}
	}
	return false
}

func (p *Policy) validate() error {
	if p.OperationType == "" {
		return fmt.Errorf("policy without operation_type")
	}
	if _, ok := validRisk[p.RiskLevel]; !ok {
		return fmt.Errorf("policy %s: risk_level %q not in {LOW,MEDIUM,HIGH,CRITICAL}", p.OperationType, p.RiskLevel)
	}
	if p.ApprovalCount < 1 || p.ApprovalCount > 10 {
		return fmt.Errorf("policy %s: approval_count %d out of range 1-10", p.OperationType, p.ApprovalCount)
	}
	if p.TimeoutHours < 1 || p.TimeoutHours > 168 {
		return fmt.Errorf("policy %s: timeout_hours %d out of range 1-168", p.OperationType, p.TimeoutHours)
	}
	if p.ApprovalRequired && len(p.ApproverRoles) == 0 {
		return fmt.Errorf("policy %s: approval required but no approver roles", p.OperationType)
	}
	for _, r := range p.ApproverRoles {
		if _, err := identity.ParseRole(string(r)); err != nil {
			return fmt.Errorf("policy %s: %w", p.OperationType, err)
		}
	}
	return nil
}

// Table is the immutable policy lookup table.
type Table struct {
	policies map[OperationType]*Policy
	guards   *GuardSet
}

// NewTable validates the policies, compiles any CEL guards, and freezes
// the table.
func NewTable(policies []*Policy) (*Table, error) {
	m := make(map[OperationType]*Policy, len(policies))
	for _, p := range policies {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := m[p.OperationType]; dup {
			return nil, fmt.Errorf("duplicate policy for %s", p.OperationType)
		}
		m[p.OperationType] = p
	}
	guards, err := compileGuards(m)
	if err != nil {
		return nil, err
	}
	return &Table{policies: m, guards: guards}, nil
}

// Lookup resolves the policy for an operation type.
func (t *Table) Lookup(op OperationType) (*Policy, error) {
	p, ok := t.policies[op]
	if !ok {
		return nil, fault.Newf(fault.PolicyMissing, "no policy for operation %s", op)
	}
	return p, nil
}

// All returns every policy, for the policies endpoint and DB seeding.
func (t *Table) All() []*Policy {
	out := make([]*Policy, 0, len(t.policies))
	for _, p := range t.policies {
		out = append(out, p)
	}
	return out
}

// Guards exposes the compiled CEL guard set.
func (t *Table) Guards() *GuardSet { return t.guards }

// LoadFile reads a YAML policy file into a Table.
func LoadFile(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var doc struct {
		Policies []*Policy `yaml:"policies"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	now := time.Now().UTC()
	for _, p := range doc.Policies {
		p.CreatedAt, p.UpdatedAt = now, now
	}
	return NewTable(doc.Policies)
}
