package approval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/opsgate/opsgate/pkg/fault"
	"github.com/opsgate/opsgate/pkg/policy"
	"github.com/opsgate/opsgate/pkg/validate"
)

// OpSpec binds one operation type to its payload schema, semantic
// validators, and the wrapper invocation it compiles to. Secrets (the
// bcrypt hash) ride on stdin; they never appear in an argument vector.
type OpSpec struct {
	Type      policy.OperationType
	WrapperID string

	schema   *jsonschema.Schema
	semantic func(p map[string]any) error
	build    func(p map[string]any) (argv []string, stdin []byte)
	target   func(p map[string]any) string
}

// Validate checks the raw payload structurally and semantically and
// returns the decoded object.
func (s *OpSpec) Validate(payload json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fault.Wrap(fault.Validation, "payload is not valid JSON", err)
	}
	if err := s.schema.Validate(v); err != nil {
		return nil, fault.Wrap(fault.Validation, fmt.Sprintf("payload for %s rejected", s.Type), err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fault.Newf(fault.Validation, "payload for %s must be a JSON object", s.Type)
	}
	if s.semantic != nil {
		if err := s.semantic(obj); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// Compile turns a validated payload into the wrapper invocation pieces.
func (s *OpSpec) Compile(p map[string]any) (wrapperID string, argv []string, stdin []byte) {
	argv, stdin = s.build(p)
	return s.WrapperID, argv, stdin
}

// Target names the object the operation acts on, for policy guards and
// history details.
func (s *OpSpec) Target(p map[string]any) string {
	if s.target == nil {
		return ""
	}
	return s.target(p)
}

// Ops is the immutable operation registry.
type Ops struct {
	byType map[policy.OperationType]*OpSpec
}

// Lookup resolves an operation type.
func (o *Ops) Lookup(t policy.OperationType) (*OpSpec, error) {
	s, ok := o.byType[t]
	if !ok {
		return nil, fault.Newf(fault.Validation, "unknown operation type %q", t)
	}
	return s, nil
}

// Types returns the registered operation types.
func (o *Ops) Types() []policy.OperationType {
	out := make([]policy.OperationType, 0, len(o.byType))
	for t := range o.byType {
		out = append(out, t)
	}
	return out
}

func str(p map[string]any, k string) string {
	s, _ := p[k].(string)
	return s
}

func strs(p map[string]any, k string) []string {
	raw, _ := p[k].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func boolField(p map[string]any, k string) bool {
	b, _ := p[k].(bool)
	return b
}

func flag(name, value string) string { return "--" + name + "=" + value }

// Schema fragments shared across operations.
const (
	namePattern     = `^[a-z_][a-z0-9_-]{0,31}$`
	schedulePattern = `^[0-9*,/-]+( [0-9*,/-]+){4}$`
)

func mustCompile(name, doc string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(doc)); err != nil {
		panic(err)
	}
	return c.MustCompile(name)
}

func objectSchema(name string, required []string, props map[string]string) *jsonschema.Schema {
	var b strings.Builder
	b.WriteString(`{"type":"object","additionalProperties":false,"required":[`)
	for i, r := range required {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q", r)
	}
	b.WriteString(`],"properties":{`)
	first := true
	for k, v := range props {
		if !first {
			b.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&b, "%q:%s", k, v)
	}
	b.WriteString(`}}`)
	return mustCompile(name+".json", b.String())
}

var (
	propName     = fmt.Sprintf(`{"type":"string","pattern":%q}`, namePattern)
	propNameList = fmt.Sprintf(`{"type":"array","minItems":1,"maxItems":16,"items":{"type":"string","pattern":%q}}`, namePattern)
	propShell    = `{"type":"string","maxLength":64}`
	propHome     = `{"type":"string","maxLength":128}`
	propHash     = `{"type":"string","minLength":59,"maxLength":60}`
	propSchedule = fmt.Sprintf(`{"type":"string","maxLength":64,"pattern":%q}`, schedulePattern)
	propCommand  = `{"type":"string","minLength":1,"maxLength":256}`
	propCronID   = `{"type":"string","pattern":"^[a-zA-Z0-9_-]{1,64}$"}`
	propService  = `{"type":"string","maxLength":64}`
	propBool     = `{"type":"boolean"}`
	propPort     = `{"type":"integer","minimum":1,"maximum":65535}`
)

// DefaultOps builds the shipped operation registry. Wrapper ids line up
// with the default wrapper registry.
func DefaultOps() *Ops {
	specs := []*OpSpec{
		{
			Type: policy.OpUserAdd, WrapperID: "user_add",
			schema: objectSchema("user_add", []string{"username", "groups", "shell", "password_hash"},
				map[string]string{"username": propName, "groups": propNameList, "shell": propShell,
					"home": propHome, "password_hash": propHash}),
			semantic: func(p map[string]any) error {
				if err := newUserChecks(p); err != nil {
					return err
				}
				return validate.BcryptHash(str(p, "password_hash"))
			},
			build: func(p map[string]any) ([]string, []byte) {
				argv := []string{
					flag("username", str(p, "username")),
					flag("groups", strings.Join(strs(p, "groups"), ",")),
					flag("shell", str(p, "shell")),
					flag("home", homeOf(p)),
				}
				return argv, []byte(str(p, "password_hash"))
			},
			target: func(p map[string]any) string { return str(p, "username") },
		},
		{
			Type: policy.OpUserDelete, WrapperID: "user_delete",
			schema: objectSchema("user_delete", []string{"username"},
				map[string]string{"username": propName, "remove_home": propBool}),
			semantic: func(p map[string]any) error {
				if err := validate.Username(str(p, "username")); err != nil {
					return err
				}
				return validate.NotReservedUser(str(p, "username"))
			},
			build: func(p map[string]any) ([]string, []byte) {
				argv := []string{flag("username", str(p, "username"))}
				if boolField(p, "remove_home") {
					argv = append(argv, "--remove-home")
				}
				return argv, nil
			},
			target: func(p map[string]any) string { return str(p, "username") },
		},
		{
			Type: policy.OpUserModify, WrapperID: "user_modify",
			schema: objectSchema("user_modify", []string{"username"},
				map[string]string{"username": propName, "groups": propNameList,
					"shell": propShell, "home": propHome}),
			semantic: func(p map[string]any) error {
				if err := validate.Username(str(p, "username")); err != nil {
					return err
				}
				if err := validate.NotReservedUser(str(p, "username")); err != nil {
					return err
				}
				if _, g := p["groups"]; !g {
					if _, sh := p["shell"]; !sh {
						if _, h := p["home"]; !h {
							return fault.New(fault.Validation, "user_modify requires at least one change")
						}
					}
				}
				return changedUserChecks(p)
			},
			build: func(p map[string]any) ([]string, []byte) {
				argv := []string{flag("username", str(p, "username"))}
				if _, ok := p["groups"]; ok {
					argv = append(argv, flag("groups", strings.Join(strs(p, "groups"), ",")))
				}
				if _, ok := p["shell"]; ok {
					argv = append(argv, flag("shell", str(p, "shell")))
				}
				if _, ok := p["home"]; ok {
					argv = append(argv, flag("home", str(p, "home")))
				}
				return argv, nil
			},
			target: func(p map[string]any) string { return str(p, "username") },
		},
		{
			Type: policy.OpUserPasswd, WrapperID: "user_passwd",
			schema: objectSchema("user_passwd", []string{"username", "password_hash"},
				map[string]string{"username": propName, "password_hash": propHash}),
			semantic: func(p map[string]any) error {
				if err := validate.Username(str(p, "username")); err != nil {
					return err
				}
				if err := validate.NotReservedUser(str(p, "username")); err != nil {
					return err
				}
				return validate.BcryptHash(str(p, "password_hash"))
			},
			build: func(p map[string]any) ([]string, []byte) {
				return []string{flag("username", str(p, "username"))}, []byte(str(p, "password_hash"))
			},
			target: func(p map[string]any) string { return str(p, "username") },
		},
		{
			Type: policy.OpGroupAdd, WrapperID: "group_add",
			schema: objectSchema("group_add", []string{"group"},
				map[string]string{"group": propName}),
			semantic: func(p map[string]any) error {
				g := str(p, "group")
				if err := validate.Groupname(g); err != nil {
					return err
				}
				if err := validate.NotReservedGroup(g); err != nil {
					return err
				}
				return validate.GroupCollisionFree(g)
			},
			build: func(p map[string]any) ([]string, []byte) {
				return []string{flag("group", str(p, "group"))}, nil
			},
			target: func(p map[string]any) string { return str(p, "group") },
		},
		{
			Type: policy.OpGroupDelete, WrapperID: "group_delete",
			schema: objectSchema("group_delete", []string{"group"},
				map[string]string{"group": propName}),
			semantic: func(p map[string]any) error {
				g := str(p, "group")
				if err := validate.Groupname(g); err != nil {
					return err
				}
				return validate.NotReservedGroup(g)
			},
			build: func(p map[string]any) ([]string, []byte) {
				return []string{flag("group", str(p, "group"))}, nil
			},
			target: func(p map[string]any) string { return str(p, "group") },
		},
		{
			Type: policy.OpGroupModify, WrapperID: "group_modify",
			schema: objectSchema("group_modify", []string{"group"},
				map[string]string{"group": propName, "add_user": propName, "remove_user": propName}),
			semantic: func(p map[string]any) error {
				g := str(p, "group")
				if err := validate.Groupname(g); err != nil {
					return err
				}
				if err := validate.NotReservedGroup(g); err != nil {
					return err
				}
				_, add := p["add_user"]
				_, rm := p["remove_user"]
				if !add && !rm {
					return fault.New(fault.Validation, "group_modify requires add_user or remove_user")
				}
				if add {
					if err := validate.Username(str(p, "add_user")); err != nil {
						return err
					}
				}
				if rm {
					if err := validate.Username(str(p, "remove_user")); err != nil {
						return err
					}
				}
				return nil
			},
			build: func(p map[string]any) ([]string, []byte) {
				argv := []string{flag("group", str(p, "group"))}
				if _, ok := p["add_user"]; ok {
					argv = append(argv, flag("add-user", str(p, "add_user")))
				}
				if _, ok := p["remove_user"]; ok {
					argv = append(argv, flag("remove-user", str(p, "remove_user")))
				}
				return argv, nil
			},
			target: func(p map[string]any) string { return str(p, "group") },
		},
		{
			Type: policy.OpCronAdd, WrapperID: "cron_add",
			schema: objectSchema("cron_add", []string{"user", "schedule", "command"},
				map[string]string{"user": propName, "schedule": propSchedule, "command": propCommand}),
			semantic: cronChecks,
			build: func(p map[string]any) ([]string, []byte) {
				return []string{
					flag("user", str(p, "user")),
					flag("schedule", str(p, "schedule")),
					flag("command", str(p, "command")),
				}, nil
			},
			target: func(p map[string]any) string { return str(p, "user") },
		},
		{
			Type: policy.OpCronDelete, WrapperID: "cron_delete",
			schema: objectSchema("cron_delete", []string{"user", "id"},
				map[string]string{"user": propName, "id": propCronID}),
			semantic: func(p map[string]any) error {
				return validate.Username(str(p, "user"))
			},
			build: func(p map[string]any) ([]string, []byte) {
				return []string{flag("user", str(p, "user")), flag("id", str(p, "id"))}, nil
			},
			target: func(p map[string]any) string { return str(p, "user") },
		},
		{
			Type: policy.OpCronModify, WrapperID: "cron_modify",
			schema: objectSchema("cron_modify", []string{"user", "id", "schedule", "command"},
				map[string]string{"user": propName, "id": propCronID,
					"schedule": propSchedule, "command": propCommand}),
			semantic: cronChecks,
			build: func(p map[string]any) ([]string, []byte) {
				return []string{
					flag("user", str(p, "user")),
					flag("id", str(p, "id")),
					flag("schedule", str(p, "schedule")),
					flag("command", str(p, "command")),
				}, nil
			},
			target: func(p map[string]any) string { return str(p, "user") },
		},
		{
			Type: policy.OpServiceStop, WrapperID: "service_stop",
			schema: objectSchema("service_stop", []string{"service"},
				map[string]string{"service": propService}),
			semantic: func(p map[string]any) error {
				return validate.ServiceName(str(p, "service"))
			},
			build: func(p map[string]any) ([]string, []byte) {
				return []string{flag("service", str(p, "service"))}, nil
			},
			target: func(p map[string]any) string { return str(p, "service") },
		},
		{
			Type: policy.OpFirewallModify, WrapperID: "firewall_modify",
			schema: objectSchema("firewall_modify", []string{"action", "port", "proto"},
				map[string]string{
					"action": `{"type":"string","enum":["allow","deny","delete"]}`,
					"port":   propPort,
					"proto":  `{"type":"string","enum":["tcp","udp"]}`,
					"source": `{"type":"string","maxLength":64}`,
				}),
			semantic: func(p map[string]any) error {
				if src := str(p, "source"); src != "" {
					return validate.ForbiddenCharFree(src)
				}
				return nil
			},
			build: func(p map[string]any) ([]string, []byte) {
				n, _ := p["port"].(json.Number)
				argv := []string{
					flag("action", str(p, "action")),
					flag("port", n.String()),
					flag("proto", str(p, "proto")),
				}
				if src := str(p, "source"); src != "" {
					argv = append(argv, flag("source", src))
				}
				return argv, nil
			},
			target: func(p map[string]any) string {
				n, _ := p["port"].(json.Number)
				return str(p, "proto") + "/" + n.String()
			},
		},

		// Read-only operations. No approval; the gateway runs them directly.
		{
			Type: policy.OpProcessList, WrapperID: "process_list",
			schema: objectSchema("process_list", nil, map[string]string{}),
			build:  func(map[string]any) ([]string, []byte) { return nil, nil },
		},
		{
			Type: policy.OpUserList, WrapperID: "user_list",
			schema: objectSchema("user_list", nil, map[string]string{}),
			build:  func(map[string]any) ([]string, []byte) { return nil, nil },
		},
		{
			Type: policy.OpGroupList, WrapperID: "group_list",
			schema: objectSchema("group_list", nil, map[string]string{}),
			build:  func(map[string]any) ([]string, []byte) { return nil, nil },
		},
		{
			Type: policy.OpCronList, WrapperID: "cron_list",
			schema: objectSchema("cron_list", []string{"user"},
				map[string]string{"user": propName}),
			semantic: func(p map[string]any) error {
				return validate.Username(str(p, "user"))
			},
			build: func(p map[string]any) ([]string, []byte) {
				return []string{flag("user", str(p, "user"))}, nil
			},
			target: func(p map[string]any) string { return str(p, "user") },
		},
		{
			Type: policy.OpServiceStatus, WrapperID: "service_status",
			schema: objectSchema("service_status", []string{"service"},
				map[string]string{"service": propService}),
			semantic: func(p map[string]any) error {
				return validate.ServiceName(str(p, "service"))
			},
			build: func(p map[string]any) ([]string, []byte) {
				return []string{flag("service", str(p, "service"))}, nil
			},
			target: func(p map[string]any) string { return str(p, "service") },
		},
		{
			Type: policy.OpFirewallStatus, WrapperID: "firewall_status",
			schema: objectSchema("firewall_status", nil, map[string]string{}),
			build:  func(map[string]any) ([]string, []byte) { return nil, nil },
		},
	}

	byType := make(map[policy.OperationType]*OpSpec, len(specs))
	for _, s := range specs {
		byType[s.Type] = s
	}
	return &Ops{byType: byType}
}

func homeOf(p map[string]any) string {
	if h := str(p, "home"); h != "" {
		return h
	}
	return "/home/" + str(p, "username")
}

func newUserChecks(p map[string]any) error {
	u := str(p, "username")
	if err := validate.Username(u); err != nil {
		return err
	}
	if err := validate.NotReservedUser(u); err != nil {
		return err
	}
	for _, g := range strs(p, "groups") {
		if err := validate.Groupname(g); err != nil {
			return err
		}
		if err := validate.NotReservedGroup(g); err != nil {
			return err
		}
	}
	if err := validate.AllowedShell(str(p, "shell")); err != nil {
		return err
	}
	return homeChecks(p, u)
}

func changedUserChecks(p map[string]any) error {
	for _, g := range strs(p, "groups") {
		if err := validate.Groupname(g); err != nil {
			return err
		}
		if err := validate.NotReservedGroup(g); err != nil {
			return err
		}
	}
	if _, ok := p["shell"]; ok {
		if err := validate.AllowedShell(str(p, "shell")); err != nil {
			return err
		}
	}
	if _, ok := p["home"]; ok {
		return homeChecks(p, str(p, "username"))
	}
	return nil
}

func homeChecks(p map[string]any, username string) error {
	h := homeOf(p)
	if err := validate.HomeDir(h); err != nil {
		return err
	}
	// The home of an account stays under its own name.
	if h != "/home/"+username {
		return fault.Newf(fault.Validation, "home %q does not match username %q", h, username)
	}
	return nil
}

func cronChecks(p map[string]any) error {
	if err := validate.Username(str(p, "user")); err != nil {
		return err
	}
	if err := validate.CronSchedule(str(p, "schedule")); err != nil {
		return err
	}
	// Command path containment is re-checked by the gateway through the
	// symlink-resolving allowlist; this is the early structural screen.
	cmd := str(p, "command")
	if !strings.HasPrefix(cmd, "/") {
		return fault.Newf(fault.Validation, "cron command %q is not absolute", cmd)
	}
	if idx := strings.IndexByte(cmd, ' '); idx >= 0 {
		return fault.New(fault.Validation, "cron command must be a bare program path")
	}
	return validate.ForbiddenCharFree(cmd)
}
