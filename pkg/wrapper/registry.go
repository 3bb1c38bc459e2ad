// Package wrapper is the execution gateway to the host. Every privileged
// effect goes through exactly one pre-installed root-owned wrapper program,
// resolved from a static registry and invoked by argument vector — never
// through a shell.
package wrapper

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ArgClass names the validation rule applied to a flag's value when the
// gateway re-validates an argument vector before spawn.
type ArgClass string

const (
	ArgUsername ArgClass = "username"
	ArgGroup    ArgClass = "group"
	ArgShell    ArgClass = "shell"
	ArgHome     ArgClass = "home"
	ArgSchedule ArgClass = "schedule"
	ArgPath     ArgClass = "path"
	ArgPort     ArgClass = "port"
	ArgPlain    ArgClass = "plain"
)

// Wrapper describes one allowlisted wrapper program.
type Wrapper struct {
	ID      string              `yaml:"id"`
	Path    string              `yaml:"path"`
	Timeout time.Duration       `yaml:"timeout"`
	MinArgs int                 `yaml:"min_args"`
	Flags   map[string]ArgClass `yaml:"flags"`
}

// Registry is the fixed mapping from symbolic wrapper ids to absolute
// paths and argument contracts. Immutable after startup.
type Registry struct {
	byID map[string]Wrapper
	// commandPrefixes is the allowlist for path-class argument values
	// (e.g. cron commands). A value must normalize under one of these.
	commandPrefixes []string
}

// DefaultCommandPrefixes is the shipped path allowlist.
var DefaultCommandPrefixes = []string{"/usr/local/bin/", "/usr/bin/", "/opt/"}

// NewRegistry validates and freezes a wrapper set.
func NewRegistry(wrappers []Wrapper, commandPrefixes []string) (*Registry, error) {
	if len(commandPrefixes) == 0 {
		commandPrefixes = DefaultCommandPrefixes
	}
	byID := make(map[string]Wrapper, len(wrappers))
	for _, w := range wrappers {
		if w.ID == "" {
			return nil, fmt.Errorf("wrapper without id")
		}
		if !filepath.IsAbs(w.Path) {
			return nil, fmt.Errorf("wrapper %s: path %q is not absolute", w.ID, w.Path)
		}
		if w.Timeout > MaxTimeout {
			return nil, fmt.Errorf("wrapper %s: timeout %s exceeds cap %s", w.ID, w.Timeout, MaxTimeout)
		}
		if _, dup := byID[w.ID]; dup {
			return nil, fmt.Errorf("duplicate wrapper id %s", w.ID)
		}
		byID[w.ID] = w
	}
	for _, p := range commandPrefixes {
		if !strings.HasPrefix(p, "/") || !strings.HasSuffix(p, "/") {
			return nil, fmt.Errorf("command prefix %q must be absolute and end with /", p)
		}
	}
	return &Registry{byID: byID, commandPrefixes: commandPrefixes}, nil
}

// Lookup resolves a wrapper id.
func (r *Registry) Lookup(id string) (Wrapper, bool) {
	w, ok := r.byID[id]
	return w, ok
}

// CommandAllowed reports whether a normalized absolute path falls under
// the command allowlist.
func (r *Registry) CommandAllowed(path string) bool {
	for _, p := range r.commandPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// IDs returns the registered wrapper ids.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	return out
}

// Default returns the shipped registry. Paths follow the deployment
// convention /usr/local/sbin/opsgate-<operation>.sh.
func Default() *Registry {
	userFlags := map[string]ArgClass{
		"username": ArgUsername, "groups": ArgGroup, "shell": ArgShell,
		"home": ArgHome, "remove-home": ArgPlain,
	}
	cronFlags := map[string]ArgClass{
		"user": ArgUsername, "schedule": ArgSchedule, "command": ArgPath,
		"id": ArgPlain,
	}
	groupFlags := map[string]ArgClass{
		"group": ArgGroup, "add-user": ArgUsername, "remove-user": ArgUsername,
	}
	firewallFlags := map[string]ArgClass{
		"action": ArgPlain, "port": ArgPort, "proto": ArgPlain, "source": ArgPlain,
	}

	wrappers := []Wrapper{
		{ID: "user_add", Path: "/usr/local/sbin/opsgate-user-add.sh", MinArgs: 2, Flags: userFlags},
		{ID: "user_delete", Path: "/usr/local/sbin/opsgate-user-delete.sh", MinArgs: 1, Flags: userFlags},
		{ID: "user_modify", Path: "/usr/local/sbin/opsgate-user-modify.sh", MinArgs: 2, Flags: userFlags},
		{ID: "user_passwd", Path: "/usr/local/sbin/opsgate-user-passwd.sh", MinArgs: 1, Flags: userFlags},
		{ID: "group_add", Path: "/usr/local/sbin/opsgate-group-add.sh", MinArgs: 1, Flags: groupFlags},
		{ID: "group_delete", Path: "/usr/local/sbin/opsgate-group-delete.sh", MinArgs: 1, Flags: groupFlags},
		{ID: "group_modify", Path: "/usr/local/sbin/opsgate-group-modify.sh", MinArgs: 2, Flags: groupFlags},
		{ID: "cron_add", Path: "/usr/local/sbin/opsgate-cron-add.sh", MinArgs: 3, Flags: cronFlags},
		{ID: "cron_delete", Path: "/usr/local/sbin/opsgate-cron-delete.sh", MinArgs: 2, Flags: cronFlags},
		{ID: "cron_modify", Path: "/usr/local/sbin/opsgate-cron-modify.sh", MinArgs: 3, Flags: cronFlags},
		{ID: "cron_list", Path: "/usr/local/sbin/opsgate-cron-list.sh", MinArgs: 1, Flags: cronFlags},
		{ID: "service_stop", Path: "/usr/local/sbin/opsgate-service-stop.sh", MinArgs: 1,
			Flags: map[string]ArgClass{"service": ArgPlain}, Timeout: 60 * time.Second},
		{ID: "service_status", Path: "/usr/local/sbin/opsgate-service-status.sh", MinArgs: 1,
			Flags: map[string]ArgClass{"service": ArgPlain}},
		{ID: "firewall_modify", Path: "/usr/local/sbin/opsgate-firewall-modify.sh", MinArgs: 2, Flags: firewallFlags},
		{ID: "firewall_status", Path: "/usr/local/sbin/opsgate-firewall-status.sh", MinArgs: 0, Flags: firewallFlags},
		{ID: "process_list", Path: "/usr/local/sbin/opsgate-process-list.sh", MinArgs: 0, Flags: nil},
		{ID: "user_list", Path: "/usr/local/sbin/opsgate-user-list.sh", MinArgs: 0, Flags: nil},
		{ID: "group_list", Path: "/usr/local/sbin/opsgate-group-list.sh", MinArgs: 0, Flags: nil},
	}
	r, err := NewRegistry(wrappers, nil)
	if err != nil {
		panic(err) // static registry, compile-time shape
	}
	return r
}

// LoadRegistry reads a YAML registry file.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	var doc struct {
		Wrappers        []Wrapper `yaml:"wrappers"`
		CommandPrefixes []string  `yaml:"command_prefixes"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse registry file: %w", err)
	}
	return NewRegistry(doc.Wrappers, doc.CommandPrefixes)
}
