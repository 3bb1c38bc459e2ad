// Package validate holds the pure predicates and reserved-name tables
// shared by every other component. The forbidden-character set and the
// reserved tables defined here are the single source of truth; nothing
// else in the broker carries its own copy.
package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/opsgate/opsgate/pkg/fault"
)

// ForbiddenChars is the full screen applied to every externally supplied
// string that may reach a wrapper argument vector.
const ForbiddenChars = ";|&$()` ><*?{}[]\\'\"\n\r\t\x00"

var (
	usernameRe = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)
	bcryptRe   = regexp.MustCompile(`^\$2[aby]\$[0-9]{2}\$.{53}$`)
	serviceRe  = regexp.MustCompile(`^[a-zA-Z0-9_.@-]{1,64}$`)
)

// AllowedShells is the exact login-shell allowlist.
var AllowedShells = map[string]struct{}{
	"/bin/bash":         {},
	"/bin/sh":           {},
	"/usr/bin/zsh":      {},
	"/usr/sbin/nologin": {},
	"/bin/false":        {},
}

// Username checks the POSIX-portable username shape.
func Username(s string) error {
	if !usernameRe.MatchString(s) {
		return fault.Newf(fault.Validation, "invalid username %q", s)
	}
	return nil
}

// Groupname follows the same shape rule as usernames.
func Groupname(s string) error {
	if !usernameRe.MatchString(s) {
		return fault.Newf(fault.Validation, "invalid group name %q", s)
	}
	return nil
}

// BcryptHash checks the shape of a bcrypt hash. It never evaluates the
// hash; plaintext strength rules live in StrongPassword.
func BcryptHash(s string) error {
	if !bcryptRe.MatchString(s) {
		return fault.New(fault.Validation, "value is not a bcrypt hash")
	}
	return nil
}

// ForbiddenCharFree rejects any string containing a shell metacharacter,
// whitespace, or control byte from the forbidden set.
func ForbiddenCharFree(s string) error {
	if i := strings.IndexAny(s, ForbiddenChars); i >= 0 {
		return fault.Newf(fault.Validation, "forbidden character %q at position %d", s[i], i)
	}
	return nil
}

// AllowedShell requires an exact match in the shell allowlist.
func AllowedShell(s string) error {
	if _, ok := AllowedShells[s]; !ok {
		return fault.Newf(fault.Validation, "shell %q is not in the allowlist", s)
	}
	return nil
}

// HomeDir accepts /home/<segment> with exactly one extra segment,
// no traversal, and no trailing slash.
func HomeDir(s string) error {
	const prefix = "/home/"
	if !strings.HasPrefix(s, prefix) {
		return fault.New(fault.Validation, "home directory must be under /home/")
	}
	rest := s[len(prefix):]
	if rest == "" {
		return fault.New(fault.Validation, "home directory is missing its final segment")
	}
	if strings.Contains(rest, "/") {
		return fault.New(fault.Validation, "home directory must have exactly one segment under /home/")
	}
	if strings.Contains(s, "..") {
		return fault.New(fault.Validation, "home directory must not contain '..'")
	}
	return ForbiddenCharFree(rest)
}

// ServiceName checks a systemd-style unit name.
func ServiceName(s string) error {
	if !serviceRe.MatchString(s) {
		return fault.Newf(fault.Validation, "invalid service name %q", s)
	}
	return nil
}

// Reason checks a human-supplied justification string: 1-1000 characters,
// free of forbidden characters except plain spaces.
func Reason(s string) error {
	if len(s) < 1 || len(s) > 1000 {
		return fault.New(fault.Validation, "reason must be 1-1000 characters")
	}
	// Reasons are prose: spaces are fine, the rest of the screen applies.
	stripped := strings.ReplaceAll(s, " ", "")
	return ForbiddenCharFree(stripped)
}

// NotReservedUser rejects usernames from the reserved table.
func NotReservedUser(s string) error {
	if _, ok := reservedUsers[s]; ok {
		return fault.Newf(fault.Validation, "username %q is reserved", s)
	}
	return nil
}

// NotReservedGroup rejects group names from the reserved table.
func NotReservedGroup(s string) error {
	if _, ok := reservedGroups[s]; ok {
		return fault.Newf(fault.Validation, "group %q is reserved", s)
	}
	return nil
}

// GroupCollisionFree rejects a proposed group name that collides with
// the reserved-user table as well as the reserved-group table.
func GroupCollisionFree(s string) error {
	if err := NotReservedGroup(s); err != nil {
		return err
	}
	if _, ok := reservedUsers[s]; ok {
		return fault.Newf(fault.Validation, "group %q collides with a reserved username", s)
	}
	return nil
}

// cron field bounds, in field order: minute, hour, day-of-month, month, day-of-week.
var cronBounds = [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 7}}

// CronSchedule validates a five-field cron expression over the restricted
// alphabet {digit, *, /, -, ,} with per-field ranges and a minimum period
// of five minutes.
func CronSchedule(s string) error {
	fields := strings.Fields(s)
	if len(fields) != 5 {
		return fault.Newf(fault.Validation, "cron schedule must have 5 fields, got %d", len(fields))
	}
	for i, f := range fields {
		if err := cronField(f, cronBounds[i][0], cronBounds[i][1]); err != nil {
			return fault.Newf(fault.Validation, "cron field %d: %v", i+1, err)
		}
	}
	if err := cronMinPeriod(fields[0], fields[1]); err != nil {
		return err
	}
	return nil
}

func cronField(f string, lo, hi int) error {
	if f == "" {
		return fmt.Errorf("empty field")
	}
	for _, part := range strings.Split(f, ",") {
		body, step := part, ""
		if idx := strings.Index(part, "/"); idx >= 0 {
			body, step = part[:idx], part[idx+1:]
			n, err := strconv.Atoi(step)
			if err != nil || n < 1 {
				return fmt.Errorf("bad step %q", step)
			}
		}
		switch {
		case body == "*":
			// wildcard, optionally stepped
		case strings.Contains(body, "-"):
			ends := strings.SplitN(body, "-", 2)
			a, errA := strconv.Atoi(ends[0])
			b, errB := strconv.Atoi(ends[1])
			if errA != nil || errB != nil || a > b || a < lo || b > hi {
				return fmt.Errorf("bad range %q", body)
			}
		default:
			n, err := strconv.Atoi(body)
			if err != nil || n < lo || n > hi {
				return fmt.Errorf("value %q out of range %d-%d", body, lo, hi)
			}
		}
	}
	return nil
}

// cronMinPeriod enforces the five-minute floor. When the hour field is
// constrained the job runs at most hourly per listed hour, which always
// satisfies the floor; only an unconstrained hour field needs the minute
// set examined.
func cronMinPeriod(minuteField, hourField string) error {
	minutes := expandCronField(minuteField, 0, 59)
	if len(minutes) <= 1 {
		return nil
	}
	if !strings.HasPrefix(hourField, "*") {
		return nil
	}
	// Smallest circular gap across the hour boundary.
	minGap := 60
	for i := 1; i < len(minutes); i++ {
		if g := minutes[i] - minutes[i-1]; g < minGap {
			minGap = g
		}
	}
	if wrap := minutes[0] + 60 - minutes[len(minutes)-1]; wrap < minGap {
		minGap = wrap
	}
	if minGap < 5 {
		return fault.Newf(fault.Validation, "cron schedule fires every %d minutes; minimum period is 5", minGap)
	}
	return nil
}

// expandCronField returns the sorted set of values a validated field
// matches within [lo, hi].
func expandCronField(f string, lo, hi int) []int {
	set := map[int]struct{}{}
	for _, part := range strings.Split(f, ",") {
		body, step := part, 1
		if idx := strings.Index(part, "/"); idx >= 0 {
			body = part[:idx]
			if n, err := strconv.Atoi(part[idx+1:]); err == nil && n >= 1 {
				step = n
			}
		}
		start, end := lo, hi
		switch {
		case body == "*":
		case strings.Contains(body, "-"):
			ends := strings.SplitN(body, "-", 2)
			start, _ = strconv.Atoi(ends[0])
			end, _ = strconv.Atoi(ends[1])
		default:
			if n, err := strconv.Atoi(body); err == nil {
				start, end = n, n
			}
		}
		for v := start; v <= end; v += step {
			set[v] = struct{}{}
		}
	}
	out := make([]int, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	// insertion sort; fields expand to at most 60 values
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
