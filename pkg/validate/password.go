package validate

import (
	"strings"
	"unicode"

	"github.com/opsgate/opsgate/pkg/fault"
)

// trivialWords is a small dictionary of substrings that disqualify a
// password outright, matched case-insensitively.
var trivialWords = []string{
	"password", "passwort", "qwerty", "123456", "abc123", "letmein",
	"welcome", "iloveyou", "dragon", "monkey", "master", "admin",
	"login", "secret", "changeme",
}

// StrongPassword checks a plaintext password before hashing. It is never
// applied to hashes; BcryptHash covers those.
//
// Rules: length 8-128; at least one lowercase, uppercase, digit, and
// non-alphanumeric rune; must not contain the username case-insensitively;
// must not contain any trivial dictionary word.
func StrongPassword(password, username string) error {
	if len(password) < 8 || len(password) > 128 {
		return fault.New(fault.Validation, "password must be 8-128 characters")
	}
	var lower, upper, digit, other bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}
	if !lower || !upper || !digit || !other {
		return fault.New(fault.Validation,
			"password needs lowercase, uppercase, digit, and symbol characters")
	}
	folded := strings.ToLower(password)
	if username != "" && strings.Contains(folded, strings.ToLower(username)) {
		return fault.New(fault.Validation, "password must not contain the username")
	}
	for _, w := range trivialWords {
		if strings.Contains(folded, w) {
			return fault.Newf(fault.Validation, "password contains the trivial word %q", w)
		}
	}
	return nil
}
