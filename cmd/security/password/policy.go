package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validate checks password policy. Length is counted in runes.
func (c Config) Validate(password string) error {
	n := utf8.RuneCountInString(password)
	switch {
	case n < c.Policy.MinLength:
		return ErrPasswordTooShort
	case n > c.Policy.MaxLength:
		return ErrPasswordTooLong
	case c.Policy.RejectVeryWeak && looksVeryWeak(password):
		return ErrWeakPassword
	}
	return nil
}

var trivialPasswords = map[string]struct{}{
	"password":    {},
	"password1":   {},
	"password123": {},
	"qwerty":      {},
	"qwerty123":   {},
	"qwertyuiop":  {},
	"letmein":     {},
	"iloveyou":    {},
	"changeme":    {},
}

// looksVeryWeak rejects only the obvious: a single repeated unit
// ("aaaa", "abcabcabc"), short all-digit PINs, monotonic runs ("12345678",
// "abcdefgh") and a short list of well-known choices. It is not a strength
// estimator.
func looksVeryWeak(pw string) bool {
	s := []rune(strings.ToLower(strings.TrimSpace(pw)))
	if len(s) == 0 {
		return true
	}
	if _, ok := trivialPasswords[string(s)]; ok {
		return true
	}
	if repeatsUnit(s) || isMonotonicRun(s) {
		return true
	}

	digits := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	return digits == len(s) && len(s) < 12
}

// repeatsUnit reports whether s is some prefix of length <= 3 repeated.
func repeatsUnit(s []rune) bool {
	for unit := 1; unit <= 3 && unit < len(s); unit++ {
		if len(s)%unit != 0 {
			continue
		}
		ok := true
		for i := unit; i < len(s); i++ {
			if s[i] != s[i-unit] {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func isMonotonicRun(s []rune) bool {
	if len(s) < 4 {
		return false
	}
	step := s[1] - s[0]
	if step != 1 && step != -1 {
		return false
	}
	for i := 2; i < len(s); i++ {
		if s[i]-s[i-1] != step {
			return false
		}
	}
	return true
}
