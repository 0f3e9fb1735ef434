package password

import (
	"fmt"
	"math"
	"strings"
	"unicode"
)

// Strength scores a password from Very Weak to Excellent.
type Strength int

const (
	VeryWeak Strength = iota
	Weak
	Fair
	Good
	Excellent
)

func (s Strength) String() string {
	switch s {
	case VeryWeak:
		return "very_weak"
	case Weak:
		return "weak"
	case Fair:
		return "fair"
	case Good:
		return "good"
	case Excellent:
		return "excellent"
	default:
		return "unknown"
	}
}

// UserInfo carries the identity fields a password must not contain.
type UserInfo struct {
	Username  string
	Email     string
	FirstName string
	LastName  string
}

// Report is the outcome of validating one candidate password.
type Report struct {
	Valid    bool     `json:"valid"`
	Strength Strength `json:"strength"`
	Errors   []string `json:"errors,omitempty"`
}

type Policy struct {
	MinLength int
}

func NewPolicy() *Policy {
	return &Policy{MinLength: 12}
}

const minUserFragment = 3

// Validate checks every rule independently and collects all violations, so
// the caller can show the user the full list at once. Valid requires zero
// violations and at least Good strength.
func (p *Policy) Validate(password string, user UserInfo) Report {
	var violations []string

	if len(password) < p.MinLength {
		violations = append(violations, fmt.Sprintf("password must be at least %d characters", p.MinLength))
	}

	hasUpper, hasLower, hasDigit, hasSpecial := classes(password)
	if !hasUpper {
		violations = append(violations, "password must contain an uppercase letter")
	}
	if !hasLower {
		violations = append(violations, "password must contain a lowercase letter")
	}
	if !hasDigit {
		violations = append(violations, "password must contain a digit")
	}
	if !hasSpecial {
		violations = append(violations, "password must contain a special character")
	}

	lowered := strings.ToLower(password)
	if isCommonPassword(lowered) {
		violations = append(violations, "password is too common")
	}
	if fragment := matchedUserFragment(lowered, user); fragment != "" {
		violations = append(violations, "password must not contain your "+fragment)
	}
	if hasExcessiveRepetition(password) {
		violations = append(violations, "password must not repeat the same character three or more times")
	}
	if hasSequence(lowered) {
		violations = append(violations, "password must not contain simple sequences")
	}

	strength := p.score(password, len(violations))
	return Report{
		Valid:    len(violations) == 0 && strength >= Good,
		Strength: strength,
		Errors:   violations,
	}
}

// score estimates entropy from the effective charset and length, with
// penalties for repetition and sequences. Any hard violation caps the
// result at Weak.
func (p *Policy) score(password string, violationCount int) Strength {
	if password == "" {
		return VeryWeak
	}

	hasUpper, hasLower, hasDigit, hasSpecial := classes(password)
	charset := 0
	if hasLower {
		charset += 26
	}
	if hasUpper {
		charset += 26
	}
	if hasDigit {
		charset += 10
	}
	if hasSpecial {
		charset += 32
	}
	if charset == 0 {
		charset = 26
	}

	bits := float64(len(password)) * math.Log2(float64(charset))
	if hasExcessiveRepetition(password) {
		bits -= 10
	}
	if hasSequence(strings.ToLower(password)) {
		bits -= 10
	}

	var strength Strength
	switch {
	case bits < 28:
		strength = VeryWeak
	case bits < 50:
		strength = Weak
	case bits < 70:
		strength = Fair
	case bits < 90:
		strength = Good
	default:
		strength = Excellent
	}

	if violationCount > 0 && strength > Weak {
		strength = Weak
	}
	return strength
}

func classes(password string) (hasUpper, hasLower, hasDigit, hasSpecial bool) {
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSpecial = true
		}
	}
	return
}

func matchedUserFragment(lowered string, user UserInfo) string {
	fragments := map[string]string{
		"username":   strings.ToLower(strings.TrimSpace(user.Username)),
		"email":      emailLocalPart(user.Email),
		"first name": strings.ToLower(strings.TrimSpace(user.FirstName)),
		"last name":  strings.ToLower(strings.TrimSpace(user.LastName)),
	}

	for label, fragment := range fragments {
		if len(fragment) < minUserFragment {
			continue
		}
		if strings.Contains(lowered, fragment) {
			return label
		}
	}
	return ""
}

func emailLocalPart(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return ""
	}
	return email[:at]
}

func hasExcessiveRepetition(password string) bool {
	run := 1
	runes := []rune(password)
	for i := 1; i < len(runes); i++ {
		if runes[i] == runes[i-1] {
			run++
			if run >= 3 {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

var keyboardRows = []string{
	"qwertyuiop",
	"asdfghjkl",
	"zxcvbnm",
	"0123456789",
	"abcdefghijklmnopqrstuvwxyz",
}

const sequenceLength = 4

// hasSequence reports runs of four or more characters that walk a keyboard
// row or the alphabet in either direction.
func hasSequence(lowered string) bool {
	if len(lowered) < sequenceLength {
		return false
	}
	for i := 0; i+sequenceLength <= len(lowered); i++ {
		chunk := lowered[i : i+sequenceLength]
		for _, row := range keyboardRows {
			if strings.Contains(row, chunk) || strings.Contains(row, reverse(chunk)) {
				return true
			}
		}
	}
	return false
}

func reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}
