package password

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsStrongPassword(t *testing.T) {
	report := NewPolicy().Validate("Tr0ub4dor&3xampleZ", UserInfo{Username: "alice"})
	require.True(t, report.Valid)
	require.Empty(t, report.Errors)
	require.Equal(t, Excellent, report.Strength)
}

func TestValidateCollectsAllViolations(t *testing.T) {
	report := NewPolicy().Validate("password123", UserInfo{})
	require.False(t, report.Valid)
	// Short, no uppercase, no special, and on the common list: every rule
	// reports independently.
	require.GreaterOrEqual(t, len(report.Errors), 4)
	require.Contains(t, strings.Join(report.Errors, "; "), "too common")
	require.LessOrEqual(t, report.Strength, Weak)
}

func TestValidateRejectsUserFragments(t *testing.T) {
	policy := NewPolicy()

	report := policy.Validate("Alice#Winter2096x", UserInfo{Username: "alice"})
	require.False(t, report.Valid)
	require.Contains(t, strings.Join(report.Errors, "; "), "username")

	report = policy.Validate("xQ9!kendall&Rm2z", UserInfo{Email: "kendall@example.com"})
	require.False(t, report.Valid)
	require.Contains(t, strings.Join(report.Errors, "; "), "email")

	// Fragments shorter than three characters are ignored.
	report = policy.Validate("xQ9!abGrTm&2zLw", UserInfo{Username: "ab"})
	require.True(t, report.Valid)
}

func TestValidateRejectsRepetition(t *testing.T) {
	report := NewPolicy().Validate("Gooood#Pw9zKn2m", UserInfo{})
	require.False(t, report.Valid)
	require.Contains(t, strings.Join(report.Errors, "; "), "repeat")
}

func TestValidateRejectsSequences(t *testing.T) {
	for _, candidate := range []string{
		"Xk9!qwerPmc4Vbz#",
		"Xk9!P1234mc4Vbz#",
		"Xk9!PdefgZc4Vbz#",
		"Xk9!PrewqZc4Vbz#", // reversed keyboard run
	} {
		report := NewPolicy().Validate(candidate, UserInfo{})
		require.False(t, report.Valid, "%s should be rejected", candidate)
		require.Contains(t, strings.Join(report.Errors, "; "), "sequences")
	}
}

func TestStrengthScale(t *testing.T) {
	policy := NewPolicy()

	tests := []struct {
		password string
		want     Strength
	}{
		{"", VeryWeak},
		{"cat", VeryWeak},
		{"kmrwpxqzvnts", Weak},       // lowercase only, 12 chars ~ 56 bits but violations cap it
		{"mK9#vQ2xLr8t", Good},       // 12 chars, all four classes ~ 79 bits
		{"mK9#vQ2xLr8t!Wzp4Nd", Excellent}, // 19 chars, all four classes
	}
	for _, tc := range tests {
		report := policy.Validate(tc.password, UserInfo{})
		require.Equal(t, tc.want, report.Strength, "password %q", tc.password)
	}
}

func TestValidRequiresGoodStrength(t *testing.T) {
	// With a relaxed minimum length a password can clear every rule and
	// still score below Good, which keeps it invalid.
	policy := &Policy{MinLength: 8}
	report := policy.Validate("mK9#vQ2x", UserInfo{})
	require.Empty(t, report.Errors)
	require.Equal(t, Fair, report.Strength)
	require.False(t, report.Valid)
}

func TestCommonPasswordListLoads(t *testing.T) {
	require.True(t, isCommonPassword("password123"))
	require.True(t, isCommonPassword("passw0rd"))
	require.False(t, isCommonPassword("mK9#vQ2xLr8t"))
}
