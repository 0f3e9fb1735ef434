package ratelimit

import "time"

// Role orders callers from least to most trusted.
type Role string

const (
	RoleAnonymous     Role = "anonymous"
	RoleAuthenticated Role = "authenticated"
	RoleStaff         Role = "staff"
	RolePremium       Role = "premium"
)

// Limit pairs a request budget with its window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Scopes with security or cost implications get tighter budgets than
// generic reads.
const (
	ScopeLogin  = "login"
	ScopeSearch = "search"
	ScopeUpload = "upload"
	ScopeAPI    = "api"
)

var limitTable = map[string]map[Role]Limit{
	ScopeLogin: {
		RoleAnonymous:     {Requests: 10, Window: time.Minute},
		RoleAuthenticated: {Requests: 10, Window: time.Minute},
		RoleStaff:         {Requests: 20, Window: time.Minute},
		RolePremium:       {Requests: 20, Window: time.Minute},
	},
	ScopeSearch: {
		RoleAnonymous:     {Requests: 30, Window: time.Minute},
		RoleAuthenticated: {Requests: 60, Window: time.Minute},
		RoleStaff:         {Requests: 120, Window: time.Minute},
		RolePremium:       {Requests: 120, Window: time.Minute},
	},
	ScopeUpload: {
		RoleAnonymous:     {Requests: 5, Window: time.Minute},
		RoleAuthenticated: {Requests: 20, Window: time.Minute},
		RoleStaff:         {Requests: 60, Window: time.Minute},
		RolePremium:       {Requests: 40, Window: time.Minute},
	},
	ScopeAPI: {
		RoleAnonymous:     {Requests: 60, Window: time.Minute},
		RoleAuthenticated: {Requests: 300, Window: time.Minute},
		RoleStaff:         {Requests: 1000, Window: time.Minute},
		RolePremium:       {Requests: 600, Window: time.Minute},
	},
}

var defaultLimit = Limit{Requests: 60, Window: time.Minute}

// LimitFor resolves the budget for a role within a scope. Unknown scopes
// fall back to the generic read budget; unknown roles are treated as
// anonymous.
func LimitFor(role Role, scope string) Limit {
	scoped, ok := limitTable[scope]
	if !ok {
		return defaultLimit
	}
	limit, ok := scoped[role]
	if !ok {
		return scoped[RoleAnonymous]
	}
	return limit
}
