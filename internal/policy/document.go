// Package policy implements the Policy Engine of spec.md §4.6: role/rate/
// restriction evaluation, a bounded violation ring buffer, and atomic
// document reload with a YAML fallback. Grounded on the teacher's
// core/config.go layered-loading pattern, generalized from config values
// to a full policy document, and on core/redis_registry.go's
// atomic-pointer-swap style for Reload.
package policy

// Document is the full Policy Document of spec.md §3. It is replaced
// wholesale on Reload — never partially merged.
type Document struct {
	Enabled        bool                        `yaml:"enabled"`
	DefaultDecision Decision_                   `yaml:"default_decision"`
	Resources      map[string]ResourcePolicy    `yaml:"resources"`
	Roles          map[string]RoleGrant         `yaml:"roles"`
	RateLimits     RateLimitConfig              `yaml:"rate_limits"`
	ExecutionLimits Restrictions                `yaml:"execution_limits"`
}

// Decision_ is the allow/deny enum used for DefaultDecision (named with a
// trailing underscore to avoid colliding with the Decision result type).
type Decision_ string

const (
	DefaultAllow Decision_ = "allow"
	DefaultDeny  Decision_ = "deny"
)

// ResourcePolicy scopes allow/deny lists and per-resource restrictions for
// one resource type (e.g. "agent" or "tool").
type ResourcePolicy struct {
	AllowList    []string                `yaml:"allow_list"`
	DenyList     []string                `yaml:"deny_list"`
	Restrictions map[string]Restrictions `yaml:"restrictions"`
}

// Restrictions bounds a single resource's execution envelope.
type Restrictions struct {
	MaxExecutionTimeS  float64  `yaml:"max_execution_time"`
	AllowedParameters  []string `yaml:"allowed_parameters"`
	ForbiddenParameters []string `yaml:"forbidden_parameters"`
	RateLimit          *RateLimit `yaml:"rate_limit,omitempty"`
}

// RoleGrant lists the resource ids a role may access, per resource type.
type RoleGrant struct {
	Agents []string `yaml:"agents"`
	Tools  []string `yaml:"tools"`
}

// ResourceIDs returns the allow-set for resourceType ("agent" or "tool").
func (g RoleGrant) ResourceIDs(resourceType string) []string {
	switch resourceType {
	case "agent":
		return g.Agents
	case "tool":
		return g.Tools
	default:
		return nil
	}
}

// RateLimit is a requests-per-window budget.
type RateLimit struct {
	Requests int     `yaml:"requests"`
	WindowS  float64 `yaml:"window"`
}

// RateLimitConfig holds the four named rate-limit scopes of spec.md §3.
// PerAgent/PerTool are retained as YAML-compatible aliases for the legacy
// scheme (spec.md §9 Open Question); both normalise onto the single
// {global, user, tool} dimension set at evaluation time.
type RateLimitConfig struct {
	Global  RateLimit `yaml:"global"`
	PerUser RateLimit `yaml:"per_user"`
	PerAgent RateLimit `yaml:"per_agent"`
	PerTool RateLimit `yaml:"per_tool"`
}

// Default returns a minimal, conservative built-in document used when both
// the document store and the YAML fallback are unavailable (spec.md §4.6:
// "built-in defaults last"). It fails closed: enabled with DefaultDeny.
func Default() *Document {
	return &Document{
		Enabled:        true,
		DefaultDecision: DefaultDeny,
		Resources:      map[string]ResourcePolicy{},
		Roles:          map[string]RoleGrant{},
		RateLimits: RateLimitConfig{
			Global:  RateLimit{Requests: 1000, WindowS: 60},
			PerUser: RateLimit{Requests: 100, WindowS: 60},
			PerTool: RateLimit{Requests: 60, WindowS: 60},
		},
		ExecutionLimits: Restrictions{MaxExecutionTimeS: 30},
	}
}
