// Package registry implements the Agent Registry of spec.md §4.4: dynamic
// registration, heartbeat-driven lazy TTL eviction, capability/tag indices,
// and capability-aware best-agent selection. It is grounded on the
// teacher's RedisRegistry/RedisDiscovery pair (core/redis_registry.go,
// core/redis_discovery.go), generalized to run over the internal/store
// Shared Store contract instead of a bare go-redis client.
package registry

import "time"

// Status is the health state of an agent record.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusOffline   Status = "offline"
)

// Capability describes one operation an agent can perform, immutable once
// published (spec.md §3).
type Capability struct {
	Name                string          `json:"name"`
	Description         string          `json:"description"`
	InputSchema         map[string]any  `json:"input_schema,omitempty"`
	OutputSchema        map[string]any  `json:"output_schema,omitempty"`
	ComplexityScore     float64         `json:"complexity_score"`
	EstimatedDurationS  float64         `json:"estimated_duration_s"`
}

// Resources captures the declared compute footprint of an agent.
type Resources struct {
	CPU    string `json:"cpu,omitempty"`
	Memory string `json:"memory,omitempty"`
}

// AgentRecord is the full Agent Record of spec.md §3. It is owned by this
// package and written only via Register/Heartbeat/AdjustLoad/Deregister.
type AgentRecord struct {
	AgentID         string       `json:"agent_id"`
	Name            string       `json:"name"`
	Version         string       `json:"version"`
	Description     string       `json:"description"`
	EndpointURL     string       `json:"endpoint_url"`
	HealthCheckURL  string       `json:"health_check_url"`
	Capabilities    []Capability `json:"capabilities"`
	MaxConcurrent   int          `json:"max_concurrent"`
	CurrentLoad     int          `json:"current_load"`
	Resources       Resources    `json:"resources"`
	ServiceName     string       `json:"service_name"`
	Namespace       string       `json:"namespace"`
	Cluster         string       `json:"cluster"`
	Tags            []string     `json:"tags"`
	Priority        int          `json:"priority"`
	RegisteredAt    time.Time    `json:"registered_at"`
	LastHeartbeat   time.Time    `json:"last_heartbeat"`
	Status          Status       `json:"status"`
}

// CapabilityNames returns the names of all capabilities on the record.
func (a *AgentRecord) CapabilityNames() []string {
	names := make([]string, len(a.Capabilities))
	for i, c := range a.Capabilities {
		names[i] = c.Name
	}
	return names
}

// HasCapability reports whether the record advertises the named capability
// and, if so, returns it.
func (a *AgentRecord) HasCapability(name string) (Capability, bool) {
	for _, c := range a.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return Capability{}, false
}

// HasTag reports whether the record carries the given tag.
func (a *AgentRecord) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// clone returns a deep-enough copy safe to hand to callers as a snapshot.
func (a *AgentRecord) clone() *AgentRecord {
	cp := *a
	cp.Capabilities = append([]Capability(nil), a.Capabilities...)
	cp.Tags = append([]string(nil), a.Tags...)
	return &cp
}

// Filter selects agents during List.
type Filter struct {
	Status     Status
	Tags       []string
	Capability string
}

// Event is published on the agent_events channel (spec.md §4.4, §6).
type Event struct {
	Type      string    `json:"type"` // "registration" | "unregistration"
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

const EventsChannel = "agent_events"

// DefaultTTL is the default staleness window after which a record whose
// last_heartbeat has not been refreshed is lazily evicted (spec.md §3).
const DefaultTTL = 300 * time.Second
