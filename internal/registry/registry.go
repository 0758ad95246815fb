package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/controlplane/fleet/internal/clockid"
	"github.com/controlplane/fleet/internal/store"
	"github.com/controlplane/fleet/internal/telemetry"
)

const (
	keyAgentPrefix      = "agent:"
	keyCapabilityPrefix = "capability:"
	keyTagPrefix        = "tag:"
	keyAllAgents        = "agents:all"
)

// Registry is the Agent Registry of spec.md §4.4. All state lives in the
// injected Shared Store, so a Registry backed by store.RedisStore is safe
// to run from multiple control-plane processes concurrently; the mutex
// here only protects this process's in-flight heartbeat goroutine.
type Registry struct {
	store  store.Store
	clock  clockid.Clock
	logger telemetry.Logger
	ttl    time.Duration

	mu       sync.Mutex
	stopHeartbeat chan struct{}
}

// New creates a Registry. ttl is the staleness window after which a record
// is lazily evicted on next read; pass 0 to use DefaultTTL.
func New(s store.Store, clock clockid.Clock, logger telemetry.Logger, ttl time.Duration) *Registry {
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	if logger == nil {
		logger = telemetry.NoOp()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		store:  s,
		clock:  clock,
		logger: logger.WithComponent("framework/registry"),
		ttl:    ttl,
	}
}

func agentKey(id string) string      { return keyAgentPrefix + id }
func capabilityKey(name string) string { return keyCapabilityPrefix + name }
func tagKey(tag string) string       { return keyTagPrefix + tag }

// Register publishes a new agent record or replaces an existing one with
// the same AgentID, indexing it by capability and tag, and announces a
// "registration" event on agent_events (spec.md §4.4).
func (r *Registry) Register(ctx context.Context, rec *AgentRecord) error {
	if rec.AgentID == "" {
		rec.AgentID = clockid.NewID()
	}
	now := r.clock.Now()
	rec.RegisteredAt = now
	rec.LastHeartbeat = now
	if rec.Status == "" {
		rec.Status = StatusHealthy
	}

	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: marshal agent record: %w", err)
	}
	if err := r.store.Set(ctx, agentKey(rec.AgentID), string(blob), 0); err != nil {
		return fmt.Errorf("registry: store agent record: %w", err)
	}
	if err := r.store.SetAdd(ctx, keyAllAgents, rec.AgentID); err != nil {
		return fmt.Errorf("registry: index agent: %w", err)
	}
	for _, cap := range rec.Capabilities {
		if err := r.store.SetAdd(ctx, capabilityKey(cap.Name), rec.AgentID); err != nil {
			r.logger.Warn("failed to index capability", map[string]interface{}{"capability": cap.Name, "error": err.Error()})
		}
	}
	for _, tag := range rec.Tags {
		if err := r.store.SetAdd(ctx, tagKey(tag), rec.AgentID); err != nil {
			r.logger.Warn("failed to index tag", map[string]interface{}{"tag": tag, "error": err.Error()})
		}
	}

	r.publishEvent(ctx, "registration", rec.AgentID)
	telemetry.Counter("registry.registrations")
	r.logger.Info("agent registered", map[string]interface{}{"agent_id": rec.AgentID, "capabilities": rec.CapabilityNames()})
	return nil
}

// Heartbeat refreshes last_heartbeat and, if provided, current_load and
// status, for an already-registered agent.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, load *int, status *Status) error {
	rec, err := r.get(ctx, agentID)
	if err != nil {
		return err
	}
	rec.LastHeartbeat = r.clock.Now()
	if load != nil {
		rec.CurrentLoad = *load
	}
	if status != nil {
		rec.Status = *status
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: marshal agent record: %w", err)
	}
	return r.store.Set(ctx, agentKey(agentID), string(blob), 0)
}

// AdjustLoad applies delta to an agent's current_load, clamping at zero so
// a late release can never drive it negative. Used by the orchestrator to
// bump current_load before dispatching to an agent and release it
// afterward (spec.md §3 invariant `current_load ≤ max_concurrent`, §5
// "free associated registry load counters" on cancellation). Read-modify-
// write like Heartbeat — best-effort under concurrent callers, reconciled
// by the next heartbeat.
func (r *Registry) AdjustLoad(ctx context.Context, agentID string, delta int) error {
	rec, err := r.get(ctx, agentID)
	if err != nil {
		return err
	}
	rec.CurrentLoad += delta
	if rec.CurrentLoad < 0 {
		rec.CurrentLoad = 0
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: marshal agent record: %w", err)
	}
	return r.store.Set(ctx, agentKey(agentID), string(blob), 0)
}

// Deregister removes an agent and all its index entries, announcing an
// "unregistration" event.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	rec, err := r.get(ctx, agentID)
	if err != nil {
		return err
	}
	if err := r.store.Del(ctx, agentKey(agentID)); err != nil {
		return fmt.Errorf("registry: delete agent record: %w", err)
	}
	r.store.SetRemove(ctx, keyAllAgents, agentID)
	for _, cap := range rec.Capabilities {
		r.store.SetRemove(ctx, capabilityKey(cap.Name), agentID)
	}
	for _, tag := range rec.Tags {
		r.store.SetRemove(ctx, tagKey(tag), agentID)
	}
	r.publishEvent(ctx, "unregistration", agentID)
	telemetry.Counter("registry.deregistrations")
	r.logger.Info("agent deregistered", map[string]interface{}{"agent_id": agentID})
	return nil
}

// ErrNotFound is returned when an agent ID has no live record — either it
// was never registered or it has been lazily evicted for staleness.
var ErrNotFound = fmt.Errorf("registry: agent not found")

// Get returns a snapshot of the agent record, evicting it first if its
// heartbeat has gone stale beyond the registry's TTL.
func (r *Registry) Get(ctx context.Context, agentID string) (*AgentRecord, error) {
	return r.get(ctx, agentID)
}

func (r *Registry) get(ctx context.Context, agentID string) (*AgentRecord, error) {
	raw, found, err := r.store.Get(ctx, agentKey(agentID))
	if err != nil {
		return nil, fmt.Errorf("registry: read agent record: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	var rec AgentRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("registry: unmarshal agent record: %w", err)
	}
	if r.clock.Now().Sub(rec.LastHeartbeat) > r.ttl {
		r.logger.Warn("evicting stale agent", map[string]interface{}{"agent_id": agentID})
		r.evict(ctx, &rec)
		telemetry.Counter("registry.evictions")
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

func (r *Registry) evict(ctx context.Context, rec *AgentRecord) {
	r.store.Del(ctx, agentKey(rec.AgentID))
	r.store.SetRemove(ctx, keyAllAgents, rec.AgentID)
	for _, cap := range rec.Capabilities {
		r.store.SetRemove(ctx, capabilityKey(cap.Name), rec.AgentID)
	}
	for _, tag := range rec.Tags {
		r.store.SetRemove(ctx, tagKey(tag), rec.AgentID)
	}
	r.publishEvent(ctx, "unregistration", rec.AgentID)
}

// List returns all live agents matching filter (zero-value Filter matches
// everything), evicting any stale records encountered along the way.
func (r *Registry) List(ctx context.Context, filter Filter) ([]*AgentRecord, error) {
	var ids []string
	var err error
	switch {
	case filter.Capability != "":
		ids, err = r.store.SetMembers(ctx, capabilityKey(filter.Capability))
	case len(filter.Tags) > 0:
		ids, err = r.store.SetMembers(ctx, tagKey(filter.Tags[0]))
	default:
		ids, err = r.store.SetMembers(ctx, keyAllAgents)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: list agent ids: %w", err)
	}

	out := make([]*AgentRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.get(ctx, id)
		if err != nil {
			continue // stale or racing deregistration; skip rather than fail the whole listing
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if !hasAllTags(rec, filter.Tags) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func hasAllTags(rec *AgentRecord, tags []string) bool {
	for _, t := range tags {
		if !rec.HasTag(t) {
			return false
		}
	}
	return true
}

// scoreWeights implement the deterministic FindBest formula of spec.md
// §4.4: score = 0.4*(1/complexity) + 0.3*(1-load/max) + 0.2*(priority/10) + 0.1*(1/(load+1)).
const (
	weightComplexity = 0.4
	weightLoad       = 0.3
	weightPriority   = 0.2
	weightQueueDepth = 0.1
)

// FindBest selects the under-capacity agent advertising capability with
// the highest score among healthy agents, falling back to degraded agents
// only if no healthy candidate exists (spec.md §4.4), and breaking ties on
// the lexicographically smallest AgentID for determinism.
func (r *Registry) FindBest(ctx context.Context, capability string) (*AgentRecord, error) {
	candidates, err := r.List(ctx, Filter{Capability: capability, Status: StatusHealthy})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		candidates, err = r.List(ctx, Filter{Capability: capability, Status: StatusDegraded})
		if err != nil {
			return nil, err
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}

	var best *AgentRecord
	bestScore := math.Inf(-1)
	for _, rec := range candidates {
		if rec.MaxConcurrent > 0 && rec.CurrentLoad >= rec.MaxConcurrent {
			continue
		}
		cap, ok := rec.HasCapability(capability)
		if !ok {
			continue
		}
		score := scoreAgent(rec, cap)
		if score > bestScore || (score == bestScore && (best == nil || rec.AgentID < best.AgentID)) {
			bestScore = score
			best = rec
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func scoreAgent(rec *AgentRecord, cap Capability) float64 {
	complexity := cap.ComplexityScore
	if complexity <= 0 {
		complexity = 1
	}
	maxConcurrent := float64(rec.MaxConcurrent)
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	loadRatio := float64(rec.CurrentLoad) / maxConcurrent
	if loadRatio > 1 {
		loadRatio = 1
	}

	return weightComplexity*(1/complexity) +
		weightLoad*(1-loadRatio) +
		weightPriority*(float64(rec.Priority)/10) +
		weightQueueDepth*(1/(float64(rec.CurrentLoad)+1))
}

func (r *Registry) publishEvent(ctx context.Context, eventType, agentID string) {
	evt := Event{Type: eventType, AgentID: agentID, Timestamp: r.clock.Now()}
	blob, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := r.store.Publish(ctx, EventsChannel, string(blob)); err != nil {
		r.logger.Warn("failed to publish agent event", map[string]interface{}{"error": err.Error()})
	}
}

// StartHeartbeatMonitor runs until ctx is cancelled, periodically scanning
// all registered agents and evicting any whose heartbeat has gone stale.
// Grounded on the teacher's RedisRegistry.StartHeartbeat self-healing loop,
// generalized to sweep the whole registry rather than a single self-agent.
func (r *Registry) StartHeartbeatMonitor(ctx context.Context, interval time.Duration) {
	r.mu.Lock()
	if r.stopHeartbeat != nil {
		r.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	r.stopHeartbeat = stop
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if _, err := r.List(ctx, Filter{}); err != nil {
					r.logger.Warn("heartbeat sweep failed", map[string]interface{}{"error": err.Error()})
				}
			}
		}
	}()
}

// StopHeartbeatMonitor stops a previously started monitor, if any.
func (r *Registry) StopHeartbeatMonitor() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopHeartbeat != nil {
		close(r.stopHeartbeat)
		r.stopHeartbeat = nil
	}
}
