// Package a2a implements agent-to-agent routing on top of internal/bus:
// a Redis Hash registry of live agents, directed/broadcast Pub/Sub delivery,
// and a request/response pattern built on the bus's correlation-id future.
package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Status is an AgentRecord's liveness state. An agent is discoverable iff
// its record exists with Status != Offline.
type Status string

const (
	StatusOnline   Status = "online"
	StatusOffline  Status = "offline"
	StatusDegraded Status = "degraded"
	StatusBusy     Status = "busy"
)

// AgentRecord is the registry's unit of bookkeeping, owned by the registry:
// created on registration, updated on heartbeat, deleted on unregister.
// Discovery only reads records.
type AgentRecord struct {
	AgentID      string            `json:"agent_id"`
	AgentType    string            `json:"agent_type"`
	Capabilities []string          `json:"capabilities"`
	Status       Status            `json:"status"`
	Metadata     map[string]string `json:"metadata"`
	LastSeen     time.Time         `json:"last_seen"`
	Version      string            `json:"version"`
}

func (r AgentRecord) hasCapability(cap string) bool {
	if cap == "" {
		return true
	}
	for _, c := range r.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Registry tracks live agents. Implementations must satisfy the data
// model's invariant: an agent appears in discovery iff its record exists
// with status != offline.
type Registry interface {
	Register(ctx context.Context, rec AgentRecord) error
	Unregister(ctx context.Context, agentID string) error
	Heartbeat(ctx context.Context, agentID string, status Status) error
	Get(ctx context.Context, agentID string) (AgentRecord, bool, error)
	// Discover lists online (non-offline) agents, optionally filtered by
	// capability and/or agent type. Filtering happens in-process after a
	// full registry scan.
	Discover(ctx context.Context, capability, agentType string) ([]AgentRecord, error)
}

// --- in-memory registry ---

// MemoryRegistry is a process-local Registry used in tests and when no
// Redis is configured.
type MemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]AgentRecord
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{agents: make(map[string]AgentRecord)}
}

func (r *MemoryRegistry) Register(_ context.Context, rec AgentRecord) error {
	if rec.AgentID == "" {
		return fmt.Errorf("a2a: agent_id is required")
	}
	rec.LastSeen = time.Now().UTC()
	if rec.Status == "" {
		rec.Status = StatusOnline
	}
	r.mu.Lock()
	r.agents[rec.AgentID] = rec
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Unregister(_ context.Context, agentID string) error {
	r.mu.Lock()
	delete(r.agents, agentID)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Heartbeat(_ context.Context, agentID string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("a2a: unknown agent %s", agentID)
	}
	rec.Status = status
	rec.LastSeen = time.Now().UTC()
	r.agents[agentID] = rec
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, agentID string) (AgentRecord, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[agentID]
	return rec, ok, nil
}

func (r *MemoryRegistry) Discover(_ context.Context, capability, agentType string) ([]AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		if rec.Status == StatusOffline {
			continue
		}
		if agentType != "" && rec.AgentType != agentType {
			continue
		}
		if !rec.hasCapability(capability) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// --- redis-hash-backed registry ---

// redisHash is the subset of redisgw.Client the registry needs, kept
// narrow so it can be faked in tests without a live Redis.
type redisHash interface {
	HSet(ctx context.Context, key string, values map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
}

// RedisRegistry stores AgentRecords as JSON values in the Redis Hash
// {prefix}:agents, keyed by agent_id.
type RedisRegistry struct {
	rc     redisHash
	prefix string
}

// NewRedisRegistry builds a RedisRegistry under the given topic prefix
// (e.g. "a2a"), so the hash key is "a2a:agents".
func NewRedisRegistry(rc redisHash, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = "a2a"
	}
	return &RedisRegistry{rc: rc, prefix: prefix}
}

func (r *RedisRegistry) hashKey() string { return r.prefix + ":agents" }

func (r *RedisRegistry) Register(ctx context.Context, rec AgentRecord) error {
	if rec.AgentID == "" {
		return fmt.Errorf("a2a: agent_id is required")
	}
	rec.LastSeen = time.Now().UTC()
	if rec.Status == "" {
		rec.Status = StatusOnline
	}
	return r.put(ctx, rec)
}

func (r *RedisRegistry) Unregister(ctx context.Context, agentID string) error {
	return r.rc.HDel(ctx, r.hashKey(), agentID)
}

func (r *RedisRegistry) Heartbeat(ctx context.Context, agentID string, status Status) error {
	rec, ok, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("a2a: unknown agent %s", agentID)
	}
	rec.Status = status
	rec.LastSeen = time.Now().UTC()
	return r.put(ctx, rec)
}

func (r *RedisRegistry) put(ctx context.Context, rec AgentRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("a2a: marshal agent record: %w", err)
	}
	return r.rc.HSet(ctx, r.hashKey(), map[string]string{rec.AgentID: string(b)})
}

func (r *RedisRegistry) Get(ctx context.Context, agentID string) (AgentRecord, bool, error) {
	all, err := r.rc.HGetAll(ctx, r.hashKey())
	if err != nil {
		return AgentRecord{}, false, err
	}
	raw, ok := all[agentID]
	if !ok {
		return AgentRecord{}, false, nil
	}
	var rec AgentRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return AgentRecord{}, false, fmt.Errorf("a2a: unmarshal agent record %s: %w", agentID, err)
	}
	return rec, true, nil
}

func (r *RedisRegistry) Discover(ctx context.Context, capability, agentType string) ([]AgentRecord, error) {
	all, err := r.rc.HGetAll(ctx, r.hashKey())
	if err != nil {
		return nil, fmt.Errorf("a2a: scan registry: %w", err)
	}
	out := make([]AgentRecord, 0, len(all))
	for agentID, raw := range all {
		var rec AgentRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if rec.AgentID == "" {
			rec.AgentID = agentID
		}
		if rec.Status == StatusOffline {
			continue
		}
		if agentType != "" && rec.AgentType != agentType {
			continue
		}
		if !rec.hasCapability(capability) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
