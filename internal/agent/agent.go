// Package agent implements the agent runtime (C4): the capability
// dispatch contract every agent satisfies, a Base with sane defaults for
// capabilities an agent doesn't implement, and a Runtime that wires an
// Agent to the a2a transport (registration, listen loop, graceful
// shutdown).
package agent

import (
	"context"
	"fmt"
	"sync"

	"salesmesh/internal/a2a"
	"salesmesh/internal/apperrors"
	"salesmesh/internal/observability"
)

// Agent is the capability contract every participant in the mesh
// implements. Request/query calls are synchronous and return a result or
// an error; event/command are fire-and-forget notifications.
type Agent interface {
	ID() string
	Type() string
	Capabilities() []string
	HandleRequest(ctx context.Context, action string, params map[string]interface{}) (map[string]interface{}, error)
	HandleQuery(ctx context.Context, action string, params map[string]interface{}) (map[string]interface{}, error)
	HandleEvent(ctx context.Context, msg a2a.BusMessage)
	HandleCommand(ctx context.Context, msg a2a.BusMessage)
}

// Base is embedded by concrete agents to get sane defaults and
// current-conversation-id bookkeeping for free; override the Handle*
// methods a concrete agent actually implements.
type Base struct {
	AgentID   string
	AgentType string
	Caps      []string
	Log       observability.Logger

	mu             sync.RWMutex
	conversationID string
}

func (b *Base) ID() string            { return b.AgentID }
func (b *Base) Type() string          { return b.AgentType }
func (b *Base) Capabilities() []string { return b.Caps }

// CurrentConversationID returns the conversation this agent treats as the
// default when a caller doesn't specify one explicitly.
func (b *Base) CurrentConversationID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conversationID
}

func (b *Base) SetCurrentConversationID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversationID = id
}

func (b *Base) logger() observability.Logger {
	if b.Log != nil {
		return b.Log
	}
	return observability.NoopLogger{}
}

// HandleRequest's default fails every action; override to implement any.
func (b *Base) HandleRequest(_ context.Context, action string, _ map[string]interface{}) (map[string]interface{}, error) {
	return nil, apperrors.New(apperrors.NotFound, fmt.Sprintf("agent %s: request capability not implemented: %s", b.AgentID, action))
}

// HandleQuery's default fails every action; override to implement any.
func (b *Base) HandleQuery(_ context.Context, action string, _ map[string]interface{}) (map[string]interface{}, error) {
	return nil, apperrors.New(apperrors.NotFound, fmt.Sprintf("agent %s: query capability not implemented: %s", b.AgentID, action))
}

// HandleEvent's default logs and ignores.
func (b *Base) HandleEvent(_ context.Context, msg a2a.BusMessage) {
	b.logger().Debug("agent: event ignored", map[string]any{"agent_id": b.AgentID, "from": msg.FromAgent})
}

// HandleCommand's default logs and ignores.
func (b *Base) HandleCommand(_ context.Context, msg a2a.BusMessage) {
	b.logger().Debug("agent: command ignored", map[string]any{"agent_id": b.AgentID, "from": msg.FromAgent})
}
