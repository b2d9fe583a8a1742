package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"salesmesh/internal/bus"
	"salesmesh/internal/observability"
)

// historyAppender is the capped-list side of conversation history,
// satisfied by redisgw.Client; nil disables history recording (the
// in-memory deployment keeps no cross-process history).
type historyAppender interface {
	PushCapped(ctx context.Context, key, value string, capSize int, ttl time.Duration) error
}

// RequestTopic is the per-agent request stream name an agent runtime
// subscribes to via the event bus to receive SendRequest calls.
func RequestTopic(agentID string) string { return "agent:" + agentID + ":request" }

func directedChannel(prefix, agentID string) string { return prefix + ":" + agentID }
func broadcastChannel(prefix string) string         { return prefix + ":broadcast" }

// Client sends and receives BusMessages: directed/broadcast delivery rides
// PubSub (low latency, no persistence), while SendRequest rides the
// durable event bus keyed by message_id so a reply always finds its
// caller even across a brief handler stall.
type Client struct {
	ps     PubSub
	bus    bus.Bus
	prefix string
	log    observability.Logger
	metrics observability.Metrics

	hist       historyAppender
	historyCap int
	historyTTL time.Duration
}

type ClientOption func(*Client)

func WithClientLogger(l observability.Logger) ClientOption   { return func(c *Client) { c.log = l } }
func WithClientMetrics(m observability.Metrics) ClientOption { return func(c *Client) { c.metrics = m } }

// WithHistory enables appending every sent message to
// history:{conversation_id}, capped and TTL'd, mirroring the event bus's
// own history requirement but scoped to conversation_id, which only this
// layer (not the generic bus) understands.
func WithHistory(h historyAppender, capSize int, ttl time.Duration) ClientOption {
	return func(c *Client) { c.hist = h; c.historyCap = capSize; c.historyTTL = ttl }
}

// NewClient builds a Client. prefix is the topic namespace (default "a2a").
func NewClient(ps PubSub, b bus.Bus, prefix string, opts ...ClientOption) *Client {
	if prefix == "" {
		prefix = "a2a"
	}
	c := &Client{
		ps:         ps,
		bus:        b,
		prefix:     prefix,
		log:        observability.NoopLogger{},
		metrics:    observability.NoopMetrics{},
		historyCap: 200,
		historyTTL: time.Hour,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send publishes msg to its directed or broadcast channel. MessageID and
// Timestamp are filled in if absent.
func (c *Client) Send(ctx context.Context, msg BusMessage) error {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("a2a: marshal message: %w", err)
	}
	channel := broadcastChannel(c.prefix)
	if !msg.isBroadcast() {
		channel = directedChannel(c.prefix, msg.ToAgent)
	}
	if err := c.ps.Publish(ctx, channel, string(raw)); err != nil {
		return fmt.Errorf("a2a: publish to %s: %w", channel, err)
	}
	c.metrics.IncCounter("a2a_sent_total", map[string]string{"type": string(msg.MessageType)})
	c.appendHistory(ctx, msg, raw)
	return nil
}

func (c *Client) appendHistory(ctx context.Context, msg BusMessage, raw []byte) {
	if c.hist == nil || msg.ConversationID == "" {
		return
	}
	key := c.prefix + ":history:" + msg.ConversationID
	if err := c.hist.PushCapped(ctx, key, string(raw), c.historyCap, c.historyTTL); err != nil {
		c.log.Error("a2a: append history failed", map[string]any{"conversation_id": msg.ConversationID, "err": err.Error()})
	}
}

// Listen subscribes agentID's directed channel and the shared broadcast
// channel, drops self-originated messages, acks RequiresAck messages, and
// invokes onMessage for everything else. Blocks until ctx is canceled or
// the underlying subscription closes.
func (c *Client) Listen(ctx context.Context, agentID string, onMessage func(context.Context, BusMessage)) error {
	payloads, closer := c.ps.Subscribe(ctx, directedChannel(c.prefix, agentID), broadcastChannel(c.prefix))
	defer closer()
	for {
		select {
		case raw, ok := <-payloads:
			if !ok {
				return nil
			}
			var msg BusMessage
			if err := json.Unmarshal([]byte(raw), &msg); err != nil {
				c.log.Error("a2a: decode message failed", map[string]any{"err": err.Error()})
				continue
			}
			if msg.FromAgent == agentID {
				continue
			}
			if msg.RequiresAck {
				if err := c.sendAck(ctx, agentID, msg); err != nil {
					c.log.Error("a2a: send ack failed", map[string]any{"err": err.Error()})
				}
			}
			onMessage(ctx, msg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) sendAck(ctx context.Context, agentID string, msg BusMessage) error {
	ack := BusMessage{
		MessageType:    TypeAck,
		FromAgent:      agentID,
		ToAgent:        msg.FromAgent,
		ConversationID: msg.ConversationID,
		ReplyTo:        msg.MessageID,
	}
	return c.Send(ctx, ack)
}

// BroadcastEvent publishes a fire-and-forget event with no reply path.
func (c *Client) BroadcastEvent(ctx context.Context, from, conversationID, eventType string, payload map[string]interface{}) error {
	body := map[string]interface{}{"event": eventType}
	for k, v := range payload {
		body[k] = v
	}
	return c.Send(ctx, BusMessage{
		MessageType:    TypeEvent,
		FromAgent:      from,
		ConversationID: conversationID,
		Payload:        body,
	})
}

// SendRequest wraps {action, parameters} as a request's payload, marks it
// RequiresAck, and waits on the durable bus for a {success, result|error}
// response keyed by this request's message_id.
func (c *Client) SendRequest(ctx context.Context, from, to, action string, params map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	msg := BusMessage{
		MessageID:   uuid.NewString(),
		MessageType: TypeRequest,
		FromAgent:   from,
		ToAgent:     to,
		Timestamp:   time.Now().UTC(),
		Payload:     map[string]interface{}{"action": action, "parameters": params},
		RequiresAck: true,
		Priority:    PriorityNormal,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("a2a: marshal request: %w", err)
	}
	resp, err := c.bus.Request(ctx, RequestTopic(to), string(raw), timeout)
	if err != nil {
		return nil, fmt.Errorf("a2a: request %s to %s: %w", action, to, err)
	}
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(resp), &result); err != nil {
		return nil, fmt.Errorf("a2a: decode response from %s: %w", to, err)
	}
	if ok, _ := result["success"].(bool); !ok {
		errMsg, _ := result["error"].(string)
		return nil, fmt.Errorf("a2a: request %s to %s failed: %s", action, to, errMsg)
	}
	inner, _ := result["result"].(map[string]interface{})
	return inner, nil
}

// RespondRequest wraps the handler's outcome and delivers it to whoever is
// blocked in SendRequest for the original message's id.
func (c *Client) RespondRequest(ctx context.Context, requestMessageID string, result map[string]interface{}, handlerErr error) error {
	payload := map[string]interface{}{"success": handlerErr == nil}
	if handlerErr != nil {
		payload["error"] = handlerErr.Error()
	} else {
		payload["result"] = result
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("a2a: marshal response: %w", err)
	}
	return c.bus.Respond(ctx, requestMessageID, string(raw))
}
