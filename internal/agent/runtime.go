package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"salesmesh/internal/a2a"
	"salesmesh/internal/bus"
	"salesmesh/internal/observability"
)

// Runtime wires an Agent to the mesh: it registers on Start, runs the
// directed/broadcast listen loop and the request/query bus subscription
// concurrently, and on context cancellation publishes agent_offline and
// deletes the registry entry before returning.
type Runtime struct {
	agent    Agent
	client   *a2a.Client
	bus      bus.Bus
	registry a2a.Registry
	log      observability.Logger
	metrics  observability.Metrics
	workers  int
}

type RuntimeOption func(*Runtime)

func WithRuntimeLogger(l observability.Logger) RuntimeOption   { return func(r *Runtime) { r.log = l } }
func WithRuntimeMetrics(m observability.Metrics) RuntimeOption { return func(r *Runtime) { r.metrics = m } }
func WithRuntimeWorkers(n int) RuntimeOption                   { return func(r *Runtime) { r.workers = n } }

func NewRuntime(a Agent, client *a2a.Client, b bus.Bus, registry a2a.Registry, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		agent:    a,
		client:   client,
		bus:      b,
		registry: registry,
		log:      observability.NoopLogger{},
		metrics:  observability.NoopMetrics{},
		workers:  2,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start registers the agent, runs until ctx is canceled, then unregisters
// and announces agent_offline. It blocks for the runtime's lifetime.
func (r *Runtime) Start(ctx context.Context) error {
	rec := a2a.AgentRecord{
		AgentID:      r.agent.ID(),
		AgentType:    r.agent.Type(),
		Capabilities: r.agent.Capabilities(),
		Status:       a2a.StatusOnline,
	}
	if err := r.registry.Register(ctx, rec); err != nil {
		return err
	}
	r.announce(ctx, "agent_online")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := r.client.Listen(ctx, r.agent.ID(), r.dispatchPubSub); err != nil && ctx.Err() == nil {
			r.log.Error("agent: listen loop failed", map[string]any{"agent_id": r.agent.ID(), "err": err.Error()})
		}
	}()
	go func() {
		defer wg.Done()
		group := "agent-" + r.agent.ID()
		if err := r.bus.Subscribe(ctx, a2a.RequestTopic(r.agent.ID()), group, r.workers, r.dispatchBusRequest); err != nil && ctx.Err() == nil {
			r.log.Error("agent: request subscription failed", map[string]any{"agent_id": r.agent.ID(), "err": err.Error()})
		}
	}()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.announce(shutdownCtx, "agent_offline")
	if err := r.registry.Unregister(shutdownCtx, r.agent.ID()); err != nil {
		r.log.Error("agent: unregister failed", map[string]any{"agent_id": r.agent.ID(), "err": err.Error()})
	}
	return ctx.Err()
}

func (r *Runtime) announce(ctx context.Context, event string) {
	if err := r.client.BroadcastEvent(ctx, r.agent.ID(), "", event, map[string]interface{}{"agent_id": r.agent.ID(), "agent_type": r.agent.Type()}); err != nil {
		r.log.Error("agent: broadcast failed", map[string]any{"agent_id": r.agent.ID(), "event": event, "err": err.Error()})
	}
}

// dispatchPubSub handles directed/broadcast deliveries: events, commands,
// and acks. Requests and queries ride the durable bus instead and never
// reach here in normal operation; if one does (e.g. a misrouted replay)
// it's ignored since there is no reply path over PubSub.
func (r *Runtime) dispatchPubSub(ctx context.Context, msg a2a.BusMessage) {
	switch msg.MessageType {
	case a2a.TypeEvent:
		r.agent.HandleEvent(ctx, msg)
	case a2a.TypeCommand:
		r.agent.HandleCommand(ctx, msg)
	case a2a.TypeAck:
		r.metrics.IncCounter("a2a_ack_received_total", map[string]string{"agent_id": r.agent.ID()})
	}
}

// dispatchBusRequest decodes a request/query envelope delivered via the
// agent's request topic, dispatches it, and always replies (even on
// handler error) before acking the stream entry.
func (r *Runtime) dispatchBusRequest(ctx context.Context, msg bus.Message) error {
	var envelope a2a.BusMessage
	if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
		r.log.Error("agent: decode request failed", map[string]any{"agent_id": r.agent.ID(), "err": err.Error()})
		return nil
	}
	action, _ := envelope.Payload["action"].(string)
	params, _ := envelope.Payload["parameters"].(map[string]interface{})

	var (
		result map[string]interface{}
		err    error
	)
	if envelope.MessageType == a2a.TypeQuery {
		result, err = r.agent.HandleQuery(ctx, action, params)
	} else {
		result, err = r.agent.HandleRequest(ctx, action, params)
	}
	// Reply on the bus message's own id (msg.ID), not the envelope's
	// application-level MessageID: bus.Request blocks on the id Publish
	// generated, which is msg.ID here, not envelope.MessageID.
	if respErr := r.client.RespondRequest(ctx, msg.ID, result, err); respErr != nil {
		r.log.Error("agent: respond failed", map[string]any{"agent_id": r.agent.ID(), "err": respErr.Error()})
	}
	return nil
}
