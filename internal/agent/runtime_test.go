package agent

import (
	"context"
	"testing"
	"time"

	"salesmesh/internal/a2a"
	"salesmesh/internal/bus"
)

type echoAgent struct {
	Base
}

func (e *echoAgent) HandleRequest(_ context.Context, action string, params map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"action": action, "echoed": params["value"]}, nil
}

// TestRuntime_SendRequest_RoundTrips exercises SendRequest -> the bus ->
// Runtime.dispatchBusRequest -> RespondRequest -> the waiting SendRequest
// call, the same path cmd/agentctl's sdr/coach pair depends on.
func TestRuntime_SendRequest_RoundTrips(t *testing.T) {
	b := bus.NewMemoryBus()
	ps := a2a.NewMemoryPubSub()
	registry := a2a.NewMemoryRegistry()

	serverClient := a2a.NewClient(ps, b, "a2a")
	coach := &echoAgent{Base: Base{AgentID: "coach", AgentType: "coach", Caps: []string{"get_suggestion"}}}
	runtime := NewRuntime(coach, serverClient, b, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = runtime.Start(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	callerClient := a2a.NewClient(ps, b, "a2a")
	result, err := callerClient.SendRequest(context.Background(), "sdr", "coach", "get_suggestion", map[string]interface{}{"value": "hi"}, 2*time.Second)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if result["echoed"] != "hi" {
		t.Fatalf("expected echoed value %q, got %+v", "hi", result)
	}

	cancel()
	<-done
}
