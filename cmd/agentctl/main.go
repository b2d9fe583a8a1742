// Command agentctl is a demo agent CLI: it runs a single agent on the
// mesh, either as "coach" (serves get_suggestion requests) or "sdr" (sends
// one get_suggestion request to "coach" and prints the result), to
// exercise internal/a2a and internal/agent end to end without a real
// sales/coach LLM integration.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"salesmesh/internal/a2a"
	"salesmesh/internal/agent"
	"salesmesh/internal/bus"
	"salesmesh/internal/config"
	"salesmesh/internal/observability"
	"salesmesh/internal/redisgw"
)

func main() {
	role := flag.String("role", "coach", "agent role to run: coach|sdr")
	customerMessage := flag.String("message", "I'm not sure this is worth the price.", "sdr role only: customer message to ask the coach about")
	stage := flag.String("stage", "discovery", "sdr role only: deal stage to ask the coach about")
	flag.Parse()

	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}
	observability.InitLogger("agentctl.log", "info")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rc *redisgw.Client
	if cfg.Redis.UseRedisBus {
		rc, err = redisgw.New(ctx, cfg.Redis.URL)
		if err != nil {
			log.Warn().Err(err).Msg("redis connection failed, running with an in-memory mesh (only useful against another in-process agent)")
			rc = nil
		}
	}

	var (
		ps       a2a.PubSub
		eventBus bus.Bus
		registry a2a.Registry
	)
	if rc != nil {
		ps = a2a.NewRedisPubSub(rc)
		eventBus = bus.NewRedisBus(rc, bus.WithLogger(observability.ZerologLogger{}))
		registry = a2a.NewRedisRegistry(rc, "a2a")
	} else {
		ps = a2a.NewMemoryPubSub()
		eventBus = bus.NewMemoryBus()
		registry = a2a.NewMemoryRegistry()
	}
	client := a2a.NewClient(ps, eventBus, "a2a", a2a.WithClientLogger(observability.ZerologLogger{}))

	switch *role {
	case "coach":
		runCoach(ctx, client, eventBus, registry)
	case "sdr":
		runSDR(ctx, client, eventBus, registry, *customerMessage, *stage)
	default:
		fmt.Fprintf(os.Stderr, "unknown role %q: want coach|sdr\n", *role)
		os.Exit(2)
	}
}

func runCoach(ctx context.Context, client *a2a.Client, b bus.Bus, registry a2a.Registry) {
	a := &coachAgent{Base: agent.Base{
		AgentID:   "coach",
		AgentType: "coach",
		Caps:      []string{"get_suggestion"},
		Log:       observability.ZerologLogger{},
	}}
	runtime := agent.NewRuntime(a, client, b, registry, agent.WithRuntimeLogger(observability.ZerologLogger{}))
	log.Info().Msg("coach agent online, waiting for requests")
	if err := runtime.Start(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("coach agent runtime failed")
	}
}

func runSDR(ctx context.Context, client *a2a.Client, b bus.Bus, registry a2a.Registry, customerMessage, stage string) {
	a := &sdrAgent{Base: agent.Base{
		AgentID:   "sdr",
		AgentType: "sdr",
		Caps:      []string{},
		Log:       observability.ZerologLogger{},
	}}
	rec := a2a.AgentRecord{AgentID: a.ID(), AgentType: a.Type(), Capabilities: a.Capabilities(), Status: a2a.StatusOnline}
	if err := registry.Register(ctx, rec); err != nil {
		log.Fatal().Err(err).Msg("sdr registration failed")
	}
	defer func() { _ = registry.Unregister(context.Background(), a.ID()) }()

	result, err := client.SendRequest(ctx, a.ID(), "coach", "get_suggestion", map[string]interface{}{
		"customer_message": customerMessage,
		"stage":            stage,
	}, 5*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("get_suggestion request failed")
	}
	fmt.Printf("recommended_approach: %v\n", result["recommended_approach"])
	fmt.Printf("key_points: %v\n", result["key_points"])
	fmt.Printf("confidence: %v\n", result["confidence"])
}

// coachAgent answers get_suggestion requests with a deterministic,
// stage-keyed recommendation. Real strategy ranking is an external
// collaborator's concern (spec non-goal); this only has to satisfy the
// request/response contract so sdr agents have something to talk to.
type coachAgent struct {
	agent.Base
}

func (c *coachAgent) HandleRequest(_ context.Context, action string, params map[string]interface{}) (map[string]interface{}, error) {
	if action != "get_suggestion" {
		return c.Base.HandleRequest(context.Background(), action, params)
	}
	stage, _ := params["stage"].(string)
	approach, points := suggestionFor(stage)
	return map[string]interface{}{
		"recommended_approach": approach,
		"key_points":           points,
		"confidence":           0.6,
	}, nil
}

func suggestionFor(stage string) (string, []string) {
	switch stage {
	case "discovery":
		return "Ask an open question about the underlying cost concern before defending price.",
			[]string{"surface the real objection", "avoid discounting reflexively"}
	case "negotiation":
		return "Anchor on total value delivered rather than matching a discount ask.",
			[]string{"restate quantified value", "trade concessions, don't give them away"}
	default:
		return "Acknowledge the concern and ask a clarifying follow-up before responding.",
			[]string{"listen before pitching"}
	}
}

// sdrAgent only sends requests in this demo; it implements no inbound
// capabilities beyond agent.Base's defaults.
type sdrAgent struct {
	agent.Base
}
