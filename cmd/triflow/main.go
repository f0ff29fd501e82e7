// Command triflow is the operator CLI for the orchestration core. It talks
// directly to the persistence backend, so it works against a live deployment
// without going through the engine API.
//
// Usage:
//
//	triflow replay --instance <id> [--tenant <id>]
//	triflow tune --template <id> [--tenant <id>] [--min-rating N] [--days N]
//	triflow judge --ruleset <id> [--tenant <id>] [--policy P] [--input JSON]
//
// Exit codes: 0 on success, 1 on invalid arguments, 2 on runtime failure.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/mugoori/triflow/features/model/anthropic"
	"github.com/mugoori/triflow/features/model/middleware"
	"github.com/mugoori/triflow/features/model/openai"
	triflowmongo "github.com/mugoori/triflow/features/store/mongo"
	"github.com/mugoori/triflow/runtime/judgment"
	"github.com/mugoori/triflow/runtime/learning"
	"github.com/mugoori/triflow/runtime/rules"
	"github.com/mugoori/triflow/runtime/telemetry"
)

const (
	exitOK      = 0
	exitUsage   = 1
	exitFailure = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatText))
	if len(args) < 1 {
		usage()
		return exitUsage
	}
	switch args[0] {
	case "replay":
		return runReplay(ctx, args[1:])
	case "tune":
		return runTune(ctx, args[1:])
	case "judge":
		return runJudge(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "triflow: unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  triflow replay --instance <id> [--tenant <id>]
  triflow tune --template <id> [--tenant <id>] [--min-rating N] [--days N]
  triflow judge --ruleset <id> [--tenant <id>] [--policy P] [--input JSON]

The Mongo connection comes from TRIFLOW_MONGO_URI (default
mongodb://localhost:27017) and TRIFLOW_MONGO_DB (default triflow). The judge
command reads the LLM credentials from TRIFLOW_ANTHROPIC_API_KEY or
TRIFLOW_OPENAI_API_KEY; with neither set only rule-side policies work.`)
}

func runReplay(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	instance := fs.String("instance", "", "instance id to replay")
	tenant := fs.String("tenant", "default", "tenant id")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *instance == "" {
		fmt.Fprintln(os.Stderr, "triflow replay: --instance is required")
		return exitUsage
	}

	stores, cleanup, err := connect(ctx)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "connect"})
		return exitFailure
	}
	defer cleanup()

	if _, err := stores.Workflows.GetInstance(ctx, *tenant, *instance); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "get instance"}, log.KV{K: "instance_id", V: *instance})
		return exitFailure
	}
	events, err := stores.Workflows.ListEvents(ctx, *instance)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "list events"}, log.KV{K: "instance_id", V: *instance})
		return exitFailure
	}

	enc := json.NewEncoder(os.Stdout)
	for _, ev := range events {
		ev.Replay = true
		if err := enc.Encode(ev); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "encode event"})
			return exitFailure
		}
	}
	log.Info(ctx, log.KV{K: "msg", V: "replay finished"},
		log.KV{K: "instance_id", V: *instance}, log.KV{K: "events", V: len(events)})
	return exitOK
}

func runTune(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("tune", flag.ContinueOnError)
	template := fs.String("template", "", "prompt template id to tune")
	tenant := fs.String("tenant", "default", "tenant id")
	minRating := fs.Int("min-rating", 0, "lowest feedback rating promoted (default 4)")
	days := fs.Int("days", 0, "feedback age window in days (default 30)")
	maxExemplars := fs.Int("max-exemplars", 0, "exemplars added per pass (default 5)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *template == "" {
		fmt.Fprintln(os.Stderr, "triflow tune: --template is required")
		return exitUsage
	}

	stores, cleanup, err := connect(ctx)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "connect"})
		return exitFailure
	}
	defer cleanup()

	tuner, err := learning.New(learning.Options{
		Templates: stores.Learning,
		Feedback:  stores.Learning,
		Logger:    telemetry.NewClueLogger(),
	})
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "build tuner"})
		return exitFailure
	}

	result, err := tuner.Tune(ctx, *tenant, *template, learning.TuneParams{
		MinRating:    *minRating,
		WindowDays:   *days,
		MaxExemplars: *maxExemplars,
	})
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "tune"}, log.KV{K: "template_id", V: *template})
		return exitFailure
	}
	if err := json.NewEncoder(os.Stdout).Encode(result); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "encode result"})
		return exitFailure
	}
	return exitOK
}

func runJudge(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("judge", flag.ContinueOnError)
	ruleset := fs.String("ruleset", "", "ruleset id to judge against")
	tenant := fs.String("tenant", "default", "tenant id")
	policy := fs.String("policy", "", "fusion policy (default escalate)")
	input := fs.String("input", "", "judgment input as a JSON object (default: read stdin)")
	tpm := fs.Float64("tpm", 60000, "model tokens-per-minute budget")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *ruleset == "" {
		fmt.Fprintln(os.Stderr, "triflow judge: --ruleset is required")
		return exitUsage
	}

	raw := []byte(*input)
	if *input == "" {
		var err error
		if raw, err = io.ReadAll(os.Stdin); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "read stdin"})
			return exitFailure
		}
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		fmt.Fprintf(os.Stderr, "triflow judge: input is not a JSON object: %s\n", err)
		return exitUsage
	}

	stores, cleanup, err := connect(ctx)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "connect"})
		return exitFailure
	}
	defer cleanup()

	hub, err := rules.NewHub(rules.Options{
		Store:  stores.Rules,
		Logger: telemetry.NewClueLogger(),
	})
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "build ruleset hub"})
		return exitFailure
	}
	model, err := modelFromEnv(ctx, *tpm)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "build model client"})
		return exitFailure
	}
	core, err := judgment.New(judgment.Options{
		Rules:  hub,
		Model:  model,
		Store:  stores.Judgments,
		Logger: telemetry.NewClueLogger(),
	})
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "build judgment core"})
		return exitFailure
	}

	ex, err := core.Execute(ctx, judgment.Request{
		TenantID:  *tenant,
		RulesetID: *ruleset,
		Policy:    judgment.Policy(*policy),
		Input:     payload,
	})
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "judge"}, log.KV{K: "ruleset_id", V: *ruleset})
		return exitFailure
	}
	if err := json.NewEncoder(os.Stdout).Encode(ex); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "encode execution"})
		return exitFailure
	}
	return exitOK
}

// modelFromEnv builds the LLM client for the judge command and wraps it with
// the adaptive rate limiter. Returns nil when no provider credentials are
// set, which still serves rule-side policies.
func modelFromEnv(ctx context.Context, tpm float64) (judgment.ModelClient, error) {
	var client judgment.ModelClient
	switch {
	case os.Getenv("TRIFLOW_ANTHROPIC_API_KEY") != "":
		model := os.Getenv("TRIFLOW_ANTHROPIC_MODEL")
		if model == "" {
			model = "claude-sonnet-4-20250514"
		}
		c, err := anthropic.NewFromAPIKey(os.Getenv("TRIFLOW_ANTHROPIC_API_KEY"), model)
		if err != nil {
			return nil, err
		}
		client = c
	case os.Getenv("TRIFLOW_OPENAI_API_KEY") != "":
		model := os.Getenv("TRIFLOW_OPENAI_MODEL")
		if model == "" {
			model = "gpt-4o"
		}
		c, err := openai.NewFromAPIKey(os.Getenv("TRIFLOW_OPENAI_API_KEY"), model)
		if err != nil {
			return nil, err
		}
		client = c
	default:
		return nil, nil
	}
	limiter := middleware.NewAdaptiveRateLimiter(ctx, nil, "", tpm, 0)
	return limiter.Middleware()(client), nil
}

// connect opens the Mongo-backed stores from environment configuration.
func connect(ctx context.Context) (*triflowmongo.Stores, func(), error) {
	uri := os.Getenv("TRIFLOW_MONGO_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	dbName := os.Getenv("TRIFLOW_MONGO_DB")

	client, err := mongo.Connect(mongoopts.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if derr := client.Disconnect(context.Background()); derr != nil {
			log.Error(ctx, derr, log.KV{K: "msg", V: "disconnect"})
		}
	}
	stores, err := triflowmongo.New(triflowmongo.Options{
		Client:   client,
		Database: dbName,
		Logger:   telemetry.NewClueLogger(),
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return stores, cleanup, nil
}
