// Command noesisd runs the orchestration runtime daemon: it assembles the
// provider gateway from the configured credentials, connects the store,
// starts the scheduler, and serves until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/noesislabs/noesis/config"
	embedopenai "github.com/noesislabs/noesis/features/embed/openai"
	"github.com/noesislabs/noesis/features/model/anthropic"
	"github.com/noesislabs/noesis/features/model/bedrock"
	modelopenai "github.com/noesislabs/noesis/features/model/openai"
	streampulse "github.com/noesislabs/noesis/features/stream/pulse"
	clientspulse "github.com/noesislabs/noesis/features/stream/pulse/clients/pulse"
	"github.com/noesislabs/noesis/gateway"
	"github.com/noesislabs/noesis/memory"
	"github.com/noesislabs/noesis/orchestrator"
	"github.com/noesislabs/noesis/store"
	"github.com/noesislabs/noesis/telemetry"
)

const shutdownGrace = 15 * time.Second

func main() {
	var (
		dbgF = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	log.Print(ctx, log.KV{K: "environment", V: cfg.Environment},
		log.KV{K: "providers", V: cfg.ProviderOrder()})

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	st, err := store.Connect(ctx, cfg.DatabaseURL,
		store.WithLogger(logger),
		store.WithMetrics(metrics),
		store.WithProductionPolicy(cfg.Production()),
		store.WithRuntimeDDL(cfg.EnableRuntimeDDL),
	)
	if err != nil {
		return err
	}
	if latency, err := st.Ping(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	} else {
		log.Print(ctx, log.KV{K: "database_ping_ms", V: latency.Milliseconds()})
	}

	specs, err := providerChain(ctx, cfg)
	if err != nil {
		return err
	}
	limiter := gateway.NewAdaptiveRateLimiter(60000, 600000)
	gw, err := gateway.New(specs,
		[]gateway.Middleware{limiter.Middleware()},
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithTracer(tracer),
	)
	if err != nil {
		return fmt.Errorf("assemble provider gateway: %w", err)
	}

	var embedder memory.Embedder
	if cfg.Providers.OpenAIKey != "" {
		embedder, err = embedopenai.NewFromAPIKey(cfg.Providers.OpenAIKey,
			embedopenai.Options{Dimensions: cfg.EmbeddingDimension})
		if err != nil {
			return err
		}
	}

	orch, err := orchestrator.New(cfg, st, gw, embedder,
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithTracer(tracer),
	)
	if err != nil {
		return err
	}

	if cfg.RedisURL != "" {
		sink, err := eventSink(cfg.RedisURL, logger)
		if err != nil {
			return fmt.Errorf("event sink: %w", err)
		}
		if _, err := orch.Bus().Register(sink); err != nil {
			return err
		}
		log.Print(ctx, log.KV{K: "event_sink", V: streampulse.DefaultStream})
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(runCtx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "runtime started"})

	<-runCtx.Done()
	log.Print(ctx, log.KV{K: "msg", V: "shutting down"})

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	return orch.Shutdown(shutdownCtx)
}

// providerChain builds the gateway provider specs in configured priority
// order, skipping providers without credentials.
func providerChain(ctx context.Context, cfg config.Config) ([]gateway.ProviderSpec, error) {
	var specs []gateway.ProviderSpec
	for i, name := range cfg.ProviderOrder() {
		if !cfg.ProviderEnabled(name) {
			continue
		}
		var (
			driver gateway.Driver
			err    error
		)
		switch name {
		case "anthropic":
			driver, err = anthropic.NewFromAPIKey(cfg.Providers.AnthropicKey, "")
		case "openai":
			driver, err = modelopenai.NewFromAPIKey(cfg.Providers.OpenAIKey, "")
		case "google":
			driver, err = modelopenai.NewGemini(cfg.Providers.GoogleKey, "")
		case "groq":
			driver, err = modelopenai.NewGroq(cfg.Providers.GroqKey, "")
		case "bedrock":
			driver, err = bedrock.NewFromRegion(ctx, cfg.Providers.AWSRegion, cfg.Providers.BedrockModelID)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		specs = append(specs, gateway.ProviderSpec{Name: name, Rank: i + 1, Driver: driver})
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no providers configured; set at least one provider credential")
	}
	return specs, nil
}

func eventSink(redisURL string, logger telemetry.Logger) (*streampulse.Sink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client, err := clientspulse.New(clientspulse.Options{
		Redis:            redis.NewClient(opts),
		StreamMaxLen:     10000,
		OperationTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return streampulse.NewSink(streampulse.Options{Client: client, Logger: logger})
}
