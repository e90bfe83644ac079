package main

import (
	"context"
	"log"

	"github.com/mistralthing/server/internal/ai"
	"github.com/mistralthing/server/internal/chat"
	"github.com/mistralthing/server/internal/config"
	"github.com/mistralthing/server/internal/db"
	"github.com/mistralthing/server/internal/httpapi"
	"github.com/mistralthing/server/internal/httpapi/handlers"
	"github.com/mistralthing/server/internal/store/rabbitmq"
	"github.com/mistralthing/server/internal/store/redisstore"
	"github.com/mistralthing/server/internal/stream"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	if err := chat.SeedModels(context.Background(), gdb); err != nil {
		log.Fatalf("seed models: %v", err)
	}

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	// Provider registry (route by provider name + model id)
	reg := ai.NewRegistry()
	reg.Register("mistral", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		if model == "" {
			model = cfg.DefaultModel
		}
		return ai.NewMistralProvider(cfg.MistralBaseURL, cfg.MistralAPIKey, model), nil
	})
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		if model == "" {
			model = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, model), nil
	})

	streams := stream.NewStore(gdb)
	broker := stream.NewBroker()
	engine := stream.NewEngine(streams, broker, cfg.StreamIdleTimeout)

	// title jobs are best effort; run without them if rabbit is down
	var titles chat.TitleQueue
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Printf("rabbit unavailable, thread titles disabled: %v", err)
	} else {
		defer pub.Close()
		titles = pub
	}

	repo := chat.NewRepo(gdb)
	svc := chat.NewService(repo, reg, streams, engine, titles,
		cfg.AIProvider, cfg.DefaultModel, cfg.ChatContextWindowSize)

	watchdog, err := stream.NewWatchdog(streams, broker, cfg.StreamIdleTimeout, cfg.SweepSchedule,
		func(ctx context.Context, streamID string) {
			svc.RecoverThread(ctx, streamID)
		})
	if err != nil {
		log.Fatalf("watchdog: %v", err)
	}
	watchdog.Start()
	defer watchdog.Stop()

	h := handlers.NewHandler(gdb, cfg, rds, svc, streams, broker)
	r := httpapi.NewRouter(h, cfg.JWTSecret)

	log.Printf("server listening addr=%s provider=%s", cfg.HTTPAddr, cfg.AIProvider)
	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
