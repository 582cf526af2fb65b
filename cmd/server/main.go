package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/suPer8Hu/catwalk/internal/ai"
	"github.com/suPer8Hu/catwalk/internal/broadcast"
	"github.com/suPer8Hu/catwalk/internal/config"
	"github.com/suPer8Hu/catwalk/internal/db"
	"github.com/suPer8Hu/catwalk/internal/describe"
	"github.com/suPer8Hu/catwalk/internal/httpapi"
	"github.com/suPer8Hu/catwalk/internal/httpapi/handlers"
	"github.com/suPer8Hu/catwalk/internal/jobs"
	"github.com/suPer8Hu/catwalk/internal/narrate"
	"github.com/suPer8Hu/catwalk/internal/script"
	"github.com/suPer8Hu/catwalk/internal/store/objectstore"
	"github.com/suPer8Hu/catwalk/internal/store/rabbitmq"
	"github.com/suPer8Hu/catwalk/internal/store/redisstore"
	"github.com/suPer8Hu/catwalk/internal/tts"
	"golang.org/x/sync/semaphore"
)

func main() {
	config.LoadDotEnv(os.Getenv("ENV_FILE"))
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb := db.Connect(cfg.DBDSN)
	if err := jobs.Migrate(gdb); err != nil {
		log.Fatalf("automigrate: %v", err)
	}

	// Provider registry (route by AI_PROVIDER + model)
	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		if cfg.OpenRouterAPIKey == "" {
			return nil, errors.New("OPENROUTER_API_KEY is not set")
		}
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})

	model, codeModel := cfg.OllamaModel, cfg.OllamaCodeModel
	if strings.EqualFold(cfg.AIProvider, "openrouter") {
		model, codeModel = cfg.OpenRouterModel, cfg.OpenRouterModel
	}

	// one accelerator: tts and model calls never overlap
	permit := semaphore.NewWeighted(1)

	splitter, err := script.DefaultSplitter()
	if err != nil {
		log.Fatalf("sentence model: %v", err)
	}

	artifacts := newArtifactStore(ctx, cfg)

	dispatcher := jobs.NewDispatcher()
	describer := describe.New(reg, cfg.AIProvider, model, codeModel, permit)
	describe.Register(dispatcher, describer)
	tts.Register(dispatcher, tts.NewExecutor(tts.NewHTTPSynthesizer(cfg.TTSBaseURL), artifacts, permit, cfg.TTSVoice))
	narrate.Register(dispatcher, narrate.NewExecutor(script.NewScripter(splitter, describer), splitter))

	events := broadcast.New(cfg.EventBacklog)
	hub := broadcast.NewHub(cfg.WSClientBuffer)
	events.AddSink("websocket", hub)

	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitExchange, cfg.RabbitQueue)
		if err != nil {
			log.Fatalf("rabbit: %v", err)
		}
		defer pub.Close()
		events.AddSink("rabbitmq", broadcast.SinkFunc(func(ctx context.Context, e broadcast.Event) error {
			return pub.Publish(ctx, e)
		}))
		log.Printf("events exchange=%s", cfg.RabbitExchange)
	}

	var idem handlers.IdempotencyStore
	if cfg.RedisAddr != "" {
		rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rds.Ping(ctx); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		defer rds.Close()
		idem = rds
	}

	sched := jobs.NewScheduler(jobs.NewRepo(gdb), dispatcher, events)
	if err := sched.Recover(ctx, cfg.RecheckWaiting); err != nil {
		log.Fatalf("recovery: %v", err)
	}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := sched.Worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("worker stopped err=%v", err)
			stop()
		}
	}()

	staticDir := ""
	if _, ok := artifacts.(*objectstore.Local); ok {
		staticDir = cfg.StaticDir
	}
	h := handlers.NewHandler(sched.Service, events, hub, idem, cfg.TTSVoice)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h, staticDir),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("listening addr=%s db=%s types=%d", cfg.HTTPAddr, redactDSN(cfg.DBDSN), len(sched.Service.Types()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown err=%v", err)
	}
	<-workerDone
}

// newArtifactStore picks MinIO when an endpoint is configured and the local
// static directory otherwise.
func newArtifactStore(ctx context.Context, cfg config.Config) objectstore.Store {
	if cfg.MinioEndpoint != "" {
		m, err := objectstore.NewMinio(ctx, objectstore.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.MinioPublicURL,
		})
		if err != nil {
			log.Fatalf("minio: %v", err)
		}
		log.Printf("artifacts minio bucket=%s", cfg.MinioBucket)
		return m
	}
	l, err := objectstore.NewLocal(cfg.StaticDir, "/static")
	if err != nil {
		log.Fatalf("static dir: %v", err)
	}
	log.Printf("artifacts dir=%s", cfg.StaticDir)
	return l
}

func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "@"); i >= 0 {
		return "***" + dsn[i:]
	}
	return dsn
}
