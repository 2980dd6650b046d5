package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/jw6ventures/calsync/internal/accounts"
	"github.com/jw6ventures/calsync/internal/api"
	"github.com/jw6ventures/calsync/internal/auth"
	"github.com/jw6ventures/calsync/internal/config"
	httpserver "github.com/jw6ventures/calsync/internal/http"
	"github.com/jw6ventures/calsync/internal/oauthflow"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/provider/google"
	"github.com/jw6ventures/calsync/internal/provider/microsoft"
	"github.com/jw6ventures/calsync/internal/queue"
	"github.com/jw6ventures/calsync/internal/scheduler"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/syncer"
	"github.com/jw6ventures/calsync/internal/token"
	"github.com/jw6ventures/calsync/internal/vault"
	"github.com/jw6ventures/calsync/internal/webhook"
	"github.com/jw6ventures/calsync/internal/worker"
)

func main() {
	log.Println("Starting calsync server...")
	if err := godotenv.Load(); err == nil {
		log.Println("loaded environment from .env")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("failed to create db pool: %v", err)
	}
	defer pool.Close()

	if err := store.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}
	stor := store.New(pool)

	v, err := vault.New(cfg.TokenEncryptionKey)
	if err != nil {
		log.Fatalf("failed to initialize token vault: %v", err)
	}

	registry, err := provider.NewRegistry(adapters(cfg)...)
	if err != nil {
		log.Fatalf("failed to register providers: %v", err)
	}

	tokens := token.NewManager(stor.Accounts, registry, v, token.Options{Margin: cfg.Sync.RefreshMargin})

	sched := scheduler.New()

	var states oauthflow.StateStore = stor.OAuthStates
	if cfg.Redis.Addr != "" {
		rdb, err := oauthflow.DialRedis(ctx, oauthflow.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS:      cfg.Redis.TLS,
		})
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		states = oauthflow.NewRedisStateStore(rdb, "calsync")
		log.Printf("[INFO] oauth states stored in redis at %s", cfg.Redis.Addr)
	} else {
		mustAdd(sched, scheduler.PurgeTask(stor.OAuthStates, cfg.OAuthStatePurgeInterval))
	}
	coordinator := oauthflow.NewCoordinator(registry, states, oauthflow.Options{})

	var jobs queue.Client
	if cfg.RabbitMQ.URL != "" {
		jobs, err = queue.NewRabbit(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue)
		if err != nil {
			log.Fatalf("failed to connect to rabbitmq: %v", err)
		}
		log.Printf("[INFO] sync jobs queued on rabbitmq queue %s", cfg.RabbitMQ.Queue)
	} else {
		jobs = queue.NewMemory(cfg.Sync.QueueCapacity)
	}
	defer jobs.Close()

	orchestrator := syncer.New(stor.Accounts, stor.Calendars, stor.Events, tokens, registry, syncer.Options{
		Window:   cfg.Sync.Window,
		LeaseTTL: cfg.Sync.LeaseTTL,
	})
	webhooks := webhook.NewManager(stor.Subscriptions, stor.Calendars, stor.Accounts, tokens, registry, jobs, webhook.Options{
		CallbackBaseURL: cfg.Webhooks.BaseURL,
	})
	connector := accounts.NewConnector(stor.Accounts, stor.Calendars, webhooks, v)

	for _, name := range registry.Names() {
		mustAdd(sched, scheduler.SweepTask(orchestrator, name, cfg.Sync.Interval))
	}
	mustAdd(sched, scheduler.LeaseSweepTask(stor.Calendars, cfg.Sync.LeaseTTL, cfg.Sync.LeaseTTL))
	if cfg.Webhooks.Enabled {
		mustAdd(sched, scheduler.RenewTask(webhooks, cfg.Webhooks.RenewInterval, cfg.Webhooks.RenewWindow))
	}

	workers := worker.New(jobs, orchestrator, cfg.Sync.Workers, cfg.Sync.JobTimeout)
	workers.Start(ctx)
	sched.Start(ctx)

	limits := httpserver.NewLimiters(cfg)
	go limits.Auth.Run(ctx)
	go limits.Webhooks.Run(ctx)

	handler := api.NewHandler(coordinator, connector, stor.Calendars, orchestrator, webhooks)
	r := httpserver.NewRouter(cfg, stor, auth.NewSessionManager(cfg), handler, limits)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Manual syncs run inside the request.
		WriteTimeout: cfg.Sync.JobTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	sched.Wait()
	workers.Wait()
}

func adapters(cfg *config.Config) []provider.Adapter {
	client := &http.Client{Timeout: cfg.ProviderTimeout}
	var out []provider.Adapter
	if cfg.Google.Enabled() {
		out = append(out, google.New(google.Config{
			ClientID:      cfg.Google.ClientID,
			ClientSecret:  cfg.Google.ClientSecret,
			RedirectURL:   cfg.RedirectURL(string(provider.Google)),
			Scopes:        cfg.Google.Scopes,
			HTTPClient:    client,
			VerifyIDToken: cfg.VerifyIDTokens,
		}))
	}
	if cfg.Microsoft.Enabled() {
		out = append(out, microsoft.New(microsoft.Config{
			ClientID:        cfg.Microsoft.ClientID,
			ClientSecret:    cfg.Microsoft.ClientSecret,
			RedirectURL:     cfg.RedirectURL(string(provider.Microsoft)),
			Tenant:          cfg.Microsoft.Tenant,
			Scopes:          cfg.Microsoft.Scopes,
			HTTPClient:      client,
			VerifyIDToken:   cfg.VerifyIDTokens,
			FreeAsConfirmed: cfg.Microsoft.FreeAsConfirmed,
		}))
	}
	return out
}

func mustAdd(s *scheduler.Scheduler, t scheduler.Task) {
	if err := s.Add(t); err != nil {
		log.Fatalf("failed to schedule %s: %v", t.Name, err)
	}
}
