package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/breeze-rmm/breeze/internal/alerting"
	"github.com/breeze-rmm/breeze/internal/api"
	"github.com/breeze-rmm/breeze/internal/audit"
	"github.com/breeze-rmm/breeze/internal/auth"
	"github.com/breeze-rmm/breeze/internal/blob"
	"github.com/breeze-rmm/breeze/internal/cache"
	"github.com/breeze-rmm/breeze/internal/config"
	"github.com/breeze-rmm/breeze/internal/crypto"
	"github.com/breeze-rmm/breeze/internal/database"
	"github.com/breeze-rmm/breeze/internal/gateway"
	"github.com/breeze-rmm/breeze/internal/jobs"
	"github.com/breeze-rmm/breeze/internal/logging"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/breeze-rmm/breeze/internal/mtlsca"
	"github.com/breeze-rmm/breeze/internal/notify"
	"github.com/breeze-rmm/breeze/internal/remote"
	"github.com/breeze-rmm/breeze/internal/store"
	"github.com/breeze-rmm/breeze/internal/webhooks"
	"github.com/breeze-rmm/breeze/internal/websocket"
	"github.com/breeze-rmm/breeze/pkg/netguard"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "breeze",
	Short:   "Breeze - multi-tenant remote monitoring and management control plane",
	Long:    `Breeze is the control plane for the Breeze RMM platform: agent enrollment, device management, alerting, remote access, and deployment orchestration for MSPs and IT teams.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Breeze %s\n", Version)
		fmt.Printf("  Build time: %s\n", BuildTime)
		fmt.Printf("  Git commit: %s\n", GitCommit)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	Run: func(cmd *cobra.Command, args []string) {
		logging.Init(logging.Config{Format: "auto", Level: "info", Component: "migrate"})

		cfg, err := config.Load()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load configuration")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer pool.Close()

		if err := database.Migrate(pool); err != nil {
			log.Fatal().Err(err).Msg("Migration failed")
		}
		log.Info().Msg("Migrations applied")
	},
}

func runServer() {
	// Early init so config loading failures are readable; re-initialized once
	// the configured level and format are known.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "server"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "server"})

	log.Info().
		Str("version", Version).
		Str("commit", GitCommit).
		Msg("Starting Breeze control plane")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer pool.Close()

	if err := database.Migrate(pool); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}

	st := store.New(pool)

	ca, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer ca.Close()

	var blobs *blob.Store
	if cfg.S3Bucket != "" {
		blobs, err = blob.New(ctx, cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize blob store")
		}
	} else {
		log.Warn().Msg("S3_BUCKET not set; file transfer storage disabled")
	}

	secrets, err := crypto.NewSecretBox(cfg.AppEncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid APP_ENCRYPTION_KEY")
	}

	recorder := audit.NewRecorder(st.Pool(), cfg.AppEncryptionKey)
	queue := jobs.NewQueue(st, ca)
	escalator := jobs.NewEscalator(st, queue)
	engine := alerting.New(st, ca, queue, escalator, recorder)

	// The dispatcher publishes events the engine raises, and the engine
	// consumes events the dispatcher fans out. Break the cycle by wiring
	// both directions after construction.
	dispatcher := webhooks.NewDispatcher(st, queue)
	dispatcher.AddSink(engine)
	engine.SetPublisher(dispatcher)

	hub := websocket.NewHub()
	fanout := jobs.NewFanout(st, dispatcher, hub)

	var certs *mtlsca.Client
	if cfg.MTLSEnabled() {
		certs = mtlsca.New(cfg.CloudflareAPIToken, cfg.CloudflareZoneID)
	} else {
		log.Warn().Msg("mTLS CA not configured; agent certificates disabled")
	}

	maintenance := jobs.NewMaintenance(st, queue, dispatcher, certs, fanout, 0)
	gw := gateway.NewService(st, ca, certs, recorder, engine, fanout, dispatcher, cfg)
	remotes := remote.NewService(st, blobs, hub, recorder, cfg)
	relay := websocket.NewRelay(remotes)

	authSvc, err := auth.NewService(st, ca, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize auth service")
	}

	oidcSvc, err := api.NewOIDCService(ctx, cfg, ca)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize OIDC provider")
	}

	httpClient := netguard.NewClient(30 * time.Second)
	deliveries := webhooks.NewDeliveryHandler(st, secrets, httpClient)
	notifier := notify.NewHandler(st, secrets, httpClient)

	handlers := map[models.JobKind]struct {
		concurrency int
		fn          jobs.Handler
	}{
		models.JobKindWebhookDelivery: {8, deliveries.Handle},
		models.JobKindNotification:    {8, notifier.Handle},
		models.JobKindDeployment:      {4, fanout.Handle},
		models.JobKindPatch:           {4, fanout.Handle},
		models.JobKindEscalation:      {2, escalator.Handle},
		models.JobKindCertRenewalScan: {1, maintenance.HandleCertScan},
		models.JobKindRetentionSweep:  {1, maintenance.HandleRetentionSweep},
	}

	kinds := make([]models.JobKind, 0, len(handlers))
	pools := make([]*jobs.Pool, 0, len(handlers))
	for kind, h := range handlers {
		kinds = append(kinds, kind)
		n := cfg.ConcurrencyFor(string(kind), h.concurrency)
		pools = append(pools, jobs.NewPool(kind, n, st, ca, queue, h.fn))
	}
	scheduler := jobs.NewScheduler(kinds, st, ca, queue)

	server := api.NewServer(api.Deps{
		Config:     cfg,
		Store:      st,
		Cache:      ca,
		Auth:       authSvc,
		OIDC:       oidcSvc,
		Gateway:    gw,
		Remotes:    remotes,
		Engine:     engine,
		Dispatcher: dispatcher,
		Queue:      queue,
		Recorder:   recorder,
		Hub:        hub,
		Relay:      relay,
		Secrets:    secrets,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, p := range pools {
		g.Go(func() error { return p.Run(gctx) })
	}
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return maintenance.RunCommandSweeper(gctx) })
	g.Go(func() error { return maintenance.RunSchedules(gctx) })
	g.Go(func() error { return gw.RunOfflineSweeper(gctx) })
	g.Go(func() error { return remotes.RunIdleSweeper(gctx) })

	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
	log.Info().Msg("Shutdown complete")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
