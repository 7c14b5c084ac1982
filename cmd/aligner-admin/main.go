package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aligner/admin/internal/config"
	"github.com/aligner/admin/internal/domain/dashboard"
	"github.com/aligner/admin/internal/domain/patient"
	"github.com/aligner/admin/internal/domain/upload"
	"github.com/aligner/admin/internal/platform/blobstore"
	"github.com/aligner/admin/internal/platform/db"
	"github.com/aligner/admin/internal/platform/middleware"
	"github.com/aligner/admin/internal/platform/queue"
	"github.com/aligner/admin/internal/platform/telemetry"
	"github.com/aligner/admin/internal/platform/webhook"
	"github.com/aligner/admin/migrations"
)

const serviceName = "aligner-admin"

// uploadPaths get the large body limit and no request deadline.
var uploadPaths = []string{"/api/upload", "/ui/assessment/"}

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Aligner assessment admin service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the admin API and dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, pool, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationSource(firstNonEmpty(dir, cfg.MigrationsDir)))
			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR, then the embedded set)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, pool, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationSource(firstNonEmpty(dir, cfg.MigrationsDir)))
			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR, then the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Delete uploaded videos that no patient references",
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			grace, _ := cmd.Flags().GetDuration("grace")

			cfg, pool, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			if cmd.Flags().Changed("grace") {
				cfg.OrphanGrace = grace
			}
			logger := newLogger(cfg)
			store, err := openStore(cfg)
			if err != nil {
				return err
			}

			r := upload.NewReconciler(store, patient.NewRepo(pool), cfg.OrphanGrace, nil, logger)
			report, err := r.Reconcile(cmd.Context(), dryRun)
			if err != nil {
				return fmt.Errorf("reconcile failed: %w", err)
			}

			out := json.NewEncoder(os.Stdout)
			out.SetIndent("", "  ")
			return out.Encode(report)
		},
	}
	cmd.Flags().Bool("dry-run", false, "List orphans without deleting them")
	cmd.Flags().Duration("grace", 0, "Only remove objects older than this (defaults to ORPHAN_GRACE)")
	return cmd
}

// connect loads config and opens the pool for one-shot commands.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
}

// migrationSource prefers an on-disk directory and falls back to the SQL
// files compiled into the binary.
func migrationSource(dir string) fs.FS {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return os.DirFS(dir)
		}
	}
	return migrations.FS
}

func publicBaseURL(cfg *config.Config) string {
	if cfg.PublicBaseURL != "" {
		return cfg.PublicBaseURL
	}
	return "http://localhost:" + cfg.Port
}

func openStore(cfg *config.Config) (blobstore.Store, error) {
	switch cfg.StorageBackend {
	case "fs":
		return blobstore.NewFSStore(cfg.StorageDir, publicBaseURL(cfg)+"/media")
	case "supabase":
		return blobstore.NewSupabaseStore(cfg.SupabaseURL, cfg.StorageBucket, cfg.SupabaseServiceKey), nil
	case "memory", "":
		return blobstore.NewMemoryStore(publicBaseURL(cfg) + "/media"), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// mediaOrigins lists the origins dashboard pages may load video from.
func mediaOrigins(cfg *config.Config) []string {
	if cfg.StorageBackend != "supabase" {
		return nil
	}
	u, err := url.Parse(cfg.SupabaseURL)
	if err != nil || u.Host == "" {
		return nil
	}
	return []string{u.Scheme + "://" + u.Host}
}

func openQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	if cfg.UsesRedisQueue() {
		return queue.NewRedisQueue(ctx, cfg.RedisURL, cfg.QueueKey, queue.WithMaxLen(int64(cfg.QueueBuffer)))
	}
	return queue.NewMemoryQueue(cfg.QueueBuffer), nil
}

// app holds the constructed dependencies the HTTP layer is built from.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	pool     *pgxpool.Pool
	store    blobstore.Store
	patients *patient.Service
	relay    *webhook.Client
	uploads  *upload.Service
}

func newEcho(a *app) (*echo.Echo, error) {
	renderer, err := dashboard.NewRenderer()
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Renderer = renderer
	e.HTTPErrorHandler = middleware.ErrorHandler(a.logger)

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(a.metrics.Middleware())
	e.Use(middleware.SecurityHeaders(mediaOrigins(a.cfg)...))
	e.Use(middleware.BodyLimit("1M", a.cfg.MaxUploadSize, uploadPaths...))
	e.Use(middleware.RequestTimeout(30*time.Second, uploadPaths...))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))

	// Supabase serves its own public URLs; the other backends are served here.
	if a.cfg.StorageBackend != "supabase" {
		e.GET("/media/*", blobstore.MediaHandler(a.store))
	}

	api := e.Group("/api")
	patient.NewHandler(a.patients, a.relay, a.logger).RegisterRoutes(api)
	upload.NewHandler(a.uploads).RegisterRoutes(api)
	dashboard.NewHandler(a.patients, a.uploads, a.logger).RegisterRoutes(e)

	return e, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	metrics := telemetry.New(serviceName)
	if err := metrics.Register(db.NewPoolCollector(pool)); err != nil {
		logger.Fatal().Err(err).Msg("failed to register pool metrics")
	}

	store, err := openStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open object store")
	}
	logger.Info().Str("backend", cfg.StorageBackend).Msg("object store ready")

	q, err := openQueue(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open notification queue")
	}

	sink := webhook.NewClient(cfg.WebhookURL, cfg.WebhookSecret, webhook.WithTimeout(cfg.WebhookTimeout))
	repo := patient.NewRepo(pool)
	patients := patient.NewService(repo, q, logger, patient.WithMetrics(metrics))
	notifier := patient.NewNotifier(repo, sink, metrics, logger)
	uploads := upload.NewService(store, metrics, logger)
	reconciler := upload.NewReconciler(store, repo, cfg.OrphanGrace, metrics, logger)

	e, err := newEcho(&app{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		pool:     pool,
		store:    store,
		patients: patients,
		relay:    sink,
		uploads:  uploads,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build http server")
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		queue.Run(bgCtx, q, cfg.QueueWorkers, notifier.Handle, logger)
	}()
	logger.Info().Int("workers", cfg.QueueWorkers).Bool("redis", cfg.UsesRedisQueue()).
		Msg("notification workers started")

	go reconciler.Start(bgCtx, cfg.ReconcileInterval)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	// Closing the queue lets workers finish the backlog before they exit.
	if err := q.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close notification queue")
	}
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("notification workers did not drain in time")
	}
	stopBackground()

	logger.Info().Msg("server stopped")
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
