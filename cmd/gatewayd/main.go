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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/studyflow/dicomgw/internal/autoscaler"
	"github.com/studyflow/dicomgw/internal/catalog"
	"github.com/studyflow/dicomgw/internal/db"
	"github.com/studyflow/dicomgw/internal/dispatch"
	"github.com/studyflow/dicomgw/internal/forwarder"
	"github.com/studyflow/dicomgw/internal/ingestor"
	"github.com/studyflow/dicomgw/internal/metrics"
	"github.com/studyflow/dicomgw/internal/queue"
	"github.com/studyflow/dicomgw/internal/repository"
	"github.com/studyflow/dicomgw/internal/supervisor"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	aeTitle        string
	listenAddr     string
	localAETitle   string
	httpAddr       string
	dbDriver       string
	dbDSN          string
	storageRoot    string
	secretKey      string
	logLevel       string
	ingestorMin    int
	ingestorMax    int
	catalogMin     int
	catalogMax     int
	dispatchMin    int
	dispatchMax    int
	forwarderMin   int
	forwarderMax   int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "gatewayd",
		Short: "DICOM gateway — receives, catalogs, and forwards composite objects",
		Long: `gatewayd is a DICOM Storage SCP/SCU gateway. It accepts C-STORE
associations from modalities, persists received objects byte-for-byte,
catalogs the Study/Series/Instance hierarchy, and forwards studies on to
configured downstream destinations according to per-destination rules.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.aeTitle, "ae-title", envOrDefault("GATEWAY_AE_TITLE", "GATEWAY"), "Local Application Entity title the SCP answers to")
	root.PersistentFlags().StringVar(&cfg.listenAddr, "listen-addr", envOrDefault("GATEWAY_LISTEN_ADDR", ":11112"), "DICOM Storage SCP listen address")
	root.PersistentFlags().StringVar(&cfg.localAETitle, "local-ae-title", envOrDefault("GATEWAY_LOCAL_AE_TITLE", ""), "Calling AE title used by the forwarder (defaults to --ae-title)")
	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("GATEWAY_HTTP_ADDR", ":8080"), "Metrics HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("GATEWAY_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("GATEWAY_DB_DSN", "./gateway.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.storageRoot, "storage-root", envOrDefault("GATEWAY_STORAGE_ROOT", "./data/studies"), "Root directory for received DICOM files")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("GATEWAY_SECRET_KEY", ""), "Master secret key for encrypting destination credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("GATEWAY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.ingestorMin, "ingestor-min", envOrDefaultInt("GATEWAY_INGESTOR_MIN", 1), "Minimum ingestor instances")
	root.PersistentFlags().IntVar(&cfg.ingestorMax, "ingestor-max", envOrDefaultInt("GATEWAY_INGESTOR_MAX", 1), "Maximum ingestor instances")
	root.PersistentFlags().IntVar(&cfg.catalogMin, "catalog-writer-min", envOrDefaultInt("GATEWAY_CATALOG_WRITER_MIN", 1), "Minimum catalog-writer instances")
	root.PersistentFlags().IntVar(&cfg.catalogMax, "catalog-writer-max", envOrDefaultInt("GATEWAY_CATALOG_WRITER_MAX", 4), "Maximum catalog-writer instances")
	root.PersistentFlags().IntVar(&cfg.dispatchMin, "dispatch-min", envOrDefaultInt("GATEWAY_DISPATCH_MIN", 1), "Minimum dispatch-planner instances")
	root.PersistentFlags().IntVar(&cfg.dispatchMax, "dispatch-max", envOrDefaultInt("GATEWAY_DISPATCH_MAX", 2), "Maximum dispatch-planner instances")
	root.PersistentFlags().IntVar(&cfg.forwarderMin, "forwarder-min", envOrDefaultInt("GATEWAY_FORWARDER_MIN", 1), "Minimum forwarder instances")
	root.PersistentFlags().IntVar(&cfg.forwarderMax, "forwarder-max", envOrDefaultInt("GATEWAY_FORWARDER_MAX", 8), "Maximum forwarder instances")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gatewayd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or GATEWAY_SECRET_KEY")
	}
	if cfg.localAETitle == "" {
		cfg.localAETitle = cfg.aeTitle
	}

	logger.Info("starting dicom gateway",
		zap.String("version", version),
		zap.String("ae_title", cfg.aeTitle),
		zap.String("listen_addr", cfg.listenAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	// InitEncryption must run before opening the database so destination
	// TLS material can encrypt/decrypt transparently on read/write. The
	// AES-256 key is derived from the operator-supplied secret via HKDF
	// rather than padded or truncated, so any secret length is safe to pass.
	if err := db.InitEncryption([]byte(cfg.secretKey)); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Repositories ---
	jobRepo := repository.NewJobRepository(gormDB)
	forwardJobRepo := repository.NewForwardJobRepository(gormDB)
	studyRepo := repository.NewStudyRepository(gormDB)
	seriesRepo := repository.NewSeriesRepository(gormDB)
	instanceRepo := repository.NewInstanceRepository(gormDB)
	ingestEventRepo := repository.NewIngestEventRepository(gormDB)
	destinationRepo := repository.NewDestinationRepository(gormDB)

	// --- 4. Metrics ---
	m := metrics.New(prometheus.DefaultRegisterer)

	// --- 5. Notifier (postgres only; sqlite deployments poll) ---
	var notifier *queue.Notifier
	if cfg.dbDriver == "postgres" {
		notifier, err = queue.NewNotifier(ctx, cfg.dbDSN, logger)
		if err != nil {
			return fmt.Errorf("failed to open notify pool: %w", err)
		}
		defer notifier.Close()
	} else {
		logger.Info("sqlite driver: LISTEN/NOTIFY disabled, workers fall back to polling")
	}

	// --- 6. Components ---
	ingestHandler := ingestor.New(ingestor.Config{
		AETitle:       cfg.aeTitle,
		ListenAddress: cfg.listenAddr,
		StorageRoot:   cfg.storageRoot,
	}, jobRepo, notifier, m, logger)

	catalogWriter := catalog.New(catalog.Config{}, gormDB, jobRepo, studyRepo, seriesRepo,
		instanceRepo, ingestEventRepo, destinationRepo, notifier, m, logger)

	planner, err := dispatch.New(dispatch.DefaultConfig(), jobRepo, forwardJobRepo, studyRepo,
		seriesRepo, destinationRepo, notifier, m, logger)
	if err != nil {
		return fmt.Errorf("failed to create dispatch planner: %w", err)
	}

	fwd := forwarder.New(forwarder.Config{
		LocalAETitle: cfg.localAETitle,
		StorageRoot:  cfg.storageRoot,
	}, forwardJobRepo, studyRepo, instanceRepo, destinationRepo, notifier, m, logger)

	// --- 7. Supervisor ---
	super := supervisor.New(logger)
	super.Register(autoscaler.RoleIngestor, ingestHandler.Serve)
	super.Register(autoscaler.RoleCatalogWriter, catalogWriter.Run)
	super.Register(autoscaler.RoleDispatch, planner.Run)
	super.Register(autoscaler.RoleForwarder, fwd.Run)

	// Start each role at its configured minimum immediately — the
	// autoscaler's own tick does not fire until the first check interval
	// elapses, and the gateway should never start with zero workers.
	startMinimum := func(role string, min int) {
		for i := 0; i < min; i++ {
			if err := super.StartInstance(ctx, role, fmt.Sprintf("%s-%d", role, i)); err != nil {
				logger.Warn("failed to start initial worker instance", zap.String("role", role), zap.Error(err))
			}
		}
	}
	startMinimum(autoscaler.RoleIngestor, cfg.ingestorMin)
	startMinimum(autoscaler.RoleCatalogWriter, cfg.catalogMin)
	startMinimum(autoscaler.RoleDispatch, cfg.dispatchMin)
	startMinimum(autoscaler.RoleForwarder, cfg.forwarderMin)

	// --- 8. Autoscaler ---
	scaler, err := autoscaler.New(autoscaler.Config{
		Bounds: map[string]autoscaler.Bounds{
			autoscaler.RoleIngestor:      autoscaler.DefaultBounds(cfg.ingestorMin, cfg.ingestorMax),
			autoscaler.RoleCatalogWriter: autoscaler.DefaultBounds(cfg.catalogMin, cfg.catalogMax),
			autoscaler.RoleDispatch:      autoscaler.DefaultBounds(cfg.dispatchMin, cfg.dispatchMax),
			autoscaler.RoleForwarder:     autoscaler.DefaultBounds(cfg.forwarderMin, cfg.forwarderMax),
		},
	}, jobRepo, forwardJobRepo, super, logger)
	if err != nil {
		return fmt.Errorf("failed to create autoscaler: %w", err)
	}
	if err := scaler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start autoscaler: %w", err)
	}
	defer func() {
		if err := scaler.Stop(); err != nil {
			logger.Warn("autoscaler shutdown error", zap.Error(err))
		}
	}()

	// --- 9. Dispatch quiet-period sweep ---
	if err := planner.StartSweep(ctx); err != nil {
		return fmt.Errorf("failed to start dispatch sweep: %w", err)
	}
	defer func() {
		if err := planner.StopSweep(); err != nil {
			logger.Warn("dispatch sweep shutdown error", zap.Error(err))
		}
	}()

	// --- Stale-claim sweep: return long-held claims on both job tables to pending ---
	go func() {
		ticker := time.NewTicker(queue.DefaultSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if _, err := jobRepo.SweepStale(ctx, queue.DefaultStaleThreshold); err != nil {
				logger.Warn("stale-claim sweep failed", zap.String("table", "jobs"), zap.Error(err))
			}
			if _, err := forwardJobRepo.SweepStale(ctx, queue.DefaultStaleThreshold); err != nil {
				logger.Warn("stale-claim sweep failed", zap.String("table", "forward_jobs"), zap.Error(err))
			}
		}
	}()

	// --- 10. Metrics HTTP server ---
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down dicom gateway")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), queue.DefaultShutdownGrace)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server graceful shutdown error", zap.Error(err))
	}

	stopped := make(chan struct{})
	go func() {
		super.StopAll()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		logger.Warn("shutdown grace period elapsed with workers still running")
	}

	logger.Info("dicom gateway stopped")
	return nil
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var parsed int
	if _, err := fmt.Sscanf(v, "%d", &parsed); err != nil {
		return defaultVal
	}
	return parsed
}
