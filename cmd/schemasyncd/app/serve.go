package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/graphmesh/schemasync/internal/api"
	"github.com/graphmesh/schemasync/internal/appctx"
	"github.com/graphmesh/schemasync/internal/config"
	"github.com/graphmesh/schemasync/internal/db"
	"github.com/graphmesh/schemasync/internal/metadata"
	"github.com/graphmesh/schemasync/internal/schemacache"
	syncpkg "github.com/graphmesh/schemasync/internal/sync"
	"github.com/graphmesh/schemasync/internal/telemetry"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func newServeCmd(logger *zap.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the schema sync daemon",
		Long: `Start the schema sync daemon for this replica.

The daemon requires a configuration file (--config) that specifies the
metadata database connection, the sync polling interval, authentication
settings and all other operational options.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), logger)
		},
	}

	cmd.Flags().String("address", "", "Address to listen on (overrides config)")
	cmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("address", cmd.Flags().Lookup("address")); err != nil {
		logger.Fatal("failed to bind address flag", zap.Error(err))
	}
	if err := viper.BindPFlag("config", cmd.Flags().Lookup("config")); err != nil {
		logger.Fatal("failed to bind config flag", zap.Error(err))
	}
	if err := cmd.MarkFlagRequired("config"); err != nil {
		logger.Fatal("failed to mark config flag as required", zap.Error(err))
	}

	return cmd
}

func runServe(ctx context.Context, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configPath := viper.GetString("config")
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	address := viper.GetString("address")
	if address == "" {
		address = cfg.GetAddress()
	}

	instanceID := uuid.New()
	logger = logger.With(zap.String("instance_id", instanceID.String()))
	logger.Info("starting schema sync daemon",
		zap.String("config", configPath),
		zap.String("address", address))

	// Derive the initial AppContext. An auth configuration error is fatal:
	// serving with broken auth is unsafe.
	builder := appctx.NewBuilder()
	appContext, err := builder.Rebuild(cfg)
	if err != nil {
		return fmt.Errorf("failed to build app context: %w", err)
	}
	logger.Info("app context built",
		zap.String("auth_mode", string(appContext.AuthMode.Kind)))

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to metadata database: %w", err)
	}
	defer pool.Close()

	store := metadata.NewStore(pool)
	rebuilder := schemacache.NewDocumentRebuilder()

	holder, err := buildInitialCache(ctx, store, rebuilder, logger)
	if err != nil {
		return fmt.Errorf("failed to build initial schema cache: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider()
	defer func() { _ = meterProvider.Shutdown(context.Background()) }()
	metrics, err := telemetry.NewSyncMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create sync metrics: %w", err)
	}

	mailbox := syncpkg.NewMailbox()
	listener := syncpkg.NewListener(store, mailbox, cfg.Sync.PollInterval(), logger, metrics)
	reconciler := syncpkg.NewReconciler(store, holder, rebuilder, instanceID, logger, metrics)
	processor := syncpkg.NewProcessor(mailbox, reconciler, logger)
	pruner := syncpkg.NewPruner(store, cfg.Sync.Retention(), logger)

	server := &http.Server{
		Addr:         address,
		Handler:      api.NewRouter(holder, appContext, logger),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return listener.Run(groupCtx) })
	group.Go(func() error { return processor.Run(groupCtx) })
	group.Go(func() error { return pruner.Run(groupCtx) })
	group.Go(func() error {
		logger.Info("http server listening", zap.String("address", address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("daemon exited with error: %w", err)
	}
	logger.Info("schema sync daemon stopped")
	return nil
}

// buildInitialCache compiles the cache from a fresh metadata load. The
// resource version is deliberately left unstamped: the first reconciliation
// stamps it, which keeps startup and steady-state following the same
// version-comparison path. An empty store yields an empty cache.
func buildInitialCache(
	ctx context.Context,
	store *metadata.Store,
	rebuilder schemacache.Rebuilder,
	logger *zap.Logger,
) (*schemacache.Holder, error) {
	doc, version, err := store.FetchMetadata(ctx)
	if err != nil {
		if errors.Is(err, metadata.ErrNoMetadata) {
			logger.Info("metadata store is empty, starting with empty schema cache")
			return schemacache.NewHolder(&schemacache.SchemaCache{}), nil
		}
		return nil, err
	}

	initial, messages, err := rebuilder.ApplyInvalidations(
		ctx, &schemacache.SchemaCache{}, metadata.CacheInvalidations{Metadata: true}, doc)
	if err != nil {
		return nil, err
	}

	logger.Info("initial schema cache built",
		zap.Stringer("store_version", version),
		zap.Strings("build_messages", messages))
	return schemacache.NewHolder(initial), nil
}
