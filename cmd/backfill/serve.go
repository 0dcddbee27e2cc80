package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/yirzhou/backfill"
	"github.com/yirzhou/backfill/config"
	"github.com/yirzhou/backfill/downstream"
	"github.com/yirzhou/backfill/kvstore"
	"github.com/yirzhou/backfill/sqlstore"
	"github.com/yirzhou/backfill/web"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the backfill orchestrator and its HTTP API",
	Long: `Start the orchestrator, resume any job left incomplete by a previous run
(unless Orchestrator.AutoRecover is false) and serve the HTTP API until
interrupted.`,
	RunE: serveMain,
}

func init() {
	serveCmd.Flags().String("db", "", "Location of the job store (Server.DbLocation)")
	serveCmd.Flags().String("store", "", "Job store backend: sqlite or bedrock (Server.StoreBackend)")
	serveCmd.Flags().String("downstream", "", "Base URL of the collector service (Downstream.BaseURL)")
	for flag, key := range map[string]string{
		"db":         config.ServerDbLocation,
		"store":      config.ServerStoreBackend,
		"downstream": config.DownstreamBaseURL,
	} {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(flag)); err != nil {
			panic(err)
		}
	}
	rootCmd.AddCommand(serveCmd)
}

// openStore opens the configured job store. The returned func closes it.
func openStore(settings *config.Settings) (backfill.JobStore, func(), error) {
	switch settings.StoreBackend {
	case config.StoreBackendBedrock:
		db, err := kvstore.Open(settings.DbLocation)
		if err != nil {
			return nil, nil, err
		}
		store := kvstore.New(db)
		closer := func() {
			if err := store.Close(); err != nil {
				log.Warnf("Failed to close job store: %v", err)
			}
		}
		return store, closer, nil
	default:
		store, err := sqlstore.Open(settings.DbLocation)
		if err != nil {
			return nil, nil, err
		}
		closer := func() {
			if err := store.Close(); err != nil {
				log.Warnf("Failed to close job database: %v", err)
			}
		}
		return store, closer, nil
	}
}

func serveMain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	settings, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if settings.DownstreamBaseURL == "" {
		return errors.Errorf("%s must be set to serve", config.DownstreamBaseURL)
	}

	store, closeStore, err := openStore(settings)
	if err != nil {
		return err
	}
	defer closeStore()

	client := downstream.NewClient(settings.DownstreamBaseURL, settings.DownstreamToken, settings.DownstreamTimeout)
	orch := backfill.NewOrchestrator(store, client.Collaborators())
	defer orch.Dispose()

	// RateLimit.* only seeds an empty store; the stored config, including
	// changes made through the API, takes precedence after that.
	if settings.RateLimitSeed != nil {
		cfg, applied, err := orch.SeedRateLimitConfig(ctx, settings.RateLimitSeed)
		if err != nil {
			return errors.Wrap(err, "invalid RateLimit configuration")
		}
		if applied {
			log.Infof("Seeded rate limit configuration: %d req/min, %dms..%dms", cfg.MaxRequestsPerMinute, cfg.MinDelayMs, cfg.MaxDelayMs)
		} else {
			log.Infof("Keeping stored rate limit configuration (%d req/min); RateLimit.* settings are ignored", cfg.MaxRequestsPerMinute)
		}
	}

	result, err := orch.Initialize(ctx, backfill.InitOptions{
		AutoRecoverOnInit: settings.AutoRecover,
		CleanupInterval:   settings.CleanupInterval,
		Retention:         settings.Retention,
	})
	if err != nil {
		log.Errorf("Job recovery failed: %v", err)
	} else if result != nil && result.JobsRecovered > 0 {
		log.Infof("Resumed %d interrupted jobs", result.JobsRecovered)
	}

	if log.GetLevel() < log.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &http.Server{
		Addr:              settings.Address,
		Handler:           web.NewEngine(orch),
		ReadHeaderTimeout: 10 * time.Second,
	}

	egrp, ok := ctx.Value(egrpKey).(*errgroup.Group)
	if !ok {
		egrp = &errgroup.Group{}
	}
	serverErr := make(chan error, 1)
	egrp.Go(func() error {
		log.Infof("Backfill API listening on %s", settings.Address)
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return errors.Wrap(err, "API server failed")
		}
		close(serverErr)
		return nil
	})

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-sigCtx.Done():
		log.Info("Received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("API server did not shut down cleanly: %v", err)
	}
	return nil
}
