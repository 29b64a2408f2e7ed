// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/kiln-dev/kiln/pkg/api"
	"github.com/kiln-dev/kiln/pkg/audit"
	"github.com/kiln-dev/kiln/pkg/config"
	"github.com/kiln-dev/kiln/pkg/container/docker"
	"github.com/kiln-dev/kiln/pkg/events"
	"github.com/kiln-dev/kiln/pkg/logger"
	"github.com/kiln-dev/kiln/pkg/oauth"
	"github.com/kiln-dev/kiln/pkg/ratelimit"
	"github.com/kiln-dev/kiln/pkg/sandbox"
	"github.com/kiln-dev/kiln/pkg/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kiln kernel",
	Long: `Start the HTTP server hosting the OAuth endpoints, the sandbox
execution API, discovery metadata, health, and metrics.`,
	RunE: serveCmdFunc,
}

var (
	serveConfigPath string
	serveAddress    string
)

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to the configuration file (optional)")
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "Listen address, overrides the configured one")
}

func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if serveAddress != "" {
		cfg.Server.Address = serveAddress
	}

	metrics := telemetry.NewMetrics()

	bus := events.NewBus(events.Options{
		RetainCount:     cfg.Bus.RetainCount,
		RetainDuration:  cfg.Bus.RetainDuration,
		MaxSubscribers:  cfg.Bus.MaxSubscribers,
		MaxQueueSize:    cfg.Bus.MaxQueueSize,
		DeadLetterTopic: cfg.Bus.DeadLetterTopic,
		Metrics:         metrics,
	})

	oauthStore, auditStore, closeStores, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	recorder := audit.NewRecorder(auditStore, bus, cfg.Audit.ConsoleMirror)
	recorder.StartPurgeLoop(ctx, cfg.Sandbox.ReapInterval, cfg.Audit.Retention)

	rt, err := docker.NewClient(ctx, bus)
	if err != nil {
		return fmt.Errorf("no container runtime: %w", err)
	}

	orch := sandbox.NewOrchestrator(cfg.Sandbox, rt, recorder, bus, metrics)
	orch.StartReaper(ctx)

	oauthSvc := oauth.NewService(cfg.OAuth, oauthStore, recorder, bus, metrics)

	limiter := ratelimit.New(ratelimit.Config{
		Default: ratelimit.LimitConfig{
			MaxRequests: cfg.RateLimit.MaxRequests,
			Window:      cfg.RateLimit.Window,
			Burst:       cfg.RateLimit.Burst,
		},
		CleanupInterval: cfg.RateLimit.CleanupInterval,
		IdleTTL:         15 * time.Minute,
	})
	defer limiter.Close()

	srv := api.NewServer(oauthSvc, orch, rt, limiter, metrics)
	err = srv.ListenAndServe(ctx, cfg.Server.Address)

	// Flush in-flight deliveries before tearing the bus down.
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if derr := bus.Drain(drainCtx); derr != nil {
		logger.Warnf("event bus drain: %v", derr)
	}
	if serr := bus.Shutdown(drainCtx); serr != nil {
		logger.Warnf("event bus shutdown: %v", serr)
	}

	return err
}

// buildStores selects the OAuth and audit backing stores from the storage
// configuration. Both share one Redis client when the backend is "redis".
func buildStores(ctx context.Context, cfg *config.Config) (oauth.Store, audit.Store, func(), error) {
	switch cfg.Storage.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, nil, fmt.Errorf("cannot reach redis at %s: %w", cfg.Storage.RedisAddr, err)
		}
		oauthStore := oauth.NewRedisStore(client, cfg.OAuth.RevokedFamilyHighWater)
		auditStore := audit.NewRedisStore(client)
		closer := func() {
			if err := client.Close(); err != nil {
				logger.Warnf("redis close: %v", err)
			}
		}
		return oauthStore, auditStore, closer, nil

	default:
		oauthStore := oauth.NewMemoryStore(
			oauth.WithCleanupInterval(cfg.OAuth.CleanupInterval),
			oauth.WithRevokedFamilyHighWater(cfg.OAuth.RevokedFamilyHighWater),
		)
		auditStore := audit.NewMemoryStore(cfg.Audit.MaxEntries)
		closer := func() {
			if err := oauthStore.Close(); err != nil {
				logger.Warnf("oauth store close: %v", err)
			}
			if err := auditStore.Close(); err != nil {
				logger.Warnf("audit store close: %v", err)
			}
		}
		return oauthStore, auditStore, closer, nil
	}
}
