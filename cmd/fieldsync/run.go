package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/inspectworks/fieldsync/internal/agent"
	"github.com/inspectworks/fieldsync/internal/config"
	"github.com/inspectworks/fieldsync/internal/fieldsync"
	"github.com/inspectworks/fieldsync/internal/httpapi"
	"github.com/inspectworks/fieldsync/internal/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Run the offline-first sync daemon.

The daemon keeps inspection item edits flowing to the remote backend,
parks them in the durable queue while offline, replays them on
reconnect, and serves a status/control API over HTTP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

func runDaemon(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if strings.TrimSpace(appConfig.RemoteURL) == "" {
		return errors.New("remote.url is required (set --remote-url or FIELDSYNC_REMOTE_URL)")
	}

	identity := buildIdentity(appConfig, logger)
	remote, err := fieldsync.NewHTTPRemoteClient(fieldsync.HTTPRemoteClientOptions{
		BaseURL: appConfig.RemoteURL,
		Tokens:  identity,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	queueStore, stateStore, err := buildStores(appConfig)
	if err != nil {
		return err
	}

	engine, err := fieldsync.NewEngineWithOptions(fieldsync.EngineOptions{
		Remote:           remote,
		Identity:         identity,
		QueueStore:       queueStore,
		StateStore:       stateStore,
		AutoSaveInterval: appConfig.AutoSaveInterval,
		QueueCapacity:    appConfig.QueueCapacity,
		MaxQueueAttempts: appConfig.MaxQueueAttempts,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	defer engine.Close() //nolint:errcheck

	manager, err := agent.NewManager(agent.Options{
		Flush:    engine.Flush,
		CacheDir: appConfig.AgentCacheDir(),
		SpoolDir: appConfig.AgentSpoolDir(),
		Version:  version,
		Disabled: appConfig.AgentDisabled,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer manager.Close() //nolint:errcheck

	if err := manager.Register(ctx); err != nil {
		// The daemon keeps working without the agent; reconnect events
		// still flush the queue.
		if errors.Is(err, agent.ErrUnsupported) {
			logger.Info("background agent disabled, relying on reconnect flushes")
		} else {
			logger.Warn("background agent registration failed", zap.Error(err))
		}
	} else if !manager.RegisterBackgroundSync("sync-queue") {
		logger.Info("background sync unavailable, relying on reconnect flushes")
	}

	server := httpapi.NewServerWithConfig(engine, manager, httpapi.ServerConfig{
		JWTSecret: appConfig.APISecret,
	}, logger)
	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: server,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status API listening", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildStores resolves the queue and state stores from config. When
// both DSNs point at the same bolt file a single store serves both
// roles; bbolt holds an exclusive file lock, so opening it twice would
// deadlock.
func buildStores(appConfig config.AppConfig) (fieldsync.QueueStore, fieldsync.StateStore, error) {
	queueDSN, stateDSN, err := appConfig.StorageDSNs()
	if err != nil {
		return nil, nil, err
	}
	if queueDSN != "" && queueDSN == stateDSN && isBoltDSN(queueDSN) {
		store, err := fieldsync.BuildSharedBoltStore(queueDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	}
	queueStore, err := fieldsync.BuildQueueStoreFromDSN(queueDSN, appConfig.QueueCapacity)
	if err != nil {
		return nil, nil, err
	}
	stateStore, err := fieldsync.BuildStateStoreFromDSN(stateDSN)
	if err != nil {
		if queueStore != nil {
			queueStore.Close()
		}
		return nil, nil, err
	}
	return queueStore, stateStore, nil
}

func isBoltDSN(dsn string) bool {
	lowered := strings.ToLower(strings.TrimSpace(dsn))
	return strings.HasPrefix(lowered, "bolt://") ||
		strings.HasPrefix(lowered, "boltdb://") ||
		strings.HasPrefix(lowered, "bbolt://")
}

// buildIdentity derives the actor identity from config. A decodable JWT
// contributes its subject as the actor ID; anything else is used as an
// opaque bearer token.
func buildIdentity(appConfig config.AppConfig, logger *zap.Logger) fieldsync.TokenSource {
	token := strings.TrimSpace(appConfig.AuthToken)
	actor := strings.TrimSpace(appConfig.ActorID)
	if token == "" && actor == "" {
		return nil
	}
	if token != "" && actor == "" && strings.Count(token, ".") == 2 {
		source, err := fieldsync.NewJWTTokenSource(token)
		if err == nil {
			return source
		}
		logger.Warn("remote token is not a decodable JWT, treating it as opaque", zap.Error(err))
	}
	return fieldsync.NewStaticTokenSource(actor, token)
}
