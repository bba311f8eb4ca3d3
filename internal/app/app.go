// Package app boots the guardian service: backend selection, component
// construction, and server lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kidsafe-ai/guardian/internal/anomaly"
	"github.com/kidsafe-ai/guardian/internal/audit"
	"github.com/kidsafe-ai/guardian/internal/config"
	"github.com/kidsafe-ai/guardian/internal/httpapi"
	"github.com/kidsafe-ai/guardian/internal/ratelimit"
	"github.com/kidsafe-ai/guardian/internal/storage"
	"github.com/kidsafe-ai/guardian/internal/threat"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const shutdownGrace = 10 * time.Second

// selectBackend prefers the remote backend when configured and reachable,
// falling back to the in-process store otherwise.
func selectBackend(ctx context.Context, cfg config.RedisConfig) storage.Backend {
	if cfg.Enabled && cfg.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		backend := storage.NewRedisBackend(client, cfg.Prefix)
		if errPing := backend.Ping(ctx); errPing != nil {
			log.WithError(errPing).Warn("app: redis unavailable, using memory backend")
			_ = backend.Close()
		} else {
			log.WithField("addr", cfg.Addr).Info("app: using redis backend")
			return backend
		}
	}
	return storage.NewMemoryBackend(nil)
}

// Run boots the service and blocks until ctx is cancelled or the server
// fails.
func Run(ctx context.Context, cfg config.Config) error {
	backend := selectBackend(ctx, cfg.Redis)

	var incidents *audit.IncidentStore
	if cfg.AuditDSN != "" {
		store, errOpen := audit.OpenIncidentStore(cfg.AuditDSN)
		if errOpen != nil {
			return fmt.Errorf("app: %w", errOpen)
		}
		incidents = store
	}

	limiter := ratelimit.NewLimiter(backend, ratelimit.NewPolicyResolver(nil), nil, audit.NewLogger("ratelimit"))
	threats := threat.NewDetector(cfg.BruteForce.Window, cfg.BruteForce.Threshold, nil, audit.NewLogger("threat"))
	weights := anomaly.Weights{
		Temporal:   cfg.Anomaly.Temporal,
		Activity:   cfg.Anomaly.Activity,
		Safety:     cfg.Anomaly.Safety,
		Behavioral: cfg.Anomaly.Behavioral,
	}
	anomalyDetector := anomaly.NewDetector(backend, weights, cfg.Anomaly.Threshold, nil)

	server := httpapi.NewServer(limiter, threats, anomalyDetector, incidents, cfg.JWT.Secret)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("app: guardian listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if errShutdown := httpServer.Shutdown(shutdownCtx); errShutdown != nil {
			return errShutdown
		}
		return nil
	case errServe := <-errCh:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return errServe
	}
}
