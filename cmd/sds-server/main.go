// SDS Server
//
// Serves versioned software artifacts over HTTP:
// - Transactional publishing (new-version / put / delete / finalize)
// - Leases so only one publisher works on an artifact at a time
// - Signed requests checked against a YAML access file
// - Optional zip snapshot archival (local or S3)
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fruitsalade/sds/internal/api"
	"github.com/fruitsalade/sds/internal/archive"
	"github.com/fruitsalade/sds/internal/auth"
	"github.com/fruitsalade/sds/internal/config"
	"github.com/fruitsalade/sds/internal/lease"
	"github.com/fruitsalade/sds/internal/logging"
	"github.com/fruitsalade/sds/internal/metrics"
	"github.com/fruitsalade/sds/internal/repository"
	s3backend "github.com/fruitsalade/sds/internal/storage/s3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("SDS server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("repository", cfg.RepositoryPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authz, err := auth.Load(cfg.AccessFile, nil)
	if err != nil {
		logging.Fatal("access file", zap.Error(err))
	}
	artifacts := authz.Artifacts()
	logging.Info("access file loaded", zap.Strings("artifacts", artifacts))

	leases := lease.NewManager(cfg.LeaseTTL)
	repo, err := repository.New(afero.NewOsFs(), leases, repository.Config{
		Root:           cfg.RepositoryPath,
		Artifacts:      artifacts,
		IndexCacheSize: cfg.IndexCacheSize,
	})
	if err != nil {
		logging.Fatal("repository init failed", zap.Error(err))
	}

	backend, err := archive.NewBackend(ctx, archive.BackendConfig{
		Type:      cfg.ArchiveBackend,
		LocalPath: cfg.ArchiveLocalPath,
		S3: s3backend.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		},
	})
	if err != nil {
		logging.Fatal("archive backend init failed", zap.Error(err))
	}
	if backend != nil {
		defer backend.Close()
		repo.OnFinalize(archive.New(backend, cfg.ArchiveKeep, nil).Hook())
		logging.Info("snapshot archival enabled",
			zap.String("backend", backend.Type()),
			zap.Int("keep", cfg.ArchiveKeep))
	}

	srv := api.NewServer(repo, authz, cfg.MaxUploadSize)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metrics.Handler(),
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	if cfg.TLSEnabled() {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Graceful shutdown: let running transactions finish their current request.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("shutdown", zap.Error(err))
		}
		if metricsServer != nil {
			metricsServer.Close()
		}
	}()

	if cfg.TLSEnabled() {
		logging.Info("server listening (TLS)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("server error", zap.Error(err))
		}
	}
}
