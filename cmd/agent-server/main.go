package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/vantagepay/agentmesh/internal/a2a"
	"github.com/vantagepay/agentmesh/internal/audit"
	"github.com/vantagepay/agentmesh/internal/config"
	"github.com/vantagepay/agentmesh/internal/logging"
	"github.com/vantagepay/agentmesh/internal/mtls"
	"github.com/vantagepay/agentmesh/internal/oauth"
	"github.com/vantagepay/agentmesh/internal/service"
	"github.com/vantagepay/agentmesh/pkg/server"
)

func main() {
	config.LoadEnv(".env")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatalw("agent server failed", "error", err)
	}
}

func run(cfg *config.Config, logger *zap.SugaredLogger) error {
	keyPath := cfg.OAuth.SigningKeyPath
	if keyPath == "" {
		keyPath = filepath.Join(cfg.MTLS.CertPath, "oauth", "signing.key")
	}
	keys, err := oauth.LoadOrGenerateKeyManager(keyPath, cfg.OAuth.SigningKeyBits)
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}

	oauthProvider := oauth.NewProvider(cfg.OAuth, keys, logger)
	defer oauthProvider.Close()

	mtlsProvider, err := mtls.NewProvider(cfg.MTLS, logger)
	if err != nil {
		return fmt.Errorf("starting certificate authority: %w", err)
	}

	var replay a2a.ReplayCache
	if cfg.Redis.URL != "" {
		redisReplay, err := a2a.NewRedisReplayCache(cfg.Redis.URL, time.Hour)
		if err != nil {
			return fmt.Errorf("connecting replay cache: %w", err)
		}
		replay = redisReplay
		logger.Infow("replay cache backed by redis")
	}

	var archiver audit.Archiver
	if cfg.Audit.PostgresURL != "" {
		archive, err := audit.NewPostgresArchive(cfg.Audit.PostgresURL)
		if err != nil {
			return fmt.Errorf("connecting audit archive: %w", err)
		}
		defer archive.Close()
		archiver = archive
		logger.Infow("audit archive enabled")
	}

	var publisher audit.Publisher
	if cfg.Audit.AMQPURL != "" {
		amqpPublisher, err := audit.NewAMQPPublisher(cfg.Audit.AMQPURL, cfg.Audit.AMQPExchange)
		if err != nil {
			return fmt.Errorf("connecting audit publisher: %w", err)
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
		logger.Infow("audit event fanout enabled", "exchange", cfg.Audit.AMQPExchange)
	}

	auditLog := audit.NewLog(archiver, publisher, logger)
	comm := a2a.NewCommunicator(cfg.Comm, cfg.AgentID, oauthProvider, mtlsProvider, replay, logger)
	svc := service.New(cfg, oauthProvider, mtlsProvider, comm, auditLog, logger)

	httpServer := server.New(svc, comm, logger)
	logger.Infow("agent server listening", "agentId", cfg.AgentID, "addr", cfg.ListenAddr)
	return http.ListenAndServe(cfg.ListenAddr, httpServer.Handler())
}
