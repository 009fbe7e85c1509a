package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nordapi-gateway/internal/config"
	"nordapi-gateway/internal/middleware"
	"nordapi-gateway/internal/repository/audit"
	"nordapi-gateway/internal/services/metrics"
	"nordapi-gateway/internal/services/nonce"
	"nordapi-gateway/internal/services/provider"
	"nordapi-gateway/internal/services/webhook"
	apierrors "nordapi-gateway/pkg/errors"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	metricsService := metrics.NewService()

	nonceStore := buildNonceStore(cfg, logger)
	defer nonceStore.Close()

	var auditRepo *audit.Repository
	if cfg.Audit.Enabled {
		db, err := openPostgres(cfg.Postgres)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer db.Close()
		auditRepo = audit.NewRepository(db, logger)
	}

	verifier := webhook.NewVerifier(cfg.Webhook, nonceStore, logger)

	limiter := provider.NewRateLimiter(cfg.RateLimit, metricsService)
	breaker := provider.NewBreaker(cfg.Breaker)
	sender := provider.NewSender(cfg.Signing, cfg.Retry, nil, limiter, breaker,
		auditRecorderOrNil(auditRepo), metricsService, logger)

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Signed pass-through to the provider API. Requests ride the full
	// outbound pipeline: rate limiting, retries and the circuit breaker.
	router.POST("/v1/payments", forwardToProvider(sender, http.MethodPost, "/v1/payments", logger))
	router.POST("/v1/refunds", forwardToProvider(sender, http.MethodPost, "/v1/refunds", logger))
	router.POST("/webhooks/nordapi",
		middleware.WebhookMiddleware(verifier, metricsService, auditRecorderOrNilWebhook(auditRepo), logger),
		func(c *gin.Context) {
			// Verification passed; acknowledge so the provider stops
			// redelivering. Payload processing is the embedder's job.
			c.Status(http.StatusOK)
		},
	)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("NordAPI gateway starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

func forwardToProvider(sender *provider.Sender, method, path string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}

		resp, err := sender.Send(c.Request.Context(), method, path, body)
		if err != nil {
			status := apierrors.GetHTTPStatus(err)
			logger.Warn("provider call failed",
				zap.String("path", path),
				zap.Int("status", status),
				zap.Error(err))
			c.JSON(status, gin.H{"error": "provider request failed"})
			return
		}
		c.Data(http.StatusOK, "application/json", resp)
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Encoding != "" {
		zapCfg.Encoding = cfg.Encoding
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zapCfg.Level = level
	}
	return zapCfg.Build()
}

func buildNonceStore(cfg *config.Config, logger *zap.Logger) nonce.Store {
	if cfg.Webhook.UseSharedNonceStore {
		logger.Info("using shared redis nonce store", zap.String("addr", cfg.Redis.Addr()))
		return nonce.NewRedisStoreFromConfig(cfg.Redis, logger)
	}
	logger.Info("using in-memory nonce store")
	return nonce.NewMemoryStore()
}

func openPostgres(cfg config.PostgresConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DB, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnectionMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// auditRecorderOrNil avoids handing a typed-nil *audit.Repository to an
// interface field, which would dodge the sender's nil check.
func auditRecorderOrNil(repo *audit.Repository) provider.AuditRecorder {
	if repo == nil {
		return nil
	}
	return repo
}

func auditRecorderOrNilWebhook(repo *audit.Repository) middleware.AuditRecorder {
	if repo == nil {
		return nil
	}
	return repo
}
