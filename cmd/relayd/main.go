package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/NikhilSetiya/telemetry-relay/internal/admin"
	"github.com/NikhilSetiya/telemetry-relay/internal/coordinator"
	"github.com/NikhilSetiya/telemetry-relay/internal/health"
	"github.com/NikhilSetiya/telemetry-relay/internal/storage"
	"github.com/NikhilSetiya/telemetry-relay/internal/syncer"
	"github.com/NikhilSetiya/telemetry-relay/pkg/config"
	"github.com/NikhilSetiya/telemetry-relay/pkg/logging"
	"github.com/NikhilSetiya/telemetry-relay/pkg/metrics"
	"github.com/NikhilSetiya/telemetry-relay/pkg/tracing"
	"github.com/NikhilSetiya/telemetry-relay/pkg/types"
)

const version = "1.0.0"

func main() {
	// Load .env for local development; ignore if absent
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "telemetry-relay",
		Version:     version,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	m := metrics.NewMetrics()

	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "telemetry-relay",
		ServiceVersion: version,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	// Warm tier falls back to memory when Redis is not configured
	var warmBackend storage.Backend
	if cfg.Redis.Host != "" {
		redisClient, err := storage.NewRedisClient(&cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Health(ctx); err != nil {
			log.Fatalf("Redis health check failed: %v", err)
		}
		cancel()

		warmBackend = storage.NewRedisBackend(redisClient)
		logger.Info("Redis connection established", "addr", cfg.RedisAddr())
	}

	// Cold tier falls back to memory when Postgres is not configured
	var coldBackend storage.Backend
	if cfg.Database.Host != "" {
		db, err := storage.NewDB(&cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.Health(ctx); err != nil {
			log.Fatalf("Database health check failed: %v", err)
		}
		cancel()

		coldBackend = storage.NewPostgresBackend(db)
		logger.Info("Database connection established", "host", cfg.Database.Host)
	}

	store := storage.New(cfg.Storage, warmBackend, coldBackend)
	defer store.Stop()

	monitor := health.NewMonitor(cfg.HealthMonitor)
	monitor.SetMetrics(m)
	for _, ep := range cfg.HealthMonitor.Endpoints {
		if err := monitor.Register(ep.Region, ep.URL); err != nil {
			log.Fatalf("Failed to register health endpoint %s: %v", ep.Region, err)
		}
	}
	monitor.Start()
	defer monitor.Stop()

	coord := coordinator.New(cfg, monitor, store, m)
	defer coord.Stop()

	uploader := newUploader(cfg.Sync.UploadURL, tracer)
	syncs := syncer.NewManager(store, uploader.sync, nil)
	syncs.SetMetrics(m)
	if cfg.Sync.UploadURL != "" {
		syncs.Start(func() time.Duration {
			interval := monitor.Recommendation(monitor.Primary()).UploadInterval
			if interval < cfg.Sync.MinInterval {
				interval = cfg.Sync.MinInterval
			}
			return interval
		})
		defer syncs.Stop()
	} else {
		logger.Warn("No upload URL configured, stored items drain only via the admin API")
	}

	adminServer := admin.NewServer(cfg.Admin, coord, syncs, m, version)
	go func() {
		if err := adminServer.Start(); err != nil {
			log.Fatalf("Failed to start admin server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := adminServer.Shutdown(ctx); err != nil {
		log.Fatalf("Admin server forced to shutdown: %v", err)
	}
	if err := tracer.Shutdown(ctx); err != nil {
		logger.Warn("Tracer shutdown failed", "error", err.Error())
	}

	logger.Info("Shutdown complete")
}

// uploader replays stored items against the upstream ingest endpoint
type uploader struct {
	url    string
	client *http.Client
}

func newUploader(url string, tracer *tracing.TracingService) *uploader {
	client := &http.Client{Timeout: 30 * time.Second}
	return &uploader{
		url:    url,
		client: tracer.InstrumentHTTPClient(client),
	}
}

type uploadItem struct {
	ID       string          `json:"id"`
	Type     types.DataType  `json:"type"`
	Priority types.Priority  `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
}

func (u *uploader) sync(ctx context.Context, items []*storage.StoredItem) error {
	batch := make([]uploadItem, 0, len(items))
	for _, item := range items {
		batch = append(batch, uploadItem{
			ID:       item.ID,
			Type:     item.Type,
			Priority: item.Priority,
			Payload:  json.RawMessage(item.Data),
		})
	}

	body, err := json.Marshal(map[string]interface{}{"items": batch})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("upload returned status %d", resp.StatusCode)
	}
	return nil
}
