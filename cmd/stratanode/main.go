package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/stratakv/strata/internal/cluster"
	"github.com/stratakv/strata/internal/config"
	"github.com/stratakv/strata/internal/metrics"
	"github.com/stratakv/strata/internal/model"
	"github.com/stratakv/strata/internal/server"
	"github.com/stratakv/strata/internal/service"
	"github.com/stratakv/strata/internal/store"
	"github.com/stratakv/strata/internal/telemetry"
	"github.com/stratakv/strata/internal/transport"
	"github.com/stratakv/strata/internal/util/workerpool"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Node.ID),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("eviction_strategy", string(cfg.Cache.EvictionStrategy)),
		zap.Bool("replication", cfg.Replication.Enabled),
		zap.Bool("cluster", cfg.Cluster.Enabled))

	// Open the backing store
	backing, err := store.Open(cfg.Store, logger)
	if err != nil {
		logger.Fatal("Failed to open backing store", zap.Error(err))
	}

	// Metrics registry shared by the engine and the HTTP endpoint
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry, cfg.Node.ID)

	// Telemetry: operation samples flow to Prometheus off the hot path
	var collector telemetry.Collector = telemetry.NewNopCollector()
	if cfg.Metrics.Enabled {
		collector = telemetry.NewAsyncCollector(
			telemetry.NewPrometheusCollector(m), cfg.Telemetry.BufferSize, logger)
	}

	// Cache engine
	cacheSvc, err := service.NewCacheService(&service.CacheConfig{
		EvictionStrategy:  cfg.Cache.EvictionStrategy,
		WriteMode:         cfg.Cache.WriteMode,
		L1MaxSize:         cfg.Cache.L1MaxSize,
		L2MaxSize:         cfg.Cache.L2MaxSize,
		L3MaxSize:         cfg.Cache.L3MaxSize,
		DefaultTTL:        cfg.Cache.DefaultTTL,
		FlushInterval:     cfg.Cache.FlushInterval,
		CompressThreshold: cfg.Replication.CompressThreshold,
		Promotion: service.PromotionConfig{
			LFUMinFrequency:     cfg.Cache.Promotion.LFUMinFrequency,
			LRURecencyWindow:    cfg.Cache.Promotion.LRURecencyWindow,
			HybridMinFrequency:  cfg.Cache.Promotion.HybridMinFrequency,
			HybridRecencyWindow: cfg.Cache.Promotion.HybridRecencyWindow,
			DefaultMinHits:      cfg.Cache.Promotion.DefaultMinHits,
		},
	}, backing, m, collector, nil, logger)
	if err != nil {
		logger.Fatal("Failed to initialize cache service", zap.Error(err))
	}
	cacheSvc.Start()

	// Shared maintenance pool for bootstrap syncs and snapshots
	pool := workerpool.NewPool("maintenance", 4, 64, logger)

	conflictSvc := service.NewConflictService(cfg.Replication.ConflictStrategy, nil, logger)
	snapshotSvc := service.NewSnapshotService(service.SnapshotConfig{
		NodeID:            cfg.Node.ID,
		RetentionPeriod:   cfg.Replication.RetentionPeriod,
		MaxSnapshots:      cfg.Replication.MaxSnapshots,
		CompressThreshold: cfg.Replication.CompressThreshold,
	}, logger)

	localNode := &model.ReplicaNode{
		ID:        cfg.Node.ID,
		Region:    cfg.Node.Region,
		Endpoint:  cfg.Node.Endpoint,
		IsPrimary: cfg.Replication.Mode == model.PrimaryReplica,
	}

	// Transport: gossip across the cluster, loopback when standalone
	var tr transport.Transport
	var gossipSvc *cluster.GossipService
	var loopback *transport.Loopback
	if cfg.Cluster.Enabled {
		gossipSvc, err = cluster.NewGossipService(cluster.GossipConfig{
			BindAddr:       cfg.Cluster.BindAddr,
			BindPort:       cfg.Cluster.BindPort,
			AdvertiseAddr:  cfg.Cluster.AdvertiseAddr,
			AdvertisePort:  cfg.Cluster.AdvertisePort,
			SeedNodes:      cfg.Cluster.SeedNodes,
			GossipInterval: cfg.Cluster.GossipInterval,
			ProbeInterval:  cfg.Cluster.ProbeInterval,
			ProbeTimeout:   cfg.Cluster.ProbeTimeout,
			RequestTimeout: cfg.Cluster.RequestTimeout,
		}, localNode, logger)
		if err != nil {
			logger.Fatal("Failed to initialize gossip", zap.Error(err))
		}
		tr = gossipSvc
	} else {
		loopback = transport.NewLoopback()
		tr = loopback.Transport(cfg.Node.ID)
	}

	// Replication coordinator; registers itself as the cache's
	// mutation recorder
	replSvc, err := service.NewReplicationService(service.ReplicationConfig{
		NodeID:              cfg.Node.ID,
		Region:              cfg.Node.Region,
		Endpoint:            cfg.Node.Endpoint,
		Mode:                cfg.Replication.Mode,
		Consistency:         cfg.Replication.Consistency,
		ConflictStrategy:    cfg.Replication.ConflictStrategy,
		SyncInterval:        cfg.Replication.SyncInterval,
		HeartbeatInterval:   cfg.Replication.HeartbeatInterval,
		HealthCheckInterval: cfg.Replication.HealthCheckInterval,
		SnapshotInterval:    cfg.Replication.SnapshotInterval,
		WriteQuorum:         cfg.Replication.WriteQuorum,
		ReadQuorum:          cfg.Replication.ReadQuorum,
		MaxLag:              cfg.Replication.MaxLag,
		CompressThreshold:   cfg.Replication.CompressThreshold,
		RequestTimeout:      cfg.Cluster.RequestTimeout,
	}, cacheSvc, tr, conflictSvc, snapshotSvc, pool, m, nil, logger)
	if err != nil {
		logger.Fatal("Failed to initialize replication coordinator", zap.Error(err))
	}

	// Bind the inbound side of the transport and go live
	if gossipSvc != nil {
		gossipSvc.SetSink(replSvc)
		gossipSvc.SetHandler(replSvc)
		if err := gossipSvc.Start(); err != nil {
			logger.Fatal("Failed to start gossip", zap.Error(err))
		}
	} else {
		loopback.Register(cfg.Node.ID, replSvc)
	}

	if cfg.Replication.Enabled {
		replSvc.Start()
	}

	// Metrics and health endpoint
	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(
			&server.MetricsServerConfig{Port: cfg.Metrics.Port}, registry, m, backing, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	logger.Info("Strata node started", zap.String("node_id", cfg.Node.ID))

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("Metrics server shutdown failed", zap.Error(err))
		}
	}
	if cfg.Replication.Enabled {
		replSvc.Stop()
	}
	if gossipSvc != nil {
		if err := gossipSvc.Close(); err != nil {
			logger.Error("Gossip shutdown failed", zap.Error(err))
		}
	}
	if err := pool.Stop(10 * time.Second); err != nil {
		logger.Error("Worker pool shutdown failed", zap.Error(err))
	}

	// The cache flushes pending write-back entries on Stop, so the
	// store closes last.
	cacheSvc.Stop()
	collector.Close()
	if err := backing.Close(); err != nil {
		logger.Error("Backing store close failed", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}

// initLogger builds the process logger from config. Level defaults to
// info, format to JSON; "console" switches to the development encoder.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}

	level := zap.InfoLevel
	if cfg.Level != "" {
		parsed, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed.Level()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
