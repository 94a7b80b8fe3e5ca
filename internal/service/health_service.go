package service

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stratakv/strata/internal/model"
)

// HealthConfig holds the thresholds health evaluation runs against.
type HealthConfig struct {
	HeartbeatInterval time.Duration
	MaxLag            time.Duration
	CapacityWarn      float64
	CapacityMax       float64
}

// NodeActivity carries the per-node sync counters accumulated since the
// previous health pass, used to derive throughput and error rate.
type NodeActivity struct {
	Attempts uint64
	Failures uint64
	Shipped  uint64
	Window   time.Duration
}

// HealthService recomputes replica health from heartbeat recency,
// replication lag and capacity pressure. Evaluation is pure: health is
// derived from current inputs on every pass, so a node that resumes
// heartbeating moves straight from offline back to healthy.
type HealthService struct {
	config *HealthConfig
	logger *zap.Logger
}

// NewHealthService creates a health service with the given thresholds.
// Zero capacity thresholds default to 0.85 warn and 0.95 max.
func NewHealthService(cfg *HealthConfig, logger *zap.Logger) *HealthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CapacityWarn <= 0 {
		cfg.CapacityWarn = 0.85
	}
	if cfg.CapacityMax <= 0 {
		cfg.CapacityMax = 0.95
	}
	return &HealthService{config: cfg, logger: logger}
}

// Evaluate derives the node's health and diagnostics. Errors report
// threshold breaches, warnings report thresholds being approached.
func (s *HealthService) Evaluate(node *model.ReplicaNode, activity NodeActivity, now time.Time) model.NodeDiagnostics {
	diag := model.NodeDiagnostics{
		NodeID:        node.ID,
		HeartbeatAge:  now.Sub(node.LastHeartbeat),
		Lag:           node.Lag,
		CapacityRatio: node.CapacityRatio(),
	}
	if activity.Window > 0 {
		diag.Throughput = float64(activity.Shipped) / activity.Window.Seconds()
	}
	if activity.Attempts > 0 {
		diag.ErrorRate = float64(activity.Failures) / float64(activity.Attempts)
	}

	health := model.NodeHealthy

	hb := s.config.HeartbeatInterval
	if hb > 0 && !node.LastHeartbeat.IsZero() {
		switch {
		case diag.HeartbeatAge > 3*hb:
			health = model.NodeOffline
			diag.Errors = append(diag.Errors, fmt.Sprintf("no heartbeat for %s", diag.HeartbeatAge.Round(time.Millisecond)))
		case diag.HeartbeatAge > 2*hb:
			health = model.NodeUnhealthy
			diag.Errors = append(diag.Errors, fmt.Sprintf("heartbeat stale by %s", diag.HeartbeatAge.Round(time.Millisecond)))
		case diag.HeartbeatAge > hb:
			health = worseOf(health, model.NodeDegraded)
			diag.Warnings = append(diag.Warnings, fmt.Sprintf("heartbeat overdue by %s", (diag.HeartbeatAge - hb).Round(time.Millisecond)))
		}
	}

	if maxLag := s.config.MaxLag; maxLag > 0 {
		switch {
		case node.Lag > 2*maxLag:
			health = worseOf(health, model.NodeUnhealthy)
			diag.Errors = append(diag.Errors, fmt.Sprintf("replication lag %s exceeds limit %s", node.Lag, maxLag))
		case node.Lag > maxLag:
			health = worseOf(health, model.NodeDegraded)
			diag.Warnings = append(diag.Warnings, fmt.Sprintf("replication lag %s above target %s", node.Lag, maxLag))
		}
	}

	switch ratio := diag.CapacityRatio; {
	case ratio >= s.config.CapacityMax:
		health = worseOf(health, model.NodeUnhealthy)
		diag.Errors = append(diag.Errors, fmt.Sprintf("capacity %.0f%% used", ratio*100))
	case ratio >= s.config.CapacityWarn:
		health = worseOf(health, model.NodeDegraded)
		diag.Warnings = append(diag.Warnings, fmt.Sprintf("capacity approaching limit at %.0f%%", ratio*100))
	}

	if activity.Attempts >= 2 && diag.ErrorRate > 0.5 {
		health = worseOf(health, model.NodeDegraded)
		diag.Warnings = append(diag.Warnings, fmt.Sprintf("sync error rate %.0f%%", diag.ErrorRate*100))
	}

	diag.Health = health

	if health != node.Health {
		s.logger.Info("Node health changed",
			zap.String("node_id", node.ID),
			zap.String("from", string(node.Health)),
			zap.String("to", string(health)))
	}

	return diag
}

func worseOf(a, b model.NodeHealth) model.NodeHealth {
	if b.WorseThan(a) {
		return b
	}
	return a
}
