package main

import (
	"log/slog"

	"github.com/djlord-it/easyflow/internal/config"
)

// logConfigWarnings flags configurations that are valid but risky.
func logConfigWarnings(cfg config.Config, logger *slog.Logger) {
	if cfg.WorkTransport == "channel" && !cfg.ReconcileEnabled {
		logger.Warn("WARNING [P0]: WORK_TRANSPORT=channel with RECONCILE_ENABLED=false; " +
			"committed work buffered in memory is lost if this node crashes and nothing re-emits it")
	}
	if !cfg.ReconcileEnabled {
		logger.Warn("WARNING [P0]: RECONCILE_ENABLED=false; work claimed by a stopped node stays abandoned")
	}
	if !cfg.MetricsEnabled {
		logger.Warn("WARNING [P1]: METRICS_ENABLED=false; trigger and work throughput are not observable")
	}
	if cfg.AllowImmediateWork {
		logger.Warn("WARNING [P1]: ALLOW_IMMEDIATE_WORK=true; work may execute before the data it reads is committed")
	}
	if cfg.WorkTransport == "channel" {
		logger.Info("INFO: WORK_TRANSPORT=channel; work only runs on the node that registered it")
	}
	if cfg.WorkTransport == "amqp" && cfg.DispatcherWorkers == 1 {
		logger.Info("INFO: WORK_TRANSPORT=amqp with DISPATCHER_WORKERS=1; consider more workers per node")
	}
}
