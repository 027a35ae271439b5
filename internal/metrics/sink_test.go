package metrics

import (
	"github.com/djlord-it/easyflow/internal/correlation"
	"github.com/djlord-it/easyflow/internal/dispatcher"
	"github.com/djlord-it/easyflow/internal/leaderelection"
	"github.com/djlord-it/easyflow/internal/reconciler"
	"github.com/djlord-it/easyflow/internal/scheduler"
	"github.com/djlord-it/easyflow/internal/transport/channel"
)

// Sink must satisfy every component's metrics interface.
var (
	_ scheduler.MetricsSink      = Sink(nil)
	_ dispatcher.MetricsSink     = Sink(nil)
	_ channel.MetricsSink        = Sink(nil)
	_ correlation.MetricsSink    = Sink(nil)
	_ reconciler.MetricsSink     = Sink(nil)
	_ leaderelection.MetricsSink = Sink(nil)
)
