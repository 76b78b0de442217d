// Package metrics registers the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CrawlTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_tasks_processed_total",
		Help: "Crawl tasks by outcome (ok, dropped_depth, render_error, extract_error).",
	}, []string{"outcome"})

	ChildTasksEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawl_child_tasks_enqueued_total",
		Help: "Frontier tasks fanned out to the task queue.",
	})

	CacheReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "artifact_cache_reads_total",
		Help: "Content cache reads by result (hit, miss).",
	}, []string{"kind", "result"})

	BrowserLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "browser_launches_total",
		Help: "Browser launch attempts by result (ok, error).",
	}, []string{"result"})

	CallbackDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callback_deliveries_total",
		Help: "Webhook deliveries by outcome (ok, failed, missing_artifact).",
	}, []string{"outcome"})

	RenderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "page_render_duration_seconds",
		Help:    "Time to render one page including the network-idle settle.",
		Buckets: prometheus.DefBuckets,
	})
)
