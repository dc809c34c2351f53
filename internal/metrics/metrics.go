// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "megamd_jobs_running",
		Help: "Number of pipeline jobs currently running.",
	})
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "megamd_jobs_total",
		Help: "Terminal job outcomes.",
	}, []string{"status"})
	DownloadsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "megamd_asset_downloads_running",
		Help: "Number of reference database downloads in flight.",
	})
	DownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "megamd_asset_download_bytes_total",
		Help: "Bytes fetched for reference database bundles.",
	})
)
