// Package metrics records one run's outcome for the node_exporter textfile
// collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Tier labels for prune metrics.
const (
	TierLocal  = "local"
	TierRemote = "remote"
)

// Run holds the gauges of a single backup or restore invocation.
type Run struct {
	registry *prometheus.Registry
	start    time.Time

	lastRun      prometheus.Gauge
	lastSuccess  prometheus.Gauge
	success      prometheus.Gauge
	duration     prometheus.Gauge
	artifactSize prometheus.Gauge
	pruned       *prometheus.GaugeVec
	pruneFails   *prometheus.GaugeVec
}

// NewRun creates a fresh registry; operation is "backup" or "restore".
func NewRun(operation, hostname string, now time.Time) *Run {
	labels := prometheus.Labels{"operation": operation, "hostname": hostname}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: labels})
	}
	r := &Run{
		registry:     prometheus.NewRegistry(),
		start:        now,
		lastRun:      gauge("etcd_backup_last_run_timestamp_seconds", "Unix time the last run started."),
		lastSuccess:  gauge("etcd_backup_last_success_timestamp_seconds", "Unix time the last successful run finished."),
		success:      gauge("etcd_backup_success", "1 if the last run succeeded, 0 otherwise."),
		duration:     gauge("etcd_backup_duration_seconds", "Wall time of the last run."),
		artifactSize: gauge("etcd_backup_artifact_size_bytes", "Size of the artifact produced or restored."),
		pruned: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "etcd_backup_pruned_total", Help: "Artifacts deleted by retention in the last run.", ConstLabels: labels,
		}, []string{"tier"}),
		pruneFails: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "etcd_backup_prune_failures_total", Help: "Retention deletions that failed in the last run.", ConstLabels: labels,
		}, []string{"tier"}),
	}
	r.registry.MustRegister(r.lastRun, r.lastSuccess, r.success, r.duration, r.artifactSize, r.pruned, r.pruneFails)
	r.lastRun.Set(float64(now.Unix()))
	return r
}

func (r *Run) ArtifactSize(n int64) { r.artifactSize.Set(float64(n)) }

func (r *Run) Pruned(tier string, n int) { r.pruned.WithLabelValues(tier).Set(float64(n)) }

func (r *Run) PruneFailures(tier string, n int) { r.pruneFails.WithLabelValues(tier).Set(float64(n)) }

// Finish stamps the outcome and duration.
func (r *Run) Finish(ok bool, now time.Time) {
	r.duration.Set(now.Sub(r.start).Seconds())
	if ok {
		r.success.Set(1)
		r.lastSuccess.Set(float64(now.Unix()))
		return
	}
	r.success.Set(0)
}

func (r *Run) Registry() *prometheus.Registry { return r.registry }

// WriteTextfile atomically replaces path with the current values.
// An empty path is a no-op.
func (r *Run) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
