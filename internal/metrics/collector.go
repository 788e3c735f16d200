package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/snarg/whisper-queue/internal/database"
)

// StoreStats provides the collector access to the job store at scrape time.
type StoreStats interface {
	CountJobs(ctx context.Context) (database.JobCounts, error)
	PoolStats() (total, acquired, idle int32)
}

// EngineStats reports whether the model is loaded.
type EngineStats interface {
	Loaded() bool
}

var jobStatuses = []database.JobStatus{
	database.StatusWaiting,
	database.StatusProcessing,
	database.StatusDone,
	database.StatusError,
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	store  StoreStats
	engine EngineStats

	jobs            *prometheus.Desc
	modelLoaded     *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// engine may be nil when no engine runs in this process.
func NewCollector(store StoreStats, engine EngineStats) *Collector {
	return &Collector{
		store:  store,
		engine: engine,
		jobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs"),
			"Jobs currently in each status.",
			[]string{"status"}, nil,
		),
		modelLoaded: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "engine", "model_loaded"),
			"1 when the transcription model is loaded.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.modelLoaded
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	// A failed count reports zeros rather than failing the scrape.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	counts, _ := c.store.CountJobs(ctx)
	for _, s := range jobStatuses {
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(counts[s]), string(s))
	}

	loaded := 0.0
	if c.engine != nil && c.engine.Loaded() {
		loaded = 1
	}
	ch <- prometheus.MustNewConstMetric(c.modelLoaded, prometheus.GaugeValue, loaded)

	total, acquired, idle := c.store.PoolStats()
	ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(total))
	ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(acquired))
	ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(idle))
}
