package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RouterStats exposes the router's observability counters.
type RouterStats interface {
	PendingWork() int
	PendingMsgs() int
	ShardCallCounts() []int
}

// Collector is a prometheus.Collector that gathers callgrid metrics at scrape time.
type Collector struct {
	counters  *Counters
	router    RouterStats
	startTime time.Time

	// Metric descriptors.
	liveCallsDesc   *prometheus.Desc
	appCallsDesc    *prometheus.Desc
	pendingWorkDesc *prometheus.Desc
	pendingMsgsDesc *prometheus.Desc
	shardCallsDesc  *prometheus.Desc
	uptimeDesc      *prometheus.Desc
}

// NewCollector creates a new metrics collector. The router may be nil if unavailable.
func NewCollector(counters *Counters, router RouterStats, startTime time.Time) *Collector {
	return &Collector{
		counters:  counters,
		router:    router,
		startTime: startTime,

		liveCallsDesc: prometheus.NewDesc(
			"callgrid_live_calls",
			"Number of live call workers across all applications",
			nil, nil,
		),
		appCallsDesc: prometheus.NewDesc(
			"callgrid_app_calls",
			"Number of live call workers per application",
			[]string{"app"}, nil,
		),
		pendingWorkDesc: prometheus.NewDesc(
			"callgrid_pending_work",
			"Synchronous work items dispatched but not yet acknowledged",
			nil, nil,
		),
		pendingMsgsDesc: prometheus.NewDesc(
			"callgrid_pending_msgs",
			"Messages queued in router shard mailboxes",
			nil, nil,
		),
		shardCallsDesc: prometheus.NewDesc(
			"callgrid_shard_calls",
			"Registered calls per router shard",
			[]string{"shard"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callgrid_uptime_seconds",
			"Seconds since the callgrid process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.liveCallsDesc
	ch <- c.appCallsDesc
	ch <- c.pendingWorkDesc
	ch <- c.pendingMsgsDesc
	ch <- c.shardCallsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries the counters and the
// router at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		c.liveCallsDesc, prometheus.GaugeValue,
		float64(c.counters.LiveCalls()),
	)

	for app, n := range c.counters.PerApp() {
		ch <- prometheus.MustNewConstMetric(
			c.appCallsDesc, prometheus.GaugeValue,
			float64(n), app,
		)
	}

	if c.router != nil {
		ch <- prometheus.MustNewConstMetric(
			c.pendingWorkDesc, prometheus.GaugeValue,
			float64(c.router.PendingWork()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.pendingMsgsDesc, prometheus.GaugeValue,
			float64(c.router.PendingMsgs()),
		)
		for pos, n := range c.router.ShardCallCounts() {
			ch <- prometheus.MustNewConstMetric(
				c.shardCallsDesc, prometheus.GaugeValue,
				float64(n), shardLabel(pos),
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

func shardLabel(pos int) string {
	// Matches the shard debug names used in router logs.
	return "router_" + strconv.Itoa(pos)
}
