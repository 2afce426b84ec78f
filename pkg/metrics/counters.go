package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "playgrounded"

// Counters tracks process wide live-report activity. Each instance owns its
// registry, so several sets can coexist in one process.
type Counters struct {
	registry *prometheus.Registry
	polls    *prometheus.CounterVec
	reports  *prometheus.CounterVec
	relay    *prometheus.CounterVec
}

// Snapshot is the serializable view of Counters served on /healthz.
type Snapshot struct {
	Polls          int64 `json:"polls"`
	PollFailures   int64 `json:"pollFailures"`
	Submissions    int64 `json:"submissions"`
	RelayFallbacks int64 `json:"relayFallbacks"`
	Rollbacks      int64 `json:"rollbacks"`
	Undos          int64 `json:"undos"`
}

// NewCounters constructs a zeroed counter set registered with a fresh registry.
func NewCounters() *Counters {
	c := &Counters{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crowdsense_polls_total",
			Help:      "CrowdSense polls by result.",
		}, []string{"result"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Report taps by outcome.",
		}, []string{"outcome"}),
		relay: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_fallbacks_total",
			Help:      "Upstream requests retried through the relay.",
		}, []string{"method"}),
	}
	c.registry.MustRegister(
		c.polls,
		c.reports,
		c.relay,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, result := range []string{"ok", "error"} {
		c.polls.WithLabelValues(result)
	}
	for _, outcome := range []string{"submitted", "rolled_back", "undone"} {
		c.reports.WithLabelValues(outcome)
	}
	return c
}

func (c *Counters) PollSucceeded() {
	if c != nil {
		c.polls.WithLabelValues("ok").Inc()
	}
}

func (c *Counters) PollFailed() {
	if c != nil {
		c.polls.WithLabelValues("error").Inc()
	}
}

func (c *Counters) Submitted() {
	if c != nil {
		c.reports.WithLabelValues("submitted").Inc()
	}
}

// RelayUsed counts one request that fell back to the relay.
func (c *Counters) RelayUsed(method string) {
	if c != nil {
		c.relay.WithLabelValues(method).Inc()
	}
}

func (c *Counters) RolledBack() {
	if c != nil {
		c.reports.WithLabelValues("rolled_back").Inc()
	}
}

func (c *Counters) Undone() {
	if c != nil {
		c.reports.WithLabelValues("undone").Inc()
	}
}

// Handler exposes the registry in the Prometheus text format.
func (c *Counters) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Snapshot reads all counters.
func (c *Counters) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	ok := value(c.polls.WithLabelValues("ok"))
	failed := value(c.polls.WithLabelValues("error"))
	return Snapshot{
		Polls:          ok + failed,
		PollFailures:   failed,
		Submissions:    value(c.reports.WithLabelValues("submitted")),
		RelayFallbacks: sum(c.relay),
		Rollbacks:      value(c.reports.WithLabelValues("rolled_back")),
		Undos:          value(c.reports.WithLabelValues("undone")),
	}
}

func value(m prometheus.Metric) int64 {
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		return 0
	}
	return int64(out.GetCounter().GetValue())
}

func sum(vec *prometheus.CounterVec) int64 {
	ch := make(chan prometheus.Metric, 16)
	go func() {
		vec.Collect(ch)
		close(ch)
	}()
	var total int64
	for m := range ch {
		total += value(m)
	}
	return total
}
