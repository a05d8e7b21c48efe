// Package metrics exports the scheduling events of arbor contexts as
// Prometheus metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/canonical/arbor/arbor"
)

// Observer is an arbor.Observer recording Prometheus metrics. Register it in
// a context through arbor.Config.Observer.
type Observer struct {
	submitted *prometheus.CounterVec
	performed *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	cancelled *prometheus.CounterVec
	timeouts  *prometheus.CounterVec
	loops     *prometheus.CounterVec

	roots *rootCollector
}

var _ arbor.Observer = &Observer{}

// New returns an Observer whose metrics are registered with reg. It panics
// if a metric cannot be registered. If reg is nil, nothing is registered.
func New(reg prometheus.Registerer) *Observer {
	factory := promauto.With(reg)
	o := &Observer{
		submitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbor",
			Name:      "actions_submitted_total",
			Help:      "Thread local actions submitted, by action.",
		}, []string{"action"}),
		performed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbor",
			Name:      "actions_performed_total",
			Help:      "Thread local action performs, by action and outcome.",
		}, []string{"action", "outcome"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arbor",
			Name:      "action_perform_duration_seconds",
			Help:      "Duration of thread local action performs.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"action"}),
		cancelled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbor",
			Name:      "actions_cancelled_total",
			Help:      "Thread local actions cancelled before completing.",
		}, []string{"action"}),
		timeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbor",
			Name:      "synchronous_timeouts_total",
			Help:      "Synchronous thread local actions that timed out waiting for their threads.",
		}, []string{"action"}),
		loops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbor",
			Name:      "loop_iterations_total",
			Help:      "Loop iterations reported by call targets.",
		}, []string{"target"}),
		roots: &rootCollector{
			rewrites: prometheus.NewDesc("arbor_node_rewrites", "Node replacements performed in a root.", []string{"root"}, nil),
			calls:    prometheus.NewDesc("arbor_calls", "Calls started on a call target.", []string{"root"}, nil),
		},
	}
	if reg != nil {
		reg.MustRegister(o.roots)
	}
	return o
}

func actionLabel(action *arbor.ThreadLocalAction) string {
	if action.Name == "" {
		return "unnamed"
	}
	return action.Name
}

func (o *Observer) ActionSubmitted(_ *arbor.Context, action *arbor.ThreadLocalAction, threads int) {
	o.submitted.WithLabelValues(actionLabel(action)).Add(float64(threads))
}

func (o *Observer) ActionPerformed(_ *arbor.Context, action *arbor.ThreadLocalAction, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	label := actionLabel(action)
	o.performed.WithLabelValues(label, outcome).Inc()
	o.latency.WithLabelValues(label).Observe(elapsed.Seconds())
}

func (o *Observer) ActionCancelled(_ *arbor.Context, action *arbor.ThreadLocalAction) {
	o.cancelled.WithLabelValues(actionLabel(action)).Inc()
}

func (o *Observer) SynchronousTimeout(_ *arbor.Context, action *arbor.ThreadLocalAction) {
	o.timeouts.WithLabelValues(actionLabel(action)).Inc()
}

func (o *Observer) LoopCountReported(target *arbor.CallTarget, count int) {
	o.loops.WithLabelValues(target.String()).Add(float64(count))
}

// WatchRoot exports the rewrite and call counts of root.
func (o *Observer) WatchRoot(root *arbor.RootNode) {
	o.roots.add(root)
}

// rootCollector reads the counters of the watched roots at scrape time.
type rootCollector struct {
	rewrites *prometheus.Desc
	calls    *prometheus.Desc

	mu    sync.Mutex
	roots []*arbor.RootNode
}

func (rc *rootCollector) add(root *arbor.RootNode) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.roots = append(rc.roots, root)
}

func (rc *rootCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- rc.rewrites
	ch <- rc.calls
}

func (rc *rootCollector) Collect(ch chan<- prometheus.Metric) {
	rc.mu.Lock()
	roots := append([]*arbor.RootNode(nil), rc.roots...)
	rc.mu.Unlock()

	for _, root := range roots {
		name := root.String()
		ch <- prometheus.MustNewConstMetric(rc.rewrites, prometheus.CounterValue, float64(root.RewriteCount()), name)
		ch <- prometheus.MustNewConstMetric(rc.calls, prometheus.CounterValue, float64(root.CallTarget().CallCount()), name)
	}
}
