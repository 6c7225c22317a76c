// Package metrics exposes the HA manager's internal counters as
// Prometheus metrics, grounded the same way necyber-goclaw and
// apimgr-vidveil instrument their own long-running daemons: package-level
// vectors built with promauto, served over plain net/http via
// promhttp.Handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TickTotal counts every completed tick, labeled by outcome so a
	// dashboard can plot the offline-retry rate against normal ticks.
	TickTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hamanager",
		Name:      "tick_total",
		Help:      "Total number of manager ticks, by outcome.",
	}, []string{"outcome"})

	// NodeStatus reports this node's current status as a gauge matching
	// the registry's integer encoding, so a single time series plots the
	// node's lifecycle without needing per-state boolean gauges.
	NodeStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hamanager",
		Name:      "node_status",
		Help:      "Current node status (0=standby 1=stopped 2=unavailable 3=active).",
	})

	// DBOffline is 1 while the registry connection is considered down.
	DBOffline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hamanager",
		Name:      "db_offline",
		Help:      "1 if the last registry operation failed as offline, 0 otherwise.",
	})

	// FailoverDelaySeconds mirrors the cluster's current failover delay
	// setting, useful for correlating failover events against config
	// changes on the same dashboard.
	FailoverDelaySeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hamanager",
		Name:      "failover_delay_seconds",
		Help:      "Current global failover delay, in seconds.",
	})

	// Promotions counts how many times this node has become active,
	// either from a cold standalone start or a standby takeover.
	Promotions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hamanager",
		Name:      "promotions_total",
		Help:      "Number of times this node transitioned to active.",
	})

	// AuditWriteFailures counts security-relevant audit entries (written
	// with audit.Emitter.RecordImmediate) that failed to persist; these
	// never block anything by themselves, but a nonzero rate means the
	// audit chain has gaps worth investigating. Errors from in-transaction
	// audit.Record calls are not counted here.
	AuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hamanager",
		Name:      "audit_write_failures_total",
		Help:      "Number of security-relevant audit entries that failed to be written.",
	})
)

// Observe updates the gauges that track a manager's latest Info snapshot.
// Call it from the manager's NotifyFunc so metrics stay in lockstep with
// the status_update frames the parent sees.
func Observe(status int, dbOffline bool, failoverDelay int) {
	NodeStatus.Set(float64(status))
	FailoverDelaySeconds.Set(float64(failoverDelay))
	if dbOffline {
		DBOffline.Set(1)
	} else {
		DBOffline.Set(0)
	}
}
