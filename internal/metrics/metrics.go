package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "abota"

// Update results used as the result label of UpdatesTotal.
const (
	ResultInstalled  = "installed"
	ResultRejected   = "rejected"
	ResultFailed     = "failed"
	ResultCommitted  = "committed"
	ResultRolledBack = "rolled_back"
)

// Environment recovery kinds used as the kind label of EnvRecoveriesTotal.
const (
	RecoveryOneCopy    = "one_copy"
	RecoveryBothCopies = "both_copies"
)

//nolint:gochecknoglobals // Collectors are process-wide by nature.
var (
	// Registry holds every agent collector plus the Go runtime collectors.
	Registry = prometheus.NewRegistry()

	// UpdatesTotal counts update transitions by result.
	UpdatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "updates_total",
		Help:      "Update transitions by result.",
	}, []string{"result"})

	// EnvRecoveriesTotal counts reads that found a corrupt environment copy.
	EnvRecoveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bootenv_recoveries_total",
		Help:      "Boot environment reads that recovered from a corrupt copy.",
	}, []string{"kind"})

	// EnvWritesTotal counts committed environment transactions.
	EnvWritesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bootenv_writes_total",
		Help:      "Boot environment transactions written.",
	})

	// PayloadBytesTotal counts payload bytes written to slots.
	PayloadBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payload_bytes_total",
		Help:      "Payload bytes written to rootfs slots.",
	})
)

func init() { //nolint:gochecknoinits // Collectors must be registered before the first scrape.
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		UpdatesTotal,
		EnvRecoveriesTotal,
		EnvWritesTotal,
		PayloadBytesTotal,
	)
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
