package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the register's Prometheus counters on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RecordsSaved    *prometheus.CounterVec
	RecordsSkipped  prometheus.Counter
	IntegrityPurges prometheus.Counter
	BackupsCreated  prometheus.Counter
	BackupFailures  prometheus.Counter
	RestoresApplied prometheus.Counter
	RestoreFailures *prometheus.CounterVec
	KnownCacheLoads prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RecordsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatelog_records_saved_total",
			Help: "Records encrypted and written, by kind",
		}, []string{"kind"}),
		RecordsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatelog_records_skipped_total",
			Help: "Stored records excluded from reads because they failed to decrypt",
		}),
		IntegrityPurges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatelog_known_person_integrity_purges_total",
			Help: "Known-person rows deleted because their identity hash did not match",
		}),
		BackupsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatelog_backups_created_total",
			Help: "Encrypted backups written",
		}),
		BackupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatelog_backup_failures_total",
			Help: "Backups that failed and were discarded",
		}),
		RestoresApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatelog_restores_total",
			Help: "Backup files restored",
		}),
		RestoreFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatelog_restore_failures_total",
			Help: "Rejected restores, by reason",
		}, []string{"reason"}),
		KnownCacheLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatelog_known_cache_loads_total",
			Help: "Full reloads of the decrypted known-persons cache",
		}),
	}
	reg.MustRegister(
		m.RecordsSaved, m.RecordsSkipped, m.IntegrityPurges,
		m.BackupsCreated, m.BackupFailures, m.RestoresApplied,
		m.RestoreFailures, m.KnownCacheLoads,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncRecordSaved(kind string) {
	if m != nil {
		m.RecordsSaved.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) AddRecordsSkipped(n int) {
	if m != nil && n > 0 {
		m.RecordsSkipped.Add(float64(n))
	}
}

func (m *Metrics) IncIntegrityPurge() {
	if m != nil {
		m.IntegrityPurges.Inc()
	}
}

func (m *Metrics) IncBackupCreated() {
	if m != nil {
		m.BackupsCreated.Inc()
	}
}

func (m *Metrics) IncBackupFailure() {
	if m != nil {
		m.BackupFailures.Inc()
	}
}

func (m *Metrics) IncRestore() {
	if m != nil {
		m.RestoresApplied.Inc()
	}
}

func (m *Metrics) IncRestoreFailure(reason string) {
	if m != nil {
		m.RestoreFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncKnownCacheLoad() {
	if m != nil {
		m.KnownCacheLoads.Inc()
	}
}
