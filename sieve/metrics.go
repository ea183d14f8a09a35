package sieve

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/domsieve/livetree"
)

// Metrics are the Prometheus collectors of one Watcher, on a private
// registry so several watchers can live in one process.
type Metrics struct {
	reg *prometheus.Registry

	scans         *prometheus.CounterVec
	scanDuration  *prometheus.HistogramVec
	verdicts      *prometheus.CounterVec
	transformErrs *prometheus.CounterVec
	signals       *prometheus.CounterVec
	clips         *prometheus.CounterVec
	attaches      *prometheus.CounterVec
	recycles      prometheus.Counter
	eventsDropped prometheus.Counter
}

// NewMetrics registers the domsieve collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "domsieve_scans_total",
			Help: "Completed rescans by page and trigger.",
		}, []string{"page", "reason"}),
		scanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "domsieve_scan_duration_seconds",
			Help:    "Rescan wall time by page.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"page"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "domsieve_verdicts_total",
			Help: "Candidate evaluations by page and resulting mark.",
		}, []string{"page", "mark"}),
		transformErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "domsieve_transform_errors_total",
			Help: "Transformer failures by page.",
		}, []string{"page"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "domsieve_render_signals_total",
			Help: "Renderer messages relayed by pages, by type.",
		}, []string{"page", "type"}),
		clips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "domsieve_clips_total",
			Help: "Clip save attempts by outcome.",
		}, []string{"outcome"}),
		attaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "domsieve_page_attaches_total",
			Help: "Times a page was opened and instrumented.",
		}, []string{"page"}),
		recycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "domsieve_browser_recycles_total",
			Help: "Chrome restarts.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "domsieve_events_dropped_total",
			Help: "Sink events dropped because the queue was full.",
		}),
	}
	m.reg.MustRegister(m.scans, m.scanDuration, m.verdicts, m.transformErrs,
		m.signals, m.clips, m.attaches, m.recycles, m.eventsDropped)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// hooks wraps next with the page's metric updates.
func (m *Metrics) hooks(pageID string, next livetree.Hooks) livetree.Hooks {
	return livetree.Hooks{
		OnVerdict: func(c livetree.Candidate, v livetree.Verdict, prev livetree.Mark) {
			m.verdicts.WithLabelValues(pageID, v.Mark.String()).Inc()
			if next.OnVerdict != nil {
				next.OnVerdict(c, v, prev)
			}
		},
		OnScan: func(r livetree.ScanReport) {
			m.scans.WithLabelValues(pageID, r.Reason).Inc()
			m.scanDuration.WithLabelValues(pageID).Observe(r.Duration.Seconds())
			if next.OnScan != nil {
				next.OnScan(r)
			}
		},
		OnError: func(c livetree.Candidate, err error) {
			m.transformErrs.WithLabelValues(pageID).Inc()
			if next.OnError != nil {
				next.OnError(c, err)
			}
		},
	}
}
