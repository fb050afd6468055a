// Package metrics exports delivery statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/schaermu/diffsyncd/internal/delivery"
)

// Collector implements delivery.Observer.
type Collector struct {
	linesSent *prometheus.CounterVec
	jobs      *prometheus.CounterVec
	active    prometheus.GaugeFunc
}

// New registers the delivery metrics with reg. active reports the number
// of jobs currently registered.
func New(reg prometheus.Registerer, active func() int) (*Collector, error) {
	c := &Collector{
		linesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diffsyncd_lines_sent_total",
			Help: "Command lines handed to session transports.",
		}, []string{"session", "backend"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diffsyncd_jobs_finished_total",
			Help: "Deliveries that left the registry, by final state.",
		}, []string{"state"}),
		active: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "diffsyncd_jobs_active",
			Help: "Deliveries currently registered.",
		}, func() float64 { return float64(active()) }),
	}
	for _, col := range []prometheus.Collector{c.linesSent, c.jobs, c.active} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) LinesSent(job delivery.JobStatus, n int) {
	if n > 0 {
		c.linesSent.WithLabelValues(job.Session, job.Backend).Add(float64(n))
	}
}

func (c *Collector) JobFinished(job delivery.JobStatus) {
	c.jobs.WithLabelValues(job.State).Inc()
}
