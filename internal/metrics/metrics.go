package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)

	// Delivery
	SendAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bridge_send_attempts_total", Help: "Bridge send outcomes."},
		[]string{"outcome"}, // sent | rejected | error | lock_held
	)
	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bridge_send_duration_seconds",
			Help:    "Bridge send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
	RetriesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "delivery_retries_scheduled_total", Help: "Backoff retries scheduled."},
	)
	MessagesParked = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "delivery_messages_parked_total", Help: "Messages pushed to the failure queue after exhausting retries."},
	)

	// Recovery
	RecoveryRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "recovery_requeued_total", Help: "Failure-queue records re-submitted for delivery."},
	)
	RecoverySkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "recovery_skipped_total", Help: "Failure-queue records or channels skipped."},
		[]string{"reason"}, // bad_record | message_gone | bridge_down
	)

	// Ingestion
	IngestContacts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "history_contacts_total", Help: "Contact ingestion results."},
		[]string{"result"}, // created | skipped | error
	)
	IngestMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "history_messages_total", Help: "Message ingestion results."},
		[]string{"result"}, // created | filtered | duplicate | claimed_elsewhere | error
	)

	// Job engine
	JobClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "jobs_claim_total", Help: "Job claim attempts."},
		[]string{"result"}, // ok | empty | error
	)
	JobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "jobs_run_total", Help: "Job execution outcomes."},
		[]string{"job", "result"}, // ok | discarded | retried | exhausted
	)
)

// Register default + our collectors
func MustRegister() {
	prometheus.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		HTTPRequests, HTTPDuration,
		SendAttempts, SendDuration, RetriesScheduled, MessagesParked,
		RecoveryRequeued, RecoverySkipped,
		IngestContacts, IngestMessages,
		JobClaims, JobRuns,
	)
}

// PGXPoolStats exports a tiny pgxpool stats exporter.
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Counter
	acquireLatency prometheus.Counter
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquires_total", Help: "Total pool acquires.",
		}),
		acquireLatency: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)

	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			m.acquireCount.Add(float64(s.AcquireCount()))
			m.acquireLatency.Add(s.AcquireDuration().Seconds())
		}
	}
}
