package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector is an optional sink for server metrics.
//
// Methods are called from session goroutines and must be non-blocking;
// implementations that do significant work should dispatch it
// asynchronously. The server checks for nil before calling.
type MetricsCollector interface {
	// RecordSession is called when a session starts (opened=true) and
	// when it ends (opened=false).
	RecordSession(opened bool)

	// RecordCommand is called for each reply the control loop writes
	// directly for a parsed command, including the 530 of the pre-auth
	// gate and the 502 for unknown commands. code is the FTP reply code.
	// Replies delivered later through the event bus (such as a transfer's
	// 226), the 500 for an unparsable line and the 421 after a handler
	// error are not recorded.
	RecordCommand(cmd string, code int)

	// RecordTransfer is called when a data transfer finishes, whatever
	// the outcome.
	RecordTransfer(operation string, bytes int64, duration time.Duration)

	// RecordAuthentication is called for every login attempt.
	RecordAuthentication(success bool, user string)
}

// PromCollector is a MetricsCollector backed by Prometheus.
//
// Exposed series:
//   - ftpd_active_sessions (gauge)
//   - ftpd_commands_total{command,class} (counter)
//   - ftpd_bytes_in_total / ftpd_bytes_out_total (counters)
//   - ftpd_transfer_duration_seconds{operation} (histogram)
//   - ftpd_auth_attempts_total{outcome} (counter)
type PromCollector struct {
	activeSessions   prometheus.Gauge
	commandsTotal    *prometheus.CounterVec
	bytesIn          prometheus.Counter
	bytesOut         prometheus.Counter
	transferDuration *prometheus.HistogramVec
	authAttempts     *prometheus.CounterVec
}

// NewPromCollector creates the collector and registers its series with reg.
func NewPromCollector(reg prometheus.Registerer) (*PromCollector, error) {
	c := &PromCollector{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ftpd_active_sessions",
			Help: "Number of control connections currently being served.",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpd_commands_total",
			Help: "FTP commands processed, by command and reply class.",
		}, []string{"command", "class"}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ftpd_bytes_in_total",
			Help: "Payload bytes received on data channels.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ftpd_bytes_out_total",
			Help: "Payload bytes sent on data channels.",
		}),
		transferDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ftpd_transfer_duration_seconds",
			Help:    "Data transfer duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"operation"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpd_auth_attempts_total",
			Help: "Authentication attempts, by outcome.",
		}, []string{"outcome"}),
	}

	for _, col := range []prometheus.Collector{
		c.activeSessions, c.commandsTotal, c.bytesIn, c.bytesOut,
		c.transferDuration, c.authAttempts,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *PromCollector) RecordSession(opened bool) {
	if opened {
		c.activeSessions.Inc()
	} else {
		c.activeSessions.Dec()
	}
}

func (c *PromCollector) RecordCommand(cmd string, code int) {
	class := "5xx"
	switch code / 100 {
	case 1:
		class = "1xx"
	case 2:
		class = "2xx"
	case 3:
		class = "3xx"
	case 4:
		class = "4xx"
	}
	c.commandsTotal.WithLabelValues(cmd, class).Inc()
}

func (c *PromCollector) RecordTransfer(operation string, bytes int64, duration time.Duration) {
	switch operation {
	case "STOR", "APPE":
		c.bytesIn.Add(float64(bytes))
	default:
		c.bytesOut.Add(float64(bytes))
	}
	c.transferDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (c *PromCollector) RecordAuthentication(success bool, user string) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.authAttempts.WithLabelValues(outcome).Inc()
}
