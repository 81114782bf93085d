package server

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c, err := NewPromCollector(reg)
	require.NoError(t, err)

	c.RecordSession(true)
	c.RecordSession(true)
	c.RecordSession(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeSessions))

	c.RecordCommand("RETR", 150)
	c.RecordCommand("RETR", 226)
	c.RecordCommand("STOR", 550)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commandsTotal.WithLabelValues("RETR", "1xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commandsTotal.WithLabelValues("RETR", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commandsTotal.WithLabelValues("STOR", "5xx")))

	c.RecordTransfer("RETR", 1000, 50*time.Millisecond)
	c.RecordTransfer("STOR", 400, 10*time.Millisecond)
	c.RecordTransfer("APPE", 100, 10*time.Millisecond)
	assert.Equal(t, 1000.0, testutil.ToFloat64(c.bytesOut))
	assert.Equal(t, 500.0, testutil.ToFloat64(c.bytesIn))

	c.RecordAuthentication(true, "alice")
	c.RecordAuthentication(false, "mallory")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.authAttempts.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.authAttempts.WithLabelValues("failure")))
}

func TestPromCollectorDoubleRegister(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPromCollector(reg)
	require.NoError(t, err)
	_, err = NewPromCollector(reg)
	assert.Error(t, err)
}
