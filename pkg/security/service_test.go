package security_test

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuraledge/edgesec/pkg/config"
	"github.com/neuraledge/edgesec/pkg/monitor"
	"github.com/neuraledge/edgesec/pkg/security"
)

func testConfig() *config.Config {
	return &config.Config{
		RateLimit: config.RateLimitConfig{
			Window:      time.Minute,
			MaxRequests: 100,
			BurstLimit:  150,
		},
		Guard: config.GuardConfig{
			MaxConnectionsPerIP:  10,
			MaxTotalConnections:  1000,
			MaxRequestSizeBytes:  1 << 20,
			MaxRequestsPerSecond: 100,
			SlowlorisTimeout:     30 * time.Second,
			BlockDuration:        time.Hour,
			WarningThreshold:     3,
		},
		Monitor: config.MonitorConfig{
			MaxEvents:      10000,
			EventRetention: 7 * 24 * time.Hour,
		},
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestService(t *testing.T) *security.Service {
	t.Helper()
	return security.New(testConfig(), testLogger(), security.Opts{})
}

func TestService_AllowsNormalTraffic(t *testing.T) {
	svc := newTestService(t)

	result := svc.CheckRate("10.0.0.1")
	assert.True(t, result.Allowed)

	decision := svc.AdmitConnection("10.0.0.1")
	assert.True(t, decision.Allowed)
}

func TestService_MonitorBlockEnforcedEverywhere(t *testing.T) {
	svc := newTestService(t)

	for i := 0; i < 5; i++ {
		svc.Monitor.RecordMetric("10.0.0.9:failed_login", 1)
	}
	fired := svc.Monitor.DetectThreats("10.0.0.9")
	require.Len(t, fired, 1)
	require.Equal(t, monitor.ThreatBruteForce, fired[0].Type)

	result := svc.CheckRate("10.0.0.9")
	assert.False(t, result.Allowed, "limiter must honor a block raised by the monitor")

	decision := svc.AdmitConnection("10.0.0.9")
	assert.False(t, decision.Allowed, "guard must honor a block raised by the monitor")
	assert.Contains(t, decision.Reason, "IP blocked")
}

func TestService_BlockDropsLiveConnections(t *testing.T) {
	var dropped []string
	svc := security.New(testConfig(), testLogger(), security.Opts{
		Disconnect: func(connectionID string) {
			dropped = append(dropped, connectionID)
		},
	})

	svc.Guard.RegisterConnection("conn-1", "10.0.0.9")
	svc.Guard.RegisterConnection("conn-2", "10.0.0.9")
	svc.Guard.RegisterConnection("conn-3", "10.0.0.5")

	svc.Blocks.Block("10.0.0.9", time.Hour, "manual")

	assert.ElementsMatch(t, []string{"conn-1", "conn-2"}, dropped)
	assert.Len(t, svc.Guard.IPConnections("10.0.0.9"), 0)
	assert.Len(t, svc.Guard.IPConnections("10.0.0.5"), 1)
}

func TestService_ValidatePayload(t *testing.T) {
	svc := newTestService(t)

	assert.True(t, svc.ValidatePayload(512).Allowed)

	decision := svc.ValidatePayload(2 << 20)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "Request too large")
}

func TestService_StartStop(t *testing.T) {
	svc := newTestService(t)

	svc.Start()
	svc.Stop()
	// Stop is idempotent.
	svc.Stop()
}
