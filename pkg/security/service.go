// Package security assembles the edge protection components around one
// shared block list and runs their periodic maintenance.
package security

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/neuraledge/edgesec/pkg/blocklist"
	"github.com/neuraledge/edgesec/pkg/config"
	"github.com/neuraledge/edgesec/pkg/connguard"
	"github.com/neuraledge/edgesec/pkg/infra/prometheus"
	"github.com/neuraledge/edgesec/pkg/monitor"
	"github.com/neuraledge/edgesec/pkg/ratelimit"
	"github.com/neuraledge/edgesec/pkg/reputation"
)

const (
	sweepInterval     = time.Minute
	retentionInterval = time.Hour
)

type Opts struct {
	Notifier   monitor.Notifier
	Disconnect connguard.Disconnecter
}

// Service owns the block list, reputation store, rate limiter, connection
// guard and security monitor, wired so that a block raised by any one of
// them is enforced by all.
type Service struct {
	cfg    *config.Config
	logger *logrus.Logger

	Blocks     *blocklist.BlockList
	Reputation *reputation.Store
	Limiter    *ratelimit.Limiter
	Guard      *connguard.Guard
	Monitor    *monitor.Monitor

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(cfg *config.Config, logger *logrus.Logger, opts Opts) *Service {
	blocks := blocklist.New(nil)
	store := reputation.NewStore(logger, nil)

	limiter := ratelimit.New(ratelimit.Config{
		Window:      cfg.RateLimit.Window,
		MaxRequests: cfg.RateLimit.MaxRequests,
		BurstLimit:  cfg.RateLimit.BurstLimit,
		Whitelist:   cfg.RateLimit.Whitelist,
		Blacklist:   cfg.RateLimit.Blacklist,
	}, store, blocks, logger, nil)

	guard := connguard.New(connguard.Config{
		MaxConnectionsPerIP:  cfg.Guard.MaxConnectionsPerIP,
		MaxTotalConnections:  cfg.Guard.MaxTotalConnections,
		MaxRequestSizeBytes:  cfg.Guard.MaxRequestSizeBytes,
		MaxRequestsPerSecond: cfg.Guard.MaxRequestsPerSecond,
		SlowlorisTimeout:     cfg.Guard.SlowlorisTimeout,
		BlockDuration:        cfg.Guard.BlockDuration,
		WarningThreshold:     cfg.Guard.WarningThreshold,
	}, blocks, logger, &connguard.Opts{Disconnect: opts.Disconnect})

	notifier := opts.Notifier
	if notifier != nil {
		notifier = instrumentedNotifier{inner: notifier}
	}

	mon := monitor.New(monitor.Config{
		MaxEvents:      cfg.Monitor.MaxEvents,
		EventRetention: cfg.Monitor.EventRetention,
		BlockDuration:  cfg.Guard.BlockDuration,
	}, logger, monitor.Opts{
		Blocker:  blocks,
		Notifier: notifier,
	})

	mon.OnEvent(func(event monitor.SecurityEvent) {
		prometheus.SecurityEvents.WithLabelValues(string(event.Type), string(event.Level)).Inc()
	})

	// Blocks raised anywhere feed the monitor's metric series so patterns
	// can correlate on them.
	blocks.OnBlock(func(ip, reason string) {
		mon.RecordMetric(ip+":blocked", 1)
	})

	return &Service{
		cfg:        cfg,
		logger:     logger,
		Blocks:     blocks,
		Reputation: store,
		Limiter:    limiter,
		Guard:      guard,
		Monitor:    mon,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

type instrumentedNotifier struct {
	inner monitor.Notifier
}

func (n instrumentedNotifier) Notify(ctx context.Context, alert monitor.Alert) error {
	err := n.inner.Notify(ctx, alert)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	prometheus.AlertDeliveries.WithLabelValues(outcome).Inc()
	return err
}

// CheckRate runs a rate limit check for the client and records the outcome.
func (s *Service) CheckRate(clientID string) ratelimit.Result {
	result := s.Limiter.Check(clientID)
	outcome := "allowed"
	if !result.Allowed {
		outcome = "denied"
		if blocked, _ := s.Blocks.Check(clientID); blocked {
			outcome = "blocked"
		}
	}
	prometheus.RateLimitDecisions.WithLabelValues(outcome).Inc()
	return result
}

// AdmitConnection runs the connection guard admission check for the IP.
func (s *Service) AdmitConnection(ip string) connguard.Decision {
	decision := s.Guard.CanConnect(ip)
	if !decision.Allowed {
		reason := "ip_limit"
		switch {
		case decision.Reason == "Server connection limit reached":
			reason = "server_limit"
		default:
			if blocked, _ := s.Blocks.Check(ip); blocked {
				reason = "blocked"
			}
		}
		prometheus.ConnectionRejections.WithLabelValues(reason).Inc()
	}
	return decision
}

// ValidatePayload checks a request payload size against the guard's limit.
func (s *Service) ValidatePayload(size int64) connguard.Decision {
	prometheus.RequestSizeBytes.Observe(float64(size))
	return s.Guard.ValidateRequestSize(size)
}

// Start launches the maintenance loops. Stop must be called to release them.
func (s *Service) Start() {
	go s.run()
	s.logger.Info("security service started")
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.logger.Info("security service stopped")
	})
}

func (s *Service) run() {
	defer close(s.done)

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	retention := time.NewTicker(retentionInterval)
	defer retention.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-sweep.C:
			s.sweep()
		case <-retention.C:
			if removed := s.Monitor.Cleanup(0); removed > 0 {
				s.logger.WithFields(logrus.Fields{
					"removed": removed,
				}).Info("expired security events removed")
			}
			if evicted := s.Reputation.Cleanup(); evicted > 0 {
				s.logger.WithFields(logrus.Fields{
					"evicted": evicted,
				}).Info("stale reputation records evicted")
			}
		}
	}
}

func (s *Service) sweep() {
	s.Guard.Cleanup()
	if flagged := s.Guard.DetectSlowloris(); len(flagged) > 0 {
		prometheus.SlowlorisDisconnects.Add(float64(len(flagged)))
	}
	s.Limiter.Cleanup()

	metrics := s.Guard.Metrics()
	prometheus.ActiveConnections.Set(float64(metrics.ActiveConnections))
	prometheus.BlockedIPs.Set(float64(s.Blocks.Len()))
}
