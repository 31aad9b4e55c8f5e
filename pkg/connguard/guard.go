// Package connguard implements DOS protection at the connection level:
// per-IP and global connection caps, payload size checks, a process-wide
// requests-per-second ceiling, and idle/slow-connection (Slowloris)
// detection. IPs accumulating warnings are blocked through the shared
// block list.
package connguard

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/neuraledge/edgesec/pkg/blocklist"
	"github.com/sirupsen/logrus"
)

const (
	// slowTrickleWindow/slowTrickleMinRequests catch connections held open
	// with almost no traffic, which an idle timeout alone would miss when
	// the attacker sends a byte every few seconds.
	slowTrickleWindow      = 60 * time.Second
	slowTrickleMinRequests = 2

	activeWindow  = time.Minute
	zombieTimeout = 5 * time.Minute
)

type Config struct {
	MaxConnectionsPerIP  int
	MaxTotalConnections  int
	MaxRequestSizeBytes  int64
	MaxRequestsPerSecond int
	SlowlorisTimeout     time.Duration
	BlockDuration        time.Duration
	WarningThreshold     int
}

// Decision is returned from admission checks; callers close the connection
// with Reason when Allowed is false.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

type ConnectionInfo struct {
	IP            string    `json:"ip"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	RequestCount  int64     `json:"request_count"`
	BytesReceived int64     `json:"bytes_received"`
	BytesSent     int64     `json:"bytes_sent"`
	Warnings      int       `json:"warnings"`
}

type Metrics struct {
	TotalConnections    int64 `json:"total_connections"`
	ActiveConnections   int   `json:"active_connections"`
	RejectedConnections int64 `json:"rejected_connections"`
	BlockedIPs          int   `json:"blocked_ips"`
	RequestsPerSecond   int   `json:"requests_per_second"`
	AverageRequestSize  int64 `json:"average_request_size"`
}

// Disconnecter closes the transport for a connection the guard has decided
// to drop. The guard only removes its own bookkeeping; the actual socket
// belongs to the caller.
type Disconnecter func(connectionID string)

type Opts struct {
	TimeProvider func() time.Time
	Disconnect   Disconnecter
}

type Guard struct {
	cfg    Config
	blocks *blocklist.BlockList
	logger *logrus.Logger

	mu          sync.Mutex
	connections map[string]*ConnectionInfo
	// ipWarnings survives individual connections so an attacker cannot
	// shed warnings by reconnecting.
	ipWarnings map[string]int

	totalConnections    int64
	rejectedConnections int64
	requestCounter      int64
	totalBytesReceived  int64
	currentSecond       int64
	requestsThisSecond  int

	timeProvider func() time.Time
	disconnect   Disconnecter
}

func New(cfg Config, blocks *blocklist.BlockList, logger *logrus.Logger, opts *Opts) *Guard {
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = 3
	}

	timeProvider := time.Now
	var disconnect Disconnecter
	if opts != nil {
		if opts.TimeProvider != nil {
			timeProvider = opts.TimeProvider
		}
		disconnect = opts.Disconnect
	}

	g := &Guard{
		cfg:          cfg,
		blocks:       blocks,
		logger:       logger,
		connections:  make(map[string]*ConnectionInfo),
		ipWarnings:   make(map[string]int),
		timeProvider: timeProvider,
		disconnect:   disconnect,
	}

	// The shared block list may be fed by other components (monitor auto
	// responses); any block drops this guard's live connections for the IP.
	blocks.OnBlock(func(ip, reason string) {
		g.dropIPConnections(ip)
	})

	return g
}

// CanConnect decides whether a new connection from ip may be accepted.
func (g *Guard) CanConnect(ip string) Decision {
	if blocked, remaining := g.blocks.Check(ip); blocked {
		remainingMinutes := int(math.Ceil(remaining.Minutes()))
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("IP blocked for %d more minutes", remainingMinutes),
		}
	}

	g.mu.Lock()
	if len(g.connections) >= g.cfg.MaxTotalConnections {
		g.rejectedConnections++
		g.mu.Unlock()
		return Decision{Allowed: false, Reason: "Server connection limit reached"}
	}

	ipCount := 0
	for _, conn := range g.connections {
		if conn.IP == ip {
			ipCount++
		}
	}
	if ipCount >= g.cfg.MaxConnectionsPerIP {
		g.rejectedConnections++
		g.mu.Unlock()
		g.WarnIP(ip, "too many connections")
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("Too many connections from your IP (max: %d)", g.cfg.MaxConnectionsPerIP),
		}
	}
	g.mu.Unlock()

	return Decision{Allowed: true}
}

// RegisterConnection records an accepted connection. The caller must pair
// it with exactly one UnregisterConnection.
func (g *Guard) RegisterConnection(connectionID, ip string) {
	now := g.timeProvider()

	g.mu.Lock()
	g.connections[connectionID] = &ConnectionInfo{
		IP:           ip,
		ConnectedAt:  now,
		LastActivity: now,
	}
	g.totalConnections++
	total := len(g.connections)
	g.mu.Unlock()

	g.logger.WithFields(logrus.Fields{
		"ip":    ip,
		"total": total,
	}).Debug("connection registered")
}

func (g *Guard) UnregisterConnection(connectionID string) {
	g.mu.Lock()
	conn, ok := g.connections[connectionID]
	if ok {
		delete(g.connections, connectionID)
	}
	total := len(g.connections)
	g.mu.Unlock()

	if ok {
		g.logger.WithFields(logrus.Fields{
			"ip":    conn.IP,
			"total": total,
		}).Debug("connection closed")
	}
}

// ValidateRequestSize rejects payloads above the configured maximum.
func (g *Guard) ValidateRequestSize(size int64) Decision {
	if size > g.cfg.MaxRequestSizeBytes {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("Request too large (max: %d bytes)", g.cfg.MaxRequestSizeBytes),
		}
	}
	return Decision{Allowed: true}
}

// RecordRequest updates per-connection counters and the process-wide
// requests-per-second counter, warning the connection's IP when the
// configured ceiling is exceeded within the current wall-clock second.
func (g *Guard) RecordRequest(connectionID string, bytesReceived, bytesSent int64) {
	now := g.timeProvider()

	g.mu.Lock()
	conn, ok := g.connections[connectionID]
	if !ok {
		g.mu.Unlock()
		return
	}

	conn.LastActivity = now
	conn.RequestCount++
	conn.BytesReceived += bytesReceived
	conn.BytesSent += bytesSent

	g.requestCounter++
	g.totalBytesReceived += bytesReceived

	second := now.Unix()
	if second != g.currentSecond {
		g.currentSecond = second
		g.requestsThisSecond = 1
	} else {
		g.requestsThisSecond++
	}
	exceeded := g.requestsThisSecond > g.cfg.MaxRequestsPerSecond
	ip := conn.IP
	g.mu.Unlock()

	if exceeded {
		g.WarnIP(ip, "request rate ceiling exceeded")
	}
}

// DetectSlowloris flags connections idle past the timeout, and connections
// held open past a minute with almost no requests. Flagged connections are
// disconnected and their IPs warned per matching condition.
func (g *Guard) DetectSlowloris() []string {
	now := g.timeProvider()

	type warning struct {
		ip     string
		reason string
	}
	var warnings []warning
	var flagged []string

	g.mu.Lock()
	for id, conn := range g.connections {
		idle := now.Sub(conn.LastActivity)
		open := now.Sub(conn.ConnectedAt)

		suspicious := false
		if idle > g.cfg.SlowlorisTimeout {
			warnings = append(warnings, warning{conn.IP, "slowloris attack suspected"})
			suspicious = true
		}
		if open > slowTrickleWindow && conn.RequestCount < slowTrickleMinRequests {
			warnings = append(warnings, warning{conn.IP, "suspicious idle connection"})
			suspicious = true
		}
		if suspicious {
			flagged = append(flagged, id)
		}
	}
	g.mu.Unlock()

	for _, w := range warnings {
		g.WarnIP(w.ip, w.reason)
	}

	for _, id := range flagged {
		g.logger.WithField("connection_id", id).Warn("disconnecting suspicious connection")
		if g.disconnect != nil {
			g.disconnect(id)
		}
		g.UnregisterConnection(id)
	}

	return flagged
}

// WarnIP accumulates warnings across all of an IP's connections and blocks
// the IP once the cumulative count reaches the threshold.
func (g *Guard) WarnIP(ip, reason string) {
	g.mu.Lock()
	g.ipWarnings[ip]++
	totalWarnings := g.ipWarnings[ip]
	for _, conn := range g.connections {
		if conn.IP == ip {
			conn.Warnings++
		}
	}
	if totalWarnings >= g.cfg.WarningThreshold {
		delete(g.ipWarnings, ip)
	}
	g.mu.Unlock()

	g.logger.WithFields(logrus.Fields{
		"ip":       ip,
		"reason":   reason,
		"warnings": totalWarnings,
	}).Warn("ip warned")

	if totalWarnings >= g.cfg.WarningThreshold {
		g.BlockIP(ip, reason)
	}
}

// BlockIP places the IP on the shared block list and drops its live
// connections.
func (g *Guard) BlockIP(ip, reason string) {
	g.logger.WithFields(logrus.Fields{
		"ip":     ip,
		"reason": reason,
	}).Error("ip blocked")

	// The OnBlock hook drops the IP's live connections.
	g.blocks.Block(ip, g.cfg.BlockDuration, reason)
}

// UnblockIP lifts a block early.
func (g *Guard) UnblockIP(ip string) {
	g.blocks.Unblock(ip)
	g.logger.WithField("ip", ip).Info("ip unblocked")
}

func (g *Guard) dropIPConnections(ip string) {
	g.mu.Lock()
	var ids []string
	for id, conn := range g.connections {
		if conn.IP == ip {
			ids = append(ids, id)
			delete(g.connections, id)
		}
	}
	g.mu.Unlock()

	for _, id := range ids {
		if g.disconnect != nil {
			g.disconnect(id)
		}
	}
}

// ConnectionInfo returns a snapshot of one connection's counters.
func (g *Guard) ConnectionInfo(connectionID string) (ConnectionInfo, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	conn, ok := g.connections[connectionID]
	if !ok {
		return ConnectionInfo{}, false
	}
	return *conn, true
}

// IPConnections returns snapshots of every live connection from ip.
func (g *Guard) IPConnections(ip string) []ConnectionInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	var conns []ConnectionInfo
	for _, conn := range g.connections {
		if conn.IP == ip {
			conns = append(conns, *conn)
		}
	}
	return conns
}

func (g *Guard) BlockedIPs() []blocklist.Entry {
	return g.blocks.Blocked()
}

func (g *Guard) Metrics() Metrics {
	now := g.timeProvider()

	g.mu.Lock()
	defer g.mu.Unlock()

	active := 0
	for _, conn := range g.connections {
		if now.Sub(conn.LastActivity) < activeWindow {
			active++
		}
	}

	var avgSize int64
	if g.requestCounter > 0 {
		avgSize = g.totalBytesReceived / g.requestCounter
	}

	rps := g.requestsThisSecond
	if now.Unix() != g.currentSecond {
		rps = 0
	}

	return Metrics{
		TotalConnections:    g.totalConnections,
		ActiveConnections:   active,
		RejectedConnections: g.rejectedConnections,
		BlockedIPs:          g.blocks.Len(),
		RequestsPerSecond:   rps,
		AverageRequestSize:  avgSize,
	}
}

// Cleanup removes expired block entries and zombie connections that were
// never unregistered.
func (g *Guard) Cleanup() {
	g.blocks.Cleanup()
	now := g.timeProvider()

	g.mu.Lock()
	defer g.mu.Unlock()
	for id, conn := range g.connections {
		if now.Sub(conn.LastActivity) > zombieTimeout {
			delete(g.connections, id)
		}
	}

	// Warning counters for IPs with no live connections are pruned so the
	// map stays bounded.
	live := make(map[string]struct{}, len(g.connections))
	for _, conn := range g.connections {
		live[conn.IP] = struct{}{}
	}
	for ip := range g.ipWarnings {
		if _, ok := live[ip]; !ok {
			delete(g.ipWarnings, ip)
		}
	}
}

// ResetStats zeroes the aggregate counters; live connection state is kept.
func (g *Guard) ResetStats() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.totalConnections = 0
	g.rejectedConnections = 0
	g.requestCounter = 0
	g.totalBytesReceived = 0
}
