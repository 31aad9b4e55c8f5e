// Package ratelimit implements token-bucket admission control whose
// effective limit is scaled by the client's reputation. Decisions are pure
// in-memory computations; the request path never blocks here.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/neuraledge/edgesec/pkg/blocklist"
	"github.com/neuraledge/edgesec/pkg/reputation"
	"github.com/sirupsen/logrus"
)

const whitelistedRemaining = 999999

// bucketIdleEviction is how long an untouched bucket survives Cleanup.
const bucketIdleEviction = 24 * time.Hour

type Config struct {
	Window      time.Duration
	MaxRequests int
	BurstLimit  int
	Whitelist   []string
	Blacklist   []string
}

// Result is the verdict handed back to the caller. Allowed=false must be
// translated into a too-many-requests response carrying RetryAfter.
type Result struct {
	Allowed    bool             `json:"allowed"`
	Remaining  int              `json:"remaining"`
	ResetTime  time.Time        `json:"reset_time"`
	RetryAfter time.Duration    `json:"retry_after,omitempty"`
	Reputation reputation.Level `json:"reputation"`
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
	// burstTokens is a one-shot reserve: set once at bucket creation and
	// only ever decremented.
	burstTokens int
}

// BucketStatus is a read-only snapshot for the ops surface.
type BucketStatus struct {
	Tokens      float64   `json:"tokens"`
	LastRefill  time.Time `json:"last_refill"`
	BurstTokens int       `json:"burst_tokens"`
}

type ClientStatus struct {
	ClientID   string             `json:"client_id"`
	Bucket     *BucketStatus      `json:"bucket,omitempty"`
	Reputation *reputation.Record `json:"reputation,omitempty"`
}

type Opts struct {
	TimeProvider func() time.Time
}

type Limiter struct {
	cfg        Config
	whitelist  map[string]struct{}
	blacklist  map[string]struct{}
	reputation *reputation.Store
	blocks     *blocklist.BlockList
	logger     *logrus.Logger

	mu      sync.Mutex
	buckets map[string]*bucket

	timeProvider func() time.Time
}

func New(
	cfg Config,
	store *reputation.Store,
	blocks *blocklist.BlockList,
	logger *logrus.Logger,
	opts *Opts,
) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 100
	}

	timeProvider := time.Now
	if opts != nil && opts.TimeProvider != nil {
		timeProvider = opts.TimeProvider
	}

	l := &Limiter{
		cfg:          cfg,
		whitelist:    make(map[string]struct{}, len(cfg.Whitelist)),
		blacklist:    make(map[string]struct{}, len(cfg.Blacklist)),
		reputation:   store,
		blocks:       blocks,
		logger:       logger,
		buckets:      make(map[string]*bucket),
		timeProvider: timeProvider,
	}
	for _, ip := range cfg.Whitelist {
		l.whitelist[ip] = struct{}{}
	}
	for _, ip := range cfg.Blacklist {
		l.blacklist[ip] = struct{}{}
	}
	return l
}

// Check decides whether clientID may issue one more request. A missing or
// empty clientID is treated as a normal untrusted key, never bypassed.
func (l *Limiter) Check(clientID string) Result {
	now := l.timeProvider()

	// Blacklist wins over whitelist when a client is on both.
	if _, ok := l.blacklist[clientID]; ok {
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  now.Add(l.cfg.Window),
			RetryAfter: ceilSeconds(l.cfg.Window),
			Reputation: reputation.Banned,
		}
	}

	if _, ok := l.whitelist[clientID]; ok {
		return Result{
			Allowed:    true,
			Remaining:  whitelistedRemaining,
			ResetTime:  now.Add(l.cfg.Window),
			Reputation: reputation.Trusted,
		}
	}

	rec := l.reputation.Get(clientID)

	// Shared block list: a client blocked by the connection guard or the
	// monitor is denied here too.
	if blocked, remaining := l.blocks.Check(clientID); blocked {
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  now.Add(remaining),
			RetryAfter: ceilSeconds(remaining),
			Reputation: rec.Level,
		}
	}

	adjustedLimit := adjustLimit(l.cfg.MaxRequests, rec.Level)
	if adjustedLimit == 0 {
		rec = l.reputation.RecordViolation(clientID)
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  now.Add(l.cfg.Window),
			RetryAfter: ceilSeconds(l.cfg.Window),
			Reputation: rec.Level,
		}
	}

	result := l.checkBucket(clientID, adjustedLimit, now)

	if result.Allowed {
		rec = l.reputation.RecordSuccess(clientID)
	} else {
		rec = l.reputation.RecordViolation(clientID)
	}
	result.Reputation = rec.Level

	return result
}

func (l *Limiter) checkBucket(clientID string, limit int, now time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[clientID]
	if !ok {
		b = &bucket{
			tokens:      float64(limit),
			lastRefill:  now,
			burstTokens: l.cfg.BurstLimit,
		}
		l.buckets[clientID] = b
	}

	// Refill is monotonic in elapsed time; tokens are capped at the
	// reputation-adjusted limit recomputed on every call.
	refillRate := float64(limit) / float64(l.cfg.Window.Milliseconds())
	elapsedMs := float64(now.Sub(b.lastRefill).Milliseconds())
	if elapsedMs > 0 {
		b.tokens = math.Min(b.tokens+elapsedMs*refillRate, float64(limit))
	} else if b.tokens > float64(limit) {
		b.tokens = float64(limit)
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		if b.tokens < 0 {
			b.tokens = 0
		}
		return Result{
			Allowed:   true,
			Remaining: int(b.tokens),
			ResetTime: now.Add(l.cfg.Window),
		}
	}

	if b.burstTokens > 0 {
		b.burstTokens--
		return Result{
			Allowed:   true,
			Remaining: int(b.tokens),
			ResetTime: now.Add(l.cfg.Window),
		}
	}

	msUntilToken := (1 - b.tokens) / refillRate
	return Result{
		Allowed:    false,
		Remaining:  0,
		ResetTime:  now.Add(l.cfg.Window),
		RetryAfter: ceilSeconds(time.Duration(msUntilToken) * time.Millisecond),
	}
}

// SetReputation forces a client's reputation level.
func (l *Limiter) SetReputation(clientID string, level reputation.Level) {
	l.reputation.SetLevel(clientID, level)
}

// ResetClient drops the client's bucket and reputation record.
func (l *Limiter) ResetClient(clientID string) {
	l.mu.Lock()
	delete(l.buckets, clientID)
	l.mu.Unlock()

	l.reputation.Delete(clientID)
	l.logger.WithField("client_id", clientID).Info("rate limit state reset")
}

// Status returns the client's bucket and reputation snapshot, nil fields
// when the client has never been seen.
func (l *Limiter) Status(clientID string) ClientStatus {
	status := ClientStatus{ClientID: clientID}

	l.mu.Lock()
	if b, ok := l.buckets[clientID]; ok {
		status.Bucket = &BucketStatus{
			Tokens:      b.tokens,
			LastRefill:  b.lastRefill,
			BurstTokens: b.burstTokens,
		}
	}
	l.mu.Unlock()

	if status.Bucket != nil {
		rec := l.reputation.Get(clientID)
		status.Reputation = &rec
	}
	return status
}

func (l *Limiter) Stats() reputation.Stats {
	return l.reputation.Stats()
}

// Cleanup evicts buckets that have not refilled for a day.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeProvider()
	removed := 0
	for id, b := range l.buckets {
		if now.Sub(b.lastRefill) > bucketIdleEviction {
			delete(l.buckets, id)
			removed++
		}
	}
	return removed
}

func adjustLimit(base int, level reputation.Level) int {
	switch level {
	case reputation.Trusted:
		return base * 2
	case reputation.Suspicious:
		return base / 2
	case reputation.Banned:
		return 0
	default:
		return base
	}
}

func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	secs := math.Ceil(d.Seconds())
	return time.Duration(secs) * time.Second
}
