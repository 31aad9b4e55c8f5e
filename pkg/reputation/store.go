// Package reputation tracks per-client trust used to scale rate limits.
// Records are created lazily on first sight and mutated on every
// allow/deny decision taken by the rate limiter.
package reputation

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Level string

const (
	Trusted    Level = "trusted"
	Normal     Level = "normal"
	Suspicious Level = "suspicious"
	Banned     Level = "banned"
)

const (
	defaultScore       = 50.0
	violationPenalty   = 10.0
	trustStep          = 0.1
	promotionPoints    = 100
	suspicionThreshold = 5
	banThreshold       = 10
	recoveryInterval   = time.Hour
	idleEviction       = 7 * 24 * time.Hour
)

type Record struct {
	ClientID      string    `json:"client_id"`
	Level         Level     `json:"level"`
	Score         float64   `json:"score"`
	Violations    int       `json:"violations"`
	TrustPoints   int       `json:"trust_points"`
	LastViolation time.Time `json:"last_violation,omitempty"`
}

type Stats struct {
	TotalClients int           `json:"total_clients"`
	ByLevel      map[Level]int `json:"by_level"`
	TopViolators []Violator    `json:"top_violators"`
}

type Violator struct {
	ClientID   string `json:"client_id"`
	Violations int    `json:"violations"`
}

type Opts struct {
	TimeProvider func() time.Time
}

type Store struct {
	mu           sync.Mutex
	records      map[string]*Record
	logger       *logrus.Logger
	timeProvider func() time.Time
}

func NewStore(logger *logrus.Logger, opts *Opts) *Store {
	timeProvider := time.Now
	if opts != nil && opts.TimeProvider != nil {
		timeProvider = opts.TimeProvider
	}
	return &Store{
		records:      make(map[string]*Record),
		logger:       logger,
		timeProvider: timeProvider,
	}
}

// Get returns the client's record, creating a neutral one on first sight.
// The returned value is a copy; mutation goes through the Record* methods.
func (s *Store) Get(clientID string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.get(clientID)
}

func (s *Store) get(clientID string) *Record {
	rec, ok := s.records[clientID]
	if !ok {
		rec = &Record{
			ClientID: clientID,
			Level:    Normal,
			Score:    defaultScore,
		}
		s.records[clientID] = rec
	}
	return rec
}

// RecordViolation registers a denied request. Five violations demote the
// client to suspicious, ten ban it. Banned is terminal except via SetLevel.
func (s *Store) RecordViolation(clientID string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.get(clientID)
	rec.Violations++
	rec.LastViolation = s.timeProvider()
	rec.Score = clamp(rec.Score - violationPenalty)

	if rec.Violations >= banThreshold {
		rec.Level = Banned
	} else if rec.Violations >= suspicionThreshold && rec.Level != Banned {
		rec.Level = Suspicious
	}

	s.logger.WithFields(logrus.Fields{
		"client_id":  clientID,
		"violations": rec.Violations,
		"level":      rec.Level,
	}).Warn("rate limit violation recorded")

	return *rec
}

// RecordSuccess registers an allowed request: trust accrues slowly and, an
// hour after the last violation, one violation is forgiven per allowed call
// until the counter drains. A suspicious client returns to normal when its
// violations reach zero.
func (s *Store) RecordSuccess(clientID string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.get(clientID)
	rec.TrustPoints++
	rec.Score = clamp(rec.Score + trustStep)

	if rec.TrustPoints >= promotionPoints && rec.Level == Normal {
		rec.Level = Trusted
		rec.TrustPoints = 0
	}

	if !rec.LastViolation.IsZero() && rec.Violations > 0 {
		if s.timeProvider().Sub(rec.LastViolation) > recoveryInterval {
			rec.Violations--
			if rec.Violations == 0 && rec.Level == Suspicious {
				rec.Level = Normal
			}
		}
	}

	return *rec
}

// SetLevel is the manual override: it forces the level and resets the
// counters consistently with the target. Calling it twice is a no-op.
func (s *Store) SetLevel(clientID string, level Level) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.get(clientID)
	rec.Level = level

	switch level {
	case Trusted:
		rec.Score = 100
		rec.Violations = 0
	case Banned:
		rec.Score = 0
	case Normal:
		if rec.Violations >= suspicionThreshold {
			rec.Violations = suspicionThreshold - 1
		}
	}

	s.logger.WithFields(logrus.Fields{
		"client_id": clientID,
		"level":     level,
	}).Info("reputation level set")
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		TotalClients: len(s.records),
		ByLevel: map[Level]int{
			Trusted:    0,
			Normal:     0,
			Suspicious: 0,
			Banned:     0,
		},
	}

	violators := make([]Violator, 0)
	for id, rec := range s.records {
		stats.ByLevel[rec.Level]++
		if rec.Violations > 0 {
			violators = append(violators, Violator{ClientID: id, Violations: rec.Violations})
		}
	}

	sort.Slice(violators, func(i, j int) bool {
		return violators[i].Violations > violators[j].Violations
	})
	if len(violators) > 10 {
		violators = violators[:10]
	}
	stats.TopViolators = violators

	return stats
}

// Delete removes a client's record entirely.
func (s *Store) Delete(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, clientID)
}

// Cleanup evicts non-banned records whose last violation is older than a
// week. Records without violations are kept; they cost nothing to keep and
// carry accrued trust.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timeProvider()
	removed := 0
	for id, rec := range s.records {
		if rec.Level == Banned || rec.LastViolation.IsZero() {
			continue
		}
		if now.Sub(rec.LastViolation) > idleEviction {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}

func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
