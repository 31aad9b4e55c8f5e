// Package blocklist holds the shared IP block list consulted by every edge
// security component. A single instance is injected into the rate limiter,
// the connection guard and the security monitor so that "is this client
// currently blocked" has exactly one answer.
package blocklist

import (
	"sync"
	"time"
)

type Entry struct {
	IP        string    `json:"ip"`
	UnblockAt time.Time `json:"unblock_at"`
	Reason    string    `json:"reason"`
}

type Opts struct {
	TimeProvider func() time.Time
}

type BlockList struct {
	mu           sync.Mutex
	entries      map[string]Entry
	timeProvider func() time.Time
	onBlock      []func(ip, reason string)
}

func New(opts *Opts) *BlockList {
	timeProvider := time.Now
	if opts != nil && opts.TimeProvider != nil {
		timeProvider = opts.TimeProvider
	}
	return &BlockList{
		entries:      make(map[string]Entry),
		timeProvider: timeProvider,
	}
}

// OnBlock registers a hook invoked after an IP is blocked. Hooks run outside
// the list's lock; registering after Start-up wiring is not supported.
func (b *BlockList) OnBlock(fn func(ip, reason string)) {
	b.onBlock = append(b.onBlock, fn)
}

func (b *BlockList) Block(ip string, d time.Duration, reason string) {
	b.mu.Lock()
	b.entries[ip] = Entry{
		IP:        ip,
		UnblockAt: b.timeProvider().Add(d),
		Reason:    reason,
	}
	b.mu.Unlock()

	for _, fn := range b.onBlock {
		fn(ip, reason)
	}
}

func (b *BlockList) Unblock(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, ip)
}

// Check reports whether ip is currently blocked and, if so, for how much
// longer. An expired entry is removed lazily on the check that observes it.
func (b *BlockList) Check(ip string) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[ip]
	if !ok {
		return false, 0
	}
	remaining := entry.UnblockAt.Sub(b.timeProvider())
	if remaining <= 0 {
		delete(b.entries, ip)
		return false, 0
	}
	return true, remaining
}

// Blocked returns the active entries, dropping any that have expired.
func (b *BlockList) Blocked() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.timeProvider()
	blocked := make([]Entry, 0, len(b.entries))
	for ip, entry := range b.entries {
		if entry.UnblockAt.After(now) {
			blocked = append(blocked, entry)
		} else {
			delete(b.entries, ip)
		}
	}
	return blocked
}

func (b *BlockList) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.timeProvider()
	for ip, entry := range b.entries {
		if !entry.UnblockAt.After(now) {
			delete(b.entries, ip)
		}
	}
}

func (b *BlockList) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
