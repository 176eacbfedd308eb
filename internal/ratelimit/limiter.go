// Package ratelimit enforces per-account and global send ceilings with
// durable counters.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("rate_limits")

// Level identifies which ceiling denied an admission.
type Level string

const (
	LevelAccount Level = "account"
	LevelGlobal  Level = "global"
)

const globalKey = "global:all"

// LimitConfig holds window ceilings. Zero means unlimited.
type LimitConfig struct {
	PerMinute int `yaml:"per_minute" json:"per_minute"`
	PerDay    int `yaml:"per_day" json:"per_day"`
}

// Config contains rate limiter configuration.
type Config struct {
	// Global ceiling across all accounts.
	Global *LimitConfig `yaml:"global,omitempty"`

	// Default per-account ceiling for accounts without a specific one.
	DefaultAccount *LimitConfig `yaml:"default_account,omitempty"`

	// Per-account overrides keyed by account name.
	Accounts map[string]*LimitConfig `yaml:"accounts,omitempty"`

	// Minimum gap between consecutive sends from one account. Enforced as
	// a scheduling delay on admitted sends, never as a denial.
	Spacing time.Duration `yaml:"spacing,omitempty"`

	// How often counters are flushed to disk.
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// Counter tracks one key's window state.
type Counter struct {
	MinuteCount int       `json:"minute_count"`
	DayCount    int       `json:"day_count"`
	MinuteStart time.Time `json:"minute_start"`
	DayStart    time.Time `json:"day_start"`

	// LastSend is the dispatch time of the most recently admitted send,
	// including any spacing delay it was told to honor.
	LastSend time.Time `json:"last_send"`
}

// Result is the outcome of one admission request.
type Result struct {
	Allowed bool

	// Wait is the spacing delay the admitted send must honor before
	// dispatching. Zero when spacing is disabled or already satisfied.
	Wait time.Duration

	// Set when Allowed is false.
	DeniedBy   Level
	RetryAfter time.Duration

	// Spacing bookkeeping carried for Release.
	prevLastSend time.Time
	scheduled    time.Time
}

// Limiter admits sends against per-account and global windows. Admission
// checks and counter reservations happen under one lock, so two concurrent
// callers can never both consume the last slot in a window.
type Limiter struct {
	db       *bolt.DB
	config   *Config
	counters map[string]*Counter
	mu       sync.Mutex
	now      func() time.Time
	stopCh   chan struct{}
}

// NewLimiter creates a rate limiter backed by an open bbolt database.
// Previously persisted counters are restored, so limits survive restarts.
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		counters: make(map[string]*Counter),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}

	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	go l.persistLoop()

	return l, nil
}

// Admit reserves one send for the account against both its own ceiling and
// the global one. Either both reservations happen or neither does. On
// success the result carries the spacing delay the caller must sleep before
// dispatching.
func (l *Limiter) Admit(account string) *Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	acct := l.getOrCreateCounter(accountKey(account), now)
	glob := l.getOrCreateCounter(globalKey, now)
	l.resetExpired(acct, now)
	l.resetExpired(glob, now)

	if retry, denied := exceeded(acct, l.accountLimit(account), now); denied {
		return &Result{Allowed: false, DeniedBy: LevelAccount, RetryAfter: retry}
	}
	if retry, denied := exceeded(glob, l.config.Global, now); denied {
		return &Result{Allowed: false, DeniedBy: LevelGlobal, RetryAfter: retry}
	}

	acct.MinuteCount++
	acct.DayCount++
	glob.MinuteCount++
	glob.DayCount++

	var wait time.Duration
	if l.config.Spacing > 0 {
		if next := acct.LastSend.Add(l.config.Spacing); next.After(now) {
			wait = next.Sub(now)
		}
	}
	// Record the scheduled dispatch time so back-to-back admissions on the
	// same account stack their spacing delays.
	prev := acct.LastSend
	acct.LastSend = now.Add(wait)

	return &Result{Allowed: true, Wait: wait, prevLastSend: prev, scheduled: acct.LastSend}
}

// Release returns an admitted reservation that was never dispatched, giving
// the quota unit back to both windows. The spacing advance rolls back only
// when no later admission has stacked on top of it.
func (l *Limiter) Release(account string, res *Result) {
	if res == nil || !res.Allowed {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.counters[accountKey(account)]; ok {
		if c.MinuteCount > 0 {
			c.MinuteCount--
		}
		if c.DayCount > 0 {
			c.DayCount--
		}
		if c.LastSend.Equal(res.scheduled) {
			c.LastSend = res.prevLastSend
		}
	}
	if c, ok := l.counters[globalKey]; ok {
		if c.MinuteCount > 0 {
			c.MinuteCount--
		}
		if c.DayCount > 0 {
			c.DayCount--
		}
	}
}

// HasHeadroom reports whether an admission for the account would currently
// succeed, without reserving anything. The account rotator uses it to skip
// accounts sitting at a ceiling.
func (l *Limiter) HasHeadroom(account string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if c, ok := l.counters[accountKey(account)]; ok {
		l.resetExpired(c, now)
		if _, denied := exceeded(c, l.accountLimit(account), now); denied {
			return false
		}
	}
	if c, ok := l.counters[globalKey]; ok {
		l.resetExpired(c, now)
		if _, denied := exceeded(c, l.config.Global, now); denied {
			return false
		}
	}
	return true
}

// Stats contains one account's current window usage.
type Stats struct {
	Account     string    `json:"account"`
	MinuteCount int       `json:"minute_count"`
	DayCount    int       `json:"day_count"`
	MinuteStart time.Time `json:"minute_start,omitzero"`
	DayStart    time.Time `json:"day_start,omitzero"`
}

// AccountStats returns the account's usage in the current windows.
func (l *Limiter) AccountStats(account string) *Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := &Stats{Account: account}
	counter, ok := l.counters[accountKey(account)]
	if !ok {
		return stats
	}

	now := l.now()
	stats.MinuteCount = counter.MinuteCount
	stats.DayCount = counter.DayCount
	stats.MinuteStart = counter.MinuteStart
	stats.DayStart = counter.DayStart
	if now.Sub(counter.MinuteStart) >= time.Minute {
		stats.MinuteCount = 0
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		stats.DayCount = 0
	}
	return stats
}

// Stop halts the flush loop and persists counters one final time.
func (l *Limiter) Stop() error {
	close(l.stopCh)
	return l.persistCounters()
}

func (l *Limiter) accountLimit(account string) *LimitConfig {
	if lc, ok := l.config.Accounts[account]; ok && lc != nil {
		return lc
	}
	return l.config.DefaultAccount
}

// exceeded reports whether the counter sits at the ceiling, and how long
// until the blocking window rolls over.
func exceeded(c *Counter, limit *LimitConfig, now time.Time) (time.Duration, bool) {
	if limit == nil {
		return 0, false
	}
	if limit.PerMinute > 0 && c.MinuteCount >= limit.PerMinute {
		return c.MinuteStart.Add(time.Minute).Sub(now), true
	}
	if limit.PerDay > 0 && c.DayCount >= limit.PerDay {
		return c.DayStart.Add(24 * time.Hour).Sub(now), true
	}
	return 0, false
}

func (l *Limiter) getOrCreateCounter(key string, now time.Time) *Counter {
	counter, ok := l.counters[key]
	if !ok {
		counter = &Counter{MinuteStart: now, DayStart: now}
		l.counters[key] = counter
	}
	return counter
}

// resetExpired rolls a counter's windows forward once enough time has
// elapsed since each window started.
func (l *Limiter) resetExpired(c *Counter, now time.Time) {
	if now.Sub(c.MinuteStart) >= time.Minute {
		c.MinuteCount = 0
		c.MinuteStart = now
	}
	if now.Sub(c.DayStart) >= 24*time.Hour {
		c.DayCount = 0
		c.DayStart = now
	}
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var counter Counter
			if err := json.Unmarshal(v, &counter); err != nil {
				return nil // skip invalid entries
			}
			l.counters[string(k)] = &counter
			return nil
		})
	})
}

func (l *Limiter) persistCounters() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}
		for key, counter := range l.counters {
			data, err := json.Marshal(counter)
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistCounters()
		}
	}
}

func accountKey(account string) string {
	return string(LevelAccount) + ":" + account
}
