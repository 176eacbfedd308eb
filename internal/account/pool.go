package account

import (
	"errors"
	"sync"
	"time"
)

// ErrNoAccountAvailable is returned when every account is disabled,
// unhealthy or rejected by the eligibility check. Callers defer work
// instead of blocking on it.
var ErrNoAccountAvailable = errors.New("no sending account available")

type health struct {
	healthy     bool
	lastError   string
	failedAt    time.Time
	totalSent   int64
	totalFailed int64
}

// Status is a point-in-time snapshot of one account's state.
type Status struct {
	Name        string    `json:"name"`
	FromEmail   string    `json:"from_email"`
	Enabled     bool      `json:"enabled"`
	Healthy     bool      `json:"healthy"`
	LastError   string    `json:"last_error,omitempty"`
	FailedAt    time.Time `json:"failed_at,omitzero"`
	TotalSent   int64     `json:"total_sent"`
	TotalFailed int64     `json:"total_failed"`
}

// Pool hands out sending accounts round-robin. A single pool is shared by
// every running campaign, so the rotation index is engine-wide and load
// spreads evenly across the whole account set.
type Pool struct {
	mu       sync.Mutex
	accounts []*Account
	health   map[string]*health
	next     int
}

// NewPool creates a pool over the configured accounts. All accounts start
// healthy.
func NewPool(accounts []*Account) *Pool {
	p := &Pool{
		accounts: accounts,
		health:   make(map[string]*health, len(accounts)),
	}
	for _, a := range accounts {
		p.health[a.Name] = &health{healthy: true}
	}
	return p
}

// Next returns the next enabled, healthy account that passes the eligible
// check, advancing the shared rotation index past it. The index moves only
// for the account actually handed out, so skipped accounts do not lose
// their turn. Returns ErrNoAccountAvailable after one full cycle with no
// candidate.
func (p *Pool) Next(eligible func(*Account) bool) (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.accounts)
	if n == 0 {
		return nil, ErrNoAccountAvailable
	}
	for i := 0; i < n; i++ {
		a := p.accounts[(p.next+i)%n]
		if !a.Enabled || !p.health[a.Name].healthy {
			continue
		}
		if eligible != nil && !eligible(a) {
			continue
		}
		p.next = (p.next + i + 1) % n
		return a, nil
	}
	return nil, ErrNoAccountAvailable
}

// Get returns the account with the given name, or nil.
func (p *Pool) Get(name string) *Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.accounts {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// MarkUnhealthy removes an account from rotation after a hard failure,
// typically a credential rejection. It stays out until Reactivate.
func (p *Pool) MarkUnhealthy(name, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.health[name]
	if !ok {
		return
	}
	h.healthy = false
	h.lastError = reason
	h.failedAt = time.Now()
}

// Reactivate returns an account to rotation. Only called after an explicit
// re-test succeeds; health never restores on its own.
func (p *Pool) Reactivate(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.health[name]
	if !ok {
		return
	}
	h.healthy = true
	h.lastError = ""
	h.failedAt = time.Time{}
}

// IsHealthy reports whether the named account is in rotation.
func (p *Pool) IsHealthy(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.health[name]
	return ok && h.healthy
}

// RecordResult updates an account's lifetime send counters.
func (p *Pool) RecordResult(name string, delivered bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.health[name]
	if !ok {
		return
	}
	if delivered {
		h.totalSent++
	} else {
		h.totalFailed++
	}
}

// ActiveCount returns the number of accounts that are enabled and healthy.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, a := range p.accounts {
		if a.Enabled && p.health[a.Name].healthy {
			count++
		}
	}
	return count
}

// Snapshot returns the status of every account in configuration order.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	statuses := make([]Status, 0, len(p.accounts))
	for _, a := range p.accounts {
		h := p.health[a.Name]
		statuses = append(statuses, Status{
			Name:        a.Name,
			FromEmail:   a.FromEmail,
			Enabled:     a.Enabled,
			Healthy:     h.healthy,
			LastError:   h.lastError,
			FailedAt:    h.failedAt,
			TotalSent:   h.totalSent,
			TotalFailed: h.totalFailed,
		})
	}
	return statuses
}
