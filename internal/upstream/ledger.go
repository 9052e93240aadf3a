package upstream

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dgnsrekt/presence-stream/internal/presence"
)

// Budget describes a provider's request quota.
type Budget struct {
	Quota           int           // hard limit per window
	Window          time.Duration // sliding window length
	SafetyMargin    float64       // fraction of Quota actually used
	HealthyFraction float64       // usage below Quota*HealthyFraction reports healthy
}

// SafeLimit is the number of requests allowed per window.
func (b Budget) SafeLimit() int {
	return int(math.Floor(float64(b.Quota) * b.SafetyMargin))
}

// Ledger tracks request timestamps inside a sliding window, an optional
// retry-not-before deadline, and the last successful snapshot.
type Ledger struct {
	budget Budget
	now    func() time.Time

	mu         sync.Mutex
	requests   []time.Time
	retryAfter time.Time
	last       *presence.Snapshot
}

// LedgerStats is a point-in-time view of a Ledger.
type LedgerStats struct {
	Current     int        `json:"current"`
	Limit       int        `json:"limit"`
	SafeLimit   int        `json:"safeLimit"`
	Window      string     `json:"window"`
	Percentage  string     `json:"percentage"`
	Status      string     `json:"status"`
	RetryAfter  *time.Time `json:"retryAfter"`
	HasLastData bool       `json:"-"`
}

// NewLedger creates an empty ledger for budget.
func NewLedger(budget Budget) *Ledger {
	return &Ledger{budget: budget, now: time.Now}
}

// Budget returns the configured quota.
func (l *Ledger) Budget() Budget {
	return l.budget
}

// Available reports whether a request could be made now without recording one.
func (l *Ledger) Available() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(l.now())
}

// Acquire checks the budget and, if allowed, records a request at the current
// instant. Check and record happen under one lock so concurrent callers see
// each other's attempts.
func (l *Ledger) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if err := l.checkLocked(now); err != nil {
		return err
	}
	l.requests = append(l.requests, now)
	return nil
}

func (l *Ledger) checkLocked(now time.Time) error {
	if !l.retryAfter.IsZero() {
		if now.Before(l.retryAfter) {
			return fmt.Errorf("%w: wait %s", ErrThrottled, l.retryAfter.Sub(now).Round(time.Second))
		}
		l.retryAfter = time.Time{}
	}

	l.pruneLocked(now)
	if count := len(l.requests); count >= l.budget.SafeLimit() {
		return fmt.Errorf("%w: %d/%d in last %s", ErrBudgetExhausted, count, l.budget.Quota, l.budget.Window)
	}
	return nil
}

func (l *Ledger) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.budget.Window)
	i := 0
	for i < len(l.requests) && !l.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.requests = append(l.requests[:0], l.requests[i:]...)
	}
}

// Throttle blocks requests until now+d.
func (l *Ledger) Throttle(d time.Duration) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retryAfter = l.now().Add(d)
	return l.retryAfter
}

// Remember stores s as the last successful snapshot.
func (l *Ledger) Remember(s presence.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = &s
}

// LastGood returns the last successful snapshot, if any.
func (l *Ledger) LastGood() (presence.Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return presence.Snapshot{}, false
	}
	return *l.last, true
}

// Count returns the number of requests in the current window.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return len(l.requests)
}

// Stats returns the ledger's observable state.
func (l *Ledger) Stats() LedgerStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)
	count := len(l.requests)

	var retry *time.Time
	if !l.retryAfter.IsZero() && now.Before(l.retryAfter) {
		t := l.retryAfter.UTC()
		retry = &t
	}

	pct := 0.0
	if l.budget.Quota > 0 {
		pct = float64(count) / float64(l.budget.Quota) * 100
	}

	status := "healthy"
	if float64(count) >= float64(l.budget.Quota)*l.budget.HealthyFraction || retry != nil {
		status = "warning"
	}

	return LedgerStats{
		Current:     count,
		Limit:       l.budget.Quota,
		SafeLimit:   l.budget.SafeLimit(),
		Window:      l.budget.Window.String(),
		Percentage:  fmt.Sprintf("%.1f%%", pct),
		Status:      status,
		RetryAfter:  retry,
		HasLastData: l.last != nil,
	}
}
