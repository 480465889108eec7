package client

import (
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/docuvault/doclease/api"
	"github.com/docuvault/doclease/internal/clock"
)

// DefaultRenewalWarning is how long before lease expiry the watchdog fires
// the renewal callback.
const DefaultRenewalWarning = 5 * time.Minute

// WatchdogConfig wires the lease watchdog's callbacks.
type WatchdogConfig struct {
	// Clock defaults to the real clock; tests inject a manual one.
	Clock clock.Clock
	// WarnBefore is the lead time for OnRenewalDue. Defaults to
	// DefaultRenewalWarning.
	WarnBefore time.Duration
	// OnRenewalDue fires once per lease when expiry approaches, so the UI can
	// offer the holder a renewal.
	OnRenewalDue func(lock api.LockInfo)
	// OnExpired fires when the lease passes its expiry without renewal. The
	// application should drop its local editing state; the server expires the
	// lease on its own.
	OnExpired func(lock api.LockInfo)
	Logger    pslog.Logger
}

// Watchdog tracks the client's held leases and fires renewal and expiry
// callbacks on local timers. It never talks to the server: timers are armed
// from lease timestamps the caller already has, and a renewal observed via
// Track simply re-arms them.
type Watchdog struct {
	clock      clock.Clock
	warnBefore time.Duration
	onRenewal  func(api.LockInfo)
	onExpired  func(api.LockInfo)
	logger     pslog.Logger

	mu     sync.Mutex
	leases map[string]*trackedLease
	closed bool
}

type trackedLease struct {
	lock        api.LockInfo
	warnTimer   clock.Timer
	expireTimer clock.Timer
}

// NewWatchdog constructs a lease watchdog.
func NewWatchdog(cfg WatchdogConfig) *Watchdog {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	warn := cfg.WarnBefore
	if warn <= 0 {
		warn = DefaultRenewalWarning
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Watchdog{
		clock:      clk,
		warnBefore: warn,
		onRenewal:  cfg.OnRenewalDue,
		onExpired:  cfg.OnExpired,
		logger:     logger,
		leases:     make(map[string]*trackedLease),
	}
}

// Track starts (or re-arms, after a renewal) the timers for a held lease.
// Indefinite leases are tracked without timers.
func (w *Watchdog) Track(lock api.LockInfo) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.stopLocked(lock.LockID)
	tracked := &trackedLease{lock: lock}
	w.leases[lock.LockID] = tracked
	w.mu.Unlock()

	if lock.ExpiresAt == 0 {
		return
	}
	expiresIn := time.Unix(lock.ExpiresAt, 0).Sub(w.clock.Now())
	if expiresIn <= 0 {
		w.Forget(lock.LockID)
		w.fireExpired(lock)
		return
	}

	// Timers are armed outside the mutex: a zero-delay timer may fire its
	// callback synchronously.
	var warnTimer, expireTimer clock.Timer
	if w.onRenewal != nil {
		warnIn := expiresIn - w.warnBefore
		if warnIn < 0 {
			warnIn = 0
		}
		warnTimer = w.clock.AfterFunc(warnIn, func() {
			w.fireRenewalDue(lock.LockID)
		})
	}
	expireTimer = w.clock.AfterFunc(expiresIn, func() {
		w.fireExpiry(lock.LockID)
	})

	w.mu.Lock()
	if current, ok := w.leases[lock.LockID]; ok && current == tracked {
		current.warnTimer = warnTimer
		current.expireTimer = expireTimer
	} else {
		// Superseded or forgotten while unlocked.
		if warnTimer != nil {
			warnTimer.Stop()
		}
		expireTimer.Stop()
	}
	w.mu.Unlock()
}

// Forget cancels tracking for a lease, after a release or force-release.
func (w *Watchdog) Forget(lockID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked(lockID)
}

// Close cancels all timers. Callbacks no longer fire afterwards.
func (w *Watchdog) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for id := range w.leases {
		w.stopLocked(id)
	}
}

func (w *Watchdog) stopLocked(lockID string) {
	tracked, ok := w.leases[lockID]
	if !ok {
		return
	}
	if tracked.warnTimer != nil {
		tracked.warnTimer.Stop()
	}
	if tracked.expireTimer != nil {
		tracked.expireTimer.Stop()
	}
	delete(w.leases, lockID)
}

func (w *Watchdog) fireRenewalDue(lockID string) {
	w.mu.Lock()
	tracked, ok := w.leases[lockID]
	if !ok || w.closed {
		w.mu.Unlock()
		return
	}
	lock := tracked.lock
	w.mu.Unlock()
	w.logger.Debug("watchdog.renewal_due", "document", lock.DocumentID, "lock_id", lock.LockID)
	w.onRenewal(lock)
}

func (w *Watchdog) fireExpiry(lockID string) {
	w.mu.Lock()
	tracked, ok := w.leases[lockID]
	if !ok || w.closed {
		w.mu.Unlock()
		return
	}
	delete(w.leases, lockID)
	lock := tracked.lock
	w.mu.Unlock()
	w.fireExpired(lock)
}

func (w *Watchdog) fireExpired(lock api.LockInfo) {
	w.logger.Debug("watchdog.expired", "document", lock.DocumentID, "lock_id", lock.LockID)
	if w.onExpired != nil {
		w.onExpired(lock)
	}
}
