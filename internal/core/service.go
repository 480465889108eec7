// Package core implements the transport-agnostic lease lock manager:
// acquire/renew/release semantics, owner overrides, the notification
// inbox, and expiry sweeping. HTTP and CLI adapters sit on top.
package core

import (
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/docuvault/doclease/internal/bus"
	"github.com/docuvault/doclease/internal/clock"
	"github.com/docuvault/doclease/internal/storage"
)

// Default lease parameters applied when Config leaves them zero.
const (
	DefaultTTL        = 30 * time.Minute
	DefaultMaxTTL     = 8 * time.Hour
	DefaultInboxLimit = storage.DefaultNotificationLimit
)

// GuestRevoker is invoked after a guest's lock is taken away by the document
// owner (release-on-behalf or force-release), so the surrounding application
// can invalidate the guest's editing session. Called outside storage locks;
// implementations must not block for long.
type GuestRevoker func(documentID string, holder storage.Holder)

// Config wires the Service's dependencies.
type Config struct {
	Store        storage.Backend
	Bus          *bus.Bus
	Logger       pslog.Logger
	Clock        clock.Clock
	DefaultTTL   time.Duration
	MaxTTL       time.Duration
	InboxLimit   int
	GuestRevoker GuestRevoker
}

// Service aggregates the transport-agnostic domain operations.
type Service struct {
	store        storage.Backend
	bus          *bus.Bus
	logger       pslog.Logger
	clock        clock.Clock
	defaultTTL   time.Duration
	maxTTL       time.Duration
	inboxLimit   int
	guestRevoker GuestRevoker

	// docLocks serializes lock transitions per document so change events
	// publish in commit order.
	docLocks sync.Map
}

// New constructs the core Service with sane defaults.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = DefaultMaxTTL
	}
	if cfg.InboxLimit <= 0 {
		cfg.InboxLimit = DefaultInboxLimit
	}
	b := cfg.Bus
	if b == nil {
		b = bus.New(logger)
	}
	return &Service{
		store:        cfg.Store,
		bus:          b,
		logger:       logger,
		clock:        clk,
		defaultTTL:   cfg.DefaultTTL,
		maxTTL:       cfg.MaxTTL,
		inboxLimit:   cfg.InboxLimit,
		guestRevoker: cfg.GuestRevoker,
	}
}

// Bus exposes the change bus for transport adapters (watch endpoints).
func (s *Service) Bus() *bus.Bus {
	return s.bus
}

func (s *Service) docMutex(documentID string) *sync.Mutex {
	mu, _ := s.docLocks.LoadOrStore(documentID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// resolveTTL maps the wire-level minute count onto a lease duration.
// Zero selects the default, negative means no expiry, and positive values
// are clamped to the configured maximum.
func (s *Service) resolveTTL(ttlMinutes int64) (time.Duration, bool) {
	switch {
	case ttlMinutes == 0:
		return s.defaultTTL, false
	case ttlMinutes < 0:
		return 0, true
	}
	ttl := time.Duration(ttlMinutes) * time.Minute
	if s.maxTTL > 0 && ttl > s.maxTTL {
		ttl = s.maxTTL
	}
	return ttl, false
}
