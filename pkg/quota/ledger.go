package quota

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loomworks/loom/pkg/clock"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrQuotaExhausted is returned when no sub-key can cover a reservation
	ErrQuotaExhausted = errors.New("quota exhausted")

	// ErrUnknownProvider is returned for providers with no configured limits
	ErrUnknownProvider = errors.New("no quota configured for provider")

	// ErrUnknownReservation is returned for a commit/refund of a token the
	// ledger does not hold (already settled or expired)
	ErrUnknownReservation = errors.New("unknown reservation")
)

// Limit configures one sub-key (credential) of a provider
type Limit struct {
	SubKey string
	Limit  int64
	Window time.Duration
}

// Reservation is a held claim on provider quota. It is committed on
// execution success or refunded on failure; the janitor refunds
// reservations left unsettled past the reservation TTL.
type Reservation struct {
	Token      string
	ProviderID string
	SubKey     string
	Amount     int64
	CreatedAt  time.Time
}

type window struct {
	limit       int64
	windowDur   time.Duration
	used        int64
	reserved    int64 // outstanding, uncommitted reservations
	windowStart time.Time
	resetAt     time.Time
	lastUsed    time.Time
}

func (w *window) headroom() int64 {
	return w.limit - w.used - w.reserved
}

type providerLedger struct {
	mu      sync.Mutex
	keys    map[string]*window
	pending map[string]*Reservation
}

// Ledger enforces per-provider, per-sub-key quota with sliding windows.
// Reservation, commit and refund are O(1) under a per-provider mutex; the
// ledger never holds a lock across I/O.
type Ledger struct {
	mu        sync.RWMutex
	providers map[string]*providerLedger

	reservationTTL time.Duration
	clock          clock.Clock
	store          storage.Store // optional; persists committed windows
	logger         zerolog.Logger
}

// NewLedger creates a quota ledger. store may be nil for an ephemeral
// ledger (tests); reservationTTL bounds how long an unsettled reservation
// holds quota before the janitor refunds it.
func NewLedger(clk clock.Clock, store storage.Store, reservationTTL time.Duration) *Ledger {
	if clk == nil {
		clk = clock.New()
	}
	if reservationTTL <= 0 {
		reservationTTL = 60 * time.Second
	}
	return &Ledger{
		providers:      make(map[string]*providerLedger),
		reservationTTL: reservationTTL,
		clock:          clk,
		store:          store,
		logger:         log.WithComponent("quota"),
	}
}

// Configure installs the limits for a provider, replacing any previous
// configuration. Windows restart from now.
func (l *Ledger) Configure(providerID string, limits []Limit) {
	now := l.clock.Now()
	pl := &providerLedger{
		keys:    make(map[string]*window),
		pending: make(map[string]*Reservation),
	}
	for _, lim := range limits {
		dur := lim.Window
		if dur <= 0 {
			dur = time.Hour
		}
		key := lim.SubKey
		if key == "" {
			key = "default"
		}
		pl.keys[key] = &window{
			limit:       lim.Limit,
			windowDur:   dur,
			windowStart: now,
			resetAt:     now.Add(dur),
		}
	}
	l.mu.Lock()
	l.providers[providerID] = pl
	l.mu.Unlock()
}

// Remove drops a provider's quota state
func (l *Ledger) Remove(providerID string) {
	l.mu.Lock()
	delete(l.providers, providerID)
	l.mu.Unlock()
	if l.store != nil {
		if err := l.store.DeleteQuotaRecords(providerID); err != nil {
			l.logger.Warn().Err(err).Str("provider_id", providerID).Msg("failed to delete quota records")
		}
	}
}

func (l *Ledger) provider(providerID string) (*providerLedger, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pl, ok := l.providers[providerID]
	return pl, ok
}

// rollover resets any window whose reset time has passed. Caller holds
// the provider lock.
func rollover(pl *providerLedger, now time.Time) {
	for _, w := range pl.keys {
		if !now.Before(w.resetAt) {
			w.used = 0
			w.windowStart = now
			w.resetAt = now.Add(w.windowDur)
		}
	}
}

// TryReserve atomically reserves amount units against the provider. With
// an empty subKey the ledger picks one: least-recently-used first, largest
// remaining headroom on ties. Fails with ErrQuotaExhausted when no key has
// headroom in the current window.
func (l *Ledger) TryReserve(providerID, subKey string, amount int64) (*Reservation, error) {
	pl, ok := l.provider(providerID)
	if !ok {
		return nil, ErrUnknownProvider
	}
	now := l.clock.Now()

	pl.mu.Lock()
	defer pl.mu.Unlock()
	rollover(pl, now)

	var chosen string
	if subKey != "" {
		w, ok := pl.keys[subKey]
		if !ok || w.headroom() < amount {
			return nil, ErrQuotaExhausted
		}
		chosen = subKey
	} else {
		for key, w := range pl.keys {
			if w.headroom() < amount {
				continue
			}
			if chosen == "" {
				chosen = key
				continue
			}
			cur := pl.keys[chosen]
			switch {
			case w.lastUsed.Before(cur.lastUsed):
				chosen = key
			case w.lastUsed.Equal(cur.lastUsed) && w.headroom() > cur.headroom():
				chosen = key
			}
		}
		if chosen == "" {
			return nil, ErrQuotaExhausted
		}
	}

	res := &Reservation{
		Token:      uuid.New().String(),
		ProviderID: providerID,
		SubKey:     chosen,
		Amount:     amount,
		CreatedAt:  now,
	}
	pl.keys[chosen].reserved += amount
	pl.pending[res.Token] = res
	return res, nil
}

// Commit settles a reservation as used quota
func (l *Ledger) Commit(res *Reservation) error {
	pl, ok := l.provider(res.ProviderID)
	if !ok {
		return ErrUnknownProvider
	}

	pl.mu.Lock()
	if _, held := pl.pending[res.Token]; !held {
		pl.mu.Unlock()
		return ErrUnknownReservation
	}
	delete(pl.pending, res.Token)
	w := pl.keys[res.SubKey]
	w.reserved -= res.Amount
	w.used += res.Amount
	w.lastUsed = l.clock.Now()
	rec := &types.QuotaRecord{
		ProviderID:  res.ProviderID,
		SubKey:      res.SubKey,
		WindowStart: w.windowStart,
		Used:        w.used,
		Limit:       w.limit,
		ResetAt:     w.resetAt,
	}
	pl.mu.Unlock()

	if l.store != nil {
		if err := l.store.PutQuotaRecord(rec); err != nil {
			l.logger.Warn().Err(err).Str("provider_id", res.ProviderID).Msg("failed to persist quota record")
		}
	}
	return nil
}

// Refund releases a reservation without consuming quota
func (l *Ledger) Refund(res *Reservation) error {
	pl, ok := l.provider(res.ProviderID)
	if !ok {
		return ErrUnknownProvider
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if _, held := pl.pending[res.Token]; !held {
		return ErrUnknownReservation
	}
	delete(pl.pending, res.Token)
	pl.keys[res.SubKey].reserved -= res.Amount
	return nil
}

// HasHeadroom reports whether any sub-key of the provider could cover a
// reservation of amount units right now. Used by the coordinator's quota
// filter; it does not reserve.
func (l *Ledger) HasHeadroom(providerID string, amount int64) bool {
	pl, ok := l.provider(providerID)
	if !ok {
		return false
	}
	now := l.clock.Now()
	pl.mu.Lock()
	defer pl.mu.Unlock()
	rollover(pl, now)
	for _, w := range pl.keys {
		if w.headroom() >= amount {
			return true
		}
	}
	return false
}

// NearestReset returns the earliest window reset time across the
// provider's sub-keys, for aligning backoff after quota exhaustion.
func (l *Ledger) NearestReset(providerID string) (time.Time, bool) {
	pl, ok := l.provider(providerID)
	if !ok {
		return time.Time{}, false
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	var nearest time.Time
	for _, w := range pl.keys {
		if nearest.IsZero() || w.resetAt.Before(nearest) {
			nearest = w.resetAt
		}
	}
	return nearest, !nearest.IsZero()
}

// Snapshot returns the current windows of a provider as quota records
func (l *Ledger) Snapshot(providerID string) []types.QuotaRecord {
	pl, ok := l.provider(providerID)
	if !ok {
		return nil
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	recs := make([]types.QuotaRecord, 0, len(pl.keys))
	for key, w := range pl.keys {
		recs = append(recs, types.QuotaRecord{
			ProviderID:  providerID,
			SubKey:      key,
			WindowStart: w.windowStart,
			Used:        w.used,
			Limit:       w.limit,
			ResetAt:     w.resetAt,
		})
	}
	return recs
}

// StartJanitor launches the reservation sweeper: reservations older than
// the reservation TTL are auto-refunded so a crashed worker cannot hold
// quota forever.
func (l *Ledger) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweepExpired()
			}
		}
	}()
}

func (l *Ledger) sweepExpired() {
	l.mu.RLock()
	ledgers := make([]*providerLedger, 0, len(l.providers))
	for _, pl := range l.providers {
		ledgers = append(ledgers, pl)
	}
	l.mu.RUnlock()

	now := l.clock.Now()
	for _, pl := range ledgers {
		pl.mu.Lock()
		for token, res := range pl.pending {
			if now.Sub(res.CreatedAt) > l.reservationTTL {
				delete(pl.pending, token)
				pl.keys[res.SubKey].reserved -= res.Amount
				l.logger.Warn().
					Str("provider_id", res.ProviderID).
					Str("sub_key", res.SubKey).
					Int64("amount", res.Amount).
					Msg("expired reservation refunded")
			}
		}
		pl.mu.Unlock()
	}
}
