package timebank

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/timebank-sync/internal/models"
)

// ProfileFetcher returns the current user's profile. *Client satisfies it.
type ProfileFetcher interface {
	Me(ctx context.Context) (models.Profile, error)
}

// Balance holds the user's time balance. Local adjustments are
// optimistic; Refresh replaces the value with the server's.
type Balance struct {
	logger *slog.Logger
	api    ProfileFetcher

	// OnChange, if set, receives every new value outside the lock.
	OnChange func(float64)

	mu    sync.Mutex
	value float64
	known bool

	// gen moves on every local adjustment so a refresh that started
	// before it does not overwrite it with an older server value.
	gen uint64

	// base moves whenever the value is replaced outright by Set or an
	// applied Refresh.
	base uint64
}

// Hold is an optimistic adjustment that can be released if the round
// trip it anticipates fails.
type Hold struct {
	delta float64
	base  uint64
}

// NewBalance creates a balance with no known value.
func NewBalance(api ProfileFetcher, logger *slog.Logger) *Balance {
	return &Balance{logger: logger, api: api}
}

// Value returns the balance and whether it has been loaded.
func (b *Balance) Value() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.value, b.known
}

// Set replaces the balance.
func (b *Balance) Set(v float64) {
	b.mu.Lock()
	b.gen++
	b.base++
	b.value = v
	b.known = true
	b.mu.Unlock()

	b.changed(v)
}

// Adjust adds delta to the balance and returns the new value.
func (b *Balance) Adjust(delta float64) float64 {
	b.mu.Lock()
	b.gen++
	b.value += delta
	v := b.value
	b.mu.Unlock()

	b.changed(v)

	return v
}

// Hold adds delta to the balance and returns a record for Release.
func (b *Balance) Hold(delta float64) Hold {
	b.mu.Lock()
	b.gen++
	b.value += delta
	v := b.value
	h := Hold{delta: delta, base: b.base}
	b.mu.Unlock()

	b.changed(v)

	return h
}

// Release undoes h and reports whether it did. Once a server value has
// replaced the balance after h was taken, that value is the server of
// record's answer and already accounts for the failed request, so it is
// kept as is.
func (b *Balance) Release(h Hold) bool {
	b.mu.Lock()
	if b.base != h.base {
		b.mu.Unlock()
		return false
	}

	b.gen++
	b.value -= h.delta
	v := b.value
	b.mu.Unlock()

	b.changed(v)

	return true
}

// Refresh loads the balance from the server of record.
func (b *Balance) Refresh(ctx context.Context) error {
	b.mu.Lock()
	gen := b.gen
	b.mu.Unlock()

	p, err := b.api.Me(ctx)
	if err != nil {
		return fmt.Errorf("refreshing balance: %w", err)
	}

	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		b.logger.Debug("dropping balance refresh overtaken by local change")

		return nil
	}

	b.base++
	b.value = p.Balance
	b.known = true
	b.mu.Unlock()

	b.changed(p.Balance)

	return nil
}

func (b *Balance) changed(v float64) {
	if b.OnChange != nil {
		b.OnChange(v)
	}
}
