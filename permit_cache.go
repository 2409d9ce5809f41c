package x402

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// SignFunc mints a fresh permit. The cache invokes it at most once per key at
// a time; concurrent callers for the same key wait for the in-flight sign.
type SignFunc func(ctx context.Context) (*CachedPermit, error)

// PermitCache owns the lifecycle of signed permits: issuance, reuse while
// unexpired and unexhausted, and spend accounting across interleaved requests.
//
// Concurrency discipline: all mutations happen under the cache mutex, and
// permit issuance is single-flighted per key via an in-flight channel map so
// two requests racing on a cold cache do not both sign (and thus do not both
// consume an on-chain nonce with one invalidating the other). Requests for
// different keys never block each other.
type PermitCache struct {
	mu       sync.Mutex
	entries  map[string]*permitEntry
	inFlight map[string]chan struct{}

	now func() time.Time
}

type permitEntry struct {
	permit    *CachedPermit
	maxValue  *big.Int
	spent     *big.Int
	exhausted bool
}

// NewPermitCache creates an empty permit cache.
func NewPermitCache() *PermitCache {
	return &PermitCache{
		entries:  make(map[string]*permitEntry),
		inFlight: make(map[string]chan struct{}),
		now:      time.Now,
	}
}

// GetPermit returns a valid cached permit for key, or mints one via sign.
// A permit whose deadline has passed or whose recorded spend has reached its
// cap is never returned; a fresh sign is triggered instead, replacing the
// entry and resetting its ledger to zero.
//
// Waiters blocked on an in-flight sign re-check the cache once it completes:
// on success they observe the minted permit, on failure the next caller
// attempts its own sign (mirroring the retry-after-failure semantics of the
// in-flight map).
func (c *PermitCache) GetPermit(ctx context.Context, key string, sign SignFunc) (*CachedPermit, error) {
	for {
		c.mu.Lock()
		if entry, ok := c.entries[key]; ok && c.usableLocked(entry) {
			permit := entry.permit
			c.mu.Unlock()
			return permit, nil
		}

		if done, ok := c.inFlight[key]; ok {
			c.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		done := make(chan struct{})
		c.inFlight[key] = done
		c.mu.Unlock()

		permit, err := sign(ctx)
		if err == nil {
			err = c.store(key, permit)
		}

		c.mu.Lock()
		delete(c.inFlight, key)
		close(done)
		c.mu.Unlock()

		if err != nil {
			return nil, err
		}
		return permit, nil
	}
}

// store replaces the cache entry for key with a freshly minted permit.
func (c *PermitCache) store(key string, permit *CachedPermit) error {
	maxValue, ok := new(big.Int).SetString(permit.MaxValue, 10)
	if !ok || maxValue.Sign() <= 0 {
		return NewPaymentError(ErrCodeSigningFailed,
			fmt.Sprintf("signer returned a non-positive maxValue %q", permit.MaxValue), nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &permitEntry{
		permit:   permit,
		maxValue: maxValue,
		spent:    new(big.Int),
	}
	return nil
}

// usableLocked reports whether the entry's permit may be reused. Must be
// called with the cache mutex held.
func (c *PermitCache) usableLocked(entry *permitEntry) bool {
	if entry.permit == nil || entry.exhausted {
		return false
	}
	if c.now().Unix() >= entry.permit.Deadline {
		return false
	}
	return entry.spent.Cmp(entry.maxValue) < 0
}

// RecordSpend attributes amount to the active permit for key. When cumulative
// spend reaches the permit's cap the entry is marked exhausted so the next
// GetPermit re-signs rather than reuses. Amounts that are nil or non-positive
// are ignored.
func (c *PermitCache) RecordSpend(key string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || entry.permit == nil {
		return
	}
	entry.spent.Add(entry.spent, amount)
	if entry.spent.Cmp(entry.maxValue) >= 0 {
		entry.exhausted = true
	}
}

// Spent returns the ledger total recorded against the active permit for key,
// or zero when no permit is cached.
func (c *PermitCache) Spent(key string) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && entry.spent != nil {
		return new(big.Int).Set(entry.spent)
	}
	return new(big.Int)
}
