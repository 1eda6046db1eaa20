// Package vcache memoizes per-number channel-reachability checks.
//
// Entries live in the persistent store with a TTL; a cron-driven sweep
// evicts expired rows in the background. The sweep is best-effort: a
// failed run only means stale rows linger a little past their TTL.
package vcache

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"wacast/internal/storage"
	logx "wacast/pkg/logx"
)

const DefaultTTL = 24 * time.Hour

type Config struct {
	TTL           time.Duration
	SweepSchedule string // cron spec or @every form; empty disables the sweep
}

type Cache struct {
	store storage.Store
	ttl   time.Duration
	log   logx.Logger

	cron *cron.Cron
}

func New(store storage.Store, cfg Config, log logx.Logger) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Cache{store: store, ttl: ttl, log: log}

	if cfg.SweepSchedule != "" {
		c.cron = cron.New()
		if _, err := c.cron.AddFunc(cfg.SweepSchedule, c.sweep); err != nil {
			log.Warn("invalid cache sweep schedule, sweep disabled",
				logx.String("schedule", cfg.SweepSchedule), logx.Err(err))
			c.cron = nil
		}
	}
	return c
}

// Start launches the background eviction sweep, if configured.
func (c *Cache) Start() {
	if c.cron != nil {
		c.cron.Start()
	}
}

// Stop halts the sweep. Safe to call without Start.
func (c *Cache) Stop() {
	if c.cron != nil {
		c.cron.Stop()
	}
}

// Lookup returns the cached result for phone, treating expired entries
// as absent.
func (c *Cache) Lookup(ctx context.Context, phone string) (storage.Validation, bool, error) {
	return c.store.GetValidation(ctx, phone, time.Now())
}

// Store records a fresh check result, stamping the TTL window.
func (c *Cache) Store(ctx context.Context, phone string, exists, isBusiness bool) (storage.Validation, error) {
	now := time.Now()
	v := storage.Validation{
		Phone:      phone,
		Exists:     exists,
		IsBusiness: isBusiness,
		CheckedAt:  now,
		ExpiresAt:  now.Add(c.ttl),
	}
	if err := c.store.PutValidation(ctx, v); err != nil {
		return storage.Validation{}, err
	}
	return v, nil
}

func (c *Cache) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := c.store.PruneValidations(ctx, time.Now())
	if err != nil {
		c.log.Warn("validation cache sweep failed", logx.Err(err))
		return
	}
	if n > 0 {
		c.log.Debug("validation cache sweep", logx.Int64("evicted", n))
	}
}
