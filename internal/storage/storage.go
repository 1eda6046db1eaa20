package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"wacast/internal/campaign"
	logx "wacast/pkg/logx"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
//   - "memory": volatile in-process backend (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Validation is one cached number-reachability check.
type Validation struct {
	Phone      string    `json:"phone"`
	Exists     bool      `json:"exists"`
	IsBusiness bool      `json:"isBusiness"`
	CheckedAt  time.Time `json:"checkedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Store is the persistence API used by the engine and the cache.
//
// Campaign reads return ok=false when the id is unknown. ListCampaigns is
// unordered; callers sort. GetValidation treats entries with
// ExpiresAt <= now as absent; PruneValidations removes them for good.
type Store interface {
	PutCampaign(ctx context.Context, c *campaign.Campaign) error
	GetCampaign(ctx context.Context, id string) (*campaign.Campaign, bool, error)
	ListCampaigns(ctx context.Context) ([]*campaign.Campaign, error)
	DeleteCampaign(ctx context.Context, id string) error

	PutValidation(ctx context.Context, v Validation) error
	GetValidation(ctx context.Context, phone string, now time.Time) (Validation, bool, error)
	PruneValidations(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
