package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"wacast/internal/campaign"
	logx "wacast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutCampaign(ctx context.Context, c *campaign.Campaign) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO campaigns(id, status, created_at, doc) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, doc=excluded.doc`,
		c.ID, string(c.Status), c.CreatedAt.UnixMilli(), string(doc),
	)
	return err
}

func (s *sqliteStore) GetCampaign(ctx context.Context, id string) (*campaign.Campaign, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrClosed
	}
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM campaigns WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var c campaign.Campaign
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

func (s *sqliteStore) ListCampaigns(ctx context.Context) ([]*campaign.Campaign, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM campaigns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*campaign.Campaign
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var c campaign.Campaign
		if err := json.Unmarshal([]byte(doc), &c); err != nil {
			// One corrupt row should not hide the rest of the history.
			s.log.Warn("skipping unreadable campaign row", logx.Err(err))
			continue
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteCampaign(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) PutValidation(ctx context.Context, v Validation) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO number_validation(phone, exists_on_channel, is_business, checked_at, expires_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(phone) DO UPDATE SET
		   exists_on_channel=excluded.exists_on_channel,
		   is_business=excluded.is_business,
		   checked_at=excluded.checked_at,
		   expires_at=excluded.expires_at`,
		v.Phone, boolInt(v.Exists), boolInt(v.IsBusiness), v.CheckedAt.UnixMilli(), v.ExpiresAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetValidation(ctx context.Context, phone string, now time.Time) (Validation, bool, error) {
	if s == nil || s.db == nil {
		return Validation{}, false, ErrClosed
	}
	var (
		exists, business int
		checkedMS, expMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT exists_on_channel, is_business, checked_at, expires_at FROM number_validation WHERE phone = ?`,
		phone,
	).Scan(&exists, &business, &checkedMS, &expMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Validation{}, false, nil
	}
	if err != nil {
		return Validation{}, false, err
	}
	if expMS <= now.UnixMilli() {
		return Validation{}, false, nil
	}
	return Validation{
		Phone:      phone,
		Exists:     exists != 0,
		IsBusiness: business != 0,
		CheckedAt:  time.UnixMilli(checkedMS),
		ExpiresAt:  time.UnixMilli(expMS),
	}, true, nil
}

func (s *sqliteStore) PruneValidations(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM number_validation WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
