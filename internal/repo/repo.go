package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"pressline/internal/domain"
)

// ErrNotFound is returned (wrapped) when an item or version is missing.
var ErrNotFound = domain.ErrNotFound

// DefaultMaxTextBytes bounds a single version body unless configured otherwise.
const DefaultMaxTextBytes = 1 << 20

// Repo is the content store over SQLite.
type Repo struct {
	DB           *sql.DB
	MaxTextBytes int
	Now          func() time.Time
}

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (r Repo) maxText() int {
	if r.MaxTextBytes > 0 {
		return r.MaxTextBytes
	}
	return DefaultMaxTextBytes
}

// Ping checks that the backing store answers queries.
func (r Repo) Ping(ctx context.Context) error {
	if r.DB == nil {
		return domain.Storage("ping", errors.New("database not configured"))
	}
	var one int
	if err := r.DB.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return domain.Storage("ping", err)
	}
	return nil
}

// EnsureItem creates the item row if absent. Source url and topic are set once and never overwritten.
func (r Repo) EnsureItem(ctx context.Context, item domain.ContentItem) (domain.ContentItem, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ContentItem{}, domain.Storage("ensure item", err)
	}
	defer tx.Rollback()
	if err := r.EnsureItemTx(ctx, tx, item); err != nil {
		return domain.ContentItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ContentItem{}, domain.Storage("ensure item", err)
	}
	return r.GetItem(ctx, item.ID)
}

func (r Repo) EnsureItemTx(ctx context.Context, tx *sql.Tx, item domain.ContentItem) error {
	if item.ID == "" {
		return domain.InvalidInput("ensure item", "item id is required")
	}
	createdAt := item.CreatedAt
	if createdAt == "" {
		createdAt = r.now()
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO items(id,source_url,topic,created_at) VALUES (?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		item.ID, nullable(item.SourceURL), nullable(item.Topic), createdAt); err != nil {
		return domain.Storage("ensure item", err)
	}
	return nil
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.ContentItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,source_url,topic,created_at FROM items WHERE id=?`, id)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ContentItem{}, domain.NotFound("get item", "item %s not found", id)
		}
		return domain.ContentItem{}, domain.Storage("get item", err)
	}
	return item, nil
}

func (r Repo) ListItems(ctx context.Context) ([]domain.ContentItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,source_url,topic,created_at FROM items ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, domain.Storage("list items", err)
	}
	defer rows.Close()
	var res []domain.ContentItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, domain.Storage("list items", err)
		}
		res = append(res, item)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storage("list items", err)
	}
	return res, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (domain.ContentItem, error) {
	var item domain.ContentItem
	var sourceURL, topic sql.NullString
	if err := s.Scan(&item.ID, &sourceURL, &topic, &item.CreatedAt); err != nil {
		return domain.ContentItem{}, err
	}
	item.SourceURL = sourceURL.String
	item.Topic = topic.String
	return item, nil
}

func scanVersion(s scanner) (domain.ContentVersion, error) {
	var v domain.ContentVersion
	var stage, metaJSON string
	if err := s.Scan(&v.ItemID, &v.VersionNumber, &stage, &v.Text, &metaJSON, &v.CreatedAt); err != nil {
		return domain.ContentVersion{}, err
	}
	v.Stage = domain.Stage(stage)
	meta, err := decodeMetadata(metaJSON)
	if err != nil {
		return domain.ContentVersion{}, err
	}
	v.Metadata = meta
	return v, nil
}

func encodeMetadata(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMetadata(raw string) (map[string]any, error) {
	meta := map[string]any{}
	if raw == "" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
