package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"unicode"

	sq "github.com/Masterminds/squirrel"

	"pressline/internal/domain"
)

const defaultTopK = 5

const versionColumns = `item_id,version_number,stage,text,metadata_json,created_at`

// Put stores a new immutable version and returns it with its allocated number.
// Metadata is kept as JSON: the returned and later read maps hold the decoded form,
// so numbers come back as float64, slices as []any and nested structs as maps.
func (r Repo) Put(ctx context.Context, itemID string, stage domain.Stage, text string, meta map[string]any) (domain.ContentVersion, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ContentVersion{}, domain.Storage("put version", err)
	}
	defer tx.Rollback()
	v, err := r.PutTx(ctx, tx, itemID, stage, text, meta)
	if err != nil {
		return domain.ContentVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ContentVersion{}, domain.Storage("put version", err)
	}
	return v, nil
}

// PutTx allocates the next version number for itemID inside tx. The item row is created when missing.
// Allocation and insert are a single statement, so two writers on one item never share a number.
func (r Repo) PutTx(ctx context.Context, tx *sql.Tx, itemID string, stage domain.Stage, text string, meta map[string]any) (domain.ContentVersion, error) {
	if strings.TrimSpace(itemID) == "" {
		return domain.ContentVersion{}, domain.InvalidInput("put version", "item id is required")
	}
	if !stage.Valid() {
		return domain.ContentVersion{}, domain.InvalidInput("put version", "invalid stage %q", stage)
	}
	if len(text) > r.maxText() {
		return domain.ContentVersion{}, domain.InvalidInput("put version", "text is %d bytes, limit is %d", len(text), r.maxText())
	}
	metaJSON, err := encodeMetadata(meta)
	if err != nil {
		return domain.ContentVersion{}, domain.InvalidInput("put version", "metadata is not serializable: %v", err)
	}
	if err := r.EnsureItemTx(ctx, tx, domain.ContentItem{ID: itemID}); err != nil {
		return domain.ContentVersion{}, err
	}
	now := r.now()
	var number int
	err = tx.QueryRowContext(ctx, `INSERT INTO versions(item_id,version_number,stage,text,metadata_json,created_at)
SELECT ?, COALESCE(MAX(version_number)+1, 0), ?, ?, ?, ? FROM versions WHERE item_id=?
RETURNING version_number`, itemID, string(stage), text, metaJSON, now, itemID).Scan(&number)
	if err != nil {
		return domain.ContentVersion{}, domain.Storage("put version", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO versions_fts(text,item_id,version_number,stage) VALUES (?,?,?,?)`,
		text, itemID, number, string(stage)); err != nil {
		return domain.ContentVersion{}, domain.Storage("index version", err)
	}
	stored, err := decodeMetadata(metaJSON)
	if err != nil {
		return domain.ContentVersion{}, domain.Storage("put version", err)
	}
	return domain.ContentVersion{
		ItemID:        itemID,
		VersionNumber: number,
		Stage:         stage,
		Text:          text,
		Metadata:      stored,
		CreatedAt:     now,
	}, nil
}

// Get returns the given version, or the latest one when version is nil.
func (r Repo) Get(ctx context.Context, itemID string, version *int) (domain.ContentVersion, error) {
	var row *sql.Row
	if version == nil {
		row = r.DB.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE item_id=? ORDER BY version_number DESC LIMIT 1`, itemID)
	} else {
		row = r.DB.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE item_id=? AND version_number=?`, itemID, *version)
	}
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if version == nil {
				return domain.ContentVersion{}, domain.NotFound("get version", "item %s not found", itemID)
			}
			return domain.ContentVersion{}, domain.NotFound("get version", "version %d of item %s not found", *version, itemID)
		}
		return domain.ContentVersion{}, domain.Storage("get version", err)
	}
	return v, nil
}

// Latest is Get with no version.
func (r Repo) Latest(ctx context.Context, itemID string) (domain.ContentVersion, error) {
	return r.Get(ctx, itemID, nil)
}

// ListVersions returns every version of the item in ascending order. Unknown items yield an empty slice.
func (r Repo) ListVersions(ctx context.Context, itemID string) ([]domain.ContentVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE item_id=? ORDER BY version_number ASC`, itemID)
	if err != nil {
		return nil, domain.Storage("list versions", err)
	}
	defer rows.Close()
	res := []domain.ContentVersion{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, domain.Storage("list versions", err)
		}
		res = append(res, v)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storage("list versions", err)
	}
	return res, nil
}

// DeleteItem removes the item, its versions, index rows and events. Deleting a missing item is not an error.
func (r Repo) DeleteItem(ctx context.Context, itemID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Storage("delete item", err)
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM versions_fts WHERE item_id=?`,
		`DELETE FROM versions WHERE item_id=?`,
		`DELETE FROM events WHERE item_id=?`,
		`DELETE FROM items WHERE id=?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, itemID); err != nil {
			return domain.Storage("delete item", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Storage("delete item", err)
	}
	return nil
}

// DeleteAll clears every item and the event log.
func (r Repo) DeleteAll(ctx context.Context) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Storage("delete all", err)
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM versions_fts`,
		`DELETE FROM versions`,
		`DELETE FROM events`,
		`DELETE FROM items`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return domain.Storage("delete all", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Storage("delete all", err)
	}
	return nil
}

// Search ranks versions by bm25 relevance. Higher scores are better; ties go to the newer version.
func (r Repo) Search(ctx context.Context, query string, topK int, stage *domain.Stage) ([]domain.SearchHit, error) {
	if topK <= 0 {
		topK = defaultTopK
	}
	match := matchExpression(query)
	if match == "" {
		return []domain.SearchHit{}, nil
	}
	q := sq.Select(
		"v.item_id", "v.version_number", "v.stage", "v.text", "v.metadata_json", "v.created_at",
		"-bm25(versions_fts) AS score",
	).
		From("versions_fts").
		Join("versions v ON v.item_id = versions_fts.item_id AND v.version_number = versions_fts.version_number").
		Where("versions_fts MATCH ?", match).
		OrderBy("score DESC", "v.version_number DESC").
		Limit(uint64(topK))
	if stage != nil {
		q = q.Where(sq.Eq{"v.stage": string(*stage)})
	}
	stmt, args, err := q.ToSql()
	if err != nil {
		return nil, domain.Storage("search", err)
	}
	rows, err := r.DB.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, domain.Storage("search", err)
	}
	defer rows.Close()
	hits := []domain.SearchHit{}
	for rows.Next() {
		var v domain.ContentVersion
		var stageStr, metaJSON string
		var score float64
		if err := rows.Scan(&v.ItemID, &v.VersionNumber, &stageStr, &v.Text, &metaJSON, &v.CreatedAt, &score); err != nil {
			return nil, domain.Storage("search", err)
		}
		v.Stage = domain.Stage(stageStr)
		if v.Metadata, err = decodeMetadata(metaJSON); err != nil {
			return nil, domain.Storage("search", err)
		}
		hits = append(hits, domain.SearchHit{Version: v, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storage("search", err)
	}
	return hits, nil
}

// matchExpression turns free text into an FTS5 OR query of quoted terms.
func matchExpression(query string) string {
	terms := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := map[string]bool{}
	var quoted []string
	for _, t := range terms {
		if seen[t] {
			continue
		}
		seen[t] = true
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}
