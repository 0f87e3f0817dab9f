package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"pressline/internal/domain"
	"pressline/internal/events"
)

// LatestEvents lists events newest first, optionally filtered by item, session and type.
func (r Repo) LatestEvents(ctx context.Context, limit int, itemID, sessionID, evtType string) ([]domain.Event, error) {
	return r.EventsBefore(ctx, limit, 0, itemID, sessionID, evtType)
}

// EventsBefore is LatestEvents restricted to ids below before. Zero means no bound.
func (r Repo) EventsBefore(ctx context.Context, limit int, before int64, itemID, sessionID, evtType string) ([]domain.Event, error) {
	q := sq.Select("id", "ts", "type", "item_id", "session_id", "payload_json").
		From("events").
		OrderBy("id DESC").
		Limit(uint64(limit))
	if before > 0 {
		q = q.Where(sq.Lt{"id": before})
	}
	if itemID != "" {
		q = q.Where(sq.Eq{"item_id": itemID})
	}
	if sessionID != "" {
		q = q.Where(sq.Eq{"session_id": sessionID})
	}
	if evtType != "" {
		q = q.Where(sq.Eq{"type": evtType})
	}
	return r.queryEvents(ctx, q)
}

// EventsAfter lists events with id greater than cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	q := sq.Select("id", "ts", "type", "item_id", "session_id", "payload_json").
		From("events").
		Where(sq.Gt{"id": cursor}).
		OrderBy("id ASC").
		Limit(uint64(limit))
	return r.queryEvents(ctx, q)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, domain.Storage("latest event", err)
	}
	return id.Int64, nil
}

// SessionOutcome returns the terminal event of a session, or ErrNotFound while it is still open.
func (r Repo) SessionOutcome(ctx context.Context, sessionID string) (domain.Event, error) {
	q := sq.Select("id", "ts", "type", "item_id", "session_id", "payload_json").
		From("events").
		Where(sq.Eq{"session_id": sessionID, "type": events.Terminal}).
		OrderBy("id DESC").
		Limit(1)
	items, err := r.queryEvents(ctx, q)
	if err != nil {
		return domain.Event{}, err
	}
	if len(items) == 0 {
		return domain.Event{}, domain.NotFound("session outcome", "session %s has no outcome", sessionID)
	}
	return items[0], nil
}

// PruneEvents deletes events older than before and returns how many were removed.
// The newest outcome event of each item is kept, since history derives failed and aborted from it.
func (r Repo) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	keep, keepArgs, err := sq.Select("MAX(id)").
		From("events").
		Where(sq.Eq{"type": events.Terminal}).
		Where(sq.NotEq{"item_id": nil}).
		GroupBy("item_id").
		ToSql()
	if err != nil {
		return 0, domain.Storage("prune events", err)
	}
	stmt, args, err := sq.Delete("events").
		Where(sq.Lt{"ts": before.UTC().Format(time.RFC3339)}).
		Where("id NOT IN ("+keep+")", keepArgs...).
		ToSql()
	if err != nil {
		return 0, domain.Storage("prune events", err)
	}
	res, err := r.DB.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, domain.Storage("prune events", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r Repo) queryEvents(ctx context.Context, q sq.SelectBuilder) ([]domain.Event, error) {
	stmt, args, err := q.ToSql()
	if err != nil {
		return nil, domain.Storage("query events", err)
	}
	rows, err := r.DB.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, domain.Storage("query events", err)
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var itemID, sessionID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &itemID, &sessionID, &payload); err != nil {
			return nil, domain.Storage("query events", err)
		}
		e.ItemID = itemID.String
		e.SessionID = sessionID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storage("query events", err)
	}
	return res, nil
}

// History derives one entry per item. An empty itemID lists all items, newest first.
func (r Repo) History(ctx context.Context, itemID string) ([]domain.HistoryEntry, error) {
	var items []domain.ContentItem
	if itemID != "" {
		item, err := r.GetItem(ctx, itemID)
		if err != nil {
			return nil, err
		}
		items = []domain.ContentItem{item}
	} else {
		all, err := r.ListItems(ctx)
		if err != nil {
			return nil, err
		}
		items = all
	}
	res := make([]domain.HistoryEntry, 0, len(items))
	for _, item := range items {
		entry, err := r.historyEntry(ctx, item)
		if err != nil {
			return nil, err
		}
		res = append(res, entry)
	}
	return res, nil
}

func (r Repo) historyEntry(ctx context.Context, item domain.ContentItem) (domain.HistoryEntry, error) {
	entry := domain.HistoryEntry{
		ID:        item.ID,
		Status:    "in_progress",
		Timestamp: item.CreatedAt,
		Input:     item.SourceURL,
		Results:   map[string][]int{},
	}
	if entry.Input == "" {
		entry.Input = item.Topic
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT version_number,stage,created_at FROM versions WHERE item_id=? ORDER BY version_number`, item.ID)
	if err != nil {
		return entry, domain.Storage("history", err)
	}
	hasFinal := false
	for rows.Next() {
		var n int
		var stage, ts string
		if err := rows.Scan(&n, &stage, &ts); err != nil {
			rows.Close()
			return entry, domain.Storage("history", err)
		}
		entry.Results[stage] = append(entry.Results[stage], n)
		if ts > entry.Timestamp {
			entry.Timestamp = ts
		}
		if domain.Stage(stage) == domain.StageFinal {
			hasFinal = true
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return entry, domain.Storage("history", err)
	}
	rows.Close()

	q := sq.Select("id", "ts", "type", "item_id", "session_id", "payload_json").
		From("events").
		Where(sq.Eq{"item_id": item.ID, "type": events.Terminal}).
		OrderBy("id DESC").
		Limit(1)
	last, err := r.queryEvents(ctx, q)
	if err != nil {
		return entry, err
	}
	switch {
	case len(last) == 1:
		entry.Status = terminalStatus(last[0].Type)
		if last[0].TS > entry.Timestamp {
			entry.Timestamp = last[0].TS
		}
		var payload struct {
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal([]byte(last[0].Payload), &payload); err == nil && entry.Status != "completed" {
			entry.Error = payload.Reason
		}
	case hasFinal:
		entry.Status = "completed"
	}
	return entry, nil
}

func terminalStatus(evtType string) string {
	switch evtType {
	case events.WorkflowCompleted:
		return "completed"
	case events.WorkflowFailed:
		return "failed"
	case events.WorkflowAborted:
		return "aborted"
	}
	return "in_progress"
}

// IsNotFound reports whether err is a store lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
