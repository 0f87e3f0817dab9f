package repo_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pressline/internal/db"
	"pressline/internal/domain"
	"pressline/internal/events"
	"pressline/internal/migrate"
	"pressline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{
		DB:  conn,
		Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
}

func TestPutAllocatesSequentialVersions(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i, stage := range []domain.Stage{domain.StageRaw, domain.StageAIDraft, domain.StageAIReviewed, domain.StageFinal} {
		v, err := r.Put(ctx, "ch1", stage, fmt.Sprintf("text %d", i), nil)
		require.NoError(t, err)
		assert.Equal(t, i, v.VersionNumber)
		assert.Equal(t, stage, v.Stage)
	}
	other, err := r.Put(ctx, "ch2", domain.StageRaw, "other", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, other.VersionNumber, "numbering is per item")
}

func TestPutConcurrentWritersNeverShareANumber(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	const writers = 20
	var wg sync.WaitGroup
	numbers := make(chan int, writers)
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := r.Put(ctx, "shared", domain.StageHumanEdited, fmt.Sprintf("edit %d", i), nil)
			if err != nil {
				errs <- err
				return
			}
			numbers <- v.VersionNumber
		}(i)
	}
	wg.Wait()
	close(numbers)
	close(errs)
	for err := range errs {
		t.Fatalf("put: %v", err)
	}
	var got []int
	for n := range numbers {
		got = append(got, n)
	}
	sort.Ints(got)
	for i, n := range got {
		assert.Equal(t, i, n, "numbers must be gap-free")
	}
}

func TestGetLatestAndRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	meta := map[string]any{"style": "modern", "tone": "engaging", "score": 87.5, "nested": map[string]any{"ok": true}}
	v0, err := r.Put(ctx, "item", domain.StageRaw, "original body", meta)
	require.NoError(t, err)
	_, err = r.Put(ctx, "item", domain.StageAIDraft, "draft body", nil)
	require.NoError(t, err)

	got, err := r.Get(ctx, "item", &v0.VersionNumber)
	require.NoError(t, err)
	assert.Equal(t, "original body", got.Text)
	if diff := cmp.Diff(meta, got.Metadata); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}

	latest, err := r.Latest(ctx, "item")
	require.NoError(t, err)
	assert.Equal(t, 1, latest.VersionNumber)
	assert.Equal(t, domain.StageAIDraft, latest.Stage)
}

func TestGetMissing(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	_, err := r.Latest(ctx, "nope")
	require.Error(t, err)
	assert.True(t, repo.IsNotFound(err))
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	_, err = r.Put(ctx, "item", domain.StageRaw, "x", nil)
	require.NoError(t, err)
	n := 7
	_, err = r.Get(ctx, "item", &n)
	assert.True(t, repo.IsNotFound(err))
}

func TestPutRejectsOversizedText(t *testing.T) {
	r := newTestRepo(t)
	r.MaxTextBytes = 8
	_, err := r.Put(context.Background(), "item", domain.StageRaw, "way too long for the limit", nil)
	require.Error(t, err)
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

func TestPutRejectsUnknownStage(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.Put(context.Background(), "item", domain.Stage("DRAFTISH"), "x", nil)
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

func TestListVersionsAscending(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := r.Put(ctx, "item", domain.StageHumanEdited, fmt.Sprintf("v%d", i), nil)
		require.NoError(t, err)
	}
	versions, err := r.ListVersions(ctx, "item")
	require.NoError(t, err)
	require.Len(t, versions, 4)
	for i, v := range versions {
		assert.Equal(t, i, v.VersionNumber)
		assert.Equal(t, fmt.Sprintf("v%d", i), v.Text)
	}
	empty, err := r.ListVersions(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDeleteItemIsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	_, err := r.Put(ctx, "item", domain.StageRaw, "morning gates", nil)
	require.NoError(t, err)
	require.NoError(t, r.DeleteItem(ctx, "item"))
	require.NoError(t, r.DeleteItem(ctx, "item"))
	versions, err := r.ListVersions(ctx, "item")
	require.NoError(t, err)
	assert.Empty(t, versions)
	hits, err := r.Search(ctx, "morning", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits, "index rows go with the item")
}

func TestSearchRanksAndLimits(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	texts := []string{
		"The morning gates opened over the harbor. Morning light hit the gates.",
		"A story about gates.",
		"Nothing related here at all.",
		"Morning tea and quiet reading.",
		"Morning gates, morning gates, morning gates.",
	}
	for i, text := range texts {
		_, err := r.Put(ctx, fmt.Sprintf("item-%d", i), domain.StageRaw, text, nil)
		require.NoError(t, err)
	}
	hits, err := r.Search(ctx, "morning gates", 3, nil)
	require.NoError(t, err)
	require.LessOrEqual(t, len(hits), 3)
	require.NotEmpty(t, hits)
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score, "descending score")
	}
	for _, h := range hits {
		assert.NotEqual(t, "item-2", h.Version.ItemID)
	}
}

func TestSearchTieBreaksOnNewestVersion(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := r.Put(ctx, "same", domain.StageHumanEdited, "identical lantern text", nil)
		require.NoError(t, err)
	}
	hits, err := r.Search(ctx, "lantern", 3, nil)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, []int{2, 1, 0}, []int{hits[0].Version.VersionNumber, hits[1].Version.VersionNumber, hits[2].Version.VersionNumber})
}

func TestSearchStageFilterAndEmpty(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	_, err := r.Put(ctx, "item", domain.StageRaw, "river boats", nil)
	require.NoError(t, err)
	_, err = r.Put(ctx, "item", domain.StageFinal, "river boats polished", nil)
	require.NoError(t, err)

	final := domain.StageFinal
	hits, err := r.Search(ctx, "river", 5, &final)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, domain.StageFinal, hits[0].Version.Stage)

	none, err := r.Search(ctx, "zeppelin", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, none)

	blank, err := r.Search(ctx, "  ?? ", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, blank)
}

func TestHistoryDerivesStatus(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	_, err := r.EnsureItem(ctx, domain.ContentItem{ID: "done", SourceURL: "https://example.com/a"})
	require.NoError(t, err)
	_, err = r.Put(ctx, "done", domain.StageRaw, "a", nil)
	require.NoError(t, err)
	_, err = r.Put(ctx, "done", domain.StageFinal, "b", nil)
	require.NoError(t, err)

	_, err = r.EnsureItem(ctx, domain.ContentItem{ID: "broken", Topic: "lighthouses"})
	require.NoError(t, err)
	_, err = r.Put(ctx, "broken", domain.StageRaw, "c", nil)
	require.NoError(t, err)
	w := events.Writer{DB: r.DB, Now: r.Now}
	require.NoError(t, w.Record(ctx, events.WorkflowFailed, "broken", "s-1", events.EventPayload{"reason": "quota exceeded"}))

	entries, err := r.History(ctx, "")
	require.NoError(t, err)
	byID := map[string]domain.HistoryEntry{}
	for _, e := range entries {
		byID[e.ID] = e
	}
	assert.Equal(t, "completed", byID["done"].Status)
	assert.Equal(t, "https://example.com/a", byID["done"].Input)
	assert.Equal(t, []int{1}, byID["done"].Results["FINAL"])
	assert.Equal(t, "failed", byID["broken"].Status)
	assert.Equal(t, "quota exceeded", byID["broken"].Error)
	assert.Equal(t, "lighthouses", byID["broken"].Input)

	_, err = r.History(ctx, "ghost")
	assert.True(t, repo.IsNotFound(err))
}

func TestSessionOutcomeAndPrune(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB, Now: r.Now}
	require.NoError(t, w.Record(ctx, events.WorkflowStarted, "item", "s-1", nil))
	_, err := r.SessionOutcome(ctx, "s-1")
	assert.True(t, repo.IsNotFound(err))

	require.NoError(t, w.Record(ctx, events.WorkflowAborted, "item", "s-1", nil))
	evt, err := r.SessionOutcome(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, events.WorkflowAborted, evt.Type)

	n, err := r.PruneEvents(ctx, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	left, err := r.LatestEvents(ctx, 10, "", "", "")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, events.WorkflowAborted, left[0].Type)
}

func TestPruneKeepsLatestOutcomePerItem(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	_, err := r.EnsureItem(ctx, domain.ContentItem{ID: "broken", Topic: "lighthouses"})
	require.NoError(t, err)
	_, err = r.Put(ctx, "broken", domain.StageRaw, "c", nil)
	require.NoError(t, err)
	w := events.Writer{DB: r.DB, Now: r.Now}
	require.NoError(t, w.Record(ctx, events.WorkflowAborted, "broken", "s-1", nil))
	require.NoError(t, w.Record(ctx, events.WorkflowStarted, "broken", "s-2", nil))
	require.NoError(t, w.Record(ctx, events.WorkflowFailed, "broken", "s-2", events.EventPayload{"reason": "quota exceeded"}))

	n, err := r.PruneEvents(ctx, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	entries, err := r.History(ctx, "broken")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "failed", entries[0].Status)
	assert.Equal(t, "quota exceeded", entries[0].Error)
}

func TestMetadataComesBackJSONNormalized(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	v, err := r.Put(ctx, "item", domain.StageAIReviewed, "body", map[string]any{
		"overall_score": 80,
		"suggestions":   []string{"tighten the opening", "cut adverbs"},
	})
	require.NoError(t, err)
	got, err := r.Get(ctx, "item", &v.VersionNumber)
	require.NoError(t, err)

	want := map[string]any{
		"overall_score": float64(80),
		"suggestions":   []any{"tighten the opening", "cut adverbs"},
	}
	if diff := cmp.Diff(want, got.Metadata); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, v.Metadata); diff != "" {
		t.Fatalf("Put result differs from stored form (-want +got):\n%s", diff)
	}
}
