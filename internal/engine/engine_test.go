package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pressline/internal/acquire"
	"pressline/internal/config"
	"pressline/internal/db"
	"pressline/internal/domain"
	"pressline/internal/engine"
	"pressline/internal/events"
	"pressline/internal/generate"
	"pressline/internal/migrate"
)

type genCall struct {
	Role domain.Role
	Text string
	Opts generate.Options
}

// fakeGen answers per role; fn may block or fail.
type fakeGen struct {
	mu    sync.Mutex
	calls []genCall
	fn    func(role domain.Role, text string, opts generate.Options) (generate.Result, error)
}

func (f *fakeGen) Generate(ctx context.Context, role domain.Role, text string, opts generate.Options) (generate.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, genCall{Role: role, Text: text, Opts: opts})
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(role, text, opts)
	}
	return defaultReply(role, text)
}

func (f *fakeGen) count(role domain.Role) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Role == role {
			n++
		}
	}
	return n
}

func (f *fakeGen) last(role domain.Role) genCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Role == role {
			return f.calls[i]
		}
	}
	return genCall{}
}

func defaultReply(role domain.Role, text string) (generate.Result, error) {
	switch role {
	case domain.RoleReviewer:
		return generate.Result{Role: role, Text: "{}", Review: &domain.Review{
			Score:       domain.Score{Grammar: 80, Style: 75, Engagement: 90, Overall: 82},
			Suggestions: []string{"Tighten the opening"},
			Summary:     "Strong chapter",
		}}, nil
	case domain.RoleEditor:
		return generate.Result{Role: role, Text: "Final: " + text}, nil
	}
	return generate.Result{Role: role, Text: "Draft of: " + text}, nil
}

type fakeFetcher struct {
	err error
}

func (f fakeFetcher) Fetch(_ context.Context, _ string, url string) (acquire.RawContent, error) {
	if f.err != nil {
		return acquire.RawContent{}, f.err
	}
	return acquire.RawContent{
		URL:   url,
		Title: "The Gates of Morning",
		Text:  "The morning fog rolled across the water as Dick watched the canoe.",
	}, nil
}

type testEnv struct {
	Engine engine.Engine
	Gen    *fakeGen
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	return newTestEnvWith(t, fakeFetcher{})
}

func newTestEnvWith(t *testing.T, fetcher engine.Fetcher) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Server.SessionSecret = "test-secret"
	gen := &fakeGen{}
	eng := engine.New(conn, cfg, gen, fetcher)
	fixed := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Now = fixed
	eng.Repo.Now = fixed
	eng.Events.Now = fixed
	eng.Retry.BaseDelay = time.Millisecond
	eng.Retry.MaxDelay = time.Millisecond
	eng.Retry.LogRetries = false
	return testEnv{Engine: eng, Gen: gen, Ctx: context.Background()}
}

const ch1URL = "https://en.wikisource.org/wiki/The_Gates_of_Morning/Book_1/Chapter_1"

func (env testEnv) start(t *testing.T, opts engine.StartOptions) domain.Session {
	t.Helper()
	sess, err := env.Engine.Start(env.Ctx, opts)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return sess
}

func (env testEnv) stages(t *testing.T, itemID string) []domain.Stage {
	t.Helper()
	versions, err := env.Engine.Repo.ListVersions(env.Ctx, itemID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	var out []domain.Stage
	for _, v := range versions {
		out = append(out, v.Stage)
	}
	return out
}

func TestChapterScenario(t *testing.T) {
	env := newTestEnv(t)
	sess := env.start(t, engine.StartOptions{URL: ch1URL, ItemID: "ch1", Style: "modern", Tone: "engaging"})
	if sess.Status != domain.StatusAwaitingHuman {
		t.Fatalf("expected awaiting, got %s (%s)", sess.Status, sess.Error)
	}
	if sess.CurrentVersion != 1 || sess.Draft == nil || sess.Draft.Stage != domain.StageAIDraft {
		t.Fatalf("unexpected draft: %+v", sess.Draft)
	}
	if sess.Token == "" {
		t.Fatalf("expected a session token")
	}
	if got := env.Gen.last(domain.RoleWriter); got.Opts.Style != "modern" || got.Opts.Tone != "engaging" {
		t.Fatalf("writer options not forwarded: %+v", got.Opts)
	}

	done, err := env.Engine.Advance(env.Ctx, sess.Token, domain.Decision{Action: domain.ActionApprove})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if done.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", done.Status, done.Error)
	}
	want := []domain.VersionRef{
		{ItemID: "ch1", VersionNumber: 0, Stage: domain.StageRaw},
		{ItemID: "ch1", VersionNumber: 1, Stage: domain.StageAIDraft},
		{ItemID: "ch1", VersionNumber: 2, Stage: domain.StageAIReviewed},
		{ItemID: "ch1", VersionNumber: 3, Stage: domain.StageFinal},
	}
	if diff := cmp.Diff(want, done.Lineage); diff != "" {
		t.Fatalf("lineage mismatch (-want +got):\n%s", diff)
	}
	if done.Review == nil || done.Review.Score != (domain.Score{Grammar: 80, Style: 75, Engagement: 90, Overall: 82}) {
		t.Fatalf("unexpected review: %+v", done.Review)
	}
	editor := env.Gen.last(domain.RoleEditor)
	if len(editor.Opts.Suggestions) != 1 || editor.Opts.Summary != "Strong chapter" {
		t.Fatalf("editor did not receive the review: %+v", editor.Opts)
	}
	reviewed, err := env.Engine.Repo.Get(env.Ctx, "ch1", intPtr(2))
	if err != nil {
		t.Fatalf("get reviewed: %v", err)
	}
	if reviewed.Metadata["overall_score"] != float64(82) {
		t.Fatalf("scores not stored with reviewed version: %v", reviewed.Metadata)
	}
	item, err := env.Engine.Repo.GetItem(env.Ctx, "ch1")
	if err != nil || item.SourceURL != ch1URL {
		t.Fatalf("item source not recorded: %+v %v", item, err)
	}
	history, err := env.Engine.Repo.History(env.Ctx, "ch1")
	if err != nil || len(history) != 1 || history[0].Status != "completed" {
		t.Fatalf("unexpected history: %+v %v", history, err)
	}
}

func TestWriterFailuresFailTheSession(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.fn = func(role domain.Role, text string, opts generate.Options) (generate.Result, error) {
		return generate.Result{}, domain.Errorf(domain.KindGeneration, "generate", "model overloaded")
	}
	sess, err := env.Engine.Start(env.Ctx, engine.StartOptions{URL: ch1URL, ItemID: "ch1"})
	if err != nil {
		t.Fatalf("failures must not surface as errors: %v", err)
	}
	if sess.Status != domain.StatusFailed || !strings.Contains(sess.Error, "model overloaded") {
		t.Fatalf("expected failed session with reason, got %s %q", sess.Status, sess.Error)
	}
	if n := env.Gen.count(domain.RoleWriter); n != 3 {
		t.Fatalf("expected 3 writer attempts, got %d", n)
	}
	if diff := cmp.Diff([]domain.Stage{domain.StageRaw}, env.stages(t, "ch1")); diff != "" {
		t.Fatalf("persisted versions changed (-want +got):\n%s", diff)
	}
	history, err := env.Engine.Repo.History(env.Ctx, "ch1")
	if err != nil || history[0].Status != "failed" || history[0].Error == "" {
		t.Fatalf("expected failed history entry: %+v %v", history, err)
	}
}

func TestConfigurationErrorIsNotRetried(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.fn = func(role domain.Role, text string, opts generate.Options) (generate.Result, error) {
		return generate.Result{}, domain.Errorf(domain.KindConfiguration, "generate", "missing api key")
	}
	sess := env.start(t, engine.StartOptions{Topic: "lighthouses"})
	if sess.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", sess.Status)
	}
	if n := env.Gen.count(domain.RoleWriter); n != 1 {
		t.Fatalf("configuration errors must not be retried, got %d calls", n)
	}
}

func TestAcquisitionFailureFailsTheSession(t *testing.T) {
	env := newTestEnvWith(t, fakeFetcher{err: domain.Errorf(domain.KindAcquisition, "acquire", "unexpected status 502")})
	sess := env.start(t, engine.StartOptions{URL: ch1URL, ItemID: "ch1"})
	if sess.Status != domain.StatusFailed || !strings.Contains(sess.Error, "502") {
		t.Fatalf("expected failed session, got %s %q", sess.Status, sess.Error)
	}
	if env.Gen.count(domain.RoleWriter) != 0 {
		t.Fatalf("writer must not run without content")
	}
}

func TestEditsUpToCapForceReview(t *testing.T) {
	env := newTestEnv(t)
	sess := env.start(t, engine.StartOptions{Topic: "the gates of morning"})
	var err error
	for i := 1; i <= 5; i++ {
		if sess.Status != domain.StatusAwaitingHuman {
			t.Fatalf("edit %d: expected awaiting, got %s", i, sess.Status)
		}
		if env.Gen.count(domain.RoleReviewer) != 0 {
			t.Fatalf("review ran before the cap")
		}
		sess, err = env.Engine.Advance(env.Ctx, sess.Token, domain.Decision{Action: domain.ActionEdit, Text: "edit " + string(rune('0'+i))})
		if err != nil {
			t.Fatalf("edit %d: %v", i, err)
		}
		if sess.Iteration > 5 {
			t.Fatalf("iteration exceeded the cap: %d", sess.Iteration)
		}
	}
	if sess.Status != domain.StatusCompleted {
		t.Fatalf("5th edit must force review, got %s", sess.Status)
	}
	if got := env.Gen.last(domain.RoleReviewer).Text; got != "edit 5" {
		t.Fatalf("reviewer should see the last edit, got %q", got)
	}
	want := []domain.Stage{
		domain.StageRaw, domain.StageAIDraft,
		domain.StageHumanEdited, domain.StageHumanEdited, domain.StageHumanEdited, domain.StageHumanEdited, domain.StageHumanEdited,
		domain.StageAIReviewed, domain.StageFinal,
	}
	if diff := cmp.Diff(want, env.stages(t, sess.ItemID)); diff != "" {
		t.Fatalf("stages (-want +got):\n%s", diff)
	}
}

func TestRegenerateRewritesTheSource(t *testing.T) {
	env := newTestEnv(t)
	sess := env.start(t, engine.StartOptions{URL: ch1URL, ItemID: "ch1", MaxIterations: 2})
	next, err := env.Engine.Advance(env.Ctx, sess.Token, domain.Decision{Action: domain.ActionRegenerate})
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if next.Status != domain.StatusAwaitingHuman || next.Iteration != 1 || next.CurrentVersion != 2 {
		t.Fatalf("unexpected session after regenerate: %+v", next)
	}
	if got := env.Gen.last(domain.RoleWriter).Text; !strings.HasPrefix(got, "The morning fog") {
		t.Fatalf("regenerate should rewrite the raw text, got %q", got)
	}
	final, err := env.Engine.Advance(env.Ctx, next.Token, domain.Decision{Action: domain.ActionRegenerate})
	if err != nil {
		t.Fatalf("second regenerate: %v", err)
	}
	if final.Status != domain.StatusCompleted || final.Iteration != 2 {
		t.Fatalf("regenerate at the cap must force review, got %s iteration %d", final.Status, final.Iteration)
	}
	want := []domain.Stage{domain.StageRaw, domain.StageAIDraft, domain.StageAIDraft, domain.StageAIDraft, domain.StageAIReviewed, domain.StageFinal}
	if diff := cmp.Diff(want, env.stages(t, "ch1")); diff != "" {
		t.Fatalf("stages (-want +got):\n%s", diff)
	}
}

func TestCancelDiscardsInFlightDraft(t *testing.T) {
	env := newTestEnv(t)
	sess := env.start(t, engine.StartOptions{URL: ch1URL, ItemID: "ch1"})

	started := make(chan struct{})
	release := make(chan struct{})
	env.Gen.fn = func(role domain.Role, text string, opts generate.Options) (generate.Result, error) {
		close(started)
		<-release
		return generate.Result{Role: role, Text: "late draft"}, nil
	}
	type outcome struct {
		sess domain.Session
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		s, err := env.Engine.Advance(env.Ctx, sess.Token, domain.Decision{Action: domain.ActionRegenerate})
		done <- outcome{s, err}
	}()
	<-started
	aborted, err := env.Engine.Cancel(env.Ctx, sess.Token)
	if err != nil || aborted.Status != domain.StatusAborted {
		t.Fatalf("cancel: %v %s", err, aborted.Status)
	}
	close(release)
	res := <-done
	if res.err != nil || res.sess.Status != domain.StatusAborted {
		t.Fatalf("in-flight advance should end aborted: %v %s", res.err, res.sess.Status)
	}
	if diff := cmp.Diff([]domain.Stage{domain.StageRaw, domain.StageAIDraft}, env.stages(t, "ch1")); diff != "" {
		t.Fatalf("late draft must not be stored (-want +got):\n%s", diff)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "ch1", "", events.WorkflowAborted)
	if err != nil || len(evts) != 1 {
		t.Fatalf("expected one abort event, got %d (%v)", len(evts), err)
	}
	again, err := env.Engine.Advance(env.Ctx, sess.Token, domain.Decision{Action: domain.ActionApprove})
	if err != nil || again.Status != domain.StatusAborted {
		t.Fatalf("aborted session must stay aborted: %v %s", err, again.Status)
	}
}

func TestStaleAndReplayedTokens(t *testing.T) {
	env := newTestEnv(t)
	first := env.start(t, engine.StartOptions{Topic: "harbours"})
	edited, err := env.Engine.Advance(env.Ctx, first.Token, domain.Decision{Action: domain.ActionEdit, Text: "my edit"})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	_, err = env.Engine.Advance(env.Ctx, first.Token, domain.Decision{Action: domain.ActionApprove})
	if domain.KindOf(err) != domain.KindInvalidInput {
		t.Fatalf("stale token should be rejected, got %v", err)
	}
	done, err := env.Engine.Advance(env.Ctx, edited.Token, domain.Decision{Action: domain.ActionApprove})
	if err != nil || done.Status != domain.StatusCompleted {
		t.Fatalf("approve: %v %s", err, done.Status)
	}
	replay, err := env.Engine.Advance(env.Ctx, edited.Token, domain.Decision{Action: domain.ActionApprove})
	if err != nil || replay.Status != domain.StatusCompleted {
		t.Fatalf("replay should report the outcome: %v %s", err, replay.Status)
	}
	if n := env.Gen.count(domain.RoleEditor); n != 1 {
		t.Fatalf("replay must not run the editor again, got %d calls", n)
	}
	if _, err := env.Engine.Advance(env.Ctx, "garbage", domain.Decision{Action: domain.ActionApprove}); domain.KindOf(err) != domain.KindInvalidInput {
		t.Fatalf("garbage token: %v", err)
	}
}

func TestInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Start(env.Ctx, engine.StartOptions{Style: "noir"}); domain.KindOf(err) != domain.KindInvalidInput {
		t.Fatalf("missing url and topic: %v", err)
	}
	sess := env.start(t, engine.StartOptions{Topic: "tides"})
	if _, err := env.Engine.Advance(env.Ctx, sess.Token, domain.Decision{Action: domain.ActionEdit}); domain.KindOf(err) != domain.KindInvalidInput {
		t.Fatalf("edit without text: %v", err)
	}
	if _, err := env.Engine.Advance(env.Ctx, sess.Token, domain.Decision{Action: "publish"}); domain.KindOf(err) != domain.KindInvalidInput {
		t.Fatalf("unknown action: %v", err)
	}
	if env.Gen.count(domain.RoleWriter) != 1 {
		t.Fatalf("invalid input must not reach the model")
	}
}

func TestTopicSeedsRawVersion(t *testing.T) {
	env := newTestEnv(t)
	sess := env.start(t, engine.StartOptions{Topic: "lighthouse keepers"})
	raw, err := env.Engine.Repo.Get(env.Ctx, sess.ItemID, intPtr(0))
	if err != nil {
		t.Fatalf("get raw: %v", err)
	}
	if raw.Stage != domain.StageRaw || raw.Metadata["origin"] != "topic" || raw.Metadata["topic"] != "lighthouse keepers" {
		t.Fatalf("unexpected seed: %+v", raw)
	}
	if !strings.Contains(env.Gen.last(domain.RoleWriter).Text, "lighthouse keepers") {
		t.Fatalf("writer should see the topic brief")
	}
}

func TestResumeBeyondCapGoesStraightToReview(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Repo.Put(env.Ctx, "ch2", domain.StageHumanEdited, "resumed text", nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	sess := env.start(t, engine.StartOptions{ItemID: "ch2", Iteration: 7, MaxIterations: 5})
	if sess.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", sess.Status, sess.Error)
	}
	if env.Gen.count(domain.RoleWriter) != 0 {
		t.Fatalf("writer must not run past the cap")
	}
	if got := env.Gen.last(domain.RoleReviewer).Text; got != "resumed text" {
		t.Fatalf("reviewer input = %q", got)
	}
	if _, err := env.Engine.Start(env.Ctx, engine.StartOptions{ItemID: "missing"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("resume of unknown item: %v", err)
	}
}

type scriptedReviewer struct {
	decisions []domain.Decision
	seen      []int
}

func (s *scriptedReviewer) Decide(_ context.Context, sess domain.Session) (domain.Decision, error) {
	s.seen = append(s.seen, sess.CurrentVersion)
	d := s.decisions[0]
	s.decisions = s.decisions[1:]
	return d, nil
}

func TestRunLoopsWithReviewer(t *testing.T) {
	env := newTestEnv(t)
	reviewer := &scriptedReviewer{decisions: []domain.Decision{
		{Action: domain.ActionEdit, Text: "a sharper draft"},
		{Action: domain.ActionReview},
	}}
	sess, err := env.Engine.Run(env.Ctx, engine.StartOptions{URL: ch1URL, ItemID: "ch1"}, reviewer)
	if err != nil || sess.Status != domain.StatusCompleted {
		t.Fatalf("run: %v %s", err, sess.Status)
	}
	if diff := cmp.Diff([]int{1, 2}, reviewer.seen); diff != "" {
		t.Fatalf("reviewer saw (-want +got):\n%s", diff)
	}
	if sess.CurrentVersion != 4 {
		t.Fatalf("final version = %d", sess.CurrentVersion)
	}
}

type cancellingReviewer struct{}

func (cancellingReviewer) Decide(context.Context, domain.Session) (domain.Decision, error) {
	return domain.Decision{}, context.Canceled
}

func TestRunAbortsWhenReviewerGivesUp(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.Engine.Run(env.Ctx, engine.StartOptions{Topic: "storms"}, cancellingReviewer{})
	if err != nil || sess.Status != domain.StatusAborted {
		t.Fatalf("expected aborted, got %v %s", err, sess.Status)
	}
	if diff := cmp.Diff([]domain.Stage{domain.StageRaw, domain.StageAIDraft}, env.stages(t, sess.ItemID)); diff != "" {
		t.Fatalf("abort must keep stored versions (-want +got):\n%s", diff)
	}
}

func TestGenerateOnceStoresByRole(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Scrape(env.Ctx, ch1URL, "ch1"); err != nil {
		t.Fatalf("scrape: %v", err)
	}
	res, err := env.Engine.GenerateOnce(env.Ctx, engine.GenerateRequest{ItemID: "ch1", Role: domain.RoleReviewer})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Version == nil || res.Version.Stage != domain.StageAIReviewed || res.Review == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	free, err := env.Engine.GenerateOnce(env.Ctx, engine.GenerateRequest{Text: "loose text"})
	if err != nil || free.Version != nil || free.Text != "Draft of: loose text" {
		t.Fatalf("free generation: %+v %v", free, err)
	}
	if _, err := env.Engine.GenerateOnce(env.Ctx, engine.GenerateRequest{}); domain.KindOf(err) != domain.KindInvalidInput {
		t.Fatalf("empty request: %v", err)
	}
}

func TestSelfTest(t *testing.T) {
	env := newTestEnv(t)
	d := env.Engine.SelfTest(env.Ctx, true)
	if !d.Database || !d.Search || !d.AI {
		t.Fatalf("self test: %+v", d)
	}
	items, err := env.Engine.Repo.ListItems(env.Ctx)
	if err != nil || len(items) != 0 {
		t.Fatalf("self test must clean up: %+v %v", items, err)
	}
}

func intPtr(v int) *int { return &v }

func TestBadURLIsRejectedBeforeAnythingIsStored(t *testing.T) {
	env := newTestEnvWith(t, acquire.New(acquire.Config{Timeout: time.Second}))
	_, err := env.Engine.Start(env.Ctx, engine.StartOptions{URL: "ftp://example.com/x", ItemID: "bad"})
	if domain.KindOf(err) != domain.KindInvalidInput {
		t.Fatalf("expected invalid input, got %v", err)
	}
	items, err := env.Engine.Repo.ListItems(env.Ctx)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("rejected input must not create an item, got %+v", items)
	}
	if evts, _ := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "", ""); len(evts) != 0 {
		t.Fatalf("rejected input must not record events, got %d", len(evts))
	}
}

const namedSession = "8f14e45f-ceea-467f-a0e6-9a1b2c3d4e5f"

func TestCancelBySessionIDBeforeFirstDraft(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan struct{})
	release := make(chan struct{})
	env.Gen.fn = func(role domain.Role, text string, opts generate.Options) (generate.Result, error) {
		close(started)
		<-release
		return generate.Result{Role: role, Text: "late draft"}, nil
	}
	type outcome struct {
		sess domain.Session
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		s, err := env.Engine.Start(env.Ctx, engine.StartOptions{Topic: "reefs", ItemID: "reef", SessionID: namedSession})
		done <- outcome{s, err}
	}()
	<-started
	aborted, err := env.Engine.CancelSession(env.Ctx, namedSession)
	if err != nil || aborted.Status != domain.StatusAborted || aborted.ItemID != "reef" {
		t.Fatalf("cancel: %v %+v", err, aborted)
	}
	close(release)
	res := <-done
	if res.err != nil || res.sess.Status != domain.StatusAborted || res.sess.Token != "" {
		t.Fatalf("start should end aborted without a token: %v %+v", res.err, res.sess)
	}
	if diff := cmp.Diff([]domain.Stage{domain.StageRaw}, env.stages(t, "reef")); diff != "" {
		t.Fatalf("late draft must not be stored (-want +got):\n%s", diff)
	}

	again, err := env.Engine.CancelSession(env.Ctx, namedSession)
	if err != nil || again.Status != domain.StatusAborted {
		t.Fatalf("second cancel should report the outcome: %v %s", err, again.Status)
	}
	if _, err := env.Engine.Start(env.Ctx, engine.StartOptions{Topic: "reefs", SessionID: namedSession}); domain.KindOf(err) != domain.KindInvalidInput {
		t.Fatalf("a used session id must be refused, got %v", err)
	}
	if _, err := env.Engine.Start(env.Ctx, engine.StartOptions{Topic: "reefs", SessionID: "not-a-uuid"}); domain.KindOf(err) != domain.KindInvalidInput {
		t.Fatalf("malformed session id: %v", err)
	}
	if _, err := env.Engine.CancelSession(env.Ctx, "0b7c7f4e-1d2a-4a8e-9c55-3f7e2a1b9d10"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown session: %v", err)
	}
}

func TestCancelBySessionIDWhileSuspended(t *testing.T) {
	env := newTestEnv(t)
	sess := env.start(t, engine.StartOptions{Topic: "tides"})
	aborted, err := env.Engine.CancelSession(env.Ctx, sess.ID)
	if err != nil || aborted.Status != domain.StatusAborted || aborted.ItemID != sess.ItemID {
		t.Fatalf("cancel: %v %+v", err, aborted)
	}
	after, err := env.Engine.Advance(env.Ctx, sess.Token, domain.Decision{Action: domain.ActionApprove})
	if err != nil || after.Status != domain.StatusAborted {
		t.Fatalf("token of a cancelled session must report aborted: %v %s", err, after.Status)
	}
	if env.Gen.count(domain.RoleReviewer) != 0 {
		t.Fatalf("cancelled session must not be reviewed")
	}
}

func TestStorageFailuresFailTheSession(t *testing.T) {
	env := newTestEnv(t)
	sess := env.start(t, engine.StartOptions{Topic: "harbours", ItemID: "harbour"})
	if err := env.Engine.DB.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}
	resumed, err := env.Engine.Start(env.Ctx, engine.StartOptions{ItemID: "harbour"})
	if err != nil || resumed.Status != domain.StatusFailed || resumed.Error == "" {
		t.Fatalf("resume on a broken store should fail the session: %v %+v", err, resumed)
	}
	advanced, err := env.Engine.Advance(env.Ctx, sess.Token, domain.Decision{Action: domain.ActionApprove})
	if err != nil || advanced.Status != domain.StatusFailed {
		t.Fatalf("advance on a broken store should fail the session: %v %s", err, advanced.Status)
	}
	cancelled, err := env.Engine.Cancel(env.Ctx, sess.Token)
	if err != nil || cancelled.Status != domain.StatusFailed {
		t.Fatalf("cancel on a broken store should fail the session: %v %s", err, cancelled.Status)
	}
}

func TestSetConfigAppliesToNewSessions(t *testing.T) {
	env := newTestEnv(t)
	before := env.Engine.Config()
	next := *before
	next.Workflow.DefaultStyle = "noir"
	next.Workflow.MaxIterations = 2
	env.Engine.SetConfig(&next)

	sess := env.start(t, engine.StartOptions{Topic: "fog"})
	if sess.Style != "noir" || sess.MaxIterations != 2 {
		t.Fatalf("new session should use the swapped settings: %s %d", sess.Style, sess.MaxIterations)
	}
	if before.Workflow.DefaultStyle == "noir" {
		t.Fatalf("the previous snapshot must not change")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			cfg := *env.Engine.Config()
			cfg.Workflow.MaxIterations = 3 + i%2
			env.Engine.SetConfig(&cfg)
		}(i)
		go func() {
			defer wg.Done()
			if _, err := env.Engine.Start(env.Ctx, engine.StartOptions{Topic: "squalls"}); err != nil {
				t.Errorf("start: %v", err)
			}
		}()
	}
	wg.Wait()
}
