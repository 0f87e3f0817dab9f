package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"pressline/internal/acquire"
	"pressline/internal/config"
	"pressline/internal/domain"
	"pressline/internal/events"
	"pressline/internal/generate"
	"pressline/internal/repo"
	"pressline/internal/retry"
)

const defaultMaxIterations = 5

// Generator is the role-parameterized text model the loop calls.
type Generator interface {
	Generate(ctx context.Context, role domain.Role, text string, opts generate.Options) (generate.Result, error)
}

// Fetcher acquires a page on behalf of an item.
type Fetcher interface {
	Fetch(ctx context.Context, itemID, url string) (acquire.RawContent, error)
}

// HumanReviewer answers a presented draft. Used by the blocking loop.
type HumanReviewer interface {
	Decide(ctx context.Context, s domain.Session) (domain.Decision, error)
}

// AutoApprove approves every draft.
type AutoApprove struct{}

func (AutoApprove) Decide(context.Context, domain.Session) (domain.Decision, error) {
	return domain.Decision{Action: domain.ActionApprove}, nil
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Generator Generator
	Fetcher   Fetcher
	Tokens    TokenCodec
	Retry     retry.RetryConfig
	Now       func() time.Time
	settings  *atomic.Pointer[config.Config]
	runs      *registry
}

func New(db *sql.DB, cfg *config.Config, gen Generator, fetcher Fetcher) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	secret := []byte(cfg.Server.SessionSecret)
	if len(secret) == 0 {
		secret = RandomSecret()
	}
	settings := &atomic.Pointer[config.Config]{}
	settings.Store(cfg)
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db, MaxTextBytes: cfg.Store.MaxTextBytes},
		Events:    events.Writer{DB: db},
		Generator: gen,
		Fetcher:   fetcher,
		Tokens:    TokenCodec{Secret: secret},
		Retry:     retry.GenerationPolicy(),
		Now:       time.Now,
		settings:  settings,
		runs:      newRegistry(),
	}
}

// Config returns the current settings snapshot. Callers must not modify it; use SetConfig.
func (e Engine) Config() *config.Config {
	if e.settings != nil {
		if cfg := e.settings.Load(); cfg != nil {
			return cfg
		}
	}
	return config.Default()
}

// SetConfig replaces the settings seen by sessions started afterwards.
func (e Engine) SetConfig(cfg *config.Config) {
	if e.settings != nil && cfg != nil {
		e.settings.Store(cfg)
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// StartOptions describe a new run. ItemID alone resumes from the item's latest version.
type StartOptions struct {
	URL           string
	Topic         string
	ItemID        string
	Style         string
	Tone          string
	MaxIterations int
	// Iteration is the count carried over by a resuming caller.
	Iteration int
	// SessionID lets a caller name the session up front so it can cancel before the first checkpoint.
	SessionID string
}

// Start begins a session and runs it to the first human checkpoint.
// Component failures yield a FAILED session, not an error; errors are reserved for bad input.
func (e Engine) Start(ctx context.Context, opts StartOptions) (domain.Session, error) {
	opts.URL = strings.TrimSpace(opts.URL)
	opts.Topic = strings.TrimSpace(opts.Topic)
	opts.ItemID = strings.TrimSpace(opts.ItemID)
	if opts.URL == "" && opts.Topic == "" && opts.ItemID == "" {
		return domain.Session{}, domain.InvalidInput("start", "url or topic is required")
	}
	if opts.MaxIterations < 0 || opts.Iteration < 0 {
		return domain.Session{}, domain.InvalidInput("start", "iteration counts must not be negative")
	}
	if opts.URL != "" {
		if _, err := acquire.ValidateURL(opts.URL); err != nil {
			return domain.Session{}, err
		}
	}
	sessionID, err := e.newSessionID(ctx, opts.SessionID)
	if err != nil {
		return domain.Session{}, err
	}
	cfg := e.Config()
	sess := domain.Session{
		ID:            sessionID,
		ItemID:        opts.ItemID,
		Status:        domain.StatusRunning,
		Phase:         domain.PhaseStarted,
		Iteration:     opts.Iteration,
		MaxIterations: maxIterations(cfg, opts.MaxIterations),
		Style:         firstNonEmpty(opts.Style, cfg.Workflow.DefaultStyle, "modern"),
		Tone:          firstNonEmpty(opts.Tone, cfg.Workflow.DefaultTone, "engaging"),
	}
	if sess.ItemID == "" {
		sess.ItemID = uuid.NewString()
	}
	if !e.runs.begin(sess.ID, sess.ItemID) {
		return domain.Session{}, domain.InvalidInput("start", "session %s is already running", sess.ID)
	}
	defer e.runs.end(sess.ID)
	logger := log.With().Str("item_id", sess.ItemID).Str("session_id", sess.ID).Logger()

	var base domain.ContentVersion
	if opts.URL == "" && opts.Topic == "" {
		latest, err := e.Repo.Latest(ctx, sess.ItemID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.Session{}, err
			}
			return e.fail(ctx, sess, err)
		}
		base = latest
		if err := e.Events.Record(ctx, events.WorkflowStarted, sess.ItemID, sess.ID, events.EventPayload{
			"resume": true, "version": base.VersionNumber, "iteration": sess.Iteration,
		}); err != nil {
			return e.fail(ctx, sess, domain.Storage("start", err))
		}
	} else {
		v, err := e.seed(ctx, sess, opts)
		if err != nil {
			if domain.KindOf(err) == domain.KindInvalidInput {
				return domain.Session{}, err
			}
			return e.fail(ctx, sess, err)
		}
		base = v
	}
	sess.CurrentVersion = base.VersionNumber
	logger.Info().Int("version", base.VersionNumber).Int("max_iterations", sess.MaxIterations).Msg("session started")

	if sess.Iteration >= sess.MaxIterations {
		return e.finish(ctx, sess, base)
	}
	return e.draft(ctx, sess, base.Text, base.VersionNumber)
}

// newSessionID returns requested when it is a fresh UUID, or a new one when empty.
func (e Engine) newSessionID(ctx context.Context, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return uuid.NewString(), nil
	}
	id, err := uuid.Parse(requested)
	if err != nil {
		return "", domain.InvalidInput("start", "session_id must be a UUID")
	}
	used, err := e.Repo.LatestEvents(ctx, 1, "", id.String(), "")
	if err != nil {
		return "", err
	}
	if len(used) > 0 || e.runs.cancelled(id.String()) {
		return "", domain.InvalidInput("start", "session %s was already used", id)
	}
	return id.String(), nil
}

// seed stores v0 for a new run: the acquired page, or a topic brief.
func (e Engine) seed(ctx context.Context, sess domain.Session, opts StartOptions) (domain.ContentVersion, error) {
	item := domain.ContentItem{ID: sess.ItemID, SourceURL: opts.URL, Topic: opts.Topic}
	var text string
	var meta map[string]any
	if opts.URL != "" {
		if e.Fetcher == nil {
			return domain.ContentVersion{}, domain.Errorf(domain.KindConfiguration, "acquire", "no acquisition adapter configured")
		}
		if _, err := e.Repo.EnsureItem(ctx, item); err != nil {
			return domain.ContentVersion{}, err
		}
		content, err := e.Fetcher.Fetch(ctx, sess.ItemID, opts.URL)
		if err != nil {
			return domain.ContentVersion{}, err
		}
		text = content.Text
		meta = content.Map()
		meta["origin"] = "url"
	} else {
		text = topicBrief(opts.Topic)
		meta = map[string]any{"topic": opts.Topic, "origin": "topic"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ContentVersion{}, domain.Storage("seed", err)
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureItemTx(ctx, tx, item); err != nil {
		return domain.ContentVersion{}, err
	}
	v, err := e.Repo.PutTx(ctx, tx, sess.ItemID, domain.StageRaw, text, meta)
	if err != nil {
		return domain.ContentVersion{}, err
	}
	if err := e.Events.Append(ctx, tx, events.WorkflowStarted, sess.ItemID, sess.ID, events.EventPayload{
		"version": v.VersionNumber, "origin": meta["origin"], "style": sess.Style, "tone": sess.Tone,
	}); err != nil {
		return domain.ContentVersion{}, domain.Storage("seed", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.ContentVersion{}, domain.Storage("seed", err)
	}
	return v, nil
}

func topicBrief(topic string) string {
	return fmt.Sprintf("Topic: %s\n\nWrite an original, well-structured piece about this topic for a general audience.", topic)
}

// draft runs the writer on text and suspends the session on the stored draft.
func (e Engine) draft(ctx context.Context, sess domain.Session, text string, source int) (domain.Session, error) {
	sess.Phase = domain.PhaseGenerating
	res, err := e.generate(ctx, domain.RoleWriter, text, generate.Options{Style: sess.Style, Tone: sess.Tone})
	if err != nil {
		return e.fail(ctx, sess, err)
	}
	if e.runs.cancelled(sess.ID) {
		return e.discarded(sess, domain.RoleWriter), nil
	}
	v, err := e.store(ctx, sess, domain.StageAIDraft, res.Text, map[string]any{
		"role":           string(domain.RoleWriter),
		"style":          sess.Style,
		"tone":           sess.Tone,
		"source_version": source,
		"session_id":     sess.ID,
		"iteration":      sess.Iteration,
	}, events.WorkflowDraft)
	if err != nil {
		return e.fail(ctx, sess, err)
	}
	return e.suspend(ctx, sess, v, source)
}

// suspend hands the session back to the caller with a resumable token.
func (e Engine) suspend(ctx context.Context, sess domain.Session, v domain.ContentVersion, source int) (domain.Session, error) {
	sess.Status = domain.StatusAwaitingHuman
	sess.Phase = domain.PhaseAwaitingHuman
	sess.CurrentVersion = v.VersionNumber
	sess.Draft = &v
	token, err := e.Tokens.Issue(sess, source)
	if err != nil {
		return e.fail(ctx, sess, err)
	}
	sess.Token = token
	if err := e.Events.Record(ctx, events.WorkflowAwaiting, sess.ItemID, sess.ID, events.EventPayload{
		"version": v.VersionNumber, "stage": v.Stage, "iteration": sess.Iteration,
	}); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("awaiting event not recorded")
	}
	return sess, nil
}

// Advance applies a human decision to a suspended session.
func (e Engine) Advance(ctx context.Context, token string, d domain.Decision) (domain.Session, error) {
	claims, err := e.Tokens.Parse(token)
	if err != nil {
		return domain.Session{}, err
	}
	sess := claims.session()
	switch d.Action {
	case domain.ActionApprove, domain.ActionReview, domain.ActionEdit, domain.ActionRegenerate, domain.ActionCancel:
	default:
		return domain.Session{}, domain.InvalidInput("advance", "unknown action %q", d.Action)
	}
	if closed, ok, err := e.closed(ctx, sess); err != nil {
		return e.fail(ctx, sess, err)
	} else if ok {
		return closed, nil
	}
	if !e.runs.begin(sess.ID, sess.ItemID) {
		return domain.Session{}, domain.InvalidInput("advance", "session %s is already running", sess.ID)
	}
	defer e.runs.end(sess.ID)
	current, err := e.Repo.Latest(ctx, sess.ItemID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Session{}, domain.InvalidInput("advance", "item %s no longer exists", sess.ItemID)
		}
		return e.fail(ctx, sess, err)
	}
	if current.VersionNumber != claims.Version {
		return domain.Session{}, domain.InvalidInput("advance", "session token is stale: item %s is at version %d", sess.ItemID, current.VersionNumber)
	}
	sess.Draft = &current
	sess.Status = domain.StatusRunning

	if d.Action == domain.ActionCancel {
		return e.abort(ctx, sess)
	}
	if sess.Iteration >= sess.MaxIterations {
		log.Info().Str("session_id", sess.ID).Int("iteration", sess.Iteration).Msg("iteration cap reached, reviewing")
		return e.finish(ctx, sess, current)
	}

	switch d.Action {
	case domain.ActionApprove, domain.ActionReview:
		return e.finish(ctx, sess, current)
	case domain.ActionEdit:
		if strings.TrimSpace(d.Text) == "" {
			return domain.Session{}, domain.InvalidInput("advance", "edit requires text")
		}
		sess.Iteration++
		v, err := e.store(ctx, sess, domain.StageHumanEdited, d.Text, map[string]any{
			"session_id":  sess.ID,
			"iteration":   sess.Iteration,
			"edited_from": current.VersionNumber,
		}, events.WorkflowDraft)
		if err != nil {
			return e.fail(ctx, sess, err)
		}
		if sess.Iteration >= sess.MaxIterations {
			return e.finish(ctx, sess, v)
		}
		return e.suspend(ctx, sess, v, claims.Source)
	default:
		sess.Iteration++
		src, err := e.Repo.Get(ctx, sess.ItemID, &claims.Source)
		if err != nil {
			return e.fail(ctx, sess, err)
		}
		next, err := e.draft(ctx, sess, src.Text, claims.Source)
		if err != nil || next.Status != domain.StatusAwaitingHuman {
			return next, err
		}
		if next.Iteration >= next.MaxIterations {
			next.Token = ""
			return e.finish(ctx, next, *next.Draft)
		}
		return next, nil
	}
}

// finish reviews the current version, runs the editor with the review, and stores the final lineage.
func (e Engine) finish(ctx context.Context, sess domain.Session, current domain.ContentVersion) (domain.Session, error) {
	sess.Status = domain.StatusRunning
	sess.Phase = domain.PhaseReviewing
	sess.Token = ""
	opts := generate.Options{Style: sess.Style, Tone: sess.Tone}
	reviewed, err := e.generate(ctx, domain.RoleReviewer, current.Text, opts)
	if err != nil {
		return e.fail(ctx, sess, err)
	}
	if e.runs.cancelled(sess.ID) {
		return e.discarded(sess, domain.RoleReviewer), nil
	}
	review := reviewed.Review
	if review == nil {
		review = &domain.Review{Suggestions: []string{}}
	}
	sess.Review = review
	if err := e.Events.Record(ctx, events.WorkflowReviewed, sess.ItemID, sess.ID, events.EventPayload{
		"version": current.VersionNumber, "score": review.Score, "suggestions": len(review.Suggestions),
	}); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("review event not recorded")
	}

	sess.Phase = domain.PhaseFinalizing
	opts.Suggestions = review.Suggestions
	opts.Summary = review.Summary
	edited, err := e.generate(ctx, domain.RoleEditor, current.Text, opts)
	if err != nil {
		return e.fail(ctx, sess, err)
	}
	if e.runs.cancelled(sess.ID) {
		return e.discarded(sess, domain.RoleEditor), nil
	}

	final, err := e.storeFinal(ctx, sess, current, *review, edited.Text)
	if err != nil {
		return e.fail(ctx, sess, err)
	}
	lineage, err := e.Repo.ListVersions(ctx, sess.ItemID)
	if err != nil {
		return e.fail(ctx, sess, err)
	}
	sess.Lineage = make([]domain.VersionRef, 0, len(lineage))
	for _, v := range lineage {
		sess.Lineage = append(sess.Lineage, v.Ref())
	}
	sess.Status = domain.StatusCompleted
	sess.Phase = domain.PhaseDone
	sess.CurrentVersion = final.VersionNumber
	sess.Draft = &final
	e.runs.forget(sess.ID)
	log.Info().Str("item_id", sess.ItemID).Str("session_id", sess.ID).Int("version", final.VersionNumber).
		Int("overall", review.Score.Overall).Msg("session completed")
	return sess, nil
}

// storeFinal writes AI_REVIEWED and FINAL together with the completion event.
func (e Engine) storeFinal(ctx context.Context, sess domain.Session, reviewed domain.ContentVersion, review domain.Review, text string) (domain.ContentVersion, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ContentVersion{}, domain.Storage("finalize", err)
	}
	defer tx.Rollback()
	rv, err := e.Repo.PutTx(ctx, tx, sess.ItemID, domain.StageAIReviewed, text, map[string]any{
		"role":             string(domain.RoleEditor),
		"session_id":       sess.ID,
		"reviewed_version": reviewed.VersionNumber,
		"grammar_score":    review.Score.Grammar,
		"style_score":      review.Score.Style,
		"engagement_score": review.Score.Engagement,
		"overall_score":    review.Score.Overall,
		"strengths":        review.Strengths,
		"weaknesses":       review.Weaknesses,
		"suggestions":      review.Suggestions,
		"summary":          review.Summary,
	})
	if err != nil {
		return domain.ContentVersion{}, err
	}
	fv, err := e.Repo.PutTx(ctx, tx, sess.ItemID, domain.StageFinal, text, map[string]any{
		"session_id":    sess.ID,
		"from_version":  rv.VersionNumber,
		"overall_score": review.Score.Overall,
		"iterations":    sess.Iteration,
	})
	if err != nil {
		return domain.ContentVersion{}, err
	}
	if err := e.Events.Append(ctx, tx, events.WorkflowCompleted, sess.ItemID, sess.ID, events.EventPayload{
		"version": fv.VersionNumber, "overall_score": review.Score.Overall, "iterations": sess.Iteration,
	}); err != nil {
		return domain.ContentVersion{}, domain.Storage("finalize", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.ContentVersion{}, domain.Storage("finalize", err)
	}
	return fv, nil
}

// store persists one version and its event in a single transaction.
func (e Engine) store(ctx context.Context, sess domain.Session, stage domain.Stage, text string, meta map[string]any, evtType string) (domain.ContentVersion, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ContentVersion{}, domain.Storage("store", err)
	}
	defer tx.Rollback()
	v, err := e.Repo.PutTx(ctx, tx, sess.ItemID, stage, text, meta)
	if err != nil {
		return domain.ContentVersion{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, sess.ItemID, sess.ID, events.EventPayload{
		"version": v.VersionNumber, "stage": stage, "iteration": sess.Iteration,
	}); err != nil {
		return domain.ContentVersion{}, domain.Storage("store", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.ContentVersion{}, domain.Storage("store", err)
	}
	return v, nil
}

// generate calls the model under the generation retry policy.
func (e Engine) generate(ctx context.Context, role domain.Role, text string, opts generate.Options) (generate.Result, error) {
	if e.Generator == nil {
		return generate.Result{}, domain.Errorf(domain.KindConfiguration, "generate", "no generation gateway configured")
	}
	var out generate.Result
	res := retry.RetryWithBackoff(ctx, e.Retry, string(role), func(ctx context.Context) error {
		r, err := e.Generator.Generate(ctx, role, text, opts)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	if !res.Success {
		err := res.LastError
		if domain.KindOf(err) == "" {
			err = domain.E(domain.KindGeneration, string(role), err)
		}
		if res.Attempts > 1 {
			return out, fmt.Errorf("%s failed after %d attempts: %w", role, res.Attempts, err)
		}
		return out, err
	}
	return out, nil
}

// Cancel aborts a suspended session. Nothing already stored is removed.
func (e Engine) Cancel(ctx context.Context, token string) (domain.Session, error) {
	claims, err := e.Tokens.Parse(token)
	if err != nil {
		return domain.Session{}, err
	}
	sess := claims.session()
	if closed, ok, err := e.closed(ctx, sess); err != nil {
		return e.fail(ctx, sess, err)
	} else if ok {
		return closed, nil
	}
	return e.abort(ctx, sess)
}

// CancelSession aborts a session by id. It reaches sessions still working toward their first
// checkpoint, which have no token yet, as well as suspended ones.
func (e Engine) CancelSession(ctx context.Context, sessionID string) (domain.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Session{}, domain.InvalidInput("cancel", "session_id is required")
	}
	if itemID, ok := e.runs.running(sessionID); ok {
		return e.abort(ctx, domain.Session{ID: sessionID, ItemID: itemID, Status: domain.StatusRunning})
	}
	sess := domain.Session{ID: sessionID, Status: domain.StatusRunning}
	if closed, ok, err := e.closed(ctx, sess); err != nil {
		return domain.Session{}, err
	} else if ok {
		return closed, nil
	}
	seen, err := e.Repo.LatestEvents(ctx, 1, "", sessionID, "")
	if err != nil {
		return domain.Session{}, err
	}
	if len(seen) == 0 {
		return domain.Session{}, domain.NotFound("cancel", "session %s not found", sessionID)
	}
	sess.ItemID = seen[0].ItemID
	return e.abort(ctx, sess)
}

// closed reports the outcome of a session that already ended.
func (e Engine) closed(ctx context.Context, sess domain.Session) (domain.Session, bool, error) {
	if e.runs.cancelled(sess.ID) {
		return e.ended(sess, domain.StatusAborted, ""), true, nil
	}
	evt, err := e.Repo.SessionOutcome(ctx, sess.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Session{}, false, nil
		}
		return domain.Session{}, false, err
	}
	if sess.ItemID == "" {
		sess.ItemID = evt.ItemID
	}
	switch evt.Type {
	case events.WorkflowCompleted:
		return e.ended(sess, domain.StatusCompleted, ""), true, nil
	case events.WorkflowFailed:
		return e.ended(sess, domain.StatusFailed, "session already failed"), true, nil
	default:
		return e.ended(sess, domain.StatusAborted, ""), true, nil
	}
}

func (e Engine) ended(sess domain.Session, status domain.SessionStatus, reason string) domain.Session {
	sess.Status = status
	sess.Phase = domain.PhaseDone
	sess.Error = reason
	sess.Token = ""
	return sess
}

func (e Engine) abort(ctx context.Context, sess domain.Session) (domain.Session, error) {
	if !e.runs.cancel(sess.ID) {
		return e.ended(sess, domain.StatusAborted, ""), nil
	}
	if err := e.Events.Record(context.WithoutCancel(ctx), events.WorkflowAborted, sess.ItemID, sess.ID, events.EventPayload{
		"version": sess.CurrentVersion, "iteration": sess.Iteration, "phase": sess.Phase,
	}); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("abort event not recorded")
	}
	log.Info().Str("item_id", sess.ItemID).Str("session_id", sess.ID).Msg("session aborted")
	return e.ended(sess, domain.StatusAborted, ""), nil
}

// discarded is the outcome when a cancel lands while a model call is in flight.
func (e Engine) discarded(sess domain.Session, role domain.Role) domain.Session {
	log.Info().Str("session_id", sess.ID).Str("role", string(role)).Msg("session cancelled, discarding result")
	return e.ended(sess, domain.StatusAborted, "")
}

// fail maps a component failure to a FAILED session. A caller that went away aborts instead.
func (e Engine) fail(ctx context.Context, sess domain.Session, cause error) (domain.Session, error) {
	if ctx.Err() != nil || e.runs.cancelled(sess.ID) {
		return e.abort(ctx, sess)
	}
	kind := domain.KindOf(cause)
	if kind == "" {
		kind = domain.KindStorage
	}
	log.Error().Err(cause).Str("item_id", sess.ItemID).Str("session_id", sess.ID).Str("phase", string(sess.Phase)).Msg("session failed")
	if err := e.Events.Record(ctx, events.WorkflowFailed, sess.ItemID, sess.ID, events.EventPayload{
		"reason": cause.Error(), "kind": kind, "phase": sess.Phase, "version": sess.CurrentVersion,
	}); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("failure event not recorded")
	}
	e.runs.forget(sess.ID)
	return e.ended(sess, domain.StatusFailed, cause.Error()), nil
}

// Run drives a session to completion, asking reviewer at every checkpoint.
func (e Engine) Run(ctx context.Context, opts StartOptions, reviewer HumanReviewer) (domain.Session, error) {
	if reviewer == nil {
		reviewer = AutoApprove{}
	}
	sess, err := e.Start(ctx, opts)
	for err == nil && sess.Status == domain.StatusAwaitingHuman {
		d, derr := reviewer.Decide(ctx, sess)
		if derr != nil || ctx.Err() != nil {
			aborted, cerr := e.Cancel(context.WithoutCancel(ctx), sess.Token)
			if cerr != nil {
				return sess, cerr
			}
			if derr != nil && !errors.Is(derr, context.Canceled) {
				return aborted, derr
			}
			return aborted, nil
		}
		sess, err = e.Advance(ctx, sess.Token, d)
	}
	return sess, err
}

func maxIterations(cfg *config.Config, requested int) int {
	if requested > 0 {
		return requested
	}
	if cfg != nil && cfg.Workflow.MaxIterations > 0 {
		return cfg.Workflow.MaxIterations
	}
	return defaultMaxIterations
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// registry remembers cancelled sessions so in-flight work can be discarded,
// and which sessions are working right now.
type registry struct {
	mu     sync.Mutex
	marks  map[string]time.Time
	active map[string]string
}

func newRegistry() *registry {
	return &registry{marks: map[string]time.Time{}, active: map[string]string{}}
}

// begin records id as working on itemID. It refuses a session that is already working.
func (r *registry) begin(id, itemID string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; ok {
		return false
	}
	r.active[id] = itemID
	return true
}

func (r *registry) end(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

func (r *registry) running(id string) (string, bool) {
	if r == nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	itemID, ok := r.active[id]
	return itemID, ok
}

// cancel marks id and reports whether it was newly cancelled.
func (r *registry) cancel(id string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.marks[id]; ok {
		return false
	}
	now := time.Now()
	for k, at := range r.marks {
		if now.Sub(at) > DefaultTokenTTL {
			delete(r.marks, k)
		}
	}
	r.marks[id] = now
	return true
}

func (r *registry) cancelled(id string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.marks[id]
	return ok
}

func (r *registry) forget(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.marks, id)
	r.mu.Unlock()
}
