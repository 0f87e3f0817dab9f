package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"pressline/internal/domain"
	"pressline/internal/events"
	"pressline/internal/generate"
)

// Scrape acquires url and stores it as a RAW version without starting a session.
func (e Engine) Scrape(ctx context.Context, url, itemID string) (domain.ContentVersion, error) {
	if strings.TrimSpace(url) == "" {
		return domain.ContentVersion{}, domain.InvalidInput("scrape", "url is required")
	}
	if e.Fetcher == nil {
		return domain.ContentVersion{}, domain.Errorf(domain.KindConfiguration, "scrape", "no acquisition adapter configured")
	}
	if itemID == "" {
		itemID = uuid.NewString()
	}
	content, err := e.Fetcher.Fetch(ctx, itemID, url)
	if err != nil {
		return domain.ContentVersion{}, err
	}
	meta := content.Map()
	meta["origin"] = "url"

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ContentVersion{}, domain.Storage("scrape", err)
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureItemTx(ctx, tx, domain.ContentItem{ID: itemID, SourceURL: strings.TrimSpace(url)}); err != nil {
		return domain.ContentVersion{}, err
	}
	v, err := e.Repo.PutTx(ctx, tx, itemID, domain.StageRaw, content.Text, meta)
	if err != nil {
		return domain.ContentVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ContentVersion{}, domain.Storage("scrape", err)
	}
	return v, nil
}

// GenerateRequest is a one-off model call outside the loop.
type GenerateRequest struct {
	ItemID      string
	Text        string
	Role        domain.Role
	Style       string
	Tone        string
	MaxLength   int
	Temperature *float64
}

type GenerateResult struct {
	generate.Result
	Version *domain.ContentVersion `json:"version,omitempty"`
}

var roleStage = map[domain.Role]domain.Stage{
	domain.RoleWriter:   domain.StageAIDraft,
	domain.RoleReviewer: domain.StageAIReviewed,
	domain.RoleEditor:   domain.StageFinal,
}

// GenerateOnce runs a single role. With an item id the input defaults to the latest version and the output is stored.
func (e Engine) GenerateOnce(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if req.Role == "" {
		req.Role = domain.RoleWriter
	}
	if !req.Role.Valid() {
		return GenerateResult{}, domain.InvalidInput("generate", "unknown role %q", req.Role)
	}
	source := -1
	if strings.TrimSpace(req.Text) == "" {
		if req.ItemID == "" {
			return GenerateResult{}, domain.InvalidInput("generate", "text or item_id is required")
		}
		latest, err := e.Repo.Latest(ctx, req.ItemID)
		if err != nil {
			return GenerateResult{}, err
		}
		req.Text = latest.Text
		source = latest.VersionNumber
	}
	cfg := e.Config()
	opts := generate.Options{
		Style:       firstNonEmpty(req.Style, cfg.Workflow.DefaultStyle),
		Tone:        firstNonEmpty(req.Tone, cfg.Workflow.DefaultTone),
		MaxLength:   req.MaxLength,
		Temperature: req.Temperature,
	}
	res, err := e.generate(ctx, req.Role, req.Text, opts)
	if err != nil {
		return GenerateResult{}, err
	}
	out := GenerateResult{Result: res}
	if req.ItemID == "" {
		return out, nil
	}

	text := res.Text
	meta := map[string]any{"role": string(req.Role), "style": opts.Style, "tone": opts.Tone, "origin": "generate"}
	if source >= 0 {
		meta["source_version"] = source
	}
	if res.Review != nil {
		text = req.Text
		meta["grammar_score"] = res.Review.Score.Grammar
		meta["style_score"] = res.Review.Score.Style
		meta["engagement_score"] = res.Review.Score.Engagement
		meta["overall_score"] = res.Review.Score.Overall
		meta["suggestions"] = res.Review.Suggestions
		meta["summary"] = res.Review.Summary
	}
	v, err := e.Repo.Put(ctx, req.ItemID, roleStage[req.Role], text, meta)
	if err != nil {
		return GenerateResult{}, err
	}
	if res.Review != nil {
		if err := e.Events.Record(ctx, events.WorkflowReviewed, req.ItemID, "", events.EventPayload{
			"version": v.VersionNumber, "score": res.Review.Score,
		}); err != nil {
			return GenerateResult{}, domain.Storage("generate", err)
		}
	}
	out.Version = &v
	return out, nil
}

// Publish runs a whole session without a human, approving the first draft.
func (e Engine) Publish(ctx context.Context, opts StartOptions) (domain.Session, error) {
	return e.Run(ctx, opts, AutoApprove{})
}

// Diagnostics is the result of a self test.
type Diagnostics struct {
	Database bool   `json:"database"`
	Search   bool   `json:"search"`
	AI       bool   `json:"ai"`
	Detail   string `json:"detail,omitempty"`
}

// SelfTest writes, reads, searches and deletes a scratch item. With probeAI it also makes one tiny model call.
func (e Engine) SelfTest(ctx context.Context, probeAI bool) Diagnostics {
	var d Diagnostics
	var problems []string
	itemID := "selftest-" + uuid.NewString()
	defer func() { _ = e.Repo.DeleteItem(context.WithoutCancel(ctx), itemID) }()

	const probe = "pressline selftest lighthouse keeper"
	stored, err := e.Repo.Put(ctx, itemID, domain.StageRaw, probe, map[string]any{"selftest": true})
	if err == nil {
		var got domain.ContentVersion
		got, err = e.Repo.Get(ctx, itemID, &stored.VersionNumber)
		d.Database = err == nil && got.Text == probe
	}
	if !d.Database {
		problems = append(problems, "store round trip failed")
	}
	if d.Database {
		hits, err := e.Repo.Search(ctx, "lighthouse keeper", 50, nil)
		for _, h := range hits {
			if h.Version.ItemID == itemID {
				d.Search = true
			}
		}
		if err != nil || !d.Search {
			problems = append(problems, "search did not find the probe")
		}
	}
	if probeAI {
		_, err := e.generate(ctx, domain.RoleWriter, "Say hello.", generate.Options{MaxLength: 20})
		d.AI = err == nil
		if err != nil {
			problems = append(problems, err.Error())
		}
	}
	d.Detail = strings.Join(problems, "; ")
	return d
}
