package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tmc/langchaingo/llms"

	"pressline/internal/config"
	"pressline/internal/events"
	"pressline/internal/generate"
)

type stubModel struct{}

func (stubModel) GenerateContent(ctx context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "ok"}}}, nil
}

func (m stubModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

// keyedFactory only yields a model when a key is present, like the real providers.
func keyedFactory(seen *string) generate.ModelFactory {
	return func(_ context.Context, cfg generate.Config) (llms.Model, error) {
		*seen = cfg.APIKey
		if cfg.APIKey == "" {
			return nil, nil
		}
		return stubModel{}, nil
	}
}

func clearKeyEnv(t *testing.T) {
	t.Helper()
	for _, k := range config.APIKeyEnv {
		t.Setenv(k, "")
	}
}

func TestBootstrapReadsKeyFromDotEnv(t *testing.T) {
	clearKeyEnv(t)
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, ".env"), []byte("PRESSLINE_API_KEY=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	var seen string
	env, err := Bootstrap(context.Background(), Options{Workspace: ws, ModelFactory: keyedFactory(&seen)})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer env.Close()
	if seen != "from-dotenv" {
		t.Fatalf("expected key from .env, got %q", seen)
	}
	if !env.Gateway.Ready() {
		t.Fatalf("gateway should be ready")
	}
	if env.Config.Workflow.MaxIterations != 5 {
		t.Fatalf("expected default config, got %+v", env.Config.Workflow)
	}
	if _, err := os.Stat(env.DBPath); err != nil {
		t.Fatalf("database not created: %v", err)
	}
	if env.Acquirer.ScreenshotDir != filepath.Join(ws, "output", "screenshots") {
		t.Fatalf("screenshot dir not resolved against workspace: %s", env.Acquirer.ScreenshotDir)
	}
}

func TestBootstrapWithoutKeyIsNotReady(t *testing.T) {
	clearKeyEnv(t)
	var seen string
	env, err := Bootstrap(context.Background(), Options{Workspace: t.TempDir(), ModelFactory: keyedFactory(&seen)})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer env.Close()
	if env.Gateway.Ready() {
		t.Fatalf("gateway must not be ready without a key")
	}
}

func TestBootstrapRejectsInvalidConfig(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(config.Path(ws), []byte("workflow:\n  max_iterations: 0\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Bootstrap(context.Background(), Options{Workspace: ws}); err == nil {
		t.Fatalf("expected invalid config to fail")
	}
}

func TestInit(t *testing.T) {
	ws := t.TempDir()
	path, err := Init(ws, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := config.FromFile(path); err != nil {
		t.Fatalf("generated config invalid: %v", err)
	}
	if _, err := Init(ws, false); err == nil {
		t.Fatalf("second init without force should fail")
	}
	if _, err := Init(ws, true); err != nil {
		t.Fatalf("forced init: %v", err)
	}
}

func TestPruneEventsHonoursRetention(t *testing.T) {
	clearKeyEnv(t)
	env, err := Bootstrap(context.Background(), Options{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer env.Close()
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return now }

	old := events.Writer{DB: env.DB, Now: func() time.Time { return now.Add(-60 * 24 * time.Hour) }}
	fresh := events.Writer{DB: env.DB, Now: func() time.Time { return now.Add(-time.Hour) }}
	if err := old.Record(ctx, events.WorkflowStarted, "a", "s1", nil); err != nil {
		t.Fatalf("record old: %v", err)
	}
	if err := fresh.Record(ctx, events.WorkflowStarted, "b", "s2", nil); err != nil {
		t.Fatalf("record fresh: %v", err)
	}
	n, err := env.PruneEvents(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned event, got %d", n)
	}
	left, err := env.Engine.Repo.LatestEvents(ctx, 10, "", "", "")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(left) != 1 || left[0].ItemID != "b" {
		t.Fatalf("unexpected remaining events %+v", left)
	}

	keepAll := *env.Engine.Config()
	keepAll.Store.EventsRetention = config.Duration{}
	env.Engine.SetConfig(&keepAll)
	if n, _ := env.PruneEvents(ctx); n != 0 {
		t.Fatalf("zero retention must keep events, pruned %d", n)
	}
}

func TestStartMaintenanceSchedulesPrune(t *testing.T) {
	clearKeyEnv(t)
	env, err := Bootstrap(context.Background(), Options{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer env.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := env.StartMaintenance(ctx)
	if err != nil {
		t.Fatalf("start maintenance: %v", err)
	}
	if len(c.Entries()) != 1 {
		t.Fatalf("expected one scheduled job, got %d", len(c.Entries()))
	}

	broken := *env.Engine.Config()
	broken.Store.PruneSchedule = "not a schedule"
	env.Engine.SetConfig(&broken)
	if _, err := env.StartMaintenance(ctx); err == nil {
		t.Fatalf("expected bad schedule to fail")
	}
}
