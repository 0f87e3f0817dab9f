package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"pressline/internal/acquire"
	"pressline/internal/config"
	"pressline/internal/db"
	"pressline/internal/engine"
	"pressline/internal/generate"
	"pressline/internal/migrate"
)

// Options control how a workspace is opened.
type Options struct {
	Workspace string
	// DBPath overrides the workspace database location.
	DBPath string
	// ModelFactory replaces the langchaingo providers, mainly in tests.
	ModelFactory generate.ModelFactory
	// Fetcher replaces the acquisition adapter.
	Fetcher engine.Fetcher
}

// Env is an opened workspace with every component wired.
type Env struct {
	Workspace string
	DBPath    string
	DB        *sql.DB
	Config    *config.Config
	Secrets   config.Secrets
	Gateway   *generate.Gateway
	Acquirer  *acquire.Adapter
	Engine    engine.Engine
}

// Bootstrap opens the database, applies migrations, and builds the engine from pressline.yml and the
// environment. A missing API key leaves the gateway unconfigured rather than failing.
func Bootstrap(ctx context.Context, opts Options) (*Env, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	secrets, err := config.LoadSecrets(workspace)
	if err != nil {
		return nil, err
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = db.Path(workspace)
	}
	conn, err := db.Open(db.Config{Workspace: workspace, Path: opts.DBPath})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var gwOpts []generate.Option
	if opts.ModelFactory != nil {
		gwOpts = append(gwOpts, generate.WithModelFactory(opts.ModelFactory))
	}
	gw, err := generate.New(ctx, GenerationConfig(cfg, secrets), gwOpts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !gw.Ready() {
		log.Warn().Strs("env", config.APIKeyEnv).Msg("no generation credential found; model calls will fail until one is set")
	}

	acq := acquire.New(acquire.Config{
		Timeout:       cfg.Acquisition.Timeout.Duration,
		UserAgent:     cfg.Acquisition.UserAgent,
		Browser:       cfg.Acquisition.Browser,
		ScreenshotDir: resolve(workspace, cfg.Acquisition.ScreenshotDir),
	})
	var fetcher engine.Fetcher = acq
	if opts.Fetcher != nil {
		fetcher = opts.Fetcher
	}

	return &Env{
		Workspace: workspace,
		DBPath:    dbPath,
		DB:        conn,
		Config:    cfg,
		Secrets:   secrets,
		Gateway:   gw,
		Acquirer:  acq,
		Engine:    engine.New(conn, cfg, gw, fetcher),
	}, nil
}

func (e *Env) Close() error {
	if e == nil || e.DB == nil {
		return nil
	}
	return e.DB.Close()
}

// GenerationConfig merges the YAML generation block with the credential from the environment.
func GenerationConfig(cfg *config.Config, secrets config.Secrets) generate.Config {
	g := cfg.Generation
	return generate.Config{
		Provider:          g.Provider,
		Model:             g.Model,
		APIKey:            secrets.APIKey(),
		BaseURL:           g.BaseURL,
		MaxTokens:         g.MaxTokens,
		Temperature:       &g.Temperature,
		Timeout:           g.Timeout.Duration,
		RequestsPerMinute: g.RequestsPerMinute,
	}
}

// Init writes a default pressline.yml unless one exists.
func Init(workspace string, force bool) (string, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return "", err
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil && !force {
		return path, fmt.Errorf("%s already exists; use --force to overwrite", path)
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func resolve(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}
