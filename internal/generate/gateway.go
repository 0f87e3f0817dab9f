package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/prompts"
	"golang.org/x/time/rate"

	"pressline/internal/domain"
)

const (
	ProviderGoogleAI = "googleai"
	ProviderOpenAI   = "openai"
	ProviderOllama   = "ollama"

	DefaultTimeout       = 30 * time.Second
	defaultOllamaURL     = "http://localhost:11434"
	defaultGoogleModel   = "gemini-1.5-flash"
	defaultMaxTokens     = 2048
	defaultTemperature   = 0.7
	defaultRatePerMinute = 30
)

// Config selects and tunes the backing model. The key is passed in explicitly, never read from the environment here.
type Config struct {
	Provider          string
	Model             string
	APIKey            string
	BaseURL           string
	MaxTokens         int
	// Temperature nil means the default; zero is a valid setting.
	Temperature       *float64
	Timeout           time.Duration
	RequestsPerMinute int
}

func (c Config) withDefaults() Config {
	if c.Provider == "" {
		c.Provider = ProviderGoogleAI
	}
	if c.Model == "" && c.Provider == ProviderGoogleAI {
		c.Model = defaultGoogleModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.Temperature == nil {
		t := defaultTemperature
		c.Temperature = &t
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = defaultRatePerMinute
	}
	return c
}

// Options are per-call knobs. A nil Temperature uses the configured default.
type Options struct {
	Style       string
	Tone        string
	MaxLength   int
	Temperature *float64
	// Suggestions and Summary feed the editor prompt.
	Suggestions []string
	Summary     string
}

// Result is the output of one call. Review is set for the reviewer role only.
type Result struct {
	Role   domain.Role    `json:"role"`
	Text   string         `json:"text"`
	Review *domain.Review `json:"review,omitempty"`
}

// ModelFactory builds a model for a config. A nil model with nil error means "not configured".
type ModelFactory func(ctx context.Context, cfg Config) (llms.Model, error)

type Option func(*Gateway)

// WithModel pins the gateway to m regardless of configuration.
func WithModel(m llms.Model) Option {
	return func(g *Gateway) {
		g.newModel = func(context.Context, Config) (llms.Model, error) { return m, nil }
	}
}

func WithModelFactory(f ModelFactory) Option {
	return func(g *Gateway) {
		if f != nil {
			g.newModel = f
		}
	}
}

// Gateway is a role-parameterized façade over a text model. Safe for concurrent use.
type Gateway struct {
	mu        sync.RWMutex
	cfg       Config
	model     llms.Model
	limiter   *rate.Limiter
	templates map[domain.Role]prompts.PromptTemplate
	newModel  ModelFactory
}

func New(ctx context.Context, cfg Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		templates: defaultTemplates(),
		newModel:  NewModel,
	}
	for _, opt := range opts {
		opt(g)
	}
	if err := g.Configure(ctx, cfg); err != nil {
		return nil, err
	}
	return g, nil
}

// Configure swaps the backing model. Calls already in flight keep the previous one.
func (g *Gateway) Configure(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	if t := *cfg.Temperature; t < 0 || t > 1 {
		return domain.InvalidInput("configure", "temperature must be within [0,1], got %v", t)
	}
	model, err := g.newModel(ctx, cfg)
	if err != nil {
		return err
	}
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.RequestsPerMinute)
	g.mu.Lock()
	g.cfg = cfg
	g.model = model
	g.limiter = limiter
	g.mu.Unlock()
	log.Debug().Str("provider", cfg.Provider).Str("model", cfg.Model).Bool("ready", model != nil).Msg("generation gateway configured")
	return nil
}

// Config returns the active configuration, including the key.
func (g *Gateway) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// Ready reports whether a model is configured.
func (g *Gateway) Ready() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.model != nil
}

func (g *Gateway) snapshot() (Config, llms.Model, *rate.Limiter) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg, g.model, g.limiter
}

// Generate runs one role call. Failures are GenerationError (transient) or ConfigurationError (never retry).
func (g *Gateway) Generate(ctx context.Context, role domain.Role, text string, opts Options) (Result, error) {
	const op = "generate"
	if !role.Valid() {
		return Result{}, domain.InvalidInput(op, "unknown role %q", role)
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, domain.InvalidInput(op, "text is required")
	}
	if opts.Temperature != nil && (*opts.Temperature < 0 || *opts.Temperature > 1) {
		return Result{}, domain.InvalidInput(op, "temperature must be within [0,1], got %v", *opts.Temperature)
	}
	if opts.MaxLength < 0 {
		return Result{}, domain.InvalidInput(op, "max_length must not be negative")
	}
	cfg, model, limiter := g.snapshot()
	if model == nil {
		return Result{}, domain.Errorf(domain.KindConfiguration, op,
			"no generation credential configured; set PRESSLINE_API_KEY or update settings")
	}
	prompt, err := renderPrompt(g.templates[role], text, opts)
	if err != nil {
		return Result{}, domain.InvalidInput(op, "render %s prompt: %v", role, err)
	}
	temperature := *cfg.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	callOpts := []llms.CallOption{
		llms.WithTemperature(temperature),
		llms.WithMaxTokens(cfg.MaxTokens),
	}
	if cfg.Model != "" {
		callOpts = append(callOpts, llms.WithModel(cfg.Model))
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := limiter.Wait(callCtx); err != nil {
		return Result{}, classify(op, ctx, err)
	}
	started := time.Now()
	out, err := llms.GenerateFromSinglePrompt(callCtx, model, prompt, callOpts...)
	logger := log.With().Str("role", string(role)).Str("model", cfg.Model).Dur("elapsed", time.Since(started)).Logger()
	if err != nil {
		logger.Warn().Err(err).Msg("generation call failed")
		return Result{}, classify(op, ctx, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return Result{}, domain.Errorf(domain.KindGeneration, op, "model returned an empty response")
	}
	logger.Debug().Int("chars", len(out)).Msg("generation call finished")

	res := Result{Role: role, Text: out}
	if role == domain.RoleReviewer {
		review, err := ParseReview(out)
		if err != nil {
			return Result{}, err
		}
		res.Review = &review
		return res, nil
	}
	res.Text = truncateRunes(stripCodeFence(out), opts.MaxLength)
	return res, nil
}

// Ping sends a tiny prompt to verify credentials and connectivity.
func (g *Gateway) Ping(ctx context.Context) error {
	cfg, model, _ := g.snapshot()
	if model == nil {
		return domain.Errorf(domain.KindConfiguration, "ping", "no generation credential configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if _, err := llms.GenerateFromSinglePrompt(callCtx, model, "Reply with OK.", llms.WithMaxTokens(10)); err != nil {
		return classify("ping", ctx, err)
	}
	return nil
}

// classify maps provider failures onto the error taxonomy. Credential problems are
// configuration errors; everything else, timeouts included, is a transient generation error.
func classify(op string, parent context.Context, err error) error {
	if parent.Err() != nil {
		return domain.E(domain.KindGeneration, op, parent.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.E(domain.KindGeneration, op, fmt.Errorf("timed out: %w", err))
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"api key", "api_key", "unauthorized", "unauthenticated", "permission denied", "status 401", "status 403", "invalid authentication"} {
		if strings.Contains(msg, marker) {
			return domain.E(domain.KindConfiguration, op, err)
		}
	}
	return domain.E(domain.KindGeneration, op, err)
}

// NewModel is the default factory covering the providers langchaingo ships.
func NewModel(ctx context.Context, cfg Config) (llms.Model, error) {
	switch cfg.Provider {
	case ProviderGoogleAI:
		if cfg.APIKey == "" {
			return nil, nil
		}
		return googleai.New(ctx,
			googleai.WithAPIKey(cfg.APIKey),
			googleai.WithDefaultModel(cfg.Model),
			googleai.WithDefaultMaxTokens(cfg.MaxTokens),
		)
	case ProviderOpenAI:
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, nil
		}
		opts := []openai.Option{openai.WithToken(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	case ProviderOllama:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultOllamaURL
		}
		return ollama.New(ollama.WithServerURL(baseURL), ollama.WithModel(cfg.Model))
	default:
		return nil, domain.Errorf(domain.KindConfiguration, "configure", "unknown provider %q (want googleai, openai or ollama)", cfg.Provider)
	}
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return strings.TrimSpace(string(r[:limit]))
}
