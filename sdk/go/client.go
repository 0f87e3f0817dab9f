package presslinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Pressline HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	APIToken   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. Sessions run model calls, so the timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api",
		Timeout:  5 * time.Minute,
	}
}

// Version is a stored snapshot of an item.
type Version struct {
	ItemID        string         `json:"item_id"`
	VersionNumber int            `json:"version_number"`
	Stage         string         `json:"stage"`
	Text          string         `json:"text"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     string         `json:"created_at"`
}

type Score struct {
	Grammar    int `json:"grammar"`
	Style      int `json:"style"`
	Engagement int `json:"engagement"`
	Overall    int `json:"overall"`
}

type Review struct {
	Score       Score    `json:"score"`
	Strengths   []string `json:"strengths,omitempty"`
	Weaknesses  []string `json:"weaknesses,omitempty"`
	Suggestions []string `json:"suggestions"`
	Summary     string   `json:"summary,omitempty"`
}

type VersionRef struct {
	ItemID        string `json:"item_id"`
	VersionNumber int    `json:"version_number"`
	Stage         string `json:"stage"`
}

// Session is the state of one refinement run. Token is set while it awaits a decision.
type Session struct {
	ID             string       `json:"session_id"`
	ItemID         string       `json:"item_id"`
	Status         string       `json:"status"`
	Phase          string       `json:"phase"`
	Iteration      int          `json:"iteration"`
	MaxIterations  int          `json:"max_iterations"`
	CurrentVersion int          `json:"current_version"`
	Style          string       `json:"style,omitempty"`
	Tone           string       `json:"tone,omitempty"`
	Draft          *Version     `json:"draft,omitempty"`
	Review         *Review      `json:"review,omitempty"`
	Lineage        []VersionRef `json:"lineage,omitempty"`
	Error          string       `json:"error,omitempty"`
	Token          string       `json:"session_token,omitempty"`
}

// Awaiting reports whether the session waits for a human decision.
func (s Session) Awaiting() bool { return s.Status == "AWAITING_HUMAN_INPUT" }

type StartRequest struct {
	// SessionID lets the caller pick the session's UUID so it can cancel
	// the run before the first draft comes back.
	SessionID     string `json:"session_id,omitempty"`
	URL           string `json:"url,omitempty"`
	Topic         string `json:"topic,omitempty"`
	ItemID        string `json:"item_id,omitempty"`
	Style         string `json:"style,omitempty"`
	Tone          string `json:"tone,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

type SearchResult struct {
	ID            string         `json:"id"`
	ItemID        string         `json:"item_id"`
	VersionNumber int            `json:"version_number"`
	Stage         string         `json:"stage"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata"`
	Score         float64        `json:"score"`
	CreatedAt     string         `json:"created_at"`
}

type HistoryEntry struct {
	ID        string           `json:"id"`
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Input     string           `json:"input"`
	Results   map[string][]int `json:"results"`
	Error     string           `json:"error,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	ItemID    string `json:"item_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Payload   any    `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Start begins a session and returns at the first checkpoint.
func (c *Client) Start(ctx context.Context, req StartRequest) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "workflow", req, &resp)
	return resp, err
}

// Decide answers a suspended session. text is only used by "edit".
func (c *Client) Decide(ctx context.Context, token, action, text string) (Session, error) {
	body := map[string]any{"session_token": token, "action": action}
	if text != "" {
		body["text"] = text
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, "workflow", body, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, token string) (Session, error) {
	return c.Decide(ctx, token, "approve", "")
}

func (c *Client) Edit(ctx context.Context, token, text string) (Session, error) {
	return c.Decide(ctx, token, "edit", text)
}

func (c *Client) Cancel(ctx context.Context, token string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "workflow/cancel", map[string]any{"session_token": token}, &resp)
	return resp, err
}

// CancelSession aborts a session by its id, including one still producing
// its first draft.
func (c *Client) CancelSession(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "workflow/cancel", map[string]any{"session_id": sessionID}, &resp)
	return resp, err
}

// Publish runs a session to completion without human input.
func (c *Client) Publish(ctx context.Context, req StartRequest) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "publish", req, &resp)
	return resp, err
}

// Search queries stored versions. searchType is one of original, ai_generated, edited, reviews, final or all.
func (c *Client) Search(ctx context.Context, query, searchType string, limit int) ([]SearchResult, error) {
	body := map[string]any{"query": query}
	if searchType != "" {
		body["search_type"] = searchType
	}
	if limit > 0 {
		body["limit"] = limit
	}
	var resp struct {
		Results []SearchResult `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, "search", body, &resp)
	return resp.Results, err
}

func (c *Client) History(ctx context.Context) ([]HistoryEntry, error) {
	var resp struct {
		History []HistoryEntry `json:"history"`
	}
	err := c.do(ctx, http.MethodGet, "history", nil, &resp)
	return resp.History, err
}

func (c *Client) HistoryEntry(ctx context.Context, itemID string) (HistoryEntry, error) {
	var resp HistoryEntry
	err := c.do(ctx, http.MethodGet, "history/"+url.PathEscape(itemID), nil, &resp)
	return resp, err
}

func (c *Client) Delete(ctx context.Context, itemID string) error {
	return c.do(ctx, http.MethodDelete, "history/"+url.PathEscape(itemID), nil, nil)
}

// Version fetches one version; a negative number selects the latest.
func (c *Client) Version(ctx context.Context, itemID string, number int) (Version, error) {
	ref := "latest"
	if number >= 0 {
		ref = strconv.Itoa(number)
	}
	var resp Version
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("items/%s/versions/%s", url.PathEscape(itemID), ref), nil, &resp)
	return resp, err
}

func (c *Client) Versions(ctx context.Context, itemID string) ([]Version, error) {
	var resp struct {
		Versions []Version `json:"versions"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("items/%s/versions", url.PathEscape(itemID)), nil, &resp)
	return resp.Versions, err
}

// DeleteAll removes every item, version and history entry.
func (c *Client) DeleteAll(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "history", nil, nil)
}

type Item struct {
	ID        string `json:"id"`
	SourceURL string `json:"source_url,omitempty"`
	Topic     string `json:"topic,omitempty"`
	CreatedAt string `json:"created_at"`
}

func (c *Client) Items(ctx context.Context) ([]Item, error) {
	var resp struct {
		Items []Item `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "items", nil, &resp)
	return resp.Items, err
}

// Scrape acquires a page and stores it as the item's RAW version.
func (c *Client) Scrape(ctx context.Context, pageURL, itemID string) (Version, error) {
	var resp Version
	err := c.do(ctx, http.MethodPost, "scrape", map[string]any{"url": pageURL, "item_id": itemID}, &resp)
	return resp, err
}

type Status struct {
	Database bool `json:"database"`
	AI       bool `json:"ai"`
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

type Diagnostics struct {
	Database bool   `json:"database"`
	Search   bool   `json:"search"`
	AI       bool   `json:"ai"`
	Detail   string `json:"detail,omitempty"`
}

func (c *Client) SelfTest(ctx context.Context, probeAI bool) (Diagnostics, error) {
	var resp Diagnostics
	err := c.do(ctx, http.MethodPost, "test", map[string]any{"probe_ai": probeAI}, &resp)
	return resp, err
}

// Settings mirrors the settings endpoint. APIKey is always masked.
type Settings struct {
	APIKey        string  `json:"apiKey"`
	APIKeySet     bool    `json:"apiKeySet"`
	Provider      string  `json:"provider"`
	Model         string  `json:"model"`
	BaseURL       string  `json:"baseUrl,omitempty"`
	MaxTokens     int     `json:"maxTokens"`
	Temperature   float64 `json:"temperature"`
	DatabasePath  string  `json:"databasePath"`
	MaxIterations int     `json:"maxIterations"`
	DefaultStyle  string  `json:"defaultStyle"`
	DefaultTone   string  `json:"defaultTone"`
}

// SettingsUpdate carries only the fields to change.
type SettingsUpdate struct {
	APIKey      *string  `json:"apiKey,omitempty"`
	Provider    *string  `json:"provider,omitempty"`
	Model       *string  `json:"model,omitempty"`
	BaseURL     *string  `json:"baseUrl,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

func (c *Client) Settings(ctx context.Context) (Settings, error) {
	var resp Settings
	err := c.do(ctx, http.MethodGet, "settings", nil, &resp)
	return resp, err
}

func (c *Client) UpdateSettings(ctx context.Context, upd SettingsUpdate) (Settings, error) {
	var resp Settings
	err := c.do(ctx, http.MethodPut, "settings", upd, &resp)
	return resp, err
}

// TestConnection asks the server to probe the configured model.
func (c *Client) TestConnection(ctx context.Context) (bool, string, error) {
	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	err := c.do(ctx, http.MethodPost, "settings/test-connection", nil, &resp)
	return resp.OK, resp.Error, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
