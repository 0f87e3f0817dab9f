package server

import (
	"fmt"

	"pressline/internal/domain"
)

// Request payloads

// WorkflowRequest starts a session, or advances one when session_token is set.
type WorkflowRequest struct {
	URL           string `json:"url,omitempty" format:"uri"`
	Topic         string `json:"topic,omitempty"`
	ItemID        string `json:"item_id,omitempty"`
	Style         string `json:"style,omitempty" example:"modern"`
	Tone          string `json:"tone,omitempty" example:"engaging"`
	MaxIterations int    `json:"max_iterations,omitempty" minimum:"0"`
	Iteration     int    `json:"iteration,omitempty" minimum:"0"`
	SessionID     string `json:"session_id,omitempty" format:"uuid" doc:"Optional id for a new session, usable with /workflow/cancel before the first draft"`
	SessionToken  string `json:"session_token,omitempty"`
	Action        string `json:"action,omitempty" enum:"approve,edit,regenerate,review,cancel"`
	Text          string `json:"text,omitempty"`
}

// CancelRequest names the session by token or, before the first checkpoint, by id.
type CancelRequest struct {
	SessionToken string `json:"session_token,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
}

type PublishRequest struct {
	URL           string `json:"url,omitempty" format:"uri"`
	Topic         string `json:"topic,omitempty"`
	ItemID        string `json:"item_id,omitempty"`
	Style         string `json:"style,omitempty"`
	Tone          string `json:"tone,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty" minimum:"0"`
	SessionID     string `json:"session_id,omitempty" format:"uuid"`
}

type SearchRequest struct {
	Query      string `json:"query" minLength:"1"`
	SearchType string `json:"search_type,omitempty" enum:"original,ai_generated,edited,reviews,final,all" default:"all"`
	Limit      int    `json:"limit,omitempty" minimum:"0" maximum:"200"`
}

type ScrapeRequest struct {
	URL    string `json:"url" format:"uri"`
	ItemID string `json:"item_id,omitempty"`
}

type GenerateRequest struct {
	ItemID      string   `json:"item_id,omitempty"`
	Text        string   `json:"text,omitempty"`
	Role        string   `json:"role,omitempty" enum:"writer,reviewer,editor" default:"writer"`
	Style       string   `json:"style,omitempty"`
	Tone        string   `json:"tone,omitempty"`
	MaxLength   int      `json:"max_length,omitempty" minimum:"0"`
	Temperature *float64 `json:"temperature,omitempty" minimum:"0" maximum:"1"`
}

type TestRequest struct {
	ProbeAI bool `json:"probe_ai,omitempty"`
}

// SettingsUpdate carries only the fields being changed.
type SettingsUpdate struct {
	APIKey      *string  `json:"apiKey,omitempty"`
	Provider    *string  `json:"provider,omitempty" enum:"googleai,openai,ollama"`
	Model       *string  `json:"model,omitempty"`
	BaseURL     *string  `json:"baseUrl,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty" minimum:"1"`
	Temperature *float64 `json:"temperature,omitempty" minimum:"0" maximum:"1"`
}

// Response payloads

type StatusResponse struct {
	Database bool `json:"database"`
	AI       bool `json:"ai"`
}

type SearchResult struct {
	ID            string         `json:"id" example:"ch1:3"`
	ItemID        string         `json:"item_id"`
	VersionNumber int            `json:"version_number"`
	Stage         domain.Stage   `json:"stage"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata"`
	Score         float64        `json:"score"`
	CreatedAt     string         `json:"created_at"`
}

type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

type HistoryResponse struct {
	History []domain.HistoryEntry `json:"history"`
}

type DeleteResponse struct {
	Deleted string `json:"deleted"`
}

type SettingsResponse struct {
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

type ConnectionResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type ItemsResponse struct {
	Items []domain.ContentItem `json:"items"`
}

type VersionsResponse struct {
	Versions []domain.ContentVersion `json:"versions"`
}

type EventResponse struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	ItemID    string `json:"item_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Payload   any    `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func searchResult(hit domain.SearchHit) SearchResult {
	v := hit.Version
	meta := v.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return SearchResult{
		ID:            fmt.Sprintf("%s:%d", v.ItemID, v.VersionNumber),
		ItemID:        v.ItemID,
		VersionNumber: v.VersionNumber,
		Stage:         v.Stage,
		Content:       v.Text,
		Metadata:      meta,
		Score:         hit.Score,
		CreatedAt:     v.CreatedAt,
	}
}

// searchStages maps the public search_type names onto stored stages. "all" maps to no filter.
var searchStages = map[string]domain.Stage{
	"original":     domain.StageRaw,
	"ai_generated": domain.StageAIDraft,
	"edited":       domain.StageHumanEdited,
	"reviews":      domain.StageAIReviewed,
	"final":        domain.StageFinal,
}
