package domain

import "fmt"

// Stage is the pipeline position of a stored version.
type Stage string

const (
	StageRaw         Stage = "RAW"
	StageAIDraft     Stage = "AI_DRAFT"
	StageHumanEdited Stage = "HUMAN_EDITED"
	StageAIReviewed  Stage = "AI_REVIEWED"
	StageFinal       Stage = "FINAL"
)

var stages = []Stage{StageRaw, StageAIDraft, StageHumanEdited, StageAIReviewed, StageFinal}

func (s Stage) Valid() bool {
	for _, st := range stages {
		if s == st {
			return true
		}
	}
	return false
}

func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !st.Valid() {
		return "", fmt.Errorf("invalid stage %q", s)
	}
	return st, nil
}

type ContentItem struct {
	ID        string `json:"id"`
	SourceURL string `json:"source_url,omitempty"`
	Topic     string `json:"topic,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ContentVersion is an immutable snapshot of an item. Edits always produce a new version.
type ContentVersion struct {
	ItemID        string         `json:"item_id"`
	VersionNumber int            `json:"version_number"`
	Stage         Stage          `json:"stage" enum:"RAW,AI_DRAFT,HUMAN_EDITED,AI_REVIEWED,FINAL"`
	Text          string         `json:"text"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
}

func (v ContentVersion) Ref() VersionRef {
	return VersionRef{ItemID: v.ItemID, VersionNumber: v.VersionNumber, Stage: v.Stage}
}

type VersionRef struct {
	ItemID        string `json:"item_id"`
	VersionNumber int    `json:"version_number"`
	Stage         Stage  `json:"stage"`
}

type SearchHit struct {
	Version ContentVersion `json:"version"`
	Score   float64        `json:"score"`
}

type Role string

const (
	RoleWriter   Role = "writer"
	RoleReviewer Role = "reviewer"
	RoleEditor   Role = "editor"
)

func (r Role) Valid() bool {
	return r == RoleWriter || r == RoleReviewer || r == RoleEditor
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

type SessionStatus string

const (
	StatusRunning       SessionStatus = "RUNNING"
	StatusAwaitingHuman SessionStatus = "AWAITING_HUMAN_INPUT"
	StatusCompleted     SessionStatus = "COMPLETED"
	StatusFailed        SessionStatus = "FAILED"
	StatusAborted       SessionStatus = "ABORTED"
)

func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Phase is the controller position inside a RUNNING session.
type Phase string

const (
	PhaseStarted       Phase = "STARTED"
	PhaseGenerating    Phase = "GENERATING"
	PhaseAwaitingHuman Phase = "AWAITING_HUMAN"
	PhaseReviewing     Phase = "REVIEWING"
	PhaseFinalizing    Phase = "FINALIZING"
	PhaseDone          Phase = "DONE"
)

// Session is the caller-facing view of one refinement run.
type Session struct {
	ID             string          `json:"session_id"`
	ItemID         string          `json:"item_id"`
	Status         SessionStatus   `json:"status" enum:"RUNNING,AWAITING_HUMAN_INPUT,COMPLETED,FAILED,ABORTED"`
	Phase          Phase           `json:"phase"`
	Iteration      int             `json:"iteration"`
	MaxIterations  int             `json:"max_iterations"`
	CurrentVersion int             `json:"current_version"`
	Style          string          `json:"style,omitempty"`
	Tone           string          `json:"tone,omitempty"`
	Draft          *ContentVersion `json:"draft,omitempty"`
	Review         *Review         `json:"review,omitempty"`
	Lineage        []VersionRef    `json:"lineage,omitempty"`
	Error          string          `json:"error,omitempty"`
	Token          string          `json:"session_token,omitempty"`
}

type Action string

const (
	ActionApprove    Action = "approve"
	ActionEdit       Action = "edit"
	ActionRegenerate Action = "regenerate"
	ActionReview     Action = "review"
	ActionCancel     Action = "cancel"
)

// Decision is the human answer to a presented draft. Text is only read for edits.
type Decision struct {
	Action Action `json:"action" enum:"approve,edit,regenerate,review,cancel"`
	Text   string `json:"text,omitempty"`
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	ItemID    string `json:"item_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Payload   string `json:"payload"`
}

// HistoryEntry summarizes one item across its versions and workflow events.
type HistoryEntry struct {
	ID        string           `json:"id"`
	Status    string           `json:"status" enum:"completed,failed,aborted,in_progress"`
	Timestamp string           `json:"timestamp" format:"date-time"`
	Input     string           `json:"input"`
	Results   map[string][]int `json:"results"`
	Error     string           `json:"error,omitempty"`
}
