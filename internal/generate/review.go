package generate

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"pressline/internal/domain"
)

type reviewPayload struct {
	OverallScore    *float64 `json:"overall_score"`
	GrammarScore    float64  `json:"grammar_score"`
	StyleScore      float64  `json:"style_score"`
	EngagementScore float64  `json:"engagement_score"`
	Strengths       []string `json:"strengths"`
	Weaknesses      []string `json:"weaknesses"`
	Suggestions     []string `json:"suggestions"`
	Summary         string   `json:"summary"`
}

// ParseReview turns raw reviewer output into a Review. Malformed JSON is repaired once before giving up.
func ParseReview(raw string) (domain.Review, error) {
	body := extractObject(stripCodeFence(raw))
	var p reviewPayload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(body)
		if rerr != nil {
			return domain.Review{}, domain.Errorf(domain.KindGeneration, "parse review", "reviewer output is not JSON: %v", err)
		}
		if err := json.Unmarshal([]byte(repaired), &p); err != nil {
			return domain.Review{}, domain.Errorf(domain.KindGeneration, "parse review", "reviewer output is not JSON after repair: %v", err)
		}
	}
	score := domain.Score{
		Grammar:    clampScore(p.GrammarScore),
		Style:      clampScore(p.StyleScore),
		Engagement: clampScore(p.EngagementScore),
	}
	if p.OverallScore != nil {
		score.Overall = clampScore(*p.OverallScore)
	} else {
		score.Overall = clampScore(float64(score.Grammar+score.Style+score.Engagement) / 3)
	}
	suggestions := compact(p.Suggestions)
	if suggestions == nil {
		suggestions = []string{}
	}
	return domain.Review{
		Score:       score,
		Strengths:   compact(p.Strengths),
		Weaknesses:  compact(p.Weaknesses),
		Suggestions: suggestions,
		Summary:     strings.TrimSpace(p.Summary),
	}, nil
}

func clampScore(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(math.Round(math.Max(0, math.Min(100, v))))
}

func compact(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// stripCodeFence removes a surrounding ``` or ```json fence if present.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
