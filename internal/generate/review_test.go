package generate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pressline/internal/domain"
)

func TestParseReviewVariants(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want domain.Score
	}{
		{
			name: "plain",
			raw:  `{"overall_score": 70, "grammar_score": 60, "style_score": 70, "engagement_score": 80, "suggestions": []}`,
			want: domain.Score{Grammar: 60, Style: 70, Engagement: 80, Overall: 70},
		},
		{
			name: "chatter around object",
			raw:  "Here is my review:\n{\"grammar_score\": 90, \"style_score\": 90, \"engagement_score\": 90}\nThanks!",
			want: domain.Score{Grammar: 90, Style: 90, Engagement: 90, Overall: 90},
		},
		{
			name: "trailing comma repaired",
			raw:  `{"grammar_score": 50, "style_score": 40, "engagement_score": 30, "suggestions": ["a", "b",],}`,
			want: domain.Score{Grammar: 50, Style: 40, Engagement: 30, Overall: 40},
		},
		{
			name: "out of range clamped",
			raw:  `{"grammar_score": 140, "style_score": -5, "engagement_score": 99.6, "overall_score": 101}`,
			want: domain.Score{Grammar: 100, Style: 0, Engagement: 100, Overall: 100},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			review, err := ParseReview(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, review.Score)
			assert.NotNil(t, review.Suggestions)
		})
	}
}

func TestParseReviewRejectsProse(t *testing.T) {
	_, err := ParseReview("I liked it a lot, nice work overall")
	require.Error(t, err)
	assert.Equal(t, domain.KindGeneration, domain.KindOf(err))
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, "body", stripCodeFence("```markdown\nbody\n```"))
	assert.Equal(t, "plain", stripCodeFence("  plain  "))
}
