package generate

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/prompts"

	"pressline/internal/domain"
)

const writerTemplate = `You are a professional content writer. Rewrite the content below in a {{.style}} style with a {{.tone}} tone.
Keep the key facts and events, improve readability and flow, and make it engaging for readers.
{{.length_hint}}
Content:
{{.text}}

Return only the rewritten content.`

const reviewerTemplate = `You are an expert content reviewer. Review the content below for grammar, style, engagement and overall quality.
The intended style is {{.style}} and the intended tone is {{.tone}}.

Content:
{{.text}}

Respond with a single JSON object and nothing else, using exactly these keys:
{
  "overall_score": <integer 0-100>,
  "grammar_score": <integer 0-100>,
  "style_score": <integer 0-100>,
  "engagement_score": <integer 0-100>,
  "strengths": [<string>, ...],
  "weaknesses": [<string>, ...],
  "suggestions": [<string>, ...],
  "summary": <string>
}`

const editorTemplate = `You are a senior editor. Produce the final version of the content below in a {{.style}} style with a {{.tone}} tone.
{{.requirements}}{{.length_hint}}
Content:
{{.text}}

Return only the final edited content.`

var promptVariables = []string{"text", "style", "tone", "length_hint", "requirements"}

func defaultTemplates() map[domain.Role]prompts.PromptTemplate {
	return map[domain.Role]prompts.PromptTemplate{
		domain.RoleWriter:   prompts.NewPromptTemplate(writerTemplate, promptVariables),
		domain.RoleReviewer: prompts.NewPromptTemplate(reviewerTemplate, promptVariables),
		domain.RoleEditor:   prompts.NewPromptTemplate(editorTemplate, promptVariables),
	}
}

func renderPrompt(tmpl prompts.PromptTemplate, text string, opts Options) (string, error) {
	return tmpl.Format(map[string]any{
		"text":         text,
		"style":        opts.Style,
		"tone":         opts.Tone,
		"length_hint":  lengthHint(opts.MaxLength),
		"requirements": requirements(opts.Suggestions, opts.Summary),
	})
}

func lengthHint(maxLength int) string {
	if maxLength <= 0 {
		return ""
	}
	return fmt.Sprintf("Keep the result under %d characters.\n", maxLength)
}

// requirements renders review output as editor instructions.
func requirements(suggestions []string, summary string) string {
	var b strings.Builder
	if len(suggestions) > 0 {
		b.WriteString("\nApply these review suggestions:\n")
		for _, s := range suggestions {
			b.WriteString("- ")
			b.WriteString(s)
			b.WriteString("\n")
		}
	}
	if summary = strings.TrimSpace(summary); summary != "" {
		b.WriteString("Reviewer summary: ")
		b.WriteString(summary)
		b.WriteString("\n")
	}
	return b.String()
}
