package generator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTemplate = `You write posts.

<Examples>
<UserInput>example subject</UserInput>
<AgentOutput>example post</AgentOutput>
</Examples>

<Input>
<UserInput>placeholder</UserInput>
</Input>
`

func writeTemplate(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "template.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestPromptForInjectsSubject(t *testing.T) {
	svc := NewPromptService(writeTemplate(t, testTemplate), nil)
	prompt, err := svc.PromptFor("remote work productivity")
	require.NoError(t, err)

	assert.Contains(t, prompt, "<Input>\n<UserInput>remote work productivity</UserInput>\n</Input>")
	assert.NotContains(t, prompt, "placeholder")
	// The examples section keeps its own UserInput untouched.
	assert.Contains(t, prompt, "<UserInput>example subject</UserInput>")
}

func TestPromptForMissingTemplate(t *testing.T) {
	svc := NewPromptService(filepath.Join(t.TempDir(), "nope.txt"), nil)
	_, err := svc.PromptFor("any")
	assert.ErrorIs(t, err, ErrInvalidTemplate)
}

func TestInjectSubjectMalformedTemplate(t *testing.T) {
	svc := NewPromptService("", nil)
	for name, tpl := range map[string]string{
		"no input section":  "plain text",
		"unclosed input":    "<Input><UserInput>x</UserInput>",
		"no user input":     "<Input>nothing here</Input>",
		"unclosed userinput": "<Input><UserInput>x</Input>",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.InjectSubject(tpl, "subject")
			assert.ErrorIs(t, err, ErrInvalidTemplate)
		})
	}
}

func TestCleanDraft(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "Line one.\n\nLine two.", "Line one.\n\nLine two."},
		{"strips known tags", "<AgentOutput>The post.</AgentOutput>", "The post."},
		{"strips post wrapper", "<Post>Body</Post>", "Body"},
		{"unknown wrapper pair", "<Reply>Body text</Reply>", "Body text"},
		{"collapses blank runs", "a\n\n\n\nb", "a\n\nb"},
		{"trims whitespace", "  \n text \n ", "text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanDraft(tt.in))
		})
	}
}

func TestWordCount(t *testing.T) {
	assert.Zero(t, WordCount(""))
	assert.Zero(t, WordCount("  \n\t"))
	assert.Equal(t, 5, WordCount("one two\nthree\tfour  five"))
}

func TestValidateDraftSchema(t *testing.T) {
	schema := BuildDraftJSONSchema()

	assert.NoError(t, ValidateJSONAgainstSchema(schema,
		[]byte(`{"post":"hello","hashtags":["#go","work"],"language":"en"}`)))
	assert.NoError(t, ValidateJSONAgainstSchema(schema, []byte(`{"post":"hello"}`)))

	for name, doc := range map[string]string{
		"missing post":     `{"hashtags":["#go"]}`,
		"empty post":       `{"post":""}`,
		"extra property":   `{"post":"x","mood":"upbeat"}`,
		"hashtag blank":    `{"post":"x","hashtags":["# oops"]}`,
		"language too long": `{"post":"x","language":"english"}`,
		"not json":         `{"post":`,
	} {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, ValidateJSONAgainstSchema(schema, []byte(doc)))
		})
	}
}
