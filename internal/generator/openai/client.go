package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/postpilot/postpilot/internal/common"
	"github.com/postpilot/postpilot/internal/generator"
)

const systemPrompt = "You are an elite social copywriter. " +
	"Write an original post on the subject provided; the examples in the prompt are style reference only, never copy them. " +
	"Ultra-short sentences, at most 12 words each. Paragraphs of at most 2 lines. " +
	"Simple everyday words, active voice, no filler. " +
	"Take a clear stance, but every factual claim must be accurate; hedge when unsure. " +
	"The post body must be at least 300 words. " +
	"Return ONLY JSON that matches the provided schema, with the full post text in the 'post' field."

// Generate implements generator.Generator over chat/completions.
func (c *Client) Generate(ctx context.Context, req generator.Request) (generator.Draft, error) {
	start := time.Now()
	c.log.Info("generator.generate.start",
		"req_id", req.RequestID,
		"row_id", common.RowIDFromContext(ctx),
		"model", c.cfg.Model,
		"temp", c.cfg.Temperature,
		"topic_len", len(req.Topic),
	)

	if strings.TrimSpace(req.Topic) == "" {
		return generator.Draft{}, fmt.Errorf("empty topic: %w", generator.ErrInvalidTemplate)
	}

	prompt, err := c.prompts.PromptFor(req.Topic)
	if err != nil {
		return generator.Draft{}, err
	}

	schema := generator.BuildDraftJSONSchema()
	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": prompt},
			{"role": "system", "content": "JSON Schema:\n" + mustJSON(schema)},
		},
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, err := c.post(ctx, endpoint, body)
	if err != nil {
		c.log.Error("generator.generate.http_error",
			"req_id", req.RequestID, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return generator.Draft{}, err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return generator.Draft{}, fmt.Errorf("decode openai response: %w", generator.ErrUpstream)
	}
	if len(cc.Choices) == 0 {
		return generator.Draft{}, fmt.Errorf("no choices in openai response: %w", generator.ErrUpstream)
	}
	content := strings.TrimSpace(cc.Choices[0].Message.Content)

	if err := generator.ValidateJSONAgainstSchema(schema, []byte(content)); err != nil {
		c.log.Error("generator.generate.schema_validation_failed",
			"req_id", req.RequestID, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return generator.Draft{}, fmt.Errorf("%v: %w", err, generator.ErrDraftRejected)
	}

	var draft generator.Draft
	if err := json.Unmarshal([]byte(content), &draft); err != nil {
		return generator.Draft{}, fmt.Errorf("unmarshal draft: %w", generator.ErrDraftRejected)
	}
	draft.Content = generator.CleanDraft(draft.Content)
	draft.WordCount = generator.WordCount(draft.Content)
	draft.Model = c.cfg.Model
	if draft.WordCount < c.cfg.MinWords {
		c.log.Warn("generator.generate.draft_too_short",
			"req_id", req.RequestID, "words", draft.WordCount, "min_words", c.cfg.MinWords)
		return generator.Draft{}, fmt.Errorf("draft has %d words, need %d: %w",
			draft.WordCount, c.cfg.MinWords, generator.ErrDraftRejected)
	}

	c.log.Info("generator.generate.ok",
		"req_id", req.RequestID,
		"words", draft.WordCount,
		"chars", len(draft.Content),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return draft, nil
}

func (c *Client) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai http error: %v: %w", err, generator.ErrUpstream)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.log.Warn("openai response body close error", "error", err)
		}
	}(resp.Body)

	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return buf.Bytes(), nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("openai status 429: %w", generator.ErrRateLimited)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("openai status %d: authentication rejected: %w", resp.StatusCode, common.ErrPermanent)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("openai status %d: %w", resp.StatusCode, generator.ErrUpstream)
	default:
		// Remaining 4xx: the request itself is malformed, retrying will not help.
		return nil, fmt.Errorf("openai status %d: %s: %w", resp.StatusCode, buf.String(), common.ErrPermanent)
	}
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
