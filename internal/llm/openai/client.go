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

	"github.com/google/uuid"

	"github.com/joseph-ayodele/airraid-tracker/internal/common"
	"github.com/joseph-ayodele/airraid-tracker/internal/llm"
)

// Extract implements llm.Extractor over chat/completions. A response that
// fails schema validation gets exactly one repair re-ask with a stricter
// system message; a second failure is permanent for the item.
func (c *Client) Extract(ctx context.Context, messageText string) (llm.Extraction, error) {
	rid := uuid.New().String()
	start := time.Now()

	c.logger.Info("llm.extract.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"temp", c.cfg.Temperature,
		"max_tokens", c.cfg.MaxTokens,
		"text_len", len(messageText),
	)

	schema := llm.BuildAttackReportJSONSchema()
	user := llm.BuildUserPrompt(messageText, mustJSON(schema))

	content, err := c.complete(ctx, llm.SystemPrompt, user)
	if err != nil {
		c.logger.Error("llm.extract.call_failed",
			"req_id", rid, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return llm.Extraction{}, err
	}

	ex, perr := parseExtraction(schema, content)
	if perr == nil {
		c.logger.Info("llm.extract.ok",
			"req_id", rid, "no_data", ex.Report == nil,
			"elapsed_ms", time.Since(start).Milliseconds())
		return ex, nil
	}

	c.logger.Warn("llm.extract.malformed_output",
		"req_id", rid, "error", perr, "content", truncate(content, 200))

	content, err = c.complete(ctx, llm.RepairSystemPrompt, user)
	if err != nil {
		c.logger.Error("llm.extract.repair_call_failed",
			"req_id", rid, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return llm.Extraction{}, err
	}
	ex, perr = parseExtraction(schema, content)
	if perr != nil {
		c.logger.Error("llm.extract.repair_failed",
			"req_id", rid, "error", perr, "content", truncate(content, 200),
			"elapsed_ms", time.Since(start).Milliseconds())
		return llm.Extraction{Raw: content}, fmt.Errorf("%w: %v", llm.ErrMalformedOutput, perr)
	}

	c.logger.Info("llm.extract.ok",
		"req_id", rid, "no_data", ex.Report == nil, "repaired", true,
		"elapsed_ms", time.Since(start).Milliseconds())
	return ex, nil
}

// complete performs one chat/completions call and returns the message content.
func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"max_tokens":      c.cfg.MaxTokens,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	}
	raw, err := c.post(ctx, strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", body)
	if err != nil {
		return "", err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return "", llm.Retryable(fmt.Errorf("decode openai response: %w", err))
	}
	if len(cc.Choices) == 0 {
		return "", llm.Retryable(fmt.Errorf("no choices in openai response"))
	}
	return strings.TrimSpace(cc.Choices[0].Message.Content), nil
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

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Caller cancellation is not a service failure.
			return nil, ctx.Err()
		}
		return nil, llm.Retryable(fmt.Errorf("openai http error: %w", err))
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn("openai response body close error", "error", cerr)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.Retryable(fmt.Errorf("read openai response: %w", err))
	}
	return data, c.classifyStatus(resp.StatusCode, data)
}

// classifyStatus maps HTTP outcomes onto the error taxonomy: 429 is
// retryable unless the account quota is gone, auth failures abort the run,
// server errors are transient.
func (c *Client) classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		if bytes.Contains(body, []byte("insufficient_quota")) {
			return common.NewAppError("OPENAI_QUOTA",
				fmt.Sprintf("quota exhausted: %s", truncate(string(body), 200)), common.ErrFatal)
		}
		return llm.Retryable(fmt.Errorf("%w: %s", llm.ErrRateLimited, truncate(string(body), 200)))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return common.NewAppError("OPENAI_AUTH",
			fmt.Sprintf("openai status %d: %s", status, truncate(string(body), 200)), common.ErrFatal)
	case status >= 500:
		return llm.Retryable(fmt.Errorf("openai status %d: %s", status, truncate(string(body), 200)))
	default:
		return fmt.Errorf("openai status %d: %s", status, truncate(string(body), 200))
	}
}

// parseExtraction turns raw model content into an Extraction, or an error
// when the content does not satisfy the schema.
func parseExtraction(schema map[string]any, content string) (llm.Extraction, error) {
	if content == "NULL" {
		return llm.Extraction{Raw: content}, nil
	}
	cleaned := llm.CleanModelJSON(content)
	if cleaned == "NULL" {
		return llm.Extraction{Raw: content}, nil
	}
	if err := llm.ValidateJSONAgainstSchema(schema, []byte(cleaned)); err != nil {
		return llm.Extraction{}, err
	}
	var report llm.AttackReport
	if err := json.Unmarshal([]byte(cleaned), &report); err != nil {
		return llm.Extraction{}, fmt.Errorf("unmarshal report: %w", err)
	}
	return llm.Extraction{Report: &report, Raw: cleaned}, nil
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
