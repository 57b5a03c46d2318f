// Package summarizerapi implements the LLM summarization client over HTTP.
package summarizerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/docketwatch/docketwatch/config"
	"github.com/docketwatch/docketwatch/internal/core"
	"github.com/docketwatch/docketwatch/internal/domain/model"
	apperrors "github.com/docketwatch/docketwatch/internal/errors"
)

// Client calls the summarization API.
type Client struct {
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
}

var _ core.Summarizer = (*Client)(nil)

// NewClient builds a summarizer client from configuration.
func NewClient(cfg config.SummarizerClientConfig) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("summarizer base url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    strings.TrimSpace(cfg.APIKey),
		model:     strings.TrimSpace(cfg.Model),
		maxTokens: cfg.MaxTokens,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

type summarizeRequest struct {
	Model       string                  `json:"model,omitempty"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	CaseRecord  *model.CaseRecord       `json:"case_record"`
	Authorities []model.Authority       `json:"authorities,omitempty"`
	Excerpts    []model.DocumentExcerpt `json:"excerpts,omitempty"`
}

// Summarize produces a case analysis from the given material.
func (c *Client) Summarize(ctx context.Context, input core.SummarizeInput) (*model.CaseSummary, error) {
	if input.CaseRecord == nil {
		return nil, apperrors.Validation("case record is required")
	}

	body, err := json.Marshal(summarizeRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		CaseRecord:  input.CaseRecord,
		Authorities: input.Authorities,
		Excerpts:    input.Excerpts,
	})
	if err != nil {
		return nil, fmt.Errorf("encode summarize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/summarize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create summarize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "summarize request failed")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, apperrors.Unavailable(fmt.Sprintf("summarizer api %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("summarizer api %s", resp.Status)
	}

	var summary model.CaseSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	summary.Generated = true
	return &summary, nil
}
