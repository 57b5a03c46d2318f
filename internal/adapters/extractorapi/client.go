// Package extractorapi implements the document text extraction client over HTTP.
package extractorapi

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

// Client extracts text from case documents via the extraction API.
type Client struct {
	baseURL  string
	apiKey   string
	maxBytes int64
	client   *http.Client
}

var _ core.DocumentExtractor = (*Client)(nil)

// NewClient builds an extractor client from configuration.
func NewClient(cfg config.ExtractorClientConfig) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("extractor api base url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   strings.TrimSpace(cfg.APIKey),
		maxBytes: cfg.MaxBytes,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type extractRequest struct {
	DocumentID string `json:"document_id"`
	URL        string `json:"url"`
}

// ExtractText returns the text content of a case document, truncated at the
// configured byte ceiling.
func (c *Client) ExtractText(ctx context.Context, doc model.CaseDocument) (string, error) {
	if strings.TrimSpace(doc.URL) == "" {
		return "", apperrors.ValidationField("url", "document url is required")
	}

	body, err := json.Marshal(extractRequest{
		DocumentID: doc.DocumentID,
		URL:        doc.URL,
	})
	if err != nil {
		return "", fmt.Errorf("encode extract request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create extract request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/plain")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "extract request failed")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", apperrors.NotFoundf("document %s not found", doc.DocumentID)
	case resp.StatusCode >= 500:
		return "", apperrors.Unavailable(fmt.Sprintf("extractor api %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("extractor api %s", resp.Status)
	}

	text, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes))
	if err != nil {
		return "", fmt.Errorf("read extracted text: %w", err)
	}
	return string(text), nil
}
