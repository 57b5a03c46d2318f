// Package searchapi implements the legal search client over HTTP.
package searchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/docketwatch/docketwatch/config"
	"github.com/docketwatch/docketwatch/internal/core"
	"github.com/docketwatch/docketwatch/internal/domain/model"
	apperrors "github.com/docketwatch/docketwatch/internal/errors"
)

// Client queries the legal search API for related authorities.
type Client struct {
	baseURL    string
	apiKey     string
	maxResults int
	client     *http.Client
}

var _ core.SearchClient = (*Client)(nil)

// NewClient builds a search API client from configuration.
func NewClient(cfg config.SearchClientConfig) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("search api base url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	maxResults := cfg.MaxResults
	if maxResults < 1 {
		maxResults = 10
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		maxResults: maxResults,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

// SearchAuthorities returns authorities related to the case, best first.
func (c *Client) SearchAuthorities(ctx context.Context, caseRecord *model.CaseRecord) ([]model.Authority, error) {
	if caseRecord == nil {
		return nil, apperrors.Validation("case record is required")
	}

	query := url.Values{}
	query.Set("q", strings.TrimSpace(caseRecord.Title))
	if caseRecord.Court != "" {
		query.Set("court", caseRecord.Court)
	}
	query.Set("limit", strconv.Itoa(c.maxResults))

	endpoint := c.baseURL + "/authorities?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "search request failed")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 500:
		return nil, apperrors.Unavailable(fmt.Sprintf("search api %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("search api %s", resp.Status)
	}

	var out struct {
		Authorities []model.Authority `json:"authorities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode authorities: %w", err)
	}
	return out.Authorities, nil
}
