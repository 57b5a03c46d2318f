// Package docketapi implements the docket records client over HTTP.
package docketapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/docketwatch/docketwatch/config"
	"github.com/docketwatch/docketwatch/internal/core"
	"github.com/docketwatch/docketwatch/internal/domain/model"
	apperrors "github.com/docketwatch/docketwatch/internal/errors"
)

// Client fetches case records from the docket API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ core.DocketClient = (*Client)(nil)

// NewClient builds a docket API client from configuration.
func NewClient(cfg config.DocketClientConfig) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("docket api base url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// FetchCase returns the case record for caseID.
func (c *Client) FetchCase(ctx context.Context, caseID string) (*model.CaseRecord, error) {
	if strings.TrimSpace(caseID) == "" {
		return nil, apperrors.Validation("case id is required")
	}

	endpoint := c.baseURL + "/cases/" + url.PathEscape(caseID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create docket request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "docket request failed")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperrors.NotFoundf("case %s not found", caseID)
	case resp.StatusCode >= 500:
		return nil, apperrors.Unavailable(fmt.Sprintf("docket api %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("docket api %s", resp.Status)
	}

	var record model.CaseRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("decode case record: %w", err)
	}
	if record.CaseID == "" {
		record.CaseID = caseID
	}
	return &record, nil
}
