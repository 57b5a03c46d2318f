// Package mailapi implements digest delivery over the transactional mail API.
package mailapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/docketwatch/docketwatch/config"
	"github.com/docketwatch/docketwatch/internal/core"
	apperrors "github.com/docketwatch/docketwatch/internal/errors"
)

// Client sends digest emails through the mail API.
type Client struct {
	baseURL     string
	apiKey      string
	fromAddress string
	client      *http.Client
}

var _ core.MailSender = (*Client)(nil)

// NewClient builds a mail API client from configuration.
func NewClient(cfg config.MailClientConfig) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("mail api base url is required")
	}
	fromAddress := strings.TrimSpace(cfg.FromAddress)
	if fromAddress == "" {
		return nil, errors.New("mail from address is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		fromAddress: fromAddress,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Send delivers one digest email.
func (c *Client) Send(ctx context.Context, msg core.DigestMessage) error {
	recipient := strings.TrimSpace(msg.Recipient)
	if recipient == "" {
		return apperrors.Validation("recipient is required")
	}
	if _, err := mail.ParseAddress(recipient); err != nil {
		return apperrors.ValidationField("recipient", "invalid email address")
	}

	body, err := json.Marshal(sendRequest{
		From:    c.fromAddress,
		To:      recipient,
		Subject: msg.Subject,
		Body:    msg.Body,
	})
	if err != nil {
		return fmt.Errorf("encode mail request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "mail request failed")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 500:
		return apperrors.Unavailable(fmt.Sprintf("mail api %s", resp.Status))
	case resp.StatusCode >= 300:
		return fmt.Errorf("mail api %s", resp.Status)
	}
	return nil
}
