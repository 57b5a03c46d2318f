package config

import (
	"strings"
	"time"
)

// ClientsConfig groups configuration for the external dependencies the
// pipeline calls.
type ClientsConfig struct {
	Docket     DocketClientConfig     `envPrefix:"DOCKET_"`
	Search     SearchClientConfig     `envPrefix:"SEARCH_"`
	Extractor  ExtractorClientConfig  `envPrefix:"EXTRACTOR_"`
	Summarizer SummarizerClientConfig `envPrefix:"SUMMARIZER_"`
	Mail       MailClientConfig       `envPrefix:"MAIL_"`
}

// Sanitize applies guardrails to all client configurations.
func (c *ClientsConfig) Sanitize() {
	c.Docket.sanitize()
	c.Search.sanitize()
	c.Extractor.sanitize()
	c.Summarizer.sanitize()
	c.Mail.sanitize()
}

// DocketClientConfig points at the docket records API.
type DocketClientConfig struct {
	BaseURL string        `env:"BASE_URL"`
	APIKey  string        `env:"API_KEY"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"30s"`
}

func (c *DocketClientConfig) sanitize() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// SearchClientConfig points at the legal search API.
type SearchClientConfig struct {
	BaseURL    string        `env:"BASE_URL"`
	APIKey     string        `env:"API_KEY"`
	Timeout    time.Duration `env:"TIMEOUT"     envDefault:"30s"`
	MaxResults int           `env:"MAX_RESULTS" envDefault:"10"`
}

func (c *SearchClientConfig) sanitize() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxResults < 1 {
		c.MaxResults = 1
	}
}

// ExtractorClientConfig points at the document text extraction API.
type ExtractorClientConfig struct {
	BaseURL  string        `env:"BASE_URL"`
	APIKey   string        `env:"API_KEY"`
	Timeout  time.Duration `env:"TIMEOUT"   envDefault:"1m"`
	MaxBytes int64         `env:"MAX_BYTES" envDefault:"1048576"`
}

func (c *ExtractorClientConfig) sanitize() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
	if c.MaxBytes < 4096 {
		c.MaxBytes = 4096
	}
}

// SummarizerClientConfig points at the LLM summarization API.
type SummarizerClientConfig struct {
	BaseURL   string        `env:"BASE_URL"`
	APIKey    string        `env:"API_KEY"`
	Model     string        `env:"MODEL"      envDefault:"summarizer-default"`
	Timeout   time.Duration `env:"TIMEOUT"    envDefault:"2m"`
	MaxTokens int           `env:"MAX_TOKENS" envDefault:"2048"`
}

func (c *SummarizerClientConfig) sanitize() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.MaxTokens < 256 {
		c.MaxTokens = 256
	}
}

// MailClientConfig points at the digest delivery endpoint.
type MailClientConfig struct {
	BaseURL     string        `env:"BASE_URL"`
	APIKey      string        `env:"API_KEY"`
	FromAddress string        `env:"FROM_ADDRESS" envDefault:"digests@docketwatch.local"`
	Timeout     time.Duration `env:"TIMEOUT"      envDefault:"30s"`
}

func (c *MailClientConfig) sanitize() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.FromAddress = strings.TrimSpace(c.FromAddress)
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}
