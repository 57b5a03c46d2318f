package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Trigger names accepted on case-processing payloads.
const (
	TriggerDocketUpdate = "docket_update"
	TriggerManualReview = "manual_review"
	TriggerNewFiling    = "new_filing"
)

// CaseJobPayload is the payload shape for the case-processing queue.
type CaseJobPayload struct {
	CaseID    string `json:"case_id"`
	Trigger   string `json:"trigger"`
	Recipient string `json:"recipient,omitempty"`
}

// Validate checks the payload fields the pipeline depends on.
func (p *CaseJobPayload) Validate() error {
	if strings.TrimSpace(p.CaseID) == "" {
		return errors.New("case_id is required")
	}
	switch p.Trigger {
	case TriggerDocketUpdate, TriggerManualReview, TriggerNewFiling:
		return nil
	default:
		return errors.New("unknown trigger: " + p.Trigger)
	}
}

// DecodeCaseJobPayload parses and validates a raw case-processing payload.
func DecodeCaseJobPayload(raw json.RawMessage) (*CaseJobPayload, error) {
	var p CaseJobPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// CaseRecord is the docket record fetched for a case.
type CaseRecord struct {
	CaseID    string         `json:"case_id"`
	Title     string         `json:"title"`
	Court     string         `json:"court"`
	Status    string         `json:"status"`
	FiledAt   time.Time      `json:"filed_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Documents []CaseDocument `json:"documents,omitempty"`
}

// CaseDocument is one filing attached to a case record.
type CaseDocument struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	PageCount  int    `json:"page_count,omitempty"`
}

// Authority is one related authority returned by the legal search dependency.
type Authority struct {
	Citation  string  `json:"citation"`
	Title     string  `json:"title"`
	Court     string  `json:"court,omitempty"`
	Relevance float64 `json:"relevance"`
}

// DocumentExcerpt pairs a case document with its extracted text.
type DocumentExcerpt struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	Text       string `json:"text,omitempty"`
	// TextMissing is set when extraction degraded to metadata only.
	TextMissing bool `json:"text_missing,omitempty"`
}

// CaseSummary is the analysis produced by the summarization dependency.
type CaseSummary struct {
	Headline  string   `json:"headline"`
	Narrative string   `json:"narrative"`
	KeyPoints []string `json:"key_points,omitempty"`
	// Generated distinguishes model output from the deterministic fallback.
	Generated bool `json:"generated"`
}

// DigestDelivery records the outcome of the digest email stage.
type DigestDelivery struct {
	Recipient string `json:"recipient,omitempty"`
	Delivered bool   `json:"delivered"`
	Skipped   bool   `json:"skipped,omitempty"`
	Detail    string `json:"detail,omitempty"`
}
