package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docketwatch/docketwatch/internal/core"
	"github.com/docketwatch/docketwatch/internal/domain/model"
	"github.com/docketwatch/docketwatch/internal/guard"
)

// Stage names, in case-processing execution order.
const (
	StageValidate          = "validate"
	StageFetchDocket       = "fetch_docket"
	StageSearchAuthorities = "search_authorities"
	StageExtractDocuments  = "extract_documents"
	StageSummarize         = "summarize"
	StageDeliverDigest     = "deliver_digest"
)

// Dependency names used for breaker and rate-limit bookkeeping.
const (
	DependencyDocket     = "docket"
	DependencySearch     = "search"
	DependencyExtractor  = "extractor"
	DependencySummarizer = "summarizer"
	DependencyMail       = "mail"
)

// AuthorityCacheKey returns the cache key under which a case's authority
// search results are stored. Shared with operator tooling that invalidates
// the entry.
func AuthorityCacheKey(caseID string) string {
	return "authorities:" + caseID
}

// StageDeps bundles everything the case-processing stages call out to.
type StageDeps struct {
	Docket     core.DocketClient
	Search     core.SearchClient
	Extractor  core.DocumentExtractor
	Summarizer core.Summarizer
	Mail       core.MailSender

	Cache    core.CacheRepository
	CacheTTL time.Duration

	Breaker *guard.Breaker
	Limiter *guard.Limiter

	// WaitAttempts bounds the rate-limit wait loop per guarded call.
	WaitAttempts int

	Logger *slog.Logger
}

// guarded wraps one external call with the rate limiter and circuit breaker.
// A rejected call never reaches the dependency and never counts as a
// dependency failure.
func (d *StageDeps) guarded(ctx context.Context, dependency, caller string, fn func(ctx context.Context) error) error {
	if d.Limiter != nil {
		if err := d.Limiter.WaitAndCheck(ctx, dependency, caller, 1, d.WaitAttempts); err != nil {
			return err
		}
	}
	if d.Breaker != nil {
		if err := d.Breaker.Allow(dependency); err != nil {
			return err
		}
	}

	err := fn(ctx)

	if d.Breaker != nil {
		if err != nil {
			d.Breaker.RecordFailure(dependency)
		} else {
			d.Breaker.RecordSuccess(dependency)
		}
	}
	return err
}

// CaseStages returns the full case-processing pipeline.
func CaseStages(deps StageDeps) []Stage {
	return []Stage{
		validateStage(),
		fetchDocketStage(deps),
		searchAuthoritiesStage(deps),
		extractDocumentsStage(deps),
		summarizeStage(deps),
		deliverDigestStage(deps),
	}
}

// DigestStages returns the trimmed pipeline for standalone digest jobs:
// re-fetch the case record, then deliver.
func DigestStages(deps StageDeps) []Stage {
	return []Stage{
		validateStage(),
		fetchDocketStage(deps),
		deliverDigestStage(deps),
	}
}

// validateStage re-checks the payload at execution time. Enqueue already
// validated it, but jobs can arrive from older deployments or operator
// requeues.
func validateStage() Stage {
	return Stage{
		Name: StageValidate,
		Run: func(_ context.Context, pctx *model.PipelineContext) model.StageResult {
			if pctx.CaseID == "" {
				return model.FatalResult(fmt.Errorf("payload is missing a usable case_id"))
			}
			return model.OkResult(map[string]string{
				"case_id": pctx.CaseID,
				"trigger": pctx.Trigger,
			})
		},
	}
}

// fetchDocketStage loads the case record. Without it nothing downstream can
// run, so failure is fatal.
func fetchDocketStage(deps StageDeps) Stage {
	return Stage{
		Name: StageFetchDocket,
		Run: func(ctx context.Context, pctx *model.PipelineContext) model.StageResult {
			var record *model.CaseRecord
			err := deps.guarded(ctx, DependencyDocket, StageFetchDocket, func(ctx context.Context) error {
				var ferr error
				record, ferr = deps.Docket.FetchCase(ctx, pctx.CaseID)
				return ferr
			})
			if err != nil {
				return model.FatalResult(fmt.Errorf("fetch case %s: %w", pctx.CaseID, err))
			}
			if record == nil {
				return model.FatalResult(fmt.Errorf("docket returned no record for case %s", pctx.CaseID))
			}
			return model.OkResult(record)
		},
	}
}

func caseRecordFrom(pctx *model.PipelineContext) (*model.CaseRecord, error) {
	result, ok := pctx.Stage(StageFetchDocket)
	if !ok || result.Fatal() {
		return nil, fmt.Errorf("no case record available")
	}
	var record model.CaseRecord
	if err := result.Decode(&record); err != nil {
		return nil, fmt.Errorf("decode case record: %w", err)
	}
	return &record, nil
}

// searchAuthoritiesStage finds related authorities, serving from cache when
// possible. Search is enrichment, so failure degrades to an empty list.
func searchAuthoritiesStage(deps StageDeps) Stage {
	return Stage{
		Name: StageSearchAuthorities,
		Run: func(ctx context.Context, pctx *model.PipelineContext) model.StageResult {
			record, err := caseRecordFrom(pctx)
			if err != nil {
				return model.DegradedResult([]model.Authority{}, err.Error())
			}

			cacheKey := AuthorityCacheKey(record.CaseID)
			if deps.Cache != nil {
				if raw, cerr := deps.Cache.Get(ctx, cacheKey); cerr == nil && len(raw) > 0 {
					var cached []model.Authority
					if jerr := json.Unmarshal(raw, &cached); jerr == nil {
						return model.OkResult(cached)
					}
				}
			}

			var authorities []model.Authority
			err = deps.guarded(ctx, DependencySearch, StageSearchAuthorities, func(ctx context.Context) error {
				var serr error
				authorities, serr = deps.Search.SearchAuthorities(ctx, record)
				return serr
			})
			if err != nil {
				return model.DegradedResult([]model.Authority{}, fmt.Sprintf("authority search unavailable: %v", err))
			}

			if deps.Cache != nil {
				if raw, merr := json.Marshal(authorities); merr == nil {
					// Cache write failure only costs a future lookup.
					_ = deps.Cache.Set(ctx, cacheKey, raw, deps.CacheTTL)
				}
			}

			return model.OkResult(authorities)
		},
	}
}

// extractDocumentsStage pulls text for each filing. Documents that cannot be
// extracted keep their metadata with TextMissing set; if none yield text the
// stage degrades.
func extractDocumentsStage(deps StageDeps) Stage {
	return Stage{
		Name: StageExtractDocuments,
		Run: func(ctx context.Context, pctx *model.PipelineContext) model.StageResult {
			record, err := caseRecordFrom(pctx)
			if err != nil {
				return model.DegradedResult([]model.DocumentExcerpt{}, err.Error())
			}
			if len(record.Documents) == 0 {
				return model.OkResult([]model.DocumentExcerpt{})
			}

			excerpts := make([]model.DocumentExcerpt, 0, len(record.Documents))
			var failures []string
			for _, doc := range record.Documents {
				excerpt := model.DocumentExcerpt{
					DocumentID: doc.DocumentID,
					Title:      doc.Title,
				}

				var text string
				eerr := deps.guarded(ctx, DependencyExtractor, StageExtractDocuments, func(ctx context.Context) error {
					var xerr error
					text, xerr = deps.Extractor.ExtractText(ctx, doc)
					return xerr
				})
				if eerr != nil {
					excerpt.TextMissing = true
					failures = append(failures, fmt.Sprintf("%s: %v", doc.DocumentID, eerr))
				} else {
					excerpt.Text = text
				}
				excerpts = append(excerpts, excerpt)
			}

			if len(failures) == len(record.Documents) {
				return model.DegradedResult(excerpts, "no documents could be extracted: "+strings.Join(failures, "; "))
			}
			if len(failures) > 0 {
				return model.DegradedResult(excerpts, "partial extraction: "+strings.Join(failures, "; "))
			}
			return model.OkResult(excerpts)
		},
	}
}

// summarizeStage asks the summarization dependency for an analysis, falling
// back to a deterministic summary built from the case record.
func summarizeStage(deps StageDeps) Stage {
	return Stage{
		Name: StageSummarize,
		Run: func(ctx context.Context, pctx *model.PipelineContext) model.StageResult {
			record, err := caseRecordFrom(pctx)
			if err != nil {
				return model.DegradedResult(fallbackSummary(nil), err.Error())
			}

			var authorities []model.Authority
			if result, ok := pctx.Stage(StageSearchAuthorities); ok {
				_ = result.Decode(&authorities)
			}
			var excerpts []model.DocumentExcerpt
			if result, ok := pctx.Stage(StageExtractDocuments); ok {
				_ = result.Decode(&excerpts)
			}

			var summary *model.CaseSummary
			err = deps.guarded(ctx, DependencySummarizer, StageSummarize, func(ctx context.Context) error {
				var serr error
				summary, serr = deps.Summarizer.Summarize(ctx, core.SummarizeInput{
					CaseRecord:  record,
					Authorities: authorities,
					Excerpts:    excerpts,
				})
				return serr
			})
			if err != nil || summary == nil {
				reason := "summarizer unavailable"
				if err != nil {
					reason = fmt.Sprintf("summarizer unavailable: %v", err)
				}
				return model.DegradedResult(fallbackSummary(record), reason)
			}

			return model.OkResult(summary)
		},
	}
}

// fallbackSummary builds the deterministic summary used when the model is
// unavailable.
func fallbackSummary(record *model.CaseRecord) *model.CaseSummary {
	if record == nil {
		return &model.CaseSummary{
			Headline:  "Case update",
			Narrative: "An update was recorded for this case. Automated analysis was unavailable.",
			Generated: false,
		}
	}
	return &model.CaseSummary{
		Headline: fmt.Sprintf("Update in %s", record.Title),
		Narrative: fmt.Sprintf(
			"%s (%s) was updated on %s. %d document(s) are attached. Automated analysis was unavailable.",
			record.Title, record.Court, record.UpdatedAt.Format("2006-01-02"), len(record.Documents),
		),
		Generated: false,
	}
}

// deliverDigestStage emails the digest. Jobs without a recipient skip
// delivery; a send failure degrades rather than failing the whole run.
func deliverDigestStage(deps StageDeps) Stage {
	return Stage{
		Name: StageDeliverDigest,
		Run: func(ctx context.Context, pctx *model.PipelineContext) model.StageResult {
			recipient := recipientFrom(pctx)
			if recipient == "" {
				return model.OkResult(model.DigestDelivery{
					Skipped: true,
					Detail:  "no recipient configured",
				})
			}

			subject, body := digestContent(pctx)
			err := deps.guarded(ctx, DependencyMail, StageDeliverDigest, func(ctx context.Context) error {
				return deps.Mail.Send(ctx, core.DigestMessage{
					Recipient: recipient,
					Subject:   subject,
					Body:      body,
				})
			})
			if err != nil {
				return model.DegradedResult(model.DigestDelivery{
					Recipient: recipient,
					Delivered: false,
					Detail:    err.Error(),
				}, fmt.Sprintf("digest delivery failed: %v", err))
			}

			return model.OkResult(model.DigestDelivery{
				Recipient: recipient,
				Delivered: true,
			})
		},
	}
}

func recipientFrom(pctx *model.PipelineContext) string {
	return strings.TrimSpace(pctx.Recipient)
}

// digestContent renders the digest from whatever the earlier stages managed
// to produce.
func digestContent(pctx *model.PipelineContext) (subject, body string) {
	var summary model.CaseSummary
	if result, ok := pctx.Stage(StageSummarize); ok {
		_ = result.Decode(&summary)
	}
	var record model.CaseRecord
	if result, ok := pctx.Stage(StageFetchDocket); ok {
		_ = result.Decode(&record)
	}

	subject = summary.Headline
	if subject == "" {
		if record.Title != "" {
			subject = "Update in " + record.Title
		} else {
			subject = "Case update: " + pctx.CaseID
		}
	}

	var b strings.Builder
	if summary.Narrative != "" {
		b.WriteString(summary.Narrative)
		b.WriteString("\n")
	}
	for _, point := range summary.KeyPoints {
		b.WriteString("- ")
		b.WriteString(point)
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		fmt.Fprintf(&b, "An update was recorded for case %s.\n", pctx.CaseID)
	}
	return subject, b.String()
}
