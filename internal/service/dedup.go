// Package service implements the queue, pipeline dispatch, dedup, and cleanup
// services behind the docketwatch worker.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/docketwatch/docketwatch/internal/core"
	"github.com/docketwatch/docketwatch/internal/domain/model"
)

// JMESPathEvaluator abstracts JMESPath operations for testability.
type JMESPathEvaluator interface {
	Validate(expr string) error
	Evaluate(expr string, data any) (any, error)
}

// jmespathLibEvaluator implements JMESPathEvaluator using go-jmespath.
type jmespathLibEvaluator struct{}

func (j jmespathLibEvaluator) Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := jmespath.Compile(expr)
	return err
}

func (j jmespathLibEvaluator) Evaluate(expr string, data any) (any, error) {
	return jmespath.Search(expr, data)
}

// DefaultDedupKeyExpression extracts the case id from a job payload.
const DefaultDedupKeyExpression = "case_id"

// DedupGuardOptions groups dependencies for DedupGuard.
type DedupGuardOptions struct {
	// Repo is consulted as a fallback when the in-memory set is cold (for
	// example after a worker restart while jobs were mid-flight). Optional.
	Repo core.JobRepository
	// KeyExpression is the JMESPath expression that derives the dedup key
	// from a job payload. Defaults to DefaultDedupKeyExpression.
	KeyExpression string
	// StoreField is the top-level payload field used for the repository
	// fallback lookup. Defaults to the key expression when it names a plain
	// field.
	StoreField string
	Evaluator  JMESPathEvaluator
	Logger     *slog.Logger
}

// DedupGuard tracks in-flight dedup keys per queue so that two jobs for the
// same case are never processed (or double-enqueued) concurrently.
type DedupGuard struct {
	mu       sync.Mutex
	inFlight map[string]string // queue|key -> job id

	repo       core.JobRepository
	keyExpr    string
	storeField string
	jems       JMESPathEvaluator
	logger     *slog.Logger
}

// NewDedupGuard constructs a DedupGuard.
func NewDedupGuard(opts DedupGuardOptions) (*DedupGuard, error) {
	keyExpr := strings.TrimSpace(opts.KeyExpression)
	if keyExpr == "" {
		keyExpr = DefaultDedupKeyExpression
	}

	jems := opts.Evaluator
	if jems == nil {
		jems = jmespathLibEvaluator{}
	}
	if err := jems.Validate(keyExpr); err != nil {
		return nil, fmt.Errorf("invalid dedup key expression %q: %w", keyExpr, err)
	}

	storeField := strings.TrimSpace(opts.StoreField)
	if storeField == "" && isPlainField(keyExpr) {
		storeField = keyExpr
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "dedup_guard")
	}

	return &DedupGuard{
		inFlight:   make(map[string]string),
		repo:       opts.Repo,
		keyExpr:    keyExpr,
		storeField: storeField,
		jems:       jems,
		logger:     logger,
	}, nil
}

// isPlainField reports whether expr is a bare identifier usable as a payload
// column lookup.
func isPlainField(expr string) bool {
	for _, r := range expr {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return expr != ""
}

// KeyFor derives the dedup key from a payload. An empty key means the
// payload is exempt from deduplication.
func (g *DedupGuard) KeyFor(payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		return "", nil
	}

	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return "", fmt.Errorf("decode payload for dedup key: %w", err)
	}

	value, err := g.jems.Evaluate(g.keyExpr, data)
	if err != nil {
		return "", fmt.Errorf("evaluate dedup key expression: %w", err)
	}

	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(v), nil
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v)), nil
	}
}

func dedupMapKey(queue model.QueueName, key string) string {
	return string(queue) + "|" + key
}

// InFlightJob returns the id of the processing job holding the key, or ""
// when the key is free. The repository fallback covers keys acquired by a
// previous worker process.
func (g *DedupGuard) InFlightJob(ctx context.Context, queue model.QueueName, key string) (string, error) {
	if key == "" {
		return "", nil
	}

	g.mu.Lock()
	jobID, ok := g.inFlight[dedupMapKey(queue, key)]
	g.mu.Unlock()
	if ok {
		return jobID, nil
	}

	if g.repo == nil || g.storeField == "" {
		return "", nil
	}

	job, err := g.repo.FindProcessingByPayloadField(ctx, queue, g.storeField, key)
	if err != nil {
		return "", fmt.Errorf("dedup store lookup: %w", err)
	}
	if job == nil {
		return "", nil
	}
	return job.ID, nil
}

// Enter records that jobID now holds the key. It returns false when another
// job already holds it.
func (g *DedupGuard) Enter(queue model.QueueName, key, jobID string) bool {
	if key == "" {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	mk := dedupMapKey(queue, key)
	if holder, ok := g.inFlight[mk]; ok && holder != jobID {
		return false
	}
	g.inFlight[mk] = jobID
	return true
}

// Leave releases the key if jobID holds it. Called whenever a job leaves the
// processing state, whatever the outcome.
func (g *DedupGuard) Leave(queue model.QueueName, key, jobID string) {
	if key == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	mk := dedupMapKey(queue, key)
	if holder, ok := g.inFlight[mk]; ok && holder == jobID {
		delete(g.inFlight, mk)
	}
}
