package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/docketwatch/docketwatch/config"
	"github.com/docketwatch/docketwatch/internal/bootstrap"
	"github.com/docketwatch/docketwatch/internal/data"
	"github.com/docketwatch/docketwatch/internal/domain/model"
	"github.com/docketwatch/docketwatch/internal/service"
	"github.com/docketwatch/docketwatch/internal/service/pipeline"
	"github.com/google/uuid"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
}

const (
	defaultMigrationTimeout = 5 * time.Minute
	defaultCommandTimeout   = 2 * time.Minute
)

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrations,
		},
		"queue-stats": {
			name:        "queue-stats",
			description: "Show per-status job counts for every queue",
			run:         runQueueStats,
		},
		"inspect-job": {
			name:        "inspect-job",
			description: "Show a job's status and its persisted pipeline results",
			run:         runInspectJob,
		},
		"requeue-job": {
			name:        "requeue-job",
			description: "Return a terminally failed job to pending with a fresh attempt budget",
			run:         runRequeueJob,
		},
		"enqueue-case": {
			name:        "enqueue-case",
			description: "Enqueue a case-processing job by case ID",
			run:         runEnqueueCase,
		},
		"flush-case-cache": {
			name:        "flush-case-cache",
			description: "Drop the cached authority search results for a case",
			run:         runFlushCaseCache,
		},
	}
}

func printUsage() error {
	if err := writef(os.Stdout, "Usage: docketwatch-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(os.Stdout, "Available commands:\n"); err != nil {
		return err
	}
	names := make([]string, 0)
	cmds := commands()
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writef(os.Stdout, "  %-16s %s\n", name, cmds[name].description); err != nil {
			return err
		}
	}
	return nil
}

type migrateOptions struct {
	Timeout time.Duration
}

type inspectOptions struct {
	JobID   string
	RawJSON bool
}

type requeueOptions struct {
	JobID string
}

type enqueueOptions struct {
	Queue     string
	CaseID    string
	Recipient string
	Priority  int
}

type flushCacheOptions struct {
	CaseID string
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	opts, err := parseMigrateFlags(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	return withDatabase(ctx, cmdCtx, func(ctx context.Context, db *sql.DB) error {
		cmdCtx.Logger.Info("running database migrations")

		if migrateErr := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); migrateErr != nil {
			return fmt.Errorf("run migrations: %w", migrateErr)
		}

		cmdCtx.Logger.Info("migrations completed successfully")
		return nil
	})
}

func runQueueStats(cmdCtx *commandContext, _ []string) error {
	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	return withDatabase(ctx, cmdCtx, func(ctx context.Context, db *sql.DB) error {
		repo := data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger})

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		if err := writeln(w, "Queue\tPending\tProcessing\tCompleted\tFailed"); err != nil {
			return fmt.Errorf("write stats header: %w", err)
		}

		for _, queue := range model.AllQueues() {
			stats, err := repo.Stats(ctx, queue)
			if err != nil {
				return fmt.Errorf("stats for %s: %w", queue, err)
			}
			if err := writef(w, "%s\t%d\t%d\t%d\t%d\n",
				queue, stats.Pending, stats.Processing, stats.Completed, stats.Failed); err != nil {
				return fmt.Errorf("write stats row: %w", err)
			}
		}

		if err := w.Flush(); err != nil {
			return fmt.Errorf("flush stats: %w", err)
		}
		return nil
	})
}

func runInspectJob(cmdCtx *commandContext, args []string) error {
	opts, err := parseInspectFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	return withDatabase(ctx, cmdCtx, func(ctx context.Context, db *sql.DB) error {
		jobRepo := data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger})
		resultRepo := data.NewJobResultRepo(db)

		job, err := jobRepo.GetByID(ctx, opts.JobID)
		if err != nil {
			if errors.Is(err, data.ErrJobNotFound) {
				return fmt.Errorf("job %s not found", opts.JobID)
			}
			return fmt.Errorf("get job: %w", err)
		}

		stored, err := resultRepo.GetByJobID(ctx, opts.JobID)
		if err != nil && !errors.Is(err, data.ErrJobResultsNotFound) {
			return fmt.Errorf("get job results: %w", err)
		}

		if opts.RawJSON {
			return printInspectJSON(job, stored)
		}
		return printInspectJob(job, stored)
	})
}

func printInspectJSON(job *model.Job, stored *model.JobResult) error {
	out := struct {
		Job    *model.Job      `json:"job"`
		Result json.RawMessage `json:"result,omitempty"`
	}{Job: job}
	if stored != nil {
		out.Result = stored.Result
	}

	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := writef(os.Stdout, "%s\n", raw); err != nil {
		return fmt.Errorf("print job json: %w", err)
	}
	return nil
}

func printInspectJob(job *model.Job, stored *model.JobResult) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	rows := []struct {
		label string
		value string
	}{
		{"Job ID", job.ID},
		{"Queue", string(job.QueueName)},
		{"Status", string(job.Status)},
		{"Priority", fmt.Sprintf("%d", job.Priority)},
		{"Attempts", fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts)},
		{"Scheduled For", job.ScheduledFor.Format(time.RFC3339)},
		{"Created At", job.CreatedAt.Format(time.RFC3339)},
	}
	if job.CompletedAt != nil {
		rows = append(rows, struct{ label, value string }{"Completed At", job.CompletedAt.Format(time.RFC3339)})
	}
	if job.FailedAt != nil {
		rows = append(rows, struct{ label, value string }{"Failed At", job.FailedAt.Format(time.RFC3339)})
	}
	if job.LastError != nil && *job.LastError != "" {
		rows = append(rows, struct{ label, value string }{"Last Error", *job.LastError})
	}

	for _, row := range rows {
		if err := writef(w, "%s\t%s\n", row.label, row.value); err != nil {
			return fmt.Errorf("write job row: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush job details: %w", err)
	}

	if stored == nil {
		return writeln(os.Stdout, "\n(no persisted pipeline results)")
	}

	var pctx model.PipelineContext
	if err := json.Unmarshal(stored.Result, &pctx); err != nil {
		// Not a pipeline snapshot; print the raw document.
		if perr := writef(os.Stdout, "\nResult:\n%s\n", stored.Result); perr != nil {
			return fmt.Errorf("print raw result: %w", perr)
		}
		return nil
	}

	if err := writef(os.Stdout, "\nPipeline Stages (case %s)\n", pctx.CaseID); err != nil {
		return fmt.Errorf("print stage header: %w", err)
	}
	sw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(sw, "Stage\tStatus\tDuration\tDetail"); err != nil {
		return fmt.Errorf("write stage header: %w", err)
	}
	for _, name := range pctx.StageOrder {
		result, ok := pctx.Stage(name)
		if !ok {
			continue
		}
		detail := result.Reason
		if result.Error != "" {
			detail = result.Error
		}
		if err := writef(sw, "%s\t%s\t%dms\t%s\n", name, result.Status, result.DurationMs, detail); err != nil {
			return fmt.Errorf("write stage row: %w", err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush stages: %w", err)
	}
	return nil
}

func runRequeueJob(cmdCtx *commandContext, args []string) error {
	opts, err := parseRequeueFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	return withDatabase(ctx, cmdCtx, func(ctx context.Context, db *sql.DB) error {
		queueSvc, err := newQueueService(cmdCtx, db)
		if err != nil {
			return err
		}

		requeued, err := queueSvc.Requeue(ctx, opts.JobID)
		if err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
		if !requeued {
			return fmt.Errorf("job %s was not requeued (must be terminally failed)", opts.JobID)
		}

		cmdCtx.Logger.Info("job requeued", "job_id", opts.JobID)
		return nil
	})
}

func runEnqueueCase(cmdCtx *commandContext, args []string) error {
	opts, err := parseEnqueueFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	return withDatabase(ctx, cmdCtx, func(ctx context.Context, db *sql.DB) error {
		queueSvc, err := newQueueService(cmdCtx, db)
		if err != nil {
			return err
		}

		payload, err := json.Marshal(model.CaseJobPayload{
			CaseID:    opts.CaseID,
			Trigger:   model.TriggerManualReview,
			Recipient: opts.Recipient,
		})
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}

		job, err := queueSvc.Enqueue(ctx, &model.EnqueueRequest{
			QueueName: model.QueueName(opts.Queue),
			Priority:  opts.Priority,
			Payload:   payload,
		})
		if err != nil {
			return fmt.Errorf("enqueue job: %w", err)
		}

		cmdCtx.Logger.Info("job enqueued", "job_id", job.ID, "queue", job.QueueName, "case_id", opts.CaseID)
		return writef(os.Stdout, "%s\n", job.ID)
	})
}

func runFlushCaseCache(cmdCtx *commandContext, args []string) error {
	opts, err := parseFlushCacheFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	client, err := bootstrap.ConnectRedis(bootstrap.DatabaseConfig{
		RedisConfig: cmdCtx.Config.Redis,
		Logger:      cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if cerr := client.Close(); cerr != nil {
			cmdCtx.Logger.Warn("redis close failed", "error", cerr)
		}
	}()

	cache := data.NewRedisCacheRepo(client)
	deleted, err := cache.Delete(ctx, pipeline.AuthorityCacheKey(opts.CaseID))
	if err != nil {
		return fmt.Errorf("flush case cache: %w", err)
	}
	if !deleted {
		return writef(os.Stdout, "no cached authorities for case %s\n", opts.CaseID)
	}

	cmdCtx.Logger.Info("case cache flushed", "case_id", opts.CaseID)
	return writef(os.Stdout, "flushed cached authorities for case %s\n", opts.CaseID)
}

// newQueueService builds a queue service suitable for admin operations. No
// handlers, emitter, or metrics are attached; only intake and status paths
// are exercised.
func newQueueService(cmdCtx *commandContext, db *sql.DB) (*service.QueueService, error) {
	repo := data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger})
	dedup, err := service.NewDedupGuard(service.DedupGuardOptions{
		Repo:          repo,
		KeyExpression: cmdCtx.Config.Queue.DedupKeyExpression,
		Logger:        cmdCtx.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("dedup guard: %w", err)
	}

	queueSvc, err := service.NewQueueService(service.QueueServiceOptions{
		Repo:   repo,
		Config: cmdCtx.Config.Queue,
		Dedup:  dedup,
		Logger: cmdCtx.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("queue service: %w", err)
	}
	return queueSvc, nil
}

func parseMigrateFlags(args []string) (migrateOptions, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := migrateOptions{
		Timeout: defaultMigrationTimeout,
	}
	fs.DurationVar(
		&opts.Timeout,
		"timeout",
		defaultMigrationTimeout,
		"Maximum duration to wait for migrations to complete",
	)

	if err := fs.Parse(args); err != nil {
		return migrateOptions{}, err
	}

	if opts.Timeout <= 0 {
		return migrateOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func parseInspectFlags(args []string) (inspectOptions, error) {
	fs := flag.NewFlagSet("inspect-job", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts inspectOptions
	fs.StringVar(&opts.JobID, "job-id", "", "Job ID to inspect (required)")
	fs.BoolVar(&opts.RawJSON, "json", false, "Print the job and result as raw JSON")

	if err := fs.Parse(args); err != nil {
		return inspectOptions{}, err
	}

	if err := validateJobID(&opts.JobID); err != nil {
		return inspectOptions{}, err
	}
	return opts, nil
}

func parseRequeueFlags(args []string) (requeueOptions, error) {
	fs := flag.NewFlagSet("requeue-job", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts requeueOptions
	fs.StringVar(&opts.JobID, "job-id", "", "Job ID to requeue (required)")

	if err := fs.Parse(args); err != nil {
		return requeueOptions{}, err
	}

	if err := validateJobID(&opts.JobID); err != nil {
		return requeueOptions{}, err
	}
	return opts, nil
}

func parseEnqueueFlags(args []string) (enqueueOptions, error) {
	fs := flag.NewFlagSet("enqueue-case", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts enqueueOptions
	fs.StringVar(&opts.Queue, "queue", string(model.QueueCaseProcessing), "Target queue")
	fs.StringVar(&opts.CaseID, "case-id", "", "Case ID to process (required)")
	fs.StringVar(&opts.Recipient, "recipient", "", "Optional digest recipient email")
	fs.IntVar(&opts.Priority, "priority", 0, "Job priority (0-100)")

	if err := fs.Parse(args); err != nil {
		return enqueueOptions{}, err
	}

	opts.CaseID = strings.TrimSpace(opts.CaseID)
	if opts.CaseID == "" {
		return enqueueOptions{}, errors.New("--case-id is required")
	}
	if !model.QueueName(opts.Queue).Valid() {
		return enqueueOptions{}, fmt.Errorf("invalid queue %q", opts.Queue)
	}
	return opts, nil
}

func parseFlushCacheFlags(args []string) (flushCacheOptions, error) {
	fs := flag.NewFlagSet("flush-case-cache", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts flushCacheOptions
	fs.StringVar(&opts.CaseID, "case-id", "", "Case ID whose cached authorities should be dropped (required)")

	if err := fs.Parse(args); err != nil {
		return flushCacheOptions{}, err
	}

	opts.CaseID = strings.TrimSpace(opts.CaseID)
	if opts.CaseID == "" {
		return flushCacheOptions{}, errors.New("--case-id is required")
	}
	return opts, nil
}

func validateJobID(id *string) error {
	*id = strings.TrimSpace(*id)
	if *id == "" {
		return errors.New("--job-id is required")
	}
	if _, err := uuid.Parse(*id); err != nil {
		return fmt.Errorf("--job-id must be a valid UUID: %w", err)
	}
	return nil
}

func withDatabase(
	ctx context.Context,
	cmdCtx *commandContext,
	f func(context.Context, *sql.DB) error,
) error {
	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", cerr)
		}
	}()

	return f(ctx, db)
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	_, err := fmt.Fprintln(w, args...)
	return err
}
