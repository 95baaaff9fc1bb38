package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/streamlane/embedhub/internal/models"
)

// jobAdmin is the scheduler surface the job commands use.
type jobAdmin interface {
	Enqueue(ctx context.Context, req *models.CreateEmbeddingJobRequest) (*models.EmbeddingJob, error)
	Get(ctx context.Context, id uuid.UUID) (*models.EmbeddingJob, error)
	List(ctx context.Context, filters *models.ListEmbeddingJobsFilters) ([]models.EmbeddingJob, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.EmbeddingJob, error)
	RecoverExpired(ctx context.Context, leaseTimeout time.Duration) (int, error)
}

// modelAdmin reads and switches the active model of each target collection.
type modelAdmin interface {
	List(ctx context.Context) ([]models.ModelVersion, error)
	Activate(ctx context.Context, target models.TargetType, model, version string) (models.ModelVersion, error)
}

type ctlDeps struct {
	Jobs         jobAdmin
	Models       modelAdmin
	LeaseTimeout time.Duration
}

// opener builds the command dependencies; the returned func releases them.
type opener func(ctx context.Context) (*ctlDeps, func(), error)

var (
	errInvalidJobType    = errors.New("invalid job type")
	errInvalidJobStatus  = errors.New("invalid job status")
	errInvalidTargetType = errors.New("invalid target type")
	errInvalidConfigJSON = errors.New("--config is not valid JSON")
)

// newRootCmd builds the command tree. dryRun backs `enqueue --dry-run` and must not persist.
func newRootCmd(open, dryRun opener) *cobra.Command {
	root := &cobra.Command{
		Use:          "embedhubctl",
		Short:        "Administer embedding jobs",
		SilenceUsage: true,
	}

	root.AddCommand(
		newEnqueueCmd(open, dryRun),
		newGetCmd(open),
		newListCmd(open),
		newCancelCmd(open),
		newRecoverCmd(open),
		newModelsCmd(open),
	)

	return root
}

// withDeps opens the dependencies for the duration of fn.
func withDeps(cmd *cobra.Command, open opener, fn func(ctx context.Context, deps *ctlDeps) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	deps, closeFn, err := open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	return fn(ctx, deps)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func parseJobType(s string) (models.JobType, error) {
	t := models.JobType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", errInvalidJobType, s)
	}

	return t, nil
}

func newEnqueueCmd(open, dryRun opener) *cobra.Command {
	var (
		batchSize  int
		priority   int
		maxRetries int
		rawConfig  string
		dry        bool
	)

	cmd := &cobra.Command{
		Use:   "enqueue TYPE",
		Short: "Enqueue a new embedding job",
		Long: `Enqueue a new embedding job of TYPE (VIDEO_EMBEDDING, USER_EMBEDDING, COMMENT_EMBEDDING,
SEARCH_EMBEDDING, BATCH_UPDATE or INCREMENTAL_UPDATE). --config takes the job config as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobType, err := parseJobType(args[0])
			if err != nil {
				return err
			}

			req := &models.CreateEmbeddingJobRequest{
				Type:      jobType,
				BatchSize: batchSize,
				Priority:  priority,
			}

			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}

			if rawConfig != "" {
				if !json.Valid([]byte(rawConfig)) {
					return errInvalidConfigJSON
				}

				req.Config = json.RawMessage(rawConfig)
			}

			target := open
			if dry {
				target = dryRun
			}

			return withDeps(cmd, target, func(ctx context.Context, deps *ctlDeps) error {
				job, err := deps.Jobs.Enqueue(ctx, req)
				if err != nil {
					return err
				}

				return writeJSON(cmd.OutOrStdout(), job)
			})
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "items per batch (default: DEFAULT_BATCH_SIZE)")
	cmd.Flags().IntVar(&priority, "priority", 0, "higher runs first")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry budget (default: DEFAULT_MAX_RETRIES)")
	cmd.Flags().StringVar(&rawConfig, "config", "", "job config as JSON")
	cmd.Flags().BoolVar(&dry, "dry-run", false, "validate and print the job without storing it")

	return cmd
}

func newGetCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}

			return withDeps(cmd, open, func(ctx context.Context, deps *ctlDeps) error {
				job, err := deps.Jobs.Get(ctx, id)
				if err != nil {
					return err
				}

				return writeJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func newListCmd(open opener) *cobra.Command {
	var (
		status string
		typ    string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs by priority and age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filters := &models.ListEmbeddingJobsFilters{Limit: limit, Offset: offset}

			if status != "" {
				s := models.JobStatus(strings.ToUpper(status))
				if !s.Valid() {
					return fmt.Errorf("%w: %q", errInvalidJobStatus, status)
				}

				filters.Status = &s
			}

			if typ != "" {
				t, err := parseJobType(typ)
				if err != nil {
					return err
				}

				filters.Type = &t
			}

			return withDeps(cmd, open, func(ctx context.Context, deps *ctlDeps) error {
				jobs, err := deps.Jobs.List(ctx, filters)
				if err != nil {
					return err
				}

				if jobs == nil {
					jobs = []models.EmbeddingJob{}
				}

				return writeJSON(cmd.OutOrStdout(), jobs)
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&typ, "type", "", "filter by job type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "jobs to skip")

	return cmd
}

func newCancelCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a job",
		Long:  "Cancel a job. A running job stops at its next batch boundary.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}

			return withDeps(cmd, open, func(ctx context.Context, deps *ctlDeps) error {
				job, err := deps.Jobs.Cancel(ctx, id)
				if err != nil {
					return err
				}

				return writeJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func newRecoverCmd(open opener) *cobra.Command {
	var leaseTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Requeue or fail running jobs whose lease expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, open, func(ctx context.Context, deps *ctlDeps) error {
				timeout := leaseTimeout
				if timeout <= 0 {
					timeout = deps.LeaseTimeout
				}

				recovered, err := deps.Jobs.RecoverExpired(ctx, timeout)
				if err != nil {
					return err
				}

				_, err = fmt.Fprintf(cmd.OutOrStdout(), "recovered %d job(s)\n", recovered)

				return err
			})
		},
	}

	cmd.Flags().DurationVar(&leaseTimeout, "lease-timeout", 0, "heartbeat age after which a lease expires (default: LEASE_TIMEOUT)")

	return cmd
}

func newModelsCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Show or switch the active embedding model per collection",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, open, func(ctx context.Context, deps *ctlDeps) error {
				versions, err := deps.Models.List(ctx)
				if err != nil {
					return err
				}

				return writeJSON(cmd.OutOrStdout(), versions)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "activate TARGET MODEL VERSION",
		Short: "Make MODEL@VERSION the active model of TARGET",
		Long: `Make MODEL@VERSION the active model of TARGET (video, user, comment or search). Rows
computed under another model become stale and are picked up by the next stale sweep.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := models.TargetType(strings.ToLower(args[0]))
			if !target.Valid() {
				return fmt.Errorf("%w: %q", errInvalidTargetType, args[0])
			}

			return withDeps(cmd, open, func(ctx context.Context, deps *ctlDeps) error {
				mv, err := deps.Models.Activate(ctx, target, args[1], args[2])
				if err != nil {
					return err
				}

				return writeJSON(cmd.OutOrStdout(), mv)
			})
		},
	})

	return cmd
}
