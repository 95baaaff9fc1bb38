package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/streamlane/embedhub/internal/huberrors"
)

// Limits on explicit target lists and store-resolved item sets.
const (
	MaxExplicitTargets  = 10000
	DefaultResolveLimit = 1000
	MaxResolveLimit     = 100000
)

// configValidate is configured in init only; Struct is safe for concurrent use afterwards.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	configValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}

		return name
	})

	if err := configValidate.RegisterValidation("target_type", func(fl validator.FieldLevel) bool {
		return TargetType(fl.Field().String()).Valid()
	}); err != nil {
		slog.Error("Failed to register target_type validator", "error", err)
	}
}

// JobConfig is the decoded, validated configJson of a job.
type JobConfig interface {
	Options() JobOptions
}

// JobOptions are the settings shared by every job type.
type JobOptions struct {
	// Model and Version override the active model registry entry.
	Model   string `json:"model,omitempty" validate:"omitempty,max=255"`
	Version string `json:"version,omitempty" validate:"omitempty,max=255"`
	// Force recomputes items even when their embedding is current.
	Force *bool `json:"force,omitempty"`
	// Limit caps the items resolved from the store when no explicit targets are given.
	Limit int `json:"limit,omitempty" validate:"omitempty,min=1,max=100000"`
	// MaxFailedItems and MaxFailedRatio define the acceptable-failure policy. Both zero means any
	// failed item prevents completion.
	MaxFailedItems   int     `json:"max_failed_items,omitempty" validate:"omitempty,min=0"`
	MaxFailedRatio   float64 `json:"max_failed_ratio,omitempty" validate:"omitempty,gte=0,lte=1"`
	RetryBaseDelayMS int     `json:"retry_base_delay_ms,omitempty" validate:"omitempty,min=1,max=86400000"`
	RetryMaxDelayMS  int     `json:"retry_max_delay_ms,omitempty" validate:"omitempty,min=1,max=86400000"`
	ItemParallelism  int     `json:"item_parallelism,omitempty" validate:"omitempty,min=1,max=1024"`
}

// Options returns the shared settings; promoted to every typed config.
func (o JobOptions) Options() JobOptions { return o }

// ForceRecompute resolves the force flag against the job type's default.
func (o JobOptions) ForceRecompute(defaultForce bool) bool {
	if o.Force == nil {
		return defaultForce
	}

	return *o.Force
}

// ResolveLimit returns the effective store resolution limit.
func (o JobOptions) ResolveLimit() int {
	if o.Limit <= 0 {
		return DefaultResolveLimit
	}

	return o.Limit
}

// FailureAcceptable reports whether failed of total items still allows COMPLETED.
func (o JobOptions) FailureAcceptable(failed, total int) bool {
	if failed == 0 {
		return true
	}

	if o.MaxFailedItems > 0 && failed <= o.MaxFailedItems {
		return true
	}

	if o.MaxFailedRatio > 0 && total > 0 && float64(failed)/float64(total) <= o.MaxFailedRatio {
		return true
	}

	return false
}

// RetryDelays returns the per-job backoff overrides, zero when unset.
func (o JobOptions) RetryDelays() (base, maxDelay time.Duration) {
	return time.Duration(o.RetryBaseDelayMS) * time.Millisecond, time.Duration(o.RetryMaxDelayMS) * time.Millisecond
}

// VideoJobConfig configures VIDEO_EMBEDDING jobs. Without VideoIDs, videos needing work are resolved from the store.
type VideoJobConfig struct {
	JobOptions
	VideoIDs []uuid.UUID `json:"video_ids,omitempty" validate:"omitempty,max=10000"`
}

// UserJobConfig configures USER_EMBEDDING jobs.
type UserJobConfig struct {
	JobOptions
	UserIDs []uuid.UUID `json:"user_ids,omitempty" validate:"omitempty,max=10000"`
}

// CommentJobConfig configures COMMENT_EMBEDDING jobs.
type CommentJobConfig struct {
	JobOptions
	CommentIDs []uuid.UUID `json:"comment_ids,omitempty" validate:"omitempty,max=10000"`
}

// SearchQueryRef names a search embedding by its compound key.
type SearchQueryRef struct {
	Query  string     `json:"query" validate:"required,min=1,max=2000"`
	UserID *uuid.UUID `json:"user_id,omitempty"`
}

// SearchJobConfig configures SEARCH_EMBEDDING jobs.
type SearchJobConfig struct {
	JobOptions
	Queries []SearchQueryRef `json:"queries,omitempty" validate:"omitempty,max=10000,dive"`
}

// BatchUpdateConfig configures BATCH_UPDATE jobs: a full recompute of the listed collections.
type BatchUpdateConfig struct {
	JobOptions
	TargetTypes []TargetType `json:"target_types,omitempty" validate:"omitempty,max=4,dive,target_type"`
}

// IncrementalUpdateConfig configures INCREMENTAL_UPDATE jobs: only stale or unprocessed rows.
type IncrementalUpdateConfig struct {
	JobOptions
	TargetTypes []TargetType `json:"target_types,omitempty" validate:"omitempty,max=4,dive,target_type"`
}

// Targets returns the configured collections or all of them.
func (c *BatchUpdateConfig) Targets() []TargetType { return targetsOrAll(c.TargetTypes) }

// Targets returns the configured collections or all of them.
func (c *IncrementalUpdateConfig) Targets() []TargetType { return targetsOrAll(c.TargetTypes) }

func targetsOrAll(types []TargetType) []TargetType {
	if len(types) == 0 {
		return TargetTypes
	}

	return types
}

func newJobConfig(t JobType) (JobConfig, error) {
	switch t {
	case JobTypeVideoEmbedding:
		return &VideoJobConfig{}, nil
	case JobTypeUserEmbedding:
		return &UserJobConfig{}, nil
	case JobTypeCommentEmbedding:
		return &CommentJobConfig{}, nil
	case JobTypeSearchEmbedding:
		return &SearchJobConfig{}, nil
	case JobTypeBatchUpdate:
		return &BatchUpdateConfig{}, nil
	case JobTypeIncrementalUpdate:
		return &IncrementalUpdateConfig{}, nil
	}

	return nil, huberrors.NewValidationError("type", fmt.Sprintf("unsupported job type %q", t))
}

// DecodeJobConfig decodes and validates raw configJson for job type t. Unknown fields are rejected.
// All failures are ValidationErrors.
func DecodeJobConfig(t JobType, raw json.RawMessage) (JobConfig, error) {
	cfg, err := newJobConfig(t)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()

	if err := dec.Decode(cfg); err != nil {
		return nil, huberrors.NewValidationError("config", "invalid config: "+err.Error())
	}

	if err := configValidate.Struct(cfg); err != nil {
		return nil, huberrors.NewValidationError("config", formatConfigErrors(err))
	}

	if err := checkConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func checkConfig(cfg JobConfig) error {
	opts := cfg.Options()
	if opts.RetryBaseDelayMS > 0 && opts.RetryMaxDelayMS > 0 && opts.RetryMaxDelayMS < opts.RetryBaseDelayMS {
		return huberrors.NewValidationError("retry_max_delay_ms", "retry_max_delay_ms must be >= retry_base_delay_ms")
	}

	if (opts.Model == "") != (opts.Version == "") {
		return huberrors.NewValidationError("model", "model and version must be set together")
	}

	if sc, ok := cfg.(*SearchJobConfig); ok {
		for i, q := range sc.Queries {
			if strings.Contains(q.Query, "\x00") {
				return huberrors.NewValidationError(fmt.Sprintf("queries[%d].query", i), "query must not contain NULL bytes")
			}
		}
	}

	return nil
}

func formatConfigErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		ns := fe.Namespace()
		if _, rest, ok := strings.Cut(ns, "."); ok {
			ns = rest
		}

		msgs = append(msgs, fmt.Sprintf("%s failed %s", ns, fe.Tag()))
	}

	return "invalid config: " + strings.Join(msgs, "; ")
}
