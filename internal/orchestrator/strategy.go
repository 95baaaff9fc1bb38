package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/models"
)

// ActiveModels maps each collection a job touches to the model and version it computes with.
type ActiveModels map[models.TargetType]models.ModelVersion

// EmbeddingStrategy is the per-job-type part of execution: which collections a job touches
// and how its ordered item set is resolved. Item computation itself is shared.
type EmbeddingStrategy interface {
	TargetTypes(cfg models.JobConfig) []models.TargetType
	ResolveTargets(ctx context.Context, store EmbeddingStore, cfg models.JobConfig, active ActiveModels) ([]models.TargetRef, error)
	// ForceByDefault reports whether current embeddings are recomputed when the config does not say.
	ForceByDefault() bool
}

// DefaultStrategies returns the strategy for every job type.
func DefaultStrategies() map[models.JobType]EmbeddingStrategy {
	return map[models.JobType]EmbeddingStrategy{
		models.JobTypeVideoEmbedding: &targetListStrategy{
			target: models.TargetVideo,
			ids: func(cfg models.JobConfig) ([]uuid.UUID, bool) {
				c, ok := cfg.(*models.VideoJobConfig)
				if !ok {
					return nil, false
				}

				return c.VideoIDs, true
			},
		},
		models.JobTypeUserEmbedding: &targetListStrategy{
			target: models.TargetUser,
			ids: func(cfg models.JobConfig) ([]uuid.UUID, bool) {
				c, ok := cfg.(*models.UserJobConfig)
				if !ok {
					return nil, false
				}

				return c.UserIDs, true
			},
		},
		models.JobTypeCommentEmbedding: &targetListStrategy{
			target: models.TargetComment,
			ids: func(cfg models.JobConfig) ([]uuid.UUID, bool) {
				c, ok := cfg.(*models.CommentJobConfig)
				if !ok {
					return nil, false
				}

				return c.CommentIDs, true
			},
		},
		models.JobTypeSearchEmbedding:   &searchStrategy{},
		models.JobTypeBatchUpdate:       &batchUpdateStrategy{},
		models.JobTypeIncrementalUpdate: &incrementalStrategy{},
	}
}

func configMismatch(cfg models.JobConfig) error {
	return huberrors.NewFatalError(fmt.Sprintf("unexpected config type %T", cfg), nil)
}

// targetListStrategy serves the single-collection job types: explicit ids when given,
// otherwise the collection's stale candidates.
type targetListStrategy struct {
	target models.TargetType
	ids    func(cfg models.JobConfig) ([]uuid.UUID, bool)
}

func (s *targetListStrategy) TargetTypes(models.JobConfig) []models.TargetType {
	return []models.TargetType{s.target}
}

func (s *targetListStrategy) ForceByDefault() bool { return false }

func (s *targetListStrategy) ResolveTargets(
	ctx context.Context, store EmbeddingStore, cfg models.JobConfig, active ActiveModels,
) ([]models.TargetRef, error) {
	ids, ok := s.ids(cfg)
	if !ok {
		return nil, configMismatch(cfg)
	}

	if len(ids) > 0 {
		refs := make([]models.TargetRef, 0, len(ids))
		for _, id := range ids {
			refs = append(refs, models.TargetRef{Type: s.target, ID: id})
		}

		return dedupeRefs(refs), nil
	}

	mv := active[s.target]

	refs, err := store.FindStaleCandidates(ctx, s.target, mv.Model, mv.Version, cfg.Options().ResolveLimit())
	if err != nil {
		return nil, fmt.Errorf("find stale %s candidates: %w", s.target, err)
	}

	return refs, nil
}

// searchStrategy resolves queries by their (query, user) key, creating missing rows.
type searchStrategy struct{}

func (s *searchStrategy) TargetTypes(models.JobConfig) []models.TargetType {
	return []models.TargetType{models.TargetSearch}
}

func (s *searchStrategy) ForceByDefault() bool { return false }

func (s *searchStrategy) ResolveTargets(
	ctx context.Context, store EmbeddingStore, cfg models.JobConfig, active ActiveModels,
) ([]models.TargetRef, error) {
	c, ok := cfg.(*models.SearchJobConfig)
	if !ok {
		return nil, configMismatch(cfg)
	}

	if len(c.Queries) == 0 {
		mv := active[models.TargetSearch]

		refs, err := store.FindStaleCandidates(ctx, models.TargetSearch, mv.Model, mv.Version, c.ResolveLimit())
		if err != nil {
			return nil, fmt.Errorf("find stale search candidates: %w", err)
		}

		return refs, nil
	}

	refs := make([]models.TargetRef, 0, len(c.Queries))

	for _, q := range c.Queries {
		ref, err := store.EnsureSearchTarget(ctx, q.Query, q.UserID)
		if err != nil {
			return nil, fmt.Errorf("ensure search target: %w", err)
		}

		refs = append(refs, ref)
	}

	return dedupeRefs(refs), nil
}

// batchUpdateStrategy recomputes every row of the selected collections, up to the limit.
type batchUpdateStrategy struct{}

func (s *batchUpdateStrategy) TargetTypes(cfg models.JobConfig) []models.TargetType {
	if c, ok := cfg.(*models.BatchUpdateConfig); ok {
		return c.Targets()
	}

	return nil
}

func (s *batchUpdateStrategy) ForceByDefault() bool { return true }

func (s *batchUpdateStrategy) ResolveTargets(
	ctx context.Context, store EmbeddingStore, cfg models.JobConfig, _ ActiveModels,
) ([]models.TargetRef, error) {
	c, ok := cfg.(*models.BatchUpdateConfig)
	if !ok {
		return nil, configMismatch(cfg)
	}

	return collectAcross(c.Targets(), c.ResolveLimit(), func(t models.TargetType, limit int) ([]models.TargetRef, error) {
		refs, err := store.ListTargets(ctx, t, limit)
		if err != nil {
			return nil, fmt.Errorf("list %s targets: %w", t, err)
		}

		return refs, nil
	})
}

// incrementalStrategy picks only stale or never-computed rows of the selected collections.
type incrementalStrategy struct{}

func (s *incrementalStrategy) TargetTypes(cfg models.JobConfig) []models.TargetType {
	if c, ok := cfg.(*models.IncrementalUpdateConfig); ok {
		return c.Targets()
	}

	return nil
}

func (s *incrementalStrategy) ForceByDefault() bool { return false }

func (s *incrementalStrategy) ResolveTargets(
	ctx context.Context, store EmbeddingStore, cfg models.JobConfig, active ActiveModels,
) ([]models.TargetRef, error) {
	c, ok := cfg.(*models.IncrementalUpdateConfig)
	if !ok {
		return nil, configMismatch(cfg)
	}

	return collectAcross(c.Targets(), c.ResolveLimit(), func(t models.TargetType, limit int) ([]models.TargetRef, error) {
		mv := active[t]

		refs, err := store.FindStaleCandidates(ctx, t, mv.Model, mv.Version, limit)
		if err != nil {
			return nil, fmt.Errorf("find stale %s candidates: %w", t, err)
		}

		return refs, nil
	})
}

// collectAcross calls fetch per collection in order until limit refs are gathered.
func collectAcross(
	types []models.TargetType, limit int, fetch func(models.TargetType, int) ([]models.TargetRef, error),
) ([]models.TargetRef, error) {
	var refs []models.TargetRef

	for _, t := range types {
		remaining := limit - len(refs)
		if remaining <= 0 {
			break
		}

		got, err := fetch(t, remaining)
		if err != nil {
			return nil, err
		}

		if len(got) > remaining {
			got = got[:remaining]
		}

		refs = append(refs, got...)
	}

	return dedupeRefs(refs), nil
}

func dedupeRefs(refs []models.TargetRef) []models.TargetRef {
	seen := make(map[models.TargetRef]struct{}, len(refs))
	out := refs[:0]

	for _, ref := range refs {
		if _, ok := seen[ref]; ok {
			continue
		}

		seen[ref] = struct{}{}
		out = append(out, ref)
	}

	return out
}
