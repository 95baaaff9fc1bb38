package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/models"
	"github.com/streamlane/embedhub/internal/observability"
	"github.com/streamlane/embedhub/pkg/cache"
)

const cacheNameModelRegistry = "model_registry"

// ModelVersionStore reads and writes the active model of each target collection.
type ModelVersionStore interface {
	ActiveModel(ctx context.Context, target models.TargetType) (models.ModelVersion, error)
	Activate(ctx context.Context, target models.TargetType, model, version string) (models.ModelVersion, error)
}

// ModelRegistry resolves the active model per target type through a TTL cache. When the store
// has no row for a target, the seed model and version are used if configured.
type ModelRegistry struct {
	store       ModelVersionStore
	cache       *cache.LoaderCache[models.TargetType, models.ModelVersion]
	metrics     observability.CacheMetrics
	seedModel   string
	seedVersion string
}

// ModelRegistryParams configures a ModelRegistry. Metrics may be nil.
type ModelRegistryParams struct {
	Store       ModelVersionStore
	Cache       *cache.LoaderCache[models.TargetType, models.ModelVersion]
	Metrics     observability.CacheMetrics
	SeedModel   string
	SeedVersion string
}

// NewModelRegistry creates a registry.
func NewModelRegistry(p ModelRegistryParams) *ModelRegistry {
	return &ModelRegistry{
		store:       p.Store,
		cache:       p.Cache,
		metrics:     p.Metrics,
		seedModel:   p.SeedModel,
		seedVersion: p.SeedVersion,
	}
}

// ActiveModel returns the active model of target.
func (r *ModelRegistry) ActiveModel(ctx context.Context, target models.TargetType) (models.ModelVersion, error) {
	mv, hit, err := r.cache.GetWithStats(ctx, target, r.load)
	if r.metrics != nil {
		r.metrics.RecordLookup(ctx, cacheNameModelRegistry, hit)

		if err != nil {
			r.metrics.RecordLoadFailure(ctx, cacheNameModelRegistry)
		}
	}

	if err != nil {
		return models.ModelVersion{}, fmt.Errorf("resolve active model: %w", err)
	}

	return mv, nil
}

func (r *ModelRegistry) load(ctx context.Context, target models.TargetType) (models.ModelVersion, error) {
	mv, err := r.store.ActiveModel(ctx, target)
	if err == nil {
		return mv, nil
	}

	if !errors.Is(err, huberrors.ErrNotFound) || r.seedModel == "" {
		return models.ModelVersion{}, err
	}

	return models.ModelVersion{TargetType: target, Model: r.seedModel, Version: r.seedVersion}, nil
}

// Activate makes model/version current for target and refreshes the cached entry.
func (r *ModelRegistry) Activate(ctx context.Context, target models.TargetType, model, version string) (models.ModelVersion, error) {
	if !target.Valid() {
		return models.ModelVersion{}, huberrors.NewValidationError("target_type", "unknown target type "+string(target))
	}

	mv, err := r.store.Activate(ctx, target, model, version)
	if err != nil {
		return models.ModelVersion{}, fmt.Errorf("activate model: %w", err)
	}

	r.cache.Set(target, mv)
	slog.Info("Activated embedding model", "target_type", target, "model", model, "version", version)

	return mv, nil
}

// NewModelCache creates the registry cache.
func NewModelCache(size int, ttl time.Duration) *cache.LoaderCache[models.TargetType, models.ModelVersion] {
	return cache.NewLoaderCache[models.TargetType, models.ModelVersion](size, ttl, func(t models.TargetType) string {
		return string(t)
	})
}
