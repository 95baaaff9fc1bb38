package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/models"
)

// Models is an in-memory active model registry.
type Models struct {
	mu     sync.RWMutex
	active map[models.TargetType]models.ModelVersion
}

// NewModels creates a registry with the same model and version for every collection.
func NewModels(model, version string) *Models {
	m := &Models{active: make(map[models.TargetType]models.ModelVersion)}
	for _, t := range models.TargetTypes {
		m.Activate(t, model, version)
	}

	return m
}

// Activate makes model/version current for target.
func (m *Models) Activate(target models.TargetType, model, version string) {
	m.mu.Lock()
	m.active[target] = models.ModelVersion{TargetType: target, Model: model, Version: version, ActivatedAt: time.Now().UTC()}
	m.mu.Unlock()
}

// Deactivate removes the active model of target.
func (m *Models) Deactivate(target models.TargetType) {
	m.mu.Lock()
	delete(m.active, target)
	m.mu.Unlock()
}

// ActiveModel returns the current model of target.
func (m *Models) ActiveModel(_ context.Context, target models.TargetType) (models.ModelVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mv, ok := m.active[target]
	if !ok {
		return models.ModelVersion{}, huberrors.NewNotFoundError("model version", "no active model for "+string(target))
	}

	return mv, nil
}
