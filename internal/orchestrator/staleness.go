package orchestrator

import "github.com/streamlane/embedhub/internal/models"

// IsStale reports whether rec's embedding no longer reflects the active model or its
// source signals. Records never computed by the given model/version are always stale.
func IsStale(rec models.TargetRecord, model, version string) bool {
	meta := rec.Meta()
	if meta.ProcessingStatus == models.ProcessingStale {
		return true
	}

	if meta.EmbeddingModel == nil || *meta.EmbeddingModel != model {
		return true
	}

	if meta.EmbeddingVersion == nil || *meta.EmbeddingVersion != version {
		return true
	}

	if u, ok := rec.(*models.UserEmbedding); ok && u.LastUpdateThreshold > 0 {
		if u.InteractionCount-u.InteractionsAtCalculation > u.LastUpdateThreshold {
			return true
		}
	}

	return false
}

// NeedsProcessing reports whether the executor must compute rec. Only a COMPLETED,
// non-stale record is skipped, and force overrides even that.
func NeedsProcessing(rec models.TargetRecord, model, version string, force bool) bool {
	if force {
		return true
	}

	if rec.Meta().ProcessingStatus != models.ProcessingCompleted {
		return true
	}

	return IsStale(rec, model, version)
}
