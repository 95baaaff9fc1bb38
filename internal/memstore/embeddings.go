package memstore

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/models"
	"github.com/streamlane/embedhub/internal/orchestrator"
)

// Embeddings is an in-memory orchestrator.EmbeddingStore over the four target collections.
type Embeddings struct {
	mu       sync.RWMutex
	videos   map[uuid.UUID]*models.VideoEmbedding
	users    map[uuid.UUID]*models.UserEmbedding
	comments map[uuid.UUID]*models.CommentEmbedding
	searches map[uuid.UUID]*models.SearchEmbedding
	now      func() time.Time
}

// NewEmbeddings creates an empty embedding store.
func NewEmbeddings() *Embeddings {
	return &Embeddings{
		videos:   make(map[uuid.UUID]*models.VideoEmbedding),
		users:    make(map[uuid.UUID]*models.UserEmbedding),
		comments: make(map[uuid.UUID]*models.CommentEmbedding),
		searches: make(map[uuid.UUID]*models.SearchEmbedding),
		now:      time.Now,
	}
}

var _ orchestrator.EmbeddingStore = (*Embeddings)(nil)

// PutVideo stores a copy of v, replacing any row with the same id.
func (s *Embeddings) PutVideo(v models.VideoEmbedding) {
	s.mu.Lock()
	s.videos[v.VideoID] = &v
	s.mu.Unlock()
}

// PutUser stores a copy of u.
func (s *Embeddings) PutUser(u models.UserEmbedding) {
	s.mu.Lock()
	s.users[u.UserID] = &u
	s.mu.Unlock()
}

// PutComment stores a copy of c.
func (s *Embeddings) PutComment(c models.CommentEmbedding) {
	s.mu.Lock()
	s.comments[c.CommentID] = &c
	s.mu.Unlock()
}

// PutSearch stores a copy of q.
func (s *Embeddings) PutSearch(q models.SearchEmbedding) {
	s.mu.Lock()
	s.searches[q.ID] = &q
	s.mu.Unlock()
}

func targetNotFound(ref models.TargetRef) error {
	return huberrors.NewNotFoundError(string(ref.Type)+" embedding", fmt.Sprintf("%s not found", ref))
}

// lookup returns the stored record for ref. Callers hold the lock.
func (s *Embeddings) lookup(ref models.TargetRef) (models.TargetRecord, bool) {
	switch ref.Type {
	case models.TargetVideo:
		v, ok := s.videos[ref.ID]
		return v, ok
	case models.TargetUser:
		u, ok := s.users[ref.ID]
		return u, ok
	case models.TargetComment:
		c, ok := s.comments[ref.ID]
		return c, ok
	case models.TargetSearch:
		q, ok := s.searches[ref.ID]
		return q, ok
	}

	return nil, false
}

// Load returns a copy of the target record.
func (s *Embeddings) Load(_ context.Context, ref models.TargetRef) (models.TargetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.lookup(ref)
	if !ok {
		return nil, targetNotFound(ref)
	}

	return copyRecord(rec), nil
}

func copyRecord(rec models.TargetRecord) models.TargetRecord {
	switch r := rec.(type) {
	case *models.VideoEmbedding:
		c := *r
		c.Embedding = slices.Clone(r.Embedding)

		return &c
	case *models.UserEmbedding:
		c := *r
		c.Embedding = slices.Clone(r.Embedding)

		return &c
	case *models.CommentEmbedding:
		c := *r
		c.Embedding = slices.Clone(r.Embedding)

		return &c
	case *models.SearchEmbedding:
		c := *r
		c.Embedding = slices.Clone(r.Embedding)

		return &c
	}

	return rec
}

// UpsertResult writes a computed embedding to its target row and marks it COMPLETED.
func (s *Embeddings) UpsertResult(_ context.Context, res models.EmbeddingResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.lookup(res.Ref)
	if !ok {
		return targetNotFound(res.Ref)
	}

	vector := slices.Clone(res.Vector)

	switch r := rec.(type) {
	case *models.VideoEmbedding:
		r.Embedding = vector
		r.QualityScore = res.Scores.Quality
	case *models.UserEmbedding:
		r.Embedding = vector
		r.ConfidenceScore = res.Scores.Confidence

		calculated := res.ProcessedAt
		r.LastCalculatedAt = &calculated

		if res.InteractionCount != nil {
			r.InteractionsAtCalculation = *res.InteractionCount
		}
	case *models.CommentEmbedding:
		r.Embedding = vector
		r.ToxicityScore = res.Scores.Toxicity
		r.RelevanceScore = res.Scores.Relevance
		r.SentimentScore = res.Scores.Sentiment
	case *models.SearchEmbedding:
		r.Embedding = vector
	}

	meta := rec.Meta()
	model, version, processed := res.Model, res.Version, res.ProcessedAt
	meta.EmbeddingModel = &model
	meta.EmbeddingVersion = &version
	meta.ProcessingStatus = models.ProcessingCompleted
	meta.LastProcessedAt = &processed
	meta.UpdatedAt = s.now().UTC()

	return nil
}

// MarkStatus sets the processing status of a target row.
func (s *Embeddings) MarkStatus(_ context.Context, ref models.TargetRef, status models.ProcessingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.lookup(ref)
	if !ok {
		return targetNotFound(ref)
	}

	meta := rec.Meta()
	meta.ProcessingStatus = status
	meta.UpdatedAt = s.now().UTC()

	return nil
}

// records returns every row of target in creation order. Callers hold the lock.
func (s *Embeddings) records(target models.TargetType) []models.TargetRecord {
	var out []models.TargetRecord

	switch target {
	case models.TargetVideo:
		for _, v := range s.videos {
			out = append(out, v)
		}
	case models.TargetUser:
		for _, u := range s.users {
			out = append(out, u)
		}
	case models.TargetComment:
		for _, c := range s.comments {
			out = append(out, c)
		}
	case models.TargetSearch:
		for _, q := range s.searches {
			out = append(out, q)
		}
	}

	slices.SortFunc(out, func(a, b models.TargetRecord) int {
		if c := a.Meta().CreatedAt.Compare(b.Meta().CreatedAt); c != 0 {
			return c
		}

		ra, rb := a.Ref(), b.Ref()

		return bytes.Compare(ra.ID[:], rb.ID[:])
	})

	return out
}

// FindStaleCandidates returns rows that need computing under model/version, skipping rows
// another worker is processing right now.
func (s *Embeddings) FindStaleCandidates(
	_ context.Context, target models.TargetType, model, version string, limit int,
) ([]models.TargetRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var refs []models.TargetRef

	for _, rec := range s.records(target) {
		if rec.Meta().ProcessingStatus == models.ProcessingProcessing {
			continue
		}

		if !orchestrator.NeedsProcessing(rec, model, version, false) {
			continue
		}

		refs = append(refs, rec.Ref())

		if limit > 0 && len(refs) == limit {
			break
		}
	}

	return refs, nil
}

// ListTargets returns every row of target up to limit.
func (s *Embeddings) ListTargets(_ context.Context, target models.TargetType, limit int) ([]models.TargetRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var refs []models.TargetRef

	for _, rec := range s.records(target) {
		refs = append(refs, rec.Ref())

		if limit > 0 && len(refs) == limit {
			break
		}
	}

	return refs, nil
}

func sameUser(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return *a == *b
}

// searchByKey finds the row with exactly this (query, user) key. Callers hold the lock.
func (s *Embeddings) searchByKey(query string, userID *uuid.UUID) *models.SearchEmbedding {
	for _, q := range s.searches {
		if q.Query == query && sameUser(q.UserID, userID) {
			return q
		}
	}

	return nil
}

// EnsureSearchTarget returns the row keyed by (query, userID), creating a PENDING one if needed.
func (s *Embeddings) EnsureSearchTarget(_ context.Context, query string, userID *uuid.UUID) (models.TargetRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q := s.searchByKey(query, userID); q != nil {
		return q.Ref(), nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return models.TargetRef{}, fmt.Errorf("generate search embedding id: %w", err)
	}

	var user *uuid.UUID
	if userID != nil {
		u := *userID
		user = &u
	}

	now := s.now().UTC()
	q := &models.SearchEmbedding{
		ID:     id,
		Query:  query,
		UserID: user,
		EmbeddingMeta: models.EmbeddingMeta{
			ProcessingStatus: models.ProcessingPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		},
	}
	s.searches[id] = q

	return q.Ref(), nil
}

// FindSearchEmbedding returns the personalised row for (query, userID) when it exists and the
// anonymous row for query otherwise.
func (s *Embeddings) FindSearchEmbedding(_ context.Context, query string, userID *uuid.UUID) (*models.SearchEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if userID != nil {
		if q := s.searchByKey(query, userID); q != nil {
			rec, _ := copyRecord(q).(*models.SearchEmbedding)

			return rec, nil
		}
	}

	if q := s.searchByKey(query, nil); q != nil {
		rec, _ := copyRecord(q).(*models.SearchEmbedding)

		return rec, nil
	}

	return nil, huberrors.NewNotFoundError("search embedding", "search embedding not found")
}
