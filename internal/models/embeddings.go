package models

import (
	"time"

	"github.com/google/uuid"
)

// TargetType names one of the embedding target collections.
type TargetType string

const (
	TargetVideo   TargetType = "video"
	TargetUser    TargetType = "user"
	TargetComment TargetType = "comment"
	TargetSearch  TargetType = "search"
)

// TargetTypes lists every target collection in a stable order.
var TargetTypes = []TargetType{TargetVideo, TargetUser, TargetComment, TargetSearch}

// Valid reports whether t is a known target type.
func (t TargetType) Valid() bool {
	switch t {
	case TargetVideo, TargetUser, TargetComment, TargetSearch:
		return true
	}

	return false
}

// TargetRef identifies a single embedding target row. For search targets ID is the
// search_embeddings row id, not the query text.
type TargetRef struct {
	Type TargetType `json:"type"`
	ID   uuid.UUID  `json:"id"`
}

func (r TargetRef) String() string {
	return string(r.Type) + ":" + r.ID.String()
}

// ProcessingStatus is the lifecycle of a single target's embedding.
type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "PENDING"
	ProcessingProcessing ProcessingStatus = "PROCESSING"
	ProcessingCompleted  ProcessingStatus = "COMPLETED"
	ProcessingFailed     ProcessingStatus = "FAILED"
	// ProcessingStale means usable but due for recomputation.
	ProcessingStale ProcessingStatus = "STALE"
)

// EmbeddingMeta holds the fields every target collection shares.
type EmbeddingMeta struct {
	EmbeddingModel   *string          `json:"embedding_model,omitempty"`
	EmbeddingVersion *string          `json:"embedding_version,omitempty"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	LastProcessedAt  *time.Time       `json:"last_processed_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Usable reports whether downstream consumers may read the vector.
func (m *EmbeddingMeta) Usable() bool {
	return m.ProcessingStatus == ProcessingCompleted || m.ProcessingStatus == ProcessingStale
}

// TargetRecord is implemented by the four embedding target types.
type TargetRecord interface {
	Ref() TargetRef
	Meta() *EmbeddingMeta
	Payload() InferencePayload
}

// VideoEmbedding is the vector representation of one video.
type VideoEmbedding struct {
	VideoID      uuid.UUID `json:"video_id"`
	SourceText   *string   `json:"source_text,omitempty"`
	Embedding    []float32 `json:"embedding,omitempty"`
	QualityScore *float64  `json:"quality_score,omitempty"`
	EmbeddingMeta
}

func (v *VideoEmbedding) Ref() TargetRef       { return TargetRef{Type: TargetVideo, ID: v.VideoID} }
func (v *VideoEmbedding) Meta() *EmbeddingMeta { return &v.EmbeddingMeta }

func (v *VideoEmbedding) Payload() InferencePayload {
	return InferencePayload{TargetType: TargetVideo, TargetID: v.VideoID, Text: deref(v.SourceText)}
}

// UserEmbedding is the vector representation of one user's interests.
type UserEmbedding struct {
	UserID          uuid.UUID `json:"user_id"`
	Embedding       []float32 `json:"embedding,omitempty"`
	ConfidenceScore *float64  `json:"confidence_score,omitempty"`
	// InteractionCount is maintained by the interaction pipeline.
	InteractionCount int `json:"interaction_count"`
	// InteractionsAtCalculation is the InteractionCount captured when the vector was last computed.
	InteractionsAtCalculation int `json:"interactions_at_calculation"`
	// LastUpdateThreshold is the interaction delta that warrants recomputation; 0 disables the signal.
	LastUpdateThreshold int        `json:"last_update_threshold"`
	LastCalculatedAt    *time.Time `json:"last_calculated_at,omitempty"`
	EmbeddingMeta
}

func (u *UserEmbedding) Ref() TargetRef       { return TargetRef{Type: TargetUser, ID: u.UserID} }
func (u *UserEmbedding) Meta() *EmbeddingMeta { return &u.EmbeddingMeta }

func (u *UserEmbedding) Payload() InferencePayload {
	id := u.UserID

	return InferencePayload{
		TargetType: TargetUser,
		TargetID:   u.UserID,
		UserID:     &id,
		Attributes: map[string]any{"interaction_count": u.InteractionCount},
	}
}

// CommentEmbedding is the vector representation of one comment.
type CommentEmbedding struct {
	CommentID      uuid.UUID `json:"comment_id"`
	SourceText     *string   `json:"source_text,omitempty"`
	Embedding      []float32 `json:"embedding,omitempty"`
	ToxicityScore  *float64  `json:"toxicity_score,omitempty"`
	RelevanceScore *float64  `json:"relevance_score,omitempty"`
	SentimentScore *float64  `json:"sentiment_score,omitempty"`
	EmbeddingMeta
}

func (c *CommentEmbedding) Ref() TargetRef       { return TargetRef{Type: TargetComment, ID: c.CommentID} }
func (c *CommentEmbedding) Meta() *EmbeddingMeta { return &c.EmbeddingMeta }

func (c *CommentEmbedding) Payload() InferencePayload {
	return InferencePayload{TargetType: TargetComment, TargetID: c.CommentID, Text: deref(c.SourceText)}
}

// SearchEmbedding is the vector representation of a query, keyed by (Query, UserID).
// A nil UserID is the anonymous variant and is a distinct row from any personalised one.
type SearchEmbedding struct {
	ID           uuid.UUID  `json:"id"`
	Query        string     `json:"query"`
	UserID       *uuid.UUID `json:"user_id,omitempty"`
	Embedding    []float32  `json:"embedding,omitempty"`
	SearchCount  int        `json:"search_count"`
	ClickThrough float64    `json:"click_through"`
	AvgWatchTime float64    `json:"avg_watch_time"`
	EmbeddingMeta
}

func (s *SearchEmbedding) Ref() TargetRef       { return TargetRef{Type: TargetSearch, ID: s.ID} }
func (s *SearchEmbedding) Meta() *EmbeddingMeta { return &s.EmbeddingMeta }

func (s *SearchEmbedding) Payload() InferencePayload {
	return InferencePayload{TargetType: TargetSearch, TargetID: s.ID, Text: s.Query, UserID: s.UserID}
}

// InferencePayload is the input handed to the inference client for one item.
type InferencePayload struct {
	TargetType TargetType     `json:"target_type"`
	TargetID   uuid.UUID      `json:"target_id"`
	Text       string         `json:"text,omitempty"`
	UserID     *uuid.UUID     `json:"user_id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Scores are the scalar signals produced alongside a vector. Only the fields
// relevant to a target's collection are persisted.
type Scores struct {
	Quality    *float64 `json:"quality,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Toxicity   *float64 `json:"toxicity,omitempty"`
	Relevance  *float64 `json:"relevance,omitempty"`
	Sentiment  *float64 `json:"sentiment,omitempty"`
}

// InferenceResult is what the inference client returns for one payload.
type InferenceResult struct {
	Vector []float32 `json:"vector"`
	Scores Scores    `json:"scores"`
}

// EmbeddingResult is a computed embedding ready to be written to its target row.
type EmbeddingResult struct {
	Ref         TargetRef
	Vector      []float32
	Scores      Scores
	Model       string
	Version     string
	ProcessedAt time.Time
	// InteractionCount is the user interaction count observed when the payload was built.
	InteractionCount *int
}

// ModelVersion is the active embedding model for a target collection.
type ModelVersion struct {
	TargetType  TargetType `json:"target_type"`
	Model       string     `json:"model"`
	Version     string     `json:"version"`
	ActivatedAt time.Time  `json:"activated_at"`
}

// SearchEmbeddingLookup is the query for a search embedding by compound key.
type SearchEmbeddingLookup struct {
	Query  string  `form:"query" validate:"required,no_null_bytes,min=1,max=2000"`
	UserID *string `form:"user_id" validate:"omitempty,uuid"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
