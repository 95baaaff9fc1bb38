package orchestrator

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/streamlane/embedhub/internal/models"
)

const (
	defaultRetryBaseDelay = 30 * time.Second
	defaultRetryMaxDelay  = 30 * time.Minute
	backoffMultiplier     = 2
)

// RetryManager decides whether a failed run is re-attempted and when it becomes eligible again.
type RetryManager struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	now       func() time.Time
	jitter    func(time.Duration) time.Duration
}

// RetryOption configures a RetryManager.
type RetryOption func(*RetryManager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) RetryOption {
	return func(m *RetryManager) { m.now = now }
}

// WithJitter overrides the jitter function (tests use the identity).
func WithJitter(fn func(time.Duration) time.Duration) RetryOption {
	return func(m *RetryManager) { m.jitter = fn }
}

// NewRetryManager returns a manager with the service-wide backoff bounds; jobs may override them in their config.
func NewRetryManager(baseDelay, maxDelay time.Duration, opts ...RetryOption) *RetryManager {
	if baseDelay <= 0 {
		baseDelay = defaultRetryBaseDelay
	}

	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}

	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}

	m := &RetryManager{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		now:       time.Now,
		jitter:    jitter,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// ShouldRetry reports whether job may move to RETRYING for a failure of class.
func (m *RetryManager) ShouldRetry(job *models.EmbeddingJob, class FailureClass) bool {
	return class.Retriable() && job.RetryCount < job.MaxRetries
}

// Backoff returns the delay before the given retry (1-based), exponential and capped, with jitter.
func (m *RetryManager) Backoff(retry int, opts models.JobOptions) time.Duration {
	base, maxDelay := m.baseDelay, m.maxDelay

	jobBase, jobMax := opts.RetryDelays()
	if jobBase > 0 {
		base = jobBase
	}

	if jobMax > 0 {
		maxDelay = jobMax
	}

	if maxDelay < base {
		maxDelay = base
	}

	delay := base
	for i := 1; i < retry && delay < maxDelay; i++ {
		delay *= backoffMultiplier
	}

	return m.jitter(min(delay, maxDelay))
}

// NextAttemptAt returns when the job's next retry becomes eligible for dequeue.
func (m *RetryManager) NextAttemptAt(job *models.EmbeddingJob, opts models.JobOptions) time.Time {
	return m.now().Add(m.Backoff(job.RetryCount+1, opts))
}

// jitter returns a duration between 50% and 100% of duration to avoid thundering herd.
func jitter(duration time.Duration) time.Duration {
	half := duration / 2
	if half <= 0 {
		return duration
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return half
	}

	//nolint:gosec // G115: modulo result is in [0, half), safe to convert to int64
	return half + time.Duration(int64(binary.BigEndian.Uint64(buf[:])%uint64(half.Nanoseconds())))
}
