package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamlane/embedhub/internal/memstore"
	"github.com/streamlane/embedhub/internal/models"
	"github.com/streamlane/embedhub/internal/orchestrator"
	"github.com/streamlane/embedhub/internal/worker"
)

type staticInference struct {
	calls atomic.Int64
	block chan struct{}
}

func (s *staticInference) Compute(context.Context, models.InferencePayload, string) (models.InferenceResult, error) {
	s.calls.Add(1)

	if s.block != nil {
		<-s.block
	}

	return models.InferenceResult{Vector: []float32{1, 0, 0}}, nil
}

type setup struct {
	jobs      *memstore.Jobs
	store     *memstore.Embeddings
	scheduler *orchestrator.Scheduler
	executor  *orchestrator.Executor
	inference *staticInference
}

func newSetup(t *testing.T, poolSize int) *setup {
	t.Helper()

	jobs := memstore.NewJobs()
	store := memstore.NewEmbeddings()
	retry := orchestrator.NewRetryManager(time.Millisecond, 10*time.Millisecond)
	progress := orchestrator.NewProgressAggregator(jobs, nil)
	inference := &staticInference{}

	scheduler := orchestrator.NewScheduler(jobs, retry, nil, nil, progress, orchestrator.SchedulerConfig{
		PoolSize:         poolSize,
		DefaultBatchSize: 2,
	})

	executor := orchestrator.NewExecutor(orchestrator.ExecutorParams{
		Jobs:       jobs,
		Embeddings: store,
		Inference:  inference,
		Models:     memstore.NewModels("embed-test", "1"),
		Retry:      retry,
		Progress:   progress,
	})

	return &setup{jobs: jobs, store: store, scheduler: scheduler, executor: executor, inference: inference}
}

func (s *setup) enqueueVideos(t *testing.T, n int) *models.EmbeddingJob {
	t.Helper()

	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.Must(uuid.NewV7())
		text := "video " + ids[i].String()
		s.store.PutVideo(models.VideoEmbedding{
			VideoID:       ids[i],
			SourceText:    &text,
			EmbeddingMeta: models.EmbeddingMeta{ProcessingStatus: models.ProcessingPending, CreatedAt: time.Now()},
		})
	}

	raw, err := json.Marshal(models.VideoJobConfig{VideoIDs: ids})
	require.NoError(t, err)

	job, err := s.scheduler.Enqueue(context.Background(), &models.CreateEmbeddingJobRequest{
		Type:   models.JobTypeVideoEmbedding,
		Config: raw,
	})
	require.NoError(t, err)

	return job
}

func (s *setup) status(t *testing.T, id uuid.UUID) models.JobStatus {
	t.Helper()

	job, err := s.jobs.Get(context.Background(), id)
	require.NoError(t, err)

	return job.Status
}

func startDispatcher(ctx context.Context, d *worker.Dispatcher) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)
		d.Start(ctx)
	}()

	return done
}

func TestDispatcher_RunsQueuedJobs(t *testing.T) {
	s := newSetup(t, 2)

	queued := []*models.EmbeddingJob{
		s.enqueueVideos(t, 3),
		s.enqueueVideos(t, 1),
		s.enqueueVideos(t, 4),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := startDispatcher(ctx, worker.NewDispatcher(s.scheduler, s.executor, 10*time.Millisecond))

	for _, job := range queued {
		assert.Eventually(t, func() bool {
			return s.status(t, job.ID) == models.JobStatusCompleted
		}, 5*time.Second, 10*time.Millisecond)
	}

	cancel()
	<-done

	assert.EqualValues(t, 8, s.inference.calls.Load())

	job, err := s.jobs.Get(context.Background(), queued[2].ID)
	require.NoError(t, err)
	assert.Equal(t, 4, job.SuccessItems)
	assert.Equal(t, 4, job.ProcessedItems)
}

func TestDispatcher_WakesOnEnqueue(t *testing.T) {
	s := newSetup(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The poll interval is far longer than the test; only the wakeup can start the job.
	done := startDispatcher(ctx, worker.NewDispatcher(s.scheduler, s.executor, time.Hour))

	// Let the worker go idle first.
	time.Sleep(20 * time.Millisecond)

	job := s.enqueueVideos(t, 2)

	assert.Eventually(t, func() bool {
		return s.status(t, job.ID) == models.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestDispatcher_ShutdownLeavesJobRunning(t *testing.T) {
	s := newSetup(t, 1)
	s.inference.block = make(chan struct{})

	// Two batches of two; shutdown lands while the first batch is in flight.
	job := s.enqueueVideos(t, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := startDispatcher(ctx, worker.NewDispatcher(s.scheduler, s.executor, 10*time.Millisecond))

	require.Eventually(t, func() bool {
		return s.inference.calls.Load() == 2
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	close(s.inference.block)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	assert.Equal(t, models.JobStatusRunning, s.status(t, job.ID))
	assert.EqualValues(t, 2, s.inference.calls.Load())
}

type fakeSource struct {
	mu    sync.Mutex
	calls int
	err   error
	wake  chan struct{}
}

func (f *fakeSource) PoolSize() int            { return 1 }
func (f *fakeSource) Wakeups() <-chan struct{} { return f.wake }

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

func (f *fakeSource) Next(context.Context) (*orchestrator.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++

	//nolint:nilnil // empty queue
	return nil, f.err
}

type nopRunner struct{}

func (nopRunner) Execute(context.Context, *models.EmbeddingJob) error { return nil }

func TestDispatcher_KeepsPollingAfterClaimErrors(t *testing.T) {
	source := &fakeSource{err: errors.New("database unavailable"), wake: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	done := startDispatcher(ctx, worker.NewDispatcher(source, nopRunner{}, 5*time.Millisecond))

	assert.Eventually(t, func() bool { return source.count() >= 3 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

type panicOnce struct {
	next   worker.JobRunner
	panics atomic.Int64
}

func (p *panicOnce) Execute(ctx context.Context, job *models.EmbeddingJob) error {
	if p.panics.Add(1) == 1 {
		panic("inference adapter blew up")
	}

	return p.next.Execute(ctx, job)
}

func TestDispatcher_SurvivesPanickingJob(t *testing.T) {
	s := newSetup(t, 1)
	first := s.enqueueVideos(t, 1)
	second := s.enqueueVideos(t, 2)

	runner := &panicOnce{next: s.executor}

	ctx, cancel := context.WithCancel(context.Background())
	done := startDispatcher(ctx, worker.NewDispatcher(s.scheduler, runner, 10*time.Millisecond))

	assert.Eventually(t, func() bool {
		return s.status(t, second.ID) == models.JobStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done

	assert.Equal(t, models.JobStatusRunning, s.status(t, first.ID), "left for lease recovery")
}
