package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/streamlane/embedhub/internal/datatypes"
	"github.com/streamlane/embedhub/internal/huberrors"
	"github.com/streamlane/embedhub/internal/memstore"
	"github.com/streamlane/embedhub/internal/models"
	"github.com/streamlane/embedhub/internal/orchestrator"
)

const (
	testModel   = "embed-test"
	testVersion = "2"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeInference fails items by target id: permanently, transiently for a number of calls,
// or fatally for every call.
type fakeInference struct {
	mu        sync.Mutex
	calls     map[uuid.UUID]int
	total     int
	transient map[uuid.UUID]int
	permanent map[uuid.UUID]bool
	fatal     bool
	hook      func(callNo int)
}

func newFakeInference() *fakeInference {
	return &fakeInference{
		calls:     make(map[uuid.UUID]int),
		transient: make(map[uuid.UUID]int),
		permanent: make(map[uuid.UUID]bool),
	}
}

func (f *fakeInference) Compute(_ context.Context, payload models.InferencePayload, _ string) (models.InferenceResult, error) {
	f.mu.Lock()
	f.calls[payload.TargetID]++
	f.total++
	callNo := f.total
	hook := f.hook

	var err error

	switch {
	case f.fatal:
		err = huberrors.NewFatalError("model not found", nil)
	case f.permanent[payload.TargetID]:
		err = huberrors.NewPermanentError("malformed payload", nil)
	case f.transient[payload.TargetID] > 0:
		f.transient[payload.TargetID]--
		err = errors.New("inference timeout")
	}
	f.mu.Unlock()

	if hook != nil {
		hook(callNo)
	}

	if err != nil {
		return models.InferenceResult{}, err
	}

	return models.InferenceResult{Vector: []float32{3, 4, 0}}, nil
}

func (f *fakeInference) callsFor(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[id]
}

func (f *fakeInference) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.total
}

type recordedEvent struct {
	Type datatypes.EventType
	Job  *models.EmbeddingJob
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) PublishEvent(_ context.Context, eventType datatypes.EventType, data any) {
	job, _ := data.(*models.EmbeddingJob)

	p.mu.Lock()
	p.events = append(p.events, recordedEvent{Type: eventType, Job: job})
	p.mu.Unlock()
}

func (p *recordingPublisher) typesFor(id uuid.UUID) []datatypes.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []datatypes.EventType

	for _, ev := range p.events {
		if ev.Job != nil && ev.Job.ID == id {
			out = append(out, ev.Type)
		}
	}

	return out
}

type harness struct {
	t         *testing.T
	clock     *fakeClock
	jobs      *memstore.Jobs
	store     *memstore.Embeddings
	registry  *memstore.Models
	inference *fakeInference
	events    *recordingPublisher
	scheduler *orchestrator.Scheduler
	executor  *orchestrator.Executor
}

type harnessOptions struct {
	poolSize        int
	itemParallelism int
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	if opts.poolSize == 0 {
		opts.poolSize = 1
	}

	clock := newFakeClock()
	jobs := memstore.NewJobs()
	store := memstore.NewEmbeddings()
	registry := memstore.NewModels(testModel, testVersion)
	inference := newFakeInference()
	events := &recordingPublisher{}

	retry := orchestrator.NewRetryManager(time.Second, time.Minute,
		orchestrator.WithClock(clock.Now),
		orchestrator.WithJitter(func(d time.Duration) time.Duration { return d }),
	)
	progress := orchestrator.NewProgressAggregator(jobs, nil)

	scheduler := orchestrator.NewScheduler(jobs, retry, events, nil, progress, orchestrator.SchedulerConfig{
		PoolSize:          opts.poolSize,
		DefaultBatchSize:  3,
		DefaultMaxRetries: 0,
	})

	executor := orchestrator.NewExecutor(orchestrator.ExecutorParams{
		Jobs:            jobs,
		Embeddings:      store,
		Inference:       inference,
		Models:          registry,
		Retry:           retry,
		Progress:        progress,
		Events:          events,
		ItemParallelism: opts.itemParallelism,
	})

	return &harness{
		t:         t,
		clock:     clock,
		jobs:      jobs,
		store:     store,
		registry:  registry,
		inference: inference,
		events:    events,
		scheduler: scheduler,
		executor:  executor,
	}
}

func (h *harness) seedVideos(n int) []uuid.UUID {
	h.t.Helper()

	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.Must(uuid.NewV7())
		text := "video " + ids[i].String()
		h.store.PutVideo(models.VideoEmbedding{
			VideoID:    ids[i],
			SourceText: &text,
			EmbeddingMeta: models.EmbeddingMeta{
				ProcessingStatus: models.ProcessingPending,
				CreatedAt:        h.clock.Now().Add(time.Duration(i) * time.Millisecond),
			},
		})
	}

	return ids
}

func (h *harness) enqueue(jobType models.JobType, cfg any, batchSize, maxRetries int) *models.EmbeddingJob {
	h.t.Helper()

	raw, err := json.Marshal(cfg)
	require.NoError(h.t, err)

	job, err := h.scheduler.Enqueue(context.Background(), &models.CreateEmbeddingJobRequest{
		Type:       jobType,
		BatchSize:  batchSize,
		MaxRetries: &maxRetries,
		Config:     raw,
	})
	require.NoError(h.t, err)

	h.clock.Advance(time.Millisecond)

	return job
}

func (h *harness) enqueueVideos(ids []uuid.UUID, batchSize, maxRetries int) *models.EmbeddingJob {
	h.t.Helper()

	return h.enqueue(models.JobTypeVideoEmbedding, models.VideoJobConfig{VideoIDs: ids}, batchSize, maxRetries)
}

// runOnce dequeues and executes one job; false when nothing was eligible.
func (h *harness) runOnce(ctx context.Context) bool {
	h.t.Helper()

	lease, err := h.scheduler.Next(ctx)
	require.NoError(h.t, err)

	if lease == nil {
		return false
	}
	defer lease.Release()

	require.NoError(h.t, h.executor.Execute(ctx, lease.Job))

	return true
}

// drain runs jobs with the given number of concurrent workers until the queue is empty,
// advancing the clock past any retry backoff between rounds.
func (h *harness) drain(workers int) {
	h.t.Helper()

	ctx := context.Background()

	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup

		errs := make(chan error, workers)

		for range workers {
			wg.Add(1)

			go func() {
				defer wg.Done()

				for {
					lease, err := h.scheduler.Next(ctx)
					if err != nil {
						errs <- err
						return
					}

					if lease == nil {
						return
					}

					err = h.executor.Execute(ctx, lease.Job)
					lease.Release()

					if err != nil {
						errs <- err
						return
					}
				}
			}()
		}

		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(h.t, err)
		}

		active, err := h.jobs.CountActive(ctx)
		require.NoError(h.t, err)

		if active == 0 {
			return
		}

		h.clock.Advance(time.Hour)
	}

	h.t.Fatal("jobs did not reach a terminal state")
}

func (h *harness) get(id uuid.UUID) *models.EmbeddingJob {
	h.t.Helper()

	job, err := h.jobs.Get(context.Background(), id)
	require.NoError(h.t, err)

	return job
}
