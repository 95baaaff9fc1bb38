package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/streamlane/embedhub/internal/worker"
)

type fakeRecoverer struct {
	mu       sync.Mutex
	timeouts []time.Duration
	depths   int
	err      error
}

func (f *fakeRecoverer) RecoverExpired(_ context.Context, leaseTimeout time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.timeouts = append(f.timeouts, leaseTimeout)

	return 1, f.err
}

func (f *fakeRecoverer) QueueDepth(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.depths++

	return 3, nil
}

func (f *fakeRecoverer) runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.timeouts)
}

func TestReaper_RunOnce(t *testing.T) {
	rec := &fakeRecoverer{}
	worker.NewReaper(rec, time.Minute, 30*time.Second).RunOnce(context.Background())

	assert.Equal(t, []time.Duration{30 * time.Second}, rec.timeouts)
	assert.Equal(t, 1, rec.depths)
}

func TestReaper_SamplesDepthEvenWhenRecoveryFails(t *testing.T) {
	rec := &fakeRecoverer{err: errors.New("boom")}
	worker.NewReaper(rec, time.Minute, time.Minute).RunOnce(context.Background())

	assert.Equal(t, 1, rec.depths)
}

func TestReaper_StartRunsImmediatelyAndOnTick(t *testing.T) {
	rec := &fakeRecoverer{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		worker.NewReaper(rec, 5*time.Millisecond, time.Minute).Start(ctx)
	}()

	assert.Eventually(t, func() bool { return rec.runs() >= 2 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
