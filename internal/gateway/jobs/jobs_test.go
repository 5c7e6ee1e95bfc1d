package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mrmushfiq/llm0-gates/internal/gateway/metrics"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/spending"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type spendStub struct {
	syncs   atomic.Int32
	resets  atomic.Int32
	release chan struct{}
	err     error
}

func (s *spendStub) SyncToDatabase(ctx context.Context) (spending.SyncReport, error) {
	s.syncs.Add(1)
	if s.release != nil {
		<-s.release
	}
	return spending.SyncReport{Gates: 1, Flushed: 0.5}, s.err
}

func (s *spendStub) ResetElapsedPeriods(ctx context.Context) (int, error) {
	s.resets.Add(1)
	return 0, s.err
}

func TestStartRunsJobsImmediately(t *testing.T) {
	spend := &spendStub{}
	// the immediate runs may log after the test returns
	s := New(spend, metrics.New(prometheus.NewRegistry()), time.Hour, time.Hour, zap.NewNop())

	s.Start()
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool {
		return spend.syncs.Load() == 1 && spend.resets.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	spend := &spendStub{release: make(chan struct{})}
	s := New(spend, nil, time.Hour, time.Hour, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.syncJob.Run()
	}()
	require.Eventually(t, func() bool { return spend.syncs.Load() == 1 }, time.Second, 5*time.Millisecond)

	// runs while the first is still blocked
	s.syncJob.Run()
	assert.Equal(t, int32(1), spend.syncs.Load())

	close(spend.release)
	wg.Wait()

	s.syncJob.Run()
	assert.Equal(t, int32(2), spend.syncs.Load())
}

func TestJobFailureDoesNotStopScheduler(t *testing.T) {
	spend := &spendStub{err: errors.New("ledger unavailable")}
	s := New(spend, nil, time.Hour, time.Hour, zaptest.NewLogger(t))

	assert.NotPanics(t, func() {
		s.syncJob.Run()
		s.resetJob.Run()
	})
	assert.Equal(t, int32(1), spend.syncs.Load())
	assert.Equal(t, int32(1), spend.resets.Load())
}

func TestStopWaitsForImmediateRun(t *testing.T) {
	spend := &spendStub{release: make(chan struct{})}
	s := New(spend, nil, time.Hour, time.Hour, zap.NewNop())

	s.Start()
	require.Eventually(t, func() bool { return spend.syncs.Load() == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the first sync was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(spend.release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the first sync finished")
	}
}

func TestStopGivesUpAtDeadline(t *testing.T) {
	spend := &spendStub{release: make(chan struct{})}
	defer close(spend.release)
	s := New(spend, nil, time.Hour, time.Hour, zap.NewNop())

	s.Start()
	require.Eventually(t, func() bool { return spend.syncs.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	started := time.Now()
	s.Stop(ctx)
	assert.Less(t, time.Since(started), time.Second)
}
