// Package jobs runs the periodic spend reconciliation and period reset.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/mrmushfiq/llm0-gates/internal/gateway/metrics"
	"github.com/mrmushfiq/llm0-gates/internal/gateway/spending"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultSyncInterval  = 5 * time.Minute
	DefaultResetInterval = time.Hour
)

type SpendJobs interface {
	SyncToDatabase(ctx context.Context) (spending.SyncReport, error)
	ResetElapsedPeriods(ctx context.Context) (int, error)
}

// Scheduler owns the cron runner. A run that is still going when its next
// tick fires causes that tick to be skipped.
type Scheduler struct {
	cron    *cron.Cron
	spend   SpendJobs
	metrics *metrics.Metrics
	log     *zap.Logger

	syncEvery  time.Duration
	resetEvery time.Duration
	syncJob    cron.Job
	resetJob   cron.Job

	// immediate runs started by Start, outside the cron runner
	initial sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func New(spend SpendJobs, m *metrics.Metrics, syncEvery, resetEvery time.Duration, log *zap.Logger) *Scheduler {
	if syncEvery <= 0 {
		syncEvery = DefaultSyncInterval
	}
	if resetEvery <= 0 {
		resetEvery = DefaultResetInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("jobs")

	cronLog := cron.PrintfLogger(zap.NewStdLog(log))
	chain := cron.NewChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:       cron.New(cron.WithLogger(cronLog)),
		spend:      spend,
		metrics:    m,
		log:        log,
		syncEvery:  syncEvery,
		resetEvery: resetEvery,
		ctx:        ctx,
		cancel:     cancel,
	}
	s.syncJob = chain.Then(cron.FuncJob(s.runSync))
	s.resetJob = chain.Then(cron.FuncJob(s.runReset))

	s.cron.Schedule(cron.Every(syncEvery), s.syncJob)
	s.cron.Schedule(cron.Every(resetEvery), s.resetJob)
	return s
}

// Start runs both jobs once right away and then on their intervals
func (s *Scheduler) Start() {
	for _, job := range []cron.Job{s.syncJob, s.resetJob} {
		s.initial.Add(1)
		go func(job cron.Job) {
			defer s.initial.Done()
			job.Run()
		}(job)
	}
	s.cron.Start()
	s.log.Info("periodic jobs started",
		zap.Duration("spend_sync_interval", s.syncEvery),
		zap.Duration("period_reset_interval", s.resetEvery),
	)
}

// Stop halts scheduling and waits for running jobs, the immediate ones
// included, until ctx is done
func (s *Scheduler) Stop(ctx context.Context) {
	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.initial.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	s.cancel()
}

func (s *Scheduler) runSync() {
	ctx, cancel := context.WithTimeout(s.ctx, s.syncEvery)
	defer cancel()

	started := time.Now()
	report, err := s.spend.SyncToDatabase(ctx)
	s.metrics.ObserveJob(metrics.JobSpendSync, err, time.Since(started))
	if err != nil {
		s.log.Error("spend sync finished with errors", zap.Int("gates", report.Gates), zap.Error(err))
		return
	}
	if report.Gates > 0 {
		s.log.Info("spend synced", zap.Int("gates", report.Gates), zap.Float64("flushed_usd", report.Flushed))
	}
}

func (s *Scheduler) runReset() {
	ctx, cancel := context.WithTimeout(s.ctx, s.resetEvery)
	defer cancel()

	started := time.Now()
	n, err := s.spend.ResetElapsedPeriods(ctx)
	s.metrics.ObserveJob(metrics.JobPeriodReset, err, time.Since(started))
	if err != nil {
		s.log.Error("period reset finished with errors", zap.Int("gates_reset", n), zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("spending periods reset", zap.Int("gates_reset", n))
	}
}
