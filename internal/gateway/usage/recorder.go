// Package usage writes request logs off the request path.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/mrmushfiq/llm0-gates/internal/shared/models"
	"go.uber.org/zap"
)

const (
	DefaultBuffer = 1024
	writeTimeout  = 5 * time.Second
)

type Store interface {
	LogRequest(ctx context.Context, entry *models.GatewayLog) error
}

// Recorder queues request logs and writes them from a background worker.
// When the queue is full new entries are dropped rather than delaying
// requests.
type Recorder struct {
	store   Store
	log     *zap.Logger
	entries chan *models.GatewayLog
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewRecorder(store Store, buffer int, log *zap.Logger) *Recorder {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Recorder{
		store:   store,
		log:     log.Named("usage"),
		entries: make(chan *models.GatewayLog, buffer),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record queues entry. It never blocks.
func (r *Recorder) Record(entry *models.GatewayLog) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.entries <- entry:
	default:
		r.log.Warn("request log dropped, queue full", zap.String("request_id", entry.RequestID))
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for entry := range r.entries {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := r.store.LogRequest(ctx, entry); err != nil {
			r.log.Warn("failed to write request log",
				zap.String("request_id", entry.RequestID),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Close stops accepting entries and waits for queued ones to be written
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.entries)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
