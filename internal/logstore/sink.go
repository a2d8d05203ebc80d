package logstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gem-relay/gem-relay/internal/classify"
)

// DefaultQueueSize bounds the async sink's buffer.
const DefaultQueueSize = 1024

// AsyncSink is a fire-and-forget writer for error and request logs. Records
// are queued on bounded channels and persisted by a single worker; when a
// queue is full the record is dropped and counted, never blocked on.
type AsyncSink struct {
	store *Store
	now   func() time.Time

	errCh chan ErrorLog
	reqCh chan RequestLog

	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// SinkOption configures an AsyncSink.
type SinkOption func(*AsyncSink)

// WithSinkNow overrides the timestamp source.
func WithSinkNow(now func() time.Time) SinkOption {
	return func(s *AsyncSink) {
		s.now = now
	}
}

// NewAsyncSink creates a sink writing to store, with the given queue size
// per record type, and starts its worker.
func NewAsyncSink(store *Store, queueSize int, opts ...SinkOption) *AsyncSink {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	s := &AsyncSink{
		store: store,
		now:   time.Now,
		errCh: make(chan ErrorLog, queueSize),
		reqCh: make(chan RequestLog, queueSize),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.run()
	return s
}

// Record queues an error record. Never blocks; drops when the queue is full.
func (s *AsyncSink) Record(rec classify.ErrorRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}

	row := ErrorLog{
		Key:       rec.Key,
		Model:     rec.Model,
		Category:  rec.Category,
		Code:      rec.Code,
		RawError:  rec.RawError,
		Attempt:   rec.Attempt,
		CreatedAt: s.now(),
	}

	select {
	case s.errCh <- row:
	default:
		s.dropped.Add(1)
	}
}

// RecordRequest queues a request record. Never blocks; drops when the queue
// is full.
func (s *AsyncSink) RecordRequest(rec RequestLog) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	select {
	case s.reqCh <- rec:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many records were discarded because the queue was
// full or the sink was closed.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting records, drains what is queued, and waits for the
// worker to finish.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.errCh)
	close(s.reqCh)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *AsyncSink) run() {
	defer s.wg.Done()

	errCh, reqCh := s.errCh, s.reqCh
	for errCh != nil || reqCh != nil {
		select {
		case rec, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err := s.store.insertErrorLog(context.Background(), rec); err != nil {
				log.Error().Err(err).Msg("failed to persist error log")
			}
		case rec, ok := <-reqCh:
			if !ok {
				reqCh = nil
				continue
			}
			if err := s.store.insertRequestLog(context.Background(), rec); err != nil {
				log.Error().Err(err).Msg("failed to persist request log")
			}
		}
	}
}

// Interface guard: AsyncSink satisfies the classifier's sink.
var _ classify.ErrorSink = (*AsyncSink)(nil)
