package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/SorterBridge/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const drainTimeout = 5 * time.Second

// ReleaseSink persists a batch of release events. PostgresClient implements it.
type ReleaseSink interface {
	InsertReleaseEvents(ctx context.Context, runID uuid.UUID, events []types.ReleaseEvent) error
}

// JournalObserver is told about journal throughput and losses.
type JournalObserver interface {
	JournalWritten(n int)
	JournalDropped()
	JournalFailed(n int)
}

type nopObserver struct{}

func (nopObserver) JournalWritten(int) {}
func (nopObserver) JournalDropped()    {}
func (nopObserver) JournalFailed(int)  {}

type JournalOptions struct {
	RunID         uuid.UUID
	Buffer        int
	Batch         int
	FlushInterval time.Duration
	Observer      JournalObserver
}

// Journal buffers release events from the poll loop and writes them in
// batches from its own goroutine. Record never blocks; when the buffer is
// full the event is dropped and counted.
type Journal struct {
	sink    ReleaseSink
	opts    JournalOptions
	logger  *zap.Logger
	events  chan types.ReleaseEvent
	dropped atomic.Uint64
}

func NewJournal(sink ReleaseSink, opts JournalOptions, logger *zap.Logger) *Journal {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Batch <= 0 {
		opts.Batch = 64
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	return &Journal{
		sink:   sink,
		opts:   opts,
		logger: logger,
		events: make(chan types.ReleaseEvent, opts.Buffer),
	}
}

func (j *Journal) Record(event types.ReleaseEvent) {
	select {
	case j.events <- event:
	default:
		n := j.dropped.Add(1)
		j.opts.Observer.JournalDropped()
		if n == 1 || n%100 == 0 {
			j.logger.Warn("Journal buffer full, release event dropped",
				zap.Uint64("dropped_total", n),
				zap.String("kind", string(event.Kind)),
				zap.Int("channel", int(event.Channel)))
		}
	}
}

// Dropped returns the number of events lost to a full buffer.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

// Run writes batches until ctx is cancelled, then flushes what is buffered.
func (j *Journal) Run(ctx context.Context) {
	j.logger.Info("Journal writer started",
		zap.Int("buffer", j.opts.Buffer),
		zap.Int("batch", j.opts.Batch))

	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]types.ReleaseEvent, 0, j.opts.Batch)

	for {
		select {
		case event := <-j.events:
			batch = append(batch, event)
			if len(batch) >= j.opts.Batch {
				batch = j.flush(ctx, batch)
			}

		case <-ticker.C:
			batch = j.flush(ctx, batch)

		case <-ctx.Done():
			// Restliche Events noch schreiben
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			for len(j.events) > 0 {
				batch = append(batch, <-j.events)
				if len(batch) >= j.opts.Batch {
					batch = j.flush(drainCtx, batch)
				}
			}
			j.flush(drainCtx, batch)
			cancel()

			j.logger.Info("Journal writer stopped", zap.Uint64("dropped", j.Dropped()))
			return
		}
	}
}

func (j *Journal) flush(ctx context.Context, batch []types.ReleaseEvent) []types.ReleaseEvent {
	if len(batch) == 0 {
		return batch
	}

	if err := j.sink.InsertReleaseEvents(ctx, j.opts.RunID, batch); err != nil {
		j.logger.Error("Journal write failed",
			zap.Int("events", len(batch)),
			zap.Error(err))
		j.opts.Observer.JournalFailed(len(batch))
	} else {
		j.opts.Observer.JournalWritten(len(batch))
	}

	return batch[:0]
}
