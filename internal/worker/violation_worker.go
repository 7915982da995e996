package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runtime/internal/service"
	"k8s.io/utils/clock"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
)

// ViolationStore persists a batch of monitor events.
type ViolationStore interface {
	RecordViolations(batch []service.ViolationRecord)
}

// ViolationWorker batches violation events received from monitor streams.
type ViolationWorker struct {
	in    chan service.ViolationRecord
	store ViolationStore
	clock clock.WithTicker
	log   zerolog.Logger
	done  chan struct{}
}

// NewViolationWorker creates a worker with a queue of queueSize events.
func NewViolationWorker(store ViolationStore, queueSize int, clk clock.WithTicker, log zerolog.Logger) *ViolationWorker {
	return &ViolationWorker{
		in:    make(chan service.ViolationRecord, queueSize),
		store: store,
		clock: clk,
		log:   log.With().Str("component", "violation_worker").Logger(),
		done:  make(chan struct{}),
	}
}

// Enqueue hands an event to the worker without blocking. It returns false
// when the queue is full and the event was dropped.
func (w *ViolationWorker) Enqueue(r service.ViolationRecord) bool {
	select {
	case w.in <- r:
		return true
	default:
		w.log.Warn().
			Str("exam_id", r.ExamID).
			Str("student_id", r.StudentID).
			Msg("Violation queue full, dropping event")
		return false
	}
}

// Done is closed once Start has returned.
func (w *ViolationWorker) Done() <-chan struct{} { return w.done }

// Start runs the batching loop until ctx is cancelled. Call in a goroutine.
func (w *ViolationWorker) Start(ctx context.Context) {
	defer close(w.done)
	w.log.Info().Msg("Worker started")

	buffer := make([]service.ViolationRecord, 0, BatchSize)
	ticker := w.clock.NewTicker(BatchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain(buffer)
			return
		case r := <-w.in:
			buffer = append(buffer, r)
			if len(buffer) >= BatchSize {
				buffer = w.flush(buffer)
			}
		case <-ticker.C():
			if len(buffer) > 0 {
				buffer = w.flush(buffer)
			}
		}
	}
}

func (w *ViolationWorker) flush(batch []service.ViolationRecord) []service.ViolationRecord {
	out := make([]service.ViolationRecord, len(batch))
	copy(out, batch)
	w.store.RecordViolations(out)
	w.log.Debug().Int("count", len(out)).Msg("Flushed violation batch")
	return batch[:0]
}

// drain flushes everything still buffered or queued.
func (w *ViolationWorker) drain(buffer []service.ViolationRecord) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")
	for {
		select {
		case r := <-w.in:
			buffer = append(buffer, r)
		default:
			if len(buffer) > 0 {
				w.flush(buffer)
			}
			return
		}
	}
}
