package events

import (
	"fmt"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// MaxRecorderSize guards against accidental misconfiguration.
const MaxRecorderSize uint32 = 1 << 20

// Recorder is a Sink keeping the most recent events in a bounded ring.
// It backs the CLI trace; the core itself never reads it.
type Recorder struct {
	buffer      mpmc.RichOverlappedRingBuffer[Event]
	overwritten atomic.Int64
	onError     func(error)
}

// NewRecorder creates a recorder retaining up to size events.
func NewRecorder(size uint32, onError func(error)) (*Recorder, error) {
	if size == 0 {
		return nil, fmt.Errorf("recorder size must be > 0")
	}
	if size > MaxRecorderSize {
		return nil, fmt.Errorf("recorder size %d exceeds maximum %d", size, MaxRecorderSize)
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Recorder{
		buffer:  mpmc.NewOverlappedRingBuffer[Event](size),
		onError: onError,
	}, nil
}

// Publish implements Sink.
func (r *Recorder) Publish(e Event) {
	overwrites, err := r.buffer.EnqueueM(e)
	if err != nil {
		r.onError(fmt.Errorf("recorder enqueue: %w", err))
		return
	}
	r.overwritten.Add(int64(overwrites))
}

// Drain removes and returns the buffered events, oldest first.
func (r *Recorder) Drain() ([]Event, error) {
	var out []Event
	for !r.buffer.IsEmpty() {
		e, err := r.buffer.Dequeue()
		if err != nil {
			return out, fmt.Errorf("recorder dequeue: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Overwritten returns how many events were dropped because the ring was full.
func (r *Recorder) Overwritten() int64 {
	return r.overwritten.Load()
}
