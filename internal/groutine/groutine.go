// Package groutine starts named goroutines. The name is attached as a pprof
// label and carried in the context, so profiles tell the dispatch loop apart
// from driver workers.
package groutine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"strconv"
)

// LabelKey is the pprof label holding the goroutine name.
const LabelKey = "goroutine_name"

// ErrPanicked is reported by Handle.Err when fn panicked.
var ErrPanicked = errors.New("goroutine panicked")

type nameKey struct{}

// PanicFunc receives a panic recovered on a named goroutine.
type PanicFunc func(name string, value any, stack []byte)

// Option configures Go.
type Option func(*Handle)

// OnPanic recovers panics from fn and hands them to f. Without it a panic
// crashes the process as usual.
func OnPanic(f PanicFunc) Option {
	return func(h *Handle) { h.onPanic = f }
}

// Handle tracks a goroutine started by Go.
type Handle struct {
	name    string
	onPanic PanicFunc
	done    chan struct{}
	err     error
}

// Name returns the goroutine name.
func (h *Handle) Name() string { return h.name }

// Done is closed once fn has returned or panicked.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is nil until Done is closed, then reports a recovered panic.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Go runs fn on a new goroutine labelled name. A nil parent means context.Background().
func Go(parent context.Context, name string, fn func(ctx context.Context), opts ...Option) *Handle {
	if parent == nil {
		parent = context.Background()
	}
	h := &Handle{name: name, done: make(chan struct{})}
	for _, opt := range opts {
		opt(h)
	}
	go pprof.Do(parent, pprof.Labels(LabelKey, name), func(ctx context.Context) {
		defer close(h.done)
		if h.onPanic != nil {
			defer func() {
				if p := recover(); p != nil {
					h.err = fmt.Errorf("%w: %s: %v", ErrPanicked, name, p)
					h.onPanic(name, p, debug.Stack())
				}
			}()
		}
		fn(context.WithValue(ctx, nameKey{}, name))
	})
	return h
}

// Name returns the name given to Go, or "" outside a named goroutine.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(nameKey{}).(string)
	return name
}

// ID returns the runtime id of the calling goroutine, parsed from the stack
// header. Used only to detect re-entrant calls from a known goroutine.
func ID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	end := bytes.IndexByte(buf, ' ')
	if end < 0 {
		return 0
	}
	id, _ := strconv.ParseUint(string(buf[:end]), 10, 64)
	return id
}
