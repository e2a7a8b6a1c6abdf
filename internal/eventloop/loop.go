// Package eventloop runs tasks serially on a dedicated goroutine. All state
// of a connection is owned by exactly one loop; other goroutines hand work
// to it with Execute or Run instead of taking locks.
package eventloop

import (
	"bytes"
	"errors"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrLoopStopped is returned when submitting to a stopped loop.
var ErrLoopStopped = errors.New("event loop stopped")

// Loop executes submitted tasks one at a time in submission order.
type Loop struct {
	name   string
	logger zerolog.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	goid      atomic.Uint64
}

// New creates a loop. It does not run tasks until Start is called.
func New(name string) *Loop {
	return &Loop{
		name:   name,
		logger: log.With().Str("component", "eventloop").Str("loop", name).Logger(),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Name returns the loop name.
func (l *Loop) Name() string {
	return l.name
}

// Start launches the loop goroutine. Calling Start more than once is a no-op.
func (l *Loop) Start() {
	l.startOnce.Do(func() {
		ready := make(chan struct{})
		go l.run(ready)
		<-ready
	})
}

// Stop rejects new tasks, runs the ones already queued and waits for the
// loop goroutine to exit.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
		close(l.quit)
	})
	l.startOnce.Do(func() { close(l.done) })
	if !l.InLoop() {
		<-l.done
	}
}

// Done is closed when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// InLoop reports whether the caller is running on the loop goroutine.
func (l *Loop) InLoop() bool {
	id := l.goid.Load()
	return id != 0 && id == currentGoroutineID()
}

// Execute queues fn to run on the loop.
func (l *Loop) Execute(fn func()) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrLoopStopped
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run executes fn inline when called on the loop and queues it otherwise.
// Once the loop has stopped fn runs on the caller after the loop goroutine
// has exited, so it never overlaps a loop task.
func (l *Loop) Run(fn func()) {
	if l.InLoop() {
		fn()
		return
	}
	if err := l.Execute(fn); err != nil {
		<-l.done
		fn()
	}
}

func (l *Loop) run(ready chan<- struct{}) {
	l.goid.Store(currentGoroutineID())
	close(ready)
	defer close(l.done)

	for {
		if l.runQueued() {
			continue
		}
		select {
		case <-l.wake:
		case <-l.quit:
			for l.runQueued() {
			}
			l.logger.Debug().Msg("event loop exited")
			return
		}
	}
}

// runQueued runs every task queued so far and reports whether there were any.
func (l *Loop) runQueued() bool {
	l.mu.Lock()
	tasks := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, fn := range tasks {
		l.safeRun(fn)
	}
	return len(tasks) > 0
}

func (l *Loop) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().
				Interface("panic", r).
				Msg("event loop task panicked")
		}
	}()
	fn()
}

// Schedule runs fn on the loop once after delay.
func (l *Loop) Schedule(delay time.Duration, fn func()) *Task {
	t := newTask()
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-t.stop:
			return
		case <-l.quit:
			t.Cancel()
			return
		case <-timer.C:
		}
		l.submit(t, fn)
	}()
	return t
}

// ScheduleAtFixedRate runs fn on the loop after initial and then every
// period until the task is cancelled or the loop stops. A run already in
// progress when Cancel is called completes; no run starts afterwards.
func (l *Loop) ScheduleAtFixedRate(initial, period time.Duration, fn func()) *Task {
	t := newTask()
	go func() {
		timer := time.NewTimer(initial)
		defer timer.Stop()

		select {
		case <-t.stop:
			return
		case <-l.quit:
			t.Cancel()
			return
		case <-timer.C:
		}
		if !l.submit(t, fn) {
			return
		}

		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-l.quit:
				t.Cancel()
				return
			case <-ticker.C:
				if !l.submit(t, fn) {
					return
				}
			}
		}
	}()
	return t
}

func (l *Loop) submit(t *Task, fn func()) bool {
	err := l.Execute(func() {
		if t.Cancelled() {
			return
		}
		fn()
	})
	if err != nil {
		t.Cancel()
		return false
	}
	return true
}

// Task is a handle to a scheduled task.
type Task struct {
	cancelled atomic.Bool
	stop      chan struct{}
}

func newTask() *Task {
	return &Task{stop: make(chan struct{})}
}

// Cancel stops future runs. It reports true only for the call that
// actually cancelled the task.
func (t *Task) Cancel() bool {
	if !t.cancelled.CompareAndSwap(false, true) {
		return false
	}
	close(t.stop)
	return true
}

// Cancelled reports whether Cancel has been called.
func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}

var goroutinePrefix = []byte("goroutine ")

// currentGoroutineID parses the id out of the current stack header,
// "goroutine 123 [running]:".
func currentGoroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
