package eventloop

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecuteRunsInOrder(t *testing.T) {
	l := New("test")
	l.Start()
	defer l.Stop()

	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		if err := l.Execute(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		}); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	<-done

	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestInLoop(t *testing.T) {
	l := New("test")
	l.Start()
	defer l.Stop()

	if l.InLoop() {
		t.Fatal("InLoop true on test goroutine")
	}
	res := make(chan bool, 1)
	l.Execute(func() { res <- l.InLoop() })
	if !<-res {
		t.Fatal("InLoop false on loop goroutine")
	}
}

func TestRunInlineOnLoop(t *testing.T) {
	l := New("test")
	l.Start()
	defer l.Stop()

	res := make(chan []string, 1)
	l.Execute(func() {
		var order []string
		l.Run(func() { order = append(order, "inner") })
		order = append(order, "outer")
		res <- order
	})
	order := <-res
	if len(order) != 2 || order[0] != "inner" {
		t.Fatalf("order = %v, want inner before outer", order)
	}
}

func TestStopDrainsAndRejects(t *testing.T) {
	l := New("test")
	l.Start()

	var ran atomic.Int32
	block := make(chan struct{})
	l.Execute(func() { <-block })
	for i := 0; i < 10; i++ {
		l.Execute(func() { ran.Add(1) })
	}

	stopped := make(chan struct{})
	go func() {
		l.Stop()
		close(stopped)
	}()
	time.Sleep(10 * time.Millisecond)
	close(block)
	<-stopped

	if ran.Load() != 10 {
		t.Fatalf("ran %d queued tasks, want 10", ran.Load())
	}
	if err := l.Execute(func() {}); !errors.Is(err, ErrLoopStopped) {
		t.Fatalf("Execute after Stop = %v, want ErrLoopStopped", err)
	}

	// Run still executes, inline on the caller.
	var inline bool
	l.Run(func() { inline = true })
	if !inline {
		t.Fatal("Run after Stop did not execute")
	}
}

func TestPanicDoesNotKillLoop(t *testing.T) {
	l := New("test")
	l.Start()
	defer l.Stop()

	l.Execute(func() { panic("boom") })
	done := make(chan struct{})
	l.Execute(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop stopped running after a panic")
	}
}

func TestScheduleAtFixedRate(t *testing.T) {
	l := New("test")
	l.Start()
	defer l.Stop()

	var runs atomic.Int32
	onLoop := make(chan bool, 16)
	task := l.ScheduleAtFixedRate(0, 5*time.Millisecond, func() {
		if runs.Add(1) <= 3 {
			onLoop <- l.InLoop()
		}
	})

	for i := 0; i < 3; i++ {
		select {
		case in := <-onLoop:
			if !in {
				t.Fatal("scheduled task ran off the loop")
			}
		case <-time.After(time.Second):
			t.Fatal("scheduled task did not run")
		}
	}

	if !task.Cancel() {
		t.Fatal("first Cancel returned false")
	}
	if task.Cancel() {
		t.Fatal("second Cancel returned true")
	}

	// Let anything already queued drain, then make sure nothing new runs.
	time.Sleep(20 * time.Millisecond)
	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != after {
		t.Fatalf("task ran %d times after Cancel", runs.Load()-after)
	}
}

func TestScheduleCancelledBeforeFire(t *testing.T) {
	l := New("test")
	l.Start()
	defer l.Stop()

	var ran atomic.Bool
	task := l.Schedule(20*time.Millisecond, func() { ran.Store(true) })
	task.Cancel()
	time.Sleep(40 * time.Millisecond)
	if ran.Load() {
		t.Fatal("cancelled task ran")
	}
}

func TestStopCancelsScheduled(t *testing.T) {
	l := New("test")
	l.Start()

	task := l.ScheduleAtFixedRate(time.Hour, time.Hour, func() {})
	l.Stop()

	deadline := time.After(time.Second)
	for !task.Cancelled() {
		select {
		case <-deadline:
			t.Fatal("task not cancelled by Stop")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestGroupRoundRobin(t *testing.T) {
	g := NewGroup("worker", 3)
	g.Start()
	defer g.Stop()

	seen := map[*Loop]int{}
	for i := 0; i < 9; i++ {
		seen[g.Next()]++
	}
	if len(seen) != 3 {
		t.Fatalf("Next used %d loops, want 3", len(seen))
	}
	for l, n := range seen {
		if n != 3 {
			t.Fatalf("loop %s picked %d times, want 3", l.Name(), n)
		}
	}
}
