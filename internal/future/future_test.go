package future

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCompleteOnce(t *testing.T) {
	f := New[int]()
	if !f.Complete(1) {
		t.Fatal("first Complete returned false")
	}
	if f.Complete(2) || f.Fail(errors.New("late")) {
		t.Fatal("second completion accepted")
	}

	v, err := f.Await(context.Background())
	if v != 1 || err != nil {
		t.Fatalf("Await = %d, %v", v, err)
	}
}

func TestFailAndListeners(t *testing.T) {
	f := New[string]()
	boom := errors.New("boom")

	var got []error
	f.OnComplete(func(_ string, err error) { got = append(got, err) })
	f.Fail(boom)
	f.OnComplete(func(_ string, err error) { got = append(got, err) })

	if len(got) != 2 || got[0] != boom || got[1] != boom {
		t.Fatalf("listeners saw %v", got)
	}
}

func TestAwaitContext(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := f.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if _, _, done := f.Result(); done {
		t.Fatal("future completed by Await timeout")
	}
}

func TestConcurrentCompletion(t *testing.T) {
	f := New[int]()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if f.Complete(i) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
}

func TestCancel(t *testing.T) {
	f := New[int]()
	f.Cancel()
	if _, err := f.Await(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}
