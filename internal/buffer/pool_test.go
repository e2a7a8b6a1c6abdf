package buffer

import "testing"

func TestPoolOutstanding(t *testing.T) {
	p := NewPool(4, 128)

	a := p.Get()
	b := p.Copy([]byte("hello"))
	if got := p.Outstanding(); got != 2 {
		t.Fatalf("outstanding = %d, want 2", got)
	}
	if string(b.Bytes()) != "hello" {
		t.Fatalf("copy = %q", b.Bytes())
	}

	a.Release()
	b.Release()
	if got := p.Outstanding(); got != 0 {
		t.Fatalf("outstanding after release = %d, want 0", got)
	}
	if !a.Released() {
		t.Fatal("Released() = false after Release")
	}
}

func TestReleaseTwicePanics(t *testing.T) {
	p := NewPool(1, 64)
	b := p.Get()
	b.Release()

	defer func() {
		if recover() == nil {
			t.Fatal("second Release did not panic")
		}
	}()
	b.Release()
}

func TestWrapIsNotPooled(t *testing.T) {
	b := Wrap([]byte{1, 2, 3})
	if b.Len() != 3 {
		t.Fatalf("len = %d", b.Len())
	}
	b.Release()
	if !b.Released() {
		t.Fatal("wrapped buffer not marked released")
	}
}

func TestReusedBufferIsEmpty(t *testing.T) {
	p := NewPool(1, 64)
	b := p.Get()
	b.Write([]byte("stale"))
	b.Release()

	c := p.Get()
	defer c.Release()
	if c.Len() != 0 {
		t.Fatalf("reused buffer holds %d bytes", c.Len())
	}
}
