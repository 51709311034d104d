package rng

import (
	"context"
	"testing"
	"time"
)

func TestEntropyPoolDeterministic(t *testing.T) {
	var a, b entropyPool

	tickSeq := func() func() bool {
		i := 0
		return func() bool {
			i++
			return i%2 == 0
		}
	}

	for i := 0; i < 32; i++ {
		a.add(byte(i*7), i%3 == 0)
		b.add(byte(i*7), i%3 == 0)
	}

	if a.output(tickSeq()) != b.output(tickSeq()) {
		t.Fatalf("identical input sequences produced different outputs")
	}
}

func TestTinyMTNotAllZeroAfterInit(t *testing.T) {
	tm := newTinyMT(0)
	if tm.s[0] == 0 && tm.s[1] == 0 && tm.s[2] == 0 && tm.s[3] == 0 {
		t.Fatalf("tinyMT state is all-zero after init")
	}
}

func TestTinyMTStepAdvancesState(t *testing.T) {
	tm := newTinyMT(1)
	v1 := tm.value()
	tm.step()
	v2 := tm.value()
	if v1 == v2 {
		t.Fatalf("value() did not change across step()")
	}
}

func TestRingBlocksWhenEmpty(t *testing.T) {
	r := newRing()
	done := make(chan uint32, 1)
	go func() { done <- r.get() }()

	select {
	case <-done:
		t.Fatalf("get() returned before any put()")
	case <-time.After(20 * time.Millisecond):
	}

	r.put(42)
	if got := <-done; got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestRingFIFOOrder(t *testing.T) {
	r := newRing()
	for i := uint32(0); i < ringCapacity; i++ {
		r.put(i)
	}
	for i := uint32(0); i < ringCapacity; i++ {
		if got := r.get(); got != i {
			t.Fatalf("get() = %d, want %d", got, i)
		}
	}
}

func TestRingFlushDiscardsBuffered(t *testing.T) {
	r := newRing()
	r.put(1)
	r.put(2)
	r.flush()

	done := make(chan uint32, 1)
	go func() { done <- r.get() }()

	select {
	case <-done:
		t.Fatalf("get() returned after flush with no new put()")
	case <-time.After(20 * time.Millisecond):
	}

	r.put(99)
	if got := <-done; got != 99 {
		t.Fatalf("got %d, want 99", got)
	}
}

func TestSourceGetBytesSingleBorrow(t *testing.T) {
	src := New(ADCSim{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src.Init(ctx)
	defer src.Stop()

	b := src.GetBytes()
	if len(b) != 32 {
		t.Fatalf("len(GetBytes()) = %d, want 32", len(b))
	}

	blocked := make(chan struct{})
	go func() {
		src.GetBytes()
		close(blocked)
	}()

	select {
	case <-blocked:
		t.Fatalf("second GetBytes() returned before FreeBytes()")
	case <-time.After(20 * time.Millisecond):
	}

	src.FreeBytes()

	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatalf("second GetBytes() never returned after FreeBytes()")
	}
	src.FreeBytes()
}

func TestSourceFreeBytesZeroes(t *testing.T) {
	src := New(ADCSim{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src.Init(ctx)
	defer src.Stop()

	src.GetBytes()
	src.FreeBytes()

	for _, v := range src.buf {
		if v != 0 {
			t.Fatalf("buffer not zeroed after FreeBytes")
		}
	}
}

func TestSourceFillKey(t *testing.T) {
	src := New(ADCSim{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src.Init(ctx)
	defer src.Stop()

	k := src.FillKey(48)
	if len(k) != 48 {
		t.Fatalf("len(FillKey(48)) = %d, want 48", len(k))
	}
}
