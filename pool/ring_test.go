// File: pool/ring_test.go
// Author: momentics <momentics@gmail.com>

package pool

import (
	"runtime"
	"sync"
	"testing"
)

func TestRingBufferCorrectness(t *testing.T) {
	r := NewRingBuffer[int](16)
	for i := 0; i < 16; i++ {
		if !r.Enqueue(i) {
			t.Fatalf("enqueue failed at %d", i)
		}
	}
	if r.Len() != r.Cap() {
		t.Fatalf("len = %d, want full (%d)", r.Len(), r.Cap())
	}
	if r.Enqueue(99) {
		t.Fatalf("enqueue must fail once full")
	}
	for i := 0; i < 16; i++ {
		val, ok := r.Dequeue()
		if !ok || val != i {
			t.Fatalf("expected %d, got %d (ok=%v)", i, val, ok)
		}
	}
	if r.Len() != 0 {
		t.Fatalf("len = %d, want 0 after full drain", r.Len())
	}
	if _, ok := r.Dequeue(); ok {
		t.Fatalf("dequeue on empty ring must report ok=false")
	}
}

func TestRingBufferConcurrentProducersConsumer(t *testing.T) {
	r := NewRingBuffer[int](128)
	const producers, items = 4, 1000
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < items; i++ {
				for !r.Enqueue(base*items + i) {
					runtime.Gosched()
				}
			}
		}(p)
	}
	got := make(map[int]struct{})
	readDone := make(chan struct{})
	go func() {
		count := 0
		for count < producers*items {
			if val, ok := r.Dequeue(); ok {
				got[val] = struct{}{}
				count++
			} else {
				runtime.Gosched()
			}
		}
		close(readDone)
	}()
	wg.Wait()
	<-readDone
	if len(got) != producers*items {
		t.Fatalf("expected %d unique values, got %d", producers*items, len(got))
	}
}
