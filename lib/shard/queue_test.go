package shard

import (
	"sync"
	"testing"
	"time"
)

// TestQueueFIFOSingleProducer tests push and receive with one producer
func TestQueueFIFOSingleProducer(t *testing.T) {
	q := NewMPSC[int]()
	defer q.Close()

	for i := 0; i < 100; i++ {
		if !q.Push(i) {
			t.Fatalf("Failed to push item %d", i)
		}
	}

	for i := 0; i < 100; i++ {
		select {
		case v := <-q.Recv():
			if v != i {
				t.Errorf("Expected %d, got %d", i, v)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("Timeout waiting for item %d", i)
		}
	}
}

// TestQueueConcurrentProducers verifies that no item is lost or duplicated
func TestQueueConcurrentProducers(t *testing.T) {
	q := NewMPSC[int]()
	defer q.Close()

	const producers = 8
	const perProducer = 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(p*perProducer + i)
			}
		}(p)
	}

	seen := make(map[int]bool, producers*perProducer)
	for len(seen) < producers*perProducer {
		select {
		case v := <-q.Recv():
			if seen[v] {
				t.Fatalf("Duplicate item %d", v)
			}
			seen[v] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("Timeout, received %d items", len(seen))
		}
	}
	wg.Wait()
}

// TestQueueCloseDrains checks that pending items are delivered after Close
func TestQueueCloseDrains(t *testing.T) {
	q := NewMPSC[int]()
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	q.Close()

	if q.Push(99) {
		t.Fatalf("Push succeeded on closed queue")
	}
	if !q.IsClosed() {
		t.Fatalf("Queue should report closed")
	}

	count := 0
	for range q.Recv() {
		count++
	}
	if count != 5 {
		t.Errorf("Expected 5 drained items, got %d", count)
	}
}
