package sched

import (
	"testing"

	"github.com/Lon60/slopos-sub001/kernel/task"
)

func TestReadyQueueFIFO(t *testing.T) {
	var q readyQueue

	a, b, c := newFake(1), newFake(2), newFake(3)
	for _, r := range []Runnable{a, b, c} {
		if err := q.enqueue(r); err != nil {
			t.Fatal(err)
		}
	}

	if q.len() != 3 {
		t.Fatalf("expected len 3, got %d", q.len())
	}
	for _, want := range []Runnable{a, b, c} {
		if got := q.dequeue(); got != want {
			t.Fatalf("dequeued %v, want %v", got, want)
		}
	}
	if q.dequeue() != nil {
		t.Fatal("empty queue must dequeue nil")
	}
}

func TestReadyQueueRejectsDuplicates(t *testing.T) {
	var q readyQueue

	a := newFake(1)
	q.enqueue(a)
	if err := q.enqueue(a); err != nil {
		t.Fatal(err)
	}
	if q.len() != 1 {
		t.Fatalf("a task may appear at most once, len=%d", q.len())
	}
}

func TestReadyQueueFull(t *testing.T) {
	var q readyQueue

	for i := 0; i < ReadyQueueCapacity; i++ {
		if err := q.enqueue(newFake(task.ID(i + 1))); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}
	if err := q.enqueue(newFake(9999)); err != ErrReadyQueueFull {
		t.Fatalf("expected ErrReadyQueueFull, got %v", err)
	}
}

func TestReadyQueueRemoveShifts(t *testing.T) {
	var q readyQueue

	a, b, c, d := newFake(1), newFake(2), newFake(3), newFake(4)
	for _, r := range []Runnable{a, b, c, d} {
		q.enqueue(r)
	}

	q.remove(b)

	if q.len() != 3 {
		t.Fatalf("expected len 3 after remove, got %d", q.len())
	}
	for _, want := range []Runnable{a, c, d} {
		if got := q.dequeue(); got != want {
			t.Fatalf("dequeued %v, want %v", got, want)
		}
	}

	// Removing an unknown task is a no-op
	q.remove(newFake(77))
}

func TestReadyQueueWrapAround(t *testing.T) {
	var q readyQueue

	// Force head to travel: fill, drain half, refill
	fakes := make([]Runnable, 0, ReadyQueueCapacity+8)
	for i := 0; i < ReadyQueueCapacity; i++ {
		f := newFake(task.ID(i + 1))
		fakes = append(fakes, f)
		q.enqueue(f)
	}
	for i := 0; i < ReadyQueueCapacity/2; i++ {
		q.dequeue()
	}
	for i := 0; i < 8; i++ {
		f := newFake(task.ID(1000 + i))
		fakes = append(fakes, f)
		if err := q.enqueue(f); err != nil {
			t.Fatalf("wrap enqueue %d failed: %v", i, err)
		}
	}

	want := append(fakes[ReadyQueueCapacity/2:ReadyQueueCapacity], fakes[ReadyQueueCapacity:]...)
	for i, exp := range want {
		if got := q.dequeue(); got != exp {
			t.Fatalf("position %d: dequeued %v, want %v", i, got, exp)
		}
	}
}
