package workqueue

import (
	"context"
	"testing"
	"time"
)

func TestPushThenGetNextWork(t *testing.T) {
	q := New()
	q.Push(Item{Payload: []byte(`{"workflowId":"w1"}`)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	item, ok := q.GetNextWork(ctx)
	if !ok {
		t.Fatalf("expected an item")
	}
	if string(item.Payload) != `{"workflowId":"w1"}` {
		t.Fatalf("unexpected payload: %s", item.Payload)
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be empty after pop, got len %d", q.Len())
	}
}

func TestGetNextWorkBlocksUntilPush(t *testing.T) {
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result := make(chan Item, 1)
	go func() {
		item, ok := q.GetNextWork(ctx)
		if ok {
			result <- item
		}
		close(result)
	}()

	time.Sleep(50 * time.Millisecond)
	q.Push(Item{Payload: []byte("later")})

	select {
	case item := <-result:
		if string(item.Payload) != "later" {
			t.Fatalf("unexpected payload: %s", item.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("GetNextWork did not wake on push")
	}
}

func TestGetNextWorkRespectsContextTimeout(t *testing.T) {
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, ok := q.GetNextWork(ctx)
	if ok {
		t.Fatalf("expected no item")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("GetNextWork took too long to honor context timeout")
	}
}

func TestQueueFIFOOrder(t *testing.T) {
	q := New()
	q.Push(Item{Payload: []byte("1")})
	q.Push(Item{Payload: []byte("2")})
	q.Push(Item{Payload: []byte("3")})

	ctx := context.Background()
	for _, want := range []string{"1", "2", "3"} {
		item, ok := q.GetNextWork(ctx)
		if !ok || string(item.Payload) != want {
			t.Fatalf("got %q, want %q", item.Payload, want)
		}
	}
}

func TestCloseUnblocksConsumer(t *testing.T) {
	q := New()
	ctx := context.Background()

	result := make(chan bool, 1)
	go func() {
		_, ok := q.GetNextWork(ctx)
		result <- ok
	}()

	time.Sleep(50 * time.Millisecond)
	q.Close()

	select {
	case ok := <-result:
		if ok {
			t.Fatalf("expected no item after close")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock consumer")
	}
}
