package replay

import (
	"sync"
	"testing"

	"github.com/mistakeknot/flotilla/internal/core"
)

func TestDrainAllPreservesOrder(t *testing.T) {
	q := NewQueues()
	for i := int64(1); i <= 3; i++ {
		q.Enqueue("+100", core.Envelope{Sender: "+900", Timestamp: i})
	}

	got := q.DrainAll("+100")
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, env := range got {
		if env.Timestamp != int64(i+1) {
			t.Fatalf("entry %d out of order: %d", i, env.Timestamp)
		}
	}
	if q.Len("+100") != 0 {
		t.Fatalf("queue not emptied: %d", q.Len("+100"))
	}
	if again := q.DrainAll("+100"); again != nil {
		t.Fatalf("second drain should be empty, got %d", len(again))
	}
}

func TestQueuesAreIndependent(t *testing.T) {
	q := NewQueues()
	q.Enqueue("+100", core.Envelope{Sender: "+900", Timestamp: 1})
	q.Enqueue("+200", core.Envelope{Sender: "+900", Timestamp: 2})

	if got := q.DrainAll("+100"); len(got) != 1 {
		t.Fatalf("expected 1 entry for +100, got %d", len(got))
	}
	if q.Len("+200") != 1 {
		t.Fatal("draining +100 touched +200")
	}
}

func TestNoDeduplication(t *testing.T) {
	q := NewQueues()
	env := core.Envelope{Sender: "+900", Timestamp: 7}
	q.Enqueue("+100", env)
	q.Enqueue("+100", env)
	if got := q.DrainAll("+100"); len(got) != 2 {
		t.Fatalf("duplicates must be kept, got %d entries", len(got))
	}
}

func TestConcurrentEnqueueDuringDrainLosesNothing(t *testing.T) {
	q := NewQueues()
	const writers = 8
	const perWriter = 200

	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				q.Enqueue("+100", core.Envelope{Sender: "+900", Timestamp: int64(w*perWriter + i)})
			}
		}(w)
	}

	stop := make(chan struct{})
	counted := make(chan int, 1)
	go func() {
		total := 0
		for {
			select {
			case <-stop:
				counted <- total
				return
			default:
				total += len(q.DrainAll("+100"))
			}
		}
	}()

	wg.Wait()
	close(stop)
	total := <-counted
	// Final drain picks up whatever the background drainer missed.
	total += len(q.DrainAll("+100"))
	if total != writers*perWriter {
		t.Fatalf("lost entries: drained %d of %d", total, writers*perWriter)
	}
}
