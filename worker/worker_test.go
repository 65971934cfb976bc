package worker_test

import (
	"sync"
	"testing"
	"time"

	"github.com/coapcore/coapd/packet"
	"github.com/coapcore/coapd/worker"
)

func TestWorkerProcessesTasksInOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []uint16

	w := worker.New(func(p *packet.Packet) {
		mu.Lock()
		seen = append(seen, p.MessageID)
		mu.Unlock()
	})
	defer w.Stop()

	for i := uint16(1); i <= 5; i++ {
		w.SubmitTask(packet.New(packet.CON, packet.GET, i, nil))
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for tasks, got %d/5", n)
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, id := range seen {
		if id != uint16(i+1) {
			t.Fatalf("out of order processing: %v", seen)
		}
	}
}

func TestWorkerIsHeavilyLoaded(t *testing.T) {
	block := make(chan struct{})
	w := worker.New(func(p *packet.Packet) { <-block })
	defer func() {
		close(block)
		w.Stop()
	}()

	for i := 0; i < worker.HeavyLoadThreshold+2; i++ {
		w.SubmitTask(packet.New(packet.CON, packet.GET, uint16(i), nil))
	}

	deadline := time.Now().Add(time.Second)
	for w.GetQueueSize() <= worker.HeavyLoadThreshold {
		if time.Now().After(deadline) {
			t.Fatalf("queue never grew past threshold, size=%d", w.GetQueueSize())
		}
		time.Sleep(time.Millisecond)
	}

	if !w.IsHeavilyLoaded() {
		t.Fatalf("expected worker to report heavily loaded")
	}
}

func TestWorkerIdleTimeGrows(t *testing.T) {
	w := worker.New(func(p *packet.Packet) {})
	defer w.Stop()

	w.SubmitTask(packet.New(packet.CON, packet.GET, 1, nil))
	time.Sleep(5 * time.Millisecond)

	if w.GetIdleTime() <= 0 {
		t.Fatalf("expected positive idle time, got %v", w.GetIdleTime())
	}
}
