// Package logbuffer is the Request Log Buffer (spec.md §4.C): a bounded
// in-memory ring that decouples the hot proxy path from durable storage.
// Enqueue never blocks and never touches disk; a background goroutine
// drains the ring into the operational store in batches.
package logbuffer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/codex-lb/codex-lb/internal/model"
)

// Sink is the durable destination for flushed batches.
type Sink interface {
	AppendRequestLogs(ctx context.Context, logs []model.RequestLog) error
}

// Buffer is a bounded ring buffer with a background batched flusher,
// modeled on the ticker/stopCh worker idiom used for background services
// in this codebase.
type Buffer struct {
	sink Sink

	capacity      int
	flushBatch    int
	flushInterval time.Duration

	mu      sync.Mutex
	items   []model.RequestLog
	dropped uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config holds the buffer's tunables, set from internal/config.LogConfig.
type Config struct {
	Capacity      int
	FlushBatch    int
	FlushInterval time.Duration
}

func New(sink Sink, cfg Config) *Buffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = 200
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	return &Buffer{
		sink:          sink,
		capacity:      cfg.Capacity,
		flushBatch:    cfg.FlushBatch,
		flushInterval: cfg.FlushInterval,
		items:         make([]model.RequestLog, 0, cfg.Capacity),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (b *Buffer) Start() {
	b.wg.Add(1)
	go b.flushLoop()
}

// Stop signals the flush loop to exit after one final flush.
func (b *Buffer) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

// Enqueue appends a log entry. It never blocks: if the ring is at
// capacity, the oldest entry is dropped and the drop counter increments.
func (b *Buffer) Enqueue(entry model.RequestLog) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) >= b.capacity {
		b.items = b.items[1:]
		b.dropped++
	}
	b.items = append(b.items, entry)
}

// Dropped returns the number of entries dropped due to overflow since
// start, for the debug/dashboard surface.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Len reports how many entries are currently buffered, unflushed.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *Buffer) flushLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushReady()
		case <-b.stopCh:
			b.flushAll()
			return
		}
	}
}

// flushReady drains up to flushBatch entries on each interval tick. The
// tick is the only periodic trigger: reaching flushBatch buffered entries
// does not flush early, and at most one batch is delivered per tick.
func (b *Buffer) flushReady() {
	batch := b.drain(b.flushBatch)
	if len(batch) == 0 {
		return
	}
	b.deliver(batch)
}

// flushAll drains everything, used on shutdown so no buffered entry is
// silently lost.
func (b *Buffer) flushAll() {
	for {
		batch := b.drain(b.flushBatch)
		if len(batch) == 0 {
			return
		}
		b.deliver(batch)
	}
}

func (b *Buffer) drain(max int) []model.RequestLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil
	}
	n := max
	if n > len(b.items) {
		n = len(b.items)
	}
	batch := make([]model.RequestLog, n)
	copy(batch, b.items[:n])
	b.items = b.items[n:]
	return batch
}

// deliver flushes one batch, retrying with backoff on failure so a
// transient storage error doesn't drop the batch outright.
func (b *Buffer) deliver(batch []model.RequestLog) {
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := b.sink.AppendRequestLogs(ctx, batch)
		cancel()
		if err == nil {
			return
		}
		log.Printf("logbuffer: flush attempt %d failed: %v", attempt+1, err)
		time.Sleep(backoff)
		backoff *= 2
	}
	log.Printf("logbuffer: dropping batch of %d entries after repeated flush failures", len(batch))
}
