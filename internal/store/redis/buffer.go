package redis

import (
	"context"
	"log"
	"sync"
)

const (
	kindPut   = "put"
	kindEvent = "event"
)

// pendingWrite is a write buffered during circuit-open state.
type pendingWrite struct {
	Kind string
	Key  string
	Data []byte
}

// WriteBuffer holds writes while the breaker is open, dropping the oldest
// when full.
type WriteBuffer struct {
	mu     sync.Mutex
	items  []pendingWrite
	maxBuf int

	// Callbacks
	OnBuffer func()          // called when a write is buffered (for metrics)
	OnFlush  func(count int) // called after flushing buffered writes
}

func newWriteBuffer(max int) *WriteBuffer {
	return &WriteBuffer{items: make([]pendingWrite, 0, 64), maxBuf: max}
}

func (b *WriteBuffer) add(w pendingWrite) {
	b.mu.Lock()
	if len(b.items) >= b.maxBuf {
		b.items = b.items[1:]
	}
	b.items = append(b.items, w)
	cb := b.OnBuffer
	b.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (b *WriteBuffer) take() []pendingWrite {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = make([]pendingWrite, 0, 64)
	return out
}

// Pending returns the number of buffered writes waiting to be flushed.
func (b *WriteBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// flush replays buffered writes in order. Writes that fail again are dropped
// and logged; the breaker will reopen and buffer new ones.
func (s *Store) flush(ctx context.Context) {
	items := s.buf.take()
	if len(items) == 0 {
		return
	}
	flushed := 0
	for _, w := range items {
		var err error
		switch w.Kind {
		case kindPut:
			err = s.client.Set(ctx, s.key(w.Key), w.Data, 0).Err()
		case kindEvent:
			err = s.xadd(ctx, w.Data)
		}
		if err != nil {
			log.Printf("[redis] flush %s %s failed: %v", w.Kind, w.Key, err)
			continue
		}
		flushed++
	}

	log.Printf("[redis] flushed %d buffered writes", flushed)
	if s.buf.OnFlush != nil {
		s.buf.OnFlush(flushed)
	}
}
