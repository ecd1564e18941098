// Package outbox 無界事件佇列：Push 永不因消費者緩慢而阻塞，輸出保持順序
package outbox

import (
	"sync"

	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// Outbox 無界事件佇列
type Outbox struct {
	mu     sync.Mutex
	queue  []types.Event
	closed bool
	signal chan struct{}
	out    chan types.Event
}

// New 建立佇列並啟動輸出 goroutine
func New() *Outbox {
	b := &Outbox{
		signal: make(chan struct{}, 1),
		out:    make(chan types.Event),
	}
	go b.pump()
	return b
}

// C 事件輸出 channel；Close 後送完剩餘事件即關閉
func (b *Outbox) C() <-chan types.Event {
	return b.out
}

// Push 加入事件；關閉後丟棄
func (b *Outbox) Push(ev types.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
	b.wake()
}

// Close 送完剩餘事件後關閉輸出；可重複呼叫
func (b *Outbox) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wake()
}

func (b *Outbox) wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *Outbox) pump() {
	defer close(b.out)
	for {
		b.mu.Lock()
		batch := b.queue
		b.queue = nil
		closed := b.closed
		b.mu.Unlock()

		for _, ev := range batch {
			b.out <- ev
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-b.signal
	}
}
