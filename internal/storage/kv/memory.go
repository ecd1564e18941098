package kv

import (
	"context"
	"sync"
)

// MemoryHub 程序內共享的儲存空間，每個 Open() 代表一個分頁
type MemoryHub struct {
	mu       sync.Mutex
	data     map[string][]byte
	maxBytes int
	nextID   int
	watchers map[int]*memWatcher
	nextW    int
}

type memWatcher struct {
	owner int
	key   string
	box   *mailbox
}

// NewMemoryHub 建立共享空間，maxBytes <= 0 表示不限容量
func NewMemoryHub(maxBytes int) *MemoryHub {
	return &MemoryHub{
		data:     make(map[string][]byte),
		maxBytes: maxBytes,
		watchers: make(map[int]*memWatcher),
	}
}

// SetQuota 調整容量（測試用）
func (h *MemoryHub) SetQuota(maxBytes int) {
	h.mu.Lock()
	h.maxBytes = maxBytes
	h.mu.Unlock()
}

// Open 開啟一個分頁視角
func (h *MemoryHub) Open() *Memory {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return &Memory{hub: h, id: h.nextID}
}

// Memory 單一分頁對 MemoryHub 的存取
type Memory struct {
	hub    *MemoryHub
	id     int
	mu     sync.Mutex
	closed bool
	stops  []func()
}

func (m *Memory) Load(_ context.Context, key string) ([]byte, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	v, ok := m.hub.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Save(_ context.Context, key string, data []byte) error {
	if m.isClosed() {
		return ErrClosed
	}
	h := m.hub
	h.mu.Lock()
	if h.maxBytes > 0 && len(data) > h.maxBytes {
		h.mu.Unlock()
		return ErrQuotaExceeded
	}
	h.data[key] = append([]byte(nil), data...)

	var targets []*mailbox
	for _, w := range h.watchers {
		if w.key == key && w.owner != m.id {
			targets = append(targets, w.box)
		}
	}
	h.mu.Unlock()

	for _, box := range targets {
		box.post(data)
	}
	return nil
}

func (m *Memory) Watch(key string, fn func(data []byte)) func() {
	h := m.hub
	w := &memWatcher{owner: m.id, key: key, box: newMailbox(fn)}

	h.mu.Lock()
	h.nextW++
	wid := h.nextW
	h.watchers[wid] = w
	h.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.watchers, wid)
			h.mu.Unlock()
			w.box.stop()
		})
	}

	m.mu.Lock()
	m.stops = append(m.stops, stop)
	m.mu.Unlock()
	return stop
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	stops := m.stops
	m.stops = nil
	m.mu.Unlock()

	for _, s := range stops {
		s()
	}
	return nil
}

func (m *Memory) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
