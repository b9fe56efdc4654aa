package node

import (
	"sync"
	"time"

	"FogMPC/pkg/core/identity"
)

// EventType 节点事件类型
type EventType string

const (
	EventJoin      EventType = "join"
	EventMove      EventType = "move"
	EventShareKey  EventType = "share_key"
	EventRevokeKey EventType = "revoke_key"
	EventRotateKey EventType = "rotate_key"
	EventReveal    EventType = "reveal"
)

// Event 推送给订阅方的事件。不包含任何坐标
type Event struct {
	Type     EventType         `json:"type"`
	Identity identity.Identity `json:"identity"`
	Target   identity.Identity `json:"target,omitempty"`
	Visible  bool              `json:"visible,omitempty"`
	Time     time.Time         `json:"time"`
}

// subscriberBuffer 每个订阅方的缓冲，满了丢弃
const subscriberBuffer = 64

// Hub 事件广播
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// NewHub 创建事件中心
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe 订阅事件，返回的函数用于取消订阅并关闭通道
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

// Publish 非阻塞广播，慢订阅方会丢事件
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers 当前订阅数
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
