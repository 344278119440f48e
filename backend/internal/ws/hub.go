package ws

import (
	"log"
	"sync"
	"sync/atomic"

	"drillCollab/backend/internal/cache"
	"drillCollab/backend/internal/collab"
)

const DefaultSubscriptionBuffer = 64

// Subscription 一个客户端对一个文档的订阅。
// Events 是有界缓冲通道，Hub 关闭它表示订阅结束。
type Subscription struct {
	DocumentID string
	ClientID   string
	UserID     string

	events  chan collab.ChangeEvent
	dropped atomic.Uint64
}

func (s *Subscription) Events() <-chan collab.ChangeEvent { return s.events }

// Dropped 因缓冲区满被丢弃的事件数
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Hub 按文档分房间做变更扇出。
// - 一个用户可开多个标签页/设备（多订阅）；广播要逐订阅发，不能只按 userID 发一次
// - Publish 永远不阻塞：订阅者缓冲区满时丢弃该条并计数（至多一次，不重发）
// - 同一订阅者内按 Publish 顺序 FIFO，跨订阅者不保证顺序
type Hub struct {
	presence cache.PresenceCache

	// 保护 rooms；Publish 持读锁发送，Unsubscribe 持写锁关闭通道，二者互斥，不会向已关闭通道发送
	mu    sync.RWMutex
	rooms map[string]map[*Subscription]struct{}

	bufferSize int
}

type HubOption func(*Hub)

func WithSubscriptionBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// presence 可以为 nil（不记录在线编辑者）
func NewHub(p cache.PresenceCache, opts ...HubOption) *Hub {
	h := &Hub{
		presence:   p,
		rooms:      make(map[string]map[*Subscription]struct{}),
		bufferSize: DefaultSubscriptionBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Presence() cache.PresenceCache { return h.presence }

// Subscribe 加入文档房间
func (h *Hub) Subscribe(docID, clientID, userID string) *Subscription {
	sub := &Subscription{
		DocumentID: docID,
		ClientID:   clientID,
		UserID:     userID,
		events:     make(chan collab.ChangeEvent, h.bufferSize),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Subscription]struct{})
	}
	h.rooms[docID][sub] = struct{}{}
	return sub
}

// Unsubscribe 离开房间并关闭事件通道，重复调用无副作用
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.rooms[sub.DocumentID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.events)
	if len(subs) == 0 {
		delete(h.rooms, sub.DocumentID)
	}
}

// Publish 把事件推给文档内除作者（evt.UserID）以外的所有订阅者，返回成功入队的数量。
// 作者自己的其他标签页同样不推送：作者端通过提交 ack 得知结果。
func (h *Hub) Publish(docID string, evt collab.ChangeEvent) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for sub := range h.rooms[docID] {
		if evt.UserID != "" && sub.UserID == evt.UserID {
			continue
		}
		select {
		case sub.events <- evt:
			delivered++
		default:
			n := sub.dropped.Add(1)
			log.Printf("hub: subscriber buffer full, drop event doc=%s client=%s type=%s dropped=%d",
				docID, sub.ClientID, evt.Type, n)
		}
	}
	return delivered
}

// Subscribers 当前房间订阅数
func (h *Hub) Subscribers(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}

// UserSubscriptions 某用户在该文档上仍然存在的订阅数（多标签页）
func (h *Hub) UserSubscriptions(docID, userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for sub := range h.rooms[docID] {
		if sub.UserID == userID {
			n++
		}
	}
	return n
}
