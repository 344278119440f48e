package lock

import (
	"log"
	"sort"
	"sync"
	"time"
)

const (
	DefaultTTL = 30 * time.Second
	MaxTTL     = 5 * time.Minute
)

// Key 锁的唯一键：(documentId, entityType, entityId)
type Key struct {
	DocumentID string `json:"documentId"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

type Lock struct {
	DocumentID string    `json:"documentId"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	OwnerID    string    `json:"ownerId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (l Lock) Key() Key {
	return Key{DocumentID: l.DocumentID, EntityType: l.EntityType, EntityID: l.EntityID}
}

// AcquireResult 是结构化的结果，不是 error：锁冲突属于正常业务分支
// - Granted=true:  ExpiresAt 为新的过期时间
// - Granted=false: Holder 为当前持有者，ExpiresAt 为其锁的过期时间
type AcquireResult struct {
	Granted   bool      `json:"granted"`
	Holder    string    `json:"holder,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type ChangeKind string

const (
	ChangeAcquired  ChangeKind = "acquired"
	ChangeRefreshed ChangeKind = "refreshed"
	ChangeReleased  ChangeKind = "released"
	ChangeExpired   ChangeKind = "expired"
)

// Change 锁状态变化通知（在锁外回调）
type Change struct {
	Kind ChangeKind
	Lock Lock
}

// Manager：内存锁表，按句柄持有，不用全局变量。
// 所有读写都在同一把互斥锁下串行；过期清理是惰性的，每次调用 O(n) 扫一遍。
// n 是单个进程内所有文档的实体数，规模小时可以接受，规模大了要换成按 expiresAt 的最小堆。
type Manager struct {
	mu       sync.Mutex
	locks    map[Key]Lock
	handlers []func(Change)

	now        func() time.Time
	defaultTTL time.Duration
	maxTTL     time.Duration
}

type Option func(*Manager)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.defaultTTL = ttl
		}
	}
}

func WithMaxTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.maxTTL = ttl
		}
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		locks:      make(map[Key]Lock),
		now:        time.Now,
		defaultTTL: DefaultTTL,
		maxTTL:     MaxTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire 获取或续期锁。
// - 无有效锁：授予
// - 有效锁属于 ownerID：续期（延长 expiresAt），仍然 Granted
// - 有效锁属于别人：拒绝，返回当前持有者，锁不变
func (m *Manager) Acquire(key Key, ownerID string, ttl time.Duration) AcquireResult {
	ttl = m.clampTTL(ttl)

	m.mu.Lock()
	now := m.now()
	changes := m.sweepLocked(now)

	var res AcquireResult
	existing, ok := m.locks[key]
	switch {
	case ok && existing.OwnerID != ownerID:
		res = AcquireResult{Granted: false, Holder: existing.OwnerID, ExpiresAt: existing.ExpiresAt}
	case ok:
		existing.ExpiresAt = now.Add(ttl)
		m.locks[key] = existing
		res = AcquireResult{Granted: true, ExpiresAt: existing.ExpiresAt}
		changes = append(changes, Change{Kind: ChangeRefreshed, Lock: existing})
	default:
		l := Lock{
			DocumentID: key.DocumentID,
			EntityType: key.EntityType,
			EntityID:   key.EntityID,
			OwnerID:    ownerID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		m.locks[key] = l
		res = AcquireResult{Granted: true, ExpiresAt: l.ExpiresAt}
		changes = append(changes, Change{Kind: ChangeAcquired, Lock: l})
	}
	m.mu.Unlock()

	m.notify(changes)
	return res
}

// Release 幂等：锁不存在直接当作已释放；别人的锁不动，只打一条 warning
func (m *Manager) Release(key Key, ownerID string) {
	m.mu.Lock()
	changes := m.sweepLocked(m.now())
	existing, ok := m.locks[key]
	if ok && existing.OwnerID == ownerID {
		delete(m.locks, key)
		changes = append(changes, Change{Kind: ChangeReleased, Lock: existing})
	}
	m.mu.Unlock()

	if ok && existing.OwnerID != ownerID {
		log.Printf("lock: ignore release of %s/%s/%s by %s, held by %s",
			key.DocumentID, key.EntityType, key.EntityID, ownerID, existing.OwnerID)
	}
	m.notify(changes)
}

// ReleaseAll 释放 ownerID 在某文档上持有的全部锁（连接关闭/文档关闭时调用）
func (m *Manager) ReleaseAll(documentID, ownerID string) []Key {
	m.mu.Lock()
	changes := m.sweepLocked(m.now())
	var released []Key
	for k, l := range m.locks {
		if k.DocumentID == documentID && l.OwnerID == ownerID {
			delete(m.locks, k)
			released = append(released, k)
			changes = append(changes, Change{Kind: ChangeReleased, Lock: l})
		}
	}
	m.mu.Unlock()

	sortKeys(released)
	m.notify(changes)
	return released
}

// Query 单个实体的锁状态，先清理过期锁
func (m *Manager) Query(key Key) (Lock, bool) {
	m.mu.Lock()
	changes := m.sweepLocked(m.now())
	l, ok := m.locks[key]
	m.mu.Unlock()

	m.notify(changes)
	return l, ok
}

// QueryAll 某文档下的全部有效锁，按 (entityType, entityId) 排序
func (m *Manager) QueryAll(documentID string) []Lock {
	m.mu.Lock()
	changes := m.sweepLocked(m.now())
	out := make([]Lock, 0)
	for k, l := range m.locks {
		if k.DocumentID == documentID {
			out = append(out, l)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].EntityID < out[j].EntityID
	})
	m.notify(changes)
	return out
}

// HeldBy 提交前校验：ownerID 是否持有该实体的有效锁
func (m *Manager) HeldBy(key Key, ownerID string) bool {
	l, ok := m.Query(key)
	return ok && l.OwnerID == ownerID
}

// Watch 注册锁状态变化回调。回调在锁外执行，可以安全地回调 Query 等方法。
func (m *Manager) Watch(handler func(Change)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// sweepLocked 惰性清理：删除所有 expiresAt <= now 的锁
func (m *Manager) sweepLocked(now time.Time) []Change {
	var expired []Change
	for k, l := range m.locks {
		if !now.Before(l.ExpiresAt) {
			delete(m.locks, k)
			expired = append(expired, Change{Kind: ChangeExpired, Lock: l})
		}
	}
	return expired
}

func (m *Manager) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	m.mu.Lock()
	handlers := make([]func(Change), len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, c := range changes {
		for _, h := range handlers {
			h(c)
		}
	}
}

func (m *Manager) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return m.defaultTTL
	}
	if ttl > m.maxTTL {
		return m.maxTTL
	}
	return ttl
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].EntityType != keys[j].EntityType {
			return keys[i].EntityType < keys[j].EntityType
		}
		return keys[i].EntityID < keys[j].EntityID
	})
}
