package client

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"
)

const (
	DefaultLockTTL  = 30 * time.Second
	refreshFraction = 0.8
	refreshTimeout  = 5 * time.Second
)

var ErrSessionClosed = errors.New("lock session closed")

// LockGrant 加锁结果；Granted=false 时 Holder 为当前持有者
type LockGrant struct {
	Granted   bool
	Holder    string
	ExpiresAt time.Time
}

// LockAPI 服务端锁接口（APIClient 实现）
type LockAPI interface {
	AcquireLock(ctx context.Context, entityType, entityID string, ttl time.Duration) (LockGrant, error)
	ReleaseLock(ctx context.Context, entityType, entityID string) error
}

type heldLock struct {
	expiresAt time.Time
	stop      func() bool
}

// LockSession 一个编辑会话持有的锁：
// - 加锁成功后在剩余租期的 80% 处自动续期，直到释放
// - 续期被拒（锁已被别人拿走）时通过 OnLost 通知
// - Close 确定性地释放所有锁，之后不能再加锁
type LockSession struct {
	api LockAPI
	ttl time.Duration
	now func() time.Time
	// afterFunc 定时回调，返回取消函数；默认 time.AfterFunc
	afterFunc func(d time.Duration, f func()) func() bool

	mu     sync.Mutex
	held   map[EntityRef]*heldLock
	closed bool
	onLost func(ref EntityRef, holder string)
}

type LockSessionOption func(*LockSession)

func WithLockTTL(ttl time.Duration) LockSessionOption {
	return func(s *LockSession) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithSessionClock(now func() time.Time, afterFunc func(d time.Duration, f func()) func() bool) LockSessionOption {
	return func(s *LockSession) {
		s.now = now
		s.afterFunc = afterFunc
	}
}

func OnLockLost(fn func(ref EntityRef, holder string)) LockSessionOption {
	return func(s *LockSession) { s.onLost = fn }
}

func NewLockSession(api LockAPI, opts ...LockSessionOption) *LockSession {
	s := &LockSession{
		api:  api,
		ttl:  DefaultLockTTL,
		now:  time.Now,
		held: make(map[EntityRef]*heldLock),
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire 加锁（或续期已持有的锁）。被别人持有时返回 Granted=false，不算错误
func (s *LockSession) Acquire(ctx context.Context, ref EntityRef) (LockGrant, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return LockGrant{}, ErrSessionClosed
	}
	s.mu.Unlock()

	grant, err := s.api.AcquireLock(ctx, ref.Type, ref.ID, s.ttl)
	if err != nil {
		return LockGrant{}, err
	}
	if !grant.Granted {
		return grant, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// 会话在请求途中被关闭：立刻归还
		go s.releaseRemote(ref)
		return LockGrant{}, ErrSessionClosed
	}
	s.scheduleLocked(ref, grant.ExpiresAt)
	return grant, nil
}

// Held 当前持有的锁，按 (type, id) 排序
func (s *LockSession) Held() []EntityRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

func (s *LockSession) Release(ctx context.Context, ref EntityRef) error {
	s.mu.Lock()
	h, ok := s.held[ref]
	if ok {
		h.stop()
		delete(s.held, ref)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.api.ReleaseLock(ctx, ref.Type, ref.ID)
}

// Close 停止所有续期并释放所有锁，返回遇到的第一个错误（其余锁仍会尝试释放）
func (s *LockSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	refs := s.sortedLocked()
	for _, ref := range refs {
		s.held[ref].stop()
		delete(s.held, ref)
	}
	s.mu.Unlock()

	var firstErr error
	for _, ref := range refs {
		if err := s.api.ReleaseLock(ctx, ref.Type, ref.ID); err != nil {
			log.Printf("client: release lock %s/%s failed: %v", ref.Type, ref.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// scheduleLocked 在剩余租期的 80% 处安排续期
func (s *LockSession) scheduleLocked(ref EntityRef, expiresAt time.Time) {
	if old, ok := s.held[ref]; ok {
		old.stop()
	}
	remaining := expiresAt.Sub(s.now())
	if remaining < 0 {
		remaining = 0
	}
	delay := time.Duration(float64(remaining) * refreshFraction)
	s.held[ref] = &heldLock{
		expiresAt: expiresAt,
		stop:      s.afterFunc(delay, func() { s.refresh(ref) }),
	}
}

func (s *LockSession) refresh(ref EntityRef) {
	s.mu.Lock()
	if _, ok := s.held[ref]; !ok || s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	grant, err := s.api.AcquireLock(ctx, ref.Type, ref.ID, s.ttl)

	s.mu.Lock()
	h, ok := s.held[ref]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}
	switch {
	case err != nil:
		// 网络错误：锁还没过期就再试一次
		log.Printf("client: refresh lock %s/%s failed: %v", ref.Type, ref.ID, err)
		if h.expiresAt.After(s.now()) {
			s.scheduleLocked(ref, h.expiresAt)
			s.mu.Unlock()
			return
		}
		delete(s.held, ref)
		s.mu.Unlock()
		s.lost(ref, "")
	case !grant.Granted:
		delete(s.held, ref)
		s.mu.Unlock()
		s.lost(ref, grant.Holder)
	default:
		s.scheduleLocked(ref, grant.ExpiresAt)
		s.mu.Unlock()
	}
}

func (s *LockSession) lost(ref EntityRef, holder string) {
	log.Printf("client: lost lock %s/%s (holder=%s)", ref.Type, ref.ID, holder)
	if s.onLost != nil {
		s.onLost(ref, holder)
	}
}

func (s *LockSession) releaseRemote(ref EntityRef) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if err := s.api.ReleaseLock(ctx, ref.Type, ref.ID); err != nil {
		log.Printf("client: release lock %s/%s failed: %v", ref.Type, ref.ID, err)
	}
}

func (s *LockSession) sortedLocked() []EntityRef {
	out := make([]EntityRef, 0, len(s.held))
	for ref := range s.held {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}
