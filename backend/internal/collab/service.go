package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"drillCollab/backend/internal/conflict"
	"drillCollab/backend/internal/lock"
)

// 协作引擎接口：校验锁和版本，应用提交，扇出变更
type Service interface {
	Commit(ctx context.Context, docID, userID string, req CommitRequest) (ChangeEvent, error)

	EntityVersion(ctx context.Context, docID, entityType, entityID string) (uint64, error)

	// Snapshot 断线重连后的 resync 入口：返回文档的权威状态
	Snapshot(ctx context.Context, docID string) (DocumentSnapshot, error)
}

// Publisher 把已提交事件推给同文档的其他订阅者（ws.Hub 实现）
type Publisher interface {
	Publish(docID string, evt ChangeEvent) int
}

// EventSink 异步外发（KafkaDispatcher 实现）
type EventSink interface {
	Enqueue(ctx context.Context, evt ChangeEvent) error
}

// EntityStore 实体状态持久化（store.EntityStore 实现）
type EntityStore interface {
	SaveEntity(ctx context.Context, docID string, e EntitySnapshot) error
	LoadEntities(ctx context.Context, docID string) ([]EntitySnapshot, error)
}

// ChangeLog 追加写变更日志（store.ChangeLog 实现）
type ChangeLog interface {
	Append(ctx context.Context, evt ChangeEvent) error
}

type CommitRequest struct {
	Type        string        `json:"type"` // entity_updated（默认）/ entity_deleted
	EntityType  string        `json:"entityType" binding:"required"`
	EntityID    string        `json:"entityId" binding:"required"`
	BaseVersion uint64        `json:"baseVersion"`
	Payload     conflict.Data `json:"payload"`
	// 客户端实例标识 + 本地递增序号，用于去重
	ClientID  string `json:"clientId"`
	ClientSeq uint64 `json:"clientSeq"`
}

var (
	ErrRevisionConflict      = errors.New("REVISION_CONFLICT")
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
	ErrLockNotHeld           = errors.New("LOCK_NOT_HELD")
	ErrInvalidCommit         = errors.New("INVALID_COMMIT")
)

// VersionConflictError 提交被拒时带回服务端版本和数据，客户端拿去喂 conflict.Resolve
type VersionConflictError struct {
	ServerVersion   uint64        `json:"serverVersion"`
	RemoteData      conflict.Data `json:"remoteData"`
	RemoteTimestamp int64         `json:"remoteTimestamp"`
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s: server version %d", ErrRevisionConflict, e.ServerVersion)
}

func (e *VersionConflictError) Unwrap() error { return ErrRevisionConflict }

type entityKey struct {
	entityType string
	entityID   string
}

type entityState struct {
	version   uint64
	data      conflict.Data
	deleted   bool
	updatedAt int64
	updatedBy string
}

type docState struct {
	mu       sync.Mutex
	entities map[entityKey]*entityState
	// 去重窗口：某 clientId 最近处理过的最大 clientSeq
	lastSeqByClient map[string]uint64
}

// InMemoryService 内存实现：持有所有文档的实体状态
type InMemoryService struct {
	mu   sync.RWMutex
	docs map[string]*docState
	sf   singleflight.Group

	locks     *lock.Manager
	publisher Publisher
	sink      EventSink
	store     EntityStore
	changeLog ChangeLog

	sinkTimeout time.Duration
	now         func() time.Time
}

type ServiceOption func(*InMemoryService)

func WithPublisher(p Publisher) ServiceOption {
	return func(s *InMemoryService) { s.publisher = p }
}

func WithEventSink(sink EventSink) ServiceOption {
	return func(s *InMemoryService) { s.sink = sink }
}

func WithEntityStore(store EntityStore) ServiceOption {
	return func(s *InMemoryService) { s.store = store }
}

func WithChangeLog(cl ChangeLog) ServiceOption {
	return func(s *InMemoryService) { s.changeLog = cl }
}

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *InMemoryService) { s.now = now }
}

func NewInMemoryService(locks *lock.Manager, opts ...ServiceOption) *InMemoryService {
	s := &InMemoryService{
		docs:        make(map[string]*docState),
		locks:       locks,
		sinkTimeout: 200 * time.Millisecond,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Commit 应用一次实体提交：
// 1. 调用者必须持有该实体的有效锁
// 2. clientSeq 去重
// 3. baseVersion 必须等于服务端当前版本，否则返回 *VersionConflictError
// 4. 推进版本，按文档顺序发布事件，再异步外发/落库
func (s *InMemoryService) Commit(ctx context.Context, docID, userID string, req CommitRequest) (ChangeEvent, error) {
	if docID == "" || req.EntityType == "" || req.EntityID == "" {
		return ChangeEvent{}, ErrInvalidCommit
	}
	evtType := req.Type
	if evtType == "" {
		evtType = EventEntityUpdated
	}
	if evtType != EventEntityUpdated && evtType != EventEntityDeleted {
		return ChangeEvent{}, fmt.Errorf("%w: type %q", ErrInvalidCommit, req.Type)
	}

	key := lock.Key{DocumentID: docID, EntityType: req.EntityType, EntityID: req.EntityID}
	if !s.locks.HeldBy(key, userID) {
		return ChangeEvent{}, ErrLockNotHeld
	}

	ds, err := s.loadDoc(ctx, docID)
	if err != nil {
		return ChangeEvent{}, err
	}

	ds.mu.Lock()
	if req.ClientID != "" {
		if last, ok := ds.lastSeqByClient[req.ClientID]; ok && req.ClientSeq <= last {
			ds.mu.Unlock()
			return ChangeEvent{}, ErrDuplicateOrOutOfOrder
		}
	}

	ek := entityKey{entityType: req.EntityType, entityID: req.EntityID}
	cur := ds.entities[ek]
	var curVersion uint64
	if cur != nil {
		curVersion = cur.version
	}
	if req.BaseVersion != curVersion {
		conflictErr := &VersionConflictError{ServerVersion: curVersion}
		if cur != nil {
			conflictErr.RemoteData = conflict.Clone(cur.data)
			conflictErr.RemoteTimestamp = cur.updatedAt
		}
		ds.mu.Unlock()
		return ChangeEvent{}, conflictErr
	}

	now := s.now().UnixMilli()
	next := &entityState{
		version:   curVersion + 1,
		updatedAt: now,
		updatedBy: userID,
	}
	if evtType == EventEntityDeleted {
		next.deleted = true
	} else {
		next.data = conflict.Clone(req.Payload)
	}
	ds.entities[ek] = next
	if req.ClientID != "" {
		ds.lastSeqByClient[req.ClientID] = req.ClientSeq
	}

	evt := ChangeEvent{
		ID:              uuid.NewString(),
		Type:            evtType,
		DocumentID:      docID,
		UserID:          userID,
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		Version:         next.version,
		Payload:         conflict.Clone(next.data),
		ServerTimestamp: now,
	}
	// 持有文档锁时发布，保证同一文档的事件按版本顺序进入每个订阅者的队列
	if s.publisher != nil {
		s.publisher.Publish(docID, evt)
	}
	snapshot := next.snapshot(ek)
	ds.mu.Unlock()

	s.afterCommit(ctx, evt, snapshot)
	return evt, nil
}

// afterCommit 外发 Kafka、落库；失败只记日志，不影响已经生效的提交
func (s *InMemoryService) afterCommit(ctx context.Context, evt ChangeEvent, snap EntitySnapshot) {
	if s.sink != nil {
		sinkCtx, cancel := context.WithTimeout(ctx, s.sinkTimeout)
		if err := s.sink.Enqueue(sinkCtx, evt); err != nil {
			log.Printf("collab: enqueue event %s failed: %v", evt.ID, err)
		}
		cancel()
	}
	if s.store != nil {
		if err := s.store.SaveEntity(ctx, evt.DocumentID, snap); err != nil {
			log.Printf("collab: save entity %s/%s of doc %s failed: %v", evt.EntityType, evt.EntityID, evt.DocumentID, err)
		}
	}
	if s.changeLog != nil {
		if err := s.changeLog.Append(ctx, evt); err != nil {
			log.Printf("collab: append change log %s failed: %v", evt.ID, err)
		}
	}
}

func (s *InMemoryService) EntityVersion(ctx context.Context, docID, entityType, entityID string) (uint64, error) {
	ds, err := s.loadDoc(ctx, docID)
	if err != nil {
		return 0, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if e := ds.entities[entityKey{entityType: entityType, entityID: entityID}]; e != nil {
		return e.version, nil
	}
	return 0, nil
}

func (s *InMemoryService) Snapshot(ctx context.Context, docID string) (DocumentSnapshot, error) {
	ds, err := s.loadDoc(ctx, docID)
	if err != nil {
		return DocumentSnapshot{}, err
	}
	ds.mu.Lock()
	out := DocumentSnapshot{
		DocumentID:      docID,
		Entities:        make([]EntitySnapshot, 0, len(ds.entities)),
		ServerTimestamp: s.now().UnixMilli(),
	}
	for k, e := range ds.entities {
		out.Entities = append(out.Entities, e.snapshot(k))
	}
	ds.mu.Unlock()

	sort.Slice(out.Entities, func(i, j int) bool {
		if out.Entities[i].EntityType != out.Entities[j].EntityType {
			return out.Entities[i].EntityType < out.Entities[j].EntityType
		}
		return out.Entities[i].EntityID < out.Entities[j].EntityID
	})
	return out, nil
}

// loadDoc 获取文档状态；内存没有时从 store 回源。
// 大量客户端同时重连 resync 时用 singleflight 合并成一次回源。
func (s *InMemoryService) loadDoc(ctx context.Context, docID string) (*docState, error) {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds != nil {
		return ds, nil
	}

	v, err, _ := s.sf.Do(docID, func() (interface{}, error) {
		s.mu.RLock()
		existing := s.docs[docID]
		s.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		fresh := newDocState()
		if s.store != nil {
			entities, err := s.store.LoadEntities(ctx, docID)
			if err != nil {
				return nil, fmt.Errorf("load entities of %s: %w", docID, err)
			}
			for _, e := range entities {
				fresh.entities[entityKey{entityType: e.EntityType, entityID: e.EntityID}] = &entityState{
					version:   e.Version,
					data:      conflict.Clone(e.Payload),
					deleted:   e.Deleted,
					updatedAt: e.UpdatedAt,
					updatedBy: e.UpdatedBy,
				}
			}
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if existing := s.docs[docID]; existing != nil {
			return existing, nil
		}
		s.docs[docID] = fresh
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	// 使用断言确保不会 panic
	ds, ok := v.(*docState)
	if !ok {
		return nil, errors.New("internal type error")
	}
	return ds, nil
}

func newDocState() *docState {
	return &docState{
		entities:        make(map[entityKey]*entityState),
		lastSeqByClient: make(map[string]uint64),
	}
}

func (e *entityState) snapshot(k entityKey) EntitySnapshot {
	return EntitySnapshot{
		EntityType: k.entityType,
		EntityID:   k.entityID,
		Version:    e.version,
		Payload:    conflict.Clone(e.data),
		Deleted:    e.deleted,
		UpdatedAt:  e.updatedAt,
		UpdatedBy:  e.updatedBy,
	}
}
