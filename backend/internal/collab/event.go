package collab

import (
	"drillCollab/backend/internal/conflict"
)

// 事件类型
const (
	EventEntityUpdated = "entity_updated"
	EventEntityDeleted = "entity_deleted"
	EventLockAcquired  = "lock_acquired"
	EventLockRefreshed = "lock_refreshed"
	EventLockReleased  = "lock_released"
	EventLockExpired   = "lock_expired"
)

// ChangeEvent 一次已提交变更的不可变事实，创建后只被消费，不会被修改。
// ServerTimestamp 为服务端 unix 毫秒；Version 为该实体提交后的版本号。
type ChangeEvent struct {
	ID              string        `json:"id"`
	Type            string        `json:"type"`
	DocumentID      string        `json:"documentId"`
	UserID          string        `json:"userId"`
	EntityType      string        `json:"entityType"`
	EntityID        string        `json:"entityId"`
	Version         uint64        `json:"version,omitempty"`
	Payload         conflict.Data `json:"payload,omitempty"`
	ServerTimestamp int64         `json:"serverTimestamp"`
}

// IsLockEvent 锁状态事件不携带实体数据，客户端不需要对它做冲突处理
func (e ChangeEvent) IsLockEvent() bool {
	switch e.Type {
	case EventLockAcquired, EventLockRefreshed, EventLockReleased, EventLockExpired:
		return true
	}
	return false
}

// EntitySnapshot 某实体在服务端的权威状态（重连后 resync 用）
type EntitySnapshot struct {
	EntityType string        `json:"entityType"`
	EntityID   string        `json:"entityId"`
	Version    uint64        `json:"version"`
	Payload    conflict.Data `json:"payload,omitempty"`
	Deleted    bool          `json:"deleted,omitempty"`
	UpdatedAt  int64         `json:"updatedAt"`
	UpdatedBy  string        `json:"updatedBy,omitempty"`
}

type DocumentSnapshot struct {
	DocumentID      string           `json:"documentId"`
	Entities        []EntitySnapshot `json:"entities"`
	ServerTimestamp int64            `json:"serverTimestamp"`
}
