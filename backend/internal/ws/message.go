package ws

import (
	"drillCollab/backend/internal/collab"
	"drillCollab/backend/internal/conflict"
	"drillCollab/backend/internal/lock"
)

// 客户端消息类型
const (
	MsgJoin        = "join"
	MsgHeartbeat   = "heartbeat"
	MsgLockAcquire = "lock_acquire"
	MsgLockRelease = "lock_release"
	MsgLockQuery   = "lock_query"
	MsgCommit      = "commit"
)

// 服务端消息类型
const (
	MsgWelcome        = "welcome"
	MsgChange         = "change"
	MsgLockResult     = "lock_result"
	MsgLockState      = "lock_state"
	MsgCommitApplied  = "commit_applied"
	MsgCommitRejected = "commit_rejected"
	MsgPresence       = "presence"
	MsgError          = "error"
	MsgIgnored        = "ignored"
)

type ClientMessage struct {
	Type       string `json:"type"`
	DocID      string `json:"docId"`
	EntityType string `json:"entityType,omitempty"`
	EntityID   string `json:"entityId,omitempty"`
	// lock_acquire 的租期，<=0 用服务端默认值
	TTLMs int64 `json:"ttlMs,omitempty"`
	// commit 专用
	CommitType  string        `json:"commitType,omitempty"`
	BaseVersion uint64        `json:"baseVersion"`
	Payload     conflict.Data `json:"payload,omitempty"`
	ClientId    string        `json:"clientId,omitempty"`
	ClientSeq   uint64        `json:"clientSeq,omitempty"`
}

type PresenceMember struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

type ServerMessage struct {
	Type    string           `json:"type"`
	UserID  string           `json:"userId,omitempty"`
	DocID   string           `json:"docId,omitempty"`
	Members []PresenceMember `json:"members,omitempty"`
	Content string           `json:"content,omitempty"`
}

// ChangeMessage 把 Hub 上的 ChangeEvent 推给客户端
type ChangeMessage struct {
	Type  string             `json:"type"` // 固定 "change"
	Event collab.ChangeEvent `json:"event"`
}

type LockResultMessage struct {
	Type       string `json:"type"` // 固定 "lock_result"
	DocID      string `json:"docId"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Granted    bool   `json:"granted"`
	Holder     string `json:"holder,omitempty"`
	ExpiresAt  int64  `json:"expiresAt"` // unix 毫秒
}

// LockView 对外展示的锁状态（时间统一为 unix 毫秒）
type LockView struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	OwnerID    string `json:"ownerId"`
	AcquiredAt int64  `json:"acquiredAt"`
	ExpiresAt  int64  `json:"expiresAt"`
}

type LockStateMessage struct {
	Type  string     `json:"type"` // 固定 "lock_state"
	DocID string     `json:"docId"`
	Locks []LockView `json:"locks"`
}

// 提交被服务端应用后的 ack，只发给提交者本人
type CommitAppliedMessage struct {
	Type      string             `json:"type"` // 固定 "commit_applied"
	Event     collab.ChangeEvent `json:"event"`
	ClientId  string             `json:"clientId,omitempty"`
	ClientSeq uint64             `json:"clientSeq,omitempty"`
}

// 提交被拒。Reason 为 REVISION_CONFLICT 时带回服务端的版本和数据
type CommitRejectedMessage struct {
	Type            string        `json:"type"` // 固定 "commit_rejected"
	Reason          string        `json:"reason"`
	EntityType      string        `json:"entityType"`
	EntityID        string        `json:"entityId"`
	ClientId        string        `json:"clientId,omitempty"`
	ClientSeq       uint64        `json:"clientSeq,omitempty"`
	ServerVersion   uint64        `json:"serverVersion,omitempty"`
	RemoteData      conflict.Data `json:"remoteData,omitempty"`
	RemoteTimestamp int64         `json:"remoteTimestamp,omitempty"`
}

func NewLockView(l lock.Lock) LockView {
	return LockView{
		EntityType: l.EntityType,
		EntityID:   l.EntityID,
		OwnerID:    l.OwnerID,
		AcquiredAt: l.AcquiredAt.UnixMilli(),
		ExpiresAt:  l.ExpiresAt.UnixMilli(),
	}
}
