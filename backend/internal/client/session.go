package client

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"drillCollab/backend/internal/collab"
	"drillCollab/backend/internal/conflict"
)

// Snapshotter 提供文档权威状态（APIClient 实现）
type Snapshotter interface {
	Snapshot(ctx context.Context) (collab.DocumentSnapshot, error)
}

// 与服务端 websocket 协议对应的消息
type changeMessage struct {
	Event collab.ChangeEvent `json:"event"`
	// commit_applied 带回提交时的序号
	ClientSeq uint64 `json:"clientSeq,omitempty"`
}

type commitRejectedMessage struct {
	Reason          string        `json:"reason"`
	EntityType      string        `json:"entityType"`
	EntityID        string        `json:"entityId"`
	ServerVersion   uint64        `json:"serverVersion"`
	RemoteData      conflict.Data `json:"remoteData"`
	RemoteTimestamp int64         `json:"remoteTimestamp"`
}

type commitMessage struct {
	Type        string        `json:"type"`
	DocID       string        `json:"docId"`
	EntityType  string        `json:"entityType"`
	EntityID    string        `json:"entityId"`
	CommitType  string        `json:"commitType,omitempty"`
	BaseVersion uint64        `json:"baseVersion"`
	Payload     conflict.Data `json:"payload,omitempty"`
	ClientId    string        `json:"clientId,omitempty"`
	ClientSeq   uint64        `json:"clientSeq,omitempty"`
}

// Session 一个打开的队形文档：连接上的消息喂给 Reconciler，重连后 resync，关闭时释放锁
type Session struct {
	docID string
	rec   *Reconciler
	snap  Snapshotter
	locks *LockSession
	conn  *Conn
}

func NewSession(docID string, rec *Reconciler, snap Snapshotter, locks *LockSession) *Session {
	return &Session{docID: docID, rec: rec, snap: snap, locks: locks}
}

// Options 返回挂到 Conn 上的回调
func (s *Session) Options() []ConnOption {
	return []ConnOption{
		OnMessage(s.HandleMessage),
		OnResync(s.Resync),
	}
}

func (s *Session) Attach(conn *Conn) { s.conn = conn }

func (s *Session) HandleMessage(msgType string, raw json.RawMessage) {
	switch msgType {
	case "change":
		var msg changeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("client: bad change message: %v", err)
			return
		}
		if rec := s.rec.ApplyRemoteChange(msg.Event); rec != nil {
			log.Printf("client: conflict on %s/%s resolved (local v%d, remote v%d)", rec.EntityType, rec.EntityID, rec.LocalVersion, rec.RemoteVersion)
		}
	case "commit_applied":
		var msg changeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("client: bad commit_applied message: %v", err)
			return
		}
		s.rec.MarkCommitted(msg.Event, msg.ClientSeq)
	case "commit_rejected":
		var msg commitRejectedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("client: bad commit_rejected message: %v", err)
			return
		}
		if msg.Reason != collab.ErrRevisionConflict.Error() {
			log.Printf("client: commit of %s/%s rejected: %s", msg.EntityType, msg.EntityID, msg.Reason)
			return
		}
		s.rec.ApplyRejectedCommit(EntityRef{Type: msg.EntityType, ID: msg.EntityID}, msg.ServerVersion, msg.RemoteData, msg.RemoteTimestamp)
	case "error":
		log.Printf("client: server error: %s", raw)
	}
}

// Resync 拉取服务端快照并对齐本地状态
func (s *Session) Resync(ctx context.Context) error {
	if s.snap == nil {
		return nil
	}
	snap, err := s.snap.Snapshot(ctx)
	if err != nil {
		return err
	}
	s.rec.Resync(snap)
	return nil
}

// Commit 通过 websocket 提交某实体的本地修改；没有修改时什么都不做
func (s *Session) Commit(ref EntityRef) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	req, ok := s.rec.NextCommit(ref)
	if !ok {
		return nil
	}
	return s.conn.Send(commitMessage{
		Type:        "commit",
		DocID:       s.docID,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		CommitType:  req.Type,
		BaseVersion: req.BaseVersion,
		Payload:     req.Payload,
		ClientId:    req.ClientID,
		ClientSeq:   req.ClientSeq,
	})
}

// Close 释放所有锁并关闭连接
func (s *Session) Close(ctx context.Context) error {
	var errs []error
	if s.locks != nil {
		errs = append(errs, s.locks.Close(ctx))
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	return errors.Join(errs...)
}
