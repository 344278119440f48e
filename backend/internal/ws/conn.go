package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"drillCollab/backend/internal/collab"
	"drillCollab/backend/internal/lock"
)

const (
	DefaultPresenceTTL = 60 * time.Second
	sendBufferSize     = 32
	commitTimeout      = 200 * time.Millisecond
)

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string         { return m.Type }
func (m ChangeMessage) MessageType() string         { return m.Type }
func (m LockResultMessage) MessageType() string     { return m.Type }
func (m LockStateMessage) MessageType() string      { return m.Type }
func (m CommitAppliedMessage) MessageType() string  { return m.Type }
func (m CommitRejectedMessage) MessageType() string { return m.Type }

// Conn 一条 websocket 连接。
// 读循环串行处理客户端消息，docID/sub 只在读循环里读写；写循环独占 ws 的写端。
type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	locks    *lock.Manager
	svc      collab.Service
	sem      *collab.SemaphoreControl
	userID   string
	username string
	clientID string

	docID   string
	sub     *Subscription
	relayWG sync.WaitGroup

	send        chan OutboundMessage
	presenceTTL time.Duration
	closeOnce   sync.Once
}

func NewConn(ws *websocket.Conn, hub *Hub, locks *lock.Manager, svc collab.Service, sem *collab.SemaphoreControl, userID, username, clientID string) *Conn {
	return &Conn{
		ws:          ws,
		hub:         hub,
		locks:       locks,
		svc:         svc,
		sem:         sem,
		userID:      userID,
		username:    username,
		clientID:    clientID,
		send:        make(chan OutboundMessage, sendBufferSize),
		presenceTTL: DefaultPresenceTTL,
	}
}

func (c *Conn) DocID() string { return c.docID }

// SendMessage_Enqueue 非阻塞入队，队列满了直接丢弃
func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	select {
	case c.send <- msg:
	default:
		log.Printf("ws: send queue full, drop %s (user=%s, doc=%s)", msg.MessageType(), c.userID, c.docID)
	}
}

func (c *Conn) sendError(content string) {
	c.SendMessage_Enqueue(ServerMessage{Type: MsgError, DocID: c.docID, Content: content})
}

func (c *Conn) handleMessage(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case MsgJoin:
		docID := msg.DocID
		if docID == "" {
			docID = c.docID
		}
		if docID == "" {
			c.sendError("MISSING_DOC_ID")
			return
		}
		c.join(ctx, docID)

	case MsgHeartbeat:
		if c.docID == "" {
			c.sendError("NOT_JOINED")
			return
		}
		c.touchPresence(ctx)
		c.sendPresence(ctx)

	case MsgLockAcquire:
		key, ok := c.entityKey(msg)
		if !ok {
			return
		}
		res := c.locks.Acquire(key, c.userID, time.Duration(msg.TTLMs)*time.Millisecond)
		c.SendMessage_Enqueue(LockResultMessage{
			Type:       MsgLockResult,
			DocID:      key.DocumentID,
			EntityType: key.EntityType,
			EntityID:   key.EntityID,
			Granted:    res.Granted,
			Holder:     res.Holder,
			ExpiresAt:  res.ExpiresAt.UnixMilli(),
		})

	case MsgLockRelease:
		key, ok := c.entityKey(msg)
		if !ok {
			return
		}
		c.locks.Release(key, c.userID)
		c.sendLockState(key.EntityType, key.EntityID)

	case MsgLockQuery:
		if c.docID == "" {
			c.sendError("NOT_JOINED")
			return
		}
		c.sendLockState(msg.EntityType, msg.EntityID)

	case MsgCommit:
		if _, ok := c.entityKey(msg); !ok {
			return
		}
		c.handleCommit(ctx, msg)

	default:
		c.SendMessage_Enqueue(ServerMessage{Type: MsgIgnored, Content: "Unknown message type"})
	}
}

func (c *Conn) entityKey(msg ClientMessage) (lock.Key, bool) {
	if c.docID == "" {
		c.sendError("NOT_JOINED")
		return lock.Key{}, false
	}
	if msg.EntityType == "" || msg.EntityID == "" {
		c.sendError("MISSING_ENTITY")
		return lock.Key{}, false
	}
	return lock.Key{DocumentID: c.docID, EntityType: msg.EntityType, EntityID: msg.EntityID}, true
}

func (c *Conn) handleCommit(ctx context.Context, msg ClientMessage) {
	commitCtx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()

	if c.sem != nil {
		if err := c.sem.Acquire(commitCtx); err != nil {
			c.sendError(err.Error())
			return
		}
		defer c.sem.Release()
	}

	clientID := msg.ClientId
	if clientID == "" {
		clientID = c.clientID
	}
	evt, err := c.svc.Commit(commitCtx, c.docID, c.userID, collab.CommitRequest{
		Type:        msg.CommitType,
		EntityType:  msg.EntityType,
		EntityID:    msg.EntityID,
		BaseVersion: msg.BaseVersion,
		Payload:     msg.Payload,
		ClientID:    clientID,
		ClientSeq:   msg.ClientSeq,
	})
	if err != nil {
		rejected := CommitRejectedMessage{
			Type:       MsgCommitRejected,
			Reason:     err.Error(),
			EntityType: msg.EntityType,
			EntityID:   msg.EntityID,
			ClientId:   clientID,
			ClientSeq:  msg.ClientSeq,
		}
		var conflictErr *collab.VersionConflictError
		switch {
		case errors.As(err, &conflictErr):
			rejected.Reason = collab.ErrRevisionConflict.Error()
			rejected.ServerVersion = conflictErr.ServerVersion
			rejected.RemoteData = conflictErr.RemoteData
			rejected.RemoteTimestamp = conflictErr.RemoteTimestamp
		case errors.Is(err, collab.ErrLockNotHeld), errors.Is(err, collab.ErrDuplicateOrOutOfOrder), errors.Is(err, collab.ErrInvalidCommit):
		default:
			log.Printf("ws: commit failed (user=%s, doc=%s, entity=%s/%s): %v", c.userID, c.docID, msg.EntityType, msg.EntityID, err)
		}
		c.SendMessage_Enqueue(rejected)
		return
	}
	c.SendMessage_Enqueue(CommitAppliedMessage{Type: MsgCommitApplied, Event: evt, ClientId: clientID, ClientSeq: msg.ClientSeq})
}

// join 进入文档房间；已在别的房间时先离开旧房间
func (c *Conn) join(ctx context.Context, docID string) {
	if c.sub != nil {
		if c.docID == docID {
			c.sendPresence(ctx)
			c.sendLockState("", "")
			return
		}
		c.leave(ctx)
	}
	c.docID = docID
	c.sub = c.hub.Subscribe(docID, c.clientID, c.userID)
	c.relayWG.Add(1)
	go c.relay(c.sub)

	c.touchPresence(ctx)
	c.sendPresence(ctx)
	c.sendLockState("", "")
}

// relay 把订阅上的事件转成 change 消息，订阅关闭时退出
func (c *Conn) relay(sub *Subscription) {
	defer c.relayWG.Done()
	for evt := range sub.Events() {
		c.SendMessage_Enqueue(ChangeMessage{Type: MsgChange, Event: evt})
	}
}

// leave 关闭订阅；如果该用户在这个文档已经没有其他连接，释放他持有的所有锁并移出在线列表
func (c *Conn) leave(ctx context.Context) {
	if c.sub == nil {
		return
	}
	docID := c.docID
	c.hub.Unsubscribe(c.sub)
	c.sub = nil
	c.docID = ""

	if c.hub.UserSubscriptions(docID, c.userID) > 0 {
		return
	}
	released := c.locks.ReleaseAll(docID, c.userID)
	if len(released) > 0 {
		log.Printf("ws: released %d locks of user %s in doc %s on leave", len(released), c.userID, docID)
	}
	if p := c.hub.Presence(); p != nil {
		if err := p.RemoveMember(ctx, docID, c.userID); err != nil {
			log.Printf("ws: remove presence member error: %v", err)
		}
	}
}

func (c *Conn) touchPresence(ctx context.Context) {
	p := c.hub.Presence()
	if p == nil {
		return
	}
	if err := p.AddMember(ctx, c.docID, c.userID, c.username, c.presenceTTL); err != nil {
		log.Printf("ws: add presence member error: %v", err)
	}
}

func (c *Conn) sendPresence(ctx context.Context) {
	p := c.hub.Presence()
	if p == nil {
		return
	}
	members, err := p.GetAliveMembersWithNames(ctx, c.docID)
	if err != nil {
		log.Printf("ws: get alive members error: %v", err)
		return
	}
	out := make([]PresenceMember, len(members))
	for i, m := range members {
		out[i] = PresenceMember{UserID: m.UserID, Username: m.Username}
	}
	c.SendMessage_Enqueue(ServerMessage{Type: MsgPresence, DocID: c.docID, Members: out})
}

// sendLockState 实体为空时返回整个文档的锁
func (c *Conn) sendLockState(entityType, entityID string) {
	views := []LockView{}
	if entityType != "" && entityID != "" {
		if l, ok := c.locks.Query(lock.Key{DocumentID: c.docID, EntityType: entityType, EntityID: entityID}); ok {
			views = append(views, NewLockView(l))
		}
	} else {
		for _, l := range c.locks.QueryAll(c.docID) {
			views = append(views, NewLockView(l))
		}
	}
	c.SendMessage_Enqueue(LockStateMessage{Type: MsgLockState, DocID: c.docID, Locks: views})
}

// close 只执行一次：离开房间，等 relay 退出后再关闭 send，写循环随之结束
func (c *Conn) close(ctx context.Context) {
	c.closeOnce.Do(func() {
		c.leave(ctx)
		c.relayWG.Wait()
		close(c.send)
	})
}

func (c *Conn) readLoop(ctx context.Context) {
	// 连接可能已经断了，清理不能用请求的 ctx
	defer c.close(context.WithoutCancel(ctx))
	for {
		var clientMessage ClientMessage
		if err := c.ws.ReadJSON(&clientMessage); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("ws: read json error (user=%s, doc=%s): %v", c.userID, c.docID, err)
			}
			return
		}
		c.handleMessage(ctx, clientMessage)
	}
}

func (c *Conn) writeLoop() {
	// 持续消费 send 通道，直到 close 关闭它
	for msg := range c.send {
		if err := c.ws.WriteJSON(msg); err != nil {
			log.Printf("ws: write %s error (user=%s): %v", msg.MessageType(), c.userID, err)
			// 关掉底层连接让读循环退出，剩余消息继续消费掉
			_ = c.ws.Close()
		}
	}
}
