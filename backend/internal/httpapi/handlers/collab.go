package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"drillCollab/backend/internal/collab"
	"drillCollab/backend/internal/lock"
)

// ChangeReader 变更日志只读接口（store.ChangeLog 实现）
type ChangeReader interface {
	Since(ctx context.Context, docID string, afterTs int64, limit int) ([]collab.ChangeEvent, error)
}

type CollabHandler struct {
	locks   *lock.Manager
	svc     collab.Service
	changes ChangeReader
}

// changes 可以为 nil，此时 /changes 返回 501
func NewCollabHandler(locks *lock.Manager, svc collab.Service, changes ChangeReader) *CollabHandler {
	return &CollabHandler{locks: locks, svc: svc, changes: changes}
}

// Register 挂在已经带鉴权中间件的路由组上
func (h *CollabHandler) Register(rg *gin.RouterGroup) {
	docs := rg.Group("/documents/:docId")
	{
		docs.POST("/locks", h.AcquireLock)
		docs.DELETE("/locks/:entityType/:entityId", h.ReleaseLock)
		docs.GET("/locks", h.QueryLocks)
		docs.POST("/commits", h.Commit)
		docs.GET("/snapshot", h.Snapshot)
		docs.GET("/changes", h.Changes)
	}
}

type acquireLockRequest struct {
	EntityType string `json:"entityType" binding:"required"`
	EntityID   string `json:"entityId" binding:"required"`
	TTLMs      int64  `json:"ttlMs"`
}

type lockResponse struct {
	Granted    bool   `json:"granted"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Holder     string `json:"holder,omitempty"`
	ExpiresAt  int64  `json:"expiresAt"`
}

type lockView struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	OwnerID    string `json:"ownerId"`
	AcquiredAt int64  `json:"acquiredAt"`
	ExpiresAt  int64  `json:"expiresAt"`
}

func newLockView(l lock.Lock) lockView {
	return lockView{
		EntityType: l.EntityType,
		EntityID:   l.EntityID,
		OwnerID:    l.OwnerID,
		AcquiredAt: l.AcquiredAt.UnixMilli(),
		ExpiresAt:  l.ExpiresAt.UnixMilli(),
	}
}

// AcquireLock POST /documents/:docId/locks
// 200 获得/续期；409 被别人持有（锁冲突是正常分支，body 里带持有者）
func (h *CollabHandler) AcquireLock(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req acquireLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	key := lock.Key{DocumentID: c.Param("docId"), EntityType: req.EntityType, EntityID: req.EntityID}
	res := h.locks.Acquire(key, userID, time.Duration(req.TTLMs)*time.Millisecond)

	body := lockResponse{
		Granted:    res.Granted,
		EntityType: key.EntityType,
		EntityID:   key.EntityID,
		Holder:     res.Holder,
		ExpiresAt:  res.ExpiresAt.UnixMilli(),
	}
	if !res.Granted {
		c.JSON(http.StatusConflict, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

// ReleaseLock DELETE /documents/:docId/locks/:entityType/:entityId
// 幂等：锁不存在或属于别人都返回 204
func (h *CollabHandler) ReleaseLock(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	h.locks.Release(lock.Key{
		DocumentID: c.Param("docId"),
		EntityType: c.Param("entityType"),
		EntityID:   c.Param("entityId"),
	}, userID)
	c.Status(http.StatusNoContent)
}

// QueryLocks GET /documents/:docId/locks[?entityType=&entityId=]
// 带实体参数时返回单个状态，否则返回文档内所有有效锁
func (h *CollabHandler) QueryLocks(c *gin.Context) {
	docID := c.Param("docId")
	entityType, entityID := c.Query("entityType"), c.Query("entityId")
	if entityType != "" || entityID != "" {
		if entityType == "" || entityID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "entityType and entityId must be given together"})
			return
		}
		l, held := h.locks.Query(lock.Key{DocumentID: docID, EntityType: entityType, EntityID: entityID})
		if !held {
			c.JSON(http.StatusOK, gin.H{"locked": false, "entityType": entityType, "entityId": entityID})
			return
		}
		c.JSON(http.StatusOK, gin.H{"locked": true, "lock": newLockView(l)})
		return
	}

	all := h.locks.QueryAll(docID)
	views := make([]lockView, 0, len(all))
	for _, l := range all {
		views = append(views, newLockView(l))
	}
	c.JSON(http.StatusOK, gin.H{"documentId": docID, "locks": views})
}

// Commit POST /documents/:docId/commits
func (h *CollabHandler) Commit(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req collab.CommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}

	evt, err := h.svc.Commit(c.Request.Context(), c.Param("docId"), userID, req)
	if err != nil {
		var conflictErr *collab.VersionConflictError
		switch {
		case errors.As(err, &conflictErr):
			c.JSON(http.StatusConflict, gin.H{
				"code":            collab.ErrRevisionConflict.Error(),
				"serverVersion":   conflictErr.ServerVersion,
				"remoteData":      conflictErr.RemoteData,
				"remoteTimestamp": conflictErr.RemoteTimestamp,
			})
		case errors.Is(err, collab.ErrDuplicateOrOutOfOrder):
			c.JSON(http.StatusConflict, gin.H{"code": err.Error()})
		case errors.Is(err, collab.ErrLockNotHeld):
			c.JSON(http.StatusLocked, gin.H{"code": err.Error()})
		case errors.Is(err, collab.ErrInvalidCommit):
			c.JSON(http.StatusBadRequest, gin.H{"code": collab.ErrInvalidCommit.Error(), "message": err.Error()})
		default:
			log.Printf("handlers: commit failed (user=%s, doc=%s): %v", userID, c.Param("docId"), err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL"})
		}
		return
	}
	c.JSON(http.StatusOK, evt)
}

// Snapshot GET /documents/:docId/snapshot，断线重连后的 resync
func (h *CollabHandler) Snapshot(c *gin.Context) {
	snap, err := h.svc.Snapshot(c.Request.Context(), c.Param("docId"))
	if err != nil {
		log.Printf("handlers: snapshot of %s failed: %v", c.Param("docId"), err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "SNAPSHOT_UNAVAILABLE"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Changes GET /documents/:docId/changes?since=<unix ms>&limit=
func (h *CollabHandler) Changes(c *gin.Context) {
	if h.changes == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"code": "CHANGE_LOG_DISABLED"})
		return
	}
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "invalid since"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "500"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "invalid limit"})
		return
	}
	events, err := h.changes.Since(c.Request.Context(), c.Param("docId"), since, limit)
	if err != nil {
		log.Printf("handlers: read change log of %s failed: %v", c.Param("docId"), err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "CHANGE_LOG_UNAVAILABLE"})
		return
	}
	if events == nil {
		events = []collab.ChangeEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"documentId": c.Param("docId"), "events": events})
}

// 从 gin.Context 获取用户信息；由鉴权中间件写入
func currentUser(c *gin.Context) (string, bool) {
	userID := c.GetString("userId")
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "user context missing"})
		return "", false
	}
	return userID, true
}
