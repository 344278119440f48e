package ws

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"drillCollab/backend/internal/collab"
	"drillCollab/backend/internal/lock"
)

// 允许的来源前缀；Origin 为空或 "null" 时放行（非浏览器客户端、本地文件）
var defaultAllowedOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

func newUpgrader(allowed []string) websocket.Upgrader {
	if len(allowed) == 0 {
		allowed = defaultAllowedOrigins
	}
	return websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" {
			return true
		}
		for _, p := range allowed {
			if strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}}
}

type Manager struct {
	h        *Hub
	locks    *lock.Manager
	svc      collab.Service
	sem      *collab.SemaphoreControl
	upgrader websocket.Upgrader

	// PresenceTTL 在线状态的有效期，0 时用 DefaultPresenceTTL
	PresenceTTL time.Duration
}

func NewManager(h *Hub, locks *lock.Manager, svc collab.Service, sem *collab.SemaphoreControl, allowedOrigins []string) *Manager {
	return &Manager{h: h, locks: locks, svc: svc, sem: sem, upgrader: newUpgrader(allowedOrigins)}
}

// WebSocketConnect GET /collab/ws?docId=&clientId=
// userId/username 由鉴权中间件写入 gin.Context；docId 可选，也可以之后发 join
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	username := c.GetString("username")
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "user context missing"})
		return
	}
	clientID := c.Query("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	docID := c.Query("docId")

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws: upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.h, m.locks, m.svc, m.sem, userID, username, clientID)
	if m.PresenceTTL > 0 {
		wsConn.presenceTTL = m.PresenceTTL
	}

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.SendMessage_Enqueue(ServerMessage{Type: MsgWelcome, UserID: userID, Content: clientID})

	ctx := c.Request.Context()
	if docID != "" {
		wsConn.handleMessage(ctx, ClientMessage{Type: MsgJoin, DocID: docID})
	}
	// 最后进入读循环（阻塞至连接关闭）
	wsConn.readLoop(ctx)
}
