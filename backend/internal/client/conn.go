package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrDegraded     = errors.New("degraded: local-only mode")
)

type State string

const (
	StateIdle         State = "idle"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDegraded     State = "degraded"
	StateClosed       State = "closed"
)

// Notice 进入降级模式时给 UI 的提示，非致命
type Notice struct {
	Attempts int
	LastErr  error
	At       time.Time
}

func (n Notice) String() string {
	return fmt.Sprintf("connection lost after %d attempts, editing locally: %v", n.Attempts, n.LastErr)
}

// Socket 连接抽象，*websocket.Conn 满足该接口
type Socket interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

type DialFunc func(ctx context.Context) (Socket, error)

// WebsocketDialer 用 gorilla/websocket 拨号
func WebsocketDialer(url string, header http.Header) DialFunc {
	return func(ctx context.Context) (Socket, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Conn 带自动重连的客户端连接。
// 读失败或拨号失败都算一次传输失败；按 Backoff 重试，连续失败超过 MaxAttempts 次后进入降级模式，
// 不再自动重试（可以手动再次调用 Run）。每次重连成功后调用 OnResync。
type Conn struct {
	dial    DialFunc
	backoff Backoff
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time

	onMessage  func(msgType string, raw json.RawMessage)
	onDegraded func(Notice)
	onResync   func(ctx context.Context) error
	onState    func(State)

	mu     sync.Mutex
	sock   Socket
	state  State
	closed bool
}

type ConnOption func(*Conn)

func WithBackoff(b Backoff) ConnOption {
	return func(c *Conn) { c.backoff = b }
}

// WithSleep 注入等待函数（测试用）
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ConnOption {
	return func(c *Conn) { c.sleep = sleep }
}

func OnMessage(fn func(msgType string, raw json.RawMessage)) ConnOption {
	return func(c *Conn) { c.onMessage = fn }
}

func OnDegraded(fn func(Notice)) ConnOption {
	return func(c *Conn) { c.onDegraded = fn }
}

// OnResync 重连成功后拉取权威状态；首次连接不调用
func OnResync(fn func(ctx context.Context) error) ConnOption {
	return func(c *Conn) { c.onResync = fn }
}

func OnStateChange(fn func(State)) ConnOption {
	return func(c *Conn) { c.onState = fn }
}

func NewConn(dial DialFunc, opts ...ConnOption) *Conn {
	c := &Conn{
		dial:    dial,
		backoff: DefaultBackoff,
		sleep:   sleepContext,
		now:     time.Now,
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run 连接并阻塞读消息，直到 ctx 取消、Close 或进入降级模式（返回 ErrDegraded）
func (c *Conn) Run(ctx context.Context) error {
	failures := 0
	connectedBefore := false
	var lastErr error
	for {
		if c.isClosed() {
			return nil
		}
		sock, err := c.dial(ctx)
		if err == nil {
			if !c.attach(sock) {
				_ = sock.Close()
				return nil
			}
			failures = 0
			if connectedBefore && c.onResync != nil {
				if rerr := c.onResync(ctx); rerr != nil {
					log.Printf("client: resync after reconnect failed: %v", rerr)
				}
			}
			connectedBefore = true
			// 读协程不看 ctx，取消时关掉 socket 让 ReadJSON 返回
			stop := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					_ = sock.Close()
				case <-stop:
				}
			}()
			err = c.readLoop(sock)
			close(stop)
			c.detach(sock)
		}
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return ctx.Err()
		}
		if c.isClosed() {
			return nil
		}

		failures++
		lastErr = err
		if c.backoff.Exhausted(failures) {
			notice := Notice{Attempts: failures, LastErr: lastErr, At: c.now()}
			log.Printf("client: %s", notice)
			c.setState(StateDegraded)
			if c.onDegraded != nil {
				c.onDegraded(notice)
			}
			return ErrDegraded
		}
		c.setState(StateReconnecting)
		delay := c.backoff.Delay(failures)
		log.Printf("client: transport failure %d (%v), retry in %s", failures, err, delay)
		if err := c.sleep(ctx, delay); err != nil {
			c.setState(StateClosed)
			return err
		}
	}
}

func (c *Conn) readLoop(sock Socket) error {
	for {
		var raw json.RawMessage
		if err := sock.ReadJSON(&raw); err != nil {
			return err
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			log.Printf("client: bad message: %v", err)
			continue
		}
		if c.onMessage != nil {
			c.onMessage(head.Type, raw)
		}
	}
}

// Send 写一条消息；未连接或降级时返回错误，调用方保留本地状态稍后再提交
func (c *Conn) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StateDegraded:
		return ErrDegraded
	case c.sock == nil:
		return ErrNotConnected
	}
	return c.sock.WriteJSON(msg)
}

// Close 关闭连接，Run 随之返回
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	sock := c.sock
	c.sock = nil
	c.state = StateClosed
	c.mu.Unlock()
	if sock != nil {
		return sock.Close()
	}
	return nil
}

func (c *Conn) attach(sock Socket) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.sock = sock
	c.state = StateConnected
	c.mu.Unlock()
	c.notifyState(StateConnected)
	return true
}

func (c *Conn) detach(sock Socket) {
	c.mu.Lock()
	if c.sock == sock {
		c.sock = nil
	}
	c.mu.Unlock()
	_ = sock.Close()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.closed && s != StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.notifyState(s)
}

func (c *Conn) notifyState(s State) {
	if c.onState != nil {
		c.onState(s)
	}
}
