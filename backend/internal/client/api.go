package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"drillCollab/backend/internal/collab"
	"drillCollab/backend/internal/conflict"
)

// CommitRejection 提交被服务端拒绝。Code 为 REVISION_CONFLICT 时带服务端版本和数据
type CommitRejection struct {
	Status          int
	Code            string        `json:"code"`
	ServerVersion   uint64        `json:"serverVersion"`
	RemoteData      conflict.Data `json:"remoteData"`
	RemoteTimestamp int64         `json:"remoteTimestamp"`
}

func (e *CommitRejection) Error() string {
	return fmt.Sprintf("commit rejected: %d %s", e.Status, e.Code)
}

func (e *CommitRejection) IsVersionConflict() bool {
	return e.Code == collab.ErrRevisionConflict.Error()
}

// APIClient 服务端 HTTP 接口的客户端。
// baseURL 不要带路径，例如 http://localhost:8082，路由前缀 /collab 由客户端自己拼
type APIClient struct {
	baseURL string
	docID   string
	token   string
	http    *http.Client
}

func NewAPIClient(baseURL, docID, token string, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		docID:   docID,
		token:   token,
		http:    httpClient,
	}
}

func (c *APIClient) docPath(parts ...string) string {
	escaped := make([]string, 0, len(parts)+1)
	escaped = append(escaped, url.PathEscape(c.docID))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return c.baseURL + "/collab/documents/" + strings.Join(escaped, "/")
}

func (c *APIClient) do(ctx context.Context, method, target string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

type lockReply struct {
	Granted   bool   `json:"granted"`
	Holder    string `json:"holder"`
	ExpiresAt int64  `json:"expiresAt"`
}

func (c *APIClient) AcquireLock(ctx context.Context, entityType, entityID string, ttl time.Duration) (LockGrant, error) {
	resp, err := c.do(ctx, http.MethodPost, c.docPath("locks"), map[string]any{
		"entityType": entityType,
		"entityId":   entityID,
		"ttlMs":      ttl.Milliseconds(),
	})
	if err != nil {
		return LockGrant{}, err
	}
	defer resp.Body.Close()

	// 409 是锁冲突，body 与 200 相同
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return LockGrant{}, unexpectedStatus(resp)
	}
	var reply lockReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return LockGrant{}, err
	}
	return LockGrant{Granted: reply.Granted, Holder: reply.Holder, ExpiresAt: time.UnixMilli(reply.ExpiresAt)}, nil
}

func (c *APIClient) ReleaseLock(ctx context.Context, entityType, entityID string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.docPath("locks", entityType, entityID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return unexpectedStatus(resp)
	}
	return nil
}

// Commit 提交一次实体修改；被拒时返回 *CommitRejection
func (c *APIClient) Commit(ctx context.Context, req collab.CommitRequest) (collab.ChangeEvent, error) {
	resp, err := c.do(ctx, http.MethodPost, c.docPath("commits"), req)
	if err != nil {
		return collab.ChangeEvent{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var evt collab.ChangeEvent
		err := json.NewDecoder(resp.Body).Decode(&evt)
		return evt, err
	case http.StatusConflict, http.StatusLocked, http.StatusBadRequest:
		rej := &CommitRejection{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(rej); err != nil {
			return collab.ChangeEvent{}, err
		}
		return collab.ChangeEvent{}, rej
	default:
		return collab.ChangeEvent{}, unexpectedStatus(resp)
	}
}

// Snapshot 重连后的 resync：拉取文档的权威状态
func (c *APIClient) Snapshot(ctx context.Context) (collab.DocumentSnapshot, error) {
	resp, err := c.do(ctx, http.MethodGet, c.docPath("snapshot"), nil)
	if err != nil {
		return collab.DocumentSnapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return collab.DocumentSnapshot{}, unexpectedStatus(resp)
	}
	var snap collab.DocumentSnapshot
	err = json.NewDecoder(resp.Body).Decode(&snap)
	return snap, err
}

var ErrUnexpectedStatus = errors.New("unexpected status")

func unexpectedStatus(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%w: %s %s", ErrUnexpectedStatus, resp.Status, strings.TrimSpace(string(b)))
}
