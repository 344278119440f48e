package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drillCollab/backend/internal/collab"
	"drillCollab/backend/internal/conflict"
	"drillCollab/backend/internal/httpapi/handlers"
	"drillCollab/backend/internal/httpapi/middleware"
	"drillCollab/backend/internal/lock"
)

var apiSecret = []byte("client-api-secret")

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	locks := lock.NewManager()
	svc := collab.NewInMemoryService(locks)

	r := gin.New()
	g := r.Group("/collab")
	g.Use(middleware.AuthMiddleware(apiSecret))
	handlers.NewCollabHandler(locks, svc, nil).Register(g)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func newTestAPIClient(t *testing.T, srv *httptest.Server, user string) *APIClient {
	t.Helper()
	token, _, err := middleware.SignAccessToken(apiSecret, user, user, time.Minute)
	require.NoError(t, err)
	return NewAPIClient(srv.URL+"/", "doc-1", token, srv.Client())
}

func TestAPIClientLockAndCommit(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAPIClient(t, srv, "alice")
	bob := newTestAPIClient(t, srv, "bob")
	ctx := context.Background()

	grant, err := alice.AcquireLock(ctx, "member", "m1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, grant.Granted)

	denied, err := bob.AcquireLock(ctx, "member", "m1", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, denied.Granted)
	assert.Equal(t, "alice", denied.Holder)

	evt, err := alice.Commit(ctx, collab.CommitRequest{
		EntityType: "member",
		EntityID:   "m1",
		Payload:    pos(1, 1),
		ClientID:   "tab-a",
		ClientSeq:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), evt.Version)
	assert.Equal(t, "alice", evt.UserID)

	// 陈旧的 baseVersion：带回服务端版本和数据
	_, err = alice.Commit(ctx, collab.CommitRequest{
		EntityType:  "member",
		EntityID:    "m1",
		BaseVersion: 0,
		Payload:     pos(2, 2),
		ClientID:    "tab-a",
		ClientSeq:   2,
	})
	var rej *CommitRejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, http.StatusConflict, rej.Status)
	assert.True(t, rej.IsVersionConflict())
	assert.Equal(t, uint64(1), rej.ServerVersion)
	assert.Equal(t, conflict.Data{"position": map[string]any{"x": 1.0, "y": 1.0}}, rej.RemoteData)

	// bob 没有锁
	_, err = bob.Commit(ctx, collab.CommitRequest{EntityType: "member", EntityID: "m1", BaseVersion: 1, Payload: pos(3, 3)})
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, http.StatusLocked, rej.Status)
	assert.Equal(t, collab.ErrLockNotHeld.Error(), rej.Code)

	snap, err := bob.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Entities, 1)
	assert.Equal(t, uint64(1), snap.Entities[0].Version)

	require.NoError(t, alice.ReleaseLock(ctx, "member", "m1"))
	grant, err = bob.AcquireLock(ctx, "member", "m1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, grant.Granted)
}

func TestAPIClientUnauthorized(t *testing.T) {
	srv := newTestServer(t)
	c := NewAPIClient(srv.URL, "doc-1", "not-a-token", nil)
	_, err := c.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

// LockSession 跑在真实 APIClient 上
func TestLockSessionOverAPIClient(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAPIClient(t, srv, "alice")
	bob := newTestAPIClient(t, srv, "bob")
	ctx := context.Background()

	s := NewLockSession(alice, WithLockTTL(time.Minute))
	grant, err := s.Acquire(ctx, m1)
	require.NoError(t, err)
	require.True(t, grant.Granted)
	require.NoError(t, s.Close(ctx))

	grant, err = bob.AcquireLock(ctx, "member", "m1", time.Second)
	require.NoError(t, err)
	assert.True(t, grant.Granted)
}
