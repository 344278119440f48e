package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drillCollab/backend/internal/collab"
)

type stubSnapshotter struct {
	snap  collab.DocumentSnapshot
	err   error
	calls int
}

func (s *stubSnapshotter) Snapshot(ctx context.Context) (collab.DocumentSnapshot, error) {
	s.calls++
	return s.snap, s.err
}

func TestSessionHandleMessage(t *testing.T) {
	clock := &manualClock{}
	clock.Set(50)
	rec := newTestReconciler(clock)
	s := NewSession("doc-1", rec, nil, nil)

	s.HandleMessage("change", json.RawMessage(`{"type":"change","event":{
		"type":"entity_updated","documentId":"doc-1","userId":"alice",
		"entityType":"member","entityId":"m1","version":1,
		"payload":{"position":{"x":1,"y":1}},"serverTimestamp":100}}`))
	assert.Equal(t, pos(1, 1), rec.Present()[m1])
	assert.Equal(t, uint64(1), rec.Version(m1))

	clock.Set(200)
	rec.Edit(m1, pos(2, 2))
	s.HandleMessage("commit_rejected", json.RawMessage(`{"type":"commit_rejected",
		"reason":"REVISION_CONFLICT","entityType":"member","entityId":"m1",
		"serverVersion":3,"remoteData":{"position":{"x":9,"y":9}},"remoteTimestamp":150}`))
	assert.Equal(t, pos(2, 2), rec.Present()[m1])
	assert.Equal(t, uint64(3), rec.Version(m1))

	// 其他拒绝原因只记日志
	s.HandleMessage("commit_rejected", json.RawMessage(`{"type":"commit_rejected","reason":"LOCK_NOT_HELD","entityType":"member","entityId":"m1"}`))
	assert.Equal(t, uint64(3), rec.Version(m1))

	req, ok := rec.NextCommit(m1)
	require.True(t, ok)
	require.Equal(t, uint64(1), req.ClientSeq)
	s.HandleMessage("commit_applied", json.RawMessage(`{"type":"commit_applied","clientSeq":1,"event":{
		"type":"entity_updated","entityType":"member","entityId":"m1","version":4,"serverTimestamp":210}}`))
	assert.Empty(t, rec.Dirty())
	assert.Equal(t, uint64(4), rec.Version(m1))

	// 坏消息不影响状态
	s.HandleMessage("change", json.RawMessage(`{"event":"oops"}`))
	assert.Equal(t, pos(2, 2), rec.Present()[m1])
}

func TestSessionResync(t *testing.T) {
	clock := &manualClock{}
	clock.Set(10)
	rec := newTestReconciler(clock)
	snap := &stubSnapshotter{snap: collab.DocumentSnapshot{
		DocumentID: "doc-1",
		Entities: []collab.EntitySnapshot{
			{EntityType: "member", EntityID: "m1", Version: 7, Payload: pos(4, 4), UpdatedAt: 500},
		},
	}}
	s := NewSession("doc-1", rec, snap, nil)

	require.NoError(t, s.Resync(context.Background()))
	assert.Equal(t, 1, snap.calls)
	assert.Equal(t, pos(4, 4), rec.Present()[m1])
	assert.Equal(t, uint64(7), rec.Version(m1))

	snap.err = errors.New("unavailable")
	assert.Error(t, s.Resync(context.Background()))
}

func TestSessionCommitSendsOverConn(t *testing.T) {
	clock := &manualClock{}
	clock.Set(10)
	rec := newTestReconciler(clock, WithClientID("tab-1"))
	s := NewSession("doc-1", rec, nil, nil)

	assert.ErrorIs(t, s.Commit(m1), ErrNotConnected)

	sock := newFakeSocket(false)
	var conn *Conn
	conn = NewConn(func(context.Context) (Socket, error) { return sock, nil },
		OnStateChange(func(st State) {
			if st != StateConnected {
				return
			}
			// 连接建立后立即提交，然后关闭
			rec.Edit(m1, pos(1, 2))
			assert.NoError(t, s.Commit(m1))
			assert.NoError(t, s.Commit(EntityRef{Type: "member", ID: "clean"}))
			_ = conn.Close()
		}),
	)
	s.Attach(conn)
	require.NoError(t, conn.Run(context.Background()))

	require.Len(t, sock.writes, 1)
	msg, ok := sock.writes[0].(commitMessage)
	require.True(t, ok)
	assert.Equal(t, "commit", msg.Type)
	assert.Equal(t, "doc-1", msg.DocID)
	assert.Equal(t, "tab-1", msg.ClientId)
	assert.Equal(t, uint64(1), msg.ClientSeq)
	assert.Equal(t, pos(1, 2), msg.Payload)
}
