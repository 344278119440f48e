package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drillCollab/backend/internal/collab"
	"drillCollab/backend/internal/conflict"
)

type manualClock struct{ t time.Time }

func (c *manualClock) Now() time.Time          { return c.t }
func (c *manualClock) Set(ms int64)            { c.t = time.UnixMilli(ms) }
func (c *manualClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

var m1 = EntityRef{Type: "member", ID: "m1"}

func pos(x, y float64) conflict.Data {
	return conflict.Data{"position": map[string]any{"x": x, "y": y}}
}

func newTestReconciler(clock *manualClock, opts ...ReconcilerOption) *Reconciler {
	return NewReconciler(nil, append([]ReconcilerOption{WithReconcilerClock(clock.Now)}, opts...)...)
}

// 远端更新：A 在 t=100 提交 {x:1,y:1}，B 本地时间戳 t=90，B 直接采纳，不产生冲突
func TestApplyRemoteChangeRemoteNewer(t *testing.T) {
	clock := &manualClock{}
	clock.Set(90)
	b := newTestReconciler(clock)
	b.Edit(m1, pos(0, 0))

	var conflicts []conflict.Record
	b.OnConflict(func(r conflict.Record) { conflicts = append(conflicts, r) })

	rec := b.ApplyRemoteChange(collab.ChangeEvent{
		Type:            collab.EventEntityUpdated,
		UserID:          "alice",
		EntityType:      "member",
		EntityID:        "m1",
		Version:         1,
		Payload:         pos(1, 1),
		ServerTimestamp: 100,
	})
	assert.Nil(t, rec)
	assert.Empty(t, conflicts)
	assert.Equal(t, pos(1, 1), b.Present()[m1])
	assert.Equal(t, uint64(1), b.Version(m1))
	assert.Empty(t, b.Dirty())
}

// 冲突：B 本地 {x:2,y:2}@105，远端同一实体 @100，生成冲突记录，LWW 保留 B 的较新数据
func TestApplyRemoteChangeConflictKeepsNewerLocal(t *testing.T) {
	clock := &manualClock{}
	clock.Set(105)
	b := newTestReconciler(clock)
	b.Edit(m1, pos(2, 2))

	var conflicts []conflict.Record
	b.OnConflict(func(r conflict.Record) { conflicts = append(conflicts, r) })

	rec := b.ApplyRemoteChange(collab.ChangeEvent{
		Type:            collab.EventEntityUpdated,
		UserID:          "alice",
		EntityType:      "member",
		EntityID:        "m1",
		Version:         1,
		Payload:         pos(1, 1),
		ServerTimestamp: 100,
	})
	require.NotNil(t, rec)
	assert.Equal(t, int64(105), rec.LocalTimestamp)
	assert.Equal(t, int64(100), rec.RemoteTimestamp)
	assert.Equal(t, uint64(0), rec.LocalVersion)
	assert.Equal(t, uint64(1), rec.RemoteVersion)
	require.Len(t, conflicts, 1)

	assert.Equal(t, pos(2, 2), b.Present()[m1])
	// 本地仍需提交，基于服务端最新版本
	assert.Equal(t, []EntityRef{m1}, b.Dirty())
	req, ok := b.NextCommit(m1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), req.BaseVersion)
}

func TestApplyRemoteChangeMergeStrategy(t *testing.T) {
	clock := &manualClock{}
	clock.Set(105)
	b := newTestReconciler(clock, WithStrategy(conflict.Merge))
	b.Edit(m1, conflict.Data{"name": "Local", "position": map[string]any{"x": 2.0, "y": 2.0}})

	b.ApplyRemoteChange(collab.ChangeEvent{
		Type:            collab.EventEntityUpdated,
		EntityType:      "member",
		EntityID:        "m1",
		Version:         1,
		Payload:         conflict.Data{"name": "Remote", "position": map[string]any{"x": 9.0, "y": 9.0}},
		ServerTimestamp: 100,
	})
	got := b.Present()[m1]
	assert.Equal(t, "Local", got["name"])
	assert.Equal(t, map[string]any{"x": 2.0, "y": 2.0}, got["position"])
}

func TestApplyRemoteChangeEqualTimestampKeepsLocal(t *testing.T) {
	clock := &manualClock{}
	clock.Set(100)
	b := newTestReconciler(clock)
	b.Edit(m1, pos(3, 3))

	rec := b.ApplyRemoteChange(collab.ChangeEvent{
		Type:            collab.EventEntityUpdated,
		EntityType:      "member",
		EntityID:        "m1",
		Version:         4,
		Payload:         pos(1, 1),
		ServerTimestamp: 100,
	})
	assert.Nil(t, rec)
	assert.Equal(t, pos(3, 3), b.Present()[m1])
	assert.Equal(t, uint64(4), b.Version(m1))
}

func TestApplyRemoteDeleteAndLockEvents(t *testing.T) {
	clock := &manualClock{}
	clock.Set(10)
	b := newTestReconciler(clock)
	b.Edit(m1, pos(1, 1))

	assert.Nil(t, b.ApplyRemoteChange(collab.ChangeEvent{Type: collab.EventLockAcquired, EntityType: "member", EntityID: "m1", ServerTimestamp: 50}))
	assert.Contains(t, b.Present(), m1)

	b.ApplyRemoteChange(collab.ChangeEvent{Type: collab.EventEntityDeleted, EntityType: "member", EntityID: "m1", Version: 2, ServerTimestamp: 50})
	assert.NotContains(t, b.Present(), m1)
}

func TestRemoteChangesDoNotEnterHistory(t *testing.T) {
	clock := &manualClock{}
	clock.Set(0)
	b := newTestReconciler(clock)
	b.Edit(m1, pos(1, 1))

	clock.Advance(time.Second)
	b.ApplyRemoteChange(collab.ChangeEvent{
		Type:            collab.EventEntityUpdated,
		EntityType:      "set",
		EntityID:        "s1",
		Version:         1,
		Payload:         conflict.Data{"title": "Opener"},
		ServerTimestamp: 5000,
	})
	past, _ := b.history.Depth()
	assert.Equal(t, 1, past)

	// 抑制标记只作用一次：下一次本地编辑照常入栈
	clock.Advance(time.Second)
	b.Edit(m1, pos(2, 2))
	past, _ = b.history.Depth()
	assert.Equal(t, 2, past)
}

func TestUndoRedoDoNotCreateHistory(t *testing.T) {
	clock := &manualClock{}
	clock.Set(0)
	b := newTestReconciler(clock)
	b.Edit(m1, pos(1, 1))
	clock.Advance(time.Second)
	b.Edit(m1, pos(2, 2))

	require.True(t, b.Undo())
	assert.Equal(t, pos(1, 1), b.Present()[m1])
	past, future := b.history.Depth()
	assert.Equal(t, 1, past)
	assert.Equal(t, 1, future)

	// UI 把撤销后的状态回显过来：抑制标记已被消费，这里是一次普通观察，结构相同所以不入栈
	b.Observe(b.Present())
	past, future = b.history.Depth()
	assert.Equal(t, 1, past)
	assert.Equal(t, 1, future)

	require.True(t, b.Redo())
	assert.Equal(t, pos(2, 2), b.Present()[m1])
	assert.False(t, b.Redo())
}

func TestRapidEditsAreCoalesced(t *testing.T) {
	clock := &manualClock{}
	clock.Set(0)
	b := newTestReconciler(clock)

	// 拖动：每 30ms 一次，窗口内合并成一条历史
	for i := 0; i < 5; i++ {
		b.Edit(m1, pos(float64(i), 0))
		clock.Advance(30 * time.Millisecond)
	}
	past, _ := b.history.Depth()
	assert.Equal(t, 1, past)
	assert.Equal(t, pos(4, 0), b.Present()[m1])

	clock.Advance(time.Second)
	b.Edit(m1, pos(10, 10))
	past, _ = b.history.Depth()
	assert.Equal(t, 2, past)

	require.True(t, b.Undo())
	assert.Equal(t, pos(4, 0), b.Present()[m1])
	require.True(t, b.Undo())
	assert.NotContains(t, b.Present(), m1)
}

func TestCoalescingDisabled(t *testing.T) {
	clock := &manualClock{}
	clock.Set(0)
	b := newTestReconciler(clock, WithCoalesceWindow(0))
	b.Edit(m1, pos(1, 0))
	b.Edit(m1, pos(2, 0))
	past, _ := b.history.Depth()
	assert.Equal(t, 2, past)
}

func TestApplyRejectedCommit(t *testing.T) {
	clock := &manualClock{}
	clock.Set(200)
	b := newTestReconciler(clock, WithClientID("tab-1"))
	b.Edit(m1, pos(5, 5))

	req, ok := b.NextCommit(m1)
	require.True(t, ok)
	assert.Equal(t, "tab-1", req.ClientID)
	assert.Equal(t, uint64(1), req.ClientSeq)

	// 服务端已经是 v3（别人在 t=150 写的），本地更新，保留本地
	rec := b.ApplyRejectedCommit(m1, 3, pos(7, 7), 150)
	require.NotNil(t, rec)
	assert.Equal(t, pos(5, 5), b.Present()[m1])

	req, ok = b.NextCommit(m1)
	require.True(t, ok)
	assert.Equal(t, uint64(3), req.BaseVersion)
	assert.Equal(t, uint64(2), req.ClientSeq)

	b.MarkCommitted(collab.ChangeEvent{EntityType: "member", EntityID: "m1", Version: 4, ServerTimestamp: 210}, req.ClientSeq)
	_, ok = b.NextCommit(m1)
	assert.False(t, ok)
	assert.Equal(t, uint64(4), b.Version(m1))
}

func TestResyncAppliesSnapshotOnce(t *testing.T) {
	clock := &manualClock{}
	clock.Set(100)
	b := newTestReconciler(clock)
	b.Edit(m1, pos(1, 1))

	changes := 0
	b.OnChange(func(Document) { changes++ })

	records := b.Resync(collab.DocumentSnapshot{
		DocumentID: "doc-1",
		Entities: []collab.EntitySnapshot{
			{EntityType: "member", EntityID: "m1", Version: 2, Payload: pos(8, 8), UpdatedAt: 90},
			{EntityType: "member", EntityID: "m2", Version: 1, Payload: pos(3, 3), UpdatedAt: 95},
		},
	})
	require.Len(t, records, 1)
	assert.Equal(t, 1, changes)
	assert.Equal(t, pos(1, 1), b.Present()[m1])
	assert.Equal(t, pos(3, 3), b.Present()[EntityRef{Type: "member", ID: "m2"}])
	past, _ := b.history.Depth()
	assert.Equal(t, 1, past)
}

// 没有变化的观察不能开启合并窗口，否则紧随其后的真实编辑不会入栈
func TestNoopObserveDoesNotOpenCoalesceWindow(t *testing.T) {
	clock := &manualClock{}
	clock.Set(0)
	b := newTestReconciler(clock)

	b.Observe(Document{})
	clock.Advance(50 * time.Millisecond)
	b.Edit(m1, pos(1, 1))

	past, _ := b.history.Depth()
	assert.Equal(t, 1, past)
	assert.True(t, b.CanUndo())

	// 同值编辑也一样
	clock.Advance(time.Second)
	b.Edit(m1, pos(1, 1))
	clock.Advance(50 * time.Millisecond)
	b.Edit(m1, pos(2, 2))
	past, _ = b.history.Depth()
	assert.Equal(t, 2, past)
}

// 提交途中又改了同一实体：确认旧提交后仍然 dirty，继续提交新值
func TestMarkCommittedKeepsLaterEditDirty(t *testing.T) {
	clock := &manualClock{}
	clock.Set(100)
	b := newTestReconciler(clock)
	b.Edit(m1, pos(1, 1))

	first, ok := b.NextCommit(m1)
	require.True(t, ok)

	clock.Set(200)
	b.Edit(m1, pos(2, 2))

	b.MarkCommitted(collab.ChangeEvent{EntityType: "member", EntityID: "m1", Version: 1, ServerTimestamp: 150}, first.ClientSeq)
	assert.Equal(t, []EntityRef{m1}, b.Dirty())
	assert.Equal(t, uint64(1), b.Version(m1))

	second, ok := b.NextCommit(m1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), second.BaseVersion)
	assert.Equal(t, pos(2, 2), second.Payload)

	// localTs 不能退回到服务端时间：t=180 的远端变更比本地 t=200 旧
	rec := b.ApplyRemoteChange(collab.ChangeEvent{
		Type:            collab.EventEntityUpdated,
		EntityType:      "member",
		EntityID:        "m1",
		Version:         2,
		Payload:         pos(9, 9),
		ServerTimestamp: 180,
	})
	require.NotNil(t, rec)
	assert.Equal(t, pos(2, 2), b.Present()[m1])

	b.MarkCommitted(collab.ChangeEvent{EntityType: "member", EntityID: "m1", Version: 3, ServerTimestamp: 250}, second.ClientSeq)
	assert.Empty(t, b.Dirty())
}

// 确认序号对不上（重复或过期的确认）时不清除 dirty
func TestMarkCommittedIgnoresUnknownSeq(t *testing.T) {
	clock := &manualClock{}
	clock.Set(100)
	b := newTestReconciler(clock)
	b.Edit(m1, pos(1, 1))

	b.MarkCommitted(collab.ChangeEvent{EntityType: "member", EntityID: "m1", Version: 1, ServerTimestamp: 150}, 42)
	assert.Equal(t, []EntityRef{m1}, b.Dirty())
	assert.Equal(t, uint64(1), b.Version(m1))
}

// 撤销/重做后的状态也要提交给服务端
func TestUndoRedoMarkEntitiesDirty(t *testing.T) {
	clock := &manualClock{}
	clock.Set(0)
	b := newTestReconciler(clock)
	b.Edit(m1, pos(1, 1))
	clock.Advance(time.Second)
	b.Edit(m1, pos(2, 2))

	req, ok := b.NextCommit(m1)
	require.True(t, ok)
	b.MarkCommitted(collab.ChangeEvent{EntityType: "member", EntityID: "m1", Version: 1, ServerTimestamp: 1000}, req.ClientSeq)
	require.Empty(t, b.Dirty())

	clock.Advance(time.Second)
	require.True(t, b.Undo())
	assert.Equal(t, []EntityRef{m1}, b.Dirty())
	req, ok = b.NextCommit(m1)
	require.True(t, ok)
	assert.Equal(t, pos(1, 1), req.Payload)
	assert.Equal(t, uint64(1), req.BaseVersion)
	b.MarkCommitted(collab.ChangeEvent{EntityType: "member", EntityID: "m1", Version: 2, ServerTimestamp: 2000}, req.ClientSeq)

	// 撤到最初：实体不存在，提交删除
	clock.Advance(time.Second)
	require.True(t, b.Undo())
	req, ok = b.NextCommit(m1)
	require.True(t, ok)
	assert.Equal(t, collab.EventEntityDeleted, req.Type)
	b.MarkCommitted(collab.ChangeEvent{Type: collab.EventEntityDeleted, EntityType: "member", EntityID: "m1", Version: 3, ServerTimestamp: 3000}, req.ClientSeq)
	require.Empty(t, b.Dirty())

	clock.Advance(time.Second)
	require.True(t, b.Redo())
	req, ok = b.NextCommit(m1)
	require.True(t, ok)
	assert.Equal(t, pos(1, 1), req.Payload)
	assert.Equal(t, uint64(3), req.BaseVersion)

	// 撤销仍然不产生新的历史
	past, future := b.history.Depth()
	assert.Equal(t, 1, past)
	assert.Equal(t, 1, future)
}

// 同值编辑不产生提交
func TestEditWithSameDataIsNoop(t *testing.T) {
	clock := &manualClock{}
	clock.Set(100)
	b := newTestReconciler(clock)
	b.Edit(m1, pos(1, 1))
	req, ok := b.NextCommit(m1)
	require.True(t, ok)
	b.MarkCommitted(collab.ChangeEvent{EntityType: "member", EntityID: "m1", Version: 1, ServerTimestamp: 150}, req.ClientSeq)

	changes := 0
	b.OnChange(func(Document) { changes++ })
	clock.Set(300)
	b.Edit(m1, pos(1, 1))

	assert.Empty(t, b.Dirty())
	_, ok = b.NextCommit(m1)
	assert.False(t, ok)
	assert.Equal(t, 0, changes)
	past, _ := b.history.Depth()
	assert.Equal(t, 1, past)
}
