package client

import (
	"sort"
	"sync"
	"time"

	"drillCollab/backend/internal/collab"
	"drillCollab/backend/internal/conflict"
)

const DefaultCoalesceWindow = 100 * time.Millisecond

// EntityRef 文档内实体的标识
type EntityRef struct {
	Type string
	ID   string
}

// Document 队形文档的整份快照。
// 快照一旦进入 History 就不能再修改：所有变更都先复制再写（见 with）。
type Document map[EntityRef]conflict.Data

func (d Document) with(ref EntityRef, data conflict.Data) Document {
	out := make(Document, len(d)+1)
	for k, v := range d {
		out[k] = v
	}
	if data == nil {
		delete(out, ref)
	} else {
		out[ref] = conflict.Clone(data)
	}
	return out
}

// entityMeta 本地对某个实体的认知
type entityMeta struct {
	version uint64 // 已知的服务端版本，下次提交的 baseVersion
	localTs int64  // 本地状态对应的时间戳（本地编辑时间或采纳的服务端时间，unix 毫秒）
	dirty   bool   // 有未提交的本地修改
	// editSeq 每次本地修改（编辑、撤销、重做）递增；提交确认时据此判断期间是否又改过
	editSeq uint64
}

// pendingCommit 已发出、尚未确认的提交对应的本地修改位置
type pendingCommit struct {
	ref     EntityRef
	editSeq uint64
}

// Reconciler 客户端协调器：本地乐观编辑 + 撤销/重做 + 合并远端变更。
// 方法可以从 UI 线程和连接的读协程同时调用，内部串行化。
type Reconciler struct {
	mu       sync.Mutex
	history  *History[Document]
	meta     map[EntityRef]*entityMeta
	strategy conflict.Strategy

	now            func() time.Time
	coalesceWindow time.Duration
	lastEditAt     time.Time
	// 单次抑制标记：撤销、重做、远端变更产生的状态不能被下一次观察当作本地编辑再入栈
	suppressNext bool

	clientID  string
	clientSeq uint64
	// 按 clientSeq 索引；同一实体只保留最新一次
	pending map[uint64]pendingCommit

	onChange   []func(Document)
	onConflict []func(conflict.Record)
}

type ReconcilerOption func(*Reconciler)

func WithStrategy(s conflict.Strategy) ReconcilerOption {
	return func(r *Reconciler) { r.strategy = s }
}

func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// WithCoalesceWindow 0 表示不合并
func WithCoalesceWindow(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.coalesceWindow = d }
}

func WithHistoryDepth(n int) ReconcilerOption {
	return func(r *Reconciler) {
		r.history = NewHistory(r.history.Present(), WithMaxDepth[Document](n))
	}
}

func WithClientID(id string) ReconcilerOption {
	return func(r *Reconciler) { r.clientID = id }
}

func NewReconciler(initial Document, opts ...ReconcilerOption) *Reconciler {
	if initial == nil {
		initial = Document{}
	}
	r := &Reconciler{
		history:        NewHistory(initial),
		meta:           make(map[EntityRef]*entityMeta),
		pending:        make(map[uint64]pendingCommit),
		strategy:       conflict.LastWriteWins,
		now:            time.Now,
		coalesceWindow: DefaultCoalesceWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnChange present 变化后回调（在锁外，按变化顺序）
func (r *Reconciler) OnChange(fn func(Document)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

func (r *Reconciler) OnConflict(fn func(conflict.Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onConflict = append(r.onConflict, fn)
}

func (r *Reconciler) Present() Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history.Present()
}

func (r *Reconciler) CanUndo() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history.CanUndo()
}

func (r *Reconciler) CanRedo() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history.CanRedo()
}

// Edit 本地修改一个实体；data 为 nil 表示删除
func (r *Reconciler) Edit(ref EntityRef, data conflict.Data) {
	r.mu.Lock()
	cur := r.history.Present()
	next := cur.with(ref, data)
	if r.history.equal(cur, next) {
		r.mu.Unlock()
		return
	}
	r.touchLocked(ref)
	changed := r.observeLocked(next)
	r.mu.Unlock()
	r.emit(changed, nil)
}

// touchLocked 记一次本地修改
func (r *Reconciler) touchLocked(ref EntityRef) {
	m := r.metaLocked(ref)
	m.localTs = r.now().UnixMilli()
	m.dirty = true
	m.editSeq++
}

// Observe 观察到一次状态变化（例如 UI 直接改了整份文档）。
// 抑制标记未设置时按本地编辑处理：窗口内的连续编辑合并成一条历史。
func (r *Reconciler) Observe(doc Document) {
	r.mu.Lock()
	changed := r.observeLocked(doc)
	r.mu.Unlock()
	r.emit(changed, nil)
}

// 返回新的 present；状态没有变化时返回 nil，也不开启合并窗口
func (r *Reconciler) observeLocked(doc Document) Document {
	if r.suppressNext {
		r.suppressNext = false
		r.history.ReplacePresent(doc)
		return doc
	}
	if r.history.equal(r.history.Present(), doc) {
		return nil
	}
	now := r.now()
	if r.coalesceWindow > 0 && !r.lastEditAt.IsZero() && now.Sub(r.lastEditAt) < r.coalesceWindow {
		r.history.ReplacePresent(doc)
	} else {
		r.history.Push(doc)
	}
	r.lastEditAt = now
	return doc
}

// applyLocked 非本地编辑产生的状态：先设抑制标记，再走一次观察
func (r *Reconciler) applyLocked(doc Document) Document {
	r.suppressNext = true
	// 撤销/远端变更打断连续编辑，下一次本地编辑重新开一条历史
	r.lastEditAt = time.Time{}
	return r.observeLocked(doc)
}

// Undo/Redo 恢复的状态同样要提交给服务端：变化的实体标记为本地修改，但不产生新的历史
func (r *Reconciler) Undo() bool {
	r.mu.Lock()
	before := r.history.Present()
	prev, ok := r.history.Undo()
	var changed Document
	if ok {
		r.touchChangedLocked(before, prev)
		changed = r.applyLocked(prev)
	}
	r.mu.Unlock()
	if ok {
		r.emit(changed, nil)
	}
	return ok
}

func (r *Reconciler) Redo() bool {
	r.mu.Lock()
	before := r.history.Present()
	next, ok := r.history.Redo()
	var changed Document
	if ok {
		r.touchChangedLocked(before, next)
		changed = r.applyLocked(next)
	}
	r.mu.Unlock()
	if ok {
		r.emit(changed, nil)
	}
	return ok
}

func (r *Reconciler) touchChangedLocked(before, after Document) {
	for ref, data := range before {
		if other, ok := after[ref]; !ok || !r.history.equal(Document{ref: data}, Document{ref: other}) {
			r.touchLocked(ref)
		}
	}
	for ref := range after {
		if _, ok := before[ref]; !ok {
			r.touchLocked(ref)
		}
	}
}

// ApplyRemoteChange 合并一条远端变更，和本地该实体的时间戳比较：
// - 远端更新：直接采纳，不算冲突
// - 远端更旧：版本不一致时生成冲突记录，按策略解决后采纳结果
// - 相等：认为已经收敛，保持本地
// 返回冲突记录（没有冲突时为 nil）。锁事件直接忽略。
func (r *Reconciler) ApplyRemoteChange(evt collab.ChangeEvent) *conflict.Record {
	if evt.IsLockEvent() {
		return nil
	}
	r.mu.Lock()
	next, rec := r.reconcileLocked(r.history.Present(), evt)
	var changed Document
	if next != nil {
		changed = r.applyLocked(next)
	}
	r.mu.Unlock()
	r.emit(changed, rec)
	return rec
}

// reconcileLocked 返回新的文档（无变化时为 nil）和冲突记录
func (r *Reconciler) reconcileLocked(doc Document, evt collab.ChangeEvent) (Document, *conflict.Record) {
	ref := EntityRef{Type: evt.EntityType, ID: evt.EntityID}
	m := r.metaLocked(ref)
	var remote conflict.Data
	if evt.Type != collab.EventEntityDeleted {
		remote = evt.Payload
	}
	remoteTs := evt.ServerTimestamp

	switch {
	case remoteTs > m.localTs:
		if evt.Version > m.version {
			m.version = evt.Version
		}
		m.localTs = remoteTs
		m.dirty = false
		return doc.with(ref, remote), nil

	case remoteTs < m.localTs:
		rec := conflict.Detect(ref.Type, ref.ID, m.version, evt.Version, m.localTs, remoteTs)
		if evt.Version > m.version {
			m.version = evt.Version
		}
		if rec == nil {
			return nil, nil
		}
		resolved := conflict.Resolve(*rec, doc[ref], remote, r.strategy)
		// 本地仍然较新，保留 dirty，之后以新的 baseVersion 重新提交
		return doc.with(ref, resolved), rec

	default:
		if evt.Version > m.version {
			m.version = evt.Version
		}
		return nil, nil
	}
}

// ApplyRejectedCommit 提交因版本冲突被拒时，用服务端返回的 {serverVersion, remoteData} 走一遍冲突处理
func (r *Reconciler) ApplyRejectedCommit(ref EntityRef, serverVersion uint64, remoteData conflict.Data, remoteTs int64) *conflict.Record {
	evtType := collab.EventEntityUpdated
	if remoteData == nil {
		evtType = collab.EventEntityDeleted
	}
	return r.ApplyRemoteChange(collab.ChangeEvent{
		Type:            evtType,
		EntityType:      ref.Type,
		EntityID:        ref.ID,
		Version:         serverVersion,
		Payload:         remoteData,
		ServerTimestamp: remoteTs,
	})
}

// MarkCommitted 自己的提交（clientSeq 为 NextCommit 生成的序号）被服务端确认。
// 提交发出后又改过该实体时保持 dirty，下一次 NextCommit 以新版本为基础继续提交。
func (r *Reconciler) MarkCommitted(evt collab.ChangeEvent, clientSeq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := EntityRef{Type: evt.EntityType, ID: evt.EntityID}
	m := r.metaLocked(ref)
	if evt.Version > m.version {
		m.version = evt.Version
	}
	if evt.ServerTimestamp > m.localTs {
		m.localTs = evt.ServerTimestamp
	}
	p, ok := r.pending[clientSeq]
	if !ok || p.ref != ref {
		return
	}
	delete(r.pending, clientSeq)
	if p.editSeq == m.editSeq {
		m.dirty = false
	}
}

// Resync 重连后用服务端权威快照对齐本地状态，整体只产生一次变化
func (r *Reconciler) Resync(snap collab.DocumentSnapshot) []conflict.Record {
	r.mu.Lock()
	doc := r.history.Present()
	var records []conflict.Record
	changed := false
	for _, e := range snap.Entities {
		evt := collab.ChangeEvent{
			Type:            collab.EventEntityUpdated,
			DocumentID:      snap.DocumentID,
			EntityType:      e.EntityType,
			EntityID:        e.EntityID,
			Version:         e.Version,
			Payload:         e.Payload,
			ServerTimestamp: e.UpdatedAt,
		}
		if e.Deleted {
			evt.Type = collab.EventEntityDeleted
		}
		next, rec := r.reconcileLocked(doc, evt)
		if next != nil {
			doc = next
			changed = true
		}
		if rec != nil {
			records = append(records, *rec)
		}
	}
	var out Document
	if changed {
		out = r.applyLocked(doc)
	}
	r.mu.Unlock()

	r.emit(out, nil)
	for _, rec := range records {
		r.emitConflict(rec)
	}
	return records
}

// Dirty 有未提交修改的实体，按 (type, id) 排序
func (r *Reconciler) Dirty() []EntityRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EntityRef
	for ref, m := range r.meta {
		if m.dirty {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// NextCommit 为有未提交修改的实体生成提交请求；没有修改时返回 false
func (r *Reconciler) NextCommit(ref EntityRef) (collab.CommitRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.meta[ref]
	if !ok || !m.dirty {
		return collab.CommitRequest{}, false
	}
	r.clientSeq++
	for seq, p := range r.pending {
		if p.ref == ref {
			delete(r.pending, seq)
		}
	}
	r.pending[r.clientSeq] = pendingCommit{ref: ref, editSeq: m.editSeq}
	req := collab.CommitRequest{
		Type:        collab.EventEntityUpdated,
		EntityType:  ref.Type,
		EntityID:    ref.ID,
		BaseVersion: m.version,
		ClientID:    r.clientID,
		ClientSeq:   r.clientSeq,
	}
	data, present := r.history.Present()[ref]
	if !present {
		req.Type = collab.EventEntityDeleted
	} else {
		req.Payload = conflict.Clone(data)
	}
	return req, true
}

// Version 本地已知的服务端版本
func (r *Reconciler) Version(ref EntityRef) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.meta[ref]; ok {
		return m.version
	}
	return 0
}

func (r *Reconciler) metaLocked(ref EntityRef) *entityMeta {
	m, ok := r.meta[ref]
	if !ok {
		m = &entityMeta{}
		r.meta[ref] = m
	}
	return m
}

func (r *Reconciler) emit(doc Document, rec *conflict.Record) {
	if rec != nil {
		r.emitConflict(*rec)
	}
	if doc == nil {
		return
	}
	r.mu.Lock()
	handlers := append([]func(Document){}, r.onChange...)
	r.mu.Unlock()
	for _, fn := range handlers {
		fn(doc)
	}
}

func (r *Reconciler) emitConflict(rec conflict.Record) {
	r.mu.Lock()
	handlers := append([]func(conflict.Record){}, r.onConflict...)
	r.mu.Unlock()
	for _, fn := range handlers {
		fn(rec)
	}
}
