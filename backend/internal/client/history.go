package client

import "reflect"

const DefaultHistoryDepth = 100

// History 整份快照的撤销/重做栈。
// - present 永远等于当前渲染的状态
// - Push 与 present 结构相同的状态是 no-op
// - Undo 之后的任何 Push 都清空 future
// 不是并发安全的，调用方串行使用（Reconciler 在自己的锁里调用）。
type History[T any] struct {
	past    []T
	present T
	future  []T

	maxDepth int
	equal    func(a, b T) bool
}

type HistoryOption[T any] func(*History[T])

// WithMaxDepth past 最多保留 n 个快照，超出时丢弃最旧的
func WithMaxDepth[T any](n int) HistoryOption[T] {
	return func(h *History[T]) {
		if n > 0 {
			h.maxDepth = n
		}
	}
}

// WithEqual 自定义结构相等判断，默认 reflect.DeepEqual
func WithEqual[T any](eq func(a, b T) bool) HistoryOption[T] {
	return func(h *History[T]) {
		if eq != nil {
			h.equal = eq
		}
	}
}

func NewHistory[T any](initial T, opts ...HistoryOption[T]) *History[T] {
	h := &History[T]{
		present:  initial,
		maxDepth: DefaultHistoryDepth,
		equal:    func(a, b T) bool { return reflect.DeepEqual(a, b) },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *History[T]) Present() T { return h.present }

// Push 记录一个新状态，返回是否真的入栈
func (h *History[T]) Push(s T) bool {
	if h.equal(h.present, s) {
		return false
	}
	h.past = append(h.past, h.present)
	if len(h.past) > h.maxDepth {
		// 复制一份，避免底层数组无限增长
		h.past = append([]T(nil), h.past[len(h.past)-h.maxDepth:]...)
	}
	h.present = s
	h.future = nil
	return true
}

// ReplacePresent 替换 present 但不产生历史记录（合并连续编辑、远端状态、撤销后的回显）
func (h *History[T]) ReplacePresent(s T) {
	h.present = s
}

func (h *History[T]) Undo() (T, bool) {
	if len(h.past) == 0 {
		return h.present, false
	}
	prev := h.past[len(h.past)-1]
	h.past = h.past[:len(h.past)-1]
	h.future = append(h.future, h.present)
	h.present = prev
	return prev, true
}

func (h *History[T]) Redo() (T, bool) {
	if len(h.future) == 0 {
		return h.present, false
	}
	next := h.future[len(h.future)-1]
	h.future = h.future[:len(h.future)-1]
	h.past = append(h.past, h.present)
	h.present = next
	return next, true
}

func (h *History[T]) CanUndo() bool { return len(h.past) > 0 }
func (h *History[T]) CanRedo() bool { return len(h.future) > 0 }

// Depth 返回 past、future 的长度
func (h *History[T]) Depth() (past, future int) {
	return len(h.past), len(h.future)
}
