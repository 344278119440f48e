package collab

import (
	"drillCollab/backend/internal/lock"
)

var lockEventTypes = map[lock.ChangeKind]string{
	lock.ChangeAcquired:  EventLockAcquired,
	lock.ChangeRefreshed: EventLockRefreshed,
	lock.ChangeReleased:  EventLockReleased,
	lock.ChangeExpired:   EventLockExpired,
}

// BroadcastLockChanges 把锁表的状态变化转成 ChangeEvent 推给同文档的其他协作者，
// 让他们的编辑器能显示“某成员正在被谁编辑”
func BroadcastLockChanges(locks *lock.Manager, pub Publisher, now func() int64) {
	locks.Watch(func(c lock.Change) {
		evtType, ok := lockEventTypes[c.Kind]
		if !ok {
			return
		}
		pub.Publish(c.Lock.DocumentID, LockEvent(evtType, c.Lock, now()))
	})
}

func LockEvent(evtType string, l lock.Lock, ts int64) ChangeEvent {
	return ChangeEvent{
		Type:       evtType,
		DocumentID: l.DocumentID,
		UserID:     l.OwnerID,
		EntityType: l.EntityType,
		EntityID:   l.EntityID,
		Payload: map[string]any{
			"ownerId":   l.OwnerID,
			"expiresAt": l.ExpiresAt.UnixMilli(),
		},
		ServerTimestamp: ts,
	}
}
