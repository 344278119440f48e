package collab

import (
	"context"
	"errors"
	"fmt"
)

const DefaultSemaphoreSize = 100

var (
	ErrSemaphoreTimeout  = errors.New("semaphore: acquire timed out")
	ErrSemaphoreNotTaken = errors.New("semaphore: release without acquire")
)

// SemaphoreControl 计数信号量，限制同时进行的提交处理 / Kafka 发送
type SemaphoreControl struct {
	slots chan struct{}
}

func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = DefaultSemaphoreSize
	}
	return &SemaphoreControl{slots: make(chan struct{}, size)}
}

// Acquire 阻塞到拿到名额或 ctx 结束
func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrSemaphoreTimeout, ctx.Err())
	}
}

// TryAcquire 不等待
func (s *SemaphoreControl) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.slots:
		return nil
	default:
		return ErrSemaphoreNotTaken
	}
}

// InFlight 当前占用的名额
func (s *SemaphoreControl) InFlight() int { return len(s.slots) }

func (s *SemaphoreControl) Size() int { return cap(s.slots) }
