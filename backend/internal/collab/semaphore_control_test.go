package collab

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphoreControl(t *testing.T) {
	sem := NewSemaphoreControl(2)
	assert.Equal(t, 2, sem.Size())

	require.NoError(t, sem.Acquire(context.Background()))
	assert.True(t, sem.TryAcquire())
	assert.False(t, sem.TryAcquire())
	assert.Equal(t, 2, sem.InFlight())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sem.Acquire(ctx), ErrSemaphoreTimeout)

	require.NoError(t, sem.Release())
	require.NoError(t, sem.Release())
	assert.ErrorIs(t, sem.Release(), ErrSemaphoreNotTaken)
	assert.Equal(t, 0, sem.InFlight())
}

func TestSemaphoreControlDefaultSize(t *testing.T) {
	assert.Equal(t, DefaultSemaphoreSize, NewSemaphoreControl(0).Size())
}
