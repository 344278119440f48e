package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultBackoffSchedule(t *testing.T) {
	var got []time.Duration
	for n := 1; n <= 5; n++ {
		got = append(got, DefaultBackoff.Delay(n))
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, got)
	assert.Equal(t, 30*time.Second, DefaultBackoff.Delay(6))
	assert.Equal(t, 30*time.Second, DefaultBackoff.Delay(60))
	assert.Equal(t, time.Second, DefaultBackoff.Delay(0))
}

func TestBackoffExhausted(t *testing.T) {
	assert.False(t, DefaultBackoff.Exhausted(5))
	assert.True(t, DefaultBackoff.Exhausted(6))
}
