package clock_test

import (
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/forestwatch/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealEveryStops(t *testing.T) {
	var n atomic.Int32
	tm := clock.Real().Every(5*time.Millisecond, func() { n.Add(1) })

	require.Eventually(t, func() bool { return n.Load() >= 2 }, time.Second, time.Millisecond)
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())

	after := n.Load()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, n.Load(), after+1)
}

func TestRealAfterFunc(t *testing.T) {
	done := make(chan struct{})
	clock.Real().AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback did not run")
	}
}
