package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupFlagsRepeatWithinTTL(t *testing.T) {
	d := newDedup(time.Minute)

	assert.False(t, d.isDuplicate("edge-1"))
	assert.True(t, d.isDuplicate("edge-1"))
	assert.False(t, d.isDuplicate("edge-2"))
}

func TestDedupExpiresAfterTTL(t *testing.T) {
	d := newDedup(10 * time.Millisecond)

	assert.False(t, d.isDuplicate("edge-1"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, d.isDuplicate("edge-1"))
}

func TestDedupSweepDropsStaleEntries(t *testing.T) {
	d := newDedup(10 * time.Millisecond)

	d.isDuplicate("edge-1")
	d.isDuplicate("edge-2")
	time.Sleep(20 * time.Millisecond)
	d.isDuplicate("edge-3")

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Len(t, d.seen, 1)
}
