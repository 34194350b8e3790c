package correlate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableDeliver(t *testing.T) {
	tbl := New()
	wait := tbl.Track("req-1", "planner", time.Second)

	go func() {
		time.Sleep(10 * time.Millisecond)
		assert.True(t, tbl.Deliver("req-1", "pong"))
	}()

	v, err := wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pong", v)
	assert.Equal(t, 0, tbl.Len())
}

func TestTableTimeoutMessageNamesAgent(t *testing.T) {
	tbl := New()
	timeout := 50 * time.Millisecond
	wait := tbl.Track("req-2", "researcher", timeout)

	start := time.Now()
	_, err := wait(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "Agent researcher did not respond within 50 ms", err.Error())
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+timeout/2)
	assert.Equal(t, 0, tbl.Len())
}

func TestTableDeliverUnknownID(t *testing.T) {
	tbl := New()
	assert.False(t, tbl.Deliver("no-such-request", "x"))
}

func TestTableSecondDeliverIsNoOp(t *testing.T) {
	tbl := New()
	wait := tbl.Track("req-once", "planner", time.Second)

	assert.True(t, tbl.Deliver("req-once", "first"))
	assert.False(t, tbl.Deliver("req-once", "second"))

	v, err := wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestTableRejectPropagatesError(t *testing.T) {
	tbl := New()
	wait := tbl.Track("req-3", "planner", time.Second)

	go tbl.Reject("req-3", assertErr("boom"))

	_, err := wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestTableContextCancel(t *testing.T) {
	tbl := New()
	ctx, cancel := context.WithCancel(context.Background())
	wait := tbl.Track("req-4", "planner", time.Second)
	cancel()

	_, err := wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSweepReclaimsExpiredEntries(t *testing.T) {
	tbl := New()
	// Track but never invoke the waiter: the entry is abandoned and only
	// Sweep can reclaim it.
	tbl.Track("req-5", "planner", -time.Second)

	assert.Equal(t, 1, tbl.Len())
	assert.Equal(t, 1, tbl.Sweep())
	assert.Equal(t, 0, tbl.Len())
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
