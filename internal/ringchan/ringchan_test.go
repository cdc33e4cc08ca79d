//go:build test

package ringchan_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowlink/stick/internal/ringchan"
)

func TestSendAndReceive(t *testing.T) {
	// GOAL: Verify items flow through in order when the buffer has room
	//
	// TEST SCENARIO: Send 3 into capacity 4 → receive the same 3 in order

	rc := ringchan.New[int](4)
	rc.Send(1)
	rc.Send(2)
	rc.Send(3)
	rc.Close()

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2, 3}, got, "items MUST arrive in send order")
	assert.Zero(t, rc.Dropped(), "nothing MUST be dropped under capacity")
}

func TestOverwriteOldest(t *testing.T) {
	// GOAL: Verify producers never block: a full buffer discards the oldest item
	//
	// TEST SCENARIO: Send 6 into capacity 3 with no consumer → the newest 3 survive

	rc := ringchan.New[int](3)
	for i := 1; i <= 6; i++ {
		rc.Send(i)
	}
	rc.Close()

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{4, 5, 6}, got, "the newest items MUST survive")
	assert.Equal(t, uint64(3), rc.Dropped(), "drop counter MUST track discarded items")
}

func TestSendAfterCloseIsNoop(t *testing.T) {
	// GOAL: Verify Send after Close neither panics nor delivers
	//
	// TEST SCENARIO: Close → Send → channel yields nothing new

	rc := ringchan.New[string](2)
	rc.Send("kept")
	rc.Close()

	require.NotPanics(t, func() { rc.Send("lost") }, "send after close MUST NOT panic")

	var got []string
	for v := range rc.C() {
		got = append(got, v)
	}
	assert.Equal(t, []string{"kept"}, got, "post-close sends MUST be discarded")
}

func TestSendRacingCloseIsSafe(t *testing.T) {
	// GOAL: Verify Send racing Close never panics on a closed channel
	//
	// TEST SCENARIO: Four producers hammer Send while Close lands mid-stream →
	// no panic, and draining the channel terminates

	rc := ringchan.New[int](4)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				rc.Send(i)
			}
		}()
	}
	rc.Close()
	wg.Wait()

	count := 0
	for range rc.C() {
		count++
	}
	assert.LessOrEqual(t, count, 4, "the drained backlog MUST fit the capacity")
}

func TestZeroCapacityPanics(t *testing.T) {
	// GOAL: Verify a zero capacity ring is a programming error
	//
	// TEST SCENARIO: New(0) → panic

	assert.Panics(t, func() { ringchan.New[int](0) }, "zero capacity MUST panic")
}
