package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestScheduleRuns(t *testing.T) {
	s := NewScheduler()
	defer s.Close()
	g := s.NewGroup()

	done := make(chan struct{})
	g.Schedule(func() { close(done) }, 10*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	assert.Equal(t, 0, g.Pending())
}

func TestScheduleFloorsDelay(t *testing.T) {
	s := NewScheduler()
	defer s.Close()
	g := s.NewGroup()

	start := time.Now()
	done := make(chan time.Time, 1)
	g.Schedule(func() { done <- time.Now() }, 0)

	select {
	case at := <-done:
		assert.GreaterOrEqual(t, at.Sub(start), MinDelay)
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestCancelIsTransitive(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	root := s.NewGroup()
	child := root.NewChild()
	grandchild := child.NewChild()

	var fired atomic.Int32
	for _, g := range []*Group{root, child, grandchild} {
		for i := 0; i < 5; i++ {
			g.Schedule(func() { fired.Add(1) }, 20*time.Millisecond)
		}
	}

	root.Cancel()
	time.Sleep(80 * time.Millisecond)

	assert.Equal(t, int32(0), fired.Load())
	assert.True(t, child.Canceled())
	assert.True(t, grandchild.Canceled())
	assert.Equal(t, 0, grandchild.Pending())
}

func TestCancelChildLeavesParentRunning(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	root := s.NewGroup()
	child := root.NewChild()

	var parentFired, childFired atomic.Int32
	root.Schedule(func() { parentFired.Add(1) }, 20*time.Millisecond)
	child.Schedule(func() { childFired.Add(1) }, 20*time.Millisecond)

	child.Cancel()
	child.Cancel()

	require.Eventually(t, func() bool { return parentFired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), childFired.Load())

	root.mu.Lock()
	_, attached := root.children[child]
	root.mu.Unlock()
	assert.False(t, attached, "canceled child should detach from parent")
}

func TestChildOfCanceledGroupIsCanceled(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	root := s.NewGroup()
	root.Cancel()

	child := root.NewChild()
	assert.True(t, child.Canceled())

	var fired atomic.Int32
	child.Schedule(func() { fired.Add(1) }, MinDelay)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestPanickingTaskDoesNotStopSiblings(t *testing.T) {
	s := NewScheduler()
	defer s.Close()
	g := s.NewGroup()

	done := make(chan struct{})
	g.Schedule(func() { panic("boom") }, 5*time.Millisecond)
	g.Schedule(func() { close(done) }, 15*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sibling task did not run after panic")
	}
	assert.False(t, g.Canceled())
}

func TestTaskStop(t *testing.T) {
	s := NewScheduler()
	defer s.Close()
	g := s.NewGroup()

	var fired atomic.Int32
	task := g.Schedule(func() { fired.Add(1) }, 20*time.Millisecond)
	task.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, 0, g.Pending())
}

func TestTasksRunSerially(t *testing.T) {
	s := NewScheduler()
	defer s.Close()
	g := s.NewGroup()

	var running, overlap atomic.Int32
	var count atomic.Int32
	for i := 0; i < 10; i++ {
		g.Schedule(func() {
			if running.Add(1) > 1 {
				overlap.Add(1)
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			count.Add(1)
		}, 5*time.Millisecond)
	}

	require.Eventually(t, func() bool { return count.Load() == 10 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), overlap.Load())
}
