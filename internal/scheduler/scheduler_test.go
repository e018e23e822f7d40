package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCreatedPausedAndTicksOnlyAfterStart(t *testing.T) {
	mock := clock.NewMock()
	s := New(context.Background(), mock)

	var count int64
	job := s.GetJob("tick", func(ctx context.Context, params map[string]any) error {
		atomic.AddInt64(&count, 1)
		return nil
	}, time.Second, nil, false, 0)

	mock.Add(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&count), "job must not tick before Start")

	job.Start()
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return atomic.LoadInt64(&count) >= 3
	}, time.Second, time.Millisecond)
}

func TestJobCancelStopsTicking(t *testing.T) {
	mock := clock.NewMock()
	s := New(context.Background(), mock)

	var count int64
	job := s.GetJob("tick", func(ctx context.Context, params map[string]any) error {
		atomic.AddInt64(&count, 1)
		return nil
	}, time.Second, nil, false, 0)
	job.Start()

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt64(&count) == 1 }, time.Second, time.Millisecond)

	job.Cancel()
	assert.False(t, job.Running())
	mock.Add(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&count))
}

func TestJobCancelOnExceptionStopsAfterError(t *testing.T) {
	mock := clock.NewMock()
	s := New(context.Background(), mock)

	var count int64
	boom := errors.New("boom")
	job := s.GetJob("fails", func(ctx context.Context, params map[string]any) error {
		atomic.AddInt64(&count, 1)
		return boom
	}, time.Second, nil, true, 0)
	job.Start()

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return !job.Running() }, time.Second, time.Millisecond)
	mock.Add(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&count))
}

func TestJobParamsPassedThrough(t *testing.T) {
	mock := clock.NewMock()
	s := New(context.Background(), mock)

	seen := make(chan map[string]any, 1)
	job := s.GetJob("params", func(ctx context.Context, params map[string]any) error {
		seen <- params
		return nil
	}, time.Second, map[string]any{"name": "dev1"}, false, 0)
	job.Start()
	mock.Add(time.Second)

	select {
	case p := <-seen:
		assert.Equal(t, "dev1", p["name"])
	case <-time.After(time.Second):
		t.Fatal("job never ticked")
	}
}

func TestSingleThreadBackendSerializesCallbacks(t *testing.T) {
	mock := clock.NewMock()
	s := New(context.Background(), mock, WithBackend(SingleThread))

	var mu sync.Mutex
	var active, maxActive int
	enter := func() {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
	}
	leave := func() {
		mu.Lock()
		active--
		mu.Unlock()
	}

	cb := func(ctx context.Context, params map[string]any) error {
		enter()
		time.Sleep(5 * time.Millisecond)
		leave()
		return nil
	}
	j1 := s.GetJob("a", cb, time.Second, nil, false, 0)
	j2 := s.GetJob("b", cb, time.Second, nil, false, 0)
	j1.Start()
	j2.Start()

	mock.Add(time.Second)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxActive, 1, "single-thread backend must never run two callbacks concurrently")
}

func TestSetBackendRestartsRunningJobs(t *testing.T) {
	mock := clock.NewMock()
	s := New(context.Background(), mock)

	var count int64
	job := s.GetJob("tick", func(ctx context.Context, params map[string]any) error {
		atomic.AddInt64(&count, 1)
		return nil
	}, time.Second, nil, false, 0)
	job.Start()
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt64(&count) == 1 }, time.Second, time.Millisecond)

	s.SetBackend(SingleThread)
	assert.True(t, job.Running())

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt64(&count) == 2 }, time.Second, time.Millisecond)
}
