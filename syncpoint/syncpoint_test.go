package syncpoint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialState(t *testing.T) {
	s := New()
	assert.Equal(t, int64(-1), s.CurrentVersion())
	require.NoError(t, s.WaitForVersion(context.Background(), -1))
}

func TestWaitForResultBeforeSet(t *testing.T) {
	s := New()
	got := make(chan any, 1)
	go func() {
		res, err := s.WaitForResult(context.Background(), 3)
		assert.NoError(t, err)
		got <- res
	}()

	time.Sleep(20 * time.Millisecond)
	s.SetResult(2, "two")
	select {
	case <-got:
		t.Fatal("woke up before its sequence number")
	case <-time.After(20 * time.Millisecond):
	}

	s.SetResult(3, "three")
	assert.Equal(t, "three", <-got)

	res, err := s.WaitForResult(context.Background(), 3)
	require.NoError(t, err)
	assert.Nil(t, res, "a result is delivered only once")
}

func TestVersionOnlyRecord(t *testing.T) {
	s := New()
	s.SetResult(0, nil)
	assert.Equal(t, int64(0), s.CurrentVersion())

	res, err := s.WaitForResult(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestMonotonicity(t *testing.T) {
	s := New()
	const n = 200

	var wg sync.WaitGroup
	results := make([]any, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.WaitForResult(context.Background(), int64(i))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	stop := make(chan struct{})
	observed := make(chan bool, 1)
	go func() {
		last := int64(-1)
		ok := true
		for {
			select {
			case <-stop:
				observed <- ok
				return
			default:
			}
			v := s.CurrentVersion()
			if v < last {
				ok = false
			}
			last = v
		}
	}()

	for i := 0; i < n; i++ {
		s.SetResult(int64(i), i)
	}
	wg.Wait()
	close(stop)

	assert.True(t, <-observed, "CurrentVersion went backwards")
	assert.Equal(t, int64(n-1), s.CurrentVersion())
	for i, res := range results {
		assert.Equal(t, i, res)
	}
	assert.Zero(t, s.Pending())
}

func TestStaleSetDoesNotLowerVersion(t *testing.T) {
	s := New()
	s.SetResult(5, "five")
	s.SetResult(4, "four")
	assert.Equal(t, int64(5), s.CurrentVersion())

	res, err := s.WaitForResult(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "four", res)
}

func TestWaitersForDifferentSequences(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for _, n := range []int64{1, 5, 9} {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			assert.NoError(t, s.WaitForVersion(context.Background(), n))
		}(n)
	}
	s.SetResult(9, nil)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters starved")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, s.WaitForVersion(ctx, 1), context.DeadlineExceeded)
	_, err := s.WaitForResult(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s.SetResult(1, "late")
	res, err := s.WaitForResult(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "late", res)
}

func TestPruning(t *testing.T) {
	s := New(WithResultHorizon(10))
	for i := int64(0); i < 5; i++ {
		s.SetResult(i, i)
	}
	s.Prune(3)
	assert.Equal(t, 2, s.Pending())

	s.SetResult(20, "x")
	assert.Equal(t, 1, s.Pending(), "results beyond the horizon are swept")
}

func TestVersionGauge(t *testing.T) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "version"})
	s := New(WithVersionGauge(g))
	assert.Equal(t, -1.0, testutil.ToFloat64(g))
	s.SetResult(7, nil)
	assert.Equal(t, 7.0, testutil.ToFloat64(g))
}
