package httpclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdaptLimit(t *testing.T) {
	type args struct {
		limit   int
		ceiling int
		prev    time.Duration
		cur     time.Duration
	}

	tests := []struct {
		name string
		args args
		want int
	}{
		{
			name: "given no previous average, then limit is unchanged",
			args: args{limit: 4, ceiling: 5, prev: 0, cur: 100 * time.Millisecond},
			want: 4,
		},
		{
			name: "given latency rising more than 20%, then limit halves",
			args: args{limit: 4, ceiling: 5, prev: 100 * time.Millisecond, cur: 130 * time.Millisecond},
			want: 2,
		},
		{
			name: "given odd limit and rising latency, then halves rounding down",
			args: args{limit: 5, ceiling: 5, prev: 100 * time.Millisecond, cur: 200 * time.Millisecond},
			want: 2,
		},
		{
			name: "given limit 1 and rising latency, then stays at 1",
			args: args{limit: 1, ceiling: 5, prev: 100 * time.Millisecond, cur: 500 * time.Millisecond},
			want: 1,
		},
		{
			name: "given latency falling below 80%, then limit grows by one",
			args: args{limit: 2, ceiling: 5, prev: 100 * time.Millisecond, cur: 70 * time.Millisecond},
			want: 3,
		},
		{
			name: "given falling latency at ceiling, then limit is capped",
			args: args{limit: 5, ceiling: 5, prev: 100 * time.Millisecond, cur: 50 * time.Millisecond},
			want: 5,
		},
		{
			name: "given latency within noise band, then limit is unchanged",
			args: args{limit: 3, ceiling: 5, prev: 100 * time.Millisecond, cur: 115 * time.Millisecond},
			want: 3,
		},
		{
			name: "given rise just under 20%, then limit is unchanged",
			args: args{limit: 3, ceiling: 5, prev: 100 * time.Millisecond, cur: 119 * time.Millisecond},
			want: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := adaptLimit(tt.args.limit, tt.args.ceiling, tt.args.prev, tt.args.cur)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConcurrencyLimiter_Acquire(t *testing.T) {
	t.Run("given free permits, then acquires without waiting", func(t *testing.T) {
		l := newConcurrencyLimiter(2)

		require.NoError(t, l.Acquire(context.Background()))
		require.NoError(t, l.Acquire(context.Background()))
		assert.Equal(t, 2, l.InFlight())
	})

	t.Run("given limit reached, then waits for release", func(t *testing.T) {
		l := newConcurrencyLimiter(1)
		require.NoError(t, l.Acquire(context.Background()))

		acquired := make(chan struct{})
		go func() {
			_ = l.Acquire(context.Background())
			close(acquired)
		}()

		select {
		case <-acquired:
			t.Fatal("acquired above the limit")
		case <-time.After(50 * time.Millisecond):
		}

		l.Release()
		select {
		case <-acquired:
		case <-time.After(time.Second):
			t.Fatal("waiter not woken by release")
		}
		assert.Equal(t, 1, l.InFlight())
	})

	t.Run("given context ends while waiting, then returns error and leaves queue", func(t *testing.T) {
		l := newConcurrencyLimiter(1)
		require.NoError(t, l.Acquire(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		err := l.Acquire(ctx)

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		l.mu.Lock()
		assert.Equal(t, 0, l.waiters.Len())
		l.mu.Unlock()
		assert.Equal(t, 1, l.InFlight())
	})

	t.Run("given several waiters, then they are served in arrival order", func(t *testing.T) {
		l := newConcurrencyLimiter(1)
		require.NoError(t, l.Acquire(context.Background()))

		order := make(chan int, 3)
		for i := range 3 {
			go func() {
				_ = l.Acquire(context.Background())
				order <- i
			}()
			require.Eventually(t, func() bool {
				l.mu.Lock()
				defer l.mu.Unlock()
				return l.waiters.Len() == i+1
			}, time.Second, time.Millisecond)
		}

		for want := range 3 {
			l.Release()
			select {
			case got := <-order:
				assert.Equal(t, want, got)
			case <-time.After(time.Second):
				t.Fatalf("waiter %d not served", want)
			}
		}
	})
}

func TestConcurrencyLimiter_SetLimit(t *testing.T) {
	t.Run("given limit below held permits, then nothing is revoked", func(t *testing.T) {
		l := newConcurrencyLimiter(4)
		for range 4 {
			require.NoError(t, l.Acquire(context.Background()))
		}

		assert.Equal(t, 2, l.SetLimit(2))
		assert.Equal(t, 4, l.InFlight())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		assert.Error(t, l.Acquire(ctx), "must wait until held drops below the new limit")

		l.Release()
		l.Release()
		assert.Equal(t, 2, l.InFlight())

		ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel2()
		assert.Error(t, l.Acquire(ctx2), "still at the limit")

		l.Release()
		require.NoError(t, l.Acquire(context.Background()))
	})

	t.Run("given values out of range, then clamps to [1, ceiling]", func(t *testing.T) {
		l := newConcurrencyLimiter(3)

		assert.Equal(t, 1, l.SetLimit(0))
		assert.Equal(t, 3, l.SetLimit(10))
		assert.Equal(t, 3, l.Ceiling())
	})

	t.Run("given raised limit, then waiters are granted", func(t *testing.T) {
		l := newConcurrencyLimiter(2)
		l.SetLimit(1)
		require.NoError(t, l.Acquire(context.Background()))

		acquired := make(chan struct{})
		go func() {
			_ = l.Acquire(context.Background())
			close(acquired)
		}()
		require.Eventually(t, func() bool {
			l.mu.Lock()
			defer l.mu.Unlock()
			return l.waiters.Len() == 1
		}, time.Second, time.Millisecond)

		l.SetLimit(2)

		select {
		case <-acquired:
		case <-time.After(time.Second):
			t.Fatal("waiter not granted after limit increase")
		}
	})
}

func TestHostState_Observe(t *testing.T) {
	t.Run("given rising averages, then limit halves", func(t *testing.T) {
		h := newHostState("target.example", 4)
		tracker := NewLatencyTracker(hostWindowSize, minAdaptSamples)

		_, changed := h.observe(tracker, 100*time.Millisecond)
		assert.False(t, changed, "one sample has no average")

		_, changed = h.observe(tracker, 100*time.Millisecond)
		assert.False(t, changed, "first average has nothing to compare with")

		change, changed := h.observe(tracker, 400*time.Millisecond)
		require.True(t, changed)
		assert.Equal(t, limitChange{from: 4, to: 2}, change)
		assert.Equal(t, 2, h.slots.Limit())
	})

	t.Run("given falling averages, then limit grows by one up to the ceiling", func(t *testing.T) {
		h := newHostState("target.example", 3)
		h.slots.SetLimit(1)
		tracker := NewLatencyTracker(hostWindowSize, minAdaptSamples)

		h.observe(tracker, time.Second)
		h.observe(tracker, time.Second)

		change, changed := h.observe(tracker, 10*time.Millisecond)
		require.True(t, changed)
		assert.Equal(t, limitChange{from: 1, to: 2}, change)

		// avg 670ms -> 505ms, again more than 20% below the last.
		h.observe(tracker, 10*time.Millisecond)
		assert.Equal(t, 3, h.slots.Limit())

		_, changed = h.observe(tracker, 10*time.Millisecond)
		assert.False(t, changed, "already at the ceiling")
		assert.Equal(t, 3, h.slots.Limit())
	})
}

func TestHostState_HedgeRatio(t *testing.T) {
	h := newHostState("target.example", 5)

	assert.True(t, h.hedgeAllowed(0.5), "no requests yet")
	assert.False(t, h.hedgeAllowed(0), "zero ratio never hedges")

	h.countRequest()
	require.True(t, h.reserveHedge(0.5))
	assert.False(t, h.reserveHedge(0.5), "1/1 is above 0.5")

	h.countRequest()
	h.countRequest()
	assert.True(t, h.reserveHedge(0.5), "1/3 is below 0.5")

	s := h.stats()
	assert.Equal(t, uint64(3), s.Requests)
	assert.Equal(t, uint64(2), s.Hedges)
}
