package hitcount

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLnFloorMatchesMath(t *testing.T) {
	for x := uint64(1); x < 200000; x++ {
		want := uint8(math.Floor(math.Log(float64(x))))
		require.Equalf(t, want, lnFloor(x), "x=%d", x)
	}
	require.Equal(t, uint8(MaxValue), lnFloor(math.MaxUint64))
}

func TestAddHitsOnEmpty(t *testing.T) {
	c := New(4096, 8)
	c.AddHits(3, 4)
	require.Equal(t, uint8(1), c.GetNumHits(3), "floor(ln 4) == 1")
	require.Equal(t, uint8(0), c.GetNumHits(2), "neighbours untouched")
	require.Equal(t, uint8(0), c.GetNumHits(4))
}

func TestAddHitsMonotonic(t *testing.T) {
	c := New(4096, 4)
	var last uint8
	for i := range 5000 {
		c.AddHits(1, uint64(i%7))
		got := c.GetNumHits(1)
		require.GreaterOrEqual(t, got, last)
		last = got
	}
	require.Greater(t, last, uint8(0))

	c.AddHits(1, 0)
	require.Equal(t, last, c.GetNumHits(1), "zero hits is a no-op")
}

func TestStepAdvancesExactlyOnce(t *testing.T) {
	for v := uint8(0); v < MaxValue; v++ {
		require.Equal(t, v, next(v, Step(v)-1), "v=%d one short", v)
		require.Equal(t, v+1, next(v, Step(v)), "v=%d", v)
	}
	c := New(4096, 1)
	c.AddHits(0, 1)
	require.Zero(t, c.GetNumHits(0), "a single hit never advances an empty counter")
}

func TestAddHitsSaturates(t *testing.T) {
	c := New(4096, 1)
	c.AddHits(0, math.MaxUint64)
	require.Equal(t, uint8(MaxValue), c.GetNumHits(0))
	c.AddHits(0, math.MaxUint64)
	require.Equal(t, uint8(MaxValue), c.GetNumHits(0))
}

func TestResetIdempotent(t *testing.T) {
	c := New(4096, 6)
	c.AddHits(5, 1000)
	c.AddHits(4, 1000)
	require.NotZero(t, c.GetNumHits(5))

	c.Reset(5)
	require.Zero(t, c.GetNumHits(5))
	c.Reset(5)
	require.Zero(t, c.GetNumHits(5))
	require.NotZero(t, c.GetNumHits(4), "reset must not touch packed neighbours")
}

func TestBlockOfAndRange(t *testing.T) {
	c := New(4096, 10)
	require.Equal(t, 0, c.BlockOf(4095))
	require.Equal(t, 1, c.BlockOf(4096))
	require.Equal(t, 10, c.NumBlocks())
	require.Panics(t, func() { c.GetNumHits(10) })
	require.Panics(t, func() { c.AddHits(-1, 1) })
}

func TestConcurrentAddHits(t *testing.T) {
	c := New(4096, 4)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				for id := range 4 {
					c.AddHits(id, 3)
				}
			}
		}()
	}
	wg.Wait()
	for id := range 4 {
		require.GreaterOrEqual(t, c.GetNumHits(id), uint8(1))
	}
	require.Equal(t, uint64(20), Approx(3))
}
