package decay

import (
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAppliesDecayThenAdds(t *testing.T) {
	mock := clock.NewMock()
	s := NewStore(time.Second, 0.1, mock)

	v1 := s.Put("k", 10)
	require.Equal(t, 10.0, v1)

	mock.Add(time.Second) // one half-life
	v2 := s.Put("k", 0)
	assert.InDelta(t, 5.0, v2, 0.01)
}

func TestGetIsIdempotentWithZeroDelta(t *testing.T) {
	mock := clock.NewMock()
	s := NewStore(time.Second, 0.1, mock)
	s.Put("k", 8)

	mock.Add(500 * time.Millisecond)
	want := 8 * math.Pow(2, -0.5)
	got := s.Get("k")
	assert.InDelta(t, want, got, 0.01)

	// A second Get at the same instant must return the same value.
	got2 := s.Get("k")
	assert.InDelta(t, got, got2, 1e-9)
}

func TestTwoPutsEqualOneCombinedPut(t *testing.T) {
	mock := clock.NewMock()
	a := NewStore(time.Second, 0.1, mock)
	a.Put("k", 3)
	got := a.Put("k", 4)

	mockB := clock.NewMock()
	b := NewStore(time.Second, 0.1, mockB)
	want := b.Put("k", 7)

	assert.InDelta(t, want, got, 1e-9)
}

func TestMergeTakesDecayedMax(t *testing.T) {
	mock := clock.NewMock()
	s := NewStore(time.Second, 0.1, mock)
	s.Put("local", 2) // decays to ~1 after one half-life

	mock.Add(time.Second)

	merged := s.Merge("local", Counter{Value: 10, LastTouched: mock.Now().Add(-2 * time.Second)})
	// remote: 10 decayed over 2 half-lives = 2.5, which beats local's ~1
	assert.InDelta(t, 2.5, merged, 0.05)
}

func TestValueBelowMinValueIsEvicted(t *testing.T) {
	mock := clock.NewMock()
	s := NewStore(time.Second, 1.0, mock)
	s.Put("k", 1.5)

	mock.Add(5 * time.Second) // many half-lives, decays near 0
	got := s.Get("k")
	assert.Equal(t, 0.0, got)
}

func TestRateFromCounter(t *testing.T) {
	// c=220, half-life=1000ms -> 220/2.2/1000*1000 = 100
	assert.InDelta(t, 100.0, RateFromCounter(220, time.Second), 0.001)
}
