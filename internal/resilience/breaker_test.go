package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinweb/skein/internal/logging"
)

var errFail = errors.New("failed")

func TestBreakerStateTransitions(t *testing.T) {
	tests := []struct {
		name          string
		settings      Settings
		requests      []bool // true = success, false = failure
		expectedState State
	}{
		{
			name: "stays closed on successes",
			settings: Settings{
				MaxProbes: 1,
				Interval:  time.Minute,
				Timeout:   time.Minute,
				TripAfter: 3,
			},
			requests:      []bool{true, true, true},
			expectedState: StateClosed,
		},
		{
			name: "opens after consecutive failures",
			settings: Settings{
				MaxProbes: 1,
				Interval:  time.Minute,
				Timeout:   time.Minute,
				TripAfter: 3,
			},
			requests:      []bool{false, false, false},
			expectedState: StateOpen,
		},
		{
			name: "success resets the failure streak",
			settings: Settings{
				MaxProbes: 1,
				Interval:  time.Minute,
				Timeout:   time.Minute,
				TripAfter: 3,
			},
			requests:      []bool{false, false, true, false, false},
			expectedState: StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			breaker := New("test", tt.settings)

			for _, success := range tt.requests {
				_ = breaker.Do(func() error {
					if success {
						return nil
					}
					return errFail
				})
			}

			assert.Equal(t, tt.expectedState, breaker.State())
		})
	}
}

func TestOpenBreakerRejectsImmediately(t *testing.T) {
	breaker := New("test", Settings{
		TripAfter: 1,
		Timeout:   time.Minute,
	})

	_ = breaker.Do(func() error { return errFail })
	require.Equal(t, StateOpen, breaker.State())

	called := false
	err := breaker.Do(func() error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "open breaker must not run the operation")
}

func TestHalfOpenRecovery(t *testing.T) {
	breaker := New("test", Settings{
		MaxProbes: 1,
		TripAfter: 1,
		Timeout:   10 * time.Millisecond,
	})

	_ = breaker.Do(func() error { return errFail })
	require.Equal(t, StateOpen, breaker.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, breaker.State())

	err := breaker.Do(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	breaker := New("test", Settings{
		MaxProbes: 1,
		TripAfter: 1,
		Timeout:   10 * time.Millisecond,
	})

	_ = breaker.Do(func() error { return errFail })
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, breaker.State())

	_ = breaker.Do(func() error { return errFail })
	assert.Equal(t, StateOpen, breaker.State())
}

func TestBreakerPanicCountsAsFailure(t *testing.T) {
	breaker := New("test", Settings{
		TripAfter: 1,
		Timeout:   time.Minute,
	})

	assert.Panics(t, func() {
		_ = breaker.Do(func() error { panic("boom") })
	})
	assert.Equal(t, StateOpen, breaker.State())
}

func TestBreakerCounts(t *testing.T) {
	breaker := New("test", Settings{
		Interval:  time.Minute,
		TripAfter: 10,
	})

	_ = breaker.Do(func() error { return nil })
	_ = breaker.Do(func() error { return nil })
	_ = breaker.Do(func() error { return errFail })

	counts := breaker.Counts()
	assert.Equal(t, uint32(3), counts.Requests)
	assert.Equal(t, uint32(2), counts.TotalSuccesses)
	assert.Equal(t, uint32(1), counts.TotalFailures)
	assert.Equal(t, uint32(1), counts.ConsecutiveFailures)
}

func TestBreakerConcurrency(t *testing.T) {
	breaker := New("test", Settings{
		Interval:  time.Minute,
		TripAfter: 1000,
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = breaker.Do(func() error { return nil })
			}
		}()
	}
	wg.Wait()

	counts := breaker.Counts()
	assert.Equal(t, uint32(1000), counts.Requests)
	assert.Equal(t, uint32(1000), counts.TotalSuccesses)
}

func TestSetIsolatesHosts(t *testing.T) {
	set := NewSet(Settings{
		TripAfter: 1,
		Timeout:   time.Minute,
	}, logging.Nop())

	_ = set.Do("bad.example", func() error { return errFail })

	assert.Equal(t, StateOpen, set.For("bad.example").State())
	assert.Equal(t, StateClosed, set.For("good.example").State())

	err := set.Do("good.example", func() error { return nil })
	assert.NoError(t, err)
}

func TestSetReusesBreakers(t *testing.T) {
	set := NewSet(Settings{}, logging.Nop())

	a := set.For("example.com")
	b := set.For("example.com")
	assert.Same(t, a, b)

	states := set.States()
	assert.Len(t, states, 1)
	assert.Equal(t, StateClosed, states["example.com"])
}

func TestSetStateChangeHookChains(t *testing.T) {
	var mu sync.Mutex
	var transitions []State

	set := NewSet(Settings{
		TripAfter: 1,
		Timeout:   time.Minute,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		},
	}, logging.Nop())

	_ = set.Do("host", func() error { return errFail })

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 1)
	assert.Equal(t, StateOpen, transitions[0])
}
