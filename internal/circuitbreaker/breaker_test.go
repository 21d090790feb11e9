package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspilot/backend/internal/faults"
)

var errDownstream = errors.New("downstream unavailable")

func failing(ctx context.Context) error { return errDownstream }
func succeeding(ctx context.Context) error { return nil }

func TestBreaker_OpensAfterThreeConsecutiveFailures(t *testing.T) {
	b := New(Config{Name: "assets"})
	ctx := context.Background()

	called := 0
	fn := func(ctx context.Context) error {
		called++
		return errDownstream
	}

	for i := 0; i < 3; i++ {
		err := b.Execute(ctx, fn)
		assert.ErrorIs(t, err, errDownstream)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 3, called)

	// While open, the transport is never invoked.
	err := b.Execute(ctx, fn)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindCircuitOpen))
	assert.Equal(t, 3, called, "open breaker must not touch the transport")
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b := New(Config{Name: "assets"})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Error(t, b.Execute(ctx, failing))
	require.NoError(t, b.Execute(ctx, succeeding))
	require.Error(t, b.Execute(ctx, failing))
	require.Error(t, b.Execute(ctx, failing))

	assert.Equal(t, StateClosed, b.State(), "a success in between keeps the breaker closed")

	require.Error(t, b.Execute(ctx, failing))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	b := New(Config{Name: "assets", Timeout: 20 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failing)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	// Successful probe closes the breaker.
	require.NoError(t, b.Execute(ctx, succeeding))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(Config{Name: "automation", Timeout: 20 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failing)
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.Error(t, b.Execute(ctx, failing))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenProbeBudget(t *testing.T) {
	b := New(Config{Name: "llm", Timeout: 10 * time.Millisecond, MaxProbes: 1})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failing)
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// First probe is admitted (and hangs conceptually); second is rejected.
	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = b.Execute(ctx, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := b.Allow()
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindCircuitOpen))
	close(release)
}

func TestBreaker_AllowWhileOpen(t *testing.T) {
	b := New(Config{Name: "assets"})
	ctx := context.Background()

	require.NoError(t, b.Allow())
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failing)
	}

	err := b.Allow()
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindCircuitOpen))
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	b := New(Config{
		Name:    "assets",
		Timeout: 10 * time.Millisecond,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failing)
	}
	time.Sleep(20 * time.Millisecond)
	_ = b.Execute(ctx, succeeding)

	assert.Equal(t, []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}, transitions)
}

func TestManager_GetCreatesOnce(t *testing.T) {
	m := NewManager(Config{})

	a := m.Get("assets")
	b := m.Get("assets")
	assert.Same(t, a, b)
	assert.Equal(t, "assets", a.Name())

	stats := m.Stats()
	require.Contains(t, stats, "assets")
	assert.Equal(t, "CLOSED", stats["assets"].State)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
