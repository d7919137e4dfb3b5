package supervisor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/config"
)

type fakeHealthProbe struct {
	healthy bool
}

func (f *fakeHealthProbe) Healthy(ctx context.Context) bool {
	return f.healthy
}

func newTestLogFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "supervisor-*.log")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestCheckRestartBudgetGivesUpAtCap(t *testing.T) {
	s := New(config.SupervisorConfig{MaxRestarts: 2, QuietWindow: time.Hour}, &fakeHealthProbe{}, newTestLogFile(t), zap.NewNop())

	assert.False(t, s.checkRestartBudget(), "first restart must be within budget")
	assert.False(t, s.checkRestartBudget(), "second restart must be within budget")
	assert.True(t, s.checkRestartBudget(), "third restart must exceed the cap")
}

func TestCheckRestartBudgetResetsAfterQuietWindow(t *testing.T) {
	s := New(config.SupervisorConfig{MaxRestarts: 1, QuietWindow: 5 * time.Millisecond}, &fakeHealthProbe{}, newTestLogFile(t), zap.NewNop())

	assert.False(t, s.checkRestartBudget())
	time.Sleep(10 * time.Millisecond)
	assert.False(t, s.checkRestartBudget(), "a quiet window elapsing without further crashes must reset the counter")
}

func TestServeWithNoExecutableBlocksUntilCancelled(t *testing.T) {
	s := New(config.SupervisorConfig{}, &fakeHealthProbe{healthy: true}, newTestLogFile(t), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

func TestServeSpawnsBecomesRunningThenStopsOnCancel(t *testing.T) {
	s := New(config.SupervisorConfig{
		Executable:     "yes",
		StartupTimeout: 2 * time.Second,
		MaxRestarts:    5,
		QuietWindow:    time.Hour,
	}, &fakeHealthProbe{healthy: true}, newTestLogFile(t), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	require.Eventually(t, func() bool {
		return s.Status() == StatusRunning
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
	assert.Equal(t, StatusStopped, s.Status())
}
