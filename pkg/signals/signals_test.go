package signals

import (
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

// SIGTERM closes stopCh, runs hooks and cancels the context.
func TestSetupSIGTERM(t *testing.T) {
	stopCh := make(chan struct{})
	var calls []string
	ctx := Setup(stopCh,
		func() { calls = append(calls, "first") },
		func() { calls = append(calls, "second") },
	)

	time.AfterFunc(50*time.Millisecond, func() {
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
	})

	waitClosed(t, stopCh, "stopCh after SIGTERM")
	waitClosed(t, ctx.Done(), "ctx.Done() after SIGTERM")
	// hooks run before cancel
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestSetupSIGINT(t *testing.T) {
	var hooked atomic.Bool
	ctx := Setup(nil, func() { hooked.Store(true) })

	time.AfterFunc(50*time.Millisecond, func() {
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGINT)
	})

	waitClosed(t, ctx.Done(), "ctx.Done() after SIGINT")
	assert.True(t, hooked.Load())
}

func TestSetupStopChAlreadyClosed(t *testing.T) {
	stopCh := make(chan struct{})
	close(stopCh)
	ctx := Setup(stopCh)

	time.AfterFunc(50*time.Millisecond, func() {
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
	})

	waitClosed(t, ctx.Done(), "ctx.Done() with pre-closed stopCh")
}

func TestRunOnce(t *testing.T) {
	t.Parallel()

	var n atomic.Int32
	run := RunOnce(
		func() { n.Add(1) },
		nil,
		func() { panic("boom") },
		func() { n.Add(10) },
	)

	require.NotPanics(t, run)
	require.NotPanics(t, run)
	assert.Equal(t, int32(11), n.Load())
}
