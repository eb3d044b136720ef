package server

import (
	"errors"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	shutdowns int32
	err       error
}

func (f *fakeRuntime) Shutdown() error {
	atomic.AddInt32(&f.shutdowns, 1)
	return f.err
}

func TestGracefulServerConfigReloadViaSIGHUP(t *testing.T) {
	rt := &fakeRuntime{}
	gs := NewGracefulServer(rt, nil)

	var reloaded int32
	gs.SetConfigReloadFunc(func() error {
		atomic.AddInt32(&reloaded, 1)
		return nil
	})

	go func() { _ = gs.Start() }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGHUP))
	time.Sleep(100 * time.Millisecond)

	require.False(t, gs.IsShuttingDown())
	require.EqualValues(t, 1, atomic.LoadInt32(&reloaded))

	require.NoError(t, gs.Shutdown(time.Second))
	require.EqualValues(t, 1, atomic.LoadInt32(&rt.shutdowns))
}

func TestGracefulServerShutdownDrainsRuntimeExactlyOnce(t *testing.T) {
	rt := &fakeRuntime{}
	gs := NewGracefulServer(rt, nil)

	require.NoError(t, gs.Shutdown(time.Second))
	require.NoError(t, gs.Shutdown(time.Second))
	require.EqualValues(t, 1, atomic.LoadInt32(&rt.shutdowns))
	require.True(t, gs.IsShuttingDown())
}

func TestGracefulServerShutdownPropagatesRuntimeError(t *testing.T) {
	boom := errors.New("flush failed")
	rt := &fakeRuntime{err: boom}
	gs := NewGracefulServer(rt, nil)

	require.ErrorIs(t, gs.Shutdown(time.Second), boom)
}

func TestGracefulServerReloadConfigWithoutCallbackIsNoop(t *testing.T) {
	gs := NewGracefulServer(&fakeRuntime{}, nil)
	require.NoError(t, gs.ReloadConfig())
}

func TestGracefulServerReloadConfigPropagatesError(t *testing.T) {
	gs := NewGracefulServer(&fakeRuntime{}, nil)
	boom := errors.New("bad config")
	gs.SetConfigReloadFunc(func() error { return boom })
	require.ErrorIs(t, gs.ReloadConfig(), boom)
}
