// Package server provides process-level lifecycle management for the
// storage engine: signal handling and a graceful drain sequence shared
// by every deployment, independent of the thread-per-partition runtime
// it wraps.
package server

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dowkv/wcstore/pkg/logging"
)

// ConfigReloadFunc is called on SIGHUP to re-read configuration.
type ConfigReloadFunc func() error

// Drainable is the runtime capability GracefulServer shuts down: stop
// accepting new connections, flush every live memtable, and release any
// held resources (instance lock, listeners, background goroutines).
type Drainable interface {
	Shutdown() error
}

// GracefulServer coordinates OS signals with a Drainable runtime's
// shutdown sequence, the same signal set the original engine's process
// supervisor handled (SIGINT/SIGTERM for shutdown, SIGHUP for config
// reload, SIGUSR1 for a delayed rolling-restart drain) adapted from an
// http.Server wrapper to a partition-runtime wrapper.
type GracefulServer struct {
	runtime        Drainable
	log            logging.Logger
	shutdownCh     chan struct{}
	shutdownOnce   sync.Once
	shutdownErr    error
	configReloadFn ConfigReloadFunc
	configMu       sync.RWMutex
}

// NewGracefulServer wraps runtime with signal-driven graceful shutdown.
func NewGracefulServer(runtime Drainable, log logging.Logger) *GracefulServer {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &GracefulServer{
		runtime:    runtime,
		log:        log,
		shutdownCh: make(chan struct{}),
	}
}

// Start installs the signal handlers and blocks until shutdown
// completes (via a caught signal or an explicit Shutdown call).
func (gs *GracefulServer) Start() error {
	go gs.handleSignals()
	<-gs.shutdownCh
	return gs.shutdownErr
}

// Shutdown drains the wrapped runtime exactly once. timeout is accepted
// for interface symmetry with the drain sequence's signal handlers but
// the runtime's own Shutdown is expected to return promptly once every
// partition thread has flushed.
func (gs *GracefulServer) Shutdown(timeout time.Duration) error {
	gs.shutdownOnce.Do(func() {
		gs.log.Info("initiating graceful shutdown", logging.Duration("timeout", timeout))
		if err := gs.runtime.Shutdown(); err != nil {
			gs.shutdownErr = err
			gs.log.Error("shutdown error", logging.Error(err))
		} else {
			gs.log.Info("shutdown complete")
		}
		close(gs.shutdownCh)
	})
	return gs.shutdownErr
}

// handleSignals listens for OS signals and triggers graceful shutdown
// or configuration reload.
func (gs *GracefulServer) handleSignals() {
	sigCh := make(chan os.Signal, 1)

	signal.Notify(sigCh,
		syscall.SIGINT,  // Ctrl+C
		syscall.SIGTERM, // termination signal (systemd, docker, k8s)
		syscall.SIGHUP,  // reload configuration
		syscall.SIGUSR1, // trigger rolling restart
	)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGINT, syscall.SIGTERM:
			gs.log.Info("received shutdown signal", logging.String("signal", sig.String()))
			if err := gs.Shutdown(30 * time.Second); err != nil {
				gs.log.Error("shutdown error", logging.Error(err))
				os.Exit(1)
			}
			return

		case syscall.SIGHUP:
			gs.log.Info("received SIGHUP, reloading configuration")
			if err := gs.ReloadConfig(); err != nil {
				gs.log.Error("configuration reload error", logging.Error(err))
			}

		case syscall.SIGUSR1:
			gs.log.Info("received SIGUSR1, preparing rolling restart")
			go func() {
				time.Sleep(5 * time.Second) // allow health checks to detect the pending drain
				if err := gs.Shutdown(30 * time.Second); err != nil {
					gs.log.Error("rolling restart shutdown error", logging.Error(err))
				}
			}()
		}
	}
}

// IsShuttingDown returns true if shutdown has been initiated.
func (gs *GracefulServer) IsShuttingDown() bool {
	select {
	case <-gs.shutdownCh:
		return true
	default:
		return false
	}
}

// ShutdownChannel returns a channel that closes when shutdown completes.
func (gs *GracefulServer) ShutdownChannel() <-chan struct{} {
	return gs.shutdownCh
}

// SetConfigReloadFunc sets the function invoked on SIGHUP.
func (gs *GracefulServer) SetConfigReloadFunc(fn ConfigReloadFunc) {
	gs.configMu.Lock()
	defer gs.configMu.Unlock()
	gs.configReloadFn = fn
}

// ReloadConfig triggers a configuration reload, if one is configured.
func (gs *GracefulServer) ReloadConfig() error {
	gs.configMu.RLock()
	reloadFn := gs.configReloadFn
	gs.configMu.RUnlock()

	if reloadFn == nil {
		gs.log.Warn("configuration reload requested, but no reload function configured")
		return nil
	}

	if err := reloadFn(); err != nil {
		return err
	}
	gs.log.Info("configuration reload complete")
	return nil
}
