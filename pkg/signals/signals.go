// Package signals wires SIGINT/SIGTERM to graceful shutdown.
//
// Setup listens for SIGINT and SIGTERM through signal.Notify, which adds a
// receiver without displacing handlers installed elsewhere in the process.
// On the first signal it:
//   - logs the signal
//   - closes stopCh (if non-nil)
//   - runs each hook once, in order
//   - cancels the returned context
package signals

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Setup registers a handler for SIGINT and SIGTERM and returns a context that
// is canceled once a signal arrives. Hooks typically release resources that
// must not outlive the process, such as a storage root.
func Setup(stopCh chan struct{}, hooks ...func()) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("signal received, shutting down")

		if stopCh != nil {
			func() {
				defer func() { _ = recover() }() // already closed elsewhere
				close(stopCh)
			}()
		}
		RunOnce(hooks...)()

		cancel()
	}()

	return ctx
}

// RunOnce returns a func that calls each hook in order the first time it is
// invoked and does nothing afterwards. A panicking hook does not stop the rest.
func RunOnce(hooks ...func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			for _, h := range hooks {
				if h == nil {
					continue
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Error().Interface("panic", r).Msg("shutdown hook panicked")
						}
					}()
					h()
				}()
			}
		})
	}
}
