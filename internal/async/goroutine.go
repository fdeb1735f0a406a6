// Package async starts the background goroutines of the proxy: read pumps,
// sweeps, health tickers, listeners. A panic in any of them is logged instead
// of taking the process down.
package async

import (
	"runtime/debug"

	"toolmux/internal/logging"
)

// Go runs fn on its own goroutine. name labels the goroutine in panic
// reports; logger may be nil.
func Go(logger logging.Logger, name string, fn func()) {
	log := logging.OrNop(logger)
	go func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if name == "" {
				name = "unnamed"
			}
			log.Error("Goroutine %s panicked: %v\n%s", name, r, debug.Stack())
		}()
		fn()
	}()
}
