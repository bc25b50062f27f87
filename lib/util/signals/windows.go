//go:build windows

package signals

import (
	"os"
	"os/signal"
)

func notify(ch chan<- os.Signal) {
	signal.Notify(ch, os.Interrupt)
}

// Windows has no reload signal; reloads go through the config file watcher.
func isReload(os.Signal) bool {
	return false
}

func isInterrupt(sig os.Signal) bool {
	return sig == os.Interrupt
}
