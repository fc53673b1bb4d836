// Package sys holds small process helpers shared by the commands.
package sys

import (
	"os"
	"os/signal"
	"syscall"
)

// CreateShutdownChannel returns a channel that receives SIGINT and SIGTERM.
func CreateShutdownChannel() chan os.Signal {
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	return done
}
