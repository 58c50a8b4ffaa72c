// Package shutdown installs the process-wide signal handler and runs the
// graceful shutdown sequence (grounded on the teacher's
// pkg/state/shutdown/graceful.go): stop accepting new admin requests,
// cancel every background worker via the shared context, then close the
// store/bus connections so nothing is left dangling.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/valyala/fasthttp"

	"knowengage/internal/logger"
)

// SetupSignalHandler installs SIGINT/SIGTERM/SIGPIPE handlers and returns
// a context canceled when any of them arrives. SIGPIPE additionally dumps
// goroutine stacks before canceling, to aid diagnosing a stuck shutdown.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigc
		logger.Info("shutdown: signal received", "signal", s.String())
		cancel()
	}()

	sigpipe := make(chan os.Signal, 1)
	signal.Notify(sigpipe, syscall.SIGPIPE)
	go func() {
		s := <-sigpipe
		logger.Info("shutdown: signal received", "signal", s.String(), "msg", "dumping goroutine stacks")
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		logger.Info("shutdown: goroutine stack dump", "dump", string(buf[:n]))
		cancel()
	}()

	return ctx, cancel
}

// Run performs the shutdown sequence: stop the admin server, then run
// every close func in order, logging but not aborting on individual
// failures so one stuck connection never blocks the rest from closing.
// Callers pass one close func per store/bus connection they opened,
// wrapping whatever error signature that connection's Close has.
func Run(ctx context.Context, admin *fasthttp.Server, closes ...func() error) {
	logger.Info("shutdown: requested")

	if admin != nil {
		logger.Info("shutdown: stopping admin server")
		if err := admin.ShutdownWithContext(ctx); err != nil {
			logger.Warn("shutdown: admin server shutdown error", "error", err)
		}
	}

	for _, closeFn := range closes {
		if closeFn == nil {
			continue
		}
		if err := closeFn(); err != nil {
			logger.Warn("shutdown: close failed", "error", err)
		}
	}

	logger.Info("shutdown: complete")
}
