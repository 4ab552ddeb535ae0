package dispatcher

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/openunix/nfsdcld/internal/logger"
)

// InstallSignalHandlers returns a context that is canceled on SIGTERM or
// SIGINT, and a stop function to release the underlying signal.Notify
// registration. SIGHUP, SIGPIPE and SIGCHLD are explicitly ignored per
// SPEC_FULL.md §4.4/§9: the tracker forks no children and transport errors
// already surface through read/write return codes, not SIGPIPE.
func InstallSignalHandlers(parent context.Context) (ctx context.Context, stop func()) {
	signal.Ignore(syscall.SIGHUP, syscall.SIGPIPE, syscall.SIGCHLD)

	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, beginning graceful shutdown", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
