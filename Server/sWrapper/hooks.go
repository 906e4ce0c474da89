package wrapper

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// InstallRebindOnUSR2 installs a SIGUSR2 handler that calls m.Rebind().
// This is meant to be used inside the container after CRIU restore.
func InstallRebindOnUSR2(m *MigratableUDP, logger *zap.Logger) (stop func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGUSR2)
	stop = func() {
		signal.Stop(ch)
		close(ch)
	}
	go func() {
		for range ch {
			if err := m.Rebind(); err != nil {
				logger.Error("rebind failed", zap.Error(err))
			}
		}
	}()
	return stop
}
