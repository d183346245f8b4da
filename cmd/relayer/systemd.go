package relayer

import (
	"github.com/coreos/go-systemd/daemon"
	"go.uber.org/zap"
)

// sdNotify reports a state change to systemd when running as a Type=notify unit. It is a no-op otherwise.
func sdNotify(logger *zap.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("failed to notify systemd", zap.String("state", state), zap.Error(err))
		return
	}
	if sent {
		logger.Debug("notified systemd", zap.String("state", state))
	}
}
