package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/coreos/go-systemd/v22/login1"
)

// SystemdRestarter reboots the host through logind. Used on boards where
// the camera only recovers after a power cycle.
type SystemdRestarter struct{}

func (SystemdRestarter) Restart(ctx context.Context, reason string) error {
	conn, err := login1.New()
	if err != nil {
		return fmt.Errorf("restart: connect logind: %w", err)
	}
	defer conn.Close()

	slog.Warn("restart: rebooting host", "reason", reason)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	conn.Reboot(false)
	return nil
}

// ExitRestarter terminates the process and leaves the restart to the
// service manager (Restart=on-failure)
type ExitRestarter struct {
	Code int
	exit func(int)
}

func (r ExitRestarter) Restart(ctx context.Context, reason string) error {
	code := r.Code
	if code == 0 {
		code = 1
	}
	slog.Warn("restart: exiting for service restart", "reason", reason, "code", code)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	exit := r.exit
	if exit == nil {
		exit = os.Exit
	}
	exit(code)
	return nil
}

// NoopRestarter only logs
type NoopRestarter struct{}

func (NoopRestarter) Restart(ctx context.Context, reason string) error {
	slog.Warn("restart: requested but disabled", "reason", reason)
	return nil
}

// NewRestarter returns the restarter for mode: "reboot", "exit" or "none"
func NewRestarter(mode string) (Restarter, error) {
	switch mode {
	case "reboot":
		return SystemdRestarter{}, nil
	case "exit":
		return ExitRestarter{Code: 1}, nil
	case "", "none":
		return NoopRestarter{}, nil
	default:
		return nil, fmt.Errorf("restart: unknown mode %q", mode)
	}
}
