package procinfo

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
)

// SystemdUnits looks up the unit owning a pid over D-Bus.
type SystemdUnits struct {
	// User selects the per-user service manager instead of the system one.
	User bool
}

// Unit returns the name of the unit whose cgroup contains pid, such as
// "app-zoom-1234.scope" or "pipewire.service".
func (s SystemdUnits) Unit(ctx context.Context, pid int) (string, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	if s.User {
		conn, err = dbus.NewUserConnectionContext(ctx)
	} else {
		conn, err = dbus.NewWithContext(ctx)
	}
	if err != nil {
		return "", fmt.Errorf("dbus connect: %w", err)
	}
	defer conn.Close()

	//nolint:gosec // pids fit in uint32
	unit, err := conn.GetUnitNameByPID(ctx, uint32(pid))
	if err != nil {
		return "", fmt.Errorf("unit for pid %d: %w", pid, err)
	}
	return unit, nil
}
