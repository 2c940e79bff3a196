package lifecycle

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// SysRebooter restarts through the kernel. Filesystems are synced
// first so the final log lines reach disk. Requires CAP_SYS_BOOT.
type SysRebooter struct{}

func (SysRebooter) Reboot() error {
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return fmt.Errorf("kernel restart: %w", err)
	}
	return nil
}

// ExecRebooter shells out to a configured command, for development
// hosts and init systems that should observe the shutdown.
type ExecRebooter struct {
	Cmd []string
}

func (r ExecRebooter) Reboot() error {
	if len(r.Cmd) == 0 {
		return errors.New("lifecycle: empty reboot command")
	}
	out, err := exec.Command(r.Cmd[0], r.Cmd[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", r.Cmd[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
