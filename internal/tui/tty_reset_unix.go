//go:build !windows

package tui

import (
	"os"
	"os/exec"
)

func bestEffortResetTTY() {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return
	}
	if (fi.Mode() & os.ModeCharDevice) == 0 {
		return
	}

	// Best-effort: bubbletea can leave the controlling tty in raw mode if
	// it's killed mid-frame. Use /dev/tty so this doesn't depend on
	// redirected stdin.
	_ = exec.Command("sh", "-lc", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
