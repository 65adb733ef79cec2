package pollset

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SetNonblock puts fd into non-blocking mode.
func SetNonblock(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("O_NONBLOCK: %w", err)
	}
	return nil
}

// SetCloseOnExec marks fd close-on-exec.
func SetCloseOnExec(fd int) {
	unix.CloseOnExec(fd)
}

// ReallyClose closes fd, retrying while close is interrupted.
func ReallyClose(fd int) error {
	for {
		err := unix.Close(fd)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("close: %w", err)
		}
		return nil
	}
}
