//go:build !windows

package main

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// flushTTYInput discards unread bytes queued on the controlling terminal so
// that stray keystrokes (or terminal replies) typed while ssh was running are
// not taken as an answer to the next prompt. Without /dev/tty it does nothing.
func flushTTYInput() {
	tty, err := os.OpenFile("/dev/tty", os.O_RDONLY, 0)
	if err != nil {
		return
	}
	defer func() { _ = tty.Close() }()

	fd := int(tty.Fd())

	// tcflush(fd, TCIFLUSH); TCFLSH is 0x540B on linux and darwin.
	const TCFLSH = 0x540B
	_, _, _ = unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(TCFLSH), uintptr(unix.TCIFLUSH))

	// Bytes can still land right after the flush; drain them for a moment.
	if err := unix.SetNonblock(fd, true); err != nil {
		return
	}
	defer func() { _ = unix.SetNonblock(fd, false) }()

	buf := make([]byte, 256)
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		n, err := unix.Read(fd, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}
