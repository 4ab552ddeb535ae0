//go:build darwin

package logger

import (
	"syscall"
	"unsafe"
)

// isTerminal reports whether fd refers to a terminal, used to decide
// whether the foreground logger may emit ANSI color. macOS's ioctl name
// for "get terminal attributes" differs from Linux's, hence the separate
// build-tagged file per platform rather than one with a runtime switch.
func isTerminal(fd uintptr) bool {
	var termios syscall.Termios
	_, _, errno := syscall.Syscall6(
		syscall.SYS_IOCTL,
		fd,
		syscall.TIOCGETA,
		uintptr(unsafe.Pointer(&termios)),
		0, 0, 0,
	)
	return errno == 0
}
