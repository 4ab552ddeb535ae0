//go:build windows

package logger

import (
	"syscall"
	"unsafe"
)

var (
	kernel32           = syscall.NewLazyDLL("kernel32.dll")
	procGetConsoleMode = kernel32.NewProc("GetConsoleMode")
)

// isTerminal reports whether fd is a console handle. Present only so this
// package builds on Windows during development; the daemon itself targets
// the Linux NFSv4 server and is never deployed here.
func isTerminal(fd uintptr) bool {
	var mode uint32
	ret, _, _ := procGetConsoleMode.Call(fd, uintptr(unsafe.Pointer(&mode)))
	return ret != 0
}
