// Package upcall implements the tracker's upcall transport (C3): a
// length-framed, bidirectional byte channel to the kernel NFSv4 server.
package upcall

import "fmt"

// Command is the closed set of upcall opcodes, decoded exhaustively by the
// dispatcher.
type Command uint8

const (
	CmdInit Command = iota
	CmdCreate
	CmdRemove
	CmdCheck
	CmdGraceStart
	CmdGraceDone
	CmdHasSession
	// CmdRecoveryEntry and CmdRecoveryDone are unsolicited, tracker-to-kernel
	// messages sent during iteration mode; they never arrive as requests.
	CmdRecoveryEntry
	CmdRecoveryDone
)

func (c Command) String() string {
	switch c {
	case CmdInit:
		return "Init"
	case CmdCreate:
		return "Create"
	case CmdRemove:
		return "Remove"
	case CmdCheck:
		return "Check"
	case CmdGraceStart:
		return "GraceStart"
	case CmdGraceDone:
		return "GraceDone"
	case CmdHasSession:
		return "HasSession"
	case CmdRecoveryEntry:
		return "RecoveryEntry"
	case CmdRecoveryDone:
		return "RecoveryDone"
	default:
		return fmt.Sprintf("Command(%d)", uint8(c))
	}
}

// Status values are small integers: 0 is ok, negative values are
// errno-like. Check's Denied reply reuses the "permission denied" value.
const (
	StatusOK       int32 = 0
	StatusDenied   int32 = -13 // EACCES
	StatusInvalid  int32 = -22 // EINVAL
	StatusIOError  int32 = -5  // EIO
	StatusNotFound int32 = -2  // ENOENT
)

// ProtocolVersion is the highest upcall wire version this build implements.
const ProtocolVersion uint8 = 1

// supportedVersions lists every wire version this build can speak, in
// ascending order. Kept as a slice (rather than a single constant) so
// Negotiate's "highest version <= requested" logic is meaningful even
// though only one version exists today.
var supportedVersions = []uint8{1}

// Negotiate returns the highest version this build supports that is <= the
// version the kernel requested, or ok=false if none exists.
func Negotiate(requested uint8) (version uint8, ok bool) {
	for _, v := range supportedVersions {
		if v <= requested && v > version {
			version = v
			ok = true
		}
	}
	return version, ok
}
