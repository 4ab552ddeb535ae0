package store

import (
	"strings"

	"github.com/openunix/nfsdcld/internal/cld"
)

// classify turns a raw driver/SQL error into the tracker's error taxonomy.
// The pure-Go SQLite driver reports busy/locked conditions as plain text
// rather than a typed sentinel, so this matches on the SQLite wording the
// driver surfaces.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "locked") || strings.Contains(msg, "busy"):
		return cld.New(cld.Transient, op, err)
	case strings.Contains(msg, "no such table") || strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "file is not a database") || strings.Contains(msg, "corrupt"):
		return cld.New(cld.Corruption, op, err)
	default:
		return cld.New(cld.Transient, op, err)
	}
}
