package store

import (
	"fmt"

	"github.com/openunix/nfsdcld/internal/epoch"
)

// bucketName returns the on-disk table name for the recovery bucket of
// epoch e. The encoding (lowercase hex, zero-padded to 16 digits) is part
// of the on-disk format and MUST stay bit-exact.
func bucketName(e epoch.Epoch) string {
	return fmt.Sprintf("rec-%016x", uint64(e))
}

// quoteIdent double-quotes a SQL identifier we built ourselves (bucket
// names are always produced by bucketName, never taken from untrusted
// input, so this is format compliance, not an injection boundary).
func quoteIdent(name string) string {
	return `"` + name + `"`
}
