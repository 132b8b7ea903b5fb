// Package testutil holds small test-only helpers shared across package
// test suites, mirroring the test helper packages elsewhere in this
// stack.
package testutil

import (
	"os"
	"testing"

	"github.com/dgraph-io/badger/v2"
	"github.com/stretchr/testify/require"
)

// RunWithBadgerDB opens a badger database in a fresh temp directory,
// hands it to f, and removes everything on return.
func RunWithBadgerDB(t testing.TB, f func(*badger.DB)) {
	dir, err := os.MkdirTemp("", "statetransfer-badger")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	defer db.Close()

	f(db)
}
