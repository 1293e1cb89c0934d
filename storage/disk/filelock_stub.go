//go:build !unix

package disk

import "os"

// lockFile is a stub on non-Unix platforms; rename-based writes still keep
// individual reads and writes atomic there.
func lockFile(f *os.File) error { return nil }

// unlockFile is the stub counterpart to lockFile on non-Unix platforms.
func unlockFile(f *os.File) error { return nil }
