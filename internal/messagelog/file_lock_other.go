//go:build !unix

package messagelog

import "os"

// Without flock the file log is only safe for a single writing process.
func lockFile(f *os.File, exclusive bool) error {
	return nil
}

func unlockFile(f *os.File) error {
	return nil
}
