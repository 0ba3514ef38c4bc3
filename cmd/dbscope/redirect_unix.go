//go:build !windows

package main

import (
	"os"
	"syscall"
)

// redirectStderr points the process stderr at f.
func redirectStderr(f *os.File) {
	syscall.Dup2(int(f.Fd()), int(os.Stderr.Fd()))
}
