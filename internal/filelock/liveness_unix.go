//go:build unix

package filelock

import "golang.org/x/sys/unix"

// processExists sends signal 0, which performs permission and existence
// checks without delivering anything. EPERM means the process exists but
// belongs to another user.
func processExists(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
