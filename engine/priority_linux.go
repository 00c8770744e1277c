//go:build linux

package engine

import "golang.org/x/sys/unix"

// setNiceness lowers the calling thread's scheduling priority. The worker is
// locked to its OS thread, so this only affects inference.
func setNiceness(n int) error {
	if n == 0 {
		return nil
	}
	return unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), n)
}
