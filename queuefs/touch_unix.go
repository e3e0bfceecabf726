//go:build unix

package queuefs

import (
	"time"

	"golang.org/x/sys/unix"
)

// touchLink sets a symlink's own mtime to now. Best effort: on failure
// the old mtime stands and InflightAge over-reports, which only makes
// crash recovery reclaim the entry sooner.
func touchLink(path string) {
	now := unix.NsecToTimeval(time.Now().UnixNano())
	_ = unix.Lutimes(path, []unix.Timeval{now, now})
}
