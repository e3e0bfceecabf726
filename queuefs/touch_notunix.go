//go:build !unix

package queuefs

// touchLink is a no-op where lutimes is unavailable; InflightAge then
// measures from symlink creation, which only makes crash recovery
// reclaim entries sooner.
func touchLink(string) {}
