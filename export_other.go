// +build !linux,!darwin

package nbd

import "os"

// statIsBlockDevice always reports false on platforms without a
// unix.Stat_t-compatible os.FileInfo.Sys(): block devices can only be
// served as regular files there.
func statIsBlockDevice(fi os.FileInfo) bool { return false }

// statIsRotational always reports false on platforms without the sysfs
// rotational attribute used by statIsRotational in export_unix.go.
func statIsRotational(fi os.FileInfo, isBlockDevice bool) bool { return false }
