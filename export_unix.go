// +build linux darwin

// Copyright 2018 Axel Wagner
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nbd

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

func statIsBlockDevice(fi os.FileInfo) bool {
	st, ok := fi.Sys().(*unix.Stat_t)
	if !ok {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFBLK
}

// statIsRotational reports whether the backing block device is rotational
// media, by reading the kernel's per-device sysfs attribute. Regular files
// are never rotational. If the device isn't a block device or the
// attribute can't be read, rotational media is not asserted.
func statIsRotational(fi os.FileInfo, isBlockDevice bool) bool {
	if !isBlockDevice {
		return false
	}
	st, ok := fi.Sys().(*unix.Stat_t)
	if !ok {
		return false
	}
	path := fmt.Sprintf("/sys/dev/block/%d:%d/queue/rotational",
		unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev)))
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(b)) == "1"
}
