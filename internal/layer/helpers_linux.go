/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package layer

import (
	"archive/tar"
	"errors"
	"io/fs"
	"sort"
	"syscall"
	"time"

	"github.com/containerd/continuity/sysx"
	"golang.org/x/sys/unix"
)

func mknod(path string, mode uint32, rdev uint64) error {
	return unix.Mknod(path, mode, int(rdev))
}

func mkfifo(path string, mode uint32) error {
	return unix.Mkfifo(path, mode)
}

func mksock(path string) error {
	return unix.Mknod(path, unix.S_IFSOCK|0o600, 0)
}

func mknodEntry(path string, hdr *tar.Header) error {
	mode := uint32(hdr.Mode & 0o7777)
	switch hdr.Typeflag {
	case tar.TypeBlock:
		mode |= unix.S_IFBLK
	case tar.TypeChar:
		mode |= unix.S_IFCHR
	case tar.TypeFifo:
		mode |= unix.S_IFIFO
	}
	return unix.Mknod(path, mode, int(unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))))
}

func chmod(path string, mode uint32) error {
	return unix.Chmod(path, mode&0o7777)
}

func lsetxattr(path, name string, value []byte) error {
	return sysx.LSetxattr(path, name, value, 0)
}

func lremovexattr(path, name string) error {
	return sysx.LRemovexattr(path, name)
}

func listXattrs(path string) ([]xattr, error) {
	names, err := sysx.LListxattr(path)
	if err != nil {
		if isXattrUnsupported(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(names)

	xattrs := make([]xattr, 0, len(names))
	for _, name := range names {
		value, err := sysx.LGetxattr(path, name)
		if err != nil {
			if errors.Is(err, unix.ENODATA) {
				continue
			}
			return nil, err
		}
		xattrs = append(xattrs, xattr{name: name, value: string(value)})
	}
	return xattrs, nil
}

func lchtimes(path string, atime, mtime time.Time) error {
	if atime.IsZero() {
		atime = mtime
	}
	ts := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW)
}

func isXattrUnsupported(err error) bool {
	return errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EPERM)
}

func inodeOf(fi fs.FileInfo) (ino, nlink uint64, ok bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return st.Ino, uint64(st.Nlink), true
}
