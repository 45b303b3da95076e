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

//go:build !linux

package layer

import (
	"archive/tar"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/containerd/errdefs"
)

func mknod(string, uint32, uint64) error {
	return fmt.Errorf("device nodes: %w", errdefs.ErrNotImplemented)
}

func mkfifo(string, uint32) error {
	return fmt.Errorf("fifos: %w", errdefs.ErrNotImplemented)
}

func mksock(string) error {
	return fmt.Errorf("sockets: %w", errdefs.ErrNotImplemented)
}

func mknodEntry(string, *tar.Header) error {
	return fmt.Errorf("device nodes: %w", errdefs.ErrNotImplemented)
}

func chmod(path string, mode uint32) error {
	fm := os.FileMode(mode & 0o777)
	if mode&0o4000 != 0 {
		fm |= os.ModeSetuid
	}
	if mode&0o2000 != 0 {
		fm |= os.ModeSetgid
	}
	if mode&0o1000 != 0 {
		fm |= os.ModeSticky
	}
	return os.Chmod(path, fm)
}

func lsetxattr(path, name string, _ []byte) error {
	return fmt.Errorf("xattr %s on %s: %w", name, path, errdefs.ErrNotImplemented)
}

func lremovexattr(path, name string) error {
	return fmt.Errorf("xattr %s on %s: %w", name, path, errdefs.ErrNotImplemented)
}

func lchtimes(path string, atime, mtime time.Time) error {
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		return nil
	}
	if atime.IsZero() {
		atime = mtime
	}
	return os.Chtimes(path, atime, mtime)
}

func isXattrUnsupported(error) bool {
	return false
}

func listXattrs(string) ([]xattr, error) {
	return nil, nil
}

func inodeOf(fs.FileInfo) (ino, nlink uint64, ok bool) {
	return 0, 0, false
}
