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

package subvol

import (
	"errors"
	iofs "io/fs"
	"sort"
	"syscall"
	"time"

	"github.com/containerd/continuity/sysx"
	"golang.org/x/sys/unix"
)

type sysInfo struct {
	uid   uint32
	gid   uint32
	rdev  uint64
	inode uint64
	nlink uint64
	atime time.Time
	mtime time.Time
}

func sysStat(fi iofs.FileInfo) sysInfo {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return sysInfo{atime: fi.ModTime(), mtime: fi.ModTime()}
	}
	return sysInfo{
		uid:   st.Uid,
		gid:   st.Gid,
		rdev:  uint64(st.Rdev),
		inode: st.Ino,
		nlink: uint64(st.Nlink),
		atime: time.Unix(st.Atim.Unix()),
		mtime: time.Unix(st.Mtim.Unix()),
	}
}

func listXattrs(path string) ([]xattrPair, error) {
	names, err := sysx.LListxattr(path)
	if err != nil {
		if errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EPERM) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(names)

	pairs := make([]xattrPair, 0, len(names))
	for _, name := range names {
		value, err := sysx.LGetxattr(path, name)
		if err != nil {
			if errors.Is(err, unix.ENODATA) {
				continue
			}
			return nil, err
		}
		pairs = append(pairs, xattrPair{name: name, value: value})
	}
	return pairs, nil
}
