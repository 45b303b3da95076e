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

package subvol

import (
	iofs "io/fs"
	"time"
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
	return sysInfo{atime: fi.ModTime(), mtime: fi.ModTime()}
}

func listXattrs(string) ([]xattrPair, error) {
	return nil, nil
}
