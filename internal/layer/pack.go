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
	"context"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/log"
)

// paxSchilyXattr prefixes extended attribute records in PAX headers.
const paxSchilyXattr = "SCHILY.xattr."

type xattr struct {
	name  string
	value string
}

// Pack writes the tree under root into w as an uncompressed tar archive.
// Output is deterministic for a given tree: entries walk in lexical order,
// hardlinks collapse to link entries against their first occurrence, and
// user names and access times are scrubbed from headers.
func Pack(ctx context.Context, w io.Writer, root string) error {
	tw := tar.NewWriter(w)
	links := make(map[uint64]string)

	err := filepath.WalkDir(root, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		fi, err := d.Info()
		if err != nil {
			return err
		}
		if fi.Mode()&iofs.ModeSocket != 0 {
			log.G(ctx).WithField("path", rel).Debug("skipping socket")
			return nil
		}

		var linkTarget string
		if fi.Mode()&iofs.ModeSymlink != 0 {
			if linkTarget, err = os.Readlink(p); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(fi, linkTarget)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if fi.IsDir() {
			hdr.Name += "/"
		}
		hdr.Uname, hdr.Gname = "", ""
		hdr.AccessTime, hdr.ChangeTime = time.Time{}, time.Time{}

		if fi.Mode().IsRegular() {
			if ino, nlink, ok := inodeOf(fi); ok && nlink > 1 {
				if first, seen := links[ino]; seen {
					hdr.Typeflag = tar.TypeLink
					hdr.Linkname = first
					hdr.Size = 0
				} else {
					links[ino] = rel
				}
			}
		}

		xattrs, err := listXattrs(p)
		if err != nil {
			return err
		}
		for _, x := range xattrs {
			if hdr.PAXRecords == nil {
				hdr.PAXRecords = make(map[string]string)
			}
			hdr.PAXRecords[paxSchilyXattr+x.name] = x.value
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeReg && hdr.Size > 0 {
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			_, cpErr := io.Copy(tw, f)
			if err := f.Close(); cpErr == nil {
				cpErr = err
			}
			if cpErr != nil {
				return cpErr
			}
		}
		return nil
	})
	if err != nil {
		tw.Close()
		return err
	}
	return tw.Close()
}
