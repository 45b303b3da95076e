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
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/containerd/log"
)

// Whiteout markers inside layer tars, following the AUFS naming convention.
const (
	whiteoutPrefix = ".wh."
	opaqueWhiteout = ".wh..wh..opq"
)

// Unpack extracts every entry of the tar stream into root verbatim, with no
// whiteout interpretation. Base layers of an image chain unpack this way, and
// it also serves archives arriving through a decompressor.
func Unpack(ctx context.Context, root string, r io.Reader) error {
	tr := tar.NewReader(r)
	var dirs []*tar.Header
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := extractEntry(ctx, root, tr, hdr); err != nil {
			return fmt.Errorf("extract %s: %w", hdr.Name, err)
		}
		if hdr.Typeflag == tar.TypeDir {
			dirs = append(dirs, hdr)
		}
	}
	return applyDirTimes(root, dirs)
}

// Apply applies the layer tarball onto root with whiteout semantics. The
// archive is read twice: the first pass collects whiteout markers, which are
// applied opaque-first so a directory is cleared before its replacement
// content lands; the second pass extracts everything else in archive order.
func Apply(ctx context.Context, root, tarPath string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var opaques, whiteouts []string
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		name := path.Clean(hdr.Name)
		base := path.Base(name)
		switch {
		case base == opaqueWhiteout:
			opaques = append(opaques, path.Dir(name))
		case strings.HasPrefix(base, whiteoutPrefix):
			whiteouts = append(whiteouts, path.Join(path.Dir(name), strings.TrimPrefix(base, whiteoutPrefix)))
		}
	}

	for _, dir := range opaques {
		if err := clearDir(ctx, root, dir); err != nil {
			return fmt.Errorf("opaque whiteout %s: %w", dir, err)
		}
	}
	for _, target := range whiteouts {
		p, err := rooted(root, target)
		if err != nil {
			return err
		}
		log.G(ctx).WithField("path", target).Debug("whiteout")
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("whiteout %s: %w", target, err)
		}
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	tr = tar.NewReader(f)
	var dirs []*tar.Header
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		base := path.Base(path.Clean(hdr.Name))
		if base == opaqueWhiteout || strings.HasPrefix(base, whiteoutPrefix) {
			continue
		}
		if err := extractEntry(ctx, root, tr, hdr); err != nil {
			return fmt.Errorf("extract %s: %w", hdr.Name, err)
		}
		if hdr.Typeflag == tar.TypeDir {
			dirs = append(dirs, hdr)
		}
	}
	return applyDirTimes(root, dirs)
}

// clearDir removes every entry inside the directory, leaving the directory
// itself in place. A directory absent from the destination clears to nothing.
func clearDir(ctx context.Context, root, dir string) error {
	p, err := rooted(root, dir)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	log.G(ctx).WithField("dir", dir).Debug("clearing opaque directory")
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(p, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(ctx context.Context, root string, tr *tar.Reader, hdr *tar.Header) error {
	p, err := rooted(root, hdr.Name)
	if err != nil {
		return err
	}

	// Entries replace whatever the destination holds at their path, except
	// a directory entry over an existing directory.
	if fi, err := os.Lstat(p); err == nil {
		if !(fi.IsDir() && hdr.Typeflag == tar.TypeDir) {
			if err := os.RemoveAll(p); err != nil {
				return err
			}
		}
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.Mkdir(p, 0o755); err != nil && !os.IsExist(err) {
			return err
		}
	case tar.TypeReg:
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return err
		}
		_, cpErr := io.Copy(f, tr)
		if err := f.Close(); cpErr == nil {
			cpErr = err
		}
		if cpErr != nil {
			return cpErr
		}
	case tar.TypeLink:
		target, err := rooted(root, hdr.Linkname)
		if err != nil {
			return err
		}
		// The link shares its inode with the target, metadata included.
		return os.Link(target, p)
	case tar.TypeSymlink:
		if err := os.Symlink(hdr.Linkname, p); err != nil {
			return err
		}
	case tar.TypeBlock, tar.TypeChar, tar.TypeFifo:
		if err := mknodEntry(p, hdr); err != nil {
			return err
		}
	case tar.TypeXGlobalHeader:
		return nil
	default:
		log.G(ctx).WithField("name", hdr.Name).Debugf("skipping entry type %c", hdr.Typeflag)
		return nil
	}

	if err := os.Lchown(p, hdr.Uid, hdr.Gid); err != nil {
		// Unmapped ids inside a user namespace cannot be restored.
		if !errors.Is(err, syscall.EPERM) && !errors.Is(err, syscall.EINVAL) {
			return err
		}
		log.G(ctx).WithError(err).WithField("name", hdr.Name).Debug("cannot restore ownership")
	}
	for key, value := range hdr.PAXRecords {
		name, ok := strings.CutPrefix(key, paxSchilyXattr)
		if !ok {
			continue
		}
		if err := lsetxattr(p, name, []byte(value)); err != nil {
			if isXattrUnsupported(err) {
				log.G(ctx).WithError(err).WithField("name", hdr.Name).Warnf("ignoring xattr %s", name)
				continue
			}
			return err
		}
	}
	if hdr.Typeflag != tar.TypeSymlink {
		if err := chmod(p, uint32(hdr.Mode)); err != nil {
			return err
		}
	}
	if hdr.Typeflag == tar.TypeDir {
		// Directory times settle after all children exist.
		return nil
	}
	return lchtimes(p, hdr.AccessTime, hdr.ModTime)
}

func applyDirTimes(root string, dirs []*tar.Header) error {
	// Deepest directories first, so restoring a parent is not undone by a
	// child restored after it.
	for i := len(dirs) - 1; i >= 0; i-- {
		hdr := dirs[i]
		p, err := rooted(root, hdr.Name)
		if err != nil {
			return err
		}
		if err := lchtimes(p, hdr.AccessTime, hdr.ModTime); err != nil {
			return err
		}
	}
	return nil
}
