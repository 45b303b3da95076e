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

// Package layer turns subvolume change transcripts into concrete file trees
// and moves those trees in and out of layer tarballs, honoring whiteout
// markers on the way in.
package layer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/containerd/continuity/fs"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/grovekit/grove/internal/sendstream"
)

// Materializer replays decoded transcripts into staging trees under a scratch
// directory. Trees are kept per subvolume UUID so a snapshot transcript can
// seed its staging tree from the parent it names.
type Materializer struct {
	root  string
	trees map[uuid.UUID]string
}

// NewMaterializer returns a materializer staging trees under root.
func NewMaterializer(root string) *Materializer {
	return &Materializer{
		root:  root,
		trees: make(map[uuid.UUID]string),
	}
}

// Tree returns the staging tree materialized for the subvolume UUID.
func (m *Materializer) Tree(u uuid.UUID) (string, bool) {
	dir, ok := m.trees[u]
	return dir, ok
}

// Materialize decodes the stream and replays every transcript in it, in
// order. It returns the staging tree of the last transcript. Commands apply
// in stream order; a command arriving before any subvol or snapshot leader is
// an error.
func (m *Materializer) Materialize(ctx context.Context, r io.Reader) (string, error) {
	dec := sendstream.NewDecoder(r)
	var root, last string
	for {
		cmd, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		switch c := cmd.(type) {
		case *sendstream.Subvol:
			root, err = m.begin(ctx, c.UUID, uuid.Nil)
		case *sendstream.Snapshot:
			root, err = m.begin(ctx, c.UUID, c.CloneUUID)
		case *sendstream.End:
		default:
			if root == "" {
				return "", fmt.Errorf("%s before subvol or snapshot leader: %w", cmd.Cmd(), errdefs.ErrInvalidArgument)
			}
			err = m.apply(root, cmd)
		}
		if err != nil {
			return "", fmt.Errorf("replay %s: %w", cmd.Cmd(), err)
		}
		if root != "" {
			last = root
		}
	}
	if last == "" {
		return "", fmt.Errorf("stream carried no transcript: %w", errdefs.ErrInvalidArgument)
	}
	return last, nil
}

func (m *Materializer) begin(ctx context.Context, u, parent uuid.UUID) (string, error) {
	dir := filepath.Join(m.root, u.String())
	if parent != uuid.Nil {
		ptree, ok := m.trees[parent]
		if !ok {
			return "", fmt.Errorf("parent tree %s: %w", parent, errdefs.ErrNotFound)
		}
		if err := fs.CopyDir(dir, ptree); err != nil {
			return "", err
		}
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	log.G(ctx).WithFields(log.Fields{"uuid": u, "dir": dir}).Debug("staging transcript")
	m.trees[u] = dir
	return dir, nil
}

func (m *Materializer) apply(root string, cmd sendstream.Command) error {
	switch c := cmd.(type) {
	case *sendstream.Mkfile:
		p, err := rooted(root, c.Path)
		if err != nil {
			return err
		}
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return err
		}
		return f.Close()
	case *sendstream.Mkdir:
		p, err := rooted(root, c.Path)
		if err != nil {
			return err
		}
		if err := os.Mkdir(p, 0o700); err != nil && !os.IsExist(err) {
			return err
		}
		return nil
	case *sendstream.Mknod:
		p, err := rooted(root, c.Path)
		if err != nil {
			return err
		}
		return mknod(p, uint32(c.Mode), c.Rdev)
	case *sendstream.Mkfifo:
		p, err := rooted(root, c.Path)
		if err != nil {
			return err
		}
		return mkfifo(p, 0o600)
	case *sendstream.Mksock:
		p, err := rooted(root, c.Path)
		if err != nil {
			return err
		}
		return mksock(p)
	case *sendstream.Symlink:
		p, err := rooted(root, c.Path)
		if err != nil {
			return err
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
		return os.Symlink(c.Target, p)
	case *sendstream.Rename:
		from, err := rooted(root, c.Path)
		if err != nil {
			return err
		}
		to, err := rooted(root, c.To)
		if err != nil {
			return err
		}
		return os.Rename(from, to)
	case *sendstream.Link:
		target, err := rooted(root, c.Target)
		if err != nil {
			return err
		}
		p, err := rooted(root, c.Path)
		if err != nil {
			return err
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
		return os.Link(target, p)
	case *sendstream.Unlink:
		p, err := rooted(root, c.Path)
		if err != nil {
			return err
		}
		return os.Remove(p)
	case *sendstream.Rmdir:
		p, err := rooted(root, c.Path)
		if err != nil {
			return err
		}
		return os.Remove(p)
	case *sendstream.SetXattr:
		p, err := rooted(root, c.Path)
		if err != nil {
			return err
		}
		return lsetxattr(p, c.Name, c.Data)
	case *sendstream.RemoveXattr:
		p, err := rooted(root, c.Path)
		if err != nil {
			return err
		}
		return lremovexattr(p, c.Name)
	case *sendstream.Write:
		p, err := rooted(root, c.Path)
		if err != nil {
			return err
		}
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE, 0o600)
		if err != nil {
			return err
		}
		_, werr := f.WriteAt(c.Data, int64(c.Offset))
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		return werr
	case *sendstream.Truncate:
		p, err := rooted(root, c.Path)
		if err != nil {
			return err
		}
		return os.Truncate(p, int64(c.Size))
	case *sendstream.Chmod:
		p, err := rooted(root, c.Path)
		if err != nil {
			return err
		}
		return chmod(p, uint32(c.Mode))
	case *sendstream.Chown:
		p, err := rooted(root, c.Path)
		if err != nil {
			return err
		}
		return os.Lchown(p, int(c.UID), int(c.GID))
	case *sendstream.Utimes:
		p, err := rooted(root, c.Path)
		if err != nil {
			return err
		}
		return lchtimes(p, c.Atime, c.Mtime)
	case *sendstream.Clone, *sendstream.UpdateExtent:
		// Extent sharing carries no content of its own; the bytes arrive
		// through write commands.
		return nil
	default:
		return fmt.Errorf("command %s: %w", cmd.Cmd(), errdefs.ErrNotImplemented)
	}
}

// rooted joins a transcript path under root, bounding every parent component
// to root while leaving the final component unevaluated so operations on
// symlinks act on the link itself.
func rooted(root, p string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(p))
	if clean == "/" {
		return root, nil
	}
	dir, base := path.Split(clean)
	rdir, err := fs.RootPath(root, dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(rdir, base), nil
}
