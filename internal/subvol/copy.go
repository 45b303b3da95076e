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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/continuity/fs"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"
)

// copyBackend emulates subvolumes with plain directories. Snapshots deep-copy
// the source tree, so writes to a snapshot never touch its source. Identity
// metadata lives in process memory; directories found on disk without an
// entry are adopted as parentless subvolumes, which keeps repositories usable
// across restarts at the cost of forgetting lineage.
type copyBackend struct {
	subvols map[string]Info
	nextID  uint64
	gen     uint64
}

// NewCopy returns the directory-copy Backend. It runs on any filesystem and
// needs no privileges beyond plain file access.
func NewCopy() Backend {
	return &copyBackend{
		subvols: make(map[string]Info),
		// Leave room below the first id so emulated ids never collide
		// with the reserved btrfs tree ids.
		nextID: 256,
	}
}

func (c *copyBackend) register(path string, parent *Info) Info {
	c.nextID++
	c.gen++
	info := Info{
		TreeID:     c.nextID,
		Name:       filepath.Base(path),
		UUID:       uuid.New(),
		Generation: c.gen,
		CTransID:   c.gen,
		OTime:      time.Now().UTC(),
	}
	if parent != nil {
		info.ParentUUID = parent.UUID
		info.ParentID = parent.TreeID
	}
	c.subvols[filepath.Clean(path)] = info
	return info
}

// lookup returns the registered Info for path, adopting an unregistered
// directory as a parentless subvolume.
func (c *copyBackend) lookup(path string) (Info, error) {
	path = filepath.Clean(path)
	if info, ok := c.subvols[path]; ok {
		return info, nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Info{}, fmt.Errorf("subvolume %q: %w", path, errdefs.ErrNotFound)
		}
		return Info{}, err
	}
	if !fi.IsDir() {
		return Info{}, fmt.Errorf("%q is not a subvolume: %w", path, errdefs.ErrInvalidArgument)
	}
	return c.register(path, nil), nil
}

func (c *copyBackend) Create(ctx context.Context, path string) error {
	if err := os.Mkdir(path, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("subvolume %q: %w", path, errdefs.ErrAlreadyExists)
		}
		return err
	}
	c.register(path, nil)
	log.G(ctx).WithField("subvolume", path).Debug("created directory subvolume")
	return nil
}

func (c *copyBackend) Snapshot(ctx context.Context, src, dst string) error {
	srcInfo, err := c.lookup(src)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("snapshot %q: %w", dst, errdefs.ErrAlreadyExists)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := fs.CopyDir(dst, src); err != nil {
		return fmt.Errorf("copy %q -> %q: %w", src, dst, err)
	}
	c.register(dst, &srcInfo)
	log.G(ctx).WithFields(log.Fields{"source": src, "snapshot": dst}).Debug("created directory snapshot")
	return nil
}

func (c *copyBackend) Delete(ctx context.Context, path string) error {
	if _, err := c.lookup(path); err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	delete(c.subvols, filepath.Clean(path))
	log.G(ctx).WithField("subvolume", path).Debug("deleted directory subvolume")
	return nil
}

func (c *copyBackend) Info(ctx context.Context, path string) (Info, error) {
	return c.lookup(path)
}
