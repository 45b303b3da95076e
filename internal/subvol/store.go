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
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/containerd/continuity/fs"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/grovekit/grove/identifiers"
)

// Store manages named subvolumes laid out flat under a root directory and
// resolves parent lineage across them. It adds naming and lookup on top of a
// Backend; the backend performs the actual subvolume operations.
type Store struct {
	backend Backend
	root    string
}

// NewStore returns a store rooted at root, creating the directory if needed.
func NewStore(backend Backend, root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{backend: backend, root: root}, nil
}

// Backend returns the backend the store operates through.
func (s *Store) Backend() Backend {
	return s.backend
}

// Root returns the directory holding the store's subvolumes.
func (s *Store) Root() string {
	return s.root
}

// Path returns the path a subvolume with the given name occupies.
func (s *Store) Path(name string) string {
	return filepath.Join(s.root, name)
}

// Create makes a new empty subvolume under the store root.
func (s *Store) Create(ctx context.Context, name string) (Info, error) {
	if err := identifiers.Validate(name); err != nil {
		return Info{}, err
	}
	if err := s.backend.Create(ctx, s.Path(name)); err != nil {
		return Info{}, err
	}
	return s.backend.Info(ctx, s.Path(name))
}

// Snapshot creates dst as a writable snapshot of the named subvolume.
func (s *Store) Snapshot(ctx context.Context, src, dst string) (Info, error) {
	if err := identifiers.Validate(dst); err != nil {
		return Info{}, err
	}
	if err := s.backend.Snapshot(ctx, s.Path(src), s.Path(dst)); err != nil {
		return Info{}, err
	}
	return s.backend.Info(ctx, s.Path(dst))
}

// Delete removes the named subvolume.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.backend.Delete(ctx, s.Path(name))
}

// Info returns metadata for the named subvolume.
func (s *Store) Info(ctx context.Context, name string) (Info, error) {
	return s.backend.Info(ctx, s.Path(name))
}

// List returns metadata for every subvolume under the store root, ordered by
// name. Entries the backend does not recognize as subvolumes are skipped.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := s.backend.Info(ctx, s.Path(e.Name()))
		if err != nil {
			if errdefs.IsNotFound(err) || errdefs.IsInvalidArgument(err) {
				continue
			}
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Resolve finds the subvolume whose UUID matches u.
func (s *Store) Resolve(ctx context.Context, u uuid.UUID) (Info, error) {
	infos, err := s.List(ctx)
	if err != nil {
		return Info{}, err
	}
	for _, info := range infos {
		if info.UUID == u {
			return info, nil
		}
	}
	return Info{}, fmt.Errorf("subvolume with uuid %s: %w", u, errdefs.ErrNotFound)
}

// Lineage returns the named subvolume and all its ancestors, oldest first.
// Parent links are followed by UUID; a repeated UUID fails with ErrCycle.
func (s *Store) Lineage(ctx context.Context, name string) ([]Info, error) {
	info, err := s.Info(ctx, name)
	if err != nil {
		return nil, err
	}

	chain := []Info{info}
	seen := map[uuid.UUID]struct{}{info.UUID: {}}
	for info.ParentUUID != uuid.Nil {
		parent, err := s.Resolve(ctx, info.ParentUUID)
		if err != nil {
			return nil, fmt.Errorf("parent of %q: %w", info.Name, err)
		}
		if _, ok := seen[parent.UUID]; ok {
			return nil, fmt.Errorf("parent of %q: %w", info.Name, ErrCycle)
		}
		seen[parent.UUID] = struct{}{}
		chain = append(chain, parent)
		info = parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Send writes the named subvolume's change transcript to w. When the
// subvolume has a parent present in the store, the transcript is sent
// against that parent.
func (s *Store) Send(ctx context.Context, w io.Writer, name string) error {
	info, err := s.Info(ctx, name)
	if err != nil {
		return err
	}
	var parent string
	if info.ParentUUID != uuid.Nil {
		pinfo, err := s.Resolve(ctx, info.ParentUUID)
		if err == nil {
			parent = s.Path(pinfo.Name)
		} else if !errdefs.IsNotFound(err) {
			return err
		}
	}
	return s.backend.Send(ctx, w, s.Path(name), parent)
}

// Usage reports the disk usage of the named subvolume.
func (s *Store) Usage(ctx context.Context, name string) (fs.Usage, error) {
	if _, err := s.Info(ctx, name); err != nil {
		return fs.Usage{}, err
	}
	return fs.DiskUsage(ctx, s.Path(name))
}
