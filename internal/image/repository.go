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

// Package image moves images between a repository of copy-on-write
// subvolumes and archive tarballs in the legacy repositories/layer layout.
// Export replays each subvolume's change transcript into a staging tree and
// packs it as a layer; import rebuilds the subvolume chain from the layers,
// honoring whiteout markers along the way.
package image

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/containerd/platforms"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/grovekit/grove/identifiers"
	"github.com/grovekit/grove/internal/subvol"
)

// Subdirectories of the repository root.
const (
	imagesDir     = "images"
	containersDir = "containers"
	scratchDir    = "tmp"
)

// Compression selects how Export encodes its output archive.
type Compression string

const (
	// Uncompressed writes a plain tarball.
	Uncompressed Compression = ""
	// Gzip wraps the tarball in a gzip stream.
	Gzip Compression = "gzip"
)

// Repository is a directory of image subvolumes plus the per-process roots
// snapshotted from them.
type Repository struct {
	root        string
	backend     subvol.Backend
	platform    ocispec.Platform
	compression Compression

	images     *subvol.Store
	containers *subvol.Store
}

// Opt configures a Repository.
type Opt func(*Repository)

// WithBackend selects the subvolume backend. The default uses btrfs when the
// repository root lives on one and falls back to plain directory copies.
func WithBackend(b subvol.Backend) Opt {
	return func(r *Repository) {
		r.backend = b
	}
}

// WithPlatform overrides the platform recorded in exported layer metadata.
func WithPlatform(p ocispec.Platform) Opt {
	return func(r *Repository) {
		r.platform = p
	}
}

// WithCompression selects the Export output encoding.
func WithCompression(c Compression) Opt {
	return func(r *Repository) {
		r.compression = c
	}
}

// NewRepository opens the repository rooted at root, creating the directory
// tree on first use.
func NewRepository(root string, opts ...Opt) (*Repository, error) {
	r := &Repository{
		root:     root,
		platform: platforms.DefaultSpec(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.backend == nil {
		b, err := defaultBackend(root)
		if err != nil {
			return nil, err
		}
		r.backend = b
	}

	var err error
	if r.images, err = subvol.NewStore(r.backend, filepath.Join(root, imagesDir)); err != nil {
		return nil, err
	}
	if r.containers, err = subvol.NewStore(r.backend, filepath.Join(root, containersDir)); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(r.scratch(), 0o755); err != nil {
		return nil, err
	}
	return r, nil
}

func defaultBackend(root string) (subvol.Backend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	ok, err := subvol.IsBtrfs(root)
	if err != nil {
		return nil, err
	}
	if ok {
		return subvol.NewBtrfs(), nil
	}
	return subvol.NewCopy(), nil
}

func (r *Repository) scratch() string {
	return filepath.Join(r.root, scratchDir)
}

// Image describes one image subvolume.
type Image struct {
	Name    string
	Size    int64
	Created time.Time
	UUID    uuid.UUID
	Parent  uuid.UUID
}

// List returns every image in the repository ordered by name. Sizes are
// gathered concurrently since usage walks the whole tree on backends without
// native accounting.
func (r *Repository) List(ctx context.Context) ([]Image, error) {
	infos, err := r.images.List(ctx)
	if err != nil {
		return nil, err
	}
	images := make([]Image, len(infos))
	eg, egctx := errgroup.WithContext(ctx)
	for i, info := range infos {
		i, info := i, info
		eg.Go(func() error {
			usage, err := r.images.Usage(egctx, info.Name)
			if err != nil {
				return fmt.Errorf("usage of %s: %w", info.Name, err)
			}
			images[i] = Image{
				Name:    info.Name,
				Size:    usage.Size,
				Created: info.OTime,
				UUID:    info.UUID,
				Parent:  info.ParentUUID,
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

// Info returns the named image, or ErrNotFound.
func (r *Repository) Info(ctx context.Context, name string) (Image, error) {
	info, err := r.images.Info(ctx, name)
	if err != nil {
		return Image{}, err
	}
	usage, err := r.images.Usage(ctx, name)
	if err != nil {
		return Image{}, err
	}
	return Image{
		Name:    info.Name,
		Size:    usage.Size,
		Created: info.OTime,
		UUID:    info.UUID,
		Parent:  info.ParentUUID,
	}, nil
}

// Delete removes the named image subvolume.
func (r *Repository) Delete(ctx context.Context, name string) error {
	return r.images.Delete(ctx, name)
}

// GetImageLocationForProcess returns a filesystem path holding a private root
// for the named process. An image argument naming an existing directory is
// returned as-is. Otherwise the image is resolved in the repository and
// snapshotted on demand, one snapshot per process name, reused on later
// calls for the same pair.
func (r *Repository) GetImageLocationForProcess(ctx context.Context, image, process string) (string, error) {
	if fi, err := os.Stat(image); err == nil {
		if !fi.IsDir() {
			return "", fmt.Errorf("image path %s is not a directory: %w", image, errdefs.ErrInvalidArgument)
		}
		return image, nil
	}
	if err := identifiers.Validate(image); err != nil {
		return "", err
	}
	if err := identifiers.Validate(process); err != nil {
		return "", err
	}
	if _, err := r.images.Info(ctx, image); err != nil {
		return "", fmt.Errorf("image %s: %w", image, err)
	}

	name := image + "-" + process
	if _, err := r.containers.Info(ctx, name); err == nil {
		return r.containers.Path(name), nil
	}
	if err := r.backend.Snapshot(ctx, r.images.Path(image), r.containers.Path(name)); err != nil && !errdefs.IsAlreadyExists(err) {
		return "", err
	}
	log.G(ctx).WithFields(log.Fields{
		"image":   image,
		"process": process,
	}).Debug("snapshotted process root")
	return r.containers.Path(name), nil
}
