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

package image

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/log"
	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/grovekit/grove/internal/layer"
	"github.com/grovekit/grove/internal/subvol"
)

// Members of an exported archive.
const (
	repositoriesName = "repositories"
	layerTarName     = "layer.tar"
	layerJSONName    = "json"
	versionName      = "VERSION"
	versionValue     = "1.0"
	latestTag        = "latest"
)

// layerMeta is the legacy per-layer metadata written next to layer.tar. The
// parent field chains layers together; import follows it from the latest
// layer back to the base.
type layerMeta struct {
	ID           string              `json:"id"`
	Parent       string              `json:"parent,omitempty"`
	Created      time.Time           `json:"created"`
	Architecture string              `json:"architecture"`
	OS           string              `json:"os"`
	Config       ocispec.ImageConfig `json:"config"`
}

// repositoriesFile maps image name to tag to layer id.
type repositoriesFile map[string]map[string]string

// Export writes the named image and its whole parent lineage to w as an
// archive of per-layer directories plus a repositories index. Layers come
// out base first: each subvolume's change transcript is replayed into a
// staging tree seeded from its parent's, so every layer tarball carries the
// full tree of its subvolume.
func (r *Repository) Export(ctx context.Context, w io.Writer, name string) error {
	if r.compression == Gzip {
		gz := gzip.NewWriter(w)
		if err := r.export(ctx, gz, name); err != nil {
			gz.Close()
			return err
		}
		return gz.Close()
	}
	return r.export(ctx, w, name)
}

func (r *Repository) export(ctx context.Context, w io.Writer, name string) error {
	lineage, err := r.images.Lineage(ctx, name)
	if err != nil {
		return err
	}

	scratch, err := os.MkdirTemp(r.scratch(), "export-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	bundle := filepath.Join(scratch, "bundle")
	if err := os.Mkdir(bundle, 0o755); err != nil {
		return err
	}
	m := layer.NewMaterializer(filepath.Join(scratch, "staging"))

	var parent string
	for _, info := range lineage {
		id, err := r.exportLayer(ctx, m, scratch, bundle, info, parent)
		if err != nil {
			return fmt.Errorf("export layer %s: %w", info.Name, err)
		}
		parent = id
	}

	repos := repositoriesFile{name: {latestTag: parent}}
	data, err := json.Marshal(repos)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(bundle, repositoriesName), data, 0o644); err != nil {
		return err
	}
	return layer.Pack(ctx, w, bundle)
}

// exportLayer materializes one subvolume into a layer directory under
// bundle. The layer id is the hex SHA-256 of layer.tar, so it is not known
// until the tarball is complete; the tarball is hashed while packing and
// renamed into place afterwards.
func (r *Repository) exportLayer(ctx context.Context, m *layer.Materializer, scratch, bundle string, info subvol.Info, parent string) (string, error) {
	stream, err := os.CreateTemp(scratch, "send-")
	if err != nil {
		return "", err
	}
	defer func() {
		stream.Close()
		os.Remove(stream.Name())
	}()
	if err := r.images.Send(ctx, stream, info.Name); err != nil {
		return "", err
	}
	if _, err := stream.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	tree, err := m.Materialize(ctx, stream)
	if err != nil {
		return "", err
	}

	tarball, err := os.CreateTemp(scratch, "layer-")
	if err != nil {
		return "", err
	}
	digester := digest.SHA256.Digester()
	err = layer.Pack(ctx, io.MultiWriter(tarball, digester.Hash()), tree)
	if cerr := tarball.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tarball.Name())
		return "", err
	}
	id := digester.Digest().Encoded()

	dir := filepath.Join(bundle, id)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(tarball.Name(), filepath.Join(dir, layerTarName)); err != nil {
		return "", err
	}

	meta := layerMeta{
		ID:           id,
		Parent:       parent,
		Created:      info.OTime.UTC(),
		Architecture: r.platform.Architecture,
		OS:           r.platform.OS,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, layerJSONName), data, 0o644); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, versionName), []byte(versionValue), 0o644); err != nil {
		return "", err
	}

	log.G(ctx).WithFields(log.Fields{
		"subvolume": info.Name,
		"layer":     id,
	}).Debug("exported layer")
	return id, nil
}
