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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/grovekit/grove/identifiers"
	"github.com/grovekit/grove/internal/layer"
)

// IncompleteImageError reports an archive missing a member the import
// pipeline needs, naming what was looked for and what the archive offers
// instead.
type IncompleteImageError struct {
	Key       string
	Available []string
}

func (e *IncompleteImageError) Error() string {
	return fmt.Sprintf("incomplete image archive: no %q (available: %s)", e.Key, strings.Join(e.Available, ", "))
}

func (e *IncompleteImageError) Unwrap() error { return errdefs.ErrNotFound }

// NameFromPath derives an image name from an archive file name: the base
// name up to the first dot, so "ubuntu.tar.gz" imports as "ubuntu".
func NameFromPath(p string) string {
	name, _, _ := strings.Cut(filepath.Base(p), ".")
	return name
}

// Import reads an image archive, which may be plain, gzip- or
// zstd-compressed, and rebuilds its layer chain as subvolumes: the base
// layer unpacks into a fresh subvolume and every derived layer is applied,
// whiteouts included, onto a snapshot of its parent. Intermediate
// subvolumes are named by layer id, the final one by the image name. A
// layer whose subvolume already exists is skipped wholesale, so repeating
// an import is a no-op. Returns the path of the image's subvolume.
func (r *Repository) Import(ctx context.Context, rd io.Reader, name string) (string, error) {
	if err := identifiers.Validate(name); err != nil {
		return "", err
	}
	scratch, err := os.MkdirTemp(r.scratch(), "import-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(scratch)

	dec, err := decompress(rd)
	if err != nil {
		return "", err
	}
	if err := layer.Unpack(ctx, scratch, dec); err != nil {
		return "", fmt.Errorf("unpack archive: %w", err)
	}

	ids, err := layerChain(scratch, name)
	if err != nil {
		return "", err
	}

	var parent string
	for i, id := range ids {
		target := id
		if i == len(ids)-1 {
			target = name
		}
		if err := r.applyLayer(ctx, scratch, id, target, parent); err != nil {
			if !errdefs.IsAlreadyExists(err) {
				return "", fmt.Errorf("apply layer %s: %w", id, err)
			}
			log.G(ctx).WithField("subvolume", target).Debug("already present, skipping layer")
		}
		parent = target
	}
	return r.images.Path(name), nil
}

// layerChain resolves the archive's layer ordering for the named image,
// returning layer ids base first.
func layerChain(scratch, name string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(scratch, repositoriesName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &IncompleteImageError{Key: repositoriesName, Available: memberNames(scratch)}
		}
		return nil, err
	}
	var repos repositoriesFile
	if err := json.Unmarshal(data, &repos); err != nil {
		return nil, fmt.Errorf("parse %s: %w", repositoriesName, err)
	}
	tags, ok := repos[name]
	if !ok {
		return nil, &IncompleteImageError{Key: name, Available: sortedKeys(repos)}
	}
	id, ok := tags[latestTag]
	if !ok {
		return nil, &IncompleteImageError{Key: name + "/" + latestTag, Available: sortedKeys(tags)}
	}

	var ids []string
	seen := map[string]bool{}
	for id != "" {
		if seen[id] {
			return nil, fmt.Errorf("layer chain cycles at %s: %w", id, errdefs.ErrInvalidArgument)
		}
		seen[id] = true
		ids = append(ids, id)
		meta, err := readLayerMeta(scratch, id)
		if err != nil {
			return nil, err
		}
		id = meta.Parent
	}
	slices.Reverse(ids)
	return ids, nil
}

// readLayerMeta loads a layer's json after checking the layer directory
// carries everything import needs.
func readLayerMeta(scratch, id string) (layerMeta, error) {
	dir := filepath.Join(scratch, id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return layerMeta{}, &IncompleteImageError{Key: id, Available: memberNames(scratch)}
		}
		return layerMeta{}, err
	}
	for _, member := range []string{layerJSONName, layerTarName, versionName} {
		if _, err := os.Stat(filepath.Join(dir, member)); err != nil {
			if os.IsNotExist(err) {
				return layerMeta{}, &IncompleteImageError{Key: id + "/" + member, Available: memberNames(dir)}
			}
			return layerMeta{}, err
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, layerJSONName))
	if err != nil {
		return layerMeta{}, err
	}
	var meta layerMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return layerMeta{}, fmt.Errorf("parse %s/%s: %w", id, layerJSONName, err)
	}
	return meta, nil
}

// applyLayer lands one layer. AlreadyExists from the create or snapshot
// step skips the whole layer, tar application included, so re-imports never
// touch existing subvolumes.
func (r *Repository) applyLayer(ctx context.Context, scratch, id, target, parent string) error {
	tarPath := filepath.Join(scratch, id, layerTarName)
	if parent == "" {
		if _, err := r.images.Create(ctx, target); err != nil {
			return err
		}
		f, err := os.Open(tarPath)
		if err != nil {
			return err
		}
		defer f.Close()
		return layer.Unpack(ctx, r.images.Path(target), f)
	}
	if _, err := r.images.Snapshot(ctx, parent, target); err != nil {
		return err
	}
	return layer.Apply(ctx, r.images.Path(target), tarPath)
}

// Compression magic bytes at the head of an archive stream.
var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// decompress wraps rd according to the magic bytes at its head. Plain
// streams pass through untouched.
func decompress(rd io.Reader) (io.Reader, error) {
	br := bufio.NewReader(rd)
	head, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, err
	}
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return gzip.NewReader(br)
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	}
	return br, nil
}

func memberNames(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
