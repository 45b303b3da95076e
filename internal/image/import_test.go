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
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/containerd/continuity/fs/fstest"
	"github.com/containerd/errdefs"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovekit/grove/internal/subvol"
)

type archiveEntry struct {
	hdr     *tar.Header
	content []byte
}

func fileEntry(name, content string, mode int64) archiveEntry {
	return archiveEntry{
		hdr:     &tar.Header{Typeflag: tar.TypeReg, Name: name, Mode: mode},
		content: []byte(content),
	}
}

func dirEntry(name string, mode int64) archiveEntry {
	return archiveEntry{
		hdr: &tar.Header{Typeflag: tar.TypeDir, Name: name, Mode: mode},
	}
}

func tarBytes(t *testing.T, entries ...archiveEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		e.hdr.Size = int64(len(e.content))
		require.NoError(t, tw.WriteHeader(e.hdr))
		_, err := tw.Write(e.content)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// layerEntries builds the three members of one layer directory, with the
// layer tarball assembled from tree.
func layerEntries(t *testing.T, id, parent string, tree ...archiveEntry) []archiveEntry {
	t.Helper()
	meta, err := json.Marshal(layerMeta{ID: id, Parent: parent, Created: time.Now().UTC()})
	require.NoError(t, err)
	return []archiveEntry{
		dirEntry(id+"/", 0o755),
		fileEntry(id+"/"+layerJSONName, string(meta), 0o644),
		fileEntry(id+"/"+versionName, versionValue, 0o644),
		{
			hdr:     &tar.Header{Typeflag: tar.TypeReg, Name: id + "/" + layerTarName, Mode: 0o644},
			content: tarBytes(t, tree...),
		},
	}
}

func repositoriesEntry(t *testing.T, name, id string) archiveEntry {
	t.Helper()
	data, err := json.Marshal(repositoriesFile{name: {latestTag: id}})
	require.NoError(t, err)
	return fileEntry(repositoriesName, string(data), 0o644)
}

func TestNameFromPath(t *testing.T) {
	assert.Equal(t, "ubuntu", NameFromPath("/archives/ubuntu.tar.gz"))
	assert.Equal(t, "alpine-3", NameFromPath("alpine-3.19.tar"))
	assert.Equal(t, "plain", NameFromPath("plain"))
}

func TestImportAppliesWhiteouts(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	baseID := strings.Repeat("a", 64)
	childID := strings.Repeat("b", 64)

	entries := []archiveEntry{repositoriesEntry(t, "shell", childID)}
	entries = append(entries, layerEntries(t, baseID, "",
		dirEntry("bin/", 0o755),
		fileEntry("bin/sh", "#!/bin/sh\n", 0o755),
		fileEntry("README", "v1", 0o644),
	)...)
	entries = append(entries, layerEntries(t, childID, baseID,
		fileEntry(".wh.bin", "", 0o644),
		fileEntry("README", "v2", 0o644),
	)...)

	path, err := repo.Import(ctx, bytes.NewReader(tarBytes(t, entries...)), "shell")
	require.NoError(t, err)
	assert.Equal(t, repo.images.Path("shell"), path)

	_, err = os.Lstat(filepath.Join(path, "bin"))
	assert.True(t, os.IsNotExist(err))
	content, err := os.ReadFile(filepath.Join(path, "README"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(content))

	// The base landed unmodified in its own subvolume.
	_, err = os.Lstat(filepath.Join(repo.images.Path(baseID), "bin", "sh"))
	assert.NoError(t, err)
}

func TestImportIdempotent(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	id := strings.Repeat("c", 64)

	archive := tarBytes(t, append(
		[]archiveEntry{repositoriesEntry(t, "solo", id)},
		layerEntries(t, id, "", fileEntry("hello.txt", "one", 0o644))...,
	)...)

	first, err := repo.Import(ctx, bytes.NewReader(archive), "solo")
	require.NoError(t, err)

	// A repeated import skips layers whose subvolumes exist, so local
	// modifications survive.
	require.NoError(t, os.WriteFile(filepath.Join(first, "marker"), []byte("kept"), 0o644))
	second, err := repo.Import(ctx, bytes.NewReader(archive), "solo")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	_, err = os.Lstat(filepath.Join(second, "marker"))
	assert.NoError(t, err)
}

func TestImportIncompleteArchive(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	id := strings.Repeat("d", 64)

	// No repositories file at all.
	archive := tarBytes(t, layerEntries(t, id, "", fileEntry("f", "x", 0o644))...)
	_, err := repo.Import(ctx, bytes.NewReader(archive), "shell")
	var incomplete *IncompleteImageError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, repositoriesName, incomplete.Key)
	assert.True(t, errdefs.IsNotFound(err))

	// The requested image is not among the recorded ones.
	archive = tarBytes(t, append(
		[]archiveEntry{repositoriesEntry(t, "other", id)},
		layerEntries(t, id, "", fileEntry("f", "x", 0o644))...,
	)...)
	_, err = repo.Import(ctx, bytes.NewReader(archive), "shell")
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, "shell", incomplete.Key)
	assert.Equal(t, []string{"other"}, incomplete.Available)

	// The latest layer names a parent the archive does not carry.
	missing := strings.Repeat("e", 64)
	archive = tarBytes(t, append(
		[]archiveEntry{repositoriesEntry(t, "shell", id)},
		layerEntries(t, id, missing, fileEntry("f", "x", 0o644))...,
	)...)
	_, err = repo.Import(ctx, bytes.NewReader(archive), "shell")
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, missing, incomplete.Key)
}

func TestImportCompressed(t *testing.T) {
	ctx := context.Background()

	// Gzip, produced by Export itself when the repository is so configured.
	repo, err := NewRepository(t.TempDir(), WithBackend(subvol.NewCopy()), WithCompression(Gzip))
	require.NoError(t, err)
	seedImage(t, repo, "tiny", fstest.Apply(
		fstest.CreateFile("/greeting", []byte("hello\n"), 0o644),
	))

	var buf bytes.Buffer
	require.NoError(t, repo.Export(ctx, &buf, "tiny"))
	require.True(t, bytes.HasPrefix(buf.Bytes(), gzipMagic))

	path, err := repo.Import(ctx, &buf, "copy")
	require.NoError(t, err)
	content, err := os.ReadFile(filepath.Join(path, "greeting"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))

	// Zstd, produced by hand.
	id := strings.Repeat("f", 64)
	plain := tarBytes(t, append(
		[]archiveEntry{repositoriesEntry(t, "zimg", id)},
		layerEntries(t, id, "", fileEntry("z.txt", "zdata", 0o644))...,
	)...)
	var zbuf bytes.Buffer
	zw, err := zstd.NewWriter(&zbuf)
	require.NoError(t, err)
	_, err = zw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	path, err = repo.Import(ctx, &zbuf, "zimg")
	require.NoError(t, err)
	content, err = os.ReadFile(filepath.Join(path, "z.txt"))
	require.NoError(t, err)
	assert.Equal(t, "zdata", string(content))
}
