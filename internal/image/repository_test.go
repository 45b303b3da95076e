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
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/continuity/fs/fstest"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovekit/grove/internal/subvol"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(t.TempDir(), WithBackend(subvol.NewCopy()))
	require.NoError(t, err)
	return repo
}

func seedImage(t *testing.T, repo *Repository, name string, a fstest.Applier) subvol.Info {
	t.Helper()
	info, err := repo.images.Create(context.Background(), name)
	require.NoError(t, err)
	require.NoError(t, a.Apply(repo.images.Path(name)))
	return info
}

func TestRepositoryListInfoDelete(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	seedImage(t, repo, "web", fstest.Apply(
		fstest.CreateDir("/etc", 0o755),
		fstest.CreateFile("/etc/hostname", []byte("web\n"), 0o644),
	))
	seedImage(t, repo, "alpine", fstest.Apply(
		fstest.CreateFile("/hello", []byte("hi"), 0o644),
	))

	images, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, "alpine", images[0].Name)
	assert.Equal(t, "web", images[1].Name)
	for _, img := range images {
		assert.Positive(t, img.Size)
		assert.NotEqual(t, uuid.Nil, img.UUID)
		assert.False(t, img.Created.IsZero())
	}

	info, err := repo.Info(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, images[1], info)

	require.NoError(t, repo.Delete(ctx, "web"))
	_, err = repo.Info(ctx, "web")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestGetImageLocationForProcess(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	seedImage(t, repo, "web", fstest.Apply(
		fstest.CreateFile("/app", []byte("binary"), 0o755),
	))

	loc, err := repo.GetImageLocationForProcess(ctx, "web", "p1")
	require.NoError(t, err)
	assert.Equal(t, repo.containers.Path("web-p1"), loc)
	content, err := os.ReadFile(filepath.Join(loc, "app"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(content))

	// The snapshot is private to the process; the image stays untouched.
	require.NoError(t, os.WriteFile(filepath.Join(loc, "state"), []byte("dirty"), 0o644))
	_, err = os.Lstat(filepath.Join(repo.images.Path("web"), "state"))
	assert.True(t, os.IsNotExist(err))

	// The same process name resolves to the same root, state included.
	again, err := repo.GetImageLocationForProcess(ctx, "web", "p1")
	require.NoError(t, err)
	assert.Equal(t, loc, again)
	_, err = os.Lstat(filepath.Join(again, "state"))
	assert.NoError(t, err)

	// A different process gets a fresh snapshot.
	other, err := repo.GetImageLocationForProcess(ctx, "web", "p2")
	require.NoError(t, err)
	require.NotEqual(t, loc, other)
	_, err = os.Lstat(filepath.Join(other, "state"))
	assert.True(t, os.IsNotExist(err))
}

func TestGetImageLocationForProcessLiteralPath(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	dir := t.TempDir()
	loc, err := repo.GetImageLocationForProcess(ctx, dir, "p1")
	require.NoError(t, err)
	assert.Equal(t, dir, loc)

	file := filepath.Join(t.TempDir(), "rootfs.img")
	require.NoError(t, os.WriteFile(file, []byte("not a directory"), 0o644))
	_, err = repo.GetImageLocationForProcess(ctx, file, "p1")
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, err = repo.GetImageLocationForProcess(ctx, "ghost", "p1")
	assert.True(t, errdefs.IsNotFound(err))
}
