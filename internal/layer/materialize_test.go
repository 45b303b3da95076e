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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovekit/grove/internal/sendstream"
)

func encodeStream(t *testing.T, cmds ...sendstream.Command) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	enc := sendstream.NewEncoder(&buf)
	for _, c := range cmds {
		require.NoError(t, enc.Encode(c))
	}
	return &buf
}

func TestMaterializeTranscript(t *testing.T) {
	ctx := context.Background()
	u := uuid.New()
	mt := time.Date(2023, 4, 5, 6, 7, 8, 0, time.UTC)

	stream := encodeStream(t,
		&sendstream.Subvol{Path: "base", UUID: u, CTransID: 7},
		&sendstream.Mkdir{Path: "etc"},
		&sendstream.Chmod{Path: "etc", Mode: 0o755},
		&sendstream.Mkfile{Path: "etc/hostname"},
		&sendstream.Write{Path: "etc/hostname", Data: []byte("grove\n")},
		&sendstream.Chmod{Path: "etc/hostname", Mode: 0o644},
		&sendstream.Utimes{Path: "etc/hostname", Atime: mt, Mtime: mt, Ctime: mt},
		&sendstream.Mkfile{Path: "private"},
		&sendstream.Mkdir{Path: "scratch"},
		&sendstream.Symlink{Path: "hn", Target: "etc/hostname"},
		&sendstream.Link{Path: "hosts2", Target: "etc/hostname"},
		&sendstream.Mkfile{Path: "old"},
		&sendstream.Rename{Path: "old", To: "renamed"},
		&sendstream.Mkfile{Path: "doomed"},
		&sendstream.Unlink{Path: "doomed"},
		&sendstream.Mkdir{Path: "doomeddir"},
		&sendstream.Rmdir{Path: "doomeddir"},
		&sendstream.Mkfile{Path: "grown"},
		&sendstream.Write{Path: "grown", Data: bytes.Repeat([]byte{'g'}, 100)},
		&sendstream.Truncate{Path: "grown", Size: 10},
		&sendstream.End{},
	)

	m := NewMaterializer(t.TempDir())
	tree, err := m.Materialize(ctx, stream)
	require.NoError(t, err)

	fi, err := os.Lstat(filepath.Join(tree, "etc"))
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	assert.Equal(t, os.FileMode(0o755), fi.Mode().Perm())

	content, err := os.ReadFile(filepath.Join(tree, "etc", "hostname"))
	require.NoError(t, err)
	assert.Equal(t, "grove\n", string(content))
	fi, err = os.Lstat(filepath.Join(tree, "etc", "hostname"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), fi.Mode().Perm())
	assert.True(t, fi.ModTime().Equal(mt), "mtime %s", fi.ModTime())

	fi, err = os.Lstat(filepath.Join(tree, "private"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	fi, err = os.Lstat(filepath.Join(tree, "scratch"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), fi.Mode().Perm())

	target, err := os.Readlink(filepath.Join(tree, "hn"))
	require.NoError(t, err)
	assert.Equal(t, "etc/hostname", target)

	h1, err := os.Lstat(filepath.Join(tree, "etc", "hostname"))
	require.NoError(t, err)
	h2, err := os.Lstat(filepath.Join(tree, "hosts2"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(h1, h2))

	_, err = os.Lstat(filepath.Join(tree, "old"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Lstat(filepath.Join(tree, "renamed"))
	assert.NoError(t, err)

	_, err = os.Lstat(filepath.Join(tree, "doomed"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Lstat(filepath.Join(tree, "doomeddir"))
	assert.True(t, os.IsNotExist(err))

	content, err = os.ReadFile(filepath.Join(tree, "grown"))
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{'g'}, 10), content)
}

func TestMaterializeSnapshotSeeding(t *testing.T) {
	ctx := context.Background()
	parent, child := uuid.New(), uuid.New()

	stream := encodeStream(t,
		&sendstream.Subvol{Path: "base", UUID: parent, CTransID: 1},
		&sendstream.Mkfile{Path: "keep"},
		&sendstream.Write{Path: "keep", Data: []byte("base")},
		&sendstream.Mkfile{Path: "dropped"},
		&sendstream.End{},
		&sendstream.Snapshot{Path: "child", UUID: child, CTransID: 2, CloneUUID: parent, CloneCTransID: 1},
		&sendstream.Unlink{Path: "dropped"},
		&sendstream.Mkfile{Path: "added"},
		&sendstream.End{},
	)

	m := NewMaterializer(t.TempDir())
	tree, err := m.Materialize(ctx, stream)
	require.NoError(t, err)

	// The child tree carries the seed, minus removals, plus additions.
	_, err = os.Lstat(filepath.Join(tree, "keep"))
	assert.NoError(t, err)
	_, err = os.Lstat(filepath.Join(tree, "added"))
	assert.NoError(t, err)
	_, err = os.Lstat(filepath.Join(tree, "dropped"))
	assert.True(t, os.IsNotExist(err))

	// The parent tree is untouched by the child's replay.
	ptree, ok := m.Tree(parent)
	require.True(t, ok)
	require.NotEqual(t, tree, ptree)
	_, err = os.Lstat(filepath.Join(ptree, "dropped"))
	assert.NoError(t, err)
	_, err = os.Lstat(filepath.Join(ptree, "added"))
	assert.True(t, os.IsNotExist(err))
}

func TestMaterializeUnknownParent(t *testing.T) {
	stream := encodeStream(t, &sendstream.Snapshot{
		Path:          "orphan",
		UUID:          uuid.New(),
		CTransID:      2,
		CloneUUID:     uuid.New(),
		CloneCTransID: 1,
	})
	_, err := NewMaterializer(t.TempDir()).Materialize(context.Background(), stream)
	assert.True(t, errdefs.IsNotFound(err), "got %v", err)
}

func TestMaterializeLeaderRequired(t *testing.T) {
	stream := encodeStream(t, &sendstream.Mkfile{Path: "stray"})
	_, err := NewMaterializer(t.TempDir()).Materialize(context.Background(), stream)
	assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)
}

func TestMaterializeEmptyStream(t *testing.T) {
	_, err := NewMaterializer(t.TempDir()).Materialize(context.Background(), bytes.NewReader(nil))
	assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)
}

func TestMaterializeConfinesPaths(t *testing.T) {
	ctx := context.Background()
	stream := encodeStream(t,
		&sendstream.Subvol{Path: "base", UUID: uuid.New(), CTransID: 1},
		&sendstream.Mkfile{Path: "../escapee"},
		&sendstream.Symlink{Path: "out", Target: "/"},
		&sendstream.Mkfile{Path: "out/inside"},
		&sendstream.End{},
	)

	scratch := t.TempDir()
	tree, err := NewMaterializer(scratch).Materialize(ctx, stream)
	require.NoError(t, err)

	_, err = os.Lstat(filepath.Join(tree, "escapee"))
	assert.NoError(t, err, "parent traversal must resolve inside the tree")
	_, err = os.Lstat(filepath.Join(scratch, "escapee"))
	assert.True(t, os.IsNotExist(err))

	_, err = os.Lstat(filepath.Join(tree, "inside"))
	assert.NoError(t, err, "absolute symlink must resolve inside the tree")
}
