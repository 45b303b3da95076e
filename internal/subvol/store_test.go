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
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovekit/grove/internal/sendstream"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(NewCopy(), filepath.Join(t.TempDir(), "subvolumes"))
	require.NoError(t, err)
	return s
}

func TestStoreCreateAndList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Create(ctx, "../escape")
	assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)

	base, err := s.Create(ctx, "alpine")
	require.NoError(t, err)
	assert.Equal(t, "alpine", base.Name)

	_, err = s.Create(ctx, "alpine")
	assert.True(t, errdefs.IsAlreadyExists(err), "got %v", err)

	snap, err := s.Snapshot(ctx, "alpine", "web")
	require.NoError(t, err)
	assert.Equal(t, base.UUID, snap.ParentUUID)

	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "alpine", infos[0].Name)
	assert.Equal(t, "web", infos[1].Name)

	require.NoError(t, s.Delete(ctx, "web"))
	infos, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
}

func TestStoreLineage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Create(ctx, "base")
	require.NoError(t, err)
	_, err = s.Snapshot(ctx, "base", "mid")
	require.NoError(t, err)
	_, err = s.Snapshot(ctx, "mid", "leaf")
	require.NoError(t, err)

	chain, err := s.Lineage(ctx, "leaf")
	require.NoError(t, err)
	names := make([]string, len(chain))
	for i, info := range chain {
		names[i] = info.Name
	}
	assert.Equal(t, []string{"base", "mid", "leaf"}, names)

	chain, err = s.Lineage(ctx, "base")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "base", chain[0].Name)
}

// fakeBackend serves canned metadata so lineage walks can be driven into
// states the copy backend never produces.
type fakeBackend struct {
	infos map[string]Info
}

func (f *fakeBackend) Create(context.Context, string) error { return errdefs.ErrNotImplemented }

func (f *fakeBackend) Snapshot(context.Context, string, string) error {
	return errdefs.ErrNotImplemented
}

func (f *fakeBackend) Delete(context.Context, string) error { return errdefs.ErrNotImplemented }
func (f *fakeBackend) Send(context.Context, io.Writer, string, string) error {
	return errdefs.ErrNotImplemented
}

func (f *fakeBackend) Info(_ context.Context, path string) (Info, error) {
	info, ok := f.infos[path]
	if !ok {
		return Info{}, errdefs.ErrNotFound
	}
	return info, nil
}

func TestStoreLineageCycle(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "a"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "b"), 0o755))

	ua, ub := uuid.New(), uuid.New()
	s, err := NewStore(&fakeBackend{infos: map[string]Info{
		filepath.Join(root, "a"): {Name: "a", UUID: ua, ParentUUID: ub},
		filepath.Join(root, "b"): {Name: "b", UUID: ub, ParentUUID: ua},
	}}, root)
	require.NoError(t, err)

	_, err = s.Lineage(context.Background(), "a")
	assert.ErrorIs(t, err, ErrCycle)
}

func TestStoreLineageSelfParent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "a"), 0o755))

	ua := uuid.New()
	s, err := NewStore(&fakeBackend{infos: map[string]Info{
		filepath.Join(root, "a"): {Name: "a", UUID: ua, ParentUUID: ua},
	}}, root)
	require.NoError(t, err)

	_, err = s.Lineage(context.Background(), "a")
	assert.ErrorIs(t, err, ErrCycle)
}

func TestStoreLineageMissingParent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "a"), 0o755))

	s, err := NewStore(&fakeBackend{infos: map[string]Info{
		filepath.Join(root, "a"): {Name: "a", UUID: uuid.New(), ParentUUID: uuid.New()},
	}}, root)
	require.NoError(t, err)

	_, err = s.Lineage(context.Background(), "a")
	assert.True(t, errdefs.IsNotFound(err), "got %v", err)
}

func TestStoreSendResolvesParent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base, err := s.Create(ctx, "base")
	require.NoError(t, err)
	_, err = s.Snapshot(ctx, "base", "web")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.Send(ctx, &buf, "web"))
	c, err := sendstream.NewDecoder(&buf).Next()
	require.NoError(t, err)
	lead, ok := c.(*sendstream.Snapshot)
	require.True(t, ok, "leading command %T", c)
	assert.Equal(t, base.UUID, lead.CloneUUID)

	// With the parent gone the transcript degrades to a full send.
	require.NoError(t, s.Delete(ctx, "base"))
	buf.Reset()
	require.NoError(t, s.Send(ctx, &buf, "web"))
	c, err = sendstream.NewDecoder(&buf).Next()
	require.NoError(t, err)
	_, ok = c.(*sendstream.Subvol)
	assert.True(t, ok, "leading command %T", c)
}

func TestStoreUsage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Create(ctx, "vol")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Path("vol"), "f"), bytes.Repeat([]byte{'u'}, 4096), 0o644))

	u, err := s.Usage(ctx, "vol")
	require.NoError(t, err)
	assert.Positive(t, u.Size)

	_, err = s.Usage(ctx, "missing")
	assert.True(t, errdefs.IsNotFound(err), "got %v", err)
}
