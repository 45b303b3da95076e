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
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/continuity/fs/fstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var packApplier = fstest.Apply(
	fstest.CreateDir("/etc", 0o755),
	fstest.CreateFile("/etc/hosts", []byte("127.0.0.1 localhost"), 0o644),
	fstest.Link("/etc/hosts", "/etc/hosts.allow"),
	fstest.CreateDir("/usr/local/lib", 0o755),
	fstest.CreateFile("/usr/local/lib/libnothing.so", []byte{0x00, 0x00}, 0o755),
	fstest.Symlink("libnothing.so", "/usr/local/lib/libnothing.so.2"),
	fstest.CreateDir("/home/user", 0o700),
)

func TestPackApplyRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, packApplier.Apply(src))

	var buf bytes.Buffer
	require.NoError(t, Pack(context.Background(), &buf, src))

	tarPath := filepath.Join(t.TempDir(), "layer.tar")
	require.NoError(t, os.WriteFile(tarPath, buf.Bytes(), 0o644))

	dst := t.TempDir()
	require.NoError(t, Apply(context.Background(), dst, tarPath))
	require.NoError(t, fstest.CheckDirectoryEqual(src, dst))
}

func TestPackDeterministic(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, packApplier.Apply(src))

	var first, second bytes.Buffer
	require.NoError(t, Pack(context.Background(), &first, src))
	require.NoError(t, Pack(context.Background(), &second, src))
	assert.True(t, bytes.Equal(first.Bytes(), second.Bytes()), "pack output must be stable")
}

func TestPackHardlinks(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, fstest.Apply(
		fstest.CreateFile("/orig", []byte("shared"), 0o644),
		fstest.Link("/orig", "/extra"),
	).Apply(src))

	var buf bytes.Buffer
	require.NoError(t, Pack(context.Background(), &buf, src))

	var links, regs int
	tr := tar.NewReader(&buf)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		switch hdr.Typeflag {
		case tar.TypeLink:
			links++
			// Lexical walk order reaches "extra" first, so "orig" is
			// the one that collapses.
			assert.Equal(t, "orig", hdr.Name)
			assert.Equal(t, "extra", hdr.Linkname)
			assert.Zero(t, hdr.Size)
		case tar.TypeReg:
			regs++
			assert.Equal(t, "extra", hdr.Name)
		}
	}
	assert.Equal(t, 1, links, "second occurrence must collapse to a link entry")
	assert.Equal(t, 1, regs)
}

func TestPackSkipsSockets(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, fstest.Apply(
		fstest.CreateFile("/kept", []byte("kept"), 0o644),
		fstest.CreateSocket("/s0", 0o644),
	).Apply(src))

	var buf bytes.Buffer
	require.NoError(t, Pack(context.Background(), &buf, src))

	var names []string
	tr := tar.NewReader(&buf)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.Equal(t, []string{"kept"}, names)
}

func TestPackScrubsIdentity(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, fstest.Apply(
		fstest.CreateFile("/f", []byte("f"), 0o644),
	).Apply(src))

	var buf bytes.Buffer
	require.NoError(t, Pack(context.Background(), &buf, src))

	tr := tar.NewReader(&buf)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Empty(t, hdr.Uname)
	assert.Empty(t, hdr.Gname)
	assert.True(t, hdr.AccessTime.IsZero())
	assert.True(t, hdr.ChangeTime.IsZero())
}
