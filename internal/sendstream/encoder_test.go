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

package sendstream

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	base := uuid.MustParse("0d3cf195-5f68-4442-b29c-8cb671c4a335")
	child := uuid.MustParse("9e8b7a6c-5d4e-4f30-8121-32435465768a")
	when := time.Date(2024, 11, 5, 12, 30, 45, 500, time.UTC)

	cmds := []Command{
		&Subvol{Path: "base", UUID: base, CTransID: 9},
		&Snapshot{Path: "child", UUID: child, CTransID: 10, CloneUUID: base, CloneCTransID: 9},
		&Mkfile{Path: "etc/hostname"},
		&Mkdir{Path: "etc"},
		&Mknod{Path: "dev/null", Mode: 0o20666, Rdev: 259},
		&Mkfifo{Path: "run/fifo"},
		&Mksock{Path: "run/sock"},
		&Symlink{Path: "bin/sh", Target: "dash"},
		&Rename{Path: "tmp/a", To: "tmp/b"},
		&Link{Path: "etc/hosts.bak", Target: "etc/hosts"},
		&Unlink{Path: "tmp/b"},
		&Rmdir{Path: "tmp"},
		&SetXattr{Path: "etc/hosts", Name: "user.origin", Data: []byte{0xDE, 0xAD}},
		&RemoveXattr{Path: "etc/hosts", Name: "user.origin"},
		&Write{Path: "etc/hostname", Offset: 0, Data: []byte("grove\n")},
		&Clone{Path: "var/log/big", Offset: 4096, Len: 8192, SrcUUID: base, SrcCTransID: 9, SrcPath: "var/log/old", SrcOffset: 0},
		&Truncate{Path: "var/log/big", Size: 12288},
		&Chmod{Path: "etc/hostname", Mode: 0o644},
		&Chown{Path: "etc/hostname", UID: 1000, GID: 1000},
		&Utimes{Path: "etc/hostname", Atime: when, Mtime: when, Ctime: when},
		&UpdateExtent{Path: "var/log/big", Offset: 0, Size: 4096},
		&End{},
	}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, c := range cmds {
		require.NoError(t, enc.Encode(c))
	}

	decoded := decodeAll(t, buf.Bytes())
	if diff := cmp.Diff(cmds, decoded); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeHeaderOnce(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(&Mkfile{Path: "a"}))
	require.NoError(t, enc.Encode(&Mkfile{Path: "b"}))

	require.True(t, bytes.HasPrefix(buf.Bytes(), []byte(Magic)))
	require.Equal(t, 1, bytes.Count(buf.Bytes(), []byte(Magic)))
}

func TestEncodeOversizedAttr(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	err := enc.Encode(&Write{Path: "big", Data: bytes.Repeat([]byte{0xFF}, maxAttrLen+1)})
	require.Error(t, err)
}
