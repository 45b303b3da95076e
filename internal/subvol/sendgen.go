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
	iofs "io/fs"
	"os"
	"path/filepath"

	"github.com/grovekit/grove/internal/sendstream"
)

// sendDataChunk bounds write frames below the attribute size limit.
const sendDataChunk = 60 * 1024

// File type bits used in mknod frames.
const (
	modeFIFO  = 0o010000
	modeChar  = 0o020000
	modeBlock = 0o060000
	modeSock  = 0o140000
)

type xattrPair struct {
	name  string
	value []byte
}

// Send synthesizes a full-content transcript of the directory tree. A
// non-empty parent switches the leader to a snapshot command naming the
// parent, which makes replay seed the staging tree from the parent layer; the
// body still carries the full content, so the result is identical either way.
func (c *copyBackend) Send(ctx context.Context, w io.Writer, path, parent string) error {
	info, err := c.lookup(path)
	if err != nil {
		return err
	}
	enc := sendstream.NewEncoder(w)

	var lead sendstream.Command
	if parent != "" {
		pinfo, err := c.lookup(parent)
		if err != nil {
			return fmt.Errorf("send parent: %w", err)
		}
		lead = &sendstream.Snapshot{
			Path:          info.Name,
			UUID:          info.UUID,
			CTransID:      info.CTransID,
			CloneUUID:     pinfo.UUID,
			CloneCTransID: pinfo.CTransID,
		}
	} else {
		lead = &sendstream.Subvol{
			Path:     info.Name,
			UUID:     info.UUID,
			CTransID: info.CTransID,
		}
	}
	if err := enc.Encode(lead); err != nil {
		return err
	}
	if err := emitTree(ctx, enc, path); err != nil {
		return fmt.Errorf("send %q: %w", path, err)
	}
	return enc.Encode(&sendstream.End{})
}

func emitTree(ctx context.Context, enc *sendstream.Encoder, root string) error {
	links := make(map[uint64]string)
	// Directory timestamps are replayed only after the whole tree exists,
	// as later entries would bump them again.
	var dirTimes []*sendstream.Utimes

	err := filepath.WalkDir(root, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		fi, err := d.Info()
		if err != nil {
			return err
		}
		st := sysStat(fi)
		mode := fi.Mode()

		switch {
		case mode.IsDir():
			if err := enc.Encode(&sendstream.Mkdir{Path: rel}); err != nil {
				return err
			}
			dirTimes = append(dirTimes, &sendstream.Utimes{
				Path:  rel,
				Atime: st.atime,
				Mtime: st.mtime,
				Ctime: st.mtime,
			})
		case mode.IsRegular():
			if st.nlink > 1 {
				if first, ok := links[st.inode]; ok {
					return enc.Encode(&sendstream.Link{Path: rel, Target: first})
				}
				links[st.inode] = rel
			}
			if err := enc.Encode(&sendstream.Mkfile{Path: rel}); err != nil {
				return err
			}
			if err := emitFileData(enc, p, rel); err != nil {
				return err
			}
		case mode&iofs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			if err := enc.Encode(&sendstream.Symlink{Path: rel, Target: target}); err != nil {
				return err
			}
			return enc.Encode(&sendstream.Chown{Path: rel, UID: uint64(st.uid), GID: uint64(st.gid)})
		case mode&iofs.ModeNamedPipe != 0:
			if err := enc.Encode(&sendstream.Mkfifo{Path: rel}); err != nil {
				return err
			}
		case mode&iofs.ModeSocket != 0:
			if err := enc.Encode(&sendstream.Mksock{Path: rel}); err != nil {
				return err
			}
		case mode&iofs.ModeDevice != 0:
			typ := uint64(modeBlock)
			if mode&iofs.ModeCharDevice != 0 {
				typ = modeChar
			}
			if err := enc.Encode(&sendstream.Mknod{Path: rel, Mode: typ | unixMode(mode), Rdev: st.rdev}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported file type %s at %q", mode, p)
		}

		xattrs, err := listXattrs(p)
		if err != nil {
			return err
		}
		for _, x := range xattrs {
			if err := enc.Encode(&sendstream.SetXattr{Path: rel, Name: x.name, Data: x.value}); err != nil {
				return err
			}
		}
		if err := enc.Encode(&sendstream.Chmod{Path: rel, Mode: unixMode(mode)}); err != nil {
			return err
		}
		if err := enc.Encode(&sendstream.Chown{Path: rel, UID: uint64(st.uid), GID: uint64(st.gid)}); err != nil {
			return err
		}
		if mode.IsDir() {
			return nil
		}
		return enc.Encode(&sendstream.Utimes{
			Path:  rel,
			Atime: st.atime,
			Mtime: st.mtime,
			Ctime: st.mtime,
		})
	})
	if err != nil {
		return err
	}
	// Deepest directories first.
	for i := len(dirTimes) - 1; i >= 0; i-- {
		if err := enc.Encode(dirTimes[i]); err != nil {
			return err
		}
	}
	return nil
}

func emitFileData(enc *sendstream.Encoder, path, rel string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, sendDataChunk)
	var off uint64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if eerr := enc.Encode(&sendstream.Write{Path: rel, Offset: off, Data: buf[:n]}); eerr != nil {
				return eerr
			}
			off += uint64(n)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func unixMode(m iofs.FileMode) uint64 {
	mode := uint64(m.Perm())
	if m&iofs.ModeSetuid != 0 {
		mode |= 0o4000
	}
	if m&iofs.ModeSetgid != 0 {
		mode |= 0o2000
	}
	if m&iofs.ModeSticky != 0 {
		mode |= 0o1000
	}
	return mode
}
