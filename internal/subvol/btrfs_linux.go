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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"
	"unsafe"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const (
	btrfsIoctlMagic = 0x94
	btrfsSuperMagic = 0x9123683E

	volNameMax    = 4087
	subvolNameMax = 255
)

// Linux _IOC request encoding.
const (
	iocWrite uintptr = 1
	iocRead  uintptr = 2

	iocNrShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift
}

func iow(typ, nr, size uintptr) uintptr { return ioc(iocWrite, typ, nr, size) }
func ior(typ, nr, size uintptr) uintptr { return ioc(iocRead, typ, nr, size) }

type btrfsVolArgs struct {
	fd   int64
	name [volNameMax + 1]byte
}

func (a *btrfsVolArgs) setName(name string) error {
	if len(name) > volNameMax {
		return fmt.Errorf("subvolume name %q too long: %w", name, errdefs.ErrInvalidArgument)
	}
	n := copy(a.name[:], name)
	a.name[n] = 0
	return nil
}

type btrfsSendArgs struct {
	fd                int64
	cloneSourcesCount uint64
	cloneSources      *uint64
	parentRoot        uint64
	flags             uint64
	reserved          [4]uint64
}

type btrfsTimespec struct {
	sec  uint64
	nsec uint32
}

// btrfsSubvolInfo mirrors struct btrfs_ioctl_get_subvol_info_args.
type btrfsSubvolInfo struct {
	treeID       uint64
	name         [subvolNameMax + 1]byte
	parentID     uint64
	dirID        uint64
	generation   uint64
	flags        uint64
	uuid         [16]byte
	parentUUID   [16]byte
	receivedUUID [16]byte
	ctransid     uint64
	otransid     uint64
	stransid     uint64
	rtransid     uint64
	ctime        btrfsTimespec
	otime        btrfsTimespec
	stime        btrfsTimespec
	rtime        btrfsTimespec
	reserved     [8]uint64
}

var (
	iocSnapCreate    = iow(btrfsIoctlMagic, 1, unsafe.Sizeof(btrfsVolArgs{}))
	iocSubvolCreate  = iow(btrfsIoctlMagic, 14, unsafe.Sizeof(btrfsVolArgs{}))
	iocSnapDestroy   = iow(btrfsIoctlMagic, 15, unsafe.Sizeof(btrfsVolArgs{}))
	iocSend          = iow(btrfsIoctlMagic, 38, unsafe.Sizeof(btrfsSendArgs{}))
	iocGetSubvolInfo = ior(btrfsIoctlMagic, 60, unsafe.Sizeof(btrfsSubvolInfo{}))
)

func ioctl(fd, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// IsBtrfs reports whether path sits on a btrfs filesystem.
func IsBtrfs(path string) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, fmt.Errorf("statfs %q: %w", path, err)
	}
	return uint32(st.Type) == uint32(btrfsSuperMagic), nil
}

type btrfsBackend struct{}

// NewBtrfs returns the Backend driving the kernel's btrfs ioctls. Every path
// handed to it must live on a btrfs filesystem.
func NewBtrfs() Backend {
	return &btrfsBackend{}
}

func openDir(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("directory %q: %w", path, errdefs.ErrNotFound)
		}
		return nil, err
	}
	return f, nil
}

func (b *btrfsBackend) Create(ctx context.Context, path string) error {
	dir, err := openDir(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer dir.Close()

	var args btrfsVolArgs
	if err := args.setName(filepath.Base(path)); err != nil {
		return err
	}
	if err := ioctl(dir.Fd(), iocSubvolCreate, unsafe.Pointer(&args)); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("subvolume %q: %w", path, errdefs.ErrAlreadyExists)
		}
		return fmt.Errorf("btrfs subvolume create %q: %w", path, err)
	}
	log.G(ctx).WithField("subvolume", path).Debug("created subvolume")
	return nil
}

func (b *btrfsBackend) Snapshot(ctx context.Context, src, dst string) error {
	srcDir, err := openDir(src)
	if err != nil {
		return err
	}
	defer srcDir.Close()

	dstDir, err := openDir(filepath.Dir(dst))
	if err != nil {
		return err
	}
	defer dstDir.Close()

	args := btrfsVolArgs{fd: int64(srcDir.Fd())}
	if err := args.setName(filepath.Base(dst)); err != nil {
		return err
	}
	if err := ioctl(dstDir.Fd(), iocSnapCreate, unsafe.Pointer(&args)); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("snapshot %q: %w", dst, errdefs.ErrAlreadyExists)
		}
		return fmt.Errorf("btrfs snapshot %q -> %q: %w", src, dst, err)
	}
	log.G(ctx).WithFields(log.Fields{"source": src, "snapshot": dst}).Debug("created snapshot")
	return nil
}

func (b *btrfsBackend) Delete(ctx context.Context, path string) error {
	dir, err := openDir(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer dir.Close()

	var args btrfsVolArgs
	if err := args.setName(filepath.Base(path)); err != nil {
		return err
	}
	if err := ioctl(dir.Fd(), iocSnapDestroy, unsafe.Pointer(&args)); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("subvolume %q: %w", path, errdefs.ErrNotFound)
		}
		return fmt.Errorf("btrfs subvolume delete %q: %w", path, err)
	}
	log.G(ctx).WithField("subvolume", path).Debug("deleted subvolume")
	return nil
}

func (b *btrfsBackend) Info(ctx context.Context, path string) (Info, error) {
	dir, err := openDir(path)
	if err != nil {
		return Info{}, err
	}
	defer dir.Close()

	var raw btrfsSubvolInfo
	if err := ioctl(dir.Fd(), iocGetSubvolInfo, unsafe.Pointer(&raw)); err != nil {
		if errors.Is(err, unix.ENOTTY) || errors.Is(err, unix.EINVAL) {
			return Info{}, fmt.Errorf("%q is not a subvolume: %w", path, errdefs.ErrInvalidArgument)
		}
		return Info{}, fmt.Errorf("btrfs subvolume info %q: %w", path, err)
	}

	name := raw.name[:]
	for i, c := range name {
		if c == 0 {
			name = name[:i]
			break
		}
	}
	return Info{
		TreeID:     raw.treeID,
		Name:       string(name),
		UUID:       uuid.UUID(raw.uuid),
		ParentUUID: uuid.UUID(raw.parentUUID),
		ParentID:   raw.parentID,
		Generation: raw.generation,
		CTransID:   raw.ctransid,
		OTime:      time.Unix(int64(raw.otime.sec), int64(raw.otime.nsec)).UTC(),
	}, nil
}

func (b *btrfsBackend) Send(ctx context.Context, w io.Writer, path, parent string) error {
	dir, err := openDir(path)
	if err != nil {
		return err
	}
	defer dir.Close()

	var cloneSources []uint64
	var parentRoot uint64
	if parent != "" {
		pinfo, err := b.Info(ctx, parent)
		if err != nil {
			return fmt.Errorf("send parent: %w", err)
		}
		parentRoot = pinfo.TreeID
		cloneSources = []uint64{pinfo.TreeID}
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		defer pr.Close()
		_, err := io.Copy(w, pr)
		return err
	})

	args := btrfsSendArgs{
		fd:         int64(pw.Fd()),
		parentRoot: parentRoot,
	}
	if len(cloneSources) > 0 {
		args.cloneSources = &cloneSources[0]
		args.cloneSourcesCount = uint64(len(cloneSources))
	}
	serr := ioctl(dir.Fd(), iocSend, unsafe.Pointer(&args))
	runtime.KeepAlive(cloneSources)
	pw.Close()

	if werr := g.Wait(); werr != nil && serr == nil {
		serr = werr
	}
	if serr != nil {
		return fmt.Errorf("btrfs send %q: %w", path, serr)
	}
	return nil
}
