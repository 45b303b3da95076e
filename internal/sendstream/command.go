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
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// Command is one decoded frame. The concrete type is one of the command
// structs in this package, switched on by consumers.
type Command interface {
	Cmd() CmdType
}

// Subvol opens a transcript for a new subvolume.
type Subvol struct {
	Path     string
	UUID     uuid.UUID
	CTransID uint64
}

// Snapshot opens a transcript for a subvolume snapshotted from a parent.
type Snapshot struct {
	Path          string
	UUID          uuid.UUID
	CTransID      uint64
	CloneUUID     uuid.UUID
	CloneCTransID uint64
}

// Mkfile creates an empty regular file.
type Mkfile struct {
	Path string
}

// Mkdir creates a directory.
type Mkdir struct {
	Path string
}

// Mknod creates a device node.
type Mknod struct {
	Path string
	Mode uint64
	Rdev uint64
}

// Mkfifo creates a named pipe.
type Mkfifo struct {
	Path string
}

// Mksock creates a unix socket inode.
type Mksock struct {
	Path string
}

// Symlink creates a symbolic link at Path pointing at Target.
type Symlink struct {
	Path   string
	Target string
}

// Rename moves Path to To.
type Rename struct {
	Path string
	To   string
}

// Link creates a hard link at Path to the existing Target.
type Link struct {
	Path   string
	Target string
}

// Unlink removes a file.
type Unlink struct {
	Path string
}

// Rmdir removes an empty directory.
type Rmdir struct {
	Path string
}

// SetXattr sets an extended attribute.
type SetXattr struct {
	Path string
	Name string
	Data []byte
}

// RemoveXattr removes an extended attribute.
type RemoveXattr struct {
	Path string
	Name string
}

// Write stores Data at Offset in a file.
type Write struct {
	Path   string
	Offset uint64
	Data   []byte
}

// Clone shares an extent from a source subvolume file. Replay treats it as a
// no-op.
type Clone struct {
	Path        string
	Offset      uint64
	Len         uint64
	SrcUUID     uuid.UUID
	SrcCTransID uint64
	SrcPath     string
	SrcOffset   uint64
}

// Truncate sets a file's size.
type Truncate struct {
	Path string
	Size uint64
}

// Chmod sets file permission bits.
type Chmod struct {
	Path string
	Mode uint64
}

// Chown sets file ownership.
type Chown struct {
	Path string
	UID  uint64
	GID  uint64
}

// Utimes sets file timestamps.
type Utimes struct {
	Path  string
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// End marks the end of a transcript. It does not terminate decoding.
type End struct{}

// UpdateExtent announces a changed extent without carrying data. Replay treats
// it as a no-op.
type UpdateExtent struct {
	Path   string
	Offset uint64
	Size   uint64
}

func (*Subvol) Cmd() CmdType       { return CmdSubvol }
func (*Snapshot) Cmd() CmdType     { return CmdSnapshot }
func (*Mkfile) Cmd() CmdType       { return CmdMkfile }
func (*Mkdir) Cmd() CmdType        { return CmdMkdir }
func (*Mknod) Cmd() CmdType        { return CmdMknod }
func (*Mkfifo) Cmd() CmdType       { return CmdMkfifo }
func (*Mksock) Cmd() CmdType       { return CmdMksock }
func (*Symlink) Cmd() CmdType      { return CmdSymlink }
func (*Rename) Cmd() CmdType       { return CmdRename }
func (*Link) Cmd() CmdType         { return CmdLink }
func (*Unlink) Cmd() CmdType       { return CmdUnlink }
func (*Rmdir) Cmd() CmdType        { return CmdRmdir }
func (*SetXattr) Cmd() CmdType     { return CmdSetXattr }
func (*RemoveXattr) Cmd() CmdType  { return CmdRemoveXattr }
func (*Write) Cmd() CmdType        { return CmdWrite }
func (*Clone) Cmd() CmdType        { return CmdClone }
func (*Truncate) Cmd() CmdType     { return CmdTruncate }
func (*Chmod) Cmd() CmdType        { return CmdChmod }
func (*Chown) Cmd() CmdType        { return CmdChown }
func (*Utimes) Cmd() CmdType       { return CmdUtimes }
func (*End) Cmd() CmdType          { return CmdEnd }
func (*UpdateExtent) Cmd() CmdType { return CmdUpdateExtent }

// attrMap holds one frame's attributes after tag, duplicate and size
// validation. Accessors assume the validation already ran.
type attrMap map[AttrType][]byte

func (m attrMap) str(a AttrType) string {
	return string(m[a])
}

func (m attrMap) bytes(a AttrType) []byte {
	v := m[a]
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func (m attrMap) u64(a AttrType) uint64 {
	return binary.BigEndian.Uint64(m[a])
}

func (m attrMap) uuid(a AttrType) uuid.UUID {
	var u uuid.UUID
	copy(u[:], m[a])
	return u
}

func (m attrMap) time(a AttrType) time.Time {
	v := m[a]
	secs := binary.BigEndian.Uint64(v[:8])
	nsecs := binary.BigEndian.Uint32(v[8:12])
	return time.Unix(int64(secs), int64(nsecs)).UTC()
}

// newCommand validates the attribute set of a frame against the command's
// required set and builds the typed command.
func newCommand(t CmdType, attrs attrMap) (Command, error) {
	want := cmdAttrs[t]
	if len(attrs) != len(want) {
		return nil, &AttrCountError{Cmd: t, Got: len(attrs), Want: len(want)}
	}
	for a := range attrs {
		ok := false
		for _, w := range want {
			if a == w {
				ok = true
				break
			}
		}
		if !ok {
			return nil, &UnexpectedAttrError{Cmd: t, Attr: a}
		}
	}

	switch t {
	case CmdSubvol:
		return &Subvol{
			Path:     attrs.str(AttrPath),
			UUID:     attrs.uuid(AttrUUID),
			CTransID: attrs.u64(AttrTransID),
		}, nil
	case CmdSnapshot:
		return &Snapshot{
			Path:          attrs.str(AttrPath),
			UUID:          attrs.uuid(AttrUUID),
			CTransID:      attrs.u64(AttrTransID),
			CloneUUID:     attrs.uuid(AttrCloneUUID),
			CloneCTransID: attrs.u64(AttrCloneCTransID),
		}, nil
	case CmdMkfile:
		return &Mkfile{Path: attrs.str(AttrPath)}, nil
	case CmdMkdir:
		return &Mkdir{Path: attrs.str(AttrPath)}, nil
	case CmdMknod:
		return &Mknod{
			Path: attrs.str(AttrPath),
			Mode: attrs.u64(AttrMode),
			Rdev: attrs.u64(AttrRdev),
		}, nil
	case CmdMkfifo:
		return &Mkfifo{Path: attrs.str(AttrPath)}, nil
	case CmdMksock:
		return &Mksock{Path: attrs.str(AttrPath)}, nil
	case CmdSymlink:
		return &Symlink{
			Path:   attrs.str(AttrPath),
			Target: attrs.str(AttrPathLink),
		}, nil
	case CmdRename:
		return &Rename{
			Path: attrs.str(AttrPath),
			To:   attrs.str(AttrPathTo),
		}, nil
	case CmdLink:
		return &Link{
			Path:   attrs.str(AttrPath),
			Target: attrs.str(AttrPathLink),
		}, nil
	case CmdUnlink:
		return &Unlink{Path: attrs.str(AttrPath)}, nil
	case CmdRmdir:
		return &Rmdir{Path: attrs.str(AttrPath)}, nil
	case CmdSetXattr:
		return &SetXattr{
			Path: attrs.str(AttrPath),
			Name: attrs.str(AttrXattrName),
			Data: attrs.bytes(AttrXattrData),
		}, nil
	case CmdRemoveXattr:
		return &RemoveXattr{
			Path: attrs.str(AttrPath),
			Name: attrs.str(AttrXattrName),
		}, nil
	case CmdWrite:
		return &Write{
			Path:   attrs.str(AttrPath),
			Offset: attrs.u64(AttrFileOffset),
			Data:   attrs.bytes(AttrData),
		}, nil
	case CmdClone:
		return &Clone{
			Path:        attrs.str(AttrPath),
			Offset:      attrs.u64(AttrFileOffset),
			Len:         attrs.u64(AttrCloneLen),
			SrcUUID:     attrs.uuid(AttrCloneUUID),
			SrcCTransID: attrs.u64(AttrCloneCTransID),
			SrcPath:     attrs.str(AttrClonePath),
			SrcOffset:   attrs.u64(AttrCloneOffset),
		}, nil
	case CmdTruncate:
		return &Truncate{
			Path: attrs.str(AttrPath),
			Size: attrs.u64(AttrSize),
		}, nil
	case CmdChmod:
		return &Chmod{
			Path: attrs.str(AttrPath),
			Mode: attrs.u64(AttrMode),
		}, nil
	case CmdChown:
		return &Chown{
			Path: attrs.str(AttrPath),
			UID:  attrs.u64(AttrUID),
			GID:  attrs.u64(AttrGID),
		}, nil
	case CmdUtimes:
		return &Utimes{
			Path:  attrs.str(AttrPath),
			Atime: attrs.time(AttrAtime),
			Mtime: attrs.time(AttrMtime),
			Ctime: attrs.time(AttrCtime),
		}, nil
	case CmdEnd:
		return &End{}, nil
	case CmdUpdateExtent:
		return &UpdateExtent{
			Path:   attrs.str(AttrPath),
			Offset: attrs.u64(AttrFileOffset),
			Size:   attrs.u64(AttrSize),
		}, nil
	}
	return nil, &UnknownCommandError{Type: uint16(t)}
}
