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

// Package sendstream reads and writes the btrfs send-stream dialect used to
// serialize subvolume contents.
//
// A stream opens with a 13-byte magic and a big-endian uint32 version, and is
// followed by a sequence of frames. Each frame carries a big-endian uint32
// payload length, a uint16 command type, a uint32 checksum (the sum of the
// payload bytes, truncated to 32 bits), and the payload itself: a list of
// attributes encoded as uint16 tag, uint16 length, value. Multi-byte integers
// are big-endian throughout. An end command does not terminate the stream;
// decoding continues until EOF, and a fresh stream header directly after a
// frame boundary starts a new transcript.
package sendstream

// Magic opens every stream, directly followed by the version.
const Magic = "btrfs-stream\x00"

// Version is the stream revision produced by the Encoder. The Decoder accepts
// any version and exposes it to the caller.
const Version = 1

// CmdType identifies a frame's command.
type CmdType uint16

const (
	CmdSubvol CmdType = iota + 1
	CmdSnapshot
	CmdMkfile
	CmdMkdir
	CmdMknod
	CmdMkfifo
	CmdMksock
	CmdSymlink
	CmdRename
	CmdLink
	CmdUnlink
	CmdRmdir
	CmdSetXattr
	CmdRemoveXattr
	CmdWrite
	CmdClone
	CmdTruncate
	CmdChmod
	CmdChown
	CmdUtimes
	CmdEnd
	CmdUpdateExtent
)

var cmdNames = map[CmdType]string{
	CmdSubvol:       "subvol",
	CmdSnapshot:     "snapshot",
	CmdMkfile:       "mkfile",
	CmdMkdir:        "mkdir",
	CmdMknod:        "mknod",
	CmdMkfifo:       "mkfifo",
	CmdMksock:       "mksock",
	CmdSymlink:      "symlink",
	CmdRename:       "rename",
	CmdLink:         "link",
	CmdUnlink:       "unlink",
	CmdRmdir:        "rmdir",
	CmdSetXattr:     "set_xattr",
	CmdRemoveXattr:  "remove_xattr",
	CmdWrite:        "write",
	CmdClone:        "clone",
	CmdTruncate:     "truncate",
	CmdChmod:        "chmod",
	CmdChown:        "chown",
	CmdUtimes:       "utimes",
	CmdEnd:          "end",
	CmdUpdateExtent: "update_extent",
}

func (t CmdType) String() string {
	if s, ok := cmdNames[t]; ok {
		return s
	}
	return "unknown_command"
}

// AttrType identifies an attribute within a frame payload.
type AttrType uint16

const (
	AttrUUID AttrType = iota + 1
	AttrTransID
	AttrInode
	AttrSize
	AttrMode
	AttrUID
	AttrGID
	AttrRdev
	AttrCtime
	AttrMtime
	AttrAtime
	AttrOtime
	AttrXattrName
	AttrXattrData
	AttrPath
	AttrPathTo
	AttrPathLink
	AttrFileOffset
	AttrData
	AttrCloneUUID
	AttrCloneCTransID
	AttrClonePath
	AttrCloneOffset
	AttrCloneLen
)

var attrNames = map[AttrType]string{
	AttrUUID:          "uuid",
	AttrTransID:       "transid",
	AttrInode:         "inode",
	AttrSize:          "size",
	AttrMode:          "mode",
	AttrUID:           "uid",
	AttrGID:           "gid",
	AttrRdev:          "rdev",
	AttrCtime:         "ctime",
	AttrMtime:         "mtime",
	AttrAtime:         "atime",
	AttrOtime:         "otime",
	AttrXattrName:     "xattr_name",
	AttrXattrData:     "xattr_data",
	AttrPath:          "path",
	AttrPathTo:        "path_to",
	AttrPathLink:      "path_link",
	AttrFileOffset:    "file_offset",
	AttrData:          "data",
	AttrCloneUUID:     "clone_uuid",
	AttrCloneCTransID: "clone_ctransid",
	AttrClonePath:     "clone_path",
	AttrCloneOffset:   "clone_offset",
	AttrCloneLen:      "clone_len",
}

func (a AttrType) String() string {
	if s, ok := attrNames[a]; ok {
		return s
	}
	return "unknown_attribute"
}

// attrKind fixes the value encoding of an attribute.
type attrKind int

const (
	kindBytes attrKind = iota // raw bytes, any length
	kindU64                   // 8-byte big-endian integer
	kindUUID                  // 16 raw bytes
	kindTime                  // 8-byte seconds + 4-byte nanoseconds
	kindEmpty                 // marker, zero-length value
)

var attrKinds = map[AttrType]attrKind{
	AttrUUID:          kindUUID,
	AttrTransID:       kindU64,
	AttrInode:         kindEmpty,
	AttrSize:          kindU64,
	AttrMode:          kindU64,
	AttrUID:           kindU64,
	AttrGID:           kindU64,
	AttrRdev:          kindU64,
	AttrCtime:         kindTime,
	AttrMtime:         kindTime,
	AttrAtime:         kindTime,
	AttrOtime:         kindTime,
	AttrXattrName:     kindBytes,
	AttrXattrData:     kindBytes,
	AttrPath:          kindBytes,
	AttrPathTo:        kindBytes,
	AttrPathLink:      kindBytes,
	AttrFileOffset:    kindU64,
	AttrData:          kindBytes,
	AttrCloneUUID:     kindUUID,
	AttrCloneCTransID: kindU64,
	AttrClonePath:     kindBytes,
	AttrCloneOffset:   kindU64,
	AttrCloneLen:      kindU64,
}

// cmdAttrs lists the exact attribute set of every command, in canonical wire
// order. Frames must carry these attributes and no others.
var cmdAttrs = map[CmdType][]AttrType{
	CmdSubvol:       {AttrPath, AttrUUID, AttrTransID},
	CmdSnapshot:     {AttrPath, AttrUUID, AttrTransID, AttrCloneUUID, AttrCloneCTransID},
	CmdMkfile:       {AttrPath},
	CmdMkdir:        {AttrPath},
	CmdMknod:        {AttrPath, AttrMode, AttrRdev},
	CmdMkfifo:       {AttrPath},
	CmdMksock:       {AttrPath},
	CmdSymlink:      {AttrPath, AttrPathLink},
	CmdRename:       {AttrPath, AttrPathTo},
	CmdLink:         {AttrPath, AttrPathLink},
	CmdUnlink:       {AttrPath},
	CmdRmdir:        {AttrPath},
	CmdSetXattr:     {AttrPath, AttrXattrName, AttrXattrData},
	CmdRemoveXattr:  {AttrPath, AttrXattrName},
	CmdWrite:        {AttrPath, AttrFileOffset, AttrData},
	CmdClone:        {AttrPath, AttrFileOffset, AttrCloneLen, AttrCloneUUID, AttrCloneCTransID, AttrClonePath, AttrCloneOffset},
	CmdTruncate:     {AttrPath, AttrSize},
	CmdChmod:        {AttrPath, AttrMode},
	CmdChown:        {AttrPath, AttrUID, AttrGID},
	CmdUtimes:       {AttrPath, AttrAtime, AttrMtime, AttrCtime},
	CmdEnd:          {},
	CmdUpdateExtent: {AttrPath, AttrFileOffset, AttrSize},
}
