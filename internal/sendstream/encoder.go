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
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// maxAttrLen bounds a single attribute value; the length field is 16 bits.
// Writers chunk file data below this.
const maxAttrLen = 1<<16 - 1

// Encoder writes commands as a send stream.
type Encoder struct {
	w       io.Writer
	started bool
}

// NewEncoder returns an Encoder writing to w. The stream header is written
// before the first frame.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode appends one command frame to the stream.
func (e *Encoder) Encode(c Command) error {
	if !e.started {
		hdr := make([]byte, 0, len(Magic)+4)
		hdr = append(hdr, Magic...)
		hdr = binary.BigEndian.AppendUint32(hdr, Version)
		if _, err := e.w.Write(hdr); err != nil {
			return fmt.Errorf("send stream: write header: %w", err)
		}
		e.started = true
	}
	payload, err := marshalAttrs(c)
	if err != nil {
		return err
	}
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	frame := make([]byte, 0, frameHeaderLen+len(payload))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
	frame = binary.BigEndian.AppendUint16(frame, uint16(c.Cmd()))
	frame = binary.BigEndian.AppendUint32(frame, sum)
	frame = append(frame, payload...)
	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("send stream: write %s command: %w", c.Cmd(), err)
	}
	return nil
}

// marshalAttrs encodes a command's attributes in canonical wire order.
func marshalAttrs(c Command) ([]byte, error) {
	var (
		buf []byte
		err error
	)
	put := func(a AttrType, v []byte) {
		if err != nil {
			return
		}
		if len(v) > maxAttrLen {
			err = fmt.Errorf("send stream: %s attribute value of %d bytes exceeds %d", a, len(v), maxAttrLen)
			return
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(a))
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(v)))
		buf = append(buf, v...)
	}
	putStr := func(a AttrType, s string) {
		put(a, []byte(s))
	}
	putU64 := func(a AttrType, v uint64) {
		put(a, binary.BigEndian.AppendUint64(nil, v))
	}
	putUUID := func(a AttrType, u uuid.UUID) {
		put(a, u[:])
	}
	putTime := func(a AttrType, t time.Time) {
		v := binary.BigEndian.AppendUint64(nil, uint64(t.Unix()))
		v = binary.BigEndian.AppendUint32(v, uint32(t.Nanosecond()))
		put(a, v)
	}

	switch c := c.(type) {
	case *Subvol:
		putStr(AttrPath, c.Path)
		putUUID(AttrUUID, c.UUID)
		putU64(AttrTransID, c.CTransID)
	case *Snapshot:
		putStr(AttrPath, c.Path)
		putUUID(AttrUUID, c.UUID)
		putU64(AttrTransID, c.CTransID)
		putUUID(AttrCloneUUID, c.CloneUUID)
		putU64(AttrCloneCTransID, c.CloneCTransID)
	case *Mkfile:
		putStr(AttrPath, c.Path)
	case *Mkdir:
		putStr(AttrPath, c.Path)
	case *Mknod:
		putStr(AttrPath, c.Path)
		putU64(AttrMode, c.Mode)
		putU64(AttrRdev, c.Rdev)
	case *Mkfifo:
		putStr(AttrPath, c.Path)
	case *Mksock:
		putStr(AttrPath, c.Path)
	case *Symlink:
		putStr(AttrPath, c.Path)
		putStr(AttrPathLink, c.Target)
	case *Rename:
		putStr(AttrPath, c.Path)
		putStr(AttrPathTo, c.To)
	case *Link:
		putStr(AttrPath, c.Path)
		putStr(AttrPathLink, c.Target)
	case *Unlink:
		putStr(AttrPath, c.Path)
	case *Rmdir:
		putStr(AttrPath, c.Path)
	case *SetXattr:
		putStr(AttrPath, c.Path)
		putStr(AttrXattrName, c.Name)
		put(AttrXattrData, c.Data)
	case *RemoveXattr:
		putStr(AttrPath, c.Path)
		putStr(AttrXattrName, c.Name)
	case *Write:
		putStr(AttrPath, c.Path)
		putU64(AttrFileOffset, c.Offset)
		put(AttrData, c.Data)
	case *Clone:
		putStr(AttrPath, c.Path)
		putU64(AttrFileOffset, c.Offset)
		putU64(AttrCloneLen, c.Len)
		putUUID(AttrCloneUUID, c.SrcUUID)
		putU64(AttrCloneCTransID, c.SrcCTransID)
		putStr(AttrClonePath, c.SrcPath)
		putU64(AttrCloneOffset, c.SrcOffset)
	case *Truncate:
		putStr(AttrPath, c.Path)
		putU64(AttrSize, c.Size)
	case *Chmod:
		putStr(AttrPath, c.Path)
		putU64(AttrMode, c.Mode)
	case *Chown:
		putStr(AttrPath, c.Path)
		putU64(AttrUID, c.UID)
		putU64(AttrGID, c.GID)
	case *Utimes:
		putStr(AttrPath, c.Path)
		putTime(AttrAtime, c.Atime)
		putTime(AttrMtime, c.Mtime)
		putTime(AttrCtime, c.Ctime)
	case *End:
	case *UpdateExtent:
		putStr(AttrPath, c.Path)
		putU64(AttrFileOffset, c.Offset)
		putU64(AttrSize, c.Size)
	default:
		return nil, &UnknownCommandError{Type: uint16(c.Cmd())}
	}
	return buf, err
}
