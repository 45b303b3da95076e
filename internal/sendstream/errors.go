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
	"errors"
	"fmt"
)

// ErrInvalidMagic reports a stream that does not open with Magic. It is
// returned before any frame is decoded.
var ErrInvalidMagic = errors.New("invalid send stream magic")

// ChecksumError reports a frame whose payload does not sum to the checksum
// carried in the frame header. Expected is the header value, Actual the sum
// computed over the payload.
type ChecksumError struct {
	Cmd      CmdType
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%s command checksum mismatch: expected %#08x, actual %#08x", e.Cmd, e.Expected, e.Actual)
}

// UnknownCommandError reports a frame header carrying a command type outside
// the defined range.
type UnknownCommandError struct {
	Type uint16
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command type %d", e.Type)
}

// UnknownAttrError reports an attribute tag outside the defined range.
type UnknownAttrError struct {
	Tag uint16
}

func (e *UnknownAttrError) Error() string {
	return fmt.Sprintf("unknown attribute tag %d", e.Tag)
}

// AttrCountError reports a command frame carrying the wrong number of
// attributes.
type AttrCountError struct {
	Cmd  CmdType
	Got  int
	Want int
}

func (e *AttrCountError) Error() string {
	return fmt.Sprintf("%s command carries %d attributes, want %d", e.Cmd, e.Got, e.Want)
}

// UnexpectedAttrError reports an attribute that the command does not accept.
type UnexpectedAttrError struct {
	Cmd  CmdType
	Attr AttrType
}

func (e *UnexpectedAttrError) Error() string {
	return fmt.Sprintf("unexpected %s attribute in %s command", e.Attr, e.Cmd)
}

// DuplicateAttrError reports an attribute tag occurring twice in one frame.
type DuplicateAttrError struct {
	Cmd  CmdType
	Attr AttrType
}

func (e *DuplicateAttrError) Error() string {
	return fmt.Sprintf("duplicate %s attribute in %s command", e.Attr, e.Cmd)
}

// AttrSizeError reports a fixed-size attribute with a malformed value length.
type AttrSizeError struct {
	Attr AttrType
	Got  int
	Want int
}

func (e *AttrSizeError) Error() string {
	return fmt.Sprintf("%s attribute value is %d bytes, want %d", e.Attr, e.Got, e.Want)
}
