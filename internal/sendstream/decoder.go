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
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// frameHeaderLen is the fixed frame prefix: payload length, command type,
// checksum.
const frameHeaderLen = 10

// Decoder reads commands from a send stream.
type Decoder struct {
	br      *bufio.Reader
	version uint32
	started bool
}

// NewDecoder returns a Decoder reading from r. The stream header is consumed
// by the first call to Next.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{br: bufio.NewReader(r)}
}

// Version reports the version field of the most recently consumed stream
// header, zero before the first call to Next.
func (d *Decoder) Version() uint32 {
	return d.version
}

// Next returns the next command in the stream. It returns io.EOF when the
// stream ends cleanly at a frame boundary. A fresh stream header directly
// after a frame boundary is consumed transparently, so concatenated streams
// decode as one command sequence.
func (d *Decoder) Next() (Command, error) {
	if !d.started {
		if err := d.readHeader(); err != nil {
			return nil, err
		}
		d.started = true
	} else if peek, err := d.br.Peek(len(Magic)); err == nil && bytes.Equal(peek, []byte(Magic)) {
		if err := d.readHeader(); err != nil {
			return nil, err
		}
	}
	return d.readFrame()
}

func (d *Decoder) readHeader() error {
	buf := make([]byte, len(Magic)+4)
	if _, err := io.ReadFull(d.br, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("send stream: short header: %w", err)
	}
	if !bytes.Equal(buf[:len(Magic)], []byte(Magic)) {
		return ErrInvalidMagic
	}
	d.version = binary.BigEndian.Uint32(buf[len(Magic):])
	return nil
}

func (d *Decoder) readFrame() (Command, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(d.br, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("send stream: short frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(hdr[0:4])
	rawType := binary.BigEndian.Uint16(hdr[4:6])
	expected := binary.BigEndian.Uint32(hdr[6:10])

	cmd := CmdType(rawType)
	if _, ok := cmdAttrs[cmd]; !ok {
		return nil, &UnknownCommandError{Type: rawType}
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(d.br, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("send stream: %s command: short payload: %w", cmd, err)
	}
	var actual uint32
	for _, b := range payload {
		actual += uint32(b)
	}
	if actual != expected {
		return nil, &ChecksumError{Cmd: cmd, Expected: expected, Actual: actual}
	}
	attrs, err := parseAttrs(cmd, payload)
	if err != nil {
		return nil, err
	}
	return newCommand(cmd, attrs)
}

// parseAttrs splits a verified payload into its attribute map, rejecting
// unknown tags, duplicates and malformed fixed-size values.
func parseAttrs(cmd CmdType, payload []byte) (attrMap, error) {
	attrs := make(attrMap)
	for off := 0; off < len(payload); {
		if len(payload)-off < 4 {
			return nil, fmt.Errorf("send stream: %s command: truncated attribute header: %w", cmd, io.ErrUnexpectedEOF)
		}
		tag := binary.BigEndian.Uint16(payload[off : off+2])
		vlen := int(binary.BigEndian.Uint16(payload[off+2 : off+4]))
		off += 4
		if len(payload)-off < vlen {
			return nil, fmt.Errorf("send stream: %s command: truncated attribute value: %w", cmd, io.ErrUnexpectedEOF)
		}
		a := AttrType(tag)
		kind, ok := attrKinds[a]
		if !ok {
			return nil, &UnknownAttrError{Tag: tag}
		}
		if _, dup := attrs[a]; dup {
			return nil, &DuplicateAttrError{Cmd: cmd, Attr: a}
		}
		switch kind {
		case kindU64:
			if vlen != 8 {
				return nil, &AttrSizeError{Attr: a, Got: vlen, Want: 8}
			}
		case kindUUID:
			if vlen != 16 {
				return nil, &AttrSizeError{Attr: a, Got: vlen, Want: 16}
			}
		case kindTime:
			if vlen != 12 {
				return nil, &AttrSizeError{Attr: a, Got: vlen, Want: 12}
			}
		case kindEmpty:
			if vlen != 0 {
				return nil, &AttrSizeError{Attr: a, Got: vlen, Want: 0}
			}
		}
		attrs[a] = payload[off : off+vlen]
		off += vlen
	}
	return attrs, nil
}
