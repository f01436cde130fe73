// Copyright 2024 The JTAGProg Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package xilinx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FormatError reports a malformed .bit container.
type FormatError struct {
	Detail string
}

func (e *FormatError) Error() string {
	return "xilinx: bad bitstream file: " + e.Detail
}

// BitFile is a parsed Xilinx .bit container. Files that are bare
// configuration payloads (no header) leave the metadata fields empty.
type BitFile struct {
	Design string // 'a' field: design name and build options
	Part   string // 'b' field: device name
	Date   string // 'c' field
	Time   string // 'd' field
	Data   []byte // 'e' field: raw configuration payload, MSB-first bytes
}

// The raw bitstream sync word, used to recognise headerless files.
var syncWord = []byte{0xAA, 0x99, 0x55, 0x66}

// ReadBitFile parses a .bit file. A file that does not carry the tagged
// header is treated as a bare payload in its entirety, provided it holds
// the configuration sync word somewhere.
func ReadBitFile(r io.Reader) (*BitFile, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, &FormatError{Detail: "empty file"}
	}
	if looksLikeHeader(raw) {
		return parseHeader(raw)
	}
	if bytes.Contains(raw, syncWord) {
		return &BitFile{Data: raw}, nil
	}
	return nil, &FormatError{Detail: "neither a .bit header nor a raw bitstream"}
}

// looksLikeHeader checks for the fixed .bit preamble: a short big-endian
// length-prefixed blob followed by the 0x0001 field marker.
func looksLikeHeader(raw []byte) bool {
	if len(raw) < 4 {
		return false
	}
	n := int(binary.BigEndian.Uint16(raw))
	if n == 0 || n > 256 || 2+n+2 > len(raw) {
		return false
	}
	return binary.BigEndian.Uint16(raw[2+n:]) == 1
}

// parseHeader walks the tagged .bit layout: a 2-byte big-endian length
// prefixed blob, a 2-byte field, then 'a'..'d' length-prefixed
// NUL-terminated strings and the 'e' payload with a 4-byte length.
func parseHeader(raw []byte) (*BitFile, error) {
	if len(raw) < 4 {
		return nil, &FormatError{Detail: "truncated header"}
	}
	n := int(binary.BigEndian.Uint16(raw))
	off := 2 + n + 2
	if n == 0 || off > len(raw) {
		return nil, &FormatError{Detail: "implausible header length"}
	}
	bf := &BitFile{}
	for off < len(raw) {
		tag := raw[off]
		off++
		switch tag {
		case 'a', 'b', 'c', 'd':
			if off+2 > len(raw) {
				return nil, &FormatError{Detail: fmt.Sprintf("truncated %q field", tag)}
			}
			l := int(binary.BigEndian.Uint16(raw[off:]))
			off += 2
			if off+l > len(raw) {
				return nil, &FormatError{Detail: fmt.Sprintf("%q field overruns file", tag)}
			}
			s := string(bytes.TrimRight(raw[off:off+l], "\x00"))
			off += l
			switch tag {
			case 'a':
				bf.Design = s
			case 'b':
				bf.Part = s
			case 'c':
				bf.Date = s
			case 'd':
				bf.Time = s
			}
		case 'e':
			if off+4 > len(raw) {
				return nil, &FormatError{Detail: "truncated payload length"}
			}
			l := int(binary.BigEndian.Uint32(raw[off:]))
			off += 4
			if l <= 0 || off+l > len(raw) {
				return nil, &FormatError{Detail: "payload length overruns file"}
			}
			bf.Data = raw[off : off+l]
			return bf, nil
		default:
			return nil, &FormatError{Detail: fmt.Sprintf("unknown field tag %#02x", tag)}
		}
	}
	return nil, errors.New("xilinx: bad bitstream file: no payload field")
}
