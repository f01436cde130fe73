// Copyright 2024 The JTAGProg Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package xilinx

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildBit assembles a synthetic .bit container.
func buildBit(design, part, date, tm string, payload []byte) []byte {
	var b bytes.Buffer
	// Magic preamble blob and the 0x0001 field marker.
	magic := []byte{0x0F, 0xF0, 0x0F, 0xF0, 0x0F, 0xF0, 0x0F, 0xF0, 0x00}
	binary.Write(&b, binary.BigEndian, uint16(len(magic)))
	b.Write(magic)
	binary.Write(&b, binary.BigEndian, uint16(1))
	str := func(tag byte, s string) {
		b.WriteByte(tag)
		binary.Write(&b, binary.BigEndian, uint16(len(s)+1))
		b.WriteString(s)
		b.WriteByte(0)
	}
	str('a', design)
	str('b', part)
	str('c', date)
	str('d', tm)
	b.WriteByte('e')
	binary.Write(&b, binary.BigEndian, uint32(len(payload)))
	b.Write(payload)
	return b.Bytes()
}

func TestReadBitFile(t *testing.T) {
	payload := []byte{0xFF, 0xFF, 0xAA, 0x99, 0x55, 0x66, 0x20, 0x00}
	raw := buildBit("top;UserID=0XFFFFFFFF", "7a35tcsg324", "2024/05/12", "11:22:33", payload)
	bf, err := ReadBitFile(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "top;UserID=0XFFFFFFFF", bf.Design)
	assert.Equal(t, "7a35tcsg324", bf.Part)
	assert.Equal(t, "2024/05/12", bf.Date)
	assert.Equal(t, "11:22:33", bf.Time)
	assert.Equal(t, payload, bf.Data)
}

func TestReadBitFileHeaderless(t *testing.T) {
	raw := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xAA, 0x99, 0x55, 0x66, 0x01, 0x02}
	bf, err := ReadBitFile(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Empty(t, bf.Part)
	assert.Equal(t, raw, bf.Data)
}

func TestReadBitFileGarbage(t *testing.T) {
	_, err := ReadBitFile(bytes.NewReader([]byte{0x00, 0x01, 0x02}))
	require.Error(t, err)
	var ferr *FormatError
	assert.ErrorAs(t, err, &ferr)
}

func TestReadBitFileTruncatedPayload(t *testing.T) {
	payload := []byte{0xAA, 0x99, 0x55, 0x66}
	raw := buildBit("d", "p", "c", "t", payload)
	_, err := ReadBitFile(bytes.NewReader(raw[:len(raw)-2]))
	// The header is intact but the payload length overruns: rejected, and
	// the sync-word rescue does not apply to a file that has a header.
	require.Error(t, err)
}

func TestReadBitFileEmpty(t *testing.T) {
	_, err := ReadBitFile(bytes.NewReader(nil))
	require.Error(t, err)
}
