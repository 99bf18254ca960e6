package asmcore

import (
	"encoding/binary"
	"fmt"
)

// magic is the 4-byte headered-output signature "ISA\x01" (spec §6.1).
var magic = [4]byte{0x49, 0x53, 0x41, 0x01}

// packageHeadered prepends the byte-exact header described in spec §3/§6.1:
// magic, a length-prefixed ISA name, code size, and entry point, all
// little-endian, ahead of the raw machine-code bytes.
func packageHeadered(isaName string, entryPoint uint64, code []byte) []byte {
	name := []byte(isaName)
	if len(name) > 255 {
		name = name[:255]
	}

	out := make([]byte, 0, 4+1+len(name)+4+4+len(code))
	out = append(out, magic[:]...)
	out = append(out, byte(len(name)))
	out = append(out, name...)

	var sizeBuf, entryBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(code)))
	binary.LittleEndian.PutUint32(entryBuf[:], uint32(entryPoint))
	out = append(out, sizeBuf[:]...)
	out = append(out, entryBuf[:]...)
	out = append(out, code...)
	return out
}

// Header is the parsed form of a headered binary's fixed fields (spec
// §6.1/§3), with the trailing machine code split out separately.
type Header struct {
	ISAName    string
	EntryPoint uint64
	Code       []byte
}

// UnpackHeadered recognizes the "ISA\x01" magic at the start of data and, if
// present, parses the rest of the header and returns the recovered fields
// plus the machine code that follows it. ok is false (and Header the zero
// value) when data doesn't start with the magic, in which case the caller
// should treat data as raw machine code instead.
func UnpackHeadered(data []byte) (Header, bool, error) {
	if len(data) < 4 || data[0] != magic[0] || data[1] != magic[1] || data[2] != magic[2] || data[3] != magic[3] {
		return Header{}, false, nil
	}
	if len(data) < 5 {
		return Header{}, true, fmt.Errorf("headered binary truncated before ISA-name length")
	}
	nameLen := int(data[4])
	nameStart := 5
	nameEnd := nameStart + nameLen
	if len(data) < nameEnd+8 {
		return Header{}, true, fmt.Errorf("headered binary truncated before code_size/entry_point")
	}
	name := string(data[nameStart:nameEnd])

	codeSize := binary.LittleEndian.Uint32(data[nameEnd : nameEnd+4])
	entryPoint := binary.LittleEndian.Uint32(data[nameEnd+4 : nameEnd+8])

	codeStart := nameEnd + 8
	if uint32(len(data)-codeStart) != codeSize {
		return Header{}, true, fmt.Errorf("headered binary code_size %d does not match %d trailing bytes", codeSize, len(data)-codeStart)
	}

	return Header{
		ISAName:    name,
		EntryPoint: uint64(entryPoint),
		Code:       data[codeStart:],
	}, true, nil
}
