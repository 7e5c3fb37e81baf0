package unpack

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
)

var (
	rar4Sig = []byte("Rar!\x1a\x07\x00")
	rar5Sig = []byte("Rar!\x1a\x07\x01\x00")
)

// Spanned reports whether the archive at path is the first volume of a split
// set rather than a complete archive. RAR answers from its main header; zip
// and 7z volumes cannot be listed on their own.
func Spanned(path string) bool {
	kind, err := Sniff(path)
	if err != nil {
		return false
	}
	if kind == KindRar {
		vol, known := rarVolumeFlag(path)
		// unreadable header: trust the name
		return vol || !known
	}
	return Check(path) != nil
}

// rarVolumeFlag reads the volume bit of the main archive header.
func rarVolumeFlag(path string) (volume, known bool) {
	f, err := os.Open(path)
	if err != nil {
		return false, false
	}
	defer f.Close()
	r := bufio.NewReader(f)
	sig := make([]byte, len(rar5Sig))
	n, _ := io.ReadFull(r, sig)
	sig = sig[:n]

	switch {
	case bytes.Equal(sig, rar5Sig):
		return rar5Volume(r)
	case bytes.HasPrefix(sig, rar4Sig):
		// the 8th byte already belongs to the main header
		rest := make([]byte, 4)
		if _, err := io.ReadFull(r, rest); err != nil {
			return false, false
		}
		hdr := append([]byte{sig[7]}, rest...)
		// HEAD_CRC(2) HEAD_TYPE(1) HEAD_FLAGS(2)
		if hdr[2] != 0x73 {
			return false, false
		}
		return binary.LittleEndian.Uint16(hdr[3:5])&0x0001 != 0, true
	}
	return false, false
}

func rar5Volume(r *bufio.Reader) (bool, bool) {
	if _, err := io.ReadFull(r, make([]byte, 4)); err != nil { // header CRC32
		return false, false
	}
	if _, err := binary.ReadUvarint(r); err != nil { // header size
		return false, false
	}
	typ, err := binary.ReadUvarint(r)
	if err != nil || typ != 1 {
		return false, false
	}
	flags, err := binary.ReadUvarint(r)
	if err != nil {
		return false, false
	}
	if flags&0x0001 != 0 { // extra area size
		if _, err := binary.ReadUvarint(r); err != nil {
			return false, false
		}
	}
	if flags&0x0002 != 0 { // data size
		if _, err := binary.ReadUvarint(r); err != nil {
			return false, false
		}
	}
	archFlags, err := binary.ReadUvarint(r)
	if err != nil {
		return false, false
	}
	return archFlags&0x0001 != 0, true
}
