package unpack

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Kind is a container format detected from magic bytes.
type Kind int

const (
	KindUnknown Kind = iota
	KindZip
	KindOOXML
	KindOLE2
	KindRar
	Kind7z
	KindPDF
)

func (k Kind) String() string {
	switch k {
	case KindZip:
		return "zip"
	case KindOOXML:
		return "ooxml"
	case KindOLE2:
		return "ole2"
	case KindRar:
		return "rar"
	case Kind7z:
		return "7z"
	case KindPDF:
		return "pdf"
	}
	return "unknown"
}

var (
	magicZip  = []byte("PK")
	magicOLE2 = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
	magicRar  = []byte("Rar!")
	magic7z   = []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}
	magicPDF  = []byte("%PDF")
)

// Sniff reads the file header. A zip container holding [Content_Types].xml is OOXML.
func Sniff(path string) (Kind, error) {
	f, err := os.Open(path)
	if err != nil {
		return KindUnknown, err
	}
	defer f.Close()
	var hdr [8]byte
	n, err := io.ReadFull(f, hdr[:])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return KindUnknown, err
	}
	h := hdr[:n]
	switch {
	case bytes.HasPrefix(h, magicOLE2):
		return KindOLE2, nil
	case bytes.HasPrefix(h, magicRar):
		return KindRar, nil
	case bytes.HasPrefix(h, magic7z):
		return Kind7z, nil
	case bytes.HasPrefix(h, magicPDF):
		return KindPDF, nil
	case bytes.HasPrefix(h, magicZip):
		if isOOXML(path) {
			return KindOOXML, nil
		}
		return KindZip, nil
	}
	return KindUnknown, nil
}

func isOOXML(path string) bool {
	r, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	defer r.Close()
	for _, f := range r.File {
		if f.Name == "[Content_Types].xml" {
			return true
		}
	}
	return false
}

var archiveExts = map[string]struct{}{".zip": {}, ".rar": {}, ".7z": {}}

func HasArchiveExt(path string) bool {
	_, ok := archiveExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsArchive reports whether path should be extracted: by extension, or by magic
// bytes for files whose extension claims something else (an .xlsx that is a plain zip).
func IsArchive(path string) bool {
	if HasArchiveExt(path) {
		return true
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm", ".xls", ".docx", ".doc", "":
	default:
		return false
	}
	k, err := Sniff(path)
	if err != nil {
		return false
	}
	return k == KindZip || k == KindRar || k == Kind7z
}
