package unpack

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var archiveNameRe = regexp.MustCompile(`(?i)^(?P<base>.+?)(?:[._ -]*(?:part)?(?P<part>\d+))?\.(rar|zip|7z)$`)

// SplitArchiveName returns the case-folded base name and part index of an
// archive file name. Names without a part index are part 1.
func SplitArchiveName(name string) (base string, part int, ok bool) {
	m := archiveNameRe.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return "", 0, false
	}
	base = strings.ToLower(m[1])
	part = 1
	if m[2] != "" {
		if n, err := strconv.Atoi(m[2]); err == nil {
			part = n
		}
	}
	return base, part, true
}

// Volume is one file of a multi-part set.
type Volume struct {
	Path string
	Part int
}

// Siblings lists the files in dir belonging to the same multi-part set as path, ordered by part.
func Siblings(path string) []Volume {
	base, _, ok := SplitArchiveName(path)
	if !ok {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(path))
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		return nil
	}
	var out []Volume
	for _, e := range entries {
		if e.IsDir() || strings.ToLower(filepath.Ext(e.Name())) != ext {
			continue
		}
		b, p, ok := SplitArchiveName(e.Name())
		if !ok || b != base {
			continue
		}
		out = append(out, Volume{Path: filepath.Join(filepath.Dir(path), e.Name()), Part: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Part < out[j].Part })
	return out
}

// SetOf returns the volumes path belongs to, ordered by part. Numbered
// archives whose lowest part is a complete archive are independent files
// ("Приложение 1.zip", "Приложение 2.zip"), and SetOf returns path alone.
func SetOf(path string) []Volume {
	_, part, ok := SplitArchiveName(path)
	if !ok {
		return nil
	}
	vols := Siblings(path)
	if len(vols) > 1 && !Spanned(vols[0].Path) {
		return []Volume{{Path: path, Part: part}}
	}
	return vols
}

// IsContinuationPart reports whether path is part >1 of a split set whose first part sits next to it.
// A lone "report2023.zip" is not a continuation even though its name parses as part 2023.
func IsContinuationPart(path string) bool {
	_, part, ok := SplitArchiveName(path)
	if !ok || part <= 1 {
		return false
	}
	vols := SetOf(path)
	return len(vols) > 1 && vols[0].Part < part
}

// CombineParts concatenates split zip/7z volumes into one file next to the first part.
// RAR volumes are read natively and must not be combined.
func CombineParts(vols []Volume) (string, error) {
	if len(vols) == 0 {
		return "", fmt.Errorf("no volumes")
	}
	if len(vols) == 1 {
		return vols[0].Path, nil
	}
	first := vols[0].Path
	base, _, _ := SplitArchiveName(first)
	out := filepath.Join(filepath.Dir(first), base+".combined"+strings.ToLower(filepath.Ext(first)))
	dst, err := os.Create(out)
	if err != nil {
		return "", err
	}
	for _, v := range vols {
		if err := appendFile(dst, v.Path); err != nil {
			_ = dst.Close()
			_ = os.Remove(out)
			return "", err
		}
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	return out, nil
}

func appendFile(dst io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(dst, f)
	return err
}
