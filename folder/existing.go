package folder

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"tenderscan/domain"
	"tenderscan/unpack"
)

var folderRe = regexp.MustCompile(`^(44fz|223fz)_(\d+)(_won)?$`)

const maxNameLen = 250

// Existing is a tender folder left on disk by an earlier run.
type Existing struct {
	Key       domain.TenderKey
	Lifecycle domain.Lifecycle
	Path      string
	Size      int64
	Files     []string
}

// ParseFolderName recognises "<registry>_<id>" with an optional "_won" suffix.
func ParseFolderName(name string) (domain.TenderKey, domain.Lifecycle, bool) {
	m := folderRe.FindStringSubmatch(name)
	if m == nil {
		return domain.TenderKey{}, "", false
	}
	id, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return domain.TenderKey{}, "", false
	}
	reg, err := domain.ParseRegistryType(m[1])
	if err != nil {
		return domain.TenderKey{}, "", false
	}
	lc := domain.LifecycleNew
	if m[3] != "" {
		lc = domain.LifecycleWon
	}
	return domain.TenderKey{ID: id, Registry: reg}, lc, true
}

// ListExisting returns tender folders that still hold archives or workbooks,
// smallest first.
func (m *Manager) ListExisting() ([]Existing, error) {
	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Existing
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		key, lc, ok := ParseFolderName(e.Name())
		if !ok {
			continue
		}
		dir := filepath.Join(m.root, e.Name())
		files, qualifies := candidateFiles(dir)
		if !qualifies {
			continue
		}
		out = append(out, Existing{Key: key, Lifecycle: lc, Path: dir, Size: Size(dir), Files: files})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Size < out[j].Size })
	return out, nil
}

// candidateFiles lists the folder's top-level documents plus whatever a
// prefetch left in PrefetchDir; the folder qualifies when at least one of
// them is an archive or a workbook.
func candidateFiles(dir string) ([]string, bool) {
	files, qualifies := scanDocs(dir)
	staged, q := scanDocs(filepath.Join(dir, PrefetchDir))
	return append(files, staged...), qualifies || q
}

func scanDocs(dir string) ([]string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, false
	}
	var (
		files     []string
		qualifies bool
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, "~$") || len(name) > maxNameLen || strings.HasSuffix(name, ".part") {
			continue
		}
		switch strings.ToLower(filepath.Ext(name)) {
		case ".xlsx", ".xlsm", ".xls":
			qualifies = true
		case ".docx", ".doc", ".pdf":
		default:
			if !unpack.HasArchiveExt(name) {
				continue
			}
			qualifies = true
		}
		files = append(files, filepath.Join(dir, name))
	}
	return files, qualifies
}

// Records turns an existing folder into download records of origin "existing".
func (x Existing) Records() []domain.DownloadRecord {
	recs := make([]domain.DownloadRecord, 0, len(x.Files))
	for _, f := range x.Files {
		recs = append(recs, domain.DownloadRecord{Paths: []string{f}, Origin: domain.OriginExisting})
	}
	return recs
}
