package prepare

import (
	"path/filepath"
	"sort"
	"strings"

	"tenderscan/domain"
	"tenderscan/unpack"
)

var docPriority = map[string]int{
	".xlsx": 0,
	".xlsm": 0,
	".xls":  1,
	".zip":  2,
	".rar":  2,
	".7z":   2,
	".docx": 3,
	".doc":  3,
	".pdf":  3,
}

// ChooseDocuments keeps the document types we can scan, spreadsheets first,
// dropping repeats of the same (file name, URL).
func ChooseDocuments(docs []domain.DocumentRef) []domain.DocumentRef {
	type key struct{ name, url string }
	seen := make(map[key]struct{}, len(docs))
	out := make([]domain.DocumentRef, 0, len(docs))
	for _, d := range docs {
		if _, ok := docPriority[strings.ToLower(filepath.Ext(d.FileName))]; !ok {
			continue
		}
		k := key{d.FileName, d.URL}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return docPriority[strings.ToLower(filepath.Ext(out[i].FileName))] <
			docPriority[strings.ToLower(filepath.Ext(out[j].FileName))]
	})
	return out
}

// DocumentGroup is what one download produces: a document plus, for
// multi-part archives, the remaining volumes of its set.
type DocumentGroup struct {
	Main    domain.DocumentRef
	Volumes []domain.DocumentRef
}

// GroupByArchive collapses multi-part archive sets into one group led by the
// lowest part. Volumes are looked up in all so parts filtered out earlier
// still travel with their set.
func GroupByArchive(selected, all []domain.DocumentRef) []DocumentGroup {
	type setKey struct{ base, ext string }
	sets := make(map[setKey][]domain.DocumentRef)
	for _, d := range all {
		base, _, ok := unpack.SplitArchiveName(d.FileName)
		if !ok {
			continue
		}
		k := setKey{base, strings.ToLower(filepath.Ext(d.FileName))}
		sets[k] = append(sets[k], d)
	}

	var out []DocumentGroup
	done := make(map[setKey]bool)
	for _, d := range selected {
		base, _, ok := unpack.SplitArchiveName(d.FileName)
		if !ok {
			out = append(out, DocumentGroup{Main: d})
			continue
		}
		k := setKey{base, strings.ToLower(filepath.Ext(d.FileName))}
		if done[k] {
			continue
		}
		done[k] = true
		members := append([]domain.DocumentRef(nil), sets[k]...)
		if len(members) == 0 {
			members = []domain.DocumentRef{d}
		}
		sort.SliceStable(members, func(i, j int) bool { return partOf(members[i]) < partOf(members[j]) })
		g := DocumentGroup{Main: members[0]}
		seen := map[string]bool{members[0].URL + members[0].FileName: true}
		for _, m := range members[1:] {
			if seen[m.URL+m.FileName] {
				continue
			}
			seen[m.URL+m.FileName] = true
			g.Volumes = append(g.Volumes, m)
		}
		out = append(out, g)
	}
	return out
}

func partOf(d domain.DocumentRef) int {
	_, p, _ := unpack.SplitArchiveName(d.FileName)
	return p
}
