package scanner

import (
	"os"

	"github.com/xuri/excelize/v2"

	"tenderscan/unpack"
)

// CheckSpreadsheet reports whether path can be opened as a workbook. Legacy OLE2
// files pass on their header alone since they are converted at scan time.
func CheckSpreadsheet(path string) (ok bool, reason string) {
	kind, err := unpack.Sniff(path)
	if err != nil {
		return false, err.Error()
	}
	switch kind {
	case unpack.KindOLE2:
		return true, ""
	case unpack.KindOOXML:
	default:
		return false, "not a workbook: " + kind.String()
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return false, err.Error()
	}
	defer func() { _ = f.Close() }()
	if len(f.GetSheetList()) == 0 {
		return false, "workbook has no sheets"
	}
	return true, ""
}

// CheckDocument only requires a non-empty regular file.
func CheckDocument(path string) (ok bool, reason string) {
	st, err := os.Stat(path)
	if err != nil {
		return false, err.Error()
	}
	if st.IsDir() || st.Size() == 0 {
		return false, "empty or not a file"
	}
	return true, ""
}
