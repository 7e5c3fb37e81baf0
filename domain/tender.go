package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type RegistryType string

const (
	Registry44FZ  RegistryType = "44fz"
	Registry223FZ RegistryType = "223fz"
)

func ParseRegistryType(s string) (RegistryType, error) {
	switch RegistryType(strings.ToLower(strings.TrimSpace(s))) {
	case Registry44FZ:
		return Registry44FZ, nil
	case Registry223FZ:
		return Registry223FZ, nil
	}
	return "", fmt.Errorf("unknown registry type %q", s)
}

// Lifecycle is the facet a tender was selected under.
type Lifecycle string

const (
	LifecycleNew        Lifecycle = "new"
	LifecycleWon        Lifecycle = "won"
	LifecycleCommission Lifecycle = "commission"
)

// TenderKey is the identity of a tender across all workers.
type TenderKey struct {
	ID       int64
	Registry RegistryType
}

func (k TenderKey) String() string {
	return string(k.Registry) + "_" + strconv.FormatInt(k.ID, 10)
}

// ParseTenderKey accepts "44fz:123" or "44fz_123".
func ParseTenderKey(s string) (TenderKey, error) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, ":_")
	if i <= 0 {
		return TenderKey{}, fmt.Errorf("invalid tender key %q", s)
	}
	reg, err := ParseRegistryType(s[:i])
	if err != nil {
		return TenderKey{}, err
	}
	id, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil || id <= 0 {
		return TenderKey{}, fmt.Errorf("invalid tender id in %q", s)
	}
	return TenderKey{ID: id, Registry: reg}, nil
}

type Tender struct {
	ID        int64
	Registry  RegistryType
	Lifecycle Lifecycle
	Name      string
	Region    string
	UserID    int64

	PublishedAt *time.Time
	EndDate     *time.Time

	// Folder is the on-disk working folder, set once the folder manager prepared it.
	Folder string
}

func (t Tender) Key() TenderKey { return TenderKey{ID: t.ID, Registry: t.Registry} }

// FolderName is "{registry}_{id}" with a "_won" suffix for the won lifecycle.
func (t Tender) FolderName() string {
	return FolderName(t.Key(), t.Lifecycle)
}

func FolderName(k TenderKey, lc Lifecycle) string {
	name := k.String()
	if lc == LifecycleWon {
		name += "_won"
	}
	return name
}

func (t Tender) DisplayName() string {
	if n := strings.TrimSpace(t.Name); n != "" {
		return n
	}
	return fmt.Sprintf("tender #%d", t.ID)
}

// DocumentRef is one attachment as listed by the tender feed.
type DocumentRef struct {
	FileName string `json:"file_name"`
	URL      string `json:"url"`
	Size     int64  `json:"size,omitempty"`
}

type Origin string

const (
	OriginDownload   Origin = "download"
	OriginExisting   Origin = "existing"
	OriginPrefetch   Origin = "prefetch"
	OriginRedownload Origin = "re-download"
)

// DownloadRecord groups the local files obtained for one source document.
// Doc is nil for files found on disk without a feed descriptor.
type DownloadRecord struct {
	Doc     *DocumentRef
	Paths   []string
	Retries int
	Origin  Origin
}
