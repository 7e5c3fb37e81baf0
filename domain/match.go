package domain

import "time"

const (
	// MinScore is the lowest score that survives aggregation.
	MinScore = 85.0
	// MaxMatchesPerTender caps the aggregated match list.
	MaxMatchesPerTender = 50
)

type Location struct {
	SheetOrPage string `json:"sheet_or_page,omitempty"`
	Row         int    `json:"row,omitempty"`
	Column      int    `json:"column,omitempty"`
	Address     string `json:"address,omitempty"`
}

type MatchResult struct {
	ProductName        string   `json:"product_name"`
	Score              float64  `json:"score"`
	MatchedText        string   `json:"matched_text,omitempty"`
	MatchedKeywords    []string `json:"matched_keywords,omitempty"`
	Location           Location `json:"location"`
	SourceFile         string   `json:"source_file,omitempty"`
	IsAdditionalPhrase bool     `json:"is_additional_phrase,omitempty"`
}

// FailedFile is a file whose scan failed or timed out. It stays on disk.
type FailedFile struct {
	Path   string  `json:"path"`
	Error  string  `json:"error"`
	SizeMB float64 `json:"file_size_mb"`
}

type ProcessingState string

const (
	StateProcessing ProcessingState = "PROCESSING"
	StateCompleted  ProcessingState = "COMPLETED"
	StateFailed     ProcessingState = "FAILED"
)

func (s ProcessingState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Error reasons persisted with a failed outcome.
const (
	ReasonNoDocuments     = "no_documents"
	ReasonNoValidFiles    = "no_valid_files"
	ReasonNoWorkbookFiles = "no_workbook_files"
	ReasonPreparePaths    = "prepare_paths_error"
	ReasonProcessing      = "processing_error"
)

type ProcessingOutcome struct {
	Matches        []MatchResult
	FailedFiles    []FailedFile
	ProcessingTime time.Duration
	TotalFiles     int
	TotalBytes     int64
	ErrorReason    string
	ErrorMessage   string
}

func (o ProcessingOutcome) State() ProcessingState {
	if o.ErrorReason != "" {
		return StateFailed
	}
	return StateCompleted
}

// MatchPercentage is 100 when any match is exact, 85 when any is good, 0 otherwise.
func (o ProcessingOutcome) MatchPercentage() float64 {
	pct := 0.0
	for _, m := range o.Matches {
		if m.Score >= 100 {
			return 100
		}
		if m.Score >= MinScore {
			pct = MinScore
		}
	}
	return pct
}

func (o ProcessingOutcome) HasError() bool {
	return o.ErrorReason != "" || len(o.FailedFiles) > 0
}

// LockRecord is the per-tender row of the result store.
type LockRecord struct {
	Key             TenderKey       `json:"key"`
	State           ProcessingState `json:"state"`
	Owner           string          `json:"owner,omitempty"`
	FolderName      string          `json:"folder_name,omitempty"`
	MatchCount      int             `json:"match_count"`
	MatchPercentage float64         `json:"match_percentage"`
	ErrorReason     string          `json:"error_reason,omitempty"`
	HasError        bool            `json:"has_error"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
