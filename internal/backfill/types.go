package backfill

import "time"

// Config holds the backfill command configuration.
type Config struct {
	Dir         string    // directory of saved pages, walked recursively
	SingleFile  string    // process a single file only
	StatePath   string    // resumable progress file
	Since       time.Time // by file modification time
	Until       time.Time
	DryRun      bool
	BatchSize   int // files between state saves
	MinMessages int
}

// FileSummary is the outcome of importing one saved page.
type FileSummary struct {
	Path      string
	Date      string
	RecordID  string
	Messages  int
	Duplicate bool
	Skipped   bool
	Err       string
}

// Summary totals a backfill run.
type Summary struct {
	FilesProcessed int           `json:"filesProcessed"`
	RecordsStored  int           `json:"recordsStored"`
	Duplicates     int           `json:"duplicates"`
	Messages       int           `json:"messages"`
	Skipped        int           `json:"skipped"`
	Errors         int           `json:"errors"`
	DryRun         bool          `json:"dryRun"`
	Files          []FileSummary `json:"-"`
}
