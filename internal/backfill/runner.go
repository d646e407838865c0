package backfill

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
	"github.com/MikeSquared-Agency/chatcap/internal/store"
)

// Recorder persists scan records.
type Recorder interface {
	StoreScan(ctx context.Context, rec *extractor.ScanRecord) (store.Result, error)
}

// Runner deep-scans an archive of saved chat pages into the store.
type Runner struct {
	cfg       Config
	store     Recorder
	extractor *extractor.Extractor
	logger    *slog.Logger
}

// NewRunner creates a backfill runner.
func NewRunner(cfg Config, s Recorder, ext *extractor.Extractor, logger *slog.Logger) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if ext == nil {
		ext = extractor.New(nil, extractor.DefaultOptions(), logger)
	}
	return &Runner{
		cfg:       cfg,
		store:     s,
		extractor: ext,
		logger:    logger,
	}
}

type pageFile struct {
	path    string
	modTime time.Time
}

// Run executes the backfill process.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	sum := Summary{DryRun: r.cfg.DryRun}
	state, err := LoadState(r.cfg.StatePath)
	if err != nil {
		return sum, fmt.Errorf("load state: %w", err)
	}

	files, err := r.discoverFiles()
	if err != nil {
		return sum, fmt.Errorf("discover files: %w", err)
	}

	var todo []pageFile
	for _, f := range files {
		if state.IsProcessed(f.path) || !r.inDateRange(f.modTime) {
			sum.Skipped++
			continue
		}
		todo = append(todo, f)
	}
	state.FilesRemaining = len(todo)
	r.logger.Info("files to process", "total", len(todo), "skipped", sum.Skipped)

	inBatch := 0
	for _, f := range todo {
		select {
		case <-ctx.Done():
			r.logger.Info("backfill interrupted, saving state")
			_ = state.Save()
			return sum, ctx.Err()
		default:
		}

		fsum := r.importFile(ctx, f)
		sum.Files = append(sum.Files, fsum)
		sum.FilesProcessed++
		switch {
		case fsum.Err != "":
			sum.Errors++
			state.AddError(fmt.Sprintf("%s: %s", f.path, fsum.Err))
		case fsum.Skipped:
			sum.Skipped++
		case fsum.Duplicate:
			sum.Duplicates++
		default:
			sum.RecordsStored++
			sum.Messages += fsum.Messages
			if !r.cfg.DryRun {
				state.RecordsStored++
				state.MessagesFound += fsum.Messages
			}
		}

		if r.cfg.DryRun {
			continue
		}
		state.MarkProcessed(f.path)
		state.FilesRemaining--
		if inBatch++; inBatch >= r.cfg.BatchSize {
			if err := state.Save(); err != nil {
				r.logger.Warn("failed to save backfill state", "error", err)
			}
			inBatch = 0
		}
	}

	if !r.cfg.DryRun {
		if err := state.Save(); err != nil {
			return sum, fmt.Errorf("save state: %w", err)
		}
	}

	r.logger.Info("backfill complete",
		"files_processed", sum.FilesProcessed,
		"records_stored", sum.RecordsStored,
		"duplicates", sum.Duplicates,
		"errors", sum.Errors,
		"dry_run", r.cfg.DryRun,
	)
	return sum, nil
}

func (r *Runner) importFile(ctx context.Context, f pageFile) FileSummary {
	fsum := FileSummary{Path: f.path, Date: f.modTime.UTC().Format("2006-01-02")}

	fh, err := os.Open(f.path)
	if err != nil {
		fsum.Err = err.Error()
		return fsum
	}
	defer fh.Close()

	page, err := extractor.ParsePage(fh, "", "", f.modTime.UTC())
	if err != nil {
		fsum.Err = err.Error()
		return fsum
	}
	page.URL = pageURL(page.Doc, f.path)

	rec, err := r.extractor.DeepExtract(page)
	if err != nil {
		fsum.Err = err.Error()
		return fsum
	}
	fsum.Messages = rec.MessageCount
	if rec.MessageCount == 0 || rec.MessageCount < r.cfg.MinMessages {
		r.logger.Debug("skipping page with too few messages", "path", f.path, "messages", rec.MessageCount)
		fsum.Skipped = true
		return fsum
	}
	if r.cfg.DryRun {
		return fsum
	}

	res, err := r.store.StoreScan(ctx, rec)
	if err != nil {
		r.logger.Error("persist failed", "path", f.path, "error", err)
		fsum.Err = err.Error()
		return fsum
	}
	fsum.RecordID = res.ID
	fsum.Duplicate = res.Duplicate
	r.logger.Info("page imported",
		"path", f.path,
		"record_id", res.ID,
		"messages", rec.MessageCount,
		"duplicate", res.Duplicate,
	)
	return fsum
}

// FormatDailySummary formats file summaries grouped by date.
func FormatDailySummary(summaries []FileSummary) string {
	byDate := make(map[string][]FileSummary)
	for _, s := range summaries {
		date := s.Date
		if date == "" {
			date = "unknown"
		}
		byDate[date] = append(byDate[date], s)
	}

	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	var sb strings.Builder
	sb.WriteString("Backfill summary\n")

	for _, date := range dates {
		files := byDate[date]
		total := 0
		for _, f := range files {
			total += f.Messages
		}
		fmt.Fprintf(&sb, "\n%s (%d files, %d messages)\n", date, len(files), total)
		for _, f := range files {
			fmt.Fprintf(&sb, "  - %s: %d msg", filepath.Base(f.Path), f.Messages)
			switch {
			case f.Err != "":
				fmt.Fprintf(&sb, " (error: %s)", f.Err)
			case f.Duplicate:
				sb.WriteString(" (duplicate)")
			}
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

func (r *Runner) discoverFiles() ([]pageFile, error) {
	if r.cfg.SingleFile != "" {
		path := expandHome(r.cfg.SingleFile)
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("single file not found: %s", path)
		}
		return []pageFile{{path: path, modTime: info.ModTime()}}, nil
	}

	dir := expandHome(r.cfg.Dir)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	var files []pageFile
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip errors
		}
		if d.IsDir() || !isPageFile(d.Name()) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, pageFile{path: path, modTime: fi.ModTime()})
		return nil
	})
	if err != nil {
		r.logger.Warn("error walking archive dir", "dir", dir, "error", err)
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.Before(files[j].modTime)
		}
		return files[i].path < files[j].path
	})
	return files, nil
}

// inDateRange checks the file's modification time against since/until.
func (r *Runner) inDateRange(t time.Time) bool {
	if !r.cfg.Since.IsZero() && t.Before(r.cfg.Since) {
		return false
	}
	if !r.cfg.Until.IsZero() && t.After(r.cfg.Until) {
		return false
	}
	return true
}
