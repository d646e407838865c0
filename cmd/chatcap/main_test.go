package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/MikeSquared-Agency/chatcap/internal/dispatch"
	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATABASE_URL", filepath.Join(dir, "chatcap.db"))
	t.Setenv("CHATCAP_FALLBACK_PATH", filepath.Join(dir, "fallback.json"))
	t.Setenv("LOG_LEVEL", "error")
	return dir
}

func run(t *testing.T, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return &out, cmd.Execute()
}

func TestScanCommand(t *testing.T) {
	dir := setupEnv(t)
	page := filepath.Join(dir, "page.html")
	html := `<html><head><title>Support chat</title></head><body>
<div class="message">hi, my order never arrived</div>
<div class="message">sorry to hear that, let me check</div>
</body></html>`
	if err := os.WriteFile(page, []byte(html), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "scan", "--file", page, "--url", "https://support.example.com/c/1", "--save")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	var rec extractor.ScanRecord
	if err := json.Unmarshal(out.Bytes(), &rec); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if rec.ID == "" || rec.MessageCount != 2 || rec.Title != "Support chat" {
		t.Errorf("record = id %q, %d messages, title %q", rec.ID, rec.MessageCount, rec.Title)
	}

	out, err = run(t, "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var stats dispatch.Statistics
	if err := json.Unmarshal(out.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Storage.TotalScans != 1 || stats.Storage.Backend != "sqlite" {
		t.Errorf("stats = %+v", stats.Storage)
	}
}

func TestScanCommand_MissingFile(t *testing.T) {
	setupEnv(t)
	if _, err := run(t, "scan", "--file", "/does/not/exist.html"); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := run(t, "scan"); err == nil {
		t.Fatal("expected error without --file")
	}
}

func TestCleanupCommand(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "cleanup", "--max-age-days", "30")
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	var resp dispatch.Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if !resp.Success || resp.CleanedCount == nil || *resp.CleanedCount != 0 {
		t.Errorf("response = %+v", resp)
	}

	if _, err := run(t, "cleanup", "--max-age-days", "0"); err == nil {
		t.Error("expected error for zero age")
	}
}
