package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/developingchet/streamguard/internal/config"
	"github.com/developingchet/streamguard/internal/server"
	"github.com/developingchet/streamguard/internal/session"
	"github.com/developingchet/streamguard/internal/storage"
	"github.com/rs/zerolog"
)

// TestRootSubcommands verifies all expected subcommands are registered.
func TestRootSubcommands(t *testing.T) {
	registered := make(map[string]bool)
	for _, cmd := range newRoot().Commands() {
		registered[cmd.Name()] = true
	}
	for _, want := range []string{"run", "version", "healthcheck", "journal", "simulate"} {
		if !registered[want] {
			t.Errorf("subcommand %q not registered on root command", want)
		}
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRoot()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionOutput(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version command returned error: %v", err)
	}
	if !strings.Contains(out, "streamguard dev") {
		t.Errorf("version output %q", out)
	}
}

// TestRunDaemonInvalidConfig verifies runDaemon returns an error (not panics)
// when the configuration does not validate.
func TestRunDaemonInvalidConfig(t *testing.T) {
	t.Setenv("STORE_BACKEND", "sqlite")

	err := runDaemon()
	if err == nil || !strings.Contains(err.Error(), "STORE_BACKEND") {
		t.Fatalf("expected STORE_BACKEND error, got %v", err)
	}
}

func TestBuildLoggerFormats(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		log := buildLogger(&config.Config{LogLevel: "warn", LogFormat: format})
		if log.GetLevel() != zerolog.WarnLevel {
			t.Errorf("%s: level = %s", format, log.GetLevel())
		}
	}
	if buildLogger(&config.Config{LogLevel: "loud"}).GetLevel() != zerolog.InfoLevel {
		t.Error("unknown level should fall back to info")
	}
}

func seedJournal(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	j, err := storage.NewBboltJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	t0 := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	events := []storage.Event{
		{At: t0, Kind: storage.KindBlock, Identity: "3f2a9c41d0e8b7aa", Reason: "devtools", Score: 70, Path: "/watch/1"},
		{At: t0.Add(time.Hour), Kind: storage.KindUnblock, Identity: "3f2a9c41d0e8b7aa", Reason: storage.CauseExpired},
	}
	for _, ev := range events {
		if _, err := j.Append(ev); err != nil {
			t.Fatal(err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestJournalList(t *testing.T) {
	dir := seedJournal(t)
	out, err := execute(t, "journal", "list", "--data-dir", dir)
	if err != nil {
		t.Fatalf("journal list: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 events, got:\n%s", out)
	}
	if !strings.Contains(lines[1], "unblock") || !strings.Contains(lines[2], "devtools") {
		t.Errorf("events not newest first:\n%s", out)
	}
	if strings.Contains(out, "3f2a9c41d0e8b7aa") {
		t.Error("identity should be shortened")
	}
}

func TestJournalExport(t *testing.T) {
	dir := seedJournal(t)
	path := filepath.Join(t.TempDir(), "journal.json")
	if _, err := execute(t, "journal", "export", "--data-dir", dir, "-o", path); err != nil {
		t.Fatalf("journal export: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var events []storage.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		t.Fatalf("export is not JSON: %v", err)
	}
	if len(events) != 2 || events[0].Kind != storage.KindUnblock || events[1].Reason != "devtools" {
		t.Errorf("events = %+v", events)
	}
	if events[0].ID == "" {
		t.Error("exported events should carry ids")
	}
}

func TestJournalMissingFile(t *testing.T) {
	if _, err := execute(t, "journal", "list", "--data-dir", t.TempDir()); err == nil {
		t.Error("expected error for a missing journal")
	}
}

func TestSimulateAgainstGate(t *testing.T) {
	t.Setenv("JOURNAL_ENABLED", "false")
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	srv, err := server.New(cfg, server.Deps{Store: session.NewMemoryStore()}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	gate := httptest.NewServer(srv.Handler())
	defer gate.Close()

	out, err := execute(t, "simulate", "--target", gate.URL, "-n", "2", "--interval", "0s", "--devtools")
	if err != nil {
		t.Fatalf("simulate: %v\n%s", err, out)
	}
	for _, want := range []string{
		"token issued",
		"request 1: HTTP 404",
		"request 2: HTTP 404",
		"devtools reported",
		"request 3: HTTP 403 blocked",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSimulateScraperBlockedImmediately(t *testing.T) {
	t.Setenv("JOURNAL_ENABLED", "false")
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	srv, err := server.New(cfg, server.Deps{Store: session.NewMemoryStore()}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	gate := httptest.NewServer(srv.Handler())
	defer gate.Close()

	out, err := execute(t, "simulate", "--target", gate.URL, "-n", "5", "--interval", "0s", "--user-agent", "curl/8.5.0")
	if err != nil {
		t.Fatalf("simulate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "request 1: HTTP 403 blocked") || strings.Contains(out, "request 2") {
		t.Errorf("scraper should stop at the first request:\n%s", out)
	}
}
