package risk

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// builtinSignatures are lowercase substrings of non-browser User-Agents:
// command-line downloaders, HTTP libraries, crawlers and automation drivers.
var builtinSignatures = []string{
	"curl", "wget", "httpie", "python-requests", "python-urllib", "aiohttp",
	"httpx", "go-http-client", "java/", "okhttp", "apache-httpclient",
	"libwww-perl", "node-fetch", "axios/", "scrapy", "headlesschrome",
	"headless", "phantomjs", "selenium", "webdriver", "puppeteer",
	"playwright", "nikto", "sqlmap", "nmap", "masscan", "zgrab",
}

// Denylist matches User-Agents against the built-in signatures plus
// operator-supplied ones. The extra set can be swapped at runtime.
type Denylist struct {
	static []string
	file   atomic.Pointer[[]string]
}

// NewDenylist returns a Denylist with the built-in signatures and extra.
func NewDenylist(extra []string) *Denylist {
	d := &Denylist{static: normalise(append(append([]string{}, builtinSignatures...), extra...))}
	empty := []string{}
	d.file.Store(&empty)
	return d
}

func normalise(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Match returns the first signature contained in ua (case-insensitive).
func (d *Denylist) Match(ua string) (string, bool) {
	if ua == "" {
		return "", false
	}
	lower := strings.ToLower(ua)
	for _, sig := range d.static {
		if strings.Contains(lower, sig) {
			return sig, true
		}
	}
	for _, sig := range *d.file.Load() {
		if strings.Contains(lower, sig) {
			return sig, true
		}
	}
	return "", false
}

// Len returns the number of active signatures.
func (d *Denylist) Len() int {
	return len(d.static) + len(*d.file.Load())
}

// LoadFile replaces the file-sourced signatures with the lines of path.
// Blank lines and lines starting with # are ignored.
func (d *Denylist) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open denylist: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read denylist: %w", err)
	}
	sigs := normalise(lines)
	d.file.Store(&sigs)
	return nil
}

// Watch loads path and reloads it whenever it changes until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are picked up. A failed reload keeps the previous signatures.
func (d *Denylist) Watch(ctx context.Context, path string, log zerolog.Logger) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve denylist path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	// watch before the first load so no change can slip between the two
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	if err := d.LoadFile(abs); err != nil {
		return err
	}
	log.Info().Str("path", abs).Int("signatures", d.Len()).Msg("denylist loaded")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) == 0 {
				continue
			}
			if err := d.LoadFile(abs); err != nil {
				log.Warn().Err(err).Str("path", abs).Msg("denylist reload failed; keeping previous")
				continue
			}
			log.Info().Str("path", abs).Int("signatures", d.Len()).Msg("denylist reloaded")
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Debug().Err(err).Msg("denylist watcher error")
		}
	}
}
