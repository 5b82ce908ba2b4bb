package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/developingchet/streamguard/internal/collector"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const simulateUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"

type simulateOptions struct {
	target    string
	path      string
	userAgent string
	requests  int
	interval  time.Duration
	devtools  bool
}

// simulateCmd plays a browser session against a running gate: it fetches a
// token, loads pages, and optionally reports an open console. It stops at
// the first block.
func simulateCmd() *cobra.Command {
	var opts simulateOptions
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive a browser-like session against a running gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			return simulate(ctx, cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.target, "target", "http://127.0.0.1:8080", "gate base URL")
	f.StringVar(&opts.path, "path", "/", "page path to request")
	f.StringVar(&opts.userAgent, "user-agent", simulateUA, "User-Agent to present")
	f.IntVarP(&opts.requests, "requests", "n", 10, "page loads to perform")
	f.DurationVar(&opts.interval, "interval", time.Second, "delay between page loads")
	f.BoolVar(&opts.devtools, "devtools", false, "report an open developer console after the page loads")
	return cmd
}

func simulate(ctx context.Context, cmd *cobra.Command, opts simulateOptions) error {
	out := cmd.OutOrStdout()
	headers := http.Header{}
	headers.Set("User-Agent", opts.userAgent)
	headers.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")
	headers.Set("Accept-Language", "en-US,en;q=0.9")
	client := collector.NewClient(collector.ClientConfig{BaseURL: opts.target, Headers: headers}, zerolog.Nop())

	if _, err := client.Token(ctx); err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}
	fmt.Fprintln(out, "token issued")

	for i := 1; i <= opts.requests; i++ {
		code, err := client.Get(ctx, opts.path)
		if blocked(out, i, code, err) {
			return nil
		}
		if i < opts.requests && opts.interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.interval):
			}
		}
	}

	if !opts.devtools {
		return nil
	}
	if err := client.Report(ctx, collector.Report{Kind: collector.KindDevTools, DevToolsOpen: true}); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	fmt.Fprintln(out, "devtools reported")
	code, err := client.Get(ctx, opts.path)
	blocked(out, opts.requests+1, code, err)
	return nil
}

// blocked prints one page load result and reports whether the gate refused
// the session.
func blocked(out io.Writer, n, code int, err error) bool {
	var unauthorized *collector.ErrUnauthorized
	var limited *collector.ErrRateLimit
	switch {
	case errors.As(err, &limited):
		fmt.Fprintf(out, "request %d: HTTP %d blocked (retry after %s)\n", n, code, limited.RetryAfter)
		return true
	case errors.As(err, &unauthorized):
		fmt.Fprintf(out, "request %d: HTTP %d blocked\n", n, code)
		return true
	case err != nil && code == 0:
		fmt.Fprintf(out, "request %d: %v\n", n, err)
		return false
	}
	fmt.Fprintf(out, "request %d: HTTP %d\n", n, code)
	return false
}
