// Package main is the entrypoint for the reqscope command line client.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/MahdiBaghbani/reqscope/internal/classify"
	"github.com/MahdiBaghbani/reqscope/internal/dispatch"
	"github.com/MahdiBaghbani/reqscope/internal/netprobe"
	"github.com/MahdiBaghbani/reqscope/internal/owner"
	"github.com/MahdiBaghbani/reqscope/internal/platform/cache"
	"github.com/MahdiBaghbani/reqscope/internal/platform/config"
	"github.com/MahdiBaghbani/reqscope/internal/platform/http/client"
	"github.com/MahdiBaghbani/reqscope/internal/platform/logutil"

	// Register cache drivers
	_ "github.com/MahdiBaghbani/reqscope/internal/platform/cache/loader"
)

const usage = `usage: reqscope [flags] get <url>
       reqscope [flags] download <url> <dir> <file>`

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	modeFlag := flag.String("mode", "", "Operating mode: strict or dev (overrides config)")
	loggingLevel := flag.String("logging-level", "", "Log level: trace, debug, info, warn, error (overrides config)")
	probeMode := flag.String("probe-mode", "", "Network probe: dial, always, or never (overrides config)")
	probeAddress := flag.String("probe-address", "", "host:port dialed by the network probe (overrides config)")
	userAgent := flag.String("user-agent", "", "User-Agent for requests that set none (overrides config)")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	bootstrapLogger := logutil.NewJSON("info")

	// mode preset -> TOML file -> CLI flags
	cfg, err := config.Load(config.LoaderOptions{
		ConfigPath: *configPath,
		ModeFlag:   *modeFlag,
		FlagOverrides: config.FlagOverrides{
			LoggingLevel: loggingLevel,
			ProbeMode:    probeMode,
			ProbeAddress: probeAddress,
			UserAgent:    userAgent,
		},
		Logger: bootstrapLogger,
	})
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logutil.NewJSON(cfg.Logging.Level)
	slog.SetDefault(logger)

	cacheInstance, err := cache.NewFromConfig(cfg.Cache.Driver, cfg.Cache.DriverConfig(cfg.Cache.Driver))
	if err != nil {
		logger.Error("failed to create cache", "error", err)
		os.Exit(1)
	}
	defer cacheInstance.Close()

	probe, err := netprobe.FromConfig(cfg.Probe, cacheInstance, logger)
	if err != nil {
		logger.Error("failed to create network probe", "error", err)
		os.Exit(1)
	}

	rawHTTPClient, err := client.New(&cfg.OutboundHTTP)
	if err != nil {
		logger.Error("failed to create http client", "error", err)
		os.Exit(1)
	}

	// callbacks run here, one at a time
	loop := dispatch.NewLoop()
	defer loop.Close()

	opts := dispatch.OptionsFromConfig(cfg)
	opts.Client = client.NewContextClient(rawHTTPClient)
	opts.Probe = probe
	opts.Poster = loop
	opts.Logger = logger
	d, err := dispatch.New(opts)
	if err != nil {
		logger.Error("failed to create dispatcher", "error", err)
		os.Exit(1)
	}
	d.SetAuthInvalidHandler(func(code int, message string) {
		fmt.Fprintf(os.Stderr, "session expired (%d): %s\n", code, message)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o := owner.New(context.Background(), d)
	defer o.Close()

	var done <-chan int
	args := flag.Args()
	switch {
	case len(args) == 2 && args[0] == "get":
		done, err = runGet(o, args[1])
	case len(args) == 4 && args[0] == "download":
		done, err = runDownload(o, args[1], args[2], args[3])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("invalid request", "error", err)
		os.Exit(2)
	}

	select {
	case code := <-done:
		if code != 0 {
			os.Exit(code)
		}
	case <-ctx.Done():
		logger.Info("interrupted, cancelling requests", "tag", o.Tag())
		o.Close()
		loop.Close()
		os.Exit(130)
	}
}

// runGet sends one GET and reports the outcome on the returned channel.
func runGet(o *owner.Owner, rawURL string) (<-chan int, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", client.ErrInvalidURL, err)
	}

	done := make(chan int, 1)
	owner.Send[json.RawMessage](o, req, dispatch.ListenerFuncs[json.RawMessage]{
		Success: func(data json.RawMessage) {
			if len(data) == 0 {
				data = json.RawMessage("null")
			}
			fmt.Println(string(data))
			done <- 0
		},
		Error: func(body *classify.Envelope, kind classify.Kind, message string, code int) {
			fmt.Fprintf(os.Stderr, "%s (%d): %s\n", kind, code, message)
			done <- 1
		},
	})
	return done, nil
}

// runDownload streams rawURL into dir/file, printing progress.
func runDownload(o *owner.Owner, rawURL, dir, file string) (<-chan int, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", client.ErrInvalidURL, err)
	}
	// the dispatcher filesystem is rooted at "/"
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	// close failures may follow the primary outcome, so only the first
	// terminal callback completes the command
	done := make(chan int, 4)
	o.Download(req, absDir, file, dispatch.DownloadFuncs{
		Start:    func() { fmt.Fprintln(os.Stderr, "downloading", rawURL) },
		Progress: func(p int) { fmt.Fprintf(os.Stderr, "\r%3d%%", p) },
		Done: func(path string) {
			fmt.Fprintln(os.Stderr)
			fmt.Println(path)
			done <- 0
		},
		Fail: func(message string) {
			fmt.Fprintln(os.Stderr, message)
			done <- 1
		},
	})
	return done, nil
}
