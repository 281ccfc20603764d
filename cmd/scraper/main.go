package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/m-lab/scraper/internal/blob"
	"github.com/m-lab/scraper/internal/endpoint"
	"github.com/m-lab/scraper/internal/journal"
	"github.com/m-lab/scraper/internal/rsync"
	"github.com/m-lab/scraper/internal/scraper"
	"github.com/m-lab/scraper/internal/status"
	"github.com/m-lab/scraper/internal/tarpack"
	"github.com/m-lab/scraper/internal/utils"
	"github.com/m-lab/scraper/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "scraper",
	Short:   "Mirror one rsync endpoint and archive its files to the object store",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		viper.SetEnvPrefix("SCRAPER")
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		viper.AutomaticEnv()
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		cleanup, err := setupLogging()
		if err != nil {
			return err
		}
		cobra.OnFinalize(cleanup)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return run(cmd.Context())
	},
}

func init() {
	f := rootCmd.Flags()
	f.SortFlags = false

	f.String("rsync-host", "", "rsync endpoint hostname (mlabN.siteNN.measurement-lab.org)")
	f.String("rsync-module", "", "rsync module to mirror (the experiment name)")
	f.Int("rsync-port", endpoint.DefaultRsyncPort, "rsync endpoint port")
	f.String("data-dir", "", "local buffer directory for downloaded files")
	f.String("bucket", "", "object store bucket for finished archives")
	f.String("namespace", "scraper", "key namespace for the sync records")
	f.Int("metrics-port", 9090, "port for the Prometheus /metrics listener")
	f.Duration("expected-wait-time", 30*time.Minute, "mean inter-cycle sleep")
	f.Int64("max-uncompressed-size", 100_000_000, "target uncompressed bytes per archive")
	f.Duration("data-wait-time", time.Hour, "minimum file age for the early-upload path")
	f.Int64("data-buffer-threshold", 100_000_000, "aged bytes that trigger an early upload")
	f.String("tarfile-dir", os.TempDir(), "scratch directory for archives under construction")
	f.String("lockfile-dir", os.TempDir(), "directory for the per-endpoint lockfile")
	f.String("journal-path", "", "sqlite upload journal path (default <lockfile-dir>/<host>_<module>.db)")
	f.String("log-file", "", "also write logs to this file")
	f.String("rsync-binary", "/usr/bin/rsync", "rsync executable")
	f.String("tar-binary", "/bin/tar", "tar executable")
	f.Int("num-runs", 0, "stop after this many cycles (0 = run until signalled)")
	f.String("s3-endpoint", "", "object store endpoint URL (empty for AWS)")
	f.String("s3-region", "us-east-1", "object store region")
	f.String("s3-access-key", "", "static access key (empty for the ambient chain)")
	f.String("s3-secret-key", "", "static secret key")
}

func run(ctx context.Context) error {
	ep, err := endpoint.New(
		viper.GetString("rsync-host"),
		viper.GetInt("rsync-port"),
		viper.GetString("rsync-module"),
	)
	if err != nil {
		return err
	}

	dataDir, err := utils.ResolvePath(viper.GetString("data-dir"))
	if err != nil {
		return fmt.Errorf("data-dir: %w", err)
	}
	if err := utils.EnsureDir(dataDir); err != nil {
		return fmt.Errorf("data-dir: %w", err)
	}
	if viper.GetString("bucket") == "" {
		return errors.New("bucket is required")
	}

	// One worker per endpoint. A second instance pointed at the same buffer
	// directory would corrupt the high-water bookkeeping.
	lockName := fmt.Sprintf("%s_%s.lock", ep.Host, ep.Module)
	lock := flock.New(filepath.Join(viper.GetString("lockfile-dir"), lockName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lockfile: %w", err)
	}
	if !locked {
		return fmt.Errorf("another scraper holds %s", lock.Path())
	}
	defer lock.Unlock()

	store, err := blob.NewClient(ctx, &blob.Config{
		Bucket:    viper.GetString("bucket"),
		Region:    viper.GetString("s3-region"),
		Endpoint:  viper.GetString("s3-endpoint"),
		AccessKey: viper.GetString("s3-access-key"),
		SecretKey: viper.GetString("s3-secret-key"),
		ResumeDir: viper.GetString("tarfile-dir"),
	})
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}

	journalPath := viper.GetString("journal-path")
	if journalPath == "" {
		journalPath = filepath.Join(viper.GetString("lockfile-dir"),
			fmt.Sprintf("%s_%s.db", ep.Host, ep.Module))
	}
	jnl, err := journal.Open(journalPath)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	defer jnl.Close()

	metricsAddr := fmt.Sprintf(":%d", viper.GetInt("metrics-port"))
	go serveMetrics(ctx, metricsAddr)

	s, err := scraper.New(scraper.Config{
		Endpoint:            ep,
		DataDir:             dataDir,
		ExpectedWaitTime:    viper.GetDuration("expected-wait-time"),
		DataWaitTime:        viper.GetDuration("data-wait-time"),
		DataBufferThreshold: viper.GetInt64("data-buffer-threshold"),
		NumRuns:             viper.GetInt("num-runs"),
	}, scraper.Deps{
		Lister:     rsync.NewLister(viper.GetString("rsync-binary")),
		Downloader: rsync.NewDownloader(viper.GetString("rsync-binary")),
		Packer: tarpack.New(
			viper.GetString("tar-binary"),
			viper.GetString("tarfile-dir"),
			viper.GetInt64("max-uncompressed-size"),
		),
		Uploader: blob.NewUploader(store),
		Status:   status.NewStore(status.NewS3KV(store), viper.GetString("namespace"), ep.URL()),
		Journal:  jnl,
	})
	if err != nil {
		return err
	}

	slog.Info("scraper starting",
		"version", version.Short(), "endpoint", ep, "bucket", viper.GetString("bucket"))
	if err := s.Run(ctx); errors.Is(err, context.Canceled) {
		slog.Info("shutting down on signal")
		return nil
	} else if err != nil {
		return err
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server failed", "error", err)
	}
}

func setupLogging() (func(), error) {
	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})

	logFile := viper.GetString("log-file")
	if logFile == "" {
		slog.SetDefault(slog.New(stdoutHandler))
		return func() {}, nil
	}

	if err := utils.EnsureParent(logFile); err != nil {
		return nil, fmt.Errorf("log dir: %w", err)
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("log file: %w", err)
	}
	interceptor := utils.NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(interceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// The interceptor stamps each line; drop slog's own time attr.
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))
	return func() {
		interceptor.Close()
		file.Close()
	}, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
