package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/vidvault/app/cleanup"
	"github.com/umputun/vidvault/app/conditions"
	"github.com/umputun/vidvault/app/downloader"
	"github.com/umputun/vidvault/app/history"
	"github.com/umputun/vidvault/app/notify"
	"github.com/umputun/vidvault/app/service"
	"github.com/umputun/vidvault/app/store"
)

var opts struct {
	DataDir     string   `long:"data" env:"VIDVAULT_DATA" default:"./data" description:"data directory for job records"`
	DownloadDir string   `long:"downloads" env:"VIDVAULT_DOWNLOADS" default:"./downloads" description:"root directory for downloaded media"`
	URLs        []string `short:"u" long:"url" description:"url(s) to download on start"`
	OutputDir   string   `short:"o" long:"output" description:"override media directory for --url downloads"`
	Executors   string   `long:"executors" env:"VIDVAULT_EXECUTORS" description:"yaml file with downloader rules"`
	Concurrency int      `long:"concurrency" env:"VIDVAULT_CONCURRENCY" default:"2" description:"max concurrent downloads"`
	Dbg         bool     `long:"dbg" env:"VIDVAULT_DEBUG" description:"debug mode"`

	Cleanup struct {
		Enabled       bool          `long:"enabled" env:"ENABLED" description:"enable scheduled cleanup"`
		Schedule      string        `long:"schedule" env:"SCHEDULE" default:"0 */6 * * *" description:"cron expression for cleanup runs"`
		RetentionDays float64       `long:"retention" env:"RETENTION" default:"7" description:"max age in days, fractional allowed"`
		Once          bool          `long:"once" description:"run a single cleanup pass and exit"`
		DiskFreeBelow int           `long:"disk-free-below" env:"DISK_FREE_BELOW" description:"force cleanup when free disk %% drops below, 0 disables"`
		CheckEvery    time.Duration `long:"check-every" env:"CHECK_EVERY" default:"5m" description:"disk pressure check interval"`
	} `group:"cleanup" namespace:"cleanup" env-namespace:"VIDVAULT_CLEANUP"`

	History struct {
		Enabled bool   `long:"enabled" env:"ENABLED" description:"record downloads and cleanup runs"`
		DB      string `long:"db" env:"DB" default:"./data/history.db" description:"sqlite database location"`
	} `group:"history" namespace:"history" env-namespace:"VIDVAULT_HISTORY"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"2" description:"how many times repeat failed deletion"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"100ms" description:"delay between deletion attempts"`
	} `group:"repeater" namespace:"repeater" env-namespace:"VIDVAULT_REPEATER"`

	Notify struct {
		EnabledError bool          `long:"enabled-error" env:"ENABLED_ERROR" description:"enable email notifications on errors"`
		SMTPHost     string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort     int           `long:"smtp-port" env:"SMTP_PORT" description:"SMTP port"`
		SMTPUsername string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS      bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		SMTPTimeOut  time.Duration `long:"smtp-timeout" env:"SMTP_TIMEOUT" default:"10s" description:"SMTP TCP connection timeout"`
		FromEmail    string        `long:"from" env:"FROM" description:"SMTP from email"`
		ToEmails     []string      `long:"to" env:"TO" description:"SMTP to email(s)" env-delim:","`
		HostName     string        `long:"host" env:"HOSTNAME" description:"host name running vidvault"`
	} `group:"notify" namespace:"notify" env-namespace:"VIDVAULT_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"vidvault.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max size of log file in MB"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated files in days"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"gzip rotated files"`
	} `group:"log" namespace:"log" env-namespace:"VIDVAULT_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("vidvault %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}

	logOpts := []log.Option{log.Out(setupLogs()), log.Msec}
	if opts.Dbg {
		logOpts = append(logOpts, log.Debug, log.CallerFunc, log.CallerPkg, log.CallerFile)
	}
	log.Setup(logOpts...)

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	fileStore, err := store.NewFileStore(filepath.Join(opts.DataDir, "jobs"))
	if err != nil {
		return fmt.Errorf("can't make job store: %w", err)
	}
	index := store.NewURLIndex(filepath.Join(opts.DataDir, "url_index.json"))

	registry := downloader.NewRegistry()
	if opts.Executors != "" {
		if err := registry.LoadRules(opts.Executors); err != nil {
			return fmt.Errorf("can't load executor rules: %w", err)
		}
	}

	dl := &downloader.Downloader{Store: fileStore, Index: index, Registry: registry, DownloadDir: opts.DownloadDir}

	rptr := repeater.New(&strategy.FixedDelay{Repeats: opts.Repeater.Attempts, Delay: opts.Repeater.Duration})
	cleaner := &cleanup.Runner{Store: fileStore, Index: index,
		Deleter: cleanup.NewDeleter(rptr), DownloadRoot: opts.DownloadDir}

	var hist service.History
	if opts.History.Enabled {
		h, err := history.NewStore(opts.History.DB)
		if err != nil {
			return fmt.Errorf("can't open history: %w", err)
		}
		defer h.Close()
		hist = h
	}

	if opts.Cleanup.Once {
		return cleanupOnce(ctx, cleaner)
	}

	scheduler := service.Scheduler{
		Cron:            cron.New(),
		Downloader:      dl,
		Cleaner:         cleaner,
		Store:           fileStore,
		DeDup:           service.NewDeDup(),
		Notifier:        makeNotifier(),
		History:         hist,
		HostName:        makeHostName(),
		CleanupEnabled:  opts.Cleanup.Enabled,
		CleanupSchedule: opts.Cleanup.Schedule,
		RetentionDays:   opts.Cleanup.RetentionDays,
		Pressure: conditions.Config{
			DiskFreeBelow: opts.Cleanup.DiskFreeBelow,
			Path:          opts.DownloadDir,
		},
		PressureCheckEvery: opts.Cleanup.CheckEvery,
		Concurrency:        opts.Concurrency,
	}

	for _, u := range opts.URLs {
		res := scheduler.CreateDownload(u, opts.OutputDir)
		log.Printf("[INFO] submitted %s as job %s", u, res.JobID)
	}

	scheduler.Do(ctx)
	return nil
}

// cleanupOnce runs a single eviction pass and prints the summary as json
func cleanupOnce(ctx context.Context, cleaner *cleanup.Runner) error {
	res := cleaner.Run(ctx, opts.Cleanup.RetentionDays)
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("can't render cleanup summary: %w", err)
	}
	fmt.Println(string(out))
	if len(res.Errors) > 0 {
		return fmt.Errorf("cleanup completed with %d errors", len(res.Errors))
	}
	return nil
}

func makeNotifier() *notify.Service {
	if !opts.Notify.EnabledError {
		return nil
	}
	if opts.Notify.FromEmail == "" {
		opts.Notify.FromEmail = "vidvault@" + makeHostName()
	}
	return notify.NewService(notify.Params{
		EnabledError: opts.Notify.EnabledError,
		FromEmail:    opts.Notify.FromEmail,
		ToEmails:     opts.Notify.ToEmails,
		Host:         opts.Notify.SMTPHost,
		Port:         opts.Notify.SMTPPort,
		TLS:          opts.Notify.SMTPTLS,
		Username:     opts.Notify.SMTPUsername,
		Password:     opts.Notify.SMTPPassword,
		TimeOut:      opts.Notify.SMTPTimeOut,
	})
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   opts.Log.Filename,
		MaxSize:    opts.Log.MaxSize,
		MaxBackups: opts.Log.MaxBackups,
		MaxAge:     opts.Log.MaxAge,
		Compress:   opts.Log.EnabledCompress,
	}
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM)
}
