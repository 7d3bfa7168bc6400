package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/go-prsync/prsync/internal/config"
	"github.com/go-prsync/prsync/internal/event"
	"github.com/go-prsync/prsync/internal/pool"
	"github.com/go-prsync/prsync/internal/runner"
)

var version = "dev"

func main() {
	os.Exit(run())
}

//nolint:gocyclo,revive // cyclomatic,cognitive-complexity: main CLI entry point orchestrates all flag parsing and wiring
func run() int {
	var (
		processes    int
		files        int64
		sizeStr      string
		progress     bool
		rsyncPath    string
		rsyncOptsStr string
		keepGoing    bool
		selftest     bool
		bench        bool
		bwlimitStr   string
		logFile      string
		configFile   string
		quiet        bool
		showVersion  bool
	)

	rootCmd := &cobra.Command{
		Use:   "prsync [flags] <source>... <destination>",
		Short: "Parallel rsync orchestrator for fast local directory replication",
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion || selftest || bench {
				return nil
			}
			return cobra.MinimumNArgs(2)(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "prsync %s\n", version)
				return nil
			}
			if selftest {
				fmt.Fprintln(os.Stderr, "--selftest is an external harness; run the test suite instead")
				return nil
			}
			if bench {
				fmt.Fprintln(os.Stderr, "--bench is an external harness; not built into the core")
				return nil
			}

			sources := args[:len(args)-1]
			dst := args[len(args)-1]

			cfgFile, err := config.Load(configFile)
			if err != nil {
				slog.Warn("failed to load config file", "error", err)
			}
			applyConfigDefaults(cmd, cfgFile.Defaults, &processes, &files, &sizeStr, &keepGoing, &rsyncPath)

			var bytesLimit int64 = 1 << 30
			if sizeStr != "" {
				bytesLimit, err = pool.ParseSize(sizeStr)
				if err != nil {
					return fmt.Errorf("invalid --size: %w", err)
				}
			}

			if !cmd.Flags().Changed("bwlimit") && cfgFile.Defaults.BWLimit != nil {
				bwlimitStr = *cfgFile.Defaults.BWLimit
			}
			var extraArgsRaw string
			if !cmd.Flags().Changed("rsync-options") && cfgFile.Defaults.RsyncOpts != nil {
				rsyncOptsStr = *cfgFile.Defaults.RsyncOpts
			}
			extraArgsRaw = rsyncOptsStr
			if bwlimitStr != "" {
				n, bwErr := pool.ParseSize(bwlimitStr)
				if bwErr != nil {
					return fmt.Errorf("invalid --bwlimit: %w", bwErr)
				}
				if extraArgsRaw != "" {
					extraArgsRaw += " "
				}
				extraArgsRaw += fmt.Sprintf("--bwlimit=%d", n)
			}

			if !cmd.Flags().Changed("log") && cfgFile.Defaults.LogFile != nil {
				logFile = *cfgFile.Defaults.LogFile
			}

			logLevel := slog.LevelWarn
			if !quiet {
				logLevel = slog.LevelInfo
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

			if processes <= 0 {
				processes = runtime.NumCPU()
			}
			if files <= 0 {
				files = 1000
			}

			rsyncExe := rsyncPath
			if rsyncExe == "" {
				rsyncExe = os.Getenv("RSYNC")
			}

			runID := uuid.NewString()

			var sink func(event.Event)
			var logCloser func()
			if logFile != "" {
				lf, lfErr := os.Create(logFile)
				if lfErr != nil {
					return fmt.Errorf("open log file: %w", lfErr)
				}
				logger := slog.New(slog.NewJSONHandler(lf, &slog.HandlerOptions{Level: slog.LevelDebug}))
				sink = func(ev event.Event) {
					attrs := []slog.Attr{
						slog.String("run_id", runID),
						slog.String("type", ev.Type.String()),
						slog.Int("bucket_id", ev.BucketID),
						slog.Int("worker_id", ev.WorkerID),
						slog.String("path", ev.Path),
						slog.Int64("entries", ev.Entries),
						slog.Int64("bytes", ev.Bytes),
						slog.Int("exit_status", ev.ExitStatus),
					}
					if ev.Err != nil {
						attrs = append(attrs, slog.String("error", ev.Err.Error()))
					}
					logger.LogAttrs(context.Background(), slog.LevelInfo, "prsync.event", attrs...)
				}
				logCloser = func() { lf.Close() }
			}

			ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stopSignals()

			escalateSig := make(chan os.Signal, 1)
			signal.Notify(escalateSig, syscall.SIGINT)
			defer signal.Stop(escalateSig)
			escalate := make(chan struct{})
			watchDone := make(chan struct{})
			defer close(watchDone)
			go func() {
				select {
				case <-ctx.Done():
				case <-watchDone:
					return
				}
				fmt.Fprintln(os.Stderr, "cancelling...")
				// A SIGINT that cancelled ctx was also delivered to
				// escalateSig; discard it so only a further one escalates.
				select {
				case <-escalateSig:
				default:
				}
				select {
				case <-escalateSig:
					fmt.Fprintln(os.Stderr, "second interrupt received, killing children")
					close(escalate)
				case <-time.After(2 * time.Second):
				case <-watchDone:
				}
			}()

			slog.Debug("starting run",
				"run_id", runID,
				"sources", sources,
				"destination", dst,
				"processes", processes,
			)

			result := runner.Run(ctx, runner.Config{
				Sources:      sources,
				Destination:  dst,
				NumWorkers:   processes,
				EntriesLimit: files,
				BytesLimit:   bytesLimit,
				RsyncPath:    rsyncExe,
				ExtraArgsRaw: extraArgsRaw,
				KeepGoing:    keepGoing,
				Progress:     progress,
				Quiet:        quiet,
				Out:          os.Stdout,
				ErrOut:       os.Stderr,
				EventSink:    sink,
				Escalate:     escalate,
			})
			stopSignals()
			if logCloser != nil {
				logCloser()
			}

			if result.Err != nil {
				return &exitError{code: result.ExitCode, msg: result.Err.Error()}
			}
			if result.ExitCode != runner.ExitOK {
				return &exitError{code: result.ExitCode}
			}
			return nil
		},
	}

	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")
	rootCmd.Flags().IntVarP(&processes, "processes", "p", 0, "worker parallelism (default: NumCPU)")
	rootCmd.Flags().Int64VarP(&files, "files", "f", 0, "max entries per bucket (default 1000)")
	rootCmd.Flags().StringVarP(&sizeStr, "size", "s", "", "max aggregate bytes per bucket, e.g. 1G (default 1G)")
	rootCmd.Flags().BoolVarP(&progress, "progress", "P", false, "enable the progress line")
	rootCmd.Flags().StringVarP(&rsyncPath, "rsync", "r", "", "path to rsync executable (default: $RSYNC or \"rsync\")")
	rootCmd.Flags().StringVar(&rsyncOptsStr, "rsync-options", "", "extra arguments appended verbatim to every rsync child")
	rootCmd.Flags().BoolVarP(&keepGoing, "keep-going", "k", false, "continue after the first failed bucket")
	rootCmd.Flags().BoolVar(&selftest, "selftest", false, "run the test harness (external collaborator, out of core)")
	rootCmd.Flags().BoolVar(&bench, "bench", false, "run the benchmark harness (external collaborator, out of core)")
	rootCmd.Flags().StringVar(&bwlimitStr, "bwlimit", "", "bandwidth limit per child, e.g. 10M")
	rootCmd.Flags().StringVar(&logFile, "log", "", "tee structured JSON lifecycle records to FILE")
	rootCmd.Flags().StringVar(&configFile, "config", "", "path to the optional TOML defaults file")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress the progress line and info-level log messages")

	if err := rootCmd.Execute(); err != nil {
		if exitErr, ok := err.(*exitError); ok {
			if exitErr.msg != "" {
				fmt.Fprintf(os.Stderr, "Error: %s\n", exitErr.msg)
			}
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return runner.ExitConfig
	}

	return 0
}

// applyConfigDefaults applies config file defaults for flags not
// explicitly set on the CLI.
func applyConfigDefaults(
	cmd *cobra.Command,
	defaults config.DefaultsConfig,
	processes *int,
	files *int64,
	size *string,
	keepGoing *bool,
	rsyncPath *string,
) {
	if !cmd.Flags().Changed("processes") && defaults.Processes != nil {
		*processes = *defaults.Processes
	}
	if !cmd.Flags().Changed("files") && defaults.Files != nil {
		*files = *defaults.Files
	}
	if !cmd.Flags().Changed("size") && defaults.Size != nil {
		*size = *defaults.Size
	}
	if !cmd.Flags().Changed("keep-going") && defaults.KeepGoing != nil {
		*keepGoing = *defaults.KeepGoing
	}
	if !cmd.Flags().Changed("rsync") && defaults.RsyncPath != nil {
		*rsyncPath = *defaults.RsyncPath
	}
}

type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return fmt.Sprintf("exit code %d", e.code)
}
