// Package runner wires the crawler, partitioner, worker pool and
// monitor into the single pipeline described by the system overview:
// entries flow from the crawler through a streaming fold into sealed
// buckets, buckets flow through a bounded channel into the worker
// pool, and every component's lifecycle events converge on the
// monitor, the run's single source of truth for outcome and exit code.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/go-prsync/prsync/internal/bucket"
	"github.com/go-prsync/prsync/internal/crawl"
	"github.com/go-prsync/prsync/internal/event"
	"github.com/go-prsync/prsync/internal/monitor"
	"github.com/go-prsync/prsync/internal/pool"
)

// Exit codes, per the external interface's exit code table.
const (
	ExitOK           = 0
	ExitFailed       = 1
	ExitConfig       = 2
	ExitCancelled    = 130
	ExitInternal     = 3
)

// Config is the immutable configuration for one run.
type Config struct {
	Sources     []string
	Destination string

	NumWorkers   int
	EntriesLimit int64
	BytesLimit   int64

	RsyncPath string
	// ExtraArgsRaw is the raw --rsync-options string, validated against
	// deniedRsyncFlags before the pipeline starts; ExtraArgs is its
	// strings.Fields split, used to build each bucket's argv.
	ExtraArgsRaw string
	ExtraArgs    []string
	KeepGoing    bool
	NullSep     bool
	StderrLines int
	GracePeriod time.Duration

	Progress bool
	Quiet    bool
	Out      io.Writer
	ErrOut   io.Writer

	// EventSink, if set, observes every event before the monitor does —
	// used by the CLI layer to tee a structured log of the run without
	// giving the monitor a second responsibility.
	EventSink func(event.Event)

	// Escalate, if set, is closed (or sent to) by the CLI layer's
	// signal handler when a second interrupt arrives during an
	// already-cancelling run, forcing every running child to SIGKILL
	// immediately instead of waiting out the grace period.
	Escalate <-chan struct{}
}

// Result is what Run returns once the pipeline has fully drained.
type Result struct {
	ExitCode int
	Snapshot monitor.Snapshot
	Err      error // set only for a *config* class failure (ExitConfig)
}

// defaultStderrLines matches the design note capping captured stderr
// at 64 lines per bucket.
const defaultStderrLines = 64

// Run validates cfg, then drives the crawl -> partition -> worker pool
// -> monitor pipeline to completion. ctx cancellation (e.g. from a
// signal handler) triggers cooperative shutdown at every checkpoint
// the crawler, partitioner and worker pool each observe.
func Run(ctx context.Context, cfg Config) Result {
	if err := validate(cfg); err != nil {
		return Result{ExitCode: ExitConfig, Err: err}
	}
	if err := pool.CheckExtraArgs(cfg.ExtraArgsRaw); err != nil {
		return Result{ExitCode: ExitConfig, Err: err}
	}
	if len(cfg.ExtraArgs) == 0 {
		cfg.ExtraArgs = strings.Fields(cfg.ExtraArgsRaw)
	}

	if cfg.NumWorkers < 1 {
		cfg.NumWorkers = runtime.NumCPU()
	}
	if cfg.EntriesLimit < 1 {
		cfg.EntriesLimit = 1000
	}
	if cfg.BytesLimit < 1 {
		cfg.BytesLimit = 1 << 30
	}
	if cfg.StderrLines == 0 {
		cfg.StderrLines = defaultStderrLines
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan bucket.Entry, cfg.NumWorkers)
	buckets := make(chan *bucket.Bucket, cfg.NumWorkers)

	// producerEvents is where the crawler/fold/pool publish; events is
	// what the monitor consumes. When EventSink is set, a relay
	// goroutine sits between the two: it hands each event to the sink
	// and then forwards it, in order, to the monitor.
	producerEvents := make(chan event.Event, cfg.NumWorkers*4)
	events := (chan event.Event)(producerEvents)
	if cfg.EventSink != nil {
		events = make(chan event.Event, cfg.NumWorkers*4)
		go func() {
			for ev := range producerEvents {
				cfg.EventSink(ev)
				events <- ev
			}
			close(events)
		}()
	}

	out, errOut := cfg.Out, cfg.ErrOut
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}

	mon := monitor.New(monitor.Config{
		Out:       out,
		ErrOut:    errOut,
		Quiet:     cfg.Quiet || !cfg.Progress,
		KeepGoing: cfg.KeepGoing,
		Cancel:    cancel,
	})

	wp := pool.New(pool.Config{
		NumWorkers:  cfg.NumWorkers,
		RsyncPath:   cfg.RsyncPath,
		BaseArgs:    pool.DefaultBaseArgs,
		ExtraArgs:   cfg.ExtraArgs,
		DestRoot:    cfg.Destination,
		NullSep:     cfg.NullSep,
		StderrLines: cfg.StderrLines,
		GracePeriod: cfg.GracePeriod,
	})

	crawler := crawl.New(crawl.Config{Sources: cfg.Sources})

	crawlDone := make(chan error, 1)
	go func() { crawlDone <- crawler.Run(runCtx, entries, producerEvents) }()

	foldDone := make(chan struct{})
	go func() {
		defer close(foldDone)
		fold(runCtx, cfg, entries, buckets, producerEvents)
	}()

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		wp.Run(runCtx, buckets, nil, producerEvents)
	}()

	// A background goroutine watches for cancellation and actively
	// tears down any rsync children already running, independent of
	// the monitor, which only observes events and never touches the
	// pool directly.
	cancelWatchDone := make(chan struct{})
	go func() {
		defer close(cancelWatchDone)
		<-runCtx.Done()
		if cfg.Escalate != nil {
			go func() {
				select {
				case <-cfg.Escalate:
					wp.Escalate()
				case <-cancelWatchDone:
				}
			}()
		}
		wp.Cancel()
	}()

	// The crawler also publishes on producerEvents (warnings and
	// CrawlComplete), so it must have returned before the channel closes.
	var crawlErr error
	closeEvents := make(chan struct{})
	go func() {
		crawlErr = <-crawlDone
		<-foldDone
		<-poolDone
		close(producerEvents)
		close(closeEvents)
	}()

	snap := mon.Run(runCtx, events)

	<-closeEvents
	// Release the cancellation watcher when nothing cancelled the run.
	cancel()
	<-cancelWatchDone

	if crawlErr != nil {
		return Result{ExitCode: ExitConfig, Err: crawlErr, Snapshot: snap}
	}

	return Result{ExitCode: exitCode(ctx, mon, snap), Snapshot: snap}
}

// fold reads Entries in crawl order and folds them into sealed Buckets
// via the Partitioner, publishing a BucketEnqueued event and forwarding
// each sealed bucket downstream as it closes. It stops early, without
// error, if ctx is cancelled (the back-pressure point the partitioner
// observes per the concurrency model).
func fold(ctx context.Context, cfg Config, entries <-chan bucket.Entry, buckets chan<- *bucket.Bucket, events chan<- event.Event) {
	defer close(buckets)

	p := bucket.NewPartitioner(bucket.Limits{Entries: cfg.EntriesLimit, Bytes: cfg.BytesLimit})

	emit := func(b *bucket.Bucket) bool {
		events <- event.Event{Type: event.BucketEnqueued, BucketID: b.ID, Entries: int64(len(b.Entries)), Bytes: b.Bytes}
		select {
		case buckets <- b:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case e, ok := <-entries:
			if !ok {
				if b := p.Flush(); b != nil {
					emit(b)
				}
				return
			}
			if b := p.Add(e); b != nil {
				if !emit(b) {
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func validate(cfg Config) error {
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	if cfg.Destination == "" {
		return fmt.Errorf("a destination is required")
	}
	for _, s := range cfg.Sources {
		if err := rejectRemote(s); err != nil {
			return err
		}
		if _, err := os.Stat(s); err != nil {
			return fmt.Errorf("source %s: %w", s, err)
		}
	}
	if err := rejectRemote(cfg.Destination); err != nil {
		return err
	}
	return nil
}

// rejectRemote rejects any path that looks like rsync's own
// host[:]path remote syntax: a colon before the first path separator,
// excluding a single-letter Windows drive ("C:\..."), which is a local
// path on that platform.
func rejectRemote(path string) error {
	colon := strings.IndexByte(path, ':')
	if colon < 0 {
		return nil
	}
	sep := strings.IndexAny(path, `/\`)
	if sep >= 0 && colon > sep {
		return nil
	}
	if colon == 1 && len(path) > 1 && isDriveLetter(path[0]) {
		return nil
	}
	return fmt.Errorf("remote paths are not supported: %s", path)
}

func isDriveLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func exitCode(ctx context.Context, mon *monitor.Monitor, snap monitor.Snapshot) int {
	if ctx.Err() != nil {
		return ExitCancelled
	}
	if ff := mon.FirstFailure(); ff != nil {
		if ff.ExitStatus != 0 {
			return ff.ExitStatus
		}
		return ExitFailed
	}
	if snap.BucketsCancelled > 0 {
		return ExitCancelled
	}
	if snap.BucketsFailed > 0 {
		return ExitFailed
	}
	return ExitOK
}
