// Package monitor is the single consumer of the event stream produced
// by the crawler and worker pool: it aggregates run-wide counters,
// prints a one-line, periodically-redrawn progress display and
// per-bucket warnings/failures, and produces the final summary used to
// compute the process exit code.
//
// The counter/Snapshot shape is grounded on a stats collector that
// workers increment via atomics and a single presenter polls; the
// progress line itself is grounded on a plain-text presenter that
// prints one summary line on a timer instead of redrawing a
// full-screen display. The 250ms redraw floor is enforced with
// golang.org/x/time/rate, repurposed from a bandwidth limiter (this
// package never reads or writes payload bytes — rsync does — so the
// original "throttle an io.Reader/io.Writer" use has no home here, but
// the library's WaitN/Allow semantics fit a purely time-based redraw
// throttle just as well).
package monitor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-prsync/prsync/internal/event"
	"golang.org/x/time/rate"
)

// Config controls monitor behavior.
type Config struct {
	Out      io.Writer // progress line + final summary
	ErrOut   io.Writer // warnings and failures
	Quiet    bool      // suppress the progress line entirely
	Interval time.Duration

	// KeepGoing mirrors the run's keep-going setting. When false, the
	// monitor calls Cancel (at most once) the first time it observes a
	// failed bucket, converting it into a run-level cancellation.
	KeepGoing bool
	Cancel    context.CancelFunc
}

// Monitor consumes an event.Event stream to completion.
type Monitor struct {
	cfg          Config
	collector    *Collector
	limiter      *rate.Limiter
	isTTY        bool
	cancelled    bool
	firstFailure *event.Event
}

// New creates a Monitor. A zero Config.Interval defaults to 250ms, the
// progress-line redraw floor.
func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	return &Monitor{
		cfg:       cfg,
		collector: NewCollector(),
		limiter:   rate.NewLimiter(rate.Every(cfg.Interval), 1),
		isTTY:     cfg.Out != nil && isTerminal(cfg.Out),
	}
}

// Collector exposes the monitor's counters, mainly for tests and for
// the runner to compute a final exit code once Run returns.
func (m *Monitor) Collector() *Collector { return m.collector }

// FirstFailure returns the BucketFinishedFailed event that triggered
// cancellation — either the first failure under KeepGoing=false, or
// any spawn failure regardless of KeepGoing — or nil if neither
// occurred. The runner uses its ExitStatus to compute the
// rsync-derived exit code the design notes call for.
func (m *Monitor) FirstFailure() *event.Event { return m.firstFailure }

// Run drains events until the channel is closed, updating counters and
// printing as it goes. It returns the final Snapshot.
func (m *Monitor) Run(ctx context.Context, events <-chan event.Event) Snapshot {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	// speedTicker samples the throughput ring once per second,
	// independent of the (usually sub-second) redraw floor, matching
	// the teacher's Collector.Tick cadence.
	speedTicker := time.NewTicker(time.Second)
	defer speedTicker.Stop()

	// done is nilled out after it first fires so the select below stops
	// selecting an always-ready closed channel; the pool and crawler
	// still need to publish their in-flight results even after
	// cancellation so the counters stay accurate for the final summary,
	// and only events being closed ends the loop.
	done := ctx.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				m.printFinal()
				return m.collector.Snapshot()
			}
			m.handle(ev)
		case <-ticker.C:
			m.maybePrintProgress()
		case <-speedTicker.C:
			m.collector.Tick()
		case <-done:
			done = nil
		}
	}
}

func (m *Monitor) handle(ev event.Event) {
	switch ev.Type {
	case event.CrawlWarning:
		m.collector.AddCrawlWarning()
		if m.cfg.ErrOut != nil {
			fmt.Fprintf(m.cfg.ErrOut, "warning: %s: %v\n", ev.Path, ev.Err)
		}
	case event.CrawlComplete:
		m.collector.AddCrawled(ev.Entries, ev.Bytes)
		m.collector.SetCrawlDone()
	case event.BucketEnqueued:
		m.collector.AddBucketEnqueued(ev.Bytes)
	case event.BucketStarted:
		// No counter change; only recorded by the --log event tee upstream.
	case event.BucketFinishedOK:
		m.collector.AddBucketOK(ev.Bytes)
	case event.BucketFinishedPartial:
		m.collector.AddBucketPartial(ev.Bytes)
		m.printBucketTrouble(ev, "partial")
	case event.BucketFinishedFailed:
		m.collector.AddBucketFailed()
		m.printBucketTrouble(ev, "failed")
		// A spawn failure (rsync missing/not executable) means every
		// other bucket will fail the same way; abort immediately even
		// under keep-going, since this is misconfiguration, not a
		// per-bucket transfer failure.
		if (ev.SpawnFailure || !m.cfg.KeepGoing) && !m.cancelled {
			m.cancelled = true
			evCopy := ev
			m.firstFailure = &evCopy
			if m.cfg.Cancel != nil {
				m.cfg.Cancel()
			}
		}
	case event.BucketCancelled:
		m.collector.AddBucketCancelled()
	}
}

func (m *Monitor) printBucketTrouble(ev event.Event, label string) {
	if m.cfg.ErrOut == nil {
		return
	}
	fmt.Fprintf(m.cfg.ErrOut, "bucket %d %s (exit %d)\n", ev.BucketID, label, ev.ExitStatus)
	for _, line := range ev.StderrTail {
		fmt.Fprintf(m.cfg.ErrOut, "  | %s\n", line)
	}
}

func (m *Monitor) maybePrintProgress() {
	if m.cfg.Quiet || m.cfg.Out == nil || !m.isTTY {
		return
	}
	if !m.limiter.Allow() {
		return
	}
	m.printProgress()
}

func (m *Monitor) printProgress() {
	snap := m.collector.Snapshot()
	speed := m.collector.RollingSpeed(5)
	if snap.BucketsTotal > 0 {
		fmt.Fprintf(m.cfg.Out, "\rbuckets %d/%d  %s/%s  %s/s  %s",
			snap.BucketsSettled(), snap.BucketsTotal,
			FormatBytes(snap.BytesDone), FormatBytes(snap.BytesAttempted),
			FormatBytes(int64(speed)),
			FormatDuration(snap.Elapsed),
		)
		if snap.CrawlDone {
			fmt.Fprintf(m.cfg.Out, "  eta %s", FormatDuration(m.collector.ETA()))
		}
	} else {
		fmt.Fprintf(m.cfg.Out, "\rcrawling...  %s entries  %s/s  %s",
			formatCount(snap.EntriesCrawled), FormatBytes(int64(speed)), FormatDuration(snap.Elapsed),
		)
	}
}

func (m *Monitor) printFinal() {
	if m.cfg.Out == nil {
		return
	}
	if !m.cfg.Quiet {
		fmt.Fprint(m.cfg.Out, "\n")
	}
	snap := m.collector.Snapshot()
	fmt.Fprintf(m.cfg.Out, "done: %d buckets (%d ok, %d partial, %d failed, %d cancelled), %s copied, %d warnings, %s elapsed\n",
		snap.BucketsTotal, snap.BucketsOK, snap.BucketsPartial, snap.BucketsFailed, snap.BucketsCancelled,
		FormatBytes(snap.BytesDone), snap.CrawlWarnings, FormatDuration(snap.Elapsed),
	)
}

func formatCount(n int64) string {
	return fmt.Sprintf("%d", n)
}
