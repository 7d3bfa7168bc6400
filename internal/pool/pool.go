// Package pool implements the bounded worker pool that turns sealed
// buckets into rsync child processes.
//
// The pool shape — a fixed number of long-lived goroutines draining a
// single buckets channel, each one processing whatever it dequeues to
// completion before asking for the next, same wg.Add(N) /
// goroutine-per-worker / wg.Wait() shape and "check cancellation before
// taking on new work" discipline as a direct-copy worker pool — is
// rewritten end to end in what each worker does with a dequeued unit:
// instead of performing the copy itself (open/read/write/fsync), this
// one spawns exactly one rsync child per bucket via os/exec, streams
// the bucket's relative paths to its stdin, and turns the child's exit
// status into a bucket.Result.
package pool

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-prsync/prsync/internal/bucket"
	"github.com/go-prsync/prsync/internal/event"
	"golang.org/x/sys/unix"
)

// exitPartial/exitPartialXfer are rsync's own exit statuses for "some
// files or attributes were not transferred" — not a general failure,
// but not a clean run either (spec §3/§7 ErrKind taxonomy).
const (
	exitPartial     = 23
	exitPartialXfer = 24
)

// Config controls worker pool behavior.
type Config struct {
	NumWorkers  int
	RsyncPath   string
	BaseArgs    []string
	ExtraArgs   []string
	DestRoot    string
	NullSep     bool
	StderrLines int           // per-bucket captured stderr tail length; 0 disables capture
	GracePeriod time.Duration // SIGTERM -> SIGKILL grace period on cancellation
}

// WorkerPool dequeues sealed buckets and runs one rsync child per
// bucket, bounded to Config.NumWorkers concurrent children.
type WorkerPool struct {
	cfg Config

	mu       sync.Mutex
	children map[*exec.Cmd]struct{}
	killAll  atomic.Bool
}

// New creates a WorkerPool. A GracePeriod <= 0 defaults to 5s, matching
// the spec's worker-pool cancellation design note.
func New(cfg Config) *WorkerPool {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	return &WorkerPool{cfg: cfg, children: make(map[*exec.Cmd]struct{})}
}

// Run starts Config.NumWorkers goroutines that drain buckets until it
// is closed and empty or ctx is cancelled. For every bucket a worker
// dequeues it publishes a BucketStarted event followed by one terminal
// event to events (the monitor's sole input) and, if results is
// non-nil, one bucket.Result there too; buckets still queued once ctx
// is cancelled are not dequeued and get neither. Run blocks until every
// worker has exited. Cancelling ctx does not close buckets, results or events; the
// caller remains responsible for that, Run only stops starting new
// children and tears down ones already running.
func (wp *WorkerPool) Run(ctx context.Context, buckets <-chan *bucket.Bucket, results chan<- bucket.Result, events chan<- event.Event) {
	var wg sync.WaitGroup
	n := wp.cfg.NumWorkers
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		workerID := i + 1
		go func() {
			defer wg.Done()
			wp.workerLoop(ctx, workerID, buckets, results, events)
		}()
	}
	wg.Wait()
}

// Escalate kills every currently-running child immediately with
// SIGKILL, used when a second interrupt arrives while workers are
// already draining under a softer cancellation.
func (wp *WorkerPool) Escalate() {
	wp.killAll.Store(true)
	wp.mu.Lock()
	defer wp.mu.Unlock()
	for cmd := range wp.children {
		killProcessGroup(cmd, unix.SIGKILL)
	}
}

func (wp *WorkerPool) workerLoop(ctx context.Context, workerID int, buckets <-chan *bucket.Bucket, results chan<- bucket.Result, events chan<- event.Event) {
	for {
		// Cancellation point 1: before dequeuing the next bucket.
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, ok := <-buckets
		if !ok {
			return
		}

		events <- event.Event{Type: event.BucketStarted, BucketID: b.ID, WorkerID: workerID}
		res := wp.runBucket(ctx, workerID, b)
		if results != nil {
			results <- res
		}

		switch res.ErrKind {
		case bucket.OK:
			events <- event.Event{Type: event.BucketFinishedOK, BucketID: b.ID, WorkerID: workerID, Duration: time.Duration(res.Duration), Bytes: res.BytesAttempt}
		case bucket.Partial:
			events <- event.Event{Type: event.BucketFinishedPartial, BucketID: b.ID, WorkerID: workerID, Duration: time.Duration(res.Duration), Bytes: res.BytesAttempt, ExitStatus: res.ExitStatus, StderrTail: res.StderrTail}
		case bucket.Cancelled:
			events <- event.Event{Type: event.BucketCancelled, BucketID: b.ID, WorkerID: workerID}
		default:
			events <- event.Event{
				Type:         event.BucketFinishedFailed,
				BucketID:     b.ID,
				WorkerID:     workerID,
				Duration:     time.Duration(res.Duration),
				ExitStatus:   res.ExitStatus,
				StderrTail:   res.StderrTail,
				SpawnFailure: res.ErrKind == bucket.SpawnFailure,
				Err:          res.Err,
			}
		}
	}
}

func (wp *WorkerPool) runBucket(ctx context.Context, workerID int, b *bucket.Bucket) bucket.Result {
	start := time.Now()
	res := bucket.Result{BucketID: b.ID, BytesAttempt: b.Bytes}

	if ctx.Err() != nil {
		res.ErrKind = bucket.Cancelled
		res.Duration = int64(time.Since(start))
		return res
	}

	argv := BuildArgv(ArgvConfig{
		RsyncPath:  wp.cfg.RsyncPath,
		BaseArgs:   wp.cfg.BaseArgs,
		ExtraArgs:  wp.cfg.ExtraArgs,
		SourceRoot: b.SourceRoot,
		DestRoot:   wp.cfg.DestRoot,
		NullSep:    wp.cfg.NullSep,
	})

	rsyncPath := wp.cfg.RsyncPath
	if rsyncPath == "" {
		rsyncPath = "rsync"
	}

	// exec.Command, not CommandContext: ctx cancellation is handled by
	// the three explicit checkpoints this function and writeFileList
	// already apply, plus the caller's Cancel(), which escalates
	// SIGTERM to SIGKILL after a grace period. CommandContext's default
	// behavior of SIGKILLing immediately on ctx.Done would bypass that
	// grace period entirely.
	cmd := exec.Command(rsyncPath, argv...)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		res.ErrKind = bucket.SpawnFailure
		res.Err = fmt.Errorf("create stdin pipe: %w", err)
		res.Duration = int64(time.Since(start))
		return res
	}

	var stderrBuf bytes.Buffer
	ring := newStderrRing(wp.cfg.StderrLines)
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		res.ErrKind = bucket.SpawnFailure
		res.Err = fmt.Errorf("spawn %s: %w", rsyncPath, err)
		res.Duration = int64(time.Since(start))
		return res
	}

	wp.trackChild(cmd)
	defer wp.untrackChild(cmd)

	writeErr := wp.writeFileList(ctx, stdin, b)
	_ = stdin.Close()

	waitErr := cmd.Wait()
	wp.drainStderr(&stderrBuf, ring)
	res.StderrTail = ring.tail()
	res.Duration = int64(time.Since(start))

	if ctx.Err() != nil || wp.killAll.Load() {
		res.ErrKind = bucket.Cancelled
		res.Err = ctx.Err()
		return res
	}

	if writeErr != nil && waitErr == nil {
		res.ErrKind = bucket.Failed
		res.Err = writeErr
		return res
	}

	classifyExit(&res, waitErr)
	return res
}

// writeFileList streams b's relative paths to the child's stdin,
// separated by NUL (--from0) or newline, checking for cancellation
// between lines (cancellation point 2).
func (wp *WorkerPool) writeFileList(ctx context.Context, w io.WriteCloser, b *bucket.Bucket) error {
	bw := bufio.NewWriter(w)
	sep := byte('\n')
	if wp.cfg.NullSep {
		sep = 0
	}
	for _, e := range b.Entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := bw.WriteString(e.RelPath); err != nil {
			return fmt.Errorf("write file list: %w", err)
		}
		if err := bw.WriteByte(sep); err != nil {
			return fmt.Errorf("write file list: %w", err)
		}
	}
	return bw.Flush()
}

func (wp *WorkerPool) drainStderr(buf *bytes.Buffer, ring *stderrRing) {
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		ring.add(sc.Text())
	}
}

func classifyExit(res *bucket.Result, waitErr error) {
	if waitErr == nil {
		res.ErrKind = bucket.OK
		res.ExitStatus = 0
		return
	}
	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		res.ErrKind = bucket.SpawnFailure
		res.Err = waitErr
		return
	}
	res.ExitStatus = exitErr.ExitCode()
	switch res.ExitStatus {
	case exitPartial, exitPartialXfer:
		res.ErrKind = bucket.Partial
		res.Err = waitErr
	default:
		res.ErrKind = bucket.Failed
		res.Err = waitErr
	}
}

func (wp *WorkerPool) trackChild(cmd *exec.Cmd) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.children[cmd] = struct{}{}
}

func (wp *WorkerPool) untrackChild(cmd *exec.Cmd) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	delete(wp.children, cmd)
}

// Cancel sends SIGTERM to every running child, waits up to
// Config.GracePeriod, then SIGKILLs stragglers. It is intended to be
// called once, concurrently with workers still draining in-flight
// buckets, when ctx is first cancelled (cancellation point 3 lives
// inside runBucket's cmd.Wait returning once the child dies).
func (wp *WorkerPool) Cancel() {
	wp.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(wp.children))
	for cmd := range wp.children {
		cmds = append(cmds, cmd)
	}
	wp.mu.Unlock()

	for _, cmd := range cmds {
		killProcessGroup(cmd, unix.SIGTERM)
	}

	if len(cmds) == 0 {
		return
	}

	timer := time.NewTimer(wp.cfg.GracePeriod)
	defer timer.Stop()
	<-timer.C

	wp.mu.Lock()
	defer wp.mu.Unlock()
	for cmd := range wp.children {
		killProcessGroup(cmd, unix.SIGKILL)
	}
}
