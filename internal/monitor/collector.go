package monitor

import (
	"sync"
	"sync/atomic"
	"time"
)

// ringSize bounds how many one-second throughput samples the rolling
// speed/ETA estimate draws from.
const ringSize = 60

// Collector tracks run-wide progress using lock-free atomic counters,
// the same style as a stats collector that workers increment directly
// and a single presenter reads via Snapshot.
type Collector struct {
	entriesCrawled atomic.Int64
	bytesCrawled   atomic.Int64
	crawlWarnings  atomic.Int64
	crawlDone      atomic.Bool

	bucketsTotal     atomic.Int64
	bucketsOK        atomic.Int64
	bucketsPartial   atomic.Int64
	bucketsFailed    atomic.Int64
	bucketsCancelled atomic.Int64
	bytesAttempted   atomic.Int64
	bytesDone        atomic.Int64

	startTime time.Time

	// throughput is a ring of bytes-done deltas sampled once per second
	// by Tick; RollingSpeed and ETA read it under mu.
	mu        sync.Mutex
	throughput [ringSize]int64
	ringIdx    int
	ringCount  int
	lastBytes  int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Tick samples the bytes-done delta since the last call into the
// throughput ring. Called once per second by the monitor's run loop.
func (c *Collector) Tick() {
	current := c.bytesDone.Load()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.throughput[c.ringIdx] = current - c.lastBytes
	c.lastBytes = current
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns the average bytes/sec over the last n one-second
// samples (fewer if the run hasn't been going that long).
func (c *Collector) RollingSpeed(n int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := n
	if count > c.ringCount {
		count = c.ringCount
	}
	if count == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < count; i++ {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.throughput[idx]
	}
	return float64(sum) / float64(count)
}

// ETA estimates remaining time from the 10-second rolling speed and
// the gap between bytes attempted and bytes done so far. It returns 0
// once there is nothing left to estimate, or while the speed sample is
// still empty.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.bytesAttempted.Load() - c.bytesDone.Load()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/speed) * time.Second
}

func (c *Collector) AddCrawled(entries, bytes int64) {
	c.entriesCrawled.Add(entries)
	c.bytesCrawled.Add(bytes)
}

func (c *Collector) AddCrawlWarning() { c.crawlWarnings.Add(1) }
func (c *Collector) SetCrawlDone()    { c.crawlDone.Store(true) }

func (c *Collector) AddBucketEnqueued(bytes int64) {
	c.bucketsTotal.Add(1)
	c.bytesAttempted.Add(bytes)
}

func (c *Collector) AddBucketOK(bytes int64) {
	c.bucketsOK.Add(1)
	c.bytesDone.Add(bytes)
}

func (c *Collector) AddBucketPartial(bytes int64) {
	c.bucketsPartial.Add(1)
	c.bytesDone.Add(bytes)
}

func (c *Collector) AddBucketFailed() { c.bucketsFailed.Add(1) }

func (c *Collector) AddBucketCancelled() { c.bucketsCancelled.Add(1) }

func (c *Collector) Elapsed() time.Duration { return time.Since(c.startTime) }

// Snapshot is a point-in-time read of every counter.
type Snapshot struct {
	EntriesCrawled int64
	BytesCrawled   int64
	CrawlWarnings  int64
	CrawlDone      bool

	BucketsTotal     int64
	BucketsOK        int64
	BucketsPartial   int64
	BucketsFailed    int64
	BucketsCancelled int64
	BytesAttempted   int64
	BytesDone        int64

	Elapsed time.Duration
}

func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		EntriesCrawled:   c.entriesCrawled.Load(),
		BytesCrawled:     c.bytesCrawled.Load(),
		CrawlWarnings:    c.crawlWarnings.Load(),
		CrawlDone:        c.crawlDone.Load(),
		BucketsTotal:     c.bucketsTotal.Load(),
		BucketsOK:        c.bucketsOK.Load(),
		BucketsPartial:   c.bucketsPartial.Load(),
		BucketsFailed:    c.bucketsFailed.Load(),
		BucketsCancelled: c.bucketsCancelled.Load(),
		BytesAttempted:   c.bytesAttempted.Load(),
		BytesDone:        c.bytesDone.Load(),
		Elapsed:          c.Elapsed(),
	}
}

// BucketsSettled is the number of buckets that have left "in-flight",
// regardless of outcome.
func (s Snapshot) BucketsSettled() int64 {
	return s.BucketsOK + s.BucketsPartial + s.BucketsFailed + s.BucketsCancelled
}
