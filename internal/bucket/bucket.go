// Package bucket defines the Entry and Bucket data model and the
// streaming partitioner that folds a crawl's Entry stream into Buckets
// bounded by entry count and aggregate byte size.
//
// The fold/seal/reset shape here generalizes a small-file batcher
// originally meant to "batch small regular files for a direct-copy
// worker" into "bucket every kind of entry for a delegated rsync
// child": directories and symlinks are always accepted into the open
// bucket, and an entry whose own size exceeds the byte threshold is
// never rejected — it is admitted and immediately forms a singleton
// bucket once the following entry trips the byte limit.
package bucket

// Kind classifies a filesystem object discovered by the crawl.
type Kind int

const (
	Regular Kind = iota
	Directory
	Symlink
	Other
)

func (k Kind) String() string {
	switch k {
	case Regular:
		return "regular"
	case Directory:
		return "directory"
	case Symlink:
		return "symlink"
	default:
		return "other"
	}
}

// Entry is an immutable record describing one filesystem object
// discovered by the crawl. RelPath is relative to the bucketing root
// (namespaced by source basename when more than one source is given)
// and appears at most once across the whole stream. SourceRoot is the
// absolute directory RelPath, Namespace prefix included, is relative to
// on disk: the source itself for a single source, its parent directory
// when more than one source is given. Namespace is "" for a single
// source and filepath.Base(source) when more than one source is given,
// doubling as the destination subdirectory that keeps sources from
// colliding.
type Entry struct {
	RelPath    string
	Size       int64 // 0 for non-regular
	Kind       Kind
	SourceRoot string
	Namespace  string
}

// Limits bounds a bucket's admission policy: at most Entries entries and
// at most Bytes aggregate bytes, whichever comes first.
type Limits struct {
	Entries int64
	Bytes   int64
}

// Bucket is a sealed, ordered, non-empty list of Entries plus a
// monotonically assigned id. Once Sealed is true the bucket is
// immutable and ready for a worker to consume.
type Bucket struct {
	ID         int
	Entries    []Entry
	Bytes      int64
	Sealed     bool
	SourceRoot string
	Namespace  string
}

// Result is produced by a worker exactly once per sealed bucket.
type Result struct {
	BucketID     int
	ExitStatus   int
	Duration     int64 // nanoseconds, kept as int64 to stay comparable/serializable
	BytesAttempt int64
	StderrTail   []string
	ErrKind      ErrKind
	Err          error
}

// ErrKind classifies how a bucket's rsync invocation concluded.
type ErrKind int

const (
	OK ErrKind = iota
	Partial
	Failed
	Cancelled
	SpawnFailure
)

func (k ErrKind) String() string {
	switch k {
	case OK:
		return "ok"
	case Partial:
		return "partial"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case SpawnFailure:
		return "spawn-failure"
	default:
		return "unknown"
	}
}

// count returns 1 count contributed by e; every entry, including
// directories and symlinks, contributes exactly 1 to the count limit.
func (e Entry) count() int64 { return 1 }

// bytes returns the bytes e contributes to a bucket's aggregate size;
// only regular files contribute bytes.
func (e Entry) bytes() int64 {
	if e.Kind == Regular {
		return e.Size
	}
	return 0
}

// Partitioner folds a stream of Entries into Buckets subject to Limits,
// preferring to fill buckets as much as possible without exceeding
// either threshold. It is pure streaming state: Add is called once per
// Entry in crawl order, and Flush is called once after the crawl ends.
type Partitioner struct {
	limits Limits
	nextID int

	open       []Entry
	bytes      int64
	openSource string
}

// NewPartitioner creates a Partitioner with the given limits. Limits
// below 1 are treated as 1, matching the "≥ 1" configuration invariant.
func NewPartitioner(limits Limits) *Partitioner {
	if limits.Entries < 1 {
		limits.Entries = 1
	}
	if limits.Bytes < 1 {
		limits.Bytes = 1
	}
	return &Partitioner{limits: limits, nextID: 1}
}

// Add admits e into the open bucket, sealing and returning the
// previously open bucket first if e would overflow it, or if e belongs
// to a different source than the entries already open (a bucket's
// entries must share one SourceRoot so a single rsync child can copy
// them with one --files-from list). The returned bucket is nil unless
// a seal occurred.
func (p *Partitioner) Add(e Entry) *Bucket {
	var sealed *Bucket

	if len(p.open) > 0 && (p.wouldOverflow(e) || e.SourceRoot != p.openSource) {
		sealed = p.seal()
	}

	if len(p.open) == 0 {
		p.openSource = e.SourceRoot
	}
	p.open = append(p.open, e)
	p.bytes += e.bytes()
	return sealed
}

// wouldOverflow reports whether admitting e into the currently open,
// non-empty bucket would violate either the count or byte limit.
func (p *Partitioner) wouldOverflow(e Entry) bool {
	if int64(len(p.open))+e.count() > p.limits.Entries {
		return true
	}
	return p.bytes+e.bytes() > p.limits.Bytes
}

// Flush seals and returns the open bucket if it is non-empty, to be
// called once after the crawl emits crawl-complete. Returns nil if
// there is nothing pending.
func (p *Partitioner) Flush() *Bucket {
	if len(p.open) == 0 {
		return nil
	}
	b := p.seal()
	return b
}

func (p *Partitioner) seal() *Bucket {
	b := &Bucket{
		ID:         p.nextID,
		Entries:    p.open,
		Bytes:      p.bytes,
		Sealed:     true,
		SourceRoot: p.openSource,
		Namespace:  p.open[0].Namespace,
	}
	p.nextID++
	p.open = nil
	p.bytes = 0
	p.openSource = ""
	return b
}
