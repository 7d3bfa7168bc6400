// Package crawl implements the single depth-first enumeration of the
// source tree(s) that feeds the partitioner.
//
// The traversal shape — an explicit work stack of directories, one
// os.Lstat-equivalent call per child, emit-before-descend — comes from
// a scanner that walked a single source tree with a pool of directory
// workers feeding file-copy tasks to a direct-copy worker pool. This
// crawler narrows that to a single producer goroutine per source (one
// depth-first walk, not a parallel one — rsync's own traversal is
// itself single-threaded, and a single walker is what lets entries be
// emitted in a stable pre-order the partitioner can rely on), and its
// payload narrows from copy instructions to bucket.Entry (crawl facts
// only); the actual copy is delegated to an rsync child.
package crawl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-prsync/prsync/internal/bucket"
	"github.com/go-prsync/prsync/internal/event"
)

// Config controls crawler behavior.
type Config struct {
	// Sources lists one or more root directories to walk. When more
	// than one is given, every Entry's RelPath is namespaced with
	// filepath.Base(source) to avoid collisions at the destination.
	Sources []string
}

// Crawler performs one single-pass, pre-order traversal of Config.Sources.
type Crawler struct {
	cfg Config
}

// New creates a Crawler for the given configuration.
func New(cfg Config) *Crawler {
	return &Crawler{cfg: cfg}
}

// Run walks every configured source and sends one Entry per discovered
// object to entries, in pre-order (parent before children), emitting a
// CrawlWarning event for every unreadable directory or stat failure
// along the way (the subtree is skipped, the run continues) and a
// final CrawlComplete event carrying the totals. It closes entries
// before returning. The caller's ctx is checked between directory
// expansions; a cancelled context stops the walk early without error.
func (c *Crawler) Run(ctx context.Context, entries chan<- bucket.Entry, events chan<- event.Event) error {
	defer close(entries)

	var totalEntries, totalBytes int64
	namespace := len(c.cfg.Sources) > 1

	for _, src := range c.cfg.Sources {
		absSrc, err := filepath.Abs(src)
		if err != nil {
			return fmt.Errorf("source %s: %w", src, err)
		}
		info, err := os.Lstat(src)
		if err != nil {
			return fmt.Errorf("source %s: %w", src, err)
		}

		ns := ""
		if namespace {
			ns = filepath.Base(absSrc)
		}

		if !info.IsDir() {
			// A single file source is its own one-entry "tree"; its
			// SourceRoot is its parent directory and its RelPath is its
			// base name, which is also its namespace in a multi-source run.
			e := c.toEntry(src, info, filepath.Base(absSrc), filepath.Dir(absSrc), ns)
			select {
			case entries <- e:
				totalEntries++
				totalBytes += e.Size
			case <-ctx.Done():
				c.emitComplete(events, totalEntries, totalBytes)
				return nil
			}
			continue
		}

		prefix := ""
		entrySourceRoot := absSrc
		if namespace {
			prefix = ns
			// RelPath carries the "<ns>/..." prefix, so the SourceRoot
			// tagged onto each entry must be the parent of absSrc: a
			// trailing-slash rsync invocation against that parent then
			// reproduces the same "<ns>/..." layout at the destination.
			entrySourceRoot = filepath.Dir(absSrc)
		}
		n, b, err := c.walk(ctx, absSrc, entrySourceRoot, prefix, ns, entries, events)
		totalEntries += n
		totalBytes += b
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			break
		}
	}

	c.emitComplete(events, totalEntries, totalBytes)
	return nil
}

func (c *Crawler) emitComplete(events chan<- event.Event, entries, bytes int64) {
	events <- event.Event{
		Type:    event.CrawlComplete,
		Entries: entries,
		Bytes:   bytes,
	}
}

// walk performs the iterative pre-order traversal of one source root.
// prefix is prepended to every relative path (namespacing for
// multi-source runs); it is empty for a single-source run.
func (c *Crawler) walk(
	ctx context.Context,
	root, entrySourceRoot, prefix, namespace string,
	entries chan<- bucket.Entry,
	events chan<- event.Event,
) (int64, int64, error) {
	var totalEntries, totalBytes int64

	type dir struct {
		abs string // absolute/os path
		rel string // path relative to root, "" for root itself
	}

	rootInfo, err := os.Lstat(root)
	if err != nil {
		return 0, 0, fmt.Errorf("source %s: %w", root, err)
	}
	rootEntry := c.toEntry(root, rootInfo, relOrDot(prefix), entrySourceRoot, namespace)
	select {
	case entries <- rootEntry:
		totalEntries++
	case <-ctx.Done():
		return totalEntries, totalBytes, nil
	}

	stack := []dir{{abs: root, rel: ""}}

	for len(stack) > 0 {
		select {
		case <-ctx.Done():
			return totalEntries, totalBytes, nil
		default:
		}

		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		names, err := readDirNames(d.abs)
		if err != nil {
			events <- event.Event{
				Type: event.CrawlWarning,
				Path: relOrDot(joinRel(prefix, d.rel)),
				Err:  fmt.Errorf("read directory %s: %w", d.abs, err),
			}
			continue
		}

		// Native listing order is preserved deliberately — sorting
		// would cost O(n log n) per directory for no benefit, and it
		// would diverge from rsync's own traversal order.
		for _, name := range names {
			childAbs := filepath.Join(d.abs, name)
			childRel := filepath.Join(d.rel, name)

			info, err := os.Lstat(childAbs)
			if err != nil {
				events <- event.Event{
					Type: event.CrawlWarning,
					Path: relOrDot(joinRel(prefix, childRel)),
					Err:  fmt.Errorf("lstat %s: %w", childAbs, err),
				}
				continue
			}

			e := c.toEntry(childAbs, info, joinRel(prefix, childRel), entrySourceRoot, namespace)

			select {
			case entries <- e:
			case <-ctx.Done():
				return totalEntries, totalBytes, nil
			}
			totalEntries++
			totalBytes += e.Size

			if info.IsDir() {
				stack = append(stack, dir{abs: childAbs, rel: childRel})
			}
		}
	}

	return totalEntries, totalBytes, nil
}

func (c *Crawler) toEntry(path string, info os.FileInfo, relPath, sourceRoot, namespace string) bucket.Entry {
	mode := info.Mode()
	var kind bucket.Kind
	var size int64
	switch {
	case mode&os.ModeSymlink != 0:
		kind = bucket.Symlink
	case mode.IsDir():
		kind = bucket.Directory
	case mode.IsRegular():
		kind = bucket.Regular
		size = info.Size()
	default:
		kind = bucket.Other
	}
	if relPath == "" {
		relPath = "."
	}
	return bucket.Entry{
		RelPath:    relPath,
		Size:       size,
		Kind:       kind,
		SourceRoot: sourceRoot,
		Namespace:  namespace,
	}
}

func readDirNames(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

func joinRel(prefix, rel string) string {
	if prefix == "" {
		return rel
	}
	if rel == "" {
		return prefix
	}
	return filepath.Join(prefix, rel)
}

func relOrDot(rel string) string {
	if rel == "" {
		return "."
	}
	return rel
}
