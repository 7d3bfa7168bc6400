package pool

import (
	"fmt"
	"strings"
)

// DefaultBaseArgs are the base rsync arguments applied to every bucket,
// matching the original tool's DEFAULT_RSYNC_OPTIONS. -S (sparse) is
// kept unconditionally by default — it is wrong for some destinations
// (e.g. tmpfs) but changing that default is left to --rsync-options,
// per the open question in DESIGN.md.
var DefaultBaseArgs = []string{"-aS", "--numeric-ids"}

// deniedRsyncFlags lists flags that --rsync-options may never carry
// because they would break the composition of independent per-bucket
// rsync invocations into one coherent destination tree (§5 of the
// spec). --delete is the sharpest case: grounded directly on the
// original implementation's _check_rsync_options, which rejects
// --delete for the identical reason (tests/test_rsync_options_checker.py,
// tests/test_options_parser.py::test_rsync_delete*) — a bucket's
// --files-from only ever lists that bucket's paths, so --delete would
// treat every path outside the bucket as "extraneous" and delete it.
var deniedRsyncFlags = []string{
	"--delete",
	"--files-from",
	"--from0",
}

// CheckExtraArgs validates a user-supplied --rsync-options string
// against deniedRsyncFlags. It returns a *config* class error (fatal,
// checked before any worker starts) on violation.
func CheckExtraArgs(extra string) error {
	for _, tok := range strings.Fields(extra) {
		for _, denied := range deniedRsyncFlags {
			if tok == denied || strings.HasPrefix(tok, denied+"=") {
				return fmt.Errorf("--rsync-options may not set %s: it breaks per-bucket composition", denied)
			}
			if denied == "--delete" && strings.HasPrefix(tok, "--delete-") {
				return fmt.Errorf("--rsync-options may not set %s: it breaks per-bucket composition", tok)
			}
		}
	}
	return nil
}

// ArgvConfig describes the invariant parts of a bucket's rsync
// invocation: everything except the file list, which is streamed to
// the child's stdin separately.
type ArgvConfig struct {
	RsyncPath  string
	BaseArgs   []string
	ExtraArgs  []string
	SourceRoot string // must end in "/": copy contents, not the directory itself
	DestRoot   string
	NullSep    bool // use --from0 with NUL-separated stdin instead of newlines
}

// BuildArgv synthesizes the argument vector for one bucket's rsync
// child. The trailing slash on SourceRoot and the --files-from=- /
// --from0 pairing are load-bearing (§4.3 of the spec): together they
// let independently-invoked buckets compose into a single destination
// tree instead of nesting under SourceRoot's basename.
func BuildArgv(cfg ArgvConfig) []string {
	argv := make([]string, 0, len(cfg.BaseArgs)+len(cfg.ExtraArgs)+4)
	argv = append(argv, cfg.BaseArgs...)
	argv = append(argv, cfg.ExtraArgs...)
	argv = append(argv, "--files-from=-")
	if cfg.NullSep {
		argv = append(argv, "--from0")
	}
	argv = append(argv, ensureTrailingSlash(cfg.SourceRoot), cfg.DestRoot)
	return argv
}

func ensureTrailingSlash(path string) string {
	if strings.HasSuffix(path, "/") {
		return path
	}
	return path + "/"
}
